// Package main is the entry point for SignalGate, a metered gateway in
// front of an upstream signal computation source. It authenticates API
// keys, admits requests against tier quotas and rate limits, serves
// signals through a tiered cache and meters usage for billing.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/bootstrap"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "signalgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	hotReload := flag.Bool("hot-reload", true, "Enable hot reload of configuration")
	flag.Parse()

	// Version command
	if *showVersion {
		fmt.Printf("signalgate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Validate only mode
	if *validate {
		cfg, err := config.LoadWithFallback(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Provider: %s\n", cfg.Provider.URL)
		fmt.Printf("  Database: %s\n", cfg.Database.Driver)
		fmt.Printf("  Billing:  %s\n", cfg.Billing.Mode)
		fmt.Printf("  Tiers:    %d\n", len(cfg.Tiers))
		os.Exit(0)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	holder, fileBacked, err := buildHolder(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Hot reload only makes sense with a file behind the holder;
	// env-only deployments restart to pick up changes.
	if *hotReload && fileBacked {
		if err := holder.WatchFile(); err != nil {
			logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		holder.WatchSignals()
	}

	app, err := bootstrap.NewWithOptions(holder, bootstrap.Options{Version: version})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	// Run blocks until shutdown; App.Shutdown stops the holder.
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildHolder loads configuration from the file when it exists, falling
// back to environment variables for container deployments.
func buildHolder(path string, logger zerolog.Logger) (*config.Holder, bool, error) {
	if _, err := os.Stat(path); err == nil {
		h, err := config.NewHolder(path, logger)
		return h, true, err
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, false, err
	}
	return config.NewStaticHolder(cfg, logger), false, nil
}
