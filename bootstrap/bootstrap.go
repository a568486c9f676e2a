// Package bootstrap wires all dependencies and runs the gateway:
// stores, cache tiers, breakers, services, the HTTP server and the
// background loops. Configuration comes from a config.Holder so tier
// edits apply without a restart.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/clock"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/idgen"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/memory"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/metrics"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/payment"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/provider"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/rediscache"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/sqlite"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/app"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/config"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/breaker"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/web"
)

// Options carries build metadata into the wired application.
type Options struct {
	Version string
}

// App is the running application.
type App struct {
	Logger     zerolog.Logger
	Holder     *config.Holder
	Metrics    *metrics.Collector
	DB         *sqlite.DB
	Redis      *rediscache.Cache
	HTTPServer *http.Server

	Admission *app.AdmissionService
	Signals   *app.SignalService
	Metering  *app.MeteringService
	Billing   *app.BillingService

	recorder *BufferedRecorder
	upstream *provider.Client

	providerBreaker *breaker.Breaker
	paymentBreaker  *breaker.Breaker

	loopStop chan struct{}
	loopWG   sync.WaitGroup
}

// stores groups the persistence ports so the driver switch stays in one
// place.
type stores struct {
	callers  ports.CallerStore
	keys     ports.KeyStore
	subs     ports.SubscriptionStore
	usage    ports.UsageStore
	quotas   ports.QuotaStore
	webhooks ports.WebhookStore
	tx       ports.TxRunner
}

// New wires the application from the holder's current configuration.
func New(holder *config.Holder) (*App, error) {
	return NewWithOptions(holder, Options{})
}

// NewWithOptions wires the application with build metadata.
func NewWithOptions(holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()
	logger := setupLogger(cfg.Logging)

	a := &App{
		Logger:   logger,
		Holder:   holder,
		loopStop: make(chan struct{}),
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	st, err := a.initStores(cfg)
	if err != nil {
		return nil, err
	}

	if err := a.initServices(cfg, st); err != nil {
		a.closeStores()
		return nil, err
	}

	a.initConfigHooks()
	a.initHTTPServer(cfg, opts)

	return a, nil
}

// initStores opens the persistence layer for the configured driver.
func (a *App) initStores(cfg *config.Config) (stores, error) {
	switch cfg.Database.Driver {
	case "memory":
		a.Logger.Warn().Msg("using in-memory stores, data will not survive a restart")
		return stores{
			callers:  memory.NewCallerStore(),
			keys:     memory.NewKeyStore(),
			subs:     memory.NewSubscriptionStore(),
			usage:    memory.NewUsageStore(),
			quotas:   memory.NewQuotaStore(),
			webhooks: memory.NewWebhookStore(),
			tx:       memory.Tx{},
		}, nil

	default: // "sqlite", enforced by config validation
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return stores{}, fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return stores{}, fmt.Errorf("migrate database: %w", err)
		}
		a.DB = db
		a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database initialized")
		return stores{
			callers:  sqlite.NewCallerStore(db),
			keys:     sqlite.NewKeyStore(db),
			subs:     sqlite.NewSubscriptionStore(db),
			usage:    sqlite.NewUsageStore(db),
			quotas:   sqlite.NewQuotaStore(db),
			webhooks: sqlite.NewWebhookStore(db),
			tx:       db,
		}, nil
	}
}

func (a *App) initServices(cfg *config.Config, st stores) error {
	clk := clock.Real{}
	ids := idgen.UUID{}
	logger := a.Logger

	// Cache tiers: the local tier is always on, Redis joins when
	// configured. A Redis that is down at startup degrades to
	// local-only instead of failing the boot.
	local := memory.NewCache(memory.CacheConfig{MaxEntries: cfg.Cache.LocalMaxEntries, Clock: clk})
	var shared ports.CacheTier
	if cfg.Cache.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redis, err := rediscache.New(ctx, rediscache.Config{URL: cfg.Cache.RedisURL})
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing with the local cache tier only")
		} else {
			a.Redis = redis
			shared = redis
			logger.Info().Msg("redis cache tier enabled")
		}
	}

	cache := app.NewTieredCache(
		app.CacheDeps{Local: local, Shared: shared, Clock: clk, Logger: logger},
		app.CacheConfig{
			StaleWindow: cfg.Cache.StaleWindow,
			OnEvent:     a.cacheEventHook(),
		},
	)

	a.providerBreaker = a.newBreaker("provider", cfg.Breaker)
	a.paymentBreaker = a.newBreaker("payments", cfg.Breaker)

	upstream, err := provider.New(provider.Config{
		BaseURL:         cfg.Provider.URL,
		APIKey:          cfg.Provider.APIKey,
		Timeout:         cfg.Provider.Timeout,
		MaxIdleConns:    cfg.Provider.MaxIdleConns,
		IdleConnTimeout: cfg.Provider.IdleConnTimeout,
	})
	if err != nil {
		return fmt.Errorf("build signal provider: %w", err)
	}
	a.upstream = upstream

	payments, err := payment.NewProvider(payment.Config{
		Provider: cfg.Billing.Mode,
		Stripe: payment.StripeConfig{
			SecretKey:     cfg.Billing.StripeKey,
			WebhookSecret: cfg.Billing.StripeWebhookSecret,
		},
	})
	if err != nil {
		return fmt.Errorf("build payment provider: %w", err)
	}

	// Tier lookups close over the holder so hot reloads take effect on
	// the next request.
	tiers := func() map[tier.Tier]tier.Limits {
		return a.Holder.Get().TiersFor()
	}
	limitsFor := func(t tier.Tier) tier.Limits {
		return a.Holder.Get().TiersFor()[t]
	}

	a.recorder = NewBufferedRecorder(RecorderDeps{
		Usage:  st.usage,
		Quota:  st.quotas,
		Subs:   st.subs,
		Clock:  clk,
		Logger: logger,
		OnDrop: a.recorderDropHook(),
	}, RecorderConfig{
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: cfg.Usage.FlushInterval,
	})

	a.Metering = app.NewMeteringService(app.MeteringDeps{
		Recorder:  a.recorder,
		Usage:     st.usage,
		Quota:     st.quotas,
		Subs:      st.subs,
		Clock:     clk,
		Logger:    logger,
		LimitsFor: limitsFor,
	}, app.MeteringConfig{})

	a.Admission = app.NewAdmissionService(app.AdmissionDeps{
		Callers:    st.callers,
		Keys:       st.keys,
		Subs:       st.subs,
		Rates:      memory.NewRateLimitStore(),
		Metering:   a.Metering,
		IDs:        ids,
		Clock:      clk,
		Logger:     logger,
		Tiers:      tiers,
		OnDecision: a.decisionHook(),
	})

	a.Signals = app.NewSignalService(app.SignalDeps{
		Cache:    cache,
		Provider: upstream,
		Breaker:  a.providerBreaker,
		Clock:    clk,
		Logger:   logger,
	}, app.SignalConfig{
		TTL:             cfg.Cache.TTL,
		ProviderTimeout: cfg.Provider.Timeout,
	})

	a.Billing = app.NewBillingService(app.BillingDeps{
		Callers:            st.callers,
		Subs:               st.subs,
		Webhooks:           st.webhooks,
		Usage:              st.usage,
		Payments:           payments,
		Breaker:            a.paymentBreaker,
		Tx:                 st.tx,
		IDs:                ids,
		Clock:              clk,
		Logger:             logger,
		Tiers:              tiers,
		OnTierChange:       a.Metering.InvalidateSnapshot,
		OnWebhookExhausted: a.webhookExhaustedHook(),
		OnDrift:            a.driftHook(),
	}, app.BillingConfig{
		MaxWebhookAttempts: cfg.Billing.MaxWebhookAttempts,
	})

	return nil
}

// initConfigHooks applies the reloadable parts of a new configuration.
func (a *App) initConfigHooks() {
	a.Holder.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
		}
		a.Logger.Info().Int("tiers", len(cfg.Tiers)).Msg("configuration change applied")
	})
}

func (a *App) initHTTPServer(cfg *config.Config, opts Options) {
	ready := make(map[string]func(ctx context.Context) error)
	if a.DB != nil {
		ready["database"] = a.DB.PingContext
	}
	if a.Redis != nil {
		ready["redis"] = a.Redis.Ping
	}

	handler := web.New(web.Deps{
		Admission:     a.Admission,
		Signals:       a.Signals,
		Metering:      a.Metering,
		Billing:       a.Billing,
		Breakers:      []*breaker.Breaker{a.providerBreaker, a.paymentBreaker},
		Clock:         clock.Real{},
		IDs:           idgen.UUID{},
		Logger:        a.Logger,
		Metrics:       a.Metrics,
		AuthHeader:    cfg.Auth.Header,
		TrustedHeader: cfg.Auth.TrustedHeader,
		ReadyChecks:   ready,
		Version:       opts.Version,
		MetricsPath:   cfg.Metrics.Path,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	a.Logger.Info().Str("addr", addr).Msg("http server configured")
}

// newBreaker builds a breaker wired to logging and metrics.
func (a *App) newBreaker(name string, cfg config.BreakerConfig) *breaker.Breaker {
	b := breaker.New(name, breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		Cooldown:         cfg.Cooldown,
		MaxCooldown:      cfg.MaxCooldown,
	})
	b.OnStateChange(func(name string, from, to breaker.State) {
		a.Logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("breaker state changed")
		if a.Metrics != nil {
			a.Metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			a.Metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		}
	})
	return b
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (a *App) cacheEventHook() func(tierName, event string) {
	return func(tierName, event string) {
		if a.Metrics != nil {
			a.Metrics.CacheEvents.WithLabelValues(tierName, event).Inc()
		}
	}
}

func (a *App) decisionHook() func(app.Decision) {
	return func(d app.Decision) {
		if a.Metrics == nil {
			return
		}
		outcome, reason := "allowed", "none"
		if !d.Allowed {
			outcome, reason = "denied", d.Reason
		}
		a.Metrics.AdmissionDecisions.WithLabelValues(outcome, reason).Inc()
	}
}

func (a *App) recorderDropHook() func() {
	return func() {
		if a.Metrics != nil {
			a.Metrics.RecorderDrops.Inc()
		}
	}
}

func (a *App) webhookExhaustedHook() func() {
	return func() {
		if a.Metrics != nil {
			a.Metrics.WebhookEvents.WithLabelValues("exhausted").Inc()
		}
	}
}

func (a *App) driftHook() func() {
	return func() {
		if a.Metrics != nil {
			a.Metrics.ReconcileDrift.Inc()
		}
	}
}

// Run starts the background loops and the HTTP server, then blocks
// until a shutdown signal or a server error.
func (a *App) Run() error {
	a.startLoops()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown stops the loops, drains in-flight work and releases every
// resource.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.stopLoops()
	a.Holder.Stop()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.recorder != nil {
		if err := a.recorder.Close(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("usage recorder close error")
		}
	}

	if a.upstream != nil {
		a.upstream.Close()
	}

	a.closeStores()
	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) closeStores() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("redis close error")
		}
		a.Redis = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
		a.DB = nil
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
