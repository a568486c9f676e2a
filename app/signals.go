package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/breaker"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/signal"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// SignalDeps contains dependencies for SignalService.
type SignalDeps struct {
	Cache    *TieredCache
	Provider ports.SignalProvider
	Breaker  *breaker.Breaker
	Clock    ports.Clock
	Logger   zerolog.Logger
}

// SignalConfig tunes signal computation.
type SignalConfig struct {
	// TTL is how long a computed signal stays fresh.
	TTL time.Duration
	// ProviderTimeout bounds one provider call. A timeout counts as a
	// provider failure.
	ProviderTimeout time.Duration
}

// SignalService serves signal computations through the tiered cache,
// guarding the upstream provider with the circuit breaker. It knows
// nothing about billing; admission has already happened when Get runs.
type SignalService struct {
	deps SignalDeps
	cfg  SignalConfig
}

// NewSignalService creates the service.
func NewSignalService(deps SignalDeps, cfg SignalConfig) *SignalService {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &SignalService{deps: deps, cfg: cfg}
}

// Get returns the signal for the request, from cache when possible.
// The returned result carries Stale=true when the provider was
// unavailable and an expired cached value was served instead.
func (s *SignalService) Get(ctx context.Context, req signal.Request) (signal.Result, error) {
	// 1. Normalize and validate (PURE)
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return signal.Result{}, err
	}

	// 2. Resolve through the tiered cache (I/O); the compute path is
	// the breaker-guarded provider call with a bounded timeout.
	payload, stale, err := s.deps.Cache.GetOrCompute(ctx, req.CacheKey(), s.cfg.TTL, func(ctx context.Context) ([]byte, error) {
		var out []byte
		berr := s.deps.Breaker.Do(ctx, func(ctx context.Context) error {
			fctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
			defer cancel()

			var ferr error
			out, ferr = s.deps.Provider.Fetch(fctx, req)
			return ferr
		})
		return out, berr
	})
	if err != nil {
		s.deps.Logger.Error().
			Str("symbol", req.Symbol).
			Str("indicator", req.Indicator).
			Err(err).
			Msg("signal unavailable")
		return signal.Result{}, err
	}

	// 3. Build the result (PURE)
	return signal.Result{
		Symbol:    req.Symbol,
		Indicator: req.Indicator,
		Payload:   payload,
		Stale:     stale,
	}, nil
}

// InvalidateSymbol drops every cached signal for a symbol, forcing the
// next requests to recompute. An empty symbol clears all signals.
func (s *SignalService) InvalidateSymbol(ctx context.Context, symbol string) (int, error) {
	return s.deps.Cache.Invalidate(ctx, signal.KeyPattern(symbol))
}
