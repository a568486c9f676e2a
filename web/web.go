// Package web provides the HTTP surface of the signal gateway: the
// metered signal endpoint, account endpoints, the payment webhook
// receiver and the operational endpoints. Request and response shaping
// lives here; every decision is made by the app services.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/adapters/metrics"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/app"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/breaker"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// maxWebhookBytes caps a webhook delivery body.
const maxWebhookBytes = 1 << 20

// Deps contains dependencies for the HTTP handler.
type Deps struct {
	Admission *app.AdmissionService
	Signals   *app.SignalService
	Metering  *app.MeteringService
	Billing   *app.BillingService

	Breakers []*breaker.Breaker
	Clock    ports.Clock
	IDs      ports.IDGenerator
	Logger   zerolog.Logger
	Metrics  *metrics.Collector

	// AuthHeader is the request header carrying the API key, next to
	// the always-accepted Authorization bearer form.
	AuthHeader string
	// TrustedHeader, when set, names a header carrying an already
	// authenticated email identity (an upstream proxy did the auth).
	// The caller account is created on first sight.
	TrustedHeader string

	// ReadyChecks are probed by /health/ready, keyed by dependency
	// name.
	ReadyChecks map[string]func(ctx context.Context) error

	Version     string
	MetricsPath string
}

// Handler serves the gateway API.
type Handler struct {
	deps Deps
}

// New creates the handler.
func New(deps Deps) *Handler {
	if deps.AuthHeader == "" {
		deps.AuthHeader = "X-API-Key"
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Handler{deps: deps}
}

// Router builds the chi router for the whole API surface.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if h.deps.Metrics != nil {
		r.Use(h.metricsMiddleware)
	}

	// Operational endpoints, unauthenticated.
	r.Get("/health", h.Liveness)
	r.Get("/health/ready", h.Readiness)
	r.Get("/version", h.Version)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, h.deps.MetricsPath, promhttp.Handler())
	}

	// Webhook receiver authenticates by signature, not API key.
	r.Post("/webhooks/stripe", h.StripeWebhook)

	// Caller-facing API.
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Get("/signals/{symbol}/{indicator}", h.GetSignal)
		r.Get("/quota", h.GetQuota)
		r.Get("/usage", h.GetUsage)

		r.Get("/subscription", h.GetSubscription)
		r.Post("/subscription", h.CreateSubscription)
		r.Put("/subscription", h.ChangeSubscription)
		r.Delete("/subscription", h.CancelSubscription)
	})

	return r
}

// Liveness reports that the process is up.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyResponse is the readiness probe's body.
type readyResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Breakers []breaker.Status  `json:"breakers,omitempty"`
}

// Readiness probes the gateway's dependencies. A failed check returns
// 503 so load balancers rotate the instance out; an open breaker is
// reported but does not fail readiness, since stale cache keeps the
// instance useful.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := readyResponse{Status: "ok"}
	status := http.StatusOK

	if len(h.deps.ReadyChecks) > 0 {
		resp.Checks = make(map[string]string, len(h.deps.ReadyChecks))
		for name, check := range h.deps.ReadyChecks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				resp.Checks[name] = "ok"
			}
		}
	}

	for _, b := range h.deps.Breakers {
		resp.Breakers = append(resp.Breakers, b.GetStatus())
	}

	writeJSON(w, status, resp)
}

// Version reports the build version.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	v := h.deps.Version
	if v == "" {
		v = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "signalgate",
		"version": v,
	})
}

// authMiddleware resolves the caller behind the request and stores it
// in the context. API keys win over the trusted identity header.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := h.resolveCaller(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func (h *Handler) resolveCaller(w http.ResponseWriter, r *http.Request) (ports.Caller, bool) {
	ctx := r.Context()

	if rawKey := extractAPIKey(r, h.deps.AuthHeader); rawKey != "" {
		caller, err := h.deps.Admission.Authenticate(ctx, rawKey)
		if err != nil {
			h.authFailure(w, r, err)
			return ports.Caller{}, false
		}
		return caller, true
	}

	if h.deps.TrustedHeader != "" {
		if email := strings.TrimSpace(r.Header.Get(h.deps.TrustedHeader)); email != "" {
			caller, err := h.deps.Admission.EnsureCaller(ctx, email, "")
			if err != nil {
				h.deps.Logger.Error().Err(err).Str("email", email).Msg("resolve trusted caller")
				writeError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve caller")
				return ports.Caller{}, false
			}
			return caller, true
		}
	}

	h.authFailure(w, r, app.ErrUnauthenticated)
	return ports.Caller{}, false
}

func (h *Handler) authFailure(w http.ResponseWriter, r *http.Request, err error) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.AuthFailures.Inc()
	}
	h.deps.Logger.Debug().
		Err(err).
		Str("path", r.URL.Path).
		Str("remote_ip", r.RemoteAddr).
		Msg("authentication failed")
	writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
}

// metricsMiddleware records request counts and latency per route
// pattern.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.deps.Metrics.RequestsInFlight.Inc()
		defer h.deps.Metrics.RequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		status := strconv.Itoa(ww.Status())
		h.deps.Metrics.RequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
		h.deps.Metrics.RequestDuration.WithLabelValues(r.Method, pattern, status).
			Observe(time.Since(start).Seconds())
	})
}

// extractAPIKey reads the API key from the Authorization bearer form
// or the configured header.
func extractAPIKey(r *http.Request, header string) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get(header)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
