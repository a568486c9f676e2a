package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/app"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/billing"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/breaker"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/quota"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/signal"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/tier"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// endpointSignals is the usage endpoint label for signal requests.
const endpointSignals = "signals"

// signalResponse is the signal endpoint's body. Data is the provider
// payload passed through verbatim.
type signalResponse struct {
	Symbol    string          `json:"symbol"`
	Indicator string          `json:"indicator"`
	Stale     bool            `json:"stale"`
	Data      json.RawMessage `json:"data"`
}

// GetSignal serves one metered signal computation: admission first,
// then the cached computation, then usage recording. Usage is recorded
// only after the signal was actually served.
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := callerFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}

	d, err := h.deps.Admission.Admit(ctx, caller, endpointSignals)
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("caller_id", caller.ID).Msg("admission check failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Admission check failed")
		return
	}
	if !d.Allowed {
		h.writeDenial(w, d)
		return
	}

	req := signal.Request{
		Symbol:    chi.URLParam(r, "symbol"),
		Indicator: chi.URLParam(r, "indicator"),
		Params:    queryParams(r),
	}

	start := h.deps.Clock.Now()
	res, err := h.deps.Signals.Get(ctx, req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		h.writeSignalError(w, err)
		return
	}

	h.recordUsage(caller, res, latencyMs)

	if d.Snapshot.CallerID != "" {
		w.Header().Set("X-Quota-Remaining", strconv.FormatInt(d.Snapshot.Remaining(), 10))
	}
	if d.Warning > quota.WarningNone {
		w.Header().Set("X-Quota-Warning", d.Warning.String())
	}
	w.Header().Set("X-Signal-Stale", strconv.FormatBool(res.Stale))

	writeJSON(w, http.StatusOK, signalResponse{
		Symbol:    res.Symbol,
		Indicator: res.Indicator,
		Stale:     res.Stale,
		Data:      json.RawMessage(res.Payload),
	})
}

// recordUsage hands the served request to the metering service. Never
// fails the response.
func (h *Handler) recordUsage(caller ports.Caller, res signal.Result, latencyMs int64) {
	rec := usage.NewRecord(
		h.deps.IDs.New(),
		caller.ID,
		"", // key id: identity is resolved upstream of metering
		endpointSignals,
		res.Symbol+":"+res.Indicator,
		1,
		http.StatusOK,
		latencyMs,
		h.deps.Clock.Now(),
	)
	h.deps.Metering.Record(rec)

	if h.deps.Metrics != nil {
		h.deps.Metrics.UsageUnits.WithLabelValues(string(caller.Tier)).Inc()
	}
}

// writeDenial maps an admission denial onto the wire.
func (h *Handler) writeDenial(w http.ResponseWriter, d app.Decision) {
	switch d.Reason {
	case app.ReasonRateLimited:
		if d.RetryAfter > 0 {
			secs := int(d.RetryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusTooManyRequests, app.ReasonRateLimited, "Rate limit exceeded, slow down")

	case app.ReasonSubscriptionInactive:
		writeError(w, http.StatusPaymentRequired, app.ReasonSubscriptionInactive, "Subscription is not active")

	case app.ReasonQuotaExceeded:
		writeError(w, http.StatusTooManyRequests, app.ReasonQuotaExceeded,
			fmt.Sprintf("Included quota of %d units exhausted for this period", d.Snapshot.IncludedUnits))

	default:
		writeError(w, http.StatusForbidden, "request_denied", "Request denied")
	}
}

func (h *Handler) writeSignalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signal.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, breaker.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, "signal_unavailable", "Signal source is unavailable, try again later")
	default:
		writeError(w, http.StatusBadGateway, "signal_unavailable", "Signal could not be computed")
	}
}

// quotaResponse is the quota endpoint's body.
type quotaResponse struct {
	CallerID      string    `json:"caller_id"`
	Tier          string    `json:"tier"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	ConsumedUnits int64     `json:"consumed_units"`
	IncludedUnits int64     `json:"included_units"`
	OverageUnits  int64     `json:"overage_units"`
	Remaining     int64     `json:"remaining"`
}

// GetQuota returns the caller's consumption for the current billing
// period.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}

	snap, err := h.deps.Metering.Snapshot(r.Context(), caller)
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("caller_id", caller.ID).Msg("quota snapshot failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Quota is temporarily unavailable")
		return
	}

	writeJSON(w, http.StatusOK, quotaResponse{
		CallerID:      snap.CallerID,
		Tier:          string(caller.Tier),
		PeriodStart:   snap.PeriodStart,
		PeriodEnd:     snap.PeriodEnd,
		ConsumedUnits: snap.ConsumedUnits,
		IncludedUnits: snap.IncludedUnits,
		OverageUnits:  snap.OverageUnits,
		Remaining:     snap.Remaining(),
	})
}

// usageResponse is the usage endpoint's body.
type usageResponse struct {
	PeriodStart  time.Time         `json:"period_start"`
	PeriodEnd    time.Time         `json:"period_end"`
	RequestCount int64             `json:"request_count"`
	TotalUnits   int64             `json:"total_units"`
	ErrorCount   int64             `json:"error_count"`
	AvgLatencyMs int64             `json:"avg_latency_ms"`
	ByEndpoint   map[string]int64  `json:"by_endpoint,omitempty"`
	Records      []usageRecordBody `json:"records"`
}

type usageRecordBody struct {
	Endpoint  string    `json:"endpoint"`
	Ref       string    `json:"ref,omitempty"`
	Units     int64     `json:"units"`
	Status    int       `json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
}

// GetUsage returns the caller's current-period usage summary plus the
// most recent records.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}

	report, err := h.deps.Metering.Report(r.Context(), caller)
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("caller_id", caller.ID).Msg("usage report failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Usage is temporarily unavailable")
		return
	}

	resp := usageResponse{
		PeriodStart:  report.Summary.PeriodStart,
		PeriodEnd:    report.Summary.PeriodEnd,
		RequestCount: report.Summary.RequestCount,
		TotalUnits:   report.Summary.TotalUnits,
		ErrorCount:   report.Summary.ErrorCount,
		AvgLatencyMs: report.Summary.AvgLatencyMs,
		ByEndpoint:   report.Summary.ByEndpoint,
		Records:      make([]usageRecordBody, 0, len(report.Records)),
	}
	for _, rec := range report.Records {
		resp.Records = append(resp.Records, usageRecordBody{
			Endpoint:  rec.Endpoint,
			Ref:       rec.Ref,
			Units:     rec.Units,
			Status:    rec.StatusCode,
			LatencyMs: rec.LatencyMs,
			At:        rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// subscriptionBody is the subscription resource on the wire.
type subscriptionBody struct {
	ID                string     `json:"id"`
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

func toSubscriptionBody(sub billing.Subscription) subscriptionBody {
	b := subscriptionBody{
		ID:                sub.ID,
		Tier:              string(sub.Tier),
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if !sub.CurrentPeriodStart.IsZero() {
		t := sub.CurrentPeriodStart
		b.PeriodStart = &t
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		t := sub.CurrentPeriodEnd
		b.PeriodEnd = &t
	}
	return b
}

type subscriptionRequest struct {
	Tier string `json:"tier"`
}

// GetSubscription returns the caller's open subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}

	sub, err := h.deps.Billing.Subscription(r.Context(), caller.ID)
	if err != nil {
		h.writeBillingError(w, caller.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionBody(sub))
}

// CreateSubscription subscribes the caller to a paid tier.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}
	t, ok := h.decodeTier(w, r)
	if !ok {
		return
	}

	sub, err := h.deps.Billing.Subscribe(r.Context(), caller.ID, t)
	if err != nil {
		h.writeBillingError(w, caller.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionBody(sub))
}

// ChangeSubscription moves the caller's subscription to another tier.
func (h *Handler) ChangeSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}
	t, ok := h.decodeTier(w, r)
	if !ok {
		return
	}

	sub, err := h.deps.Billing.ChangeTier(r.Context(), caller.ID, t)
	if err != nil {
		h.writeBillingError(w, caller.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionBody(sub))
}

// CancelSubscription cancels the caller's subscription, at period end
// by default, immediately with ?immediate=true.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "A valid API key is required")
		return
	}

	atPeriodEnd := r.URL.Query().Get("immediate") != "true"
	sub, err := h.deps.Billing.CancelSubscription(r.Context(), caller.ID, atPeriodEnd)
	if err != nil {
		h.writeBillingError(w, caller.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionBody(sub))
}

func (h *Handler) decodeTier(w http.ResponseWriter, r *http.Request) (tier.Tier, bool) {
	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Body must be JSON with a tier field")
		return "", false
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_tier", err.Error())
		return "", false
	}
	return t, true
}

// writeBillingError maps billing service errors onto the wire.
func (h *Handler) writeBillingError(w http.ResponseWriter, callerID string, err error) {
	switch {
	case errors.Is(err, app.ErrNoSubscription):
		writeError(w, http.StatusNotFound, "no_subscription", "No open subscription")
	case errors.Is(err, app.ErrSubscriptionExists):
		writeError(w, http.StatusConflict, "subscription_exists", "An open subscription already exists")
	case errors.Is(err, app.ErrUnknownTier), errors.Is(err, app.ErrTierNotSubscribable):
		writeError(w, http.StatusBadRequest, "unknown_tier", err.Error())
	case errors.Is(err, breaker.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, "billing_unavailable", "Billing provider is unavailable, try again later")
	default:
		h.deps.Logger.Error().Err(err).Str("caller_id", callerID).Msg("billing operation failed")
		writeError(w, http.StatusBadGateway, "billing_error", "Billing operation failed")
	}
}

// queryParams flattens the query string into signal parameters.
func queryParams(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	params := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 && vs[0] != "" {
			params[k] = vs[0]
		}
	}
	if len(params) == 0 {
		return nil
	}
	return params
}
