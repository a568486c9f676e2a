package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/app"
)

// StripeWebhook receives payment provider events. Authentication is the
// signature header, not an API key. Processing failures after the event
// is persisted return 200: the retry loop owns redelivery, not the
// provider.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_webhook", "Failed to read webhook body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if err := h.deps.Billing.IngestWebhook(r.Context(), payload, sig); err != nil {
		if errors.Is(err, app.ErrInvalidWebhook) {
			if h.deps.Metrics != nil {
				h.deps.Metrics.WebhookEvents.WithLabelValues("rejected").Inc()
			}
			writeError(w, http.StatusBadRequest, "invalid_webhook", "Webhook signature verification failed")
			return
		}
		// Persisting the event failed; a 5xx makes the provider retry
		// the delivery.
		h.deps.Logger.Error().Err(err).Msg("webhook ingest failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Webhook could not be stored")
		return
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.WebhookEvents.WithLabelValues("received").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
