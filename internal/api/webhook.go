package api

import (
	"errors"
	"io"
	"net/http"

	"citestack/internal/billing"
)

const maxWebhookBytes = 1 << 20

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Could not read body")
		return
	}
	err = s.billing.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrWebhookNotConfigured):
		s.log.Error().Msg("STRIPE_WEBHOOK_SECRET is not configured")
		writeError(w, http.StatusInternalServerError, "not_configured", "Webhook not configured")
	case errors.Is(err, billing.ErrMissingSignature):
		writeError(w, http.StatusBadRequest, "invalid_signature", "Missing signature")
	case errors.Is(err, billing.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid_signature", "Invalid signature")
	default:
		s.log.Error().Err(err).Msg("webhook processing failed")
		writeError(w, http.StatusInternalServerError, "internal", "Webhook handler failed")
	}
}
