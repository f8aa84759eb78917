package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/lock"
)

// WebhookHandler receives provider callbacks. The body is read verbatim
// before anything parses it; signatures are computed over those bytes.
type WebhookHandler struct {
	Svc    *Service
	Logger zerolog.Logger
}

// Handle responds 200 for every verified, well-formed callback, including
// refused ones whose outcome is recorded; 4xx for bad signatures and
// malformed payloads; 5xx when the provider should retry.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	name, ok := ParseProviderName(chi.URLParam(r, "provider"))
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	ack, err := h.Svc.ApplyWebhook(r.Context(), name, Callback{Header: r.Header.Clone(), Body: body})
	switch {
	case err == nil:
		common.JSON(w, http.StatusOK, ack)
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrAmountMismatch):
		// Recorded but not applied; a redelivery is a duplicate.
		common.JSON(w, http.StatusOK, ack)
	case errors.Is(err, ErrSignatureInvalid):
		h.Logger.Warn().
			Str("provider", name.Slug()).
			Str("remote_ip", common.ClientIP(r)).
			Int("body_bytes", len(body)).
			Msg("webhook signature verification failed")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
	case errors.Is(err, ErrMalformedPayload):
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
	case errors.Is(err, ErrUnknownProvider):
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "provider not configured", nil)
	case errors.Is(err, lock.ErrLocked):
		w.Header().Set("Retry-After", "5")
		common.JSONError(w, http.StatusServiceUnavailable, "CONCURRENT_OPERATION", "payment is being updated, retry later", nil)
	default:
		h.Logger.Error().Err(err).Str("provider", name.Slug()).Msg("webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_ERROR", "webhook processing failed", nil)
	}
}
