package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/lock"
	"github.com/noah-isme/backend-farmstay/internal/routing"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

// Handler exposes payment creation, status polling and the routing preview.
type Handler struct {
	Svc *Service
	// Signer checks the amount token issued with the booking. When
	// RequireAmountSignature is false a missing token is tolerated.
	Signer                 *signature.AmountSigner
	RequireAmountSignature bool
}

type createReq struct {
	BookingID       string                 `json:"bookingId" validate:"required,uuid"`
	Channel         string                 `json:"channel" validate:"omitempty,oneof=card tng duitnow fpx hitpay"`
	BankCode        string                 `json:"bankCode" validate:"omitempty,max=16"`
	Country         string                 `json:"country" validate:"omitempty,len=2"`
	BusinessType    string                 `json:"businessType" validate:"omitempty,oneof=B2C B2B"`
	AmountSignature *signature.AmountToken `json:"amountSignature"`
}

type handleResp struct {
	PaymentID            uuid.UUID       `json:"paymentId"`
	BookingID            uuid.UUID       `json:"bookingId"`
	Provider             ProviderName    `json:"provider"`
	Channel              routing.Channel `json:"channel"`
	Status               Status          `json:"status"`
	Amount               int64           `json:"amount"`
	Currency             string          `json:"currency"`
	CheckoutURL          string          `json:"checkoutUrl,omitempty"`
	ClientSecret         string          `json:"clientSecret,omitempty"`
	ExpiresAt            time.Time       `json:"expiresAt"`
	Reused               bool            `json:"reused"`
	Reason               string          `json:"reason,omitempty"`
	EstimatedSuccessRate float64         `json:"estimatedSuccessRate,omitempty"`
}

// Create returns the booking's active payment or opens a new one.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	req.BusinessType = strings.ToUpper(strings.TrimSpace(req.BusinessType))
	if err := common.ValidateStruct(req); err != nil {
		common.WriteError(w, err)
		return
	}
	bookingID := uuid.MustParse(req.BookingID)
	if err := h.checkAmount(r, bookingID, req.AmountSignature); err != nil {
		common.WriteError(w, Translate(err))
		return
	}
	channel, _ := routing.ParseChannel(req.Channel)
	handle, err := h.Svc.EnsurePayment(r.Context(), EnsureRequest{
		BookingID:      bookingID,
		Channel:        channel,
		BankCode:       strings.ToUpper(strings.TrimSpace(req.BankCode)),
		Country:        req.Country,
		BusinessType:   routing.BusinessType(req.BusinessType),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(common.IdempotencyKeyHeader)),
	})
	if err != nil {
		common.WriteError(w, Translate(err))
		return
	}
	status := http.StatusCreated
	if handle.Reused {
		status = http.StatusOK
	}
	p := handle.Payment
	common.JSON(w, status, handleResp{
		PaymentID:            p.ID,
		BookingID:            p.BookingID,
		Provider:             p.Provider,
		Channel:              p.Channel,
		Status:               p.Status,
		Amount:               p.Amount,
		Currency:             p.Currency,
		CheckoutURL:          handle.CheckoutURL,
		ClientSecret:         handle.ClientSecret,
		ExpiresAt:            p.ExpiresAt,
		Reused:               handle.Reused,
		Reason:               handle.Reason,
		EstimatedSuccessRate: handle.EstimatedSuccessRate,
	})
}

// checkAmount verifies that the amount the browser saw is still the booking total.
func (h *Handler) checkAmount(r *http.Request, bookingID uuid.UUID, token *signature.AmountToken) error {
	if h.Signer == nil {
		return nil
	}
	if token == nil {
		if h.RequireAmountSignature {
			return ErrAmountSignature
		}
		return nil
	}
	b, err := h.Svc.Store.GetBooking(r.Context(), bookingID)
	if err != nil {
		return err
	}
	if err := h.Signer.Check(b.ID.String(), b.TotalPrice, b.Currency, *token); err != nil {
		return errors.Join(ErrAmountSignature, err)
	}
	return nil
}

// Status returns the booking and latest payment, polling the provider when
// refresh=true.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid booking id", nil)
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	var view View
	if refresh {
		view, err = h.Svc.RefreshStatus(r.Context(), bookingID)
	} else {
		view, err = h.Svc.Status(r.Context(), bookingID)
	}
	if err != nil {
		common.WriteError(w, Translate(err))
		return
	}
	common.JSON(w, http.StatusOK, view)
}

// Channels previews the routing decision for an amount.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Svc.Router == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "router unavailable", nil)
		return
	}
	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "amount must be a positive integer in minor units", nil)
		return
	}
	businessType := routing.B2C
	if strings.EqualFold(q.Get("businessType"), string(routing.B2B)) {
		businessType = routing.B2B
	}
	req := routing.Request{
		Amount:       amount,
		Currency:     q.Get("currency"),
		Country:      q.Get("country"),
		BusinessType: businessType,
	}
	if email := strings.TrimSpace(q.Get("email")); email != "" {
		if history, err := h.Svc.Store.ChannelHistory(r.Context(), strings.ToLower(email)); err == nil {
			req.History = history
		}
	}
	common.JSON(w, http.StatusOK, h.Svc.Router.Route(req, h.Svc.Providers.Health()))
}

// Translate maps payment and booking errors onto the API error taxonomy.
func Translate(err error) error {
	switch {
	case errors.Is(err, booking.ErrBookingNotFound):
		return common.NotFound("booking not found", err)
	case errors.Is(err, ErrPaymentNotFound):
		return common.NotFound("payment not found", err)
	case errors.Is(err, ErrAmountSignature):
		return common.ValidationError("amount signature is missing, expired or does not match the booking total", err)
	case errors.Is(err, ErrAlreadyPaid):
		return common.Conflict("ALREADY_PAID", "this booking has already been paid", err)
	case errors.Is(err, ErrBookingClosed):
		return common.Conflict("BOOKING_CLOSED", "this booking can no longer be paid", err)
	case errors.Is(err, ErrPaymentInProgress):
		return common.Conflict("PAYMENT_IN_PROGRESS", "a payment for this booking is being processed", err)
	case errors.Is(err, ErrIdempotencyReuse):
		return common.Conflict("IDEMPOTENCY_KEY_REUSED", "idempotency key was used for another booking", err)
	case errors.Is(err, booking.ErrNoAvailability):
		return common.Conflict("NO_AVAILABILITY", "the room is no longer available for these dates", err)
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, booking.ErrStaleStatus):
		return common.Conflict("ILLEGAL_TRANSITION", "payment cannot change from its current state", err)
	case errors.Is(err, lock.ErrLocked):
		return common.Retryable("CONCURRENT_OPERATION", "another operation on this booking is in progress, retry shortly", time.Second, err)
	case errors.Is(err, ErrNoChannel):
		return common.NewAppError("CHANNEL_UNAVAILABLE", "no payment channel is available right now, please retry", http.StatusServiceUnavailable, err)
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return common.NewAppError("PROVIDER_ERROR", "the payment provider could not process the request, please retry", http.StatusBadGateway, err)
	}
	return err
}
