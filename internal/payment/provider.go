package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/routing"
)

// Outcome is the provider-neutral status vocabulary adapters normalise to.
type Outcome string

const (
	OutcomePending           Outcome = "pending"
	OutcomeProcessing        Outcome = "processing"
	OutcomeCompleted         Outcome = "completed"
	OutcomeFailed            Outcome = "failed"
	OutcomeExpired           Outcome = "expired"
	OutcomeCanceled          Outcome = "canceled"
	OutcomeRefunded          Outcome = "refunded"
	OutcomePartiallyRefunded Outcome = "partially_refunded"
)

// Status maps an outcome onto the payment state machine.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeProcessing:
		return StatusProcessing
	case OutcomeCompleted:
		return StatusSucceeded
	case OutcomeFailed:
		return StatusFailed
	case OutcomeExpired:
		return StatusExpired
	case OutcomeCanceled:
		return StatusCancelled
	case OutcomeRefunded:
		return StatusRefunded
	case OutcomePartiallyRefunded:
		return StatusPartiallyRefunded
	default:
		return StatusPending
	}
}

// CreateRequest carries everything an adapter needs to open a payment request.
type CreateRequest struct {
	PaymentID      uuid.UUID
	Booking        booking.Booking
	Amount         int64
	Currency       string
	Channel        routing.Channel
	BankCode       string
	RedirectURL    string
	WebhookURL     string
	IdempotencyKey string
	ExpiresAt      time.Time
}

// CreateResponse is what a provider returned for a new payment request.
type CreateResponse struct {
	ProviderRequestID string
	CheckoutURL       string
	ClientSecret      string
	RawStatus         string
	ExpiresAt         time.Time
	Raw               json.RawMessage
}

// StatusResult is a polled provider status.
type StatusResult struct {
	ProviderPaymentID string
	RawStatus         string
	Amount            int64
	Currency          string
	Raw               json.RawMessage
}

// Callback is an inbound webhook exactly as received.
type Callback struct {
	Header http.Header
	Body   []byte
}

// Notification is a parsed callback in provider-neutral form. Amount is zero
// when the provider does not echo it.
type Notification struct {
	ProviderRequestID string
	ProviderPaymentID string
	RawStatus         string
	Amount            int64
	Currency          string
	Reason            string
}

// Provider is implemented once per payment provider. Adapters perform
// network calls only; persisting state is the Service's job.
type Provider interface {
	Name() ProviderName
	// Mode reports whether the rail completes online or settles offline.
	Mode() Mode
	CreatePaymentRequest(ctx context.Context, req CreateRequest) (CreateResponse, error)
	GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error)
	// NormalizeStatus is total: unrecognised values map to OutcomePending.
	NormalizeStatus(raw string) Outcome
	// VerifyCallback is a pure predicate over the raw callback.
	VerifyCallback(cb Callback) bool
	ParseCallback(cb Callback) (Notification, error)
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
