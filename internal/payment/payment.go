// Package payment orchestrates provider payment requests for bookings:
// channel routing, provider adapters, the payment state machine, webhook
// reconciliation and expiry sweeping.
package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-farmstay/internal/routing"
)

// Status is the lifecycle state of one payment attempt.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusSucceeded         Status = "SUCCEEDED"
	StatusFailed            Status = "FAILED"
	StatusExpired           Status = "EXPIRED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusCancelled         Status = "CANCELLED"
)

// ProviderName identifies a payment provider adapter.
type ProviderName string

const (
	ProviderStripe  ProviderName = "STRIPE"
	ProviderHitPay  ProviderName = "HITPAY"
	ProviderFPX     ProviderName = "FPX"
	ProviderTNG     ProviderName = "TNG"
	ProviderDuitNow ProviderName = "DUITNOW"
)

// ParseProviderName accepts the lower-case path form used by webhook routes.
func ParseProviderName(value string) (ProviderName, bool) {
	switch ProviderName(strings.ToUpper(strings.TrimSpace(value))) {
	case ProviderStripe:
		return ProviderStripe, true
	case ProviderHitPay:
		return ProviderHitPay, true
	case ProviderFPX:
		return ProviderFPX, true
	case ProviderTNG:
		return ProviderTNG, true
	case ProviderDuitNow:
		return ProviderDuitNow, true
	}
	return "", false
}

// Slug is the lower-case form used in URLs and metric labels.
func (p ProviderName) Slug() string { return strings.ToLower(string(p)) }

// Mode separates redirect/online rails from offline ones such as bank transfer.
type Mode string

const (
	ModeOnline  Mode = "ONLINE"
	ModeOffline Mode = "OFFLINE"
)

// Payment is one attempt to collect a booking's total from a provider.
type Payment struct {
	ID                       uuid.UUID       `json:"id"`
	BookingID                uuid.UUID       `json:"bookingId"`
	Provider                 ProviderName    `json:"provider"`
	Channel                  routing.Channel `json:"channel"`
	Mode                     Mode            `json:"mode"`
	Amount                   int64           `json:"amount"`
	Currency                 string          `json:"currency"`
	Status                   Status          `json:"status"`
	ProviderPaymentRequestID string          `json:"providerPaymentRequestId"`
	ProviderPaymentID        string          `json:"providerPaymentId,omitempty"`
	CheckoutURL              string          `json:"checkoutUrl,omitempty"`
	IdempotencyKey           string          `json:"-"`
	FailureReason            string          `json:"failureReason,omitempty"`
	Metadata                 json.RawMessage `json:"metadata,omitempty"`
	ExpiresAt                time.Time       `json:"expiresAt"`
	CreatedAt                time.Time       `json:"createdAt"`
	UpdatedAt                time.Time       `json:"updatedAt"`
}

// Active reports whether the payment can still be completed by the guest.
func (p Payment) Active(now time.Time) bool {
	return p.Status == StatusPending && (p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt))
}

// EventSource says how a provider status reached us.
type EventSource string

const (
	SourceWebhook EventSource = "WEBHOOK"
	SourcePoll    EventSource = "POLL"
	SourceSweeper EventSource = "SWEEPER"
)

// Event is an append-only record of one provider notification. The pair
// (Provider, PayloadHash) is unique; a second insert is a replay.
type Event struct {
	ID                       uuid.UUID    `json:"id"`
	PaymentID                *uuid.UUID   `json:"paymentId,omitempty"`
	Provider                 ProviderName `json:"provider"`
	ProviderPaymentRequestID string       `json:"providerPaymentRequestId"`
	Source                   EventSource  `json:"source"`
	RawStatus                string       `json:"rawStatus"`
	PayloadHash              string       `json:"payloadHash"`
	RawBody                  []byte       `json:"-"`
	Outcome                  string       `json:"outcome"`
	ReceivedAt               time.Time    `json:"receivedAt"`
}

// Event outcomes.
const (
	OutcomeApplied           = "applied"
	OutcomeNoop              = "noop"
	OutcomeDuplicate         = "duplicate"
	OutcomeIllegalTransition = "illegal_transition"
	OutcomeAmountMismatch    = "amount_mismatch"
	OutcomeUnknownReference  = "unknown_reference"
	OutcomeIgnored           = "ignored"
)
