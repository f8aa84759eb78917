// Package notify delivers guest emails through the queue outbox. Payment
// reconciliation only enqueues; the worker process sends.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/obs"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/queue"
)

// EmailTaskKind is the queue kind carrying EmailMessage payloads.
const EmailTaskKind = "notify-email"

// Enqueuer is the subset of queue.Enqueuer the outbox needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Outbox implements payment.Notifier by enqueueing email tasks.
type Outbox struct {
	Queue       Enqueuer
	MaxAttempts int
	Logger      zerolog.Logger
}

var _ payment.Notifier = (*Outbox)(nil)

// SendBookingConfirmation enqueues at most one confirmation per booking.
func (o *Outbox) SendBookingConfirmation(ctx context.Context, b booking.Booking, p payment.Payment) error {
	msg := messageFor(KindBookingConfirmed, b)
	msg.PaymentID = p.ID.String()
	msg.Amount = p.Amount
	msg.Currency = p.Currency
	return o.enqueue(ctx, msg, "confirm:"+b.ID.String())
}

// SendPaymentFailed enqueues a failure notice. Repeated failures with the
// same reason for one booking collapse into one email.
func (o *Outbox) SendPaymentFailed(ctx context.Context, b booking.Booking, reason string) error {
	msg := messageFor(KindPaymentFailed, b)
	msg.Reason = reason
	return o.enqueue(ctx, msg, "failed:"+b.ID.String()+":"+common.Sha256Hex(reason)[:12])
}

func (o *Outbox) enqueue(ctx context.Context, msg EmailMessage, key string) error {
	if o == nil || o.Queue == nil {
		return errors.New("notify: queue not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		obs.Inc(obs.NotificationTotal, msg.Kind, "skipped")
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = o.Queue.Enqueue(ctx, queue.Task{
		Kind:           EmailTaskKind,
		Payload:        payload,
		IdempotencyKey: key,
		MaxAttempts:    o.MaxAttempts,
	})
	if err != nil {
		obs.Inc(obs.NotificationTotal, msg.Kind, "enqueue_failed")
		o.Logger.Error().Err(err).Str("booking_id", msg.BookingID).Str("kind", msg.Kind).Msg("notification enqueue failed")
		return err
	}
	obs.Inc(obs.NotificationTotal, msg.Kind, "enqueued")
	return nil
}

func messageFor(kind string, b booking.Booking) EmailMessage {
	return EmailMessage{
		Kind:      kind,
		BookingID: b.ID.String(),
		To:        b.Guest.Email,
		GuestName: b.Guest.Name,
		RoomType:  b.RoomTypeID.String(),
		CheckIn:   b.CheckIn,
		CheckOut:  b.CheckOut,
		Amount:    b.TotalPrice,
		Currency:  b.Currency,
	}
}
