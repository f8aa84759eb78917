package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/obs"
	"github.com/noah-isme/backend-farmstay/internal/queue"
)

// Locker serialises delivery of one task across worker processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// SentGuard tracks delivered tasks.
type SentGuard interface {
	Sent(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string) error
}

// DeliveryWorker sends queued guest emails.
type DeliveryWorker struct {
	Mail    Mailer
	Locker  Locker
	LockTTL time.Duration
	Guard   SentGuard
	Logger  zerolog.Logger
}

// Handle is a queue.Worker handler for EmailTaskKind.
func (w DeliveryWorker) Handle(ctx context.Context, task queue.Task) error {
	if w.Mail == nil {
		return errors.New("notify: mail sender not configured")
	}
	var msg EmailMessage
	if err := json.Unmarshal(task.Payload, &msg); err != nil {
		return queue.Permanent(fmt.Errorf("notify: decode email task: %w", err))
	}
	id := task.IdempotencyKey
	if id == "" {
		id = msg.Kind + ":" + msg.BookingID
	}
	deliver := func(ctx context.Context) error { return w.deliver(ctx, id, msg, task.Attempt) }
	if w.Locker == nil {
		return deliver(ctx)
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return w.Locker.WithLock(ctx, fmt.Sprintf("lock:notify:%s", id), ttl, deliver)
}

func (w DeliveryWorker) deliver(ctx context.Context, id string, msg EmailMessage, attempt int) error {
	if w.Guard != nil {
		sent, err := w.Guard.Sent(ctx, id)
		if err != nil {
			return err
		}
		if sent {
			obs.Inc(obs.NotificationTotal, msg.Kind, "duplicate")
			return nil
		}
	}
	if err := w.Mail.Send(msg.To, subjectFor(msg), bodyFor(msg)); err != nil {
		obs.Inc(obs.NotificationTotal, msg.Kind, "failed")
		w.Logger.Warn().Err(err).
			Str("booking_id", msg.BookingID).
			Str("kind", msg.Kind).
			Int("attempt", attempt).
			Msg("email delivery failed")
		return err
	}
	obs.Inc(obs.NotificationTotal, msg.Kind, "sent")
	if w.Guard != nil {
		if err := w.Guard.MarkSent(ctx, id); err != nil {
			w.Logger.Warn().Err(err).Str("key", id).Msg("could not record sent email")
		}
	}
	return nil
}
