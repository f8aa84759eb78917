package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/events"
	"github.com/noah-isme/backend-farmstay/internal/lock"
	"github.com/noah-isme/backend-farmstay/internal/obs"
)

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Payments int `json:"payments"`
	Bookings int `json:"bookings"`
	Skipped  int `json:"skipped"`
}

// Sweeper expires payments whose window has passed and bookings held without
// a payment for too long. Payments are expired under their row lock with a
// conditional update, so a webhook committing first simply wins.
type Sweeper struct {
	Svc       *Service
	BatchSize int
	// HoldTTL bounds how long a PENDING booking without payment keeps its room.
	HoldTTL time.Duration
}

func (w *Sweeper) batch() int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	return 200
}

// Sweep runs one pass.
func (w *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := otel.Tracer("payment.Sweeper").Start(ctx, "Sweeper.Sweep")
	defer span.End()

	s := w.Svc
	now := s.now().UTC()
	var res SweepResult

	due, err := s.Store.ListExpiredPayments(ctx, now, w.batch())
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		expired, err := w.expirePayment(ctx, p.ID, now)
		if err != nil {
			s.Logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("sweeper could not expire payment")
			res.Skipped++
			continue
		}
		if expired {
			res.Payments++
		} else {
			res.Skipped++
		}
	}

	if w.HoldTTL > 0 {
		stale, err := s.Store.ListAbandonedBookings(ctx, now.Add(-w.HoldTTL), w.batch())
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		for _, b := range stale {
			// A payment being created right now holds the booking lock.
			err := s.withBookingLock(ctx, b.ID, func(ctx context.Context) error {
				return s.Store.UpdateBookingStatus(ctx, b.ID, booking.StatusPending, booking.StatusExpired)
			})
			switch {
			case errors.Is(err, booking.ErrStaleStatus), errors.Is(err, lock.ErrLocked):
				res.Skipped++
				continue
			case err != nil:
				s.Logger.Error().Err(err).Str("booking_id", b.ID.String()).Msg("sweeper could not expire booking")
				res.Skipped++
				continue
			}
			res.Bookings++
			obs.Inc(obs.SweeperExpiredTotal, "booking")
			s.emit(ctx, events.TopicBookingStatusChanged, b.ID, map[string]any{
				"bookingId": b.ID,
				"from":      booking.StatusPending,
				"to":        booking.StatusExpired,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("sweeper.payments", res.Payments),
		attribute.Int("sweeper.bookings", res.Bookings),
		attribute.Int("sweeper.skipped", res.Skipped),
	)
	if res.Payments > 0 || res.Bookings > 0 {
		s.Logger.Info().
			Int("payments", res.Payments).
			Int("bookings", res.Bookings).
			Int("skipped", res.Skipped).
			Msg("expiry sweep completed")
	}
	return res, nil
}

// expirePayment re-reads the payment under its row lock and expires it only
// if it is still pending and past its window.
func (w *Sweeper) expirePayment(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s := w.Svc
	var (
		expired bool
		effects []effect
	)
	err := s.Store.InTx(ctx, func(tx Store) error {
		expired, effects = false, nil
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusPending || p.ExpiresAt.IsZero() || p.ExpiresAt.After(now) {
			return nil
		}
		err = tx.UpdatePaymentStatus(ctx, StatusUpdate{ID: p.ID, From: StatusPending, To: StatusExpired, At: now})
		if errors.Is(err, ErrStalePayment) {
			return nil
		}
		if err != nil {
			return err
		}
		pid := p.ID
		err = tx.InsertEvent(ctx, Event{
			ID:                       uuid.New(),
			PaymentID:                &pid,
			Provider:                 p.Provider,
			ProviderPaymentRequestID: p.ProviderPaymentRequestID,
			Source:                   SourceSweeper,
			RawStatus:                string(StatusExpired),
			PayloadHash:              common.Sha256Hex("sweeper:" + p.ID.String()),
			Outcome:                  OutcomeApplied,
			ReceivedAt:               now,
		})
		if err != nil && !errors.Is(err, ErrDuplicateEvent) {
			return err
		}
		p.Status = StatusExpired
		obs.Inc(obs.PaymentTransitionTotal, string(StatusPending), string(StatusExpired))
		effects, err = s.cascade(ctx, tx, p, "")
		if err != nil {
			return err
		}
		effects = append(effects, func(ctx context.Context) {
			s.emit(ctx, events.TopicPaymentExpired, p.BookingID, map[string]any{
				"paymentId": p.ID,
				"bookingId": p.BookingID,
				"expiresAt": p.ExpiresAt,
			})
		})
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		obs.Inc(obs.SweeperExpiredTotal, "payment")
	}
	for _, fn := range effects {
		fn(ctx)
	}
	return expired, nil
}
