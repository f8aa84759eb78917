package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/routing"
)

const paymentColumns = `id, booking_id, provider, channel, mode, amount, currency, status,
provider_payment_request_id, provider_payment_id, checkout_url, COALESCE(idempotency_key, ''),
failure_reason, metadata, expires_at, created_at, updated_at`

// PaymentStore implements payment.Store. Booking reads and status changes go
// through the same queries as BookingStore so a cascade shares the transaction.
type PaymentStore struct {
	c conn
}

// NewPaymentStore constructs a PaymentStore backed by a pgx pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{c: conn{pool: pool}}
}

func (s *PaymentStore) InTx(ctx context.Context, fn func(payment.Store) error) error {
	return s.c.inTx(ctx, func(c conn) error { return fn(&PaymentStore{c: c}) })
}

func (s *PaymentStore) GetBooking(ctx context.Context, id uuid.UUID) (booking.Booking, error) {
	q, err := s.c.q()
	if err != nil {
		return booking.Booking{}, err
	}
	return getBooking(ctx, q, id)
}

func (s *PaymentStore) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to booking.Status) error {
	q, err := s.c.q()
	if err != nil {
		return err
	}
	return updateBookingStatus(ctx, q, id, from, to)
}

func (s *PaymentStore) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	q, err := s.c.q()
	if err != nil {
		return payment.Payment{}, err
	}
	metadata := p.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var idem *string
	if p.IdempotencyKey != "" {
		idem = &p.IdempotencyKey
	}
	var expires *time.Time
	if !p.ExpiresAt.IsZero() {
		expires = &p.ExpiresAt
	}
	row := q.QueryRow(ctx, `INSERT INTO payments (id, booking_id, provider, channel, mode, amount, currency, status,
provider_payment_request_id, provider_payment_id, checkout_url, idempotency_key, failure_reason, metadata,
expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING `+paymentColumns,
		p.ID, p.BookingID, string(p.Provider), string(p.Channel), string(p.Mode), p.Amount, p.Currency, string(p.Status),
		p.ProviderPaymentRequestID, p.ProviderPaymentID, p.CheckoutURL, idem, p.FailureReason, metadata,
		expires, p.CreatedAt, p.UpdatedAt)
	out, err := scanPayment(row)
	if _, ok := uniqueViolation(err); ok {
		return payment.Payment{}, payment.ErrDuplicatePayment
	}
	return out, err
}

func (s *PaymentStore) GetPayment(ctx context.Context, id uuid.UUID) (payment.Payment, error) {
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (s *PaymentStore) LockPayment(ctx context.Context, id uuid.UUID) (payment.Payment, error) {
	if s.c.tx == nil {
		return payment.Payment{}, errors.New("repo: LockPayment requires a transaction")
	}
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (s *PaymentStore) FindPaymentByProviderRequest(ctx context.Context, provider payment.ProviderName, requestID string) (payment.Payment, error) {
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE provider = $1 AND provider_payment_request_id = $2`, string(provider), requestID)
}

func (s *PaymentStore) FindPaymentByIdempotencyKey(ctx context.Context, key string) (payment.Payment, error) {
	return s.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
}

func (s *PaymentStore) ListBookingPayments(ctx context.Context, bookingID uuid.UUID) ([]payment.Payment, error) {
	return s.many(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE booking_id = $1 ORDER BY created_at DESC, id DESC`, bookingID)
}

func (s *PaymentStore) UpdatePaymentStatus(ctx context.Context, u payment.StatusUpdate) error {
	q, err := s.c.q()
	if err != nil {
		return err
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := q.Exec(ctx, `UPDATE payments SET status = $3,
provider_payment_id = CASE WHEN $4 = '' THEN provider_payment_id ELSE $4 END,
failure_reason = CASE WHEN $5 = '' THEN failure_reason ELSE $5 END,
updated_at = $6
WHERE id = $1 AND status = $2`,
		u.ID, string(u.From), string(u.To), u.ProviderPaymentID, u.FailureReason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPayment(ctx, u.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s", payment.ErrStalePayment, u.From)
	}
	return nil
}

// InsertEvent skips rows that already exist instead of raising 23505, which
// would abort the surrounding transaction.
func (s *PaymentStore) InsertEvent(ctx context.Context, e payment.Event) error {
	q, err := s.c.q()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `INSERT INTO payment_events (id, payment_id, provider, provider_payment_request_id,
source, raw_status, payload_hash, raw_body, outcome, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (provider, payload_hash) DO NOTHING`,
		e.ID, e.PaymentID, string(e.Provider), e.ProviderPaymentRequestID, string(e.Source),
		e.RawStatus, e.PayloadHash, e.RawBody, e.Outcome, e.ReceivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrDuplicateEvent
	}
	return nil
}

func (s *PaymentStore) SetEventOutcome(ctx context.Context, id uuid.UUID, paymentID *uuid.UUID, outcome string) error {
	q, err := s.c.q()
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `UPDATE payment_events SET outcome = $2, payment_id = COALESCE($3, payment_id) WHERE id = $1`,
		id, outcome, paymentID)
	return err
}

func (s *PaymentStore) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]payment.Payment, error) {
	return s.many(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
ORDER BY expires_at LIMIT $3`, string(payment.StatusPending), now, limit)
}

func (s *PaymentStore) ListAbandonedBookings(ctx context.Context, cutoff time.Time, limit int) ([]booking.Booking, error) {
	q, err := s.c.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+bookingColumns+` FROM bookings b
WHERE b.status = $1 AND b.created_at < $2
AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.booking_id = b.id)
ORDER BY b.created_at LIMIT $3`, string(booking.StatusPending), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (s *PaymentStore) ChannelHistory(ctx context.Context, email string) (routing.History, error) {
	q, err := s.c.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT p.channel, count(*), count(*) FILTER (WHERE p.status IN ($2, $3, $4))
FROM payments p JOIN bookings b ON b.id = p.booking_id
WHERE lower(b.guest_email) = lower($1) AND p.status NOT IN ($5, $6)
GROUP BY p.channel`, email,
		string(payment.StatusSucceeded), string(payment.StatusRefunded), string(payment.StatusPartiallyRefunded),
		string(payment.StatusPending), string(payment.StatusProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	history := routing.History{}
	for rows.Next() {
		var (
			channel             string
			attempts, successes int
		)
		if err := rows.Scan(&channel, &attempts, &successes); err != nil {
			return nil, err
		}
		history[routing.Channel(channel)] = routing.Stats{Attempts: attempts, Successes: successes}
	}
	return history, rows.Err()
}

func (s *PaymentStore) one(ctx context.Context, sql string, args ...any) (payment.Payment, error) {
	q, err := s.c.q()
	if err != nil {
		return payment.Payment{}, err
	}
	return scanPayment(q.QueryRow(ctx, sql, args...))
}

func (s *PaymentStore) many(ctx context.Context, sql string, args ...any) ([]payment.Payment, error) {
	q, err := s.c.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (payment.Payment, error) {
	var (
		p                               payment.Payment
		provider, channel, mode, status string
		metadata                        []byte
		expires                         *time.Time
	)
	err := row.Scan(&p.ID, &p.BookingID, &provider, &channel, &mode, &p.Amount, &p.Currency, &status,
		&p.ProviderPaymentRequestID, &p.ProviderPaymentID, &p.CheckoutURL, &p.IdempotencyKey,
		&p.FailureReason, &metadata, &expires, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	if err != nil {
		return payment.Payment{}, err
	}
	p.Provider = payment.ProviderName(provider)
	p.Channel = routing.Channel(channel)
	p.Mode = payment.Mode(mode)
	p.Status = payment.Status(status)
	if len(metadata) > 0 {
		p.Metadata = json.RawMessage(metadata)
	}
	if expires != nil {
		p.ExpiresAt = expires.UTC()
	}
	return p, nil
}
