package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/events"
	"github.com/noah-isme/backend-farmstay/internal/lock"
	"github.com/noah-isme/backend-farmstay/internal/obs"
	"github.com/noah-isme/backend-farmstay/internal/routing"
)

// Store is the persistence contract for payments and the bookings they cascade to.
type Store interface {
	GetBooking(ctx context.Context, id uuid.UUID) (booking.Booking, error)
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to booking.Status) error

	// CreatePayment returns ErrDuplicatePayment when the idempotency key or
	// provider request id already exists.
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	// LockPayment reads a payment and holds its row lock until the transaction ends.
	LockPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	FindPaymentByProviderRequest(ctx context.Context, provider ProviderName, requestID string) (Payment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, key string) (Payment, error)
	// ListBookingPayments returns a booking's payments newest first.
	ListBookingPayments(ctx context.Context, bookingID uuid.UUID) ([]Payment, error)
	// UpdatePaymentStatus is conditional on u.From and returns ErrStalePayment
	// when the row has moved on.
	UpdatePaymentStatus(ctx context.Context, u StatusUpdate) error

	// InsertEvent returns ErrDuplicateEvent when (provider, payload hash) exists.
	InsertEvent(ctx context.Context, e Event) error
	SetEventOutcome(ctx context.Context, id uuid.UUID, paymentID *uuid.UUID, outcome string) error

	ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]Payment, error)
	// ListAbandonedBookings returns PENDING bookings created before cutoff that never got a payment.
	ListAbandonedBookings(ctx context.Context, cutoff time.Time, limit int) ([]booking.Booking, error)
	// ChannelHistory aggregates a guest's past payment outcomes per channel.
	ChannelHistory(ctx context.Context, email string) (routing.History, error)

	InTx(ctx context.Context, fn func(Store) error) error
}

// StatusUpdate is one conditional payment status step.
type StatusUpdate struct {
	ID                uuid.UUID
	From              Status
	To                Status
	ProviderPaymentID string
	FailureReason     string
	At                time.Time
}

// Notifier informs the guest. Calls happen after commit and never roll back state.
type Notifier interface {
	SendBookingConfirmation(ctx context.Context, b booking.Booking, p Payment) error
	SendPaymentFailed(ctx context.Context, b booking.Booking, reason string) error
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) error
}

// RoomGuard re-validates a booking's room before a retry. EnsureRoom moves a
// PAYMENT_FAILED booking back to PAYMENT_PENDING under the room type lock;
// ReleaseRoom undoes that when no payment could be created.
type RoomGuard interface {
	EnsureRoom(ctx context.Context, b booking.Booking) (booking.Booking, error)
	ReleaseRoom(ctx context.Context, bookingID uuid.UUID) error
}

// Service orchestrates payment creation and reconciliation. Every mutation
// of a booking's payments runs under the booking lock.
type Service struct {
	Store     Store
	Providers *Registry
	Router    *routing.Router
	Locker    booking.Locker
	LockTTL   time.Duration
	Rooms     RoomGuard
	Notifier  Notifier
	Events    Emitter

	IntentTTL       time.Duration
	ProviderTimeout time.Duration
	RedirectBaseURL string
	WebhookBaseURL  string
	// ExpireBookingOnTimeout sends a booking whose payment expired to EXPIRED;
	// when false it goes to PAYMENT_FAILED and the guest may retry.
	ExpireBookingOnTimeout bool

	Logger zerolog.Logger
	Now    func() time.Time

	refreshes singleflight.Group
}

// EnsureRequest asks for a payment for a booking. Channel is an optional hint;
// without it the router decides.
type EnsureRequest struct {
	BookingID      uuid.UUID
	Channel        routing.Channel
	BankCode       string
	Country        string
	BusinessType   routing.BusinessType
	IdempotencyKey string
}

// Handle is what the guest needs to complete a payment.
type Handle struct {
	Payment              Payment
	CheckoutURL          string
	ClientSecret         string
	Reused               bool
	Reason               string
	EstimatedSuccessRate float64
}

// Ack is the result of applying a provider notification.
type Ack struct {
	Outcome   string     `json:"outcome"`
	PaymentID *uuid.UUID `json:"paymentId,omitempty"`
	Status    Status     `json:"status,omitempty"`
}

// View is the combined booking and latest payment state.
type View struct {
	Booking booking.Booking `json:"booking"`
	Payment *Payment        `json:"payment,omitempty"`
}

type effect func(ctx context.Context)

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) intentTTL() time.Duration {
	if s.IntentTTL > 0 {
		return s.IntentTTL
	}
	return 30 * time.Minute
}

func (s *Service) providerTimeout() time.Duration {
	if s.ProviderTimeout > 0 {
		return s.ProviderTimeout
	}
	return 10 * time.Second
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return 30 * time.Second
}

func (s *Service) withBookingLock(ctx context.Context, bookingID uuid.UUID, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	return s.Locker.WithLock(ctx, lock.BookingKey(bookingID.String()), s.lockTTL(), fn)
}

// EnsurePayment returns the booking's active payment or creates one. The lock
// is held across the provider call and the insert so concurrent requests
// cannot both create an external payment.
func (s *Service) EnsurePayment(ctx context.Context, req EnsureRequest) (Handle, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.EnsurePayment")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", req.BookingID.String()))

	var out Handle
	err := s.withBookingLock(ctx, req.BookingID, func(ctx context.Context) error {
		h, err := s.ensureLocked(ctx, req)
		out = h
		return err
	})
	if err != nil {
		span.RecordError(err)
		return Handle{}, err
	}
	span.SetAttributes(
		attribute.String("payment.id", out.Payment.ID.String()),
		attribute.String("payment.provider", string(out.Payment.Provider)),
		attribute.Bool("payment.reused", out.Reused),
	)
	return out, nil
}

func checkOpen(b booking.Booking) error {
	switch b.Status {
	case booking.StatusPaid:
		return ErrAlreadyPaid
	case booking.StatusCancelled, booking.StatusCompleted, booking.StatusExpired:
		return fmt.Errorf("%w: booking is %s", ErrBookingClosed, b.Status)
	}
	return nil
}

func reuse(p Payment) Handle {
	return Handle{Payment: p, CheckoutURL: p.CheckoutURL, Reused: true}
}

func (s *Service) ensureLocked(ctx context.Context, req EnsureRequest) (Handle, error) {
	b, err := s.Store.GetBooking(ctx, req.BookingID)
	if err != nil {
		return Handle{}, err
	}
	if err := checkOpen(b); err != nil {
		return Handle{}, err
	}
	now := s.now()

	if req.IdempotencyKey != "" {
		p, err := s.Store.FindPaymentByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil && p.BookingID != b.ID:
			return Handle{}, ErrIdempotencyReuse
		case err == nil:
			return reuse(p), nil
		case !errors.Is(err, ErrPaymentNotFound):
			return Handle{}, err
		}
	}

	payments, err := s.Store.ListBookingPayments(ctx, b.ID)
	if err != nil {
		return Handle{}, err
	}
	expired := false
	for _, p := range payments {
		switch {
		case p.Status == StatusProcessing:
			return Handle{}, ErrPaymentInProgress
		case p.Active(now):
			return reuse(p), nil
		case p.Status == StatusPending:
			if err := s.expireInline(ctx, p); err != nil {
				return Handle{}, err
			}
			expired = true
		}
	}
	if expired {
		// The sweeper may have cascaded the booking while we were expiring.
		if b, err = s.Store.GetBooking(ctx, b.ID); err != nil {
			return Handle{}, err
		}
		if err := checkOpen(b); err != nil {
			return Handle{}, err
		}
	}

	held := false
	if b.Status == booking.StatusPaymentFailed && s.Rooms != nil {
		if b, err = s.Rooms.EnsureRoom(ctx, b); err != nil {
			return Handle{}, err
		}
		held = b.Status == booking.StatusPaymentPending
	}

	h, err := s.createRouted(ctx, req, b, len(payments)+1)
	if err != nil && held {
		s.releaseRoom(ctx, b.ID)
	}
	return h, err
}

func (s *Service) createRouted(ctx context.Context, req EnsureRequest, b booking.Booking, attempt int) (Handle, error) {
	decision, channels, err := s.candidates(ctx, req, b)
	if err != nil {
		return Handle{}, err
	}
	var lastErr error
	for _, ch := range channels {
		provider, ok := s.Providers.ForChannel(ch)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", ErrNoChannel, ch)
			continue
		}
		h, err := s.create(ctx, b, provider, ch, req, attempt, decision)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if req.Channel != "" || !IsTransient(err) {
			return Handle{}, err
		}
		s.Logger.Warn().Err(err).
			Str("booking_id", b.ID.String()).
			Str("channel", string(ch)).
			Msg("provider unavailable, trying next channel")
	}
	if lastErr == nil {
		lastErr = ErrNoChannel
	}
	return Handle{}, lastErr
}

// releaseRoom hands back a room held for a retry that produced no payment.
// It runs even when the caller has gone away.
func (s *Service) releaseRoom(ctx context.Context, bookingID uuid.UUID) {
	if err := s.Rooms.ReleaseRoom(context.WithoutCancel(ctx), bookingID); err != nil {
		s.Logger.Error().Err(err).Str("booking_id", bookingID.String()).Msg("retry hold not released; booking stays PAYMENT_PENDING")
		return
	}
	s.Logger.Info().Str("booking_id", bookingID.String()).Msg("retry hold released")
}

// expireInline retires a pending payment whose window has passed. The booking
// keeps its status because a new payment follows immediately.
func (s *Service) expireInline(ctx context.Context, p Payment) error {
	err := s.Store.UpdatePaymentStatus(ctx, StatusUpdate{ID: p.ID, From: StatusPending, To: StatusExpired, At: s.now().UTC()})
	if errors.Is(err, ErrStalePayment) {
		fresh, err := s.Store.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		switch fresh.Status {
		case StatusProcessing:
			return ErrPaymentInProgress
		case StatusSucceeded:
			return ErrAlreadyPaid
		}
		return nil
	}
	if err != nil {
		return err
	}
	obs.Inc(obs.PaymentTransitionTotal, string(StatusPending), string(StatusExpired))
	s.Logger.Info().Str("payment_id", p.ID.String()).Str("booking_id", p.BookingID.String()).Msg("stale payment expired before retry")
	return nil
}

// candidates returns the routing decision and the channels to try in order.
func (s *Service) candidates(ctx context.Context, req EnsureRequest, b booking.Booking) (routing.Decision, []routing.Channel, error) {
	if req.Channel != "" {
		return routing.Decision{Channel: req.Channel, Reason: "requested by payer"}, []routing.Channel{req.Channel}, nil
	}
	if s.Router == nil {
		return routing.Decision{}, nil, ErrNoChannel
	}
	history, err := s.Store.ChannelHistory(ctx, b.Guest.Email)
	if err != nil {
		s.Logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("payment history unavailable, using base rates")
		history = nil
	}
	decision := s.Router.Route(routing.Request{
		Amount:       b.TotalPrice,
		Currency:     b.Currency,
		Country:      req.Country,
		BusinessType: req.BusinessType,
		History:      history,
	}, s.Providers.Health())
	channels := []routing.Channel{decision.Channel}
	// Domestic rails cannot settle foreign currency, so fallbacks are home-currency only.
	if strings.EqualFold(b.Currency, s.Router.Config().HomeCurrency) {
		channels = append(channels, decision.Details.Fallback...)
	}
	return decision, channels, nil
}

func (s *Service) create(ctx context.Context, b booking.Booking, provider Provider, ch routing.Channel, req EnsureRequest, attempt int, decision routing.Decision) (Handle, error) {
	now := s.now().UTC()
	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s:%d", b.ID, attempt)
	}
	bankCode := req.BankCode
	if bankCode == "" && ch == routing.ChannelFPX {
		for _, bank := range decision.Details.Banks {
			if bank.Online {
				bankCode = bank.Code
				break
			}
		}
	}
	paymentID := uuid.New()
	slug := provider.Name().Slug()

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout())
	resp, err := provider.CreatePaymentRequest(callCtx, CreateRequest{
		PaymentID:      paymentID,
		Booking:        b,
		Amount:         b.TotalPrice,
		Currency:       b.Currency,
		Channel:        ch,
		BankCode:       bankCode,
		RedirectURL:    strings.TrimRight(s.RedirectBaseURL, "/") + "/bookings/" + b.ID.String() + "/payment-result",
		WebhookURL:     strings.TrimRight(s.WebhookBaseURL, "/") + "/api/v1/webhooks/payment/" + slug,
		IdempotencyKey: key,
		ExpiresAt:      now.Add(s.intentTTL()),
	})
	cancel()
	if err != nil {
		obs.Inc(obs.PaymentIntentTotal, slug, string(ch), "error")
		s.Logger.Error().Err(err).
			Str("booking_id", b.ID.String()).
			Str("provider", slug).
			Msg("provider payment request failed")
		return Handle{}, wrapProviderError(provider.Name(), "create", err)
	}

	p := Payment{
		ID:                       paymentID,
		BookingID:                b.ID,
		Provider:                 provider.Name(),
		Channel:                  ch,
		Mode:                     provider.Mode(),
		Amount:                   b.TotalPrice,
		Currency:                 b.Currency,
		Status:                   StatusPending,
		ProviderPaymentRequestID: resp.ProviderRequestID,
		CheckoutURL:              resp.CheckoutURL,
		IdempotencyKey:           key,
		Metadata:                 resp.Raw,
		ExpiresAt:                now.Add(s.intentTTL()),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if !resp.ExpiresAt.IsZero() {
		p.ExpiresAt = resp.ExpiresAt.UTC()
	}
	err = s.Store.InTx(ctx, func(tx Store) error {
		created, err := tx.CreatePayment(ctx, p)
		if err != nil {
			return err
		}
		p = created
		if b.Status != booking.StatusPaymentPending {
			return tx.UpdateBookingStatus(ctx, b.ID, b.Status, booking.StatusPaymentPending)
		}
		return nil
	})
	if err != nil {
		obs.Inc(obs.PaymentOrphanTotal, slug)
		obs.Inc(obs.PaymentIntentTotal, slug, string(ch), "orphaned")
		if errors.Is(err, ErrDuplicatePayment) {
			if existing, ok := s.existingPayment(ctx, b.ID, key); ok {
				s.Logger.Warn().
					Str("booking_id", b.ID.String()).
					Str("payment_id", existing.ID.String()).
					Str("provider", slug).
					Str("provider_request_id", resp.ProviderRequestID).
					Msg("payment already created by another writer; provider request left unused")
				return reuse(existing), nil
			}
		}
		s.Logger.Error().Err(err).
			Str("booking_id", b.ID.String()).
			Str("provider", slug).
			Str("provider_request_id", resp.ProviderRequestID).
			Msg("provider payment request created but not persisted; reconcile manually")
		return Handle{}, fmt.Errorf("payment: persist payment: %w", err)
	}
	obs.Inc(obs.PaymentIntentTotal, slug, string(ch), "created")
	s.Logger.Info().
		Str("booking_id", b.ID.String()).
		Str("payment_id", p.ID.String()).
		Str("provider", slug).
		Str("channel", string(ch)).
		Str("reason", decision.Reason).
		Msg("payment request created")
	s.emit(ctx, events.TopicPaymentCreated, b.ID, map[string]any{
		"bookingId": b.ID,
		"paymentId": p.ID,
		"provider":  p.Provider,
		"channel":   p.Channel,
		"amount":    p.Amount,
		"currency":  p.Currency,
	})
	return Handle{
		Payment:              p,
		CheckoutURL:          resp.CheckoutURL,
		ClientSecret:         resp.ClientSecret,
		Reason:               decision.Reason,
		EstimatedSuccessRate: decision.EstimatedSuccessRate,
	}, nil
}

// existingPayment finds the payment that won a unique index race: the one
// holding key, else the booking's active payment.
func (s *Service) existingPayment(ctx context.Context, bookingID uuid.UUID, key string) (Payment, bool) {
	if p, err := s.Store.FindPaymentByIdempotencyKey(ctx, key); err == nil && p.BookingID == bookingID {
		return p, true
	}
	payments, err := s.Store.ListBookingPayments(ctx, bookingID)
	if err != nil {
		return Payment{}, false
	}
	now := s.now()
	for _, p := range payments {
		if p.Active(now) {
			return p, true
		}
	}
	return Payment{}, false
}

// ApplyWebhook verifies, deduplicates and applies one provider callback.
// Replays, unknown references and ignored event types are acknowledged.
func (s *Service) ApplyWebhook(ctx context.Context, name ProviderName, cb Callback) (Ack, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.ApplyWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", string(name)))

	provider, ok := s.Providers.Provider(name)
	if !ok {
		return Ack{}, ErrUnknownProvider
	}
	result := "error"
	defer func() { obs.Inc(obs.PaymentWebhookTotal, name.Slug(), result) }()

	if !provider.VerifyCallback(cb) {
		result = "invalid_signature"
		return Ack{}, ErrSignatureInvalid
	}
	n, err := provider.ParseCallback(cb)
	if errors.Is(err, ErrIgnoredEvent) {
		result = OutcomeIgnored
		return Ack{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		result = "malformed"
		return Ack{}, err
	}
	span.SetAttributes(attribute.String("payment.provider_request_id", n.ProviderRequestID))

	ev := Event{
		ID:                       uuid.New(),
		Provider:                 name,
		ProviderPaymentRequestID: n.ProviderRequestID,
		Source:                   SourceWebhook,
		RawStatus:                n.RawStatus,
		PayloadHash:              common.Sha256Hex(cb.Body),
		RawBody:                  cb.Body,
		ReceivedAt:               s.now().UTC(),
	}
	p, err := s.Store.FindPaymentByProviderRequest(ctx, name, n.ProviderRequestID)
	if errors.Is(err, ErrPaymentNotFound) {
		ev.Outcome = OutcomeUnknownReference
		if err := s.Store.InsertEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				result = OutcomeDuplicate
				return Ack{Outcome: OutcomeDuplicate}, nil
			}
			return Ack{}, err
		}
		result = OutcomeUnknownReference
		s.Logger.Warn().
			Str("provider", name.Slug()).
			Str("provider_request_id", n.ProviderRequestID).
			Str("raw_status", n.RawStatus).
			Msg("webhook for unknown payment request acknowledged")
		s.emit(ctx, events.TopicPaymentUnmatched, ev.ID, map[string]any{
			"provider":                 name,
			"providerPaymentRequestId": n.ProviderRequestID,
			"rawStatus":                n.RawStatus,
		})
		return Ack{Outcome: OutcomeUnknownReference}, nil
	}
	if err != nil {
		return Ack{}, err
	}

	var ack Ack
	err = s.withBookingLock(ctx, p.BookingID, func(ctx context.Context) error {
		var err error
		ack, err = s.reconcile(ctx, provider, p.ID, n, &ev)
		return err
	})
	if ack.Outcome != "" {
		result = ack.Outcome
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, lock.ErrLocked) {
			result = "locked"
		}
		return ack, err
	}
	return ack, nil
}

// reconcile applies n to a payment in one transaction. When ev is set it is
// recorded first and a duplicate ends processing. Illegal transitions and
// amount mismatches commit the event and are returned after commit.
func (s *Service) reconcile(ctx context.Context, provider Provider, paymentID uuid.UUID, n Notification, ev *Event) (Ack, error) {
	var (
		ack     Ack
		effects []effect
		refused error
	)
	err := s.Store.InTx(ctx, func(tx Store) error {
		ack, effects, refused = Ack{}, nil, nil
		if ev != nil {
			if err := tx.InsertEvent(ctx, *ev); err != nil {
				if errors.Is(err, ErrDuplicateEvent) {
					ack.Outcome = OutcomeDuplicate
					return nil
				}
				return err
			}
		}
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		outcome, effs, err := s.apply(ctx, tx, provider, p, n)
		switch {
		case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrAmountMismatch):
			refused = err
		case err != nil:
			return err
		}
		effects = effs
		ack = Ack{Outcome: outcome, PaymentID: &p.ID, Status: p.Status}
		if outcome == OutcomeApplied {
			ack.Status = provider.NormalizeStatus(n.RawStatus).Status()
		}
		if ev != nil {
			return tx.SetEventOutcome(ctx, ev.ID, &p.ID, outcome)
		}
		return nil
	})
	if err != nil {
		return Ack{}, err
	}
	for _, fn := range effects {
		fn(ctx)
	}
	return ack, refused
}

// apply moves p toward the status n reports and cascades the booking. A
// target that is not a direct edge walks the shortest legal path.
func (s *Service) apply(ctx context.Context, tx Store, provider Provider, p Payment, n Notification) (string, []effect, error) {
	if n.Amount > 0 && (n.Amount != p.Amount || (n.Currency != "" && !strings.EqualFold(n.Currency, p.Currency))) {
		s.Logger.Warn().
			Str("payment_id", p.ID.String()).
			Str("provider", p.Provider.Slug()).
			Int64("expected_amount", p.Amount).
			Int64("notified_amount", n.Amount).
			Str("notified_currency", n.Currency).
			Msg("notified amount does not match payment")
		return OutcomeAmountMismatch, nil, ErrAmountMismatch
	}
	target := provider.NormalizeStatus(n.RawStatus).Status()
	if target == p.Status {
		return OutcomeNoop, nil, nil
	}
	path, err := Path(p.Status, target)
	if err != nil {
		s.Logger.Warn().
			Str("payment_id", p.ID.String()).
			Str("from", string(p.Status)).
			Str("to", string(target)).
			Str("raw_status", n.RawStatus).
			Msg("payment transition rejected")
		return OutcomeIllegalTransition, nil, err
	}
	now := s.now().UTC()
	from := p.Status
	for _, step := range path {
		u := StatusUpdate{ID: p.ID, From: from, To: step, ProviderPaymentID: n.ProviderPaymentID, At: now}
		if step == StatusFailed || step == StatusCancelled {
			u.FailureReason = n.Reason
		}
		if err := tx.UpdatePaymentStatus(ctx, u); err != nil {
			return "", nil, err
		}
		obs.Inc(obs.PaymentTransitionTotal, string(from), string(step))
		from = step
	}
	before := p.Status
	p.Status = target
	p.UpdatedAt = now
	if n.ProviderPaymentID != "" {
		p.ProviderPaymentID = n.ProviderPaymentID
	}
	s.Logger.Info().
		Str("payment_id", p.ID.String()).
		Str("booking_id", p.BookingID.String()).
		Str("from", string(before)).
		Str("to", string(target)).
		Msg("payment status changed")

	effects := []effect{func(ctx context.Context) {
		s.emit(ctx, events.TopicPaymentStatusChanged, p.BookingID, map[string]any{
			"paymentId": p.ID,
			"bookingId": p.BookingID,
			"from":      before,
			"to":        target,
		})
	}}
	cascaded, err := s.cascade(ctx, tx, p, n.Reason)
	if err != nil {
		return "", nil, err
	}
	return OutcomeApplied, append(effects, cascaded...), nil
}

// bookingTarget maps a payment status to the booking status it implies; ""
// leaves the booking alone.
func (s *Service) bookingTarget(st Status) booking.Status {
	switch st {
	case StatusSucceeded:
		return booking.StatusPaid
	case StatusFailed, StatusCancelled:
		return booking.StatusPaymentFailed
	case StatusExpired:
		if s.ExpireBookingOnTimeout {
			return booking.StatusExpired
		}
		return booking.StatusPaymentFailed
	case StatusPending, StatusProcessing:
		return booking.StatusPaymentPending
	case StatusRefunded:
		return booking.StatusCancelled
	}
	return ""
}

// cascade moves the owning booking after a payment transition. Only the
// booking's latest payment may demote it; a success from any payment pays it.
func (s *Service) cascade(ctx context.Context, tx Store, p Payment, reason string) ([]effect, error) {
	target := s.bookingTarget(p.Status)
	if target == "" {
		return nil, nil
	}
	b, err := tx.GetBooking(ctx, p.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == target {
		return nil, nil
	}
	if p.Status != StatusSucceeded {
		payments, err := tx.ListBookingPayments(ctx, p.BookingID)
		if err != nil {
			return nil, err
		}
		if len(payments) > 0 && payments[0].ID != p.ID {
			return nil, nil
		}
	}
	if !booking.CanTransition(b.Status, target) {
		s.Logger.Error().
			Str("booking_id", b.ID.String()).
			Str("payment_id", p.ID.String()).
			Str("booking_status", string(b.Status)).
			Str("payment_status", string(p.Status)).
			Msg("booking cannot follow payment status; manual review required")
		return nil, nil
	}
	if err := tx.UpdateBookingStatus(ctx, b.ID, b.Status, target); err != nil {
		return nil, err
	}
	from := b.Status
	b.Status = target
	b.UpdatedAt = s.now().UTC()

	effects := []effect{func(ctx context.Context) {
		s.emit(ctx, events.TopicBookingStatusChanged, b.ID, map[string]any{
			"bookingId": b.ID,
			"from":      from,
			"to":        target,
		})
	}}
	switch {
	case target == booking.StatusPaid:
		effects = append(effects, func(ctx context.Context) { s.notifyConfirmed(ctx, b, p) })
	case p.Status == StatusFailed || p.Status == StatusCancelled:
		effects = append(effects, func(ctx context.Context) { s.notifyFailed(ctx, b, failureMessage(reason)) })
	case p.Status == StatusExpired:
		effects = append(effects, func(ctx context.Context) { s.notifyFailed(ctx, b, "the payment window expired") })
	}
	return effects, nil
}

func failureMessage(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "the payment was declined"
	}
	return reason
}

func (s *Service) notifyConfirmed(ctx context.Context, b booking.Booking, p Payment) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendBookingConfirmation(ctx, b, p); err != nil {
		s.Logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("booking confirmation not queued")
	}
}

func (s *Service) notifyFailed(ctx context.Context, b booking.Booking, reason string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendPaymentFailed(ctx, b, reason); err != nil {
		s.Logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("payment failure notice not queued")
	}
}

func (s *Service) emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Msg("domain event not published")
	}
}

// Status returns the booking and its latest payment without calling providers.
func (s *Service) Status(ctx context.Context, bookingID uuid.UUID) (View, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return View{}, err
	}
	payments, err := s.Store.ListBookingPayments(ctx, bookingID)
	if err != nil {
		return View{}, err
	}
	view := View{Booking: b}
	if len(payments) > 0 {
		latest := payments[0]
		view.Payment = &latest
	}
	return view, nil
}

// RefreshStatus polls the provider for the booking's latest open payment and
// reconciles it like a webhook. Concurrent refreshes of one booking share a
// single provider call.
func (s *Service) RefreshStatus(ctx context.Context, bookingID uuid.UUID) (View, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.RefreshStatus")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID.String()))

	// The shared call outlives any one caller; each caller waits on its own ctx.
	flight := s.refreshes.DoChan(bookingID.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTTL())
		defer cancel()
		return nil, s.withBookingLock(rctx, bookingID, func(ctx context.Context) error {
			return s.refreshLocked(ctx, bookingID)
		})
	})
	var err error
	select {
	case res := <-flight:
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		return View{}, err
	}
	return s.Status(ctx, bookingID)
}

func (s *Service) refreshLocked(ctx context.Context, bookingID uuid.UUID) error {
	payments, err := s.Store.ListBookingPayments(ctx, bookingID)
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		return nil
	}
	latest := payments[0]
	if latest.Status != StatusPending && latest.Status != StatusProcessing {
		return nil
	}
	provider, ok := s.Providers.Provider(latest.Provider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, latest.Provider)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout())
	res, err := provider.GetStatus(callCtx, latest.ProviderPaymentRequestID)
	cancel()
	if err != nil {
		return wrapProviderError(latest.Provider, "status", err)
	}
	ev := Event{
		ID:                       uuid.New(),
		Provider:                 latest.Provider,
		ProviderPaymentRequestID: latest.ProviderPaymentRequestID,
		Source:                   SourcePoll,
		RawStatus:                res.RawStatus,
		RawBody:                  res.Raw,
		ReceivedAt:               s.now().UTC(),
	}
	// Every poll is its own record; identical answers are not replays.
	ev.PayloadHash = common.Sha256Hex("poll:" + ev.ID.String())
	_, err = s.reconcile(ctx, provider, latest.ID, Notification{
		ProviderRequestID: latest.ProviderPaymentRequestID,
		ProviderPaymentID: res.ProviderPaymentID,
		RawStatus:         res.RawStatus,
		Amount:            res.Amount,
		Currency:          res.Currency,
	}, &ev)
	if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrAmountMismatch) {
		// Recorded on the event. A poll can lag behind a webhook that already
		// moved the payment on.
		return nil
	}
	return err
}
