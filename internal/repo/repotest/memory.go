// Package repotest provides an in-memory implementation of the booking and
// payment stores for tests. Transactions are serialised and roll back by
// restoring a snapshot.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/routing"
)

// Memory holds shared state for the Bookings and Payments views.
type Memory struct {
	txMu sync.Mutex
	mu   sync.Mutex

	roomTypes map[uuid.UUID]booking.RoomType
	rooms     map[uuid.UUID]booking.Room
	bookings  map[uuid.UUID]booking.Booking
	payments  map[uuid.UUID]payment.Payment
	events    []payment.Event
	seq       int64
	// order breaks created_at ties by insertion.
	order map[uuid.UUID]int64

	// FailCreatePayment, when set, is returned by CreatePayment.
	FailCreatePayment error
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		roomTypes: map[uuid.UUID]booking.RoomType{},
		rooms:     map[uuid.UUID]booking.Room{},
		bookings:  map[uuid.UUID]booking.Booking{},
		payments:  map[uuid.UUID]payment.Payment{},
		order:     map[uuid.UUID]int64{},
	}
}

type snapshot struct {
	bookings map[uuid.UUID]booking.Booking
	payments map[uuid.UUID]payment.Payment
	events   []payment.Event
}

func (m *Memory) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		bookings: make(map[uuid.UUID]booking.Booking, len(m.bookings)),
		payments: make(map[uuid.UUID]payment.Payment, len(m.payments)),
		events:   append([]payment.Event(nil), m.events...),
	}
	for k, v := range m.bookings {
		s.bookings[k] = v
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	return s
}

func (m *Memory) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings, m.payments, m.events = s.bookings, s.payments, s.events
}

// inTx serialises fn against other transactions and undoes its writes on error.
func (m *Memory) inTx(nested bool, fn func() error) error {
	if nested {
		return fn()
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// AddRoomType seeds a room type with n active rooms numbered from 101.
func (m *Memory) AddRoomType(rt booking.RoomType, n int) []booking.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt.ID == uuid.Nil {
		rt.ID = uuid.New()
	}
	m.roomTypes[rt.ID] = rt
	out := make([]booking.Room, 0, n)
	for i := 0; i < n; i++ {
		r := booking.Room{ID: uuid.New(), RoomTypeID: rt.ID, Number: fmt.Sprintf("%d", 101+i), Active: true}
		m.rooms[r.ID] = r
		out = append(out, r)
	}
	return out
}

// SetRoomActive toggles a room.
func (m *Memory) SetRoomActive(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[id]
	r.Active = active
	m.rooms[id] = r
}

// PutBooking stores b as is.
func (m *Memory) PutBooking(b booking.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Unix(m.seq, 0).UTC()
	}
	m.bookings[b.ID] = b
}

// PutPayment stores p as is.
func (m *Memory) PutPayment(p payment.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Unix(m.seq, 0).UTC()
	}
	m.order[p.ID] = m.seq
	m.payments[p.ID] = p
}

// Booking returns the stored booking.
func (m *Memory) Booking(id uuid.UUID) booking.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookings[id]
}

// Payment returns the stored payment.
func (m *Memory) Payment(id uuid.UUID) payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

// PaymentsFor lists a booking's payments newest first.
func (m *Memory) PaymentsFor(bookingID uuid.UUID) []payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paymentsFor(bookingID)
}

// Events returns recorded payment events in insertion order.
func (m *Memory) Events() []payment.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]payment.Event(nil), m.events...)
}

func (m *Memory) paymentsFor(bookingID uuid.UUID) []payment.Payment {
	var out []payment.Payment
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.order[out[i].ID] > m.order[out[j].ID]
	})
	return out
}

func (m *Memory) getBooking(id uuid.UUID) (booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrBookingNotFound
	}
	return b, nil
}

func (m *Memory) updateBookingStatus(id uuid.UUID, from, to booking.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return booking.ErrBookingNotFound
	}
	if b.Status != from {
		return fmt.Errorf("%w: expected %s", booking.ErrStaleStatus, from)
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	m.bookings[id] = b
	return nil
}

// Bookings is the booking.Store view.
type Bookings struct {
	m      *Memory
	nested bool
}

// Bookings returns the booking.Store view.
func (m *Memory) Bookings() *Bookings { return &Bookings{m: m} }

var _ booking.Store = (*Bookings)(nil)

func (s *Bookings) InTx(_ context.Context, fn func(booking.Store) error) error {
	return s.m.inTx(s.nested, func() error { return fn(&Bookings{m: s.m, nested: true}) })
}

func (s *Bookings) GetRoomType(_ context.Context, id uuid.UUID) (booking.RoomType, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rt, ok := s.m.roomTypes[id]
	if !ok {
		return booking.RoomType{}, booking.ErrRoomTypeNotFound
	}
	return rt, nil
}

func (s *Bookings) ListActiveRooms(_ context.Context, roomTypeID uuid.UUID) ([]booking.Room, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []booking.Room
	for _, r := range s.m.rooms {
		if r.RoomTypeID == roomTypeID && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Bookings) ListOverlapping(_ context.Context, roomTypeID uuid.UUID, from, to time.Time, statuses []booking.Status) ([]booking.Booking, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []booking.Booking
	for _, b := range s.m.bookings {
		if b.RoomTypeID != roomTypeID || !hasStatus(statuses, b.Status) {
			continue
		}
		if b.CheckIn.Before(to) && b.CheckOut.After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Bookings) GetBooking(_ context.Context, id uuid.UUID) (booking.Booking, error) {
	return s.m.getBooking(id)
}

func (s *Bookings) CreateBooking(_ context.Context, b booking.Booking) (booking.Booking, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.bookings[b.ID]; exists {
		return booking.Booking{}, fmt.Errorf("repotest: booking %s exists", b.ID)
	}
	s.m.bookings[b.ID] = b
	return b, nil
}

func (s *Bookings) AssignRoom(_ context.Context, bookingID, roomID uuid.UUID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	b, ok := s.m.bookings[bookingID]
	if !ok {
		return booking.ErrBookingNotFound
	}
	id := roomID
	b.RoomID = &id
	s.m.bookings[bookingID] = b
	return nil
}

func (s *Bookings) UpdateBookingStatus(_ context.Context, id uuid.UUID, from, to booking.Status) error {
	return s.m.updateBookingStatus(id, from, to)
}

// LockRoomType is a no-op; transactions are already serialised.
func (s *Bookings) LockRoomType(ctx context.Context, id uuid.UUID) error {
	_, err := s.GetRoomType(ctx, id)
	return err
}

func hasStatus(list []booking.Status, s booking.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Payments is the payment.Store view.
type Payments struct {
	m      *Memory
	nested bool
}

// Payments returns the payment.Store view.
func (m *Memory) Payments() *Payments { return &Payments{m: m} }

var _ payment.Store = (*Payments)(nil)

func (s *Payments) InTx(_ context.Context, fn func(payment.Store) error) error {
	return s.m.inTx(s.nested, func() error { return fn(&Payments{m: s.m, nested: true}) })
}

func (s *Payments) GetBooking(_ context.Context, id uuid.UUID) (booking.Booking, error) {
	return s.m.getBooking(id)
}

func (s *Payments) UpdateBookingStatus(_ context.Context, id uuid.UUID, from, to booking.Status) error {
	return s.m.updateBookingStatus(id, from, to)
}

func (s *Payments) CreatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.FailCreatePayment != nil {
		return payment.Payment{}, s.m.FailCreatePayment
	}
	for _, existing := range s.m.payments {
		if p.IdempotencyKey != "" && existing.IdempotencyKey == p.IdempotencyKey {
			return payment.Payment{}, payment.ErrDuplicatePayment
		}
		if existing.Provider == p.Provider && existing.ProviderPaymentRequestID == p.ProviderPaymentRequestID {
			return payment.Payment{}, payment.ErrDuplicatePayment
		}
		if existing.BookingID == p.BookingID && existing.Status == payment.StatusPending && p.Status == payment.StatusPending {
			return payment.Payment{}, payment.ErrDuplicatePayment
		}
	}
	s.m.seq++
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Unix(s.m.seq, 0).UTC()
	}
	s.m.order[p.ID] = s.m.seq
	s.m.payments[p.ID] = p
	return p, nil
}

func (s *Payments) GetPayment(_ context.Context, id uuid.UUID) (payment.Payment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.payments[id]
	if !ok {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	return p, nil
}

func (s *Payments) LockPayment(ctx context.Context, id uuid.UUID) (payment.Payment, error) {
	return s.GetPayment(ctx, id)
}

func (s *Payments) FindPaymentByProviderRequest(_ context.Context, provider payment.ProviderName, requestID string) (payment.Payment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range s.m.payments {
		if p.Provider == provider && p.ProviderPaymentRequestID == requestID {
			return p, nil
		}
	}
	return payment.Payment{}, payment.ErrPaymentNotFound
}

func (s *Payments) FindPaymentByIdempotencyKey(_ context.Context, key string) (payment.Payment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, p := range s.m.payments {
		if key != "" && p.IdempotencyKey == key {
			return p, nil
		}
	}
	return payment.Payment{}, payment.ErrPaymentNotFound
}

func (s *Payments) ListBookingPayments(_ context.Context, bookingID uuid.UUID) ([]payment.Payment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.paymentsFor(bookingID), nil
}

func (s *Payments) UpdatePaymentStatus(_ context.Context, u payment.StatusUpdate) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.payments[u.ID]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	if p.Status != u.From {
		return fmt.Errorf("%w: expected %s", payment.ErrStalePayment, u.From)
	}
	p.Status = u.To
	if u.ProviderPaymentID != "" {
		p.ProviderPaymentID = u.ProviderPaymentID
	}
	if u.FailureReason != "" {
		p.FailureReason = u.FailureReason
	}
	p.UpdatedAt = u.At
	s.m.payments[u.ID] = p
	return nil
}

func (s *Payments) InsertEvent(_ context.Context, e payment.Event) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.events {
		if existing.Provider == e.Provider && existing.PayloadHash == e.PayloadHash {
			return payment.ErrDuplicateEvent
		}
	}
	s.m.events = append(s.m.events, e)
	return nil
}

func (s *Payments) SetEventOutcome(_ context.Context, id uuid.UUID, paymentID *uuid.UUID, outcome string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for i := range s.m.events {
		if s.m.events[i].ID == id {
			s.m.events[i].Outcome = outcome
			if paymentID != nil {
				pid := *paymentID
				s.m.events[i].PaymentID = &pid
			}
			return nil
		}
	}
	return nil
}

func (s *Payments) ListExpiredPayments(_ context.Context, now time.Time, limit int) ([]payment.Payment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []payment.Payment
	for _, p := range s.m.payments {
		if p.Status == payment.StatusPending && !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Payments) ListAbandonedBookings(_ context.Context, cutoff time.Time, limit int) ([]booking.Booking, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []booking.Booking
	for _, b := range s.m.bookings {
		if b.Status != booking.StatusPending || !b.CreatedAt.Before(cutoff) {
			continue
		}
		if len(s.m.paymentsFor(b.ID)) > 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Payments) ChannelHistory(_ context.Context, email string) (routing.History, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	history := routing.History{}
	for _, p := range s.m.payments {
		b, ok := s.m.bookings[p.BookingID]
		if !ok || !strings.EqualFold(b.Guest.Email, email) {
			continue
		}
		if p.Status == payment.StatusPending || p.Status == payment.StatusProcessing {
			continue
		}
		stats := history[p.Channel]
		stats.Attempts++
		switch p.Status {
		case payment.StatusSucceeded, payment.StatusRefunded, payment.StatusPartiallyRefunded:
			stats.Successes++
		}
		history[p.Channel] = stats
	}
	return history, nil
}
