package payment_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/repo/repotest"
	"github.com/noah-isme/backend-farmstay/internal/routing"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

const fakeSignatureHeader = "X-Test-Signature"

// fakeProvider speaks a small JSON webhook dialect signed with HMAC-SHA256.
type fakeProvider struct {
	name   payment.ProviderName
	secret string

	mu          sync.Mutex
	calls       int
	statusCalls int
	keys        []string
	createErr   error
	status      payment.StatusResult
	statusErr   error

	// entered is closed on the first create call; create then waits on gate.
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	// afterCreate runs once the provider has accepted a request.
	afterCreate func()

	statusEntered chan struct{}
	statusGate    chan struct{}
	statusOnce    sync.Once
}

func newFakeProvider(name payment.ProviderName) *fakeProvider {
	return &fakeProvider{name: name, secret: "whsec-" + name.Slug()}
}

func (f *fakeProvider) Name() payment.ProviderName { return f.name }

func (f *fakeProvider) Mode() payment.Mode { return payment.ModeOnline }

func (f *fakeProvider) CreatePaymentRequest(ctx context.Context, req payment.CreateRequest) (payment.CreateResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.keys = append(f.keys, req.IdempotencyKey)
	err := f.createErr
	gate := f.gate
	f.mu.Unlock()

	if f.entered != nil {
		f.once.Do(func() { close(f.entered) })
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return payment.CreateResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return payment.CreateResponse{}, err
	}
	if f.afterCreate != nil {
		f.afterCreate()
	}
	id := fmt.Sprintf("%s_req_%d", f.name.Slug(), n)
	return payment.CreateResponse{
		ProviderRequestID: id,
		CheckoutURL:       "https://pay.example.test/" + id,
		RawStatus:         "pending",
	}, nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, _ string) (payment.StatusResult, error) {
	f.mu.Lock()
	f.statusCalls++
	res, err, gate := f.status, f.statusErr, f.statusGate
	f.mu.Unlock()

	if f.statusEntered != nil {
		f.statusOnce.Do(func() { close(f.statusEntered) })
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return payment.StatusResult{}, ctx.Err()
		}
	}
	return res, err
}

func (f *fakeProvider) NormalizeStatus(raw string) payment.Outcome {
	switch o := payment.Outcome(raw); o {
	case payment.OutcomeProcessing, payment.OutcomeCompleted, payment.OutcomeFailed, payment.OutcomeExpired,
		payment.OutcomeCanceled, payment.OutcomeRefunded, payment.OutcomePartiallyRefunded:
		return o
	}
	return payment.OutcomePending
}

func (f *fakeProvider) VerifyCallback(cb payment.Callback) bool {
	return signature.VerifyHMAC(signature.SHA256, []byte(f.secret), cb.Body, cb.Header.Get(fakeSignatureHeader))
}

type fakeCallback struct {
	Type      string `json:"type,omitempty"`
	Reference string `json:"reference"`
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (f *fakeProvider) ParseCallback(cb payment.Callback) (payment.Notification, error) {
	var body fakeCallback
	if err := json.Unmarshal(cb.Body, &body); err != nil {
		return payment.Notification{}, fmt.Errorf("%w: %v", payment.ErrMalformedPayload, err)
	}
	if body.Type == "ping" {
		return payment.Notification{}, payment.ErrIgnoredEvent
	}
	if body.Reference == "" {
		return payment.Notification{}, fmt.Errorf("%w: reference missing", payment.ErrMalformedPayload)
	}
	return payment.Notification{
		ProviderRequestID: body.Reference,
		ProviderPaymentID: body.PaymentID,
		RawStatus:         body.Status,
		Amount:            body.Amount,
		Currency:          body.Currency,
		Reason:            body.Reason,
	}, nil
}

func (f *fakeProvider) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) pollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeProvider) callback(t *testing.T, body fakeCallback) payment.Callback {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return f.sign(raw)
}

func (f *fakeProvider) sign(raw []byte) payment.Callback {
	h := http.Header{}
	h.Set(fakeSignatureHeader, signature.SignHMAC(signature.SHA256, []byte(f.secret), raw))
	return payment.Callback{Header: h, Body: raw}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentNotice struct {
	kind      string
	bookingID uuid.UUID
	reason    string
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *captureNotifier) SendBookingConfirmation(_ context.Context, b booking.Booking, _ payment.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{kind: "confirmed", bookingID: b.ID})
	return nil
}

func (n *captureNotifier) SendPaymentFailed(_ context.Context, b booking.Booking, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{kind: "failed", bookingID: b.ID, reason: reason})
	return nil
}

func (n *captureNotifier) notices() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

type captureEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (e *captureEmitter) Emit(_ context.Context, topic string, _ uuid.UUID, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	return nil
}

func (e *captureEmitter) count(topic string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	mem    *repotest.Memory
	svc    *payment.Service
	clock  *clock
	tng    *fakeProvider
	card   *fakeProvider
	notes  *captureNotifier
	events *captureEmitter
	rt     booking.RoomType
	room   booking.Room
}

// newFixture wires a service whose router sends a 200.00 MYR booking to the
// TNG wallet with card as the only healthy fallback.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := repotest.New()
	rt := booking.RoomType{ID: uuid.New(), Name: "Garden Chalet", Capacity: 2, BasePrice: 10000, Currency: "MYR"}
	rooms := mem.AddRoomType(rt, 1)

	router, err := routing.NewRouter(routing.Config{
		HomeCountry:          "MY",
		HomeCurrency:         "MYR",
		SmallAmountThreshold: 10000,
		MidAmountThreshold:   50000,
		MidTier:              []routing.Channel{routing.ChannelTNG, routing.ChannelCard},
		BaseSuccessRates: map[routing.Channel]float64{
			routing.ChannelTNG:  0.9,
			routing.ChannelCard: 0.8,
			routing.ChannelFPX:  0.85,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tng := newFakeProvider(payment.ProviderTNG)
	card := newFakeProvider(payment.ProviderStripe)
	registry := payment.NewRegistry()
	registry.Register(tng, nil, routing.ChannelTNG)
	registry.Register(card, nil, routing.ChannelCard)

	clk := &clock{t: time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)}
	logger := zerolog.New(io.Discard)
	notes := &captureNotifier{}
	events := &captureEmitter{}
	svc := &payment.Service{
		Store:           mem.Payments(),
		Providers:       registry,
		Router:          router,
		Rooms:           &booking.Service{Store: mem.Bookings(), Logger: logger, Now: clk.Now},
		Notifier:        notes,
		Events:          events,
		IntentTTL:       30 * time.Minute,
		RedirectBaseURL: "https://farmstay.example.test",
		WebhookBaseURL:  "https://api.farmstay.example.test",
		Logger:          logger,
		Now:             clk.Now,
	}
	return &fixture{mem: mem, svc: svc, clock: clk, tng: tng, card: card, notes: notes, events: events, rt: rt, room: rooms[0]}
}

// newBooking stores a two-night PENDING booking on the fixture's room.
func (f *fixture) newBooking(status booking.Status) booking.Booking {
	roomID := f.room.ID
	b := booking.Booking{
		ID:         uuid.New(),
		Guest:      booking.Guest{Name: "Siti", Email: "siti@example.com", Phone: "+60123456789"},
		RoomTypeID: f.rt.ID,
		RoomID:     &roomID,
		CheckIn:    time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC),
		CheckOut:   time.Date(2025, 12, 22, 0, 0, 0, 0, time.UTC),
		Guests:     2,
		TotalPrice: 20000,
		Currency:   "MYR",
		Status:     status,
		CreatedAt:  f.clock.Now(),
		UpdatedAt:  f.clock.Now(),
	}
	f.mem.PutBooking(b)
	return b
}
