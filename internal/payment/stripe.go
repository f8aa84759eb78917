package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/backend-farmstay/internal/signature"
)

const stripeSignatureHeader = "Stripe-Signature"

// Stripe opens hosted Checkout Sessions for international cards.
type Stripe struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook; zero means five minutes.
	Tolerance time.Duration
	HTTP      Doer
	Now       func() time.Time
}

type stripeSession struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	ExpiresAt     int64             `json:"expires_at"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object stripeSession `json:"object"`
	} `json:"data"`
}

func (s Stripe) Name() ProviderName { return ProviderStripe }

func (s Stripe) Mode() Mode { return ModeOnline }

func (s Stripe) endpoint(path string) string {
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	return base + path
}

func (s Stripe) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Stripe) CreatePaymentRequest(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.RedirectURL+"?result=success")
	form.Set("cancel_url", req.RedirectURL+"?result=cancelled")
	form.Set("client_reference_id", req.Booking.ID.String())
	form.Set("customer_email", req.Booking.Guest.Email)
	form.Set("payment_method_types[]", "card")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", fmt.Sprintf("Farmstay stay %s to %s",
		req.Booking.CheckIn.Format("2006-01-02"), req.Booking.CheckOut.Format("2006-01-02")))
	form.Set("metadata[booking_id]", req.Booking.ID.String())
	form.Set("metadata[payment_id]", req.PaymentID.String())
	if !req.ExpiresAt.IsZero() {
		form.Set("expires_at", strconv.FormatInt(req.ExpiresAt.Unix(), 10))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/v1/checkout/sessions"), strings.NewReader(form.Encode()))
	if err != nil {
		return CreateResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var out stripeSession
	raw, err := roundTrip(ctx, s.HTTP, ProviderStripe, "create", httpReq, &out)
	if err != nil {
		return CreateResponse{}, err
	}
	if out.ID == "" {
		return CreateResponse{}, &ProviderError{Provider: ProviderStripe, Op: "create", Err: fmt.Errorf("response without id")}
	}
	resp := CreateResponse{
		ProviderRequestID: out.ID,
		CheckoutURL:       out.URL,
		RawStatus:         stripeRawStatus(out),
		ExpiresAt:         req.ExpiresAt,
		Raw:               raw,
	}
	if out.ExpiresAt > 0 {
		resp.ExpiresAt = time.Unix(out.ExpiresAt, 0).UTC()
	}
	return resp, nil
}

func (s Stripe) GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("/v1/checkout/sessions/"+url.PathEscape(providerRequestID)), nil)
	if err != nil {
		return StatusResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.SecretKey)
	var out stripeSession
	raw, err := roundTrip(ctx, s.HTTP, ProviderStripe, "status", httpReq, &out)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		ProviderPaymentID: out.PaymentIntent,
		RawStatus:         stripeRawStatus(out),
		Amount:            out.AmountTotal,
		Currency:          strings.ToUpper(out.Currency),
		Raw:               raw,
	}, nil
}

// stripeRawStatus folds a session's status and payment_status into one value.
// A complete but unpaid session is an asynchronous method still settling.
func stripeRawStatus(sess stripeSession) string {
	switch sess.Status {
	case "complete":
		if sess.PaymentStatus == "unpaid" {
			return "processing"
		}
		return sess.PaymentStatus
	case "":
		return sess.PaymentStatus
	default:
		return sess.Status
	}
}

func (s Stripe) NormalizeStatus(raw string) Outcome {
	switch lowerTrim(raw) {
	case "paid", "no_payment_required", "succeeded":
		return OutcomeCompleted
	case "processing":
		return OutcomeProcessing
	case "failed", "payment_failed":
		return OutcomeFailed
	case "expired":
		return OutcomeExpired
	case "canceled":
		return OutcomeCanceled
	case "refunded":
		return OutcomeRefunded
	case "partially_refunded":
		return OutcomePartiallyRefunded
	default:
		return OutcomePending
	}
}

// VerifyCallback checks the Stripe-Signature header: t=<unix>,v1=<hex>[,v1=...]
// where each v1 is HMAC-SHA256 of "<t>.<body>". Stale timestamps fail.
func (s Stripe) VerifyCallback(cb Callback) bool {
	if s.WebhookSecret == "" || cb.Header == nil {
		return false
	}
	var ts int64
	var sigs []string
	for _, part := range strings.Split(cb.Header.Get(stripeSignatureHeader), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return false
	}
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = signature.DefaultTolerance
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return false
	}
	msg := append([]byte(strconv.FormatInt(ts, 10)+"."), cb.Body...)
	for _, sig := range sigs {
		if signature.VerifyHMAC(signature.SHA256, []byte(s.WebhookSecret), msg, sig) {
			return true
		}
	}
	return false
}

func (s Stripe) ParseCallback(cb Callback) (Notification, error) {
	var ev stripeEvent
	if err := json.Unmarshal(cb.Body, &ev); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	sess := ev.Data.Object
	var raw string
	switch ev.Type {
	case "checkout.session.completed":
		raw = stripeRawStatus(stripeSession{Status: "complete", PaymentStatus: sess.PaymentStatus})
	case "checkout.session.async_payment_succeeded":
		raw = "paid"
	case "checkout.session.async_payment_failed":
		raw = "failed"
	case "checkout.session.expired":
		raw = "expired"
	default:
		return Notification{}, ErrIgnoredEvent
	}
	if sess.ID == "" {
		return Notification{}, fmt.Errorf("%w: session id missing", ErrMalformedPayload)
	}
	n := Notification{
		ProviderRequestID: sess.ID,
		ProviderPaymentID: sess.PaymentIntent,
		RawStatus:         raw,
		Amount:            sess.AmountTotal,
		Currency:          strings.ToUpper(sess.Currency),
	}
	if raw == "failed" {
		n.Reason = "card payment failed"
	}
	return n, nil
}

// SignStripePayload builds a Stripe-Signature header value for body at ts.
func SignStripePayload(secret string, ts time.Time, body []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + signature.SignHMAC(signature.SHA256, []byte(secret), append([]byte(t+"."), body...))
}
