package payment_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/resilience"
	"github.com/noah-isme/backend-farmstay/internal/routing"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

func testClient() resilience.HTTPClient {
	return payment.NewHTTPClient(resilience.NewBreaker(5, 0.5, time.Minute), 2*time.Second)
}

func createRequest() payment.CreateRequest {
	return payment.CreateRequest{
		PaymentID: uuid.New(),
		Booking: booking.Booking{
			ID:       uuid.New(),
			Guest:    booking.Guest{Name: "Siti", Email: "siti@example.com", Phone: "+60123456789"},
			CheckIn:  time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC),
			CheckOut: time.Date(2025, 12, 22, 0, 0, 0, 0, time.UTC),
		},
		Amount:         20000,
		Currency:       "MYR",
		Channel:        routing.ChannelCard,
		RedirectURL:    "https://farmstay.example.test/bookings/x/payment-result",
		WebhookURL:     "https://api.farmstay.example.test/api/v1/webhooks/payment/x",
		IdempotencyKey: "booking-1:1",
		ExpiresAt:      time.Date(2025, 12, 1, 9, 30, 0, 0, time.UTC),
	}
}

func formCallback(body string) payment.Callback {
	return payment.Callback{Header: http.Header{}, Body: []byte(body)}
}

func TestStripeCreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.Equal(t, "booking-1:1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "20000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		require.Equal(t, "myr", r.PostForm.Get("line_items[0][price_data][currency]"))
		require.Equal(t, "siti@example.com", r.PostForm.Get("customer_email"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cs_test_1","url":"https://checkout.stripe.test/cs_test_1","status":"open","payment_status":"unpaid","expires_at":1764583200}`)
	}))
	defer srv.Close()

	s := payment.Stripe{BaseURL: srv.URL, SecretKey: "sk_test", HTTP: testClient()}
	resp, err := s.CreatePaymentRequest(context.Background(), createRequest())
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", resp.ProviderRequestID)
	require.Equal(t, "https://checkout.stripe.test/cs_test_1", resp.CheckoutURL)
	require.Equal(t, time.Unix(1764583200, 0).UTC(), resp.ExpiresAt)
	require.Equal(t, payment.OutcomePending, s.NormalizeStatus(resp.RawStatus))
}

func TestStripeCreateClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid currency"}}`)
	}))
	defer srv.Close()

	s := payment.Stripe{BaseURL: srv.URL, SecretKey: "sk_test", HTTP: testClient()}
	_, err := s.CreatePaymentRequest(context.Background(), createRequest())
	var pe *payment.ProviderError
	require.ErrorAs(t, err, &pe)
	require.False(t, pe.Transient)
	require.Contains(t, err.Error(), "Invalid currency")
}

func TestStripeServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := payment.Stripe{BaseURL: srv.URL, SecretKey: "sk_test", HTTP: testClient()}
	_, err := s.GetStatus(context.Background(), "cs_test_1")
	require.True(t, payment.IsTransient(err))
}

func TestStripeWebhookSignature(t *testing.T) {
	now := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	s := payment.Stripe{WebhookSecret: "whsec_test", Now: func() time.Time { return now }}
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","payment_status":"paid","payment_intent":"pi_1","amount_total":20000,"currency":"myr"}}}`)

	h := http.Header{}
	h.Set("Stripe-Signature", payment.SignStripePayload("whsec_test", now.Add(-time.Minute), body))
	cb := payment.Callback{Header: h, Body: body}
	require.True(t, s.VerifyCallback(cb))

	n, err := s.ParseCallback(cb)
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", n.ProviderRequestID)
	require.Equal(t, "pi_1", n.ProviderPaymentID)
	require.Equal(t, int64(20000), n.Amount)
	require.Equal(t, "MYR", n.Currency)
	require.Equal(t, payment.OutcomeCompleted, s.NormalizeStatus(n.RawStatus))

	stale := http.Header{}
	stale.Set("Stripe-Signature", payment.SignStripePayload("whsec_test", now.Add(-time.Hour), body))
	require.False(t, s.VerifyCallback(payment.Callback{Header: stale, Body: body}))

	wrong := http.Header{}
	wrong.Set("Stripe-Signature", payment.SignStripePayload("whsec_other", now, body))
	require.False(t, s.VerifyCallback(payment.Callback{Header: wrong, Body: body}))

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] = 'x'
	require.False(t, s.VerifyCallback(payment.Callback{Header: h, Body: tampered}))
}

func TestStripeParseCallbackEventTypes(t *testing.T) {
	s := payment.Stripe{}
	parse := func(body string) (payment.Notification, error) {
		return s.ParseCallback(payment.Callback{Body: []byte(body)})
	}

	n, err := parse(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"unpaid"}}}`)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeProcessing, s.NormalizeStatus(n.RawStatus))

	n, err = parse(`{"type":"checkout.session.async_payment_failed","data":{"object":{"id":"cs_1"}}}`)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeFailed, s.NormalizeStatus(n.RawStatus))
	require.NotEmpty(t, n.Reason)

	n, err = parse(`{"type":"checkout.session.expired","data":{"object":{"id":"cs_1"}}}`)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeExpired, s.NormalizeStatus(n.RawStatus))

	_, err = parse(`{"type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	require.ErrorIs(t, err, payment.ErrIgnoredEvent)

	_, err = parse(`{"type":"checkout.session.completed","data":{"object":{}}}`)
	require.ErrorIs(t, err, payment.ErrMalformedPayload)

	_, err = parse(`not json`)
	require.ErrorIs(t, err, payment.ErrMalformedPayload)
}

func TestHitPayCreateAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "hp_key", r.Header.Get("X-BUSINESS-API-KEY"))
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			require.Equal(t, "/v1/payment-requests", r.URL.Path)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "200.00", r.PostForm.Get("amount"))
			require.Equal(t, "myr", r.PostForm.Get("currency"))
			require.Equal(t, []string{"duitnow"}, r.PostForm["payment_methods[]"])
			_, _ = io.WriteString(w, `{"id":"hp_req_1","url":"https://securecheckout.hit-pay.test/hp_req_1","status":"pending"}`)
		case http.MethodGet:
			require.Equal(t, "/v1/payment-requests/hp_req_1", r.URL.Path)
			_, _ = io.WriteString(w, `{"id":"hp_req_1","status":"completed","amount":"200.00","currency":"myr","payments":[{"id":"hp_pay_1","status":"succeeded"}]}`)
		}
	}))
	defer srv.Close()

	h := payment.HitPay{BaseURL: srv.URL, APIKey: "hp_key", Methods: []string{"duitnow"}, Label: payment.ProviderDuitNow, HTTP: testClient()}
	require.Equal(t, payment.ProviderDuitNow, h.Name())

	resp, err := h.CreatePaymentRequest(context.Background(), createRequest())
	require.NoError(t, err)
	require.Equal(t, "hp_req_1", resp.ProviderRequestID)

	st, err := h.GetStatus(context.Background(), "hp_req_1")
	require.NoError(t, err)
	require.Equal(t, int64(20000), st.Amount)
	require.Equal(t, "MYR", st.Currency)
	require.Equal(t, "hp_pay_1", st.ProviderPaymentID)
	require.Equal(t, payment.OutcomeCompleted, h.NormalizeStatus(st.RawStatus))
}

func TestHitPayWebhookHMAC(t *testing.T) {
	h := payment.HitPay{Salt: "hp_salt"}
	values := url.Values{
		"payment_id":         {"hp_pay_1"},
		"payment_request_id": {"hp_req_1"},
		"status":             {"completed"},
		"amount":             {"200.00"},
		"currency":           {"MYR"},
		"reference_number":   {"ref"},
	}
	mac := signature.SignHMAC(signature.SHA256, []byte("hp_salt"), []byte(signature.Canonical{}.Build(signature.FieldsFromValues(values))))
	values.Set("hmac", mac)
	cb := formCallback(values.Encode())

	require.True(t, h.VerifyCallback(cb))
	n, err := h.ParseCallback(cb)
	require.NoError(t, err)
	require.Equal(t, "hp_req_1", n.ProviderRequestID)
	require.Equal(t, int64(20000), n.Amount)

	values.Set("amount", "1.00")
	require.False(t, h.VerifyCallback(formCallback(values.Encode())))
	require.False(t, payment.HitPay{}.VerifyCallback(cb))

	_, err = h.ParseCallback(formCallback("status=completed"))
	require.ErrorIs(t, err, payment.ErrMalformedPayload)
}

func TestFPXCreateSignsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.True(t, signature.VerifyHMAC(signature.SHA512, []byte("fpx_secret"), body, r.Header.Get("X-Signature")))
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		require.Equal(t, "200.00", payload["amount"])
		require.Equal(t, "MB2U0227", payload["bank_code"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bill_id":"fpx_bill_1","payment_url":"https://fpx.test/pay/fpx_bill_1","status":"pending"}`)
	}))
	defer srv.Close()

	f := payment.FPX{BaseURL: srv.URL, MerchantID: "M001", Secret: "fpx_secret", HTTP: testClient()}
	req := createRequest()
	req.Channel = routing.ChannelFPX
	req.BankCode = "MB2U0227"
	resp, err := f.CreatePaymentRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "fpx_bill_1", resp.ProviderRequestID)
	require.Equal(t, "https://fpx.test/pay/fpx_bill_1", resp.CheckoutURL)
}

func TestFPXCallbackAndDebitCodes(t *testing.T) {
	f := payment.FPX{Secret: "fpx_secret"}
	values := url.Values{
		"bill_id":    {"fpx_bill_1"},
		"fpx_txn_id": {"2512011234"},
		"status":     {"51"},
		"amount":     {"200.00"},
	}
	canonical := signature.Canonical{Assign: "=", Separator: "|"}.Build(signature.FieldsFromValues(values))
	values.Set("signature", signature.SignHMAC(signature.SHA512, []byte("fpx_secret"), []byte(canonical)))
	cb := formCallback(values.Encode())

	require.True(t, f.VerifyCallback(cb))
	n, err := f.ParseCallback(cb)
	require.NoError(t, err)
	require.Equal(t, "MYR", n.Currency)
	require.Equal(t, int64(20000), n.Amount)
	require.Equal(t, payment.OutcomeFailed, f.NormalizeStatus(n.RawStatus))
	require.Contains(t, n.Reason, "51")

	require.Equal(t, payment.OutcomeCompleted, f.NormalizeStatus("00"))
	require.Equal(t, payment.OutcomePending, f.NormalizeStatus("09"))
	require.Equal(t, payment.OutcomeCanceled, f.NormalizeStatus("1C"))
	require.Equal(t, payment.OutcomePending, f.NormalizeStatus("never-seen"))

	values.Set("bill_id", "fpx_bill_2")
	require.False(t, f.VerifyCallback(formCallback(values.Encode())))
}

type tngKeys struct {
	merchant *rsa.PrivateKey
	wallet   *rsa.PrivateKey
}

func newTNGKeys(t *testing.T) tngKeys {
	t.Helper()
	merchant, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wallet, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return tngKeys{merchant: merchant, wallet: wallet}
}

func TestTNGCreateVerifiesBothDirections(t *testing.T) {
	keys := newTNGKeys(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Request   json.RawMessage `json:"request"`
			Signature string          `json:"signature"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		require.True(t, signature.VerifyRSAJSON(&keys.merchant.PublicKey, env.Request, env.Signature))

		inner, err := signature.CanonicalJSON([]byte(`{"head":{"function":"alipayplus.acquiring.order.create"},"body":{"acquirementId":"acq_1","checkoutUrl":"https://m.tngdigital.test/acq_1","resultInfo":{"resultStatus":"S","resultCode":"SUCCESS"}}}`))
		require.NoError(t, err)
		sig, err := signature.SignRSA(keys.wallet, inner)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"response": json.RawMessage(inner), "signature": sig}))
	}))
	defer srv.Close()

	tng := payment.TNG{
		BaseURL:    srv.URL,
		ClientID:   "client",
		MerchantID: "merchant",
		PrivateKey: keys.merchant,
		PublicKey:  &keys.wallet.PublicKey,
		HTTP:       testClient(),
	}
	resp, err := tng.CreatePaymentRequest(context.Background(), createRequest())
	require.NoError(t, err)
	require.Equal(t, "acq_1", resp.ProviderRequestID)
	require.Equal(t, "https://m.tngdigital.test/acq_1", resp.CheckoutURL)

	// a response signed by anyone else is refused
	tng.PublicKey = &keys.merchant.PublicKey
	_, err = tng.CreatePaymentRequest(context.Background(), createRequest())
	require.ErrorContains(t, err, "response signature invalid")
}

func TestTNGCallbackSignature(t *testing.T) {
	keys := newTNGKeys(t)
	tng := payment.TNG{PublicKey: &keys.wallet.PublicKey}
	inner := []byte(`{"head":{"function":"alipayplus.acquiring.order.notify"},"body":{"acquirementId":"acq_1","acquirementStatus":"SUCCESS","orderAmount":{"value":"20000","currency":"MYR"}}}`)

	body, err := payment.SignTNGEnvelope(keys.wallet, inner)
	require.NoError(t, err)
	cb := payment.Callback{Header: http.Header{}, Body: body}
	require.True(t, tng.VerifyCallback(cb))

	n, err := tng.ParseCallback(cb)
	require.NoError(t, err)
	require.Equal(t, "acq_1", n.ProviderRequestID)
	require.Equal(t, int64(20000), n.Amount)
	require.Equal(t, payment.OutcomeCompleted, tng.NormalizeStatus(n.RawStatus))

	forged, err := payment.SignTNGEnvelope(keys.merchant, inner)
	require.NoError(t, err)
	require.False(t, tng.VerifyCallback(payment.Callback{Body: forged}))
	require.False(t, payment.TNG{}.VerifyCallback(cb))
}
