package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/noah-isme/backend-farmstay/internal/signature"
)

var hitpayCanonical = signature.Canonical{Exclude: []string{"hmac"}}

// HitPay creates HitPay payment requests. The same adapter serves DuitNow QR
// by registering a second instance with Label ProviderDuitNow and the duitnow method.
type HitPay struct {
	BaseURL string
	APIKey  string
	// Salt signs webhooks.
	Salt    string
	Methods []string
	Label   ProviderName
	HTTP    Doer
}

type hitpayRequest struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Payments []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payments"`
}

func (h HitPay) Name() ProviderName {
	if h.Label != "" {
		return h.Label
	}
	return ProviderHitPay
}

func (h HitPay) Mode() Mode { return ModeOnline }

func (h HitPay) endpoint(path string) string {
	base := strings.TrimRight(h.BaseURL, "/")
	if base == "" {
		base = "https://api.hit-pay.com"
	}
	return base + path
}

func (h HitPay) CreatePaymentRequest(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	form := url.Values{}
	form.Set("amount", FormatMajor(req.Amount, req.Currency))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("email", req.Booking.Guest.Email)
	form.Set("name", req.Booking.Guest.Name)
	if req.Booking.Guest.Phone != "" {
		form.Set("phone", req.Booking.Guest.Phone)
	}
	form.Set("purpose", fmt.Sprintf("Farmstay booking %s", req.Booking.ID))
	form.Set("reference_number", req.PaymentID.String())
	form.Set("redirect_url", req.RedirectURL)
	form.Set("webhook", req.WebhookURL)
	for _, m := range h.Methods {
		form.Add("payment_methods[]", m)
	}
	if !req.ExpiresAt.IsZero() {
		form.Set("expiry_date", req.ExpiresAt.UTC().Format("2006-01-02 15:04:05"))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint("/v1/payment-requests"), strings.NewReader(form.Encode()))
	if err != nil {
		return CreateResponse{}, err
	}
	h.headers(httpReq)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var out hitpayRequest
	raw, err := roundTrip(ctx, h.HTTP, h.Name(), "create", httpReq, &out)
	if err != nil {
		return CreateResponse{}, err
	}
	if out.ID == "" {
		return CreateResponse{}, &ProviderError{Provider: h.Name(), Op: "create", Err: fmt.Errorf("response without id")}
	}
	return CreateResponse{
		ProviderRequestID: out.ID,
		CheckoutURL:       out.URL,
		RawStatus:         out.Status,
		ExpiresAt:         req.ExpiresAt,
		Raw:               raw,
	}, nil
}

func (h HitPay) GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint("/v1/payment-requests/"+url.PathEscape(providerRequestID)), nil)
	if err != nil {
		return StatusResult{}, err
	}
	h.headers(httpReq)
	var out hitpayRequest
	raw, err := roundTrip(ctx, h.HTTP, h.Name(), "status", httpReq, &out)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{RawStatus: out.Status, Currency: strings.ToUpper(out.Currency), Raw: raw}
	if amount, err := ParseMajor(out.Amount, out.Currency); err == nil {
		res.Amount = amount
	}
	for _, p := range out.Payments {
		if lowerTrim(p.Status) == "succeeded" || lowerTrim(p.Status) == "completed" {
			res.ProviderPaymentID = p.ID
		}
	}
	return res, nil
}

func (h HitPay) headers(req *http.Request) {
	req.Header.Set("X-BUSINESS-API-KEY", h.APIKey)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json")
}

func (h HitPay) NormalizeStatus(raw string) Outcome {
	switch lowerTrim(raw) {
	case "completed", "succeeded", "paid":
		return OutcomeCompleted
	case "failed":
		return OutcomeFailed
	case "expired":
		return OutcomeExpired
	case "canceled", "cancelled", "voided":
		return OutcomeCanceled
	case "refunded":
		return OutcomeRefunded
	case "partially_refunded":
		return OutcomePartiallyRefunded
	default:
		return OutcomePending
	}
}

// VerifyCallback checks the hmac field: HMAC-SHA256 with the salt over the
// remaining fields sorted by key and concatenated as key+value.
func (h HitPay) VerifyCallback(cb Callback) bool {
	if h.Salt == "" {
		return false
	}
	values, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return false
	}
	return signature.VerifyFields(signature.SHA256, []byte(h.Salt), hitpayCanonical, signature.FieldsFromValues(values), "hmac")
}

func (h HitPay) ParseCallback(cb Callback) (Notification, error) {
	values, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n := Notification{
		ProviderRequestID: strings.TrimSpace(values.Get("payment_request_id")),
		ProviderPaymentID: strings.TrimSpace(values.Get("payment_id")),
		RawStatus:         strings.TrimSpace(values.Get("status")),
		Currency:          strings.ToUpper(strings.TrimSpace(values.Get("currency"))),
	}
	if n.ProviderRequestID == "" || n.RawStatus == "" {
		return Notification{}, fmt.Errorf("%w: payment_request_id and status are required", ErrMalformedPayload)
	}
	if n.Amount, err = ParseMajor(values.Get("amount"), n.Currency); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if h.NormalizeStatus(n.RawStatus) == OutcomeFailed {
		n.Reason = "payment declined by " + strings.ToLower(string(h.Name()))
	}
	return n, nil
}
