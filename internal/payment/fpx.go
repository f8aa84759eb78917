package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/backend-farmstay/internal/signature"
)

var fpxCanonical = signature.Canonical{Exclude: []string{"signature"}, Assign: "=", Separator: "|"}

// FPX talks to an FPX acquirer gateway. Requests carry an X-Signature header
// and callbacks a signature field, both HMAC-SHA512.
type FPX struct {
	BaseURL    string
	MerchantID string
	Secret     string
	HTTP       Doer
}

type fpxBill struct {
	BillID     string `json:"bill_id"`
	PaymentURL string `json:"payment_url"`
	Status     string `json:"status"`
	FPXTxnID   string `json:"fpx_txn_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
}

func (f FPX) Name() ProviderName { return ProviderFPX }

func (f FPX) Mode() Mode { return ModeOnline }

func (f FPX) endpoint(path string) string {
	return strings.TrimRight(f.BaseURL, "/") + path
}

func (f FPX) CreatePaymentRequest(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	payload := map[string]any{
		"merchant_id":  f.MerchantID,
		"reference":    req.PaymentID.String(),
		"amount":       FormatMajor(req.Amount, req.Currency),
		"currency":     strings.ToUpper(req.Currency),
		"bank_code":    req.BankCode,
		"description":  "Farmstay booking " + req.Booking.ID.String(),
		"callback_url": req.WebhookURL,
		"return_url":   req.RedirectURL,
		"customer": map[string]string{
			"name":  req.Booking.Guest.Name,
			"email": req.Booking.Guest.Email,
			"phone": req.Booking.Guest.Phone,
		},
	}
	if !req.ExpiresAt.IsZero() {
		payload["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CreateResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint("/v1/bills"), bytes.NewReader(body))
	if err != nil {
		return CreateResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Merchant-Id", f.MerchantID)
	httpReq.Header.Set("X-Signature", signature.SignHMAC(signature.SHA512, []byte(f.Secret), body))
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var out fpxBill
	raw, err := roundTrip(ctx, f.HTTP, ProviderFPX, "create", httpReq, &out)
	if err != nil {
		return CreateResponse{}, err
	}
	if out.BillID == "" {
		return CreateResponse{}, &ProviderError{Provider: ProviderFPX, Op: "create", Err: fmt.Errorf("response without bill_id")}
	}
	return CreateResponse{
		ProviderRequestID: out.BillID,
		CheckoutURL:       out.PaymentURL,
		RawStatus:         out.Status,
		ExpiresAt:         req.ExpiresAt,
		Raw:               raw,
	}, nil
}

func (f FPX) GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint("/v1/bills/"+url.PathEscape(providerRequestID)), nil)
	if err != nil {
		return StatusResult{}, err
	}
	httpReq.Header.Set("X-Merchant-Id", f.MerchantID)
	httpReq.Header.Set("X-Signature", signature.SignHMAC(signature.SHA512, []byte(f.Secret), []byte(providerRequestID)))
	var out fpxBill
	raw, err := roundTrip(ctx, f.HTTP, ProviderFPX, "status", httpReq, &out)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{ProviderPaymentID: out.FPXTxnID, RawStatus: out.Status, Currency: strings.ToUpper(out.Currency), Raw: raw}
	if amount, err := ParseMajor(out.Amount, out.Currency); err == nil {
		res.Amount = amount
	}
	return res, nil
}

// NormalizeStatus understands both FPX debit auth codes and the gateway's
// word statuses.
func (f FPX) NormalizeStatus(raw string) Outcome {
	switch lowerTrim(raw) {
	case "00", "success", "paid", "completed":
		return OutcomeCompleted
	case "09", "99", "pending", "":
		return OutcomePending
	case "processing":
		return OutcomeProcessing
	case "1c", "cancelled", "canceled":
		return OutcomeCanceled
	case "expired", "xt":
		return OutcomeExpired
	case "refunded":
		return OutcomeRefunded
	case "failed", "51", "57", "58", "76", "1a", "2a", "45", "48", "xe", "fe", "oe":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// VerifyCallback checks the signature field: HMAC-SHA512 over key=value pairs
// sorted by key and joined with "|".
func (f FPX) VerifyCallback(cb Callback) bool {
	if f.Secret == "" {
		return false
	}
	values, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return false
	}
	return signature.VerifyFields(signature.SHA512, []byte(f.Secret), fpxCanonical, signature.FieldsFromValues(values), "signature")
}

func (f FPX) ParseCallback(cb Callback) (Notification, error) {
	values, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n := Notification{
		ProviderRequestID: strings.TrimSpace(values.Get("bill_id")),
		ProviderPaymentID: strings.TrimSpace(values.Get("fpx_txn_id")),
		RawStatus:         strings.TrimSpace(values.Get("status")),
		Currency:          strings.ToUpper(strings.TrimSpace(values.Get("currency"))),
		Reason:            strings.TrimSpace(values.Get("reason")),
	}
	if n.Currency == "" {
		n.Currency = "MYR"
	}
	if n.ProviderRequestID == "" || n.RawStatus == "" {
		return Notification{}, fmt.Errorf("%w: bill_id and status are required", ErrMalformedPayload)
	}
	if n.Amount, err = ParseMajor(values.Get("amount"), n.Currency); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if n.Reason == "" && f.NormalizeStatus(n.RawStatus) == OutcomeFailed {
		n.Reason = "bank declined the transfer (" + n.RawStatus + ")"
	}
	return n, nil
}
