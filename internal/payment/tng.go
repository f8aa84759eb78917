package payment

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-farmstay/internal/signature"
)

// TNG integrates the Touch 'n Go eWallet open API. Every request and response
// is an envelope whose signature is RSA over the canonical JSON of the inner object.
type TNG struct {
	BaseURL    string
	ClientID   string
	MerchantID string
	// PrivateKey signs our requests; PublicKey is the wallet's key and
	// verifies responses and callbacks.
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	HTTP       Doer
	Now        func() time.Time
}

type tngEnvelope struct {
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Signature string          `json:"signature"`
}

type tngHead struct {
	Version  string `json:"version"`
	Function string `json:"function"`
	ClientID string `json:"clientId"`
	ReqTime  string `json:"reqTime"`
	ReqMsgID string `json:"reqMsgId"`
}

type tngAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type tngResult struct {
	ResultStatus string `json:"resultStatus"`
	ResultCode   string `json:"resultCode"`
	ResultMsg    string `json:"resultMsg"`
}

type tngOrder struct {
	AcquirementID     string    `json:"acquirementId"`
	MerchantTransID   string    `json:"merchantTransId"`
	AcquirementStatus string    `json:"acquirementStatus"`
	CheckoutURL       string    `json:"checkoutUrl"`
	OrderAmount       tngAmount `json:"orderAmount"`
	FailReason        string    `json:"failReason"`
	ResultInfo        tngResult `json:"resultInfo"`
}

func (t TNG) Name() ProviderName { return ProviderTNG }

func (t TNG) Mode() Mode { return ModeOnline }

func (t TNG) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t TNG) CreatePaymentRequest(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	body := map[string]any{
		"merchantId":      t.MerchantID,
		"merchantTransId": req.PaymentID.String(),
		"productCode":     "51051000101000000011",
		"order": map[string]any{
			"orderTitle":  "Farmstay booking " + req.Booking.ID.String(),
			"orderAmount": tngAmount{Value: strconv.FormatInt(req.Amount, 10), Currency: strings.ToUpper(req.Currency)},
		},
		"envInfo":     map[string]string{"terminalType": "WEB"},
		"notifyUrl":   req.WebhookURL,
		"redirectUrl": req.RedirectURL,
	}
	if !req.ExpiresAt.IsZero() {
		body["expiryTime"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	}
	var out tngOrder
	raw, err := t.send(ctx, "create", "/v1/payments/pay", "alipayplus.acquiring.order.create", body, &out)
	if err != nil {
		return CreateResponse{}, err
	}
	if out.ResultInfo.ResultStatus != "S" && out.ResultInfo.ResultStatus != "A" {
		return CreateResponse{}, &ProviderError{
			Provider:  ProviderTNG,
			Op:        "create",
			Transient: out.ResultInfo.ResultStatus == "U",
			Err:       fmt.Errorf("%s: %s", out.ResultInfo.ResultCode, out.ResultInfo.ResultMsg),
		}
	}
	if out.AcquirementID == "" {
		return CreateResponse{}, &ProviderError{Provider: ProviderTNG, Op: "create", Err: fmt.Errorf("response without acquirementId")}
	}
	return CreateResponse{
		ProviderRequestID: out.AcquirementID,
		CheckoutURL:       out.CheckoutURL,
		RawStatus:         "INIT",
		ExpiresAt:         req.ExpiresAt,
		Raw:               raw,
	}, nil
}

func (t TNG) GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error) {
	var out tngOrder
	raw, err := t.send(ctx, "status", "/v1/payments/query", "alipayplus.acquiring.order.query", map[string]any{
		"merchantId":    t.MerchantID,
		"acquirementId": providerRequestID,
	}, &out)
	if err != nil {
		return StatusResult{}, err
	}
	res := StatusResult{RawStatus: out.AcquirementStatus, Currency: out.OrderAmount.Currency, Raw: raw}
	if v, err := strconv.ParseInt(out.OrderAmount.Value, 10, 64); err == nil {
		res.Amount = v
	}
	return res, nil
}

// send signs body inside a request envelope, posts it and verifies the
// response envelope before decoding its body into out.
func (t TNG) send(ctx context.Context, op, path, function string, body any, out any) ([]byte, error) {
	inner, err := json.Marshal(map[string]any{
		"head": tngHead{
			Version:  "2.0",
			Function: function,
			ClientID: t.ClientID,
			ReqTime:  t.now().UTC().Format(time.RFC3339),
			ReqMsgID: uuid.NewString(),
		},
		"body": body,
	})
	if err != nil {
		return nil, err
	}
	canonical, err := signature.CanonicalJSON(inner)
	if err != nil {
		return nil, err
	}
	sig, err := signature.SignRSA(t.PrivateKey, canonical)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderTNG, Op: op, Err: err}
	}
	payload, err := json.Marshal(tngEnvelope{Request: canonical, Signature: sig})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	var env tngEnvelope
	raw, err := roundTrip(ctx, t.HTTP, ProviderTNG, op, httpReq, &env)
	if err != nil {
		return raw, err
	}
	if t.PublicKey != nil && !signature.VerifyRSAJSON(t.PublicKey, env.Response, env.Signature) {
		return raw, &ProviderError{Provider: ProviderTNG, Op: op, Err: fmt.Errorf("response signature invalid")}
	}
	var resp struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(env.Response, &resp); err != nil {
		return raw, &ProviderError{Provider: ProviderTNG, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return raw, &ProviderError{Provider: ProviderTNG, Op: op, Err: fmt.Errorf("decode response body: %w", err)}
	}
	return raw, nil
}

func (t TNG) NormalizeStatus(raw string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS":
		return OutcomeCompleted
	case "PAYING", "PROCESSING":
		return OutcomeProcessing
	case "CLOSED", "EXPIRED":
		return OutcomeExpired
	case "CANCELLED", "CANCELED":
		return OutcomeCanceled
	case "FAIL", "FAILED":
		return OutcomeFailed
	case "REFUNDED", "FULL_REFUND":
		return OutcomeRefunded
	case "PARTIAL_REFUND":
		return OutcomePartiallyRefunded
	default:
		return OutcomePending
	}
}

// VerifyCallback checks the envelope signature against the wallet public key.
func (t TNG) VerifyCallback(cb Callback) bool {
	if t.PublicKey == nil {
		return false
	}
	var env tngEnvelope
	if err := json.Unmarshal(cb.Body, &env); err != nil || len(env.Request) == 0 {
		return false
	}
	return signature.VerifyRSAJSON(t.PublicKey, env.Request, env.Signature)
}

func (t TNG) ParseCallback(cb Callback) (Notification, error) {
	var env tngEnvelope
	if err := json.Unmarshal(cb.Body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var req struct {
		Head tngHead  `json:"head"`
		Body tngOrder `json:"body"`
	}
	if err := json.Unmarshal(env.Request, &req); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if req.Body.AcquirementID == "" || req.Body.AcquirementStatus == "" {
		return Notification{}, fmt.Errorf("%w: acquirementId and acquirementStatus are required", ErrMalformedPayload)
	}
	n := Notification{
		ProviderRequestID: req.Body.AcquirementID,
		ProviderPaymentID: req.Body.AcquirementID,
		RawStatus:         req.Body.AcquirementStatus,
		Currency:          strings.ToUpper(req.Body.OrderAmount.Currency),
		Reason:            req.Body.FailReason,
	}
	if v := strings.TrimSpace(req.Body.OrderAmount.Value); v != "" {
		amount, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: orderAmount %q", ErrMalformedPayload, v)
		}
		n.Amount = amount
	}
	return n, nil
}

// SignTNGEnvelope wraps inner as a signed callback envelope.
func SignTNGEnvelope(key *rsa.PrivateKey, inner []byte) ([]byte, error) {
	canonical, err := signature.CanonicalJSON(inner)
	if err != nil {
		return nil, err
	}
	sig, err := signature.SignRSA(key, canonical)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tngEnvelope{Request: canonical, Signature: sig})
}
