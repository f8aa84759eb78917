package signature

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrAmountSignatureMismatch is returned when the amount token does not match its fields.
	ErrAmountSignatureMismatch = errors.New("signature: amount signature mismatch")
	// ErrAmountSignatureExpired is returned when the token timestamp is outside the tolerance window.
	ErrAmountSignatureExpired = errors.New("signature: amount signature expired")
)

// DefaultTolerance bounds how far an amount token timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

// AmountSigner issues and checks tamper-proof amount tokens exchanged with the
// browser. A token covers orderID|amount|currency|unixSeconds.
type AmountSigner struct {
	Secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

// AmountToken is the signed amount handed to the client.
type AmountToken struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

func (s AmountSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s AmountSigner) tolerance() time.Duration {
	if s.Tolerance > 0 {
		return s.Tolerance
	}
	return DefaultTolerance
}

func amountMessage(orderID string, amount int64, currency string, timestamp int64) []byte {
	return []byte(orderID + "|" + strconv.FormatInt(amount, 10) + "|" + currency + "|" + strconv.FormatInt(timestamp, 10))
}

// Sign signs the amount fields at the given unix timestamp.
func (s AmountSigner) Sign(orderID string, amount int64, currency string, timestamp int64) string {
	return SignHMAC(SHA256, s.Secret, amountMessage(orderID, amount, currency, timestamp))
}

// Issue signs the amount fields with the current time.
func (s AmountSigner) Issue(orderID string, amount int64, currency string) AmountToken {
	ts := s.now().Unix()
	return AmountToken{Signature: s.Sign(orderID, amount, currency, ts), Timestamp: ts}
}

// Check verifies a token and reports why it failed. Expiry is evaluated first,
// so a stale token fails even when its signature is correct.
func (s AmountSigner) Check(orderID string, amount int64, currency string, token AmountToken) error {
	age := s.now().Sub(time.Unix(token.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > s.tolerance() {
		return ErrAmountSignatureExpired
	}
	if !VerifyHMAC(SHA256, s.Secret, amountMessage(orderID, amount, currency, token.Timestamp), token.Signature) {
		return ErrAmountSignatureMismatch
	}
	return nil
}

// Verify is the predicate form of Check.
func (s AmountSigner) Verify(orderID string, amount int64, currency string, token AmountToken) bool {
	return s.Check(orderID, amount, currency, token) == nil
}
