package payment

import "errors"

var (
	ErrBookingClosed     = errors.New("payment: booking no longer accepts payments")
	ErrAlreadyPaid       = errors.New("payment: booking already paid")
	ErrPaymentInProgress = errors.New("payment: a payment is being processed")
	ErrPaymentNotFound   = errors.New("payment: payment not found")
	ErrIllegalTransition = errors.New("payment: illegal status transition")
	ErrStalePayment      = errors.New("payment: status changed concurrently")
	ErrDuplicatePayment  = errors.New("payment: duplicate payment")
	ErrDuplicateEvent    = errors.New("payment: event already recorded")
	ErrSignatureInvalid  = errors.New("payment: callback signature invalid")
	ErrMalformedPayload  = errors.New("payment: malformed callback payload")
	ErrUnknownProvider   = errors.New("payment: unknown provider")
	ErrAmountMismatch    = errors.New("payment: notified amount differs from payment amount")
	ErrNoChannel         = errors.New("payment: no provider available for channel")
	ErrIdempotencyReuse  = errors.New("payment: idempotency key belongs to another booking")
	ErrAmountSignature   = errors.New("payment: amount signature rejected")
	// ErrIgnoredEvent is returned by a parser for signed callbacks that carry
	// no payment status, such as unrelated event types.
	ErrIgnoredEvent = errors.New("payment: event type ignored")
)

// ProviderError wraps a failed provider call. Transient errors are worth
// retrying on another channel.
type ProviderError struct {
	Provider  ProviderName
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	return "payment: " + string(e.Provider) + " " + e.Op + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure that may succeed on retry.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

func wrapProviderError(name ProviderName, op string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: name, Op: op, Transient: transientErr(err), Err: err}
}
