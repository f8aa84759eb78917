package events

// Topic constants for domain events emitted by the booking core.
const (
	TopicBookingCreated       = "booking.created"
	TopicBookingStatusChanged = "booking.status_changed"
	TopicPaymentCreated       = "payment.created"
	TopicPaymentStatusChanged = "payment.status_changed"
	TopicPaymentExpired       = "payment.expired"
	TopicPaymentUnmatched     = "payment.unmatched"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicBookingCreated,
		TopicBookingStatusChanged,
		TopicPaymentCreated,
		TopicPaymentStatusChanged,
		TopicPaymentExpired,
		TopicPaymentUnmatched,
	}
}
