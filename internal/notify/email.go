package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/backend-farmstay/internal/payment"
)

// Kinds of guest email.
const (
	KindBookingConfirmed = "booking_confirmed"
	KindPaymentFailed    = "payment_failed"
)

// EmailMessage is the outbox payload for one guest email.
type EmailMessage struct {
	Kind      string    `json:"kind"`
	BookingID string    `json:"bookingId"`
	PaymentID string    `json:"paymentId,omitempty"`
	To        string    `json:"to"`
	GuestName string    `json:"guestName"`
	RoomType  string    `json:"roomTypeId"`
	CheckIn   time.Time `json:"checkIn"`
	CheckOut  time.Time `json:"checkOut"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason,omitempty"`
}

func subjectFor(m EmailMessage) string {
	switch m.Kind {
	case KindBookingConfirmed:
		return "Your farmstay booking is confirmed"
	case KindPaymentFailed:
		return "Your payment did not go through"
	default:
		return fmt.Sprintf("Booking update %s", m.BookingID)
	}
}

func bodyFor(m EmailMessage) string {
	var b strings.Builder
	name := strings.TrimSpace(m.GuestName)
	if name == "" {
		name = "guest"
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	switch m.Kind {
	case KindBookingConfirmed:
		b.WriteString("We received your payment and your stay is confirmed.\n")
	case KindPaymentFailed:
		b.WriteString("We could not complete the payment for your booking.\n")
		if m.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", m.Reason)
		}
		b.WriteString("You can retry the payment from your booking page.\n")
	}
	fmt.Fprintf(&b, "\nBooking: %s\n", m.BookingID)
	fmt.Fprintf(&b, "Check-in: %s\n", m.CheckIn.Format("2006-01-02"))
	fmt.Fprintf(&b, "Check-out: %s\n", m.CheckOut.Format("2006-01-02"))
	if m.Amount > 0 {
		fmt.Fprintf(&b, "Amount: %s %s\n", m.Currency, payment.FormatMajor(m.Amount, m.Currency))
	}
	return b.String()
}
