package booking

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusPaid           Status = "PAID"
	StatusPaymentFailed  Status = "PAYMENT_FAILED"
	StatusExpired        Status = "EXPIRED"
	StatusCancelled      Status = "CANCELLED"
	StatusCompleted      Status = "COMPLETED"
)

// BlockingStatuses hold a physical room for overlap purposes.
var BlockingStatuses = []Status{StatusPending, StatusPaymentPending, StatusPaid, StatusCompleted}

// Blocking reports whether a booking in s holds its room.
func (s Status) Blocking() bool {
	for _, b := range BlockingStatuses {
		if s == b {
			return true
		}
	}
	return false
}

// Terminal reports whether s can never be left.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled || s == StatusCompleted
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusPaymentPending, StatusCancelled, StatusExpired},
	StatusPaymentPending: {StatusPaymentPending, StatusPaid, StatusPaymentFailed, StatusExpired, StatusCancelled},
	StatusPaymentFailed:  {StatusPaymentPending, StatusCancelled, StatusExpired},
	StatusPaid:           {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Guest identifies the person making the reservation.
type Guest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Booking reserves a room type, and once allocated a room, for [CheckIn, CheckOut).
type Booking struct {
	ID         uuid.UUID  `json:"id"`
	Guest      Guest      `json:"guest"`
	RoomTypeID uuid.UUID  `json:"roomTypeId"`
	RoomID     *uuid.UUID `json:"roomId,omitempty"`
	CheckIn    time.Time  `json:"checkIn"`
	CheckOut   time.Time  `json:"checkOut"`
	Guests     int        `json:"guests"`
	TotalPrice int64      `json:"totalPrice"`
	Currency   string     `json:"currency"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Nights returns the number of nights the booking covers.
func (b Booking) Nights() int {
	return Nights(b.CheckIn, b.CheckOut)
}

// RoomType defines capacity and nightly base price in minor units.
type RoomType struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	BasePrice int64     `json:"basePrice"`
	Currency  string    `json:"currency"`
}

// Room is a concrete bookable unit.
type Room struct {
	ID         uuid.UUID `json:"id"`
	RoomTypeID uuid.UUID `json:"roomTypeId"`
	Number     string    `json:"number"`
	Active     bool      `json:"active"`
}

// Nights returns ceil((checkOut-checkIn)/24h). Non-positive ranges yield 0 or less.
func Nights(checkIn, checkOut time.Time) int {
	diff := checkOut.Sub(checkIn)
	if diff <= 0 {
		return int(diff / (24 * time.Hour))
	}
	return int(math.Ceil(diff.Hours() / 24))
}

// Overlaps reports whether [aIn, aOut) and [bIn, bOut) intersect. Check-out is
// exclusive: a stay ending on day D does not overlap one starting on D.
func Overlaps(aIn, aOut, bIn, bOut time.Time) bool {
	return aIn.Before(bOut) && aOut.After(bIn)
}

// Date truncates t to its UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
