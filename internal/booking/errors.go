package booking

import "errors"

var (
	ErrRoomTypeNotFound  = errors.New("booking: room type not found")
	ErrBookingNotFound   = errors.New("booking: booking not found")
	ErrInvalidRange      = errors.New("booking: check-out must be after check-in")
	ErrCapacityExceeded  = errors.New("booking: guests exceed room capacity")
	ErrNoAvailability    = errors.New("booking: no room available for the selected dates")
	ErrInvalidInput      = errors.New("booking: invalid input")
	ErrIllegalTransition = errors.New("booking: illegal status transition")
	// ErrStaleStatus means a conditional status update matched no row because
	// another writer changed the booking first.
	ErrStaleStatus = errors.New("booking: status changed concurrently")
)
