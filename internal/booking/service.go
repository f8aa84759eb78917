package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-farmstay/internal/lock"
	"github.com/noah-isme/backend-farmstay/internal/obs"
)

// Store is the persistence contract for bookings.
type Store interface {
	Inventory
	GetBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	CreateBooking(ctx context.Context, b Booking) (Booking, error)
	AssignRoom(ctx context.Context, bookingID, roomID uuid.UUID) error
	// UpdateBookingStatus moves a booking from one status to another and
	// returns ErrStaleStatus when the booking is no longer in from.
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	// LockRoomType serialises allocation for a room type until the transaction ends.
	LockRoomType(ctx context.Context, id uuid.UUID) error
	InTx(ctx context.Context, fn func(Store) error) error
}

// Locker serialises mutations of one booking across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service implements booking creation and lookup.
type Service struct {
	Store   Store
	Locker  Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Query asks for availability of a room type.
type Query struct {
	RoomTypeID uuid.UUID
	CheckIn    time.Time
	CheckOut   time.Time
	Guests     int
}

// Availability summarises a room type for a date range.
type Availability struct {
	RoomTypeID     uuid.UUID `json:"roomTypeId"`
	Available      bool      `json:"available"`
	AvailableRooms int       `json:"availableRooms"`
	TotalRooms     int       `json:"totalRooms"`
	Nights         int       `json:"nights"`
	TotalPrice     int64     `json:"totalPrice"`
	Currency       string    `json:"currency"`
}

// CreateInput is a guest booking request.
type CreateInput struct {
	Guest      Guest
	RoomTypeID uuid.UUID
	CheckIn    time.Time
	CheckOut   time.Time
	Guests     int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CheckAvailability runs the allocator without reserving anything.
func (s *Service) CheckAvailability(ctx context.Context, q Query) (Availability, error) {
	alloc, err := Allocator{Inventory: s.Store}.FindAvailableRoom(ctx, AllocationRequest{
		RoomTypeID: q.RoomTypeID,
		CheckIn:    q.CheckIn,
		CheckOut:   q.CheckOut,
		Guests:     q.Guests,
	})
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		RoomTypeID:     q.RoomTypeID,
		Available:      alloc.Available(),
		AvailableRooms: alloc.AvailableRooms(),
		TotalRooms:     alloc.TotalRooms,
		Nights:         alloc.Nights,
		TotalPrice:     alloc.TotalPrice(),
		Currency:       alloc.RoomType.Currency,
	}, nil
}

// Create allocates a room and inserts a PENDING booking in one transaction.
// The room type row lock makes find-free-room and insert atomic.
func (s *Service) Create(ctx context.Context, in CreateInput) (Booking, error) {
	ctx, span := otel.Tracer("booking.Service").Start(ctx, "BookingService.Create")
	defer span.End()
	span.SetAttributes(attribute.String("room_type.id", in.RoomTypeID.String()))

	result := "error"
	defer func() { obs.Inc(obs.BookingCreatedTotal, result) }()

	if err := validateInput(in); err != nil {
		result = "invalid"
		return Booking{}, err
	}

	var created Booking
	err := s.Store.InTx(ctx, func(tx Store) error {
		if err := tx.LockRoomType(ctx, in.RoomTypeID); err != nil {
			return err
		}
		alloc, err := Allocator{Inventory: tx}.FindAvailableRoom(ctx, AllocationRequest{
			RoomTypeID: in.RoomTypeID,
			CheckIn:    in.CheckIn,
			CheckOut:   in.CheckOut,
			Guests:     in.Guests,
		})
		if err != nil {
			return err
		}
		if !alloc.Available() {
			return ErrNoAvailability
		}
		now := s.now().UTC()
		roomID := alloc.Room.ID
		created, err = tx.CreateBooking(ctx, Booking{
			ID:         uuid.New(),
			Guest:      normaliseGuest(in.Guest),
			RoomTypeID: in.RoomTypeID,
			RoomID:     &roomID,
			CheckIn:    Date(in.CheckIn),
			CheckOut:   Date(in.CheckOut),
			Guests:     in.Guests,
			TotalPrice: alloc.TotalPrice(),
			Currency:   alloc.RoomType.Currency,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoAvailability):
			result = "unavailable"
		case errors.Is(err, ErrRoomTypeNotFound), errors.Is(err, ErrInvalidRange), errors.Is(err, ErrCapacityExceeded):
			result = "invalid"
		default:
			span.RecordError(err)
			s.Logger.Error().Err(err).Str("room_type_id", in.RoomTypeID.String()).Msg("booking create failed")
		}
		return Booking{}, err
	}
	result = "created"
	span.SetAttributes(attribute.String("booking.id", created.ID.String()))
	s.Logger.Info().
		Str("booking_id", created.ID.String()).
		Str("room_type_id", created.RoomTypeID.String()).
		Int64("total_price", created.TotalPrice).
		Msg("booking created")
	return created, nil
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Booking, error) {
	return s.Store.GetBooking(ctx, id)
}

// Cancel cancels a booking that has no payment in flight.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (Booking, error) {
	var out Booking
	run := func(ctx context.Context) error {
		b, err := s.Store.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusPending && b.Status != StatusPaymentFailed {
			return fmt.Errorf("%w: cannot cancel a %s booking", ErrIllegalTransition, b.Status)
		}
		if err := s.Store.UpdateBookingStatus(ctx, id, b.Status, StatusCancelled); err != nil {
			return err
		}
		b.Status = StatusCancelled
		b.UpdatedAt = s.now().UTC()
		out = b
		return nil
	}
	if s.Locker == nil {
		return out, run(ctx)
	}
	return out, s.Locker.WithLock(ctx, lock.BookingKey(id.String()), s.lockTTL(), run)
}

// EnsureRoom re-validates the room of a booking that is about to retry payment.
// The current room is kept when still free; otherwise the lowest free room is
// assigned, or ErrNoAvailability is returned. A PAYMENT_FAILED booking moves
// to PAYMENT_PENDING in the same room type transaction so the room stays held
// while the provider is called; ReleaseRoom undoes that when no payment follows.
func (s *Service) EnsureRoom(ctx context.Context, b Booking) (Booking, error) {
	err := s.Store.InTx(ctx, func(tx Store) error {
		if err := tx.LockRoomType(ctx, b.RoomTypeID); err != nil {
			return err
		}
		alloc, err := Allocator{Inventory: tx}.FindAvailableRoom(ctx, AllocationRequest{
			RoomTypeID: b.RoomTypeID,
			CheckIn:    b.CheckIn,
			CheckOut:   b.CheckOut,
			Exclude:    b.ID,
		})
		if err != nil {
			return err
		}
		if !keepsRoom(b, alloc) {
			if !alloc.Available() {
				return ErrNoAvailability
			}
			if err := tx.AssignRoom(ctx, b.ID, alloc.Room.ID); err != nil {
				return err
			}
			roomID := alloc.Room.ID
			s.Logger.Info().Str("booking_id", b.ID.String()).Str("room_id", roomID.String()).Msg("booking room reassigned")
			b.RoomID = &roomID
		}
		if b.Status != StatusPaymentFailed {
			return nil
		}
		if err := tx.UpdateBookingStatus(ctx, b.ID, b.Status, StatusPaymentPending); err != nil {
			return err
		}
		b.Status = StatusPaymentPending
		b.UpdatedAt = s.now().UTC()
		return nil
	})
	return b, err
}

// ReleaseRoom returns a booking held by EnsureRoom to PAYMENT_FAILED.
func (s *Service) ReleaseRoom(ctx context.Context, id uuid.UUID) error {
	err := s.Store.UpdateBookingStatus(ctx, id, StatusPaymentPending, StatusPaymentFailed)
	if errors.Is(err, ErrStaleStatus) {
		return nil
	}
	return err
}

func keepsRoom(b Booking, alloc Allocation) bool {
	if b.RoomID == nil {
		return false
	}
	for _, room := range alloc.FreeRooms {
		if room.ID == *b.RoomID {
			return true
		}
	}
	return false
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return 30 * time.Second
}

func validateInput(in CreateInput) error {
	var problems []string
	if in.RoomTypeID == uuid.Nil {
		problems = append(problems, "roomTypeId is required")
	}
	if strings.TrimSpace(in.Guest.Name) == "" {
		problems = append(problems, "guest name is required")
	}
	if strings.TrimSpace(in.Guest.Email) == "" {
		problems = append(problems, "guest email is required")
	}
	if in.Guests < 0 {
		problems = append(problems, "guests must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	if Nights(Date(in.CheckIn), Date(in.CheckOut)) <= 0 {
		return ErrInvalidRange
	}
	return nil
}

func normaliseGuest(g Guest) Guest {
	return Guest{
		Name:  strings.TrimSpace(g.Name),
		Email: strings.ToLower(strings.TrimSpace(g.Email)),
		Phone: strings.TrimSpace(g.Phone),
	}
}
