package booking

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Inventory is the read side of the booking store used for allocation.
type Inventory interface {
	GetRoomType(ctx context.Context, id uuid.UUID) (RoomType, error)
	ListActiveRooms(ctx context.Context, roomTypeID uuid.UUID) ([]Room, error)
	// ListOverlapping returns bookings of the room type in one of statuses whose
	// stay satisfies checkIn < to AND checkOut > from.
	ListOverlapping(ctx context.Context, roomTypeID uuid.UUID, from, to time.Time, statuses []Status) ([]Booking, error)
}

// AllocationRequest asks for a free room of a type for [CheckIn, CheckOut).
type AllocationRequest struct {
	RoomTypeID uuid.UUID
	CheckIn    time.Time
	CheckOut   time.Time
	// Guests is checked against capacity when positive.
	Guests int
	// Exclude ignores one booking, used when re-validating an existing booking's room.
	Exclude uuid.UUID
}

// Allocation is the outcome of a room search.
type Allocation struct {
	RoomType    RoomType
	Room        *Room
	TotalRooms  int
	BookedCount int
	Nights      int
	// FreeRooms lists every unoccupied room in allocation order.
	FreeRooms []Room
}

// Available reports whether a room was found.
func (a Allocation) Available() bool { return a.Room != nil }

// AvailableRooms is the number of units still free for the range.
func (a Allocation) AvailableRooms() int {
	if n := a.TotalRooms - a.BookedCount; n > 0 {
		return n
	}
	return 0
}

// TotalPrice is nights times the room type base price.
func (a Allocation) TotalPrice() int64 {
	return int64(a.Nights) * a.RoomType.BasePrice
}

// Allocator finds free rooms using interval overlap over blocking bookings.
type Allocator struct {
	Inventory Inventory
}

// FindAvailableRoom returns the first free room in ascending room number
// order. Overlapping bookings without a room still consume one unit each.
func (a Allocator) FindAvailableRoom(ctx context.Context, req AllocationRequest) (Allocation, error) {
	ctx, span := otel.Tracer("booking.Allocator").Start(ctx, "Allocator.FindAvailableRoom")
	defer span.End()
	span.SetAttributes(attribute.String("room_type.id", req.RoomTypeID.String()))

	checkIn, checkOut := Date(req.CheckIn), Date(req.CheckOut)
	nights := Nights(checkIn, checkOut)
	if nights <= 0 {
		return Allocation{}, ErrInvalidRange
	}
	rt, err := a.Inventory.GetRoomType(ctx, req.RoomTypeID)
	if err != nil {
		return Allocation{}, err
	}
	alloc := Allocation{RoomType: rt, Nights: nights}
	if req.Guests > 0 && rt.Capacity > 0 && req.Guests > rt.Capacity {
		return alloc, ErrCapacityExceeded
	}

	rooms, err := a.Inventory.ListActiveRooms(ctx, rt.ID)
	if err != nil {
		return alloc, fmt.Errorf("list rooms: %w", err)
	}
	active := rooms[:0:0]
	for _, room := range rooms {
		if room.Active {
			active = append(active, room)
		}
	}
	alloc.TotalRooms = len(active)
	if len(active) == 0 {
		return alloc, nil
	}
	sortRooms(active)

	existing, err := a.Inventory.ListOverlapping(ctx, rt.ID, checkIn, checkOut, BlockingStatuses)
	if err != nil {
		return alloc, fmt.Errorf("list overlapping bookings: %w", err)
	}
	taken := make(map[uuid.UUID]struct{}, len(existing))
	unassigned := 0
	for _, b := range existing {
		if req.Exclude != uuid.Nil && b.ID == req.Exclude {
			continue
		}
		if !b.Status.Blocking() || !Overlaps(b.CheckIn, b.CheckOut, checkIn, checkOut) {
			continue
		}
		if b.RoomID == nil {
			unassigned++
			continue
		}
		taken[*b.RoomID] = struct{}{}
	}

	free := make([]Room, 0, len(active))
	occupied := 0
	for _, room := range active {
		if _, ok := taken[room.ID]; ok {
			occupied++
			continue
		}
		free = append(free, room)
	}
	// unassigned holds take units from the end so the lowest numbers stay allocatable
	if unassigned > len(free) {
		unassigned = len(free)
	}
	free = free[:len(free)-unassigned]

	alloc.BookedCount = occupied + unassigned
	alloc.FreeRooms = free
	if len(free) > 0 {
		room := free[0]
		alloc.Room = &room
	}
	span.SetAttributes(
		attribute.Int("rooms.total", alloc.TotalRooms),
		attribute.Int("rooms.booked", alloc.BookedCount),
	)
	return alloc, nil
}

// sortRooms orders rooms by number, numerically when both numbers are integers.
func sortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, errA := strconv.Atoi(rooms[i].Number)
		b, errB := strconv.Atoi(rooms[j].Number)
		if errA == nil && errB == nil {
			return a < b
		}
		return rooms[i].Number < rooms[j].Number
	})
}
