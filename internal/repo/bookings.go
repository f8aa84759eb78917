package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-farmstay/internal/booking"
)

const bookingColumns = `id, guest_name, guest_email, guest_phone, room_type_id, room_id,
check_in, check_out, guests, total_price, currency, status, created_at, updated_at`

// BookingStore implements booking.Store.
type BookingStore struct {
	c conn
}

// NewBookingStore constructs a BookingStore backed by a pgx pool.
func NewBookingStore(pool *pgxpool.Pool) *BookingStore {
	return &BookingStore{c: conn{pool: pool}}
}

func (s *BookingStore) InTx(ctx context.Context, fn func(booking.Store) error) error {
	return s.c.inTx(ctx, func(c conn) error { return fn(&BookingStore{c: c}) })
}

func (s *BookingStore) GetRoomType(ctx context.Context, id uuid.UUID) (booking.RoomType, error) {
	q, err := s.c.q()
	if err != nil {
		return booking.RoomType{}, err
	}
	return getRoomType(ctx, q, id)
}

func (s *BookingStore) ListActiveRooms(ctx context.Context, roomTypeID uuid.UUID) ([]booking.Room, error) {
	q, err := s.c.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, room_type_id, number, active FROM rooms
WHERE room_type_id = $1 AND active ORDER BY number`, roomTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Room
	for rows.Next() {
		var r booking.Room
		if err := rows.Scan(&r.ID, &r.RoomTypeID, &r.Number, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *BookingStore) ListOverlapping(ctx context.Context, roomTypeID uuid.UUID, from, to time.Time, statuses []booking.Status) ([]booking.Booking, error) {
	q, err := s.c.q()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := q.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
WHERE room_type_id = $1 AND status = ANY($2) AND check_in < $4 AND check_out > $3`,
		roomTypeID, names, from, to)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (s *BookingStore) GetBooking(ctx context.Context, id uuid.UUID) (booking.Booking, error) {
	q, err := s.c.q()
	if err != nil {
		return booking.Booking{}, err
	}
	return getBooking(ctx, q, id)
}

func (s *BookingStore) CreateBooking(ctx context.Context, b booking.Booking) (booking.Booking, error) {
	q, err := s.c.q()
	if err != nil {
		return booking.Booking{}, err
	}
	row := q.QueryRow(ctx, `INSERT INTO bookings (id, guest_name, guest_email, guest_phone, room_type_id, room_id,
check_in, check_out, guests, total_price, currency, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING `+bookingColumns,
		b.ID, b.Guest.Name, b.Guest.Email, b.Guest.Phone, b.RoomTypeID, b.RoomID,
		b.CheckIn, b.CheckOut, b.Guests, b.TotalPrice, b.Currency, string(b.Status), b.CreatedAt, b.UpdatedAt)
	return scanBooking(row)
}

func (s *BookingStore) AssignRoom(ctx context.Context, bookingID, roomID uuid.UUID) error {
	q, err := s.c.q()
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `UPDATE bookings SET room_id = $2, updated_at = now() WHERE id = $1`, bookingID, roomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrBookingNotFound
	}
	return nil
}

func (s *BookingStore) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to booking.Status) error {
	q, err := s.c.q()
	if err != nil {
		return err
	}
	return updateBookingStatus(ctx, q, id, from, to)
}

// LockRoomType takes the room type row lock; bookings for one type are
// allocated one transaction at a time.
func (s *BookingStore) LockRoomType(ctx context.Context, id uuid.UUID) error {
	if s.c.tx == nil {
		return errors.New("repo: LockRoomType requires a transaction")
	}
	var locked uuid.UUID
	err := s.c.tx.QueryRow(ctx, `SELECT id FROM room_types WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.ErrRoomTypeNotFound
	}
	return err
}

func getRoomType(ctx context.Context, q querier, id uuid.UUID) (booking.RoomType, error) {
	var rt booking.RoomType
	err := q.QueryRow(ctx, `SELECT id, name, capacity, base_price, currency FROM room_types WHERE id = $1`, id).
		Scan(&rt.ID, &rt.Name, &rt.Capacity, &rt.BasePrice, &rt.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.RoomType{}, booking.ErrRoomTypeNotFound
	}
	return rt, err
}

func getBooking(ctx context.Context, q querier, id uuid.UUID) (booking.Booking, error) {
	return scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

// updateBookingStatus is conditional on from; zero rows means another writer won.
func updateBookingStatus(ctx context.Context, q querier, id uuid.UUID, from, to booking.Status) error {
	tag, err := q.Exec(ctx, `UPDATE bookings SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := getBooking(ctx, q, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s", booking.ErrStaleStatus, from)
	}
	return nil
}

func scanBooking(row pgx.Row) (booking.Booking, error) {
	var (
		b      booking.Booking
		status string
	)
	err := row.Scan(&b.ID, &b.Guest.Name, &b.Guest.Email, &b.Guest.Phone, &b.RoomTypeID, &b.RoomID,
		&b.CheckIn, &b.CheckOut, &b.Guests, &b.TotalPrice, &b.Currency, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Booking{}, booking.ErrBookingNotFound
	}
	if err != nil {
		return booking.Booking{}, err
	}
	b.Status = booking.Status(status)
	return b, nil
}

func collectBookings(rows pgx.Rows) ([]booking.Booking, error) {
	defer rows.Close()
	var out []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
