package booking

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/lock"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

const dateLayout = "2006-01-02"

// Handler exposes availability and booking endpoints.
type Handler struct {
	Svc *Service
	// Signer, when set, attaches a tamper-proof amount token to booking responses.
	Signer *signature.AmountSigner
}

type createReq struct {
	Guest struct {
		Name  string `json:"name" validate:"required,max=200"`
		Email string `json:"email" validate:"required,email"`
		Phone string `json:"phone" validate:"omitempty,max=32"`
	} `json:"guest"`
	RoomTypeID string `json:"roomTypeId" validate:"required,uuid"`
	CheckIn    string `json:"checkIn" validate:"required,datetime=2006-01-02"`
	CheckOut   string `json:"checkOut" validate:"required,datetime=2006-01-02"`
	Guests     int    `json:"guests" validate:"gte=1,lte=50"`
}

type bookingResp struct {
	Booking
	Nights          int                    `json:"nights"`
	AmountSignature *signature.AmountToken `json:"amountSignature,omitempty"`
}

// Availability reports whether a room type is free for a date range.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomTypeID, err := uuid.Parse(strings.TrimSpace(q.Get("roomTypeId")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid roomTypeId", nil)
		return
	}
	checkIn, errIn := time.Parse(dateLayout, q.Get("checkIn"))
	checkOut, errOut := time.Parse(dateLayout, q.Get("checkOut"))
	if errIn != nil || errOut != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "checkIn and checkOut must be YYYY-MM-DD", nil)
		return
	}
	guests := 0
	if raw := q.Get("guests"); raw != "" {
		if guests, err = strconv.Atoi(raw); err != nil || guests < 0 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid guests", nil)
			return
		}
	}
	avail, err := h.Svc.CheckAvailability(r.Context(), Query{RoomTypeID: roomTypeID, CheckIn: checkIn, CheckOut: checkOut, Guests: guests})
	if err != nil {
		common.WriteError(w, translate(err))
		return
	}
	common.JSON(w, http.StatusOK, avail)
}

// Create books a room for a guest.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		common.WriteError(w, err)
		return
	}
	checkIn, _ := time.Parse(dateLayout, req.CheckIn)
	checkOut, _ := time.Parse(dateLayout, req.CheckOut)
	b, err := h.Svc.Create(r.Context(), CreateInput{
		Guest:      Guest{Name: req.Guest.Name, Email: req.Guest.Email, Phone: req.Guest.Phone},
		RoomTypeID: uuid.MustParse(req.RoomTypeID),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Guests:     req.Guests,
	})
	if err != nil {
		common.WriteError(w, translate(err))
		return
	}
	w.Header().Set("Location", "/api/v1/bookings/"+b.ID.String())
	common.JSON(w, http.StatusCreated, h.render(b))
}

// Get returns a booking.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid booking id", nil)
		return
	}
	b, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, translate(err))
		return
	}
	common.JSON(w, http.StatusOK, h.render(b))
}

// Cancel cancels an unpaid booking.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid booking id", nil)
		return
	}
	b, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		common.WriteError(w, translate(err))
		return
	}
	common.JSON(w, http.StatusOK, h.render(b))
}

func (h *Handler) render(b Booking) bookingResp {
	resp := bookingResp{Booking: b, Nights: b.Nights()}
	if h.Signer != nil && (b.Status == StatusPending || b.Status == StatusPaymentFailed || b.Status == StatusPaymentPending) {
		token := h.Signer.Issue(b.ID.String(), b.TotalPrice, b.Currency)
		resp.AmountSignature = &token
	}
	return resp
}

// translate maps booking errors onto the API error taxonomy.
func translate(err error) error {
	switch {
	case errors.Is(err, ErrRoomTypeNotFound):
		return common.NotFound("room type not found", err)
	case errors.Is(err, ErrBookingNotFound):
		return common.NotFound("booking not found", err)
	case errors.Is(err, ErrInvalidRange):
		return common.ValidationError("check-out must be after check-in", err)
	case errors.Is(err, ErrCapacityExceeded):
		return common.ValidationError("too many guests for this room type", err)
	case errors.Is(err, ErrInvalidInput):
		return common.ValidationError(err.Error(), err)
	case errors.Is(err, ErrNoAvailability):
		return common.Conflict("NO_AVAILABILITY", "the selected dates are no longer available", err)
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrStaleStatus):
		return common.Conflict("ILLEGAL_TRANSITION", "booking cannot be changed in its current state", err)
	case errors.Is(err, lock.ErrLocked):
		return common.Retryable("CONCURRENT_OPERATION", "another operation on this booking is in progress, retry shortly", time.Second, err)
	default:
		return err
	}
}
