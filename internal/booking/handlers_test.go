package booking_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestCreateHandlerReturnsSignedBooking(t *testing.T) {
	mem, rt, _ := seed(t, 1)
	fixed := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	signer := &signature.AmountSigner{Secret: []byte("amount-secret"), Now: func() time.Time { return fixed }}
	h := &booking.Handler{Svc: newService(mem), Signer: signer}

	body := `{"guest":{"name":"Siti","email":"siti@example.com"},"roomTypeId":"` + rt.ID.String() +
		`","checkIn":"2025-12-20","checkOut":"2025-12-22","guests":2}`
	rr := httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		ID              string                `json:"id"`
		TotalPrice      int64                 `json:"totalPrice"`
		Nights          int                   `json:"nights"`
		Status          string                `json:"status"`
		AmountSignature signature.AmountToken `json:"amountSignature"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, int64(20000), resp.TotalPrice)
	require.Equal(t, 2, resp.Nights)
	require.Equal(t, "PENDING", resp.Status)
	require.Equal(t, "/api/v1/bookings/"+resp.ID, rr.Header().Get("Location"))
	require.NoError(t, signer.Check(resp.ID, 20000, "MYR", resp.AmountSignature))

	// the only room is now held
	rr = httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusConflict, rr.Code)
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	require.Equal(t, "NO_AVAILABILITY", env.Error.Code)
}

func TestCreateHandlerValidation(t *testing.T) {
	mem, _, _ := seed(t, 1)
	h := &booking.Handler{Svc: newService(mem)}

	rr := httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bookings",
		bytes.NewBufferString(`{"guest":{"name":"","email":"nope"},"roomTypeId":"x","checkIn":"20-12-2025","checkOut":"2025-12-22","guests":0}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	fields, ok := env.Error.Details["fields"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, fields, "guest.email")
	require.Contains(t, fields, "roomTypeId")
	require.Contains(t, fields, "checkIn")

	rr = httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString(`{`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAvailabilityHandler(t *testing.T) {
	mem, rt, _ := seed(t, 2)
	h := &booking.Handler{Svc: newService(mem)}

	rr := httptest.NewRecorder()
	h.Availability(rr, httptest.NewRequest(http.MethodGet,
		"/api/v1/availability?roomTypeId="+rt.ID.String()+"&checkIn=2025-12-20&checkOut=2025-12-22&guests=2", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var avail booking.Availability
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&avail))
	require.True(t, avail.Available)
	require.Equal(t, 2, avail.AvailableRooms)
	require.Equal(t, int64(20000), avail.TotalPrice)

	rr = httptest.NewRecorder()
	h.Availability(rr, httptest.NewRequest(http.MethodGet,
		"/api/v1/availability?roomTypeId="+rt.ID.String()+"&checkIn=2025-12-22&checkOut=2025-12-20", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = httptest.NewRecorder()
	h.Availability(rr, httptest.NewRequest(http.MethodGet, "/api/v1/availability?roomTypeId=bad", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAndCancelHandlers(t *testing.T) {
	mem, rt, rooms := seed(t, 1)
	h := &booking.Handler{Svc: newService(mem)}
	b := hold(mem, rt, &rooms[0], "2025-12-20", "2025-12-22", booking.StatusPending)

	rr := httptest.NewRecorder()
	h.Get(rr, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", b.ID.String()))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.Cancel(rr, withURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "id", b.ID.String()))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.Cancel(rr, withURLParam(httptest.NewRequest(http.MethodPost, "/", nil), "id", b.ID.String()))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	h.Get(rr, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", "00000000-0000-0000-0000-000000000001"))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
