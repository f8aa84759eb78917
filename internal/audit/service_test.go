package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/obs"
)

type stubStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error

	listed Filter
}

func (s *stubStore) InsertAuditLog(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubStore) ListAuditLogs(_ context.Context, f Filter) ([]Entry, error) {
	s.listed = f
	return []Entry{{Action: "POST /api/v1/admin/queue/dlq/replay", Method: http.MethodPost}}, nil
}

func (s *stubStore) last(t *testing.T) Entry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.entries)
	return s.entries[len(s.entries)-1]
}

func TestServiceRecord(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: true, SamplingRate: 1}

	req := httptest.NewRequest(http.MethodPost, "https://api.test/api/v1/admin/queue/dlq/replay?kind=email", nil)
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("X-Request-ID", "req-123")
	req.RemoteAddr = "10.0.0.2:54321"
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/api/v1/admin/queue/dlq/replay"))

	err := svc.Record(req.Context(), Actor{Kind: ActorKindOperator, ID: "ops@farmstay"}, "", "", "", req, http.StatusAccepted, nil)
	require.NoError(t, err)

	got := store.last(t)
	require.Equal(t, "operator", got.ActorKind)
	require.Equal(t, "ops@farmstay", *got.ActorID)
	require.Equal(t, "POST /api/v1/admin/queue/dlq/replay", got.Action)
	require.Equal(t, "admin.queue.dlq.replay", got.ResourceType)
	require.Nil(t, got.ResourceID)
	require.Equal(t, http.StatusAccepted, got.Status)
	require.Equal(t, "10.0.0.2", *got.IP)
	require.Equal(t, "req-123", *got.RequestID)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(got.Metadata, &meta))
	require.Equal(t, "kind=email", meta["query"])
}

func TestServiceRecordDisabled(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: false}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, svc.Record(req.Context(), Actor{}, "", "", "", req, http.StatusOK, nil))
	require.Empty(t, store.entries)
}

func TestServiceRecordRequiresStore(t *testing.T) {
	svc := Service{Enabled: true}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.Error(t, svc.Record(req.Context(), Actor{}, "", "", "", req, 0, nil))
}

func TestBuildResourceDropsParams(t *testing.T) {
	require.Equal(t, "bookings.cancel", buildResource("", "/api/v1/bookings/{id}/cancel"))
	require.Equal(t, "admin.queue.dlq", buildResource("", "/api/v1/admin/queue/dlq"))
	require.Equal(t, "unknown", buildResource("", "/"))
	require.Equal(t, "booking", buildResource("booking", "/api/v1/bookings/{id}/cancel"))
}

func TestUnknownActorKindIsGuest(t *testing.T) {
	require.Equal(t, ActorKindGuest, normalizeActorKind("robot"))
	require.Equal(t, ActorKindSystem, normalizeActorKind(ActorKindSystem))
}

func TestMiddlewareRecordsOperatorAction(t *testing.T) {
	store := &stubStore{}
	rec := HTTPRecorder{Service: &Service{Store: store, Enabled: true}}

	r := chi.NewRouter()
	r.With(rec.Middleware(HTTPConfig{
		Action:          "booking.cancel",
		ResourceType:    "booking",
		ResourceIDParam: "id",
		MetadataFunc: func(_ *http.Request, status int) map[string]any {
			return map[string]any{"status": status}
		},
	})).Post("/bookings/{id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/bookings/b-42/cancel", nil)
	req = req.WithContext(common.WithAdminSubject(req.Context(), "ops@farmstay"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	got := store.last(t)
	require.Equal(t, "booking.cancel", got.Action)
	require.Equal(t, "booking", got.ResourceType)
	require.Equal(t, "b-42", *got.ResourceID)
	require.Equal(t, "operator", got.ActorKind)
	require.Equal(t, http.StatusConflict, got.Status)
	require.JSONEq(t, `{"status":409,"outcome":"rejected"}`, string(got.Metadata))
}

func TestMiddlewareReportsStoreErrors(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	var reported error
	rec := HTTPRecorder{
		Service: &Service{Store: store, Enabled: true},
		OnError: func(err error) { reported = err },
	}
	h := rec.Middleware(HTTPConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/bookings/x/cancel", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.EqualError(t, reported, "db down")
}

func TestMiddlewareActorOverrides(t *testing.T) {
	store := &stubStore{}
	rec := HTTPRecorder{
		Service:   &Service{Store: store, Enabled: true},
		ActorFunc: func(*http.Request) Actor { return Actor{Kind: ActorKindSystem, ID: "sweeper"} },
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{}")) })

	rec.Middleware(HTTPConfig{Action: "queue.dlq.replay"})(ok).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", nil))
	got := store.last(t)
	require.Equal(t, "system", got.ActorKind)
	require.Equal(t, "sweeper", *got.ActorID)

	rec.Middleware(HTTPConfig{
		Action:    "queue.dlq.replay",
		ActorFunc: func(*http.Request) Actor { return Actor{Kind: ActorKindOperator, ID: "ops"} },
	})(ok).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", nil))
	got = store.last(t)
	require.Equal(t, "operator", got.ActorKind)
	require.Equal(t, http.StatusOK, got.Status)
	require.JSONEq(t, `{"outcome":"ok"}`, string(got.Metadata))
}

func TestHandlerList(t *testing.T) {
	store := &stubStore{}
	h := Handler{Store: store}
	rr := httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/audit?limit=25&offset=10&resource=booking&resource_id=b-42&since=2025-06-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, Filter{
		ResourceType: "booking",
		ResourceID:   "b-42",
		Since:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Limit:        25,
		Offset:       10,
	}, store.listed)

	var payload struct {
		Data  []map[string]any `json:"data"`
		Limit int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)
	require.Equal(t, 25, payload.Limit)
}

func TestHandlerListClampsLimit(t *testing.T) {
	store := &stubStore{}
	rr := httptest.NewRecorder()
	Handler{Store: store}.List(rr, httptest.NewRequest(http.MethodGet, "/audit?limit=5000&offset=-3", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 50, store.listed.Limit)
	require.Zero(t, store.listed.Offset)
}

func TestHandlerListRejectsBadSince(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler{Store: &stubStore{}}.List(rr, httptest.NewRequest(http.MethodGet, "/audit?since=yesterday", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}
