package common_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

func newIdem(t *testing.T) common.Idem {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return common.Idem{R: client, TTL: time.Minute, Prefix: "idem:test"}
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(body))
	req.Header.Set(common.IdempotencyKeyHeader, key)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdemReplaysStoredResponse(t *testing.T) {
	calls := 0
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		common.JSON(w, http.StatusCreated, map[string]string{"id": "b-1"})
	}))

	first := post(h, "k1", `{"roomTypeId":"rt-1"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	again := post(h, "k1", `{"roomTypeId":"rt-1"}`)
	require.Equal(t, http.StatusCreated, again.Code)
	require.Equal(t, "true", again.Header().Get(common.ReplayedHeader))
	require.Equal(t, "application/json", again.Header().Get("Content-Type"))
	require.JSONEq(t, first.Body.String(), again.Body.String())
	require.Equal(t, 1, calls)

	reused := post(h, "k1", `{"roomTypeId":"rt-2"}`)
	require.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	require.Contains(t, reused.Body.String(), "IDEMPOTENCY_KEY_REUSED")
	require.Equal(t, 1, calls)
}

func TestIdemReleasesKeyOnServerError(t *testing.T) {
	status := http.StatusInternalServerError
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	require.Equal(t, http.StatusInternalServerError, post(h, "k3", "").Code)
	status = http.StatusCreated
	require.Equal(t, http.StatusCreated, post(h, "k3", "").Code)
}

func TestIdemReleasesKeyOnRetryableRefusal(t *testing.T) {
	for name, refuse := range map[string]error{
		"lock contention": common.Retryable("CONCURRENT_OPERATION", "booking is busy", time.Second, nil),
		"throttled":       common.NewAppError("RATE_LIMITED", "slow down", http.StatusTooManyRequests, nil),
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls == 1 {
					common.WriteError(w, refuse)
					return
				}
				common.JSON(w, http.StatusCreated, map[string]string{"id": "p-1"})
			}))

			first := post(h, "k5", `{"bookingId":"b-1"}`)
			require.NotEqual(t, http.StatusCreated, first.Code)

			second := post(h, "k5", `{"bookingId":"b-1"}`)
			require.Equal(t, http.StatusCreated, second.Code)
			require.Empty(t, second.Header().Get(common.ReplayedHeader))
			require.Equal(t, 2, calls)
		})
	}
}

func TestIdemStoresFinalConflict(t *testing.T) {
	calls := 0
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		common.WriteError(w, common.Conflict("ALREADY_PAID", "booking already paid", nil))
	}))

	require.Equal(t, http.StatusConflict, post(h, "k6", "{}").Code)
	again := post(h, "k6", "{}")
	require.Equal(t, http.StatusConflict, again.Code)
	require.Equal(t, "true", again.Header().Get(common.ReplayedHeader))
	require.Equal(t, 1, calls)
}

func TestIdemInFlightConflict(t *testing.T) {
	idem := newIdem(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan int)
	go func() { done <- post(h, "k9", "{}").Code }()
	<-entered

	rr := post(h, "k9", "{}")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "1", rr.Header().Get("Retry-After"))

	close(release)
	require.Equal(t, http.StatusCreated, <-done)
}

func TestIdemPassesThroughWithoutKey(t *testing.T) {
	calls := 0
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	require.Equal(t, 2, calls)
}
