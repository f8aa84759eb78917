package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles readiness. The API flips it off when draining so the load
// balancer stops routing before the listener closes.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
	// Channels, when set, reports payment channel health. It is informative
	// only: an open provider breaker does not make the API unready.
	Channels func() map[string]float64
}

type readyResponse struct {
	Status   string             `json:"status"`
	DB       string             `json:"db"`
	Redis    string             `json:"redis"`
	Channels map[string]float64 `json:"channels,omitempty"`
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, readyResponse{Status: "unavailable", DB: "unknown", Redis: "unknown"})
		return
	}
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, readyResponse{Status: "draining", DB: "unknown", Redis: "unknown"})
		return
	}
	ctx := r.Context()
	resp := readyResponse{Status: "ok", DB: "ok", Redis: "ok"}
	if err := h.Checker.PingDB(ctx, h.dbTimeout()); err != nil {
		resp.DB = err.Error()
	}
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		resp.Redis = err.Error()
	}
	if h.Channels != nil {
		resp.Channels = h.Channels()
	}
	status := http.StatusOK
	if resp.DB != "ok" || resp.Redis != "ok" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, resp)
}

func (h Handler) dbTimeout() time.Duration {
	if h.DBTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.DBTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
