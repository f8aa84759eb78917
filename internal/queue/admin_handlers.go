package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

const maxPageSize = 200

// AdminHandler lets operators inspect, replay and discard dead notification
// tasks.
type AdminHandler struct {
	Store             Store
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
}

type deadTask struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	LastError      *string   `json:"lastError,omitempty"`
	EnqueuedAt     *int64    `json:"enqueuedAt,omitempty"`
	DeadAt         time.Time `json:"createdAt"`
	Payload        []byte    `json:"payload"`
}

type replayRequest struct {
	IDs   []string `json:"ids" validate:"omitempty,max=200,dive,uuid"`
	Kind  string   `json:"kind" validate:"omitempty,max=64"`
	Limit int      `json:"limit" validate:"gte=0,lte=200"`
	// FreshBudget restores the full attempt budget instead of a single attempt.
	FreshBudget bool `json:"freshBudget"`
}

// ListDLQ pages through dead tasks, newest first.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.WriteError(w, ErrStoreUnavailable)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	kind := normaliseKind(q.Get("kind"))
	limit := queryInt(q.Get("limit"), h.pageSize(), 1, maxPageSize)
	offset := queryInt(q.Get("offset"), 0, 0, -1)

	entries, err := h.Store.ListQueueDlq(ctx, kind, limit, offset)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	total, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	items := make([]deadTask, 0, len(entries))
	for _, entry := range entries {
		item, err := toDeadTask(entry)
		if err != nil {
			h.Logger.Warn().Err(err).Str("dlq_id", entry.ID.String()).Msg("skipping undecodable dlq entry")
			continue
		}
		items = append(items, item)
	}

	resp := map[string]any{"data": items, "total": total, "limit": limit, "offset": offset}
	if kind != "" {
		resp["kind"] = kind
	}
	common.JSON(w, http.StatusOK, resp)
}

func toDeadTask(entry DLQEntry) (deadTask, error) {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return deadTask{}, err
	}
	item := deadTask{
		ID:             entry.ID,
		Kind:           entry.Kind,
		IdempotencyKey: entry.IdempotencyKey,
		Attempts:       entry.Attempts,
		MaxAttempts:    msg.MaxAttempts,
		LastError:      entry.LastError,
		DeadAt:         entry.CreatedAt,
		Payload:        msg.Payload,
	}
	if item.LastError == nil && msg.LastError != "" {
		item.LastError = &msg.LastError
	}
	if msg.EnqueuedAt > 0 {
		item.EnqueuedAt = &msg.EnqueuedAt
	}
	return item, nil
}

// ReplayDLQ puts dead tasks back on the ready set, either the listed ids or
// the newest entries of one kind.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.WriteError(w, ErrStoreUnavailable)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteError(w, common.ValidationError("invalid payload", err))
		return
	}
	req.IDs = uniqueStrings(req.IDs)
	if err := common.ValidateStruct(req); err != nil {
		common.WriteError(w, err)
		return
	}
	kind := normaliseKind(req.Kind)
	if len(req.IDs) == 0 && kind == "" {
		common.WriteError(w, common.ValidationError("ids or kind required", nil))
		return
	}

	ctx := r.Context()
	var entries []DLQEntry
	failed := make(map[string]string)
	if len(req.IDs) > 0 {
		for _, raw := range req.IDs {
			entry, err := h.Store.GetQueueDlq(ctx, uuid.MustParse(raw))
			if err != nil {
				failed[raw] = err.Error()
				continue
			}
			entries = append(entries, entry)
		}
	} else {
		limit := req.Limit
		if limit == 0 {
			limit = h.pageSize()
		}
		listed, err := h.Store.ListQueueDlq(ctx, kind, limit, 0)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		entries = listed
	}

	replayed := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if err := h.replay(ctx, entry, req.FreshBudget); err != nil {
			failed[entry.ID.String()] = err.Error()
			continue
		}
		replayed = append(replayed, entry.ID)
	}
	h.refreshDLQGauge(ctx)

	subject, _ := common.AdminSubject(ctx)
	h.Logger.Info().
		Str("admin", subject).
		Str("kind", kind).
		Bool("fresh_budget", req.FreshBudget).
		Int("replayed", len(replayed)).
		Int("failed", len(failed)).
		Msg("dlq replay")

	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// DiscardDLQ drops one dead task for good.
func (h *AdminHandler) DiscardDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.WriteError(w, ErrStoreUnavailable)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, common.ValidationError("invalid dlq id", err))
		return
	}
	ctx := r.Context()
	entry, err := h.Store.GetQueueDlq(ctx, id)
	if err == nil {
		err = h.Store.DeleteQueueDlq(ctx, id)
	}
	if errors.Is(err, ErrEntryNotFound) {
		common.WriteError(w, common.NotFound("dlq entry not found", err))
		return
	}
	if err != nil {
		common.WriteError(w, err)
		return
	}
	h.refreshDLQGauge(ctx)
	subject, _ := common.AdminSubject(ctx)
	h.Logger.Warn().Str("admin", subject).Str("dlq_id", id.String()).Str("kind", entry.Kind).
		Str("key", entry.IdempotencyKey).Msg("dlq entry discarded")
	w.WriteHeader(http.StatusNoContent)
}

// Stats reports ready, in-flight and dead counts for a kind plus the age of
// the oldest due task.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil || h.Store == nil {
		common.WriteError(w, ErrStoreUnavailable)
		return
	}
	kind := normaliseKind(r.URL.Query().Get("kind"))
	if kind == "" {
		common.WriteError(w, common.ValidationError("kind is required", nil))
		return
	}
	ctx := r.Context()
	rdb := h.Queue.R
	readyKey := h.Queue.queueKey(kind)
	now := h.Queue.now()

	pipe := rdb.Pipeline()
	readyCmd := pipe.ZCard(ctx, readyKey)
	inflightCmd := pipe.ZCard(ctx, processingKey(h.Queue.Prefix, kind))
	dueCmd := pipe.ZCount(ctx, readyKey, "-inf", strconv.FormatInt(now.UnixNano(), 10))
	oldestCmd := pipe.ZRangeWithScores(ctx, readyKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		common.WriteError(w, err)
		return
	}
	dead, err := h.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	var lag time.Duration
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		if at := time.Unix(0, int64(oldest[0].Score)); at.Before(now) {
			lag = now.Sub(at)
		}
	}
	QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(readyCmd.Val()))
	QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(dead))

	visibility := h.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":               kind,
		"ready":              readyCmd.Val(),
		"due":                dueCmd.Val(),
		"processing":         inflightCmd.Val(),
		"dlq":                dead,
		"oldest_lag_ms":      lag.Milliseconds(),
		"visibility_timeout": visibility.Seconds(),
	})
}

// replay re-enqueues a dead task and removes it from the store. Without a
// fresh budget the task gets exactly one more delivery.
func (h *AdminHandler) replay(ctx context.Context, entry DLQEntry, freshBudget bool) error {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return err
	}
	spent := 0
	if !freshBudget && msg.MaxAttempts > 0 {
		spent = msg.MaxAttempts - 1
	}
	if msg.Key != "" {
		// A replay must not be swallowed by the dedup window of the dead copy.
		_ = h.Queue.R.Del(ctx, dedupKey(h.Queue.Prefix, msg.Kind, msg.Key)).Err()
	}
	if err := h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        spent,
	}); err != nil {
		return err
	}
	return h.Store.DeleteQueueDlq(ctx, entry.ID)
}

func (h *AdminHandler) refreshDLQGauge(ctx context.Context) {
	sizes, err := h.Store.QueueDlqSizeByKind(ctx)
	if err != nil {
		return
	}
	for kind, n := range sizes {
		QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(n))
	}
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func normaliseKind(kind string) string {
	return sanitizeKind(strings.ToLower(strings.TrimSpace(kind)))
}

// queryInt parses v and falls back to def outside [lo, hi]; hi < 0 means
// unbounded.
func queryInt(v string, def, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		return def
	}
	return n
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if _, dup := seen[v]; dup || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
