// Package queue is a Redis sorted-set task queue with visibility timeouts,
// exponential retry and a Postgres dead letter table. It carries the
// notification outbox: producers enqueue inside request handling and the
// worker process delivers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/resilience"
)

const defaultMaxAttempts = 8

// ErrVisibilityExpired is recorded when a delivery outlives its visibility
// timeout and the task is reclaimed.
var ErrVisibilityExpired = errors.New("queue: visibility timeout elapsed")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the task goes
// straight to the dead letter store.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// claimScript moves the earliest due task from the ready set into the
// processing set in one step, so a crash cannot drop it in between.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	// Attempt is the 1-based delivery attempt seen by handlers. On enqueue it
	// carries attempts already spent; DLQ replay uses it to size the remaining budget.
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
	Now         func() time.Time
}

func (e Enqueuer) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once within the configured deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = defaultMaxAttempts
	}
	now := e.now()
	msg.EnqueuedAt = now.UnixNano()
	msg.AvailableAt = now.Add(t.Delay).UnixNano()

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, dedupKey(e.Prefix, kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, queueKey(e.Prefix, kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	QueueDepth.WithLabelValues(queueLabel(kind)).Inc()
	return nil
}

func (e Enqueuer) queueKey(kind string) string { return queueKey(e.Prefix, kind) }

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

func queueLabel(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}

// Worker consumes tasks for a specific kind. A claimed task sits in the
// processing set until the handler acks or fails it; one left there past the
// visibility timeout is reclaimed and the lost delivery counts as an attempt.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds one handler call; it should be below VisibilityTimeout
	// so a slow handler gives up before the task is redelivered.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	// Store receives exhausted tasks. Without one they are pushed to a Redis list.
	Store  Store
	Logger *zerolog.Logger
	Now    func() time.Time
}

func (w Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run processes tasks until the context is cancelled, then waits for
// in-flight handlers.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	keys := []string{queueKey(w.Prefix, kind), processingKey(w.Prefix, kind)}

	reclaim := time.NewTicker(visibility / 2)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reclaim.C:
			if err := w.requeueExpired(ctx, keys[1], keys[0]); err != nil && ctx.Err() == nil {
				wg.Wait()
				return err
			}
			continue
		case sem <- struct{}{}:
		}

		now := w.now()
		raw, err := claimScript.Run(ctx, w.R, keys, now.UnixNano(), now.Add(visibility).UnixNano()).Text()
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, redis.Nil) {
				w.idle(ctx, 50*time.Millisecond)
				continue
			}
			wg.Wait()
			return err
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			<-sem
			w.log().Error().Err(err).Str("kind", kind).Msg("dropping undecodable task")
			_ = w.R.ZRem(ctx, keys[1], raw).Err()
			continue
		}
		QueueDepth.WithLabelValues(queueLabel(kind)).Dec()

		wg.Add(1)
		go func() {
			defer func() { <-sem }()
			defer wg.Done()
			w.process(ctx, keys[0], keys[1], raw, msg, retryBase)
		}()
	}
}

func (w Worker) process(ctx context.Context, ready, processing, raw string, m taskMessage, retryBase time.Duration) {
	m.Attempt++
	jobCtx, cancel := context.WithCancel(ctx)
	if w.SoftDeadline > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.SoftDeadline)
	}
	defer cancel()
	err := w.Handler(jobCtx, Task{
		Kind:           m.Kind,
		Payload:        m.Payload,
		IdempotencyKey: m.Key,
		Attempt:        m.Attempt,
		MaxAttempts:    m.MaxAttempts,
	})
	// Bookkeeping outlives the handler deadline.
	bg := context.WithoutCancel(ctx)
	if !w.release(bg, processing, raw, m) {
		return
	}
	if err != nil {
		w.handleFailure(bg, ready, m, retryBase, err)
		return
	}
	QueueProcessedTotal.WithLabelValues(queueLabel(m.Kind), "success").Inc()
	if m.EnqueuedAt > 0 {
		QueueTaskLatency.WithLabelValues(queueLabel(m.Kind)).Observe(w.now().Sub(time.Unix(0, m.EnqueuedAt)).Seconds())
	}
	if m.Key != "" {
		_ = w.R.Del(bg, dedupKey(w.Prefix, m.Kind, m.Key)).Err()
	}
}

// release drops the claim on raw. It reports false when the claim was
// already reclaimed by the visibility sweep, in which case the redelivered
// copy owns the task.
func (w Worker) release(ctx context.Context, processing, raw string, m taskMessage) bool {
	removed, err := w.R.ZRem(ctx, processing, raw).Result()
	if err != nil {
		w.log().Error().Err(err).Str("kind", m.Kind).Str("key", m.Key).Msg("release claim failed")
		return false
	}
	if removed == 0 {
		w.log().Warn().Str("kind", m.Kind).Str("key", m.Key).Int("attempt", m.Attempt).
			Msg("claim already reclaimed, leaving task to its redelivery")
		return false
	}
	return true
}

func (w Worker) idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w Worker) handleFailure(ctx context.Context, ready string, msg taskMessage, base time.Duration, cause error) {
	msg.LastError = cause.Error()
	if IsPermanent(cause) || (msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts) {
		w.deadLetter(ctx, msg, cause)
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = w.now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	QueueProcessedTotal.WithLabelValues(queueLabel(msg.Kind), "retry").Inc()
	w.log().Warn().Err(cause).
		Str("kind", msg.Kind).
		Str("key", msg.Key).
		Int("attempt", msg.Attempt).
		Dur("retry_in", delay).
		Msg("task failed, scheduling retry")
	if err := w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err(); err == nil {
		QueueDepth.WithLabelValues(queueLabel(msg.Kind)).Inc()
	}
}

func (w Worker) deadLetter(ctx context.Context, msg taskMessage, cause error) {
	QueueProcessedTotal.WithLabelValues(queueLabel(msg.Kind), "dlq").Inc()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if w.Store != nil {
		lastErr := cause.Error()
		_, err := w.Store.InsertQueueDlq(ctx, DLQEntry{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        rawBytes,
			Attempts:       msg.Attempt,
			LastError:      &lastErr,
		})
		if err != nil {
			w.log().Error().Err(err).Str("kind", msg.Kind).Str("key", msg.Key).Msg("dlq insert failed, keeping task in redis")
			_ = w.R.LPush(ctx, dlqKey(w.Prefix, msg.Kind), rawBytes).Err()
		} else {
			QueueDLQSize.WithLabelValues(queueLabel(msg.Kind)).Inc()
		}
	} else {
		_ = w.R.LPush(ctx, dlqKey(w.Prefix, msg.Kind), rawBytes).Err()
	}
	w.log().Error().Err(cause).
		Str("kind", msg.Kind).
		Str("key", msg.Key).
		Int("attempts", msg.Attempt).
		Bool("permanent", IsPermanent(cause)).
		Msg("task moved to dlq")
	if msg.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
	}
}

// requeueExpired reclaims claims whose visibility deadline passed. The lost
// delivery is charged as an attempt.
func (w Worker) requeueExpired(ctx context.Context, processing, ready string) error {
	now := w.now()
	due, err := w.R.ZRangeByScore(ctx, processing, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		removed, err := w.R.ZRem(ctx, processing, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.Attempt++
		msg.LastError = ErrVisibilityExpired.Error()
		if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
			w.deadLetter(ctx, msg, ErrVisibilityExpired)
			continue
		}
		msg.AvailableAt = now.UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err(); err == nil {
			QueueDepth.WithLabelValues(queueLabel(msg.Kind)).Inc()
			w.log().Warn().Str("kind", msg.Kind).Str("key", msg.Key).Int("attempt", msg.Attempt).
				Msg("visibility timeout elapsed, task requeued")
		}
	}
	return nil
}

func (w Worker) log() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", prefix, kind)
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

// taskMessage is the Redis member. Attempt counts finished deliveries.
type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	EnqueuedAt  int64  `json:"enqueued_at,omitempty"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}
