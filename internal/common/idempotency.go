package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyKeyHeader is the request header carrying the caller's idempotency token.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader marks a response served from the idempotency store.
const ReplayedHeader = "Idempotent-Replayed"

const pendingMarker = "pending"

// Idem makes keyed write requests safe to retry. The first request with a
// key runs; later ones with the same key and body get the stored response,
// while the first is still running they get 409, and with a different body
// they get 422. Server errors and retryable refusals release the key.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint"`
}

func (i Idem) storeKey(r *http.Request, key string) string {
	prefix := i.Prefix
	if prefix == "" {
		prefix = "idem"
	}
	return prefix + ":" + Sha256Hex(r.Method+" "+r.URL.Path+" "+key)
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

// Middleware wraps write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdempotencyKeyHeader)
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readAndRestore(r)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
			return
		}
		ctx := r.Context()
		key := i.storeKey(r, header)
		fingerprint := Sha256Hex(body)

		claimed, err := i.R.SetNX(ctx, key, pendingMarker, i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !claimed {
			i.replay(w, r, key, fingerprint)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			// A panicking or failing handler must not pin the key.
			bg := context.WithoutCancel(ctx)
			if !completed || retryable(rec) {
				_ = i.R.Del(bg, key).Err()
				return
			}
			stored, err := json.Marshal(storedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
				Fingerprint: fingerprint,
			})
			if err == nil {
				_ = i.R.Set(bg, key, stored, redis.KeepTTL).Err()
			}
		}()
		next.ServeHTTP(rec, r)
		completed = true
	})
}

// retryable reports responses that ask the caller to come back later: server
// errors, throttling, and conflicts carrying Retry-After.
func retryable(rec *captureWriter) bool {
	switch {
	case rec.status >= http.StatusInternalServerError:
		return true
	case rec.status == http.StatusTooManyRequests:
		return true
	case rec.status == http.StatusConflict:
		return rec.Header().Get("Retry-After") != ""
	}
	return false
}

func (i Idem) replay(w http.ResponseWriter, r *http.Request, key, fingerprint string) {
	raw, err := i.R.Get(r.Context(), key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Released between SETNX and GET; the caller may simply retry.
		w.Header().Set("Retry-After", "1")
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "request with this key is in progress", nil)
		return
	case err != nil:
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
		return
	}
	if string(raw) == pendingMarker {
		w.Header().Set("Retry-After", "1")
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "request with this key is in progress", nil)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
		return
	}
	if stored.Fingerprint != fingerprint {
		JSONError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "idempotency key reused with a different request body", nil)
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

func readAndRestore(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
