package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-farmstay/internal/obs"
)

// ErrLocked is returned when another holder owns the key. Acquisition never
// waits; the caller decides whether and when to retry.
var ErrLocked = errors.New("lock: concurrent operation in progress")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	R      *redis.Client
	Prefix string
	// Scope labels contention metrics, e.g. "booking".
	Scope string
}

// BookingKey returns the lock key serialising payment work for one booking.
func BookingKey(bookingID string) string {
	return "booking:" + bookingID
}

// WithLock executes fn while holding key for at most ttl. If the key is held
// ErrLocked is returned immediately. The token is released after fn returns,
// panics included; ttl only bounds a crashed holder.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	fullKey := l.key(key)
	token := uuid.NewString()

	ok, err := l.R.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		scope := l.Scope
		if scope == "" {
			scope = "default"
		}
		obs.Inc(obs.LockContentionTotal, scope)
		return ErrLocked
	}
	defer l.release(fullKey, token)
	return fn(ctx)
}

func (l Locker) key(key string) string {
	prefix := strings.TrimSpace(l.Prefix)
	if prefix == "" {
		prefix = "lock"
	}
	return prefix + ":" + key
}

// release runs on a fresh context so a cancelled request still frees its token.
func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			if current, getErr := l.R.Get(ctx, key).Result(); getErr == nil && current == token {
				_ = l.R.Del(ctx, key).Err()
			}
		}
	}
}
