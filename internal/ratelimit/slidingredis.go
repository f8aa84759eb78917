package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slideScript trims the window, records the hit only when a slot is free and
// reports the oldest surviving hit so callers can compute when a slot opens.
var slideScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
local allowed = 0
if n < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
  n = n + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local first = ARGV[2]
if oldest[2] then
  first = oldest[2]
end
return {allowed, n, first}
`)

// Limiter implements a sliding window rate limiter backed by Redis sorted
// sets. Rejected attempts are not recorded, so a client that backs off
// regains capacity as soon as its oldest accepted hit leaves the window.
type Limiter struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the next slot frees up.
	ResetAt time.Time
}

// RetryAfter returns the whole seconds until a slot frees up, at least one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int((d.ResetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow registers a hit for key when fewer than max hits landed in the last window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := l.now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: max, ResetAt: now.Add(window)}, nil
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := key + ":" + uuid.NewString()

	res, err := slideScript.Run(ctx, l.Client, []string{l.Prefix + key},
		cutoff, nowMs, max, member, window.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest, err := strconv.ParseFloat(fmt.Sprint(res[2]), 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: parse oldest hit: %w", err)
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(int64(oldest)).Add(window),
	}, nil
}
