package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisSentGuard remembers delivered emails using Redis SETNX semantics so a
// task redelivered after a crash between send and ack is not sent twice.
type RedisSentGuard struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func (g RedisSentGuard) key(id string) string {
	if g.Prefix == "" {
		return "notify:sent:" + id
	}
	return g.Prefix + ":notify:sent:" + id
}

// Sent reports whether id was already delivered.
func (g RedisSentGuard) Sent(ctx context.Context, id string) (bool, error) {
	if g.Client == nil {
		return false, nil
	}
	n, err := g.Client.Exists(ctx, g.key(id)).Result()
	return n > 0, err
}

// MarkSent records id as delivered.
func (g RedisSentGuard) MarkSent(ctx context.Context, id string) error {
	if g.Client == nil {
		return nil
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return g.Client.SetNX(ctx, g.key(id), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}
