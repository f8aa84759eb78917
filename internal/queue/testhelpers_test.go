package queue_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/queue"
)

const emailKind = "notify-email"

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// dlqStore keeps dead letters in insertion order; newest first on list.
type dlqStore struct {
	mu      sync.Mutex
	entries []queue.DLQEntry
}

func newMemoryStore() *dlqStore { return &dlqStore{} }

func (m *dlqStore) InsertQueueDlq(_ context.Context, entry queue.DLQEntry) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *dlqStore) DeleteQueueDlq(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return queue.ErrEntryNotFound
}

func (m *dlqStore) GetQueueDlq(_ context.Context, id uuid.UUID) (queue.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return queue.DLQEntry{}, queue.ErrEntryNotFound
}

func (m *dlqStore) ListQueueDlq(_ context.Context, kind string, limit, offset int) ([]queue.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.DLQEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if kind != "" && m.entries[i].Kind != kind {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *dlqStore) CountQueueDlq(ctx context.Context, kind string) (int64, error) {
	entries, _ := m.ListQueueDlq(ctx, kind, 0, 0)
	return int64(len(entries)), nil
}

func (m *dlqStore) QueueDlqSizeByKind(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[string]int64)
	for _, e := range m.entries {
		sizes[e.Kind]++
	}
	return sizes, nil
}

func (m *dlqStore) all() []queue.DLQEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.DLQEntry(nil), m.entries...)
}
