package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the audit store has no database.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// NewStore returns the Postgres audit store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) InsertAuditLog(ctx context.Context, e Entry) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO audit_logs
(actor_kind, actor_id, action, resource_type, resource_id, method, path, route, status, ip, user_agent, request_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ActorKind, e.ActorID, e.Action, e.ResourceType, e.ResourceID, e.Method, e.Path, e.Route,
		e.Status, e.IP, e.UserAgent, e.RequestID, []byte(e.Metadata))
	return err
}

// ListAuditLogs returns matching entries newest first.
func (s *pgStore) ListAuditLogs(ctx context.Context, f Filter) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	var since any
	if !f.Since.IsZero() {
		since = f.Since
	}
	rows, err := s.pool.Query(ctx, `SELECT id, actor_kind, actor_id, action, resource_type, resource_id,
method, path, route, status, ip, user_agent, request_id, metadata, created_at
FROM audit_logs
WHERE ($1 = '' OR resource_type = $1)
  AND ($2 = '' OR resource_id = $2)
  AND ($3::timestamptz IS NULL OR created_at >= $3)
ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		strings.TrimSpace(f.ResourceType), strings.TrimSpace(f.ResourceID), since, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e    Entry
			meta []byte
		)
		err := row.Scan(&e.ID, &e.ActorKind, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Method, &e.Path, &e.Route, &e.Status, &e.IP, &e.UserAgent, &e.RequestID, &meta, &e.CreatedAt)
		e.Metadata = meta
		return e, err
	})
}
