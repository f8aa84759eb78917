package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-farmstay/internal/events"
)

// EventStore persists domain events for the bus.
type EventStore struct {
	c conn
}

// NewEventStore constructs an EventStore backed by a pgx pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{c: conn{pool: pool}}
}

func (s *EventStore) InsertDomainEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	q, err := s.c.q()
	if err != nil {
		return events.Event{}, err
	}
	var out events.Event
	err = q.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, topic, aggregate_id, payload, occurred_at`,
		ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt).
		Scan(&out.ID, &out.Topic, &out.AggregateID, &out.Payload, &out.OccurredAt)
	return out, err
}
