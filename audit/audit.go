package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry captures one traceability record. Entries are appended in the same
// transaction as the mutation they describe and are never updated.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    *string
	Payload    map[string]any
}

// Event is a persisted audit entry.
type Event struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     string
	ActorID    *string
	Payload    []byte
	CreatedAt  time.Time
}

// Recorder appends audit events inside the caller's transaction.
type Recorder struct{}

// NewRecorder builds a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record inserts the entry. Payload marshals to jsonb; a nil payload becomes
// an empty object.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, entry Entry) error {
	if entry.EntityType == "" || entry.EntityID == "" || entry.Action == "" {
		return fmt.Errorf("audit: entity type, entity id and action required")
	}

	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO audit_events (entity_type, entity_id, action, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, entry.EntityType, entry.EntityID, entry.Action, entry.ActorID, body); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListByEntity returns the audit trail for one entity, newest first.
func ListByEntity(ctx context.Context, pool *pgxpool.Pool, entityType, entityID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const query = `
		SELECT id, entity_type, entity_id, action, actor_id, payload, created_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id DESC
		LIMIT $3
	`

	rows, err := pool.Query(ctx, query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.Action, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}
