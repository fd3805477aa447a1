package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists audit events to PostgreSQL for shared
// deployments. A BIGSERIAL seq column preserves per-plan call order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. Schema management is
// the host's concern in shared deployments; Migrate is provided for
// bootstrap environments.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_events table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS audit_events (
            seq BIGSERIAL PRIMARY KEY,
            id TEXT UNIQUE NOT NULL,
            type TEXT NOT NULL,
            actor TEXT NOT NULL,
            action TEXT NOT NULL,
            target TEXT,
            plan_id TEXT,
            item_id TEXT,
            timestamp TIMESTAMPTZ NOT NULL,
            details JSONB
        );
        CREATE INDEX IF NOT EXISTS idx_audit_plan ON audit_events (plan_id, seq);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Record inserts the event.
func (s *PostgresStore) Record(ctx context.Context, event Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, type, actor, action, target, plan_id, item_id, timestamp, details) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		event.ID, string(event.Type), event.Actor, event.Action, event.Target,
		event.PlanID, event.ItemID, event.Timestamp.UTC(), details)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListByPlan returns events for a plan in recorded order.
func (s *PostgresStore) ListByPlan(ctx context.Context, planID string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, type, actor, action, target, plan_id, item_id, timestamp, details FROM audit_events WHERE plan_id = $1 ORDER BY seq ASC LIMIT $2",
		planID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}
