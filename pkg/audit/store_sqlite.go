package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit events to an embedded SQLite database.
// Suitable for single-node deployments and air-gapped archives.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps the given database and runs the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        id TEXT PRIMARY KEY,
        type TEXT NOT NULL,
        actor TEXT NOT NULL,
        action TEXT NOT NULL,
        target TEXT,
        plan_id TEXT,
        item_id TEXT,
        timestamp DATETIME NOT NULL,
        details JSON,
        seq INTEGER
    );
    CREATE INDEX IF NOT EXISTS idx_audit_plan ON audit_events (plan_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Record inserts the event. The seq column preserves per-plan call order
// even when timestamps collide.
func (s *SQLiteStore) Record(ctx context.Context, event Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_events (id, type, actor, action, target, plan_id, item_id, timestamp, details, seq)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
            (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events))`,
		event.ID, string(event.Type), event.Actor, event.Action, event.Target,
		event.PlanID, event.ItemID, event.Timestamp.UTC(), string(details))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListByPlan returns events for a plan in recorded order.
func (s *SQLiteStore) ListByPlan(ctx context.Context, planID string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, type, actor, action, target, plan_id, item_id, timestamp, details
        FROM audit_events WHERE plan_id = ? ORDER BY seq ASC LIMIT ?`,
		planID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e          Event
			typ        string
			target     sql.NullString
			planID     sql.NullString
			itemID     sql.NullString
			ts         time.Time
			detailsRaw sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &e.Actor, &e.Action, &target, &planID, &itemID, &ts, &detailsRaw); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Target = target.String
		e.PlanID = planID.String
		e.ItemID = itemID.String
		e.Timestamp = ts
		if detailsRaw.Valid && detailsRaw.String != "" && detailsRaw.String != "null" {
			if err := json.Unmarshal([]byte(detailsRaw.String), &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
