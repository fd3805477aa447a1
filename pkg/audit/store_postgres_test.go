package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	event := NewEvent(EventDecision, "gate", "decision")
	event.PlanID = "plan-1"
	event.Details = map[string]any{"outcome": "ALLOW"}

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(event.ID, string(event.Type), event.Actor, event.Action, event.Target,
			event.PlanID, event.ItemID, event.Timestamp.UTC(), []byte(`{"outcome":"ALLOW"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Record(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordFailureSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(assert.AnError)

	err = store.Record(context.Background(), NewEvent(EventDecision, "gate", "decision"))
	assert.ErrorContains(t, err, "insert event")
}

func TestPostgresListByPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "type", "actor", "action", "target", "plan_id", "item_id", "timestamp", "details"}).
		AddRow("ev-1", "EXECUTION", "driver", "item.started", "page/1", "plan-1", "item-1", ts, `{"n":1}`).
		AddRow("ev-2", "EXECUTION", "driver", "item.completed", "page/1", "plan-1", "item-1", ts.Add(time.Second), nil)

	mock.ExpectQuery("SELECT id, type, actor, action, target, plan_id, item_id, timestamp, details FROM audit_events").
		WithArgs("plan-1", 100).
		WillReturnRows(rows)

	events, err := store.ListByPlan(context.Background(), "plan-1", 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, EventExecution, events[0].Type)
	assert.Equal(t, float64(1), events[0].Details["n"])
	assert.Equal(t, "ev-2", events[1].ID)
	assert.Nil(t, events[1].Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}
