package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Query filters timeline entries. Zero-value fields match everything.
type Query struct {
	PlanID string     `json:"plan_id,omitempty"`
	ItemID string     `json:"item_id,omitempty"`
	Actor  string     `json:"actor,omitempty"`
	Type   *EventType `json:"type,omitempty"`
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// Timeline collects events in arrival order and answers windowed queries
// for compliance bundle reconstruction. Arrival order per plan/item is
// preserved: Query results for a single plan come back in the exact order
// the components recorded them.
type Timeline struct {
	mu      sync.RWMutex
	entries []Event
	byPlan  map[string][]int // plan ID -> entry indices
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		entries: make([]Event, 0, 128),
		byPlan:  make(map[string][]int),
	}
}

// Record appends an event to the timeline.
func (t *Timeline) Record(_ context.Context, event Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.entries)
	t.entries = append(t.entries, event)
	if event.PlanID != "" {
		t.byPlan[event.PlanID] = append(t.byPlan[event.PlanID], idx)
	}
	return nil
}

// Query returns matching events in recorded order.
func (t *Timeline) Query(q Query) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Use the plan index when the query is plan-scoped.
	var candidates []int
	if q.PlanID != "" {
		candidates = t.byPlan[q.PlanID]
	} else {
		candidates = make([]int, len(t.entries))
		for i := range t.entries {
			candidates[i] = i
		}
	}

	out := make([]Event, 0, len(candidates))
	for _, i := range candidates {
		e := t.entries[i]
		if q.ItemID != "" && e.ItemID != q.ItemID {
			continue
		}
		if q.Actor != "" && e.Actor != q.Actor {
			continue
		}
		if q.Type != nil && e.Type != *q.Type {
			continue
		}
		if q.After != nil && !e.Timestamp.After(*q.After) {
			continue
		}
		if q.Before != nil && !e.Timestamp.Before(*q.Before) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Len returns the number of recorded events.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Reset discards all entries and indices.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = t.entries[:0]
	t.byPlan = make(map[string][]int)
}

// Export writes matching events as JSON lines, ordered by timestamp with
// recorded order as tiebreak. This is the compliance bundle format: one
// event per line so bundles stream and diff cleanly.
func (t *Timeline) Export(w io.Writer, q Query) (int, error) {
	events := t.Query(q)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	enc := json.NewEncoder(w)
	for i, e := range events {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("audit: export entry %d: %w", i, err)
		}
	}
	return len(events), nil
}
