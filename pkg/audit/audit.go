// Package audit is the evidence sink for the Steward engine. Every gate
// decision, governor ruling, safety check result, and rollback step is
// recorded here so a compliance bundle can reconstruct what happened and
// why without re-deriving policy.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventDecision    EventType = "DECISION"
	EventRuleFired   EventType = "RULE_FIRED"
	EventSafetyCheck EventType = "SAFETY_CHECK"
	EventRollback    EventType = "ROLLBACK"
	EventOverride    EventType = "OVERRIDE"
	EventExecution   EventType = "EXECUTION"
	EventSystem      EventType = "SYSTEM"
)

// Event is a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	PlanID    string         `json:"plan_id,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must preserve call order
// per plan/item so compliance exports can reconstruct sequences.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// NewEvent stamps an event with an ID and timestamp if missing.
func NewEvent(eventType EventType, actor, action string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// Multi fans an event out to several sinks. The first error is returned
// after all sinks have been attempted; a slow or broken sink must not
// starve the others of the record.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Record(ctx context.Context, event Event) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards all events. Useful in tests and as a safe default.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
