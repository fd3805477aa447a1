// Package rollback builds and executes reverse-ordered compensating
// actions for completed execution items. Compensation is LIFO: the
// last-applied change is undone first, which correctly inverts layered
// edits to the same target. An empty plan never silently succeeds.
package rollback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stackmesa/steward/pkg/audit"
	"github.com/stackmesa/steward/pkg/contracts"
)

// complexityThreshold is the step count past which a plan gets a
// complexity risk note.
const complexityThreshold = 5

// Step is one compensating action.
type Step struct {
	Action string           `json:"action"`
	Change contracts.Change `json:"change"`
}

// Plan is the precomputed compensation for one item.
type Plan struct {
	ItemID    string    `json:"item_id"`
	Steps     []Step    `json:"steps"`
	Risks     []string  `json:"risks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StepEvent is delivered to the optional per-step callback.
type StepEvent struct {
	Action string `json:"action"`
	ItemID string `json:"item_id"`
	Step   Step   `json:"step"`
	Result string `json:"result"`
}

// Result is the outcome of rolling back one item.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResult aggregates a plan-level rollback. One item's failure never
// aborts the batch.
type BatchResult struct {
	Success       bool     `json:"success"`
	RolledBack    int      `json:"rolled_back"`
	Failed        int      `json:"failed"`
	Errors        []string `json:"errors,omitempty"`
	RolledBackIDs []string `json:"rolled_back_ids,omitempty"`
}

// Manager stores rollback plans keyed by item and executes them through
// the injected ChangeApplier. It only reads execution items; status
// transitions stay with the driver.
type Manager struct {
	mu      sync.RWMutex
	plans   map[string]*Plan
	applier contracts.ChangeApplier
	sink    audit.Sink
	log     *logrus.Entry
	clock   func() time.Time
}

// NewManager creates a manager. Nil sink defaults to audit.Nop.
func NewManager(applier contracts.ChangeApplier, sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Manager{
		plans:   make(map[string]*Plan),
		applier: applier,
		sink:    sink,
		log:     logrus.WithField("component", "rollback"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateRollbackPlan builds and stores the compensation plan for an item.
// Only reversible changes become steps; steps are emitted in the reverse
// of the original change order. Non-reversible changes and high step
// counts are recorded as risk notes.
func (m *Manager) CreateRollbackPlan(item *contracts.ExecutionItem) *Plan {
	plan := &Plan{
		ItemID:    item.ID,
		Steps:     make([]Step, 0, len(item.Changes)),
		CreatedAt: m.clock().UTC(),
	}

	for i := len(item.Changes) - 1; i >= 0; i-- {
		change := item.Changes[i]
		action, ok := change.Type.ReverseAction()
		if !change.IsReversible || !ok {
			plan.Risks = append(plan.Risks,
				fmt.Sprintf("change %s on %s.%s cannot be rolled back", change.Type, change.Target, change.Field))
			continue
		}
		plan.Steps = append(plan.Steps, Step{Action: action, Change: change})
	}

	if len(plan.Steps) > complexityThreshold {
		plan.Risks = append(plan.Risks,
			fmt.Sprintf("complex rollback: %d steps increase partial-failure exposure", len(plan.Steps)))
	}

	m.mu.Lock()
	m.plans[item.ID] = plan
	m.mu.Unlock()
	return plan
}

// GetPlan returns the stored plan for an item.
func (m *Manager) GetPlan(itemID string) (*Plan, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[itemID]
	return p, ok
}

// CanRollback reports whether a rollback could be attempted, without
// executing anything.
func (m *Manager) CanRollback(itemID string) (bool, string) {
	m.mu.RLock()
	plan, ok := m.plans[itemID]
	m.mu.RUnlock()
	if !ok {
		return false, "No rollback plan available"
	}
	if len(plan.Steps) == 0 {
		return false, "No reversible changes"
	}
	return true, ""
}

// ExecuteRollback runs the stored plan for an item. It fails explicitly
// when no plan exists or the plan has no steps. Steps execute in stored
// (already reversed) order; onStep, if set, is invoked per step.
func (m *Manager) ExecuteRollback(ctx context.Context, itemID string, onStep func(StepEvent)) Result {
	m.mu.RLock()
	plan, ok := m.plans[itemID]
	m.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: "Rollback plan not found"}
	}
	if len(plan.Steps) == 0 {
		return Result{Success: false, Error: "No reversible changes to rollback"}
	}
	if m.applier == nil {
		return Result{Success: false, Error: "no change applier configured"}
	}

	for i, step := range plan.Steps {
		err := m.applier.Revert(ctx, step.Change)
		result := "ok"
		if err != nil {
			result = err.Error()
		}

		event := audit.NewEvent(audit.EventRollback, "rollback", "rollback.step")
		event.ItemID = itemID
		event.Target = step.Change.Target
		event.Details = map[string]any{
			"step":   i + 1,
			"of":     len(plan.Steps),
			"action": step.Action,
			"result": result,
		}
		_ = m.sink.Record(ctx, event)

		if onStep != nil {
			onStep(StepEvent{Action: "item_rolled_back", ItemID: itemID, Step: step, Result: result})
		}
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"item": itemID, "step": i + 1}).Error("rollback step failed")
			return Result{Success: false, Error: fmt.Sprintf("step %d (%s) failed: %v", i+1, step.Action, err)}
		}
	}

	m.log.WithFields(logrus.Fields{"item": itemID, "steps": len(plan.Steps)}).Info("item rolled back")
	return Result{Success: true}
}

// RollbackPlanItems attempts rollback of every completed item in the
// plan, in reverse completion order, each independently. The returned
// counts satisfy RolledBack+Failed == number of completed items at call
// time; Success means zero failures.
func (m *Manager) RollbackPlanItems(ctx context.Context, plan *contracts.ExecutionPlan, onStep func(StepEvent)) BatchResult {
	completed := make([]*contracts.ExecutionItem, 0)
	for i := range plan.Items {
		if plan.Items[i].Status == contracts.ItemCompleted {
			completed = append(completed, &plan.Items[i])
		}
	}
	// Reverse completion order: latest finisher compensates first. Items
	// without a finish time sort last by sequence.
	sort.SliceStable(completed, func(i, j int) bool {
		fi, fj := completed[i].FinishedAt, completed[j].FinishedAt
		switch {
		case fi != nil && fj != nil:
			return fi.After(*fj)
		case fi != nil:
			return true
		case fj != nil:
			return false
		default:
			return completed[i].Sequence > completed[j].Sequence
		}
	})

	batch := BatchResult{}
	for _, item := range completed {
		// Plans are built lazily: an item that never got one gets it now
		// from its recorded changes.
		if _, ok := m.GetPlan(item.ID); !ok {
			m.CreateRollbackPlan(item)
		}
		result := m.ExecuteRollback(ctx, item.ID, onStep)
		if result.Success {
			batch.RolledBack++
			batch.RolledBackIDs = append(batch.RolledBackIDs, item.ID)
		} else {
			batch.Failed++
			batch.Errors = append(batch.Errors, fmt.Sprintf("item %s: %s", item.ID, result.Error))
		}
	}
	batch.Success = batch.Failed == 0

	event := audit.NewEvent(audit.EventRollback, "rollback", "rollback.plan")
	event.PlanID = plan.ID
	event.Details = map[string]any{
		"rolled_back": batch.RolledBack,
		"failed":      batch.Failed,
		"success":     batch.Success,
	}
	_ = m.sink.Record(ctx, event)
	return batch
}

// Clear wipes all stored plans. For archival and test reset.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = make(map[string]*Plan)
}
