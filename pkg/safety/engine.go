// Package safety runs pluggable guard checks at three phases of plan
// execution. Checks are data-described records held in a phase-keyed
// registry; a failing critical check carries ShouldHalt or ShouldRollback
// flags the driver must honor, while warnings never stop execution.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stackmesa/steward/pkg/audit"
	"github.com/stackmesa/steward/pkg/contracts"
)

// Phase is when a check runs relative to the external change.
type Phase string

const (
	PhasePre    Phase = "pre_execution"
	PhaseDuring Phase = "during_execution"
	PhasePost   Phase = "post_execution"
)

// Env carries the per-evaluation inputs beyond plan and item.
type Env struct {
	Now time.Time
	// Counts is a status snapshot taken under the caller's lock. While
	// other items run concurrently, checks must read it instead of
	// walking item statuses on the shared plan.
	Counts   map[contracts.ItemStatus]int
	Baseline map[string]float64
	Current  map[string]float64
}

// CheckFunc evaluates one guard. Implementations must be pure with
// respect to the plan and item; mutation belongs to the driver.
type CheckFunc func(plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, env Env) contracts.SafetyCheckResult

// Check is a registered guard.
type Check struct {
	ID    string
	Name  string
	Phase Phase
	Fn    CheckFunc
}

// Aggregate is the combined outcome of one phase run.
type Aggregate struct {
	Passed         bool
	ShouldHalt     bool
	ShouldRollback bool
	Results        []contracts.SafetyCheckResult
}

// Engine holds the check registry and runs phases.
type Engine struct {
	mu     sync.RWMutex
	checks map[Phase][]Check
	sink   audit.Sink
	clock  func() time.Time
}

// NewEngine creates an engine pre-loaded with the built-in checks. Nil
// sink defaults to audit.Nop.
func NewEngine(sink audit.Sink) *Engine {
	if sink == nil {
		sink = audit.Nop{}
	}
	e := &Engine{
		checks: make(map[Phase][]Check),
		sink:   sink,
		clock:  time.Now,
	}
	for _, c := range builtinChecks() {
		e.AddCheck(c)
	}
	return e
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// AddCheck registers a check at its phase, preserving registration order.
func (e *Engine) AddCheck(c Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[c.Phase] = append(e.checks[c.Phase], c)
}

// ChecksByPhase returns the registered checks for a phase.
func (e *Engine) ChecksByPhase(phase Phase) []Check {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Check, len(e.checks[phase]))
	copy(out, e.checks[phase])
	return out
}

// RunPreExecutionChecks runs the pre-execution phase for an item.
func (e *Engine) RunPreExecutionChecks(ctx context.Context, plan *contracts.ExecutionPlan, item *contracts.ExecutionItem) Aggregate {
	return e.RunChecks(ctx, PhasePre, plan, item, Env{Now: e.clock()})
}

// RunDuringExecutionChecks runs the during-execution phase for an item.
// counts may be nil when the caller owns the plan exclusively.
func (e *Engine) RunDuringExecutionChecks(ctx context.Context, plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, counts map[contracts.ItemStatus]int) Aggregate {
	return e.RunChecks(ctx, PhaseDuring, plan, item, Env{Now: e.clock(), Counts: counts})
}

// RunPostExecutionChecks runs the post-execution phase against metric
// snapshots. counts may be nil when the caller owns the plan exclusively.
func (e *Engine) RunPostExecutionChecks(ctx context.Context, plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, counts map[contracts.ItemStatus]int, baseline, current map[string]float64) Aggregate {
	return e.RunChecks(ctx, PhasePost, plan, item, Env{Now: e.clock(), Counts: counts, Baseline: baseline, Current: current})
}

// RunChecks runs every check registered for the phase and aggregates:
// Passed only when all results passed, ShouldHalt/ShouldRollback when any
// result raises them. A panicking check is converted into a failing
// critical result, never propagated.
func (e *Engine) RunChecks(ctx context.Context, phase Phase, plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, env Env) Aggregate {
	agg := Aggregate{Passed: true}

	for _, check := range e.ChecksByPhase(phase) {
		result := e.runOne(check, plan, item, env)
		result.CheckID = check.ID

		if !result.Passed {
			agg.Passed = false
		}
		if result.ShouldHalt {
			agg.ShouldHalt = true
		}
		if result.ShouldRollback {
			agg.ShouldRollback = true
		}
		agg.Results = append(agg.Results, result)

		event := audit.NewEvent(audit.EventSafetyCheck, "safety", "safety."+check.ID)
		event.PlanID = plan.ID
		if item != nil {
			event.ItemID = item.ID
		}
		event.Details = map[string]any{
			"phase":           phase,
			"passed":          result.Passed,
			"severity":        result.Severity,
			"message":         result.Message,
			"should_halt":     result.ShouldHalt,
			"should_rollback": result.ShouldRollback,
		}
		_ = e.sink.Record(ctx, event)
	}
	return agg
}

// runOne executes a single check, converting panics into failing
// critical results so a broken custom check cannot take the driver down.
func (e *Engine) runOne(check Check, plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, env Env) (result contracts.SafetyCheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = contracts.SafetyCheckResult{
				Passed:   false,
				Message:  fmt.Sprintf("check %s panicked: %v", check.ID, r),
				Severity: contracts.SeverityCritical,
			}
		}
	}()
	return check.Fn(plan, item, env)
}
