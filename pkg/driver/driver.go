// Package driver runs execution plans: items start in sequence order
// subject to dependency satisfaction, bounded by the plan's concurrency
// limit and pacing delay, with safety checks before, during, and after
// each external change. A halt signal stops the next item start but
// never preempts an in-flight change; rollback is a distinct signal.
//
// The driver is the sole writer of item and plan status transitions.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stackmesa/steward/pkg/audit"
	"github.com/stackmesa/steward/pkg/contracts"
	"github.com/stackmesa/steward/pkg/rollback"
	"github.com/stackmesa/steward/pkg/safety"
)

// RunReport summarizes one plan run. RollbackSignaled is set whenever a
// safety check raised the rollback flag, whether or not the driver acted
// on it; a host that keeps rollback manual reads it to decide.
type RunReport struct {
	PlanID           string                `json:"plan_id"`
	Status           contracts.PlanStatus  `json:"status"`
	Completed        int                   `json:"completed"`
	Failed           int                   `json:"failed"`
	Skipped          int                   `json:"skipped"`
	Halted           bool                  `json:"halted"`
	RollbackSignaled bool                  `json:"rollback_signaled"`
	CompletionOrder  []string              `json:"completion_order"`
	Rollback         *rollback.BatchResult `json:"rollback,omitempty"`
}

// Options configures a Driver.
type Options struct {
	// RollbackOnSignal makes the driver run a plan-level rollback when a
	// safety check raises ShouldRollback. Halt signals never trigger
	// rollback; stop and undo stay orthogonal.
	RollbackOnSignal bool
}

// Driver executes plans.
type Driver struct {
	applier  contracts.ChangeApplier
	metrics  contracts.MetricsSource
	guards   *safety.Engine
	rollback *rollback.Manager
	sink     audit.Sink
	opts     Options
	log      *logrus.Entry
	clock    func() time.Time

	runsMu sync.Mutex
	runs   map[string]*run

	itemsStarted   metric.Int64Counter
	itemsCompleted metric.Int64Counter
	itemsFailed    metric.Int64Counter
	plansFinished  metric.Int64Counter
}

// New creates a driver. The applier is required; metrics may be nil, in
// which case post-execution metric checks see empty snapshots.
func New(applier contracts.ChangeApplier, metricsSource contracts.MetricsSource, guards *safety.Engine, rb *rollback.Manager, sink audit.Sink, opts Options) (*Driver, error) {
	if applier == nil {
		return nil, fmt.Errorf("driver: change applier is required")
	}
	if guards == nil {
		return nil, fmt.Errorf("driver: safety engine is required")
	}
	if rb == nil {
		return nil, fmt.Errorf("driver: rollback manager is required")
	}
	if sink == nil {
		sink = audit.Nop{}
	}

	meter := otel.Meter("github.com/stackmesa/steward/pkg/driver")
	itemsStarted, _ := meter.Int64Counter("steward.items.started")
	itemsCompleted, _ := meter.Int64Counter("steward.items.completed")
	itemsFailed, _ := meter.Int64Counter("steward.items.failed")
	plansFinished, _ := meter.Int64Counter("steward.plans.finished")

	return &Driver{
		applier:        applier,
		metrics:        metricsSource,
		guards:         guards,
		rollback:       rb,
		sink:           sink,
		opts:           opts,
		log:            logrus.WithField("component", "driver"),
		clock:          time.Now,
		runs:           make(map[string]*run),
		itemsStarted:   itemsStarted,
		itemsCompleted: itemsCompleted,
		itemsFailed:    itemsFailed,
		plansFinished:  plansFinished,
	}, nil
}

// WithClock overrides the clock for tests.
func (d *Driver) WithClock(clock func() time.Time) *Driver {
	d.clock = clock
	return d
}

// run holds the mutable state of one plan execution.
type run struct {
	mu              sync.Mutex
	plan            *contracts.ExecutionPlan
	halt            bool
	haltReason      string
	rollbackSignal  bool
	completionOrder []string
	skipped         map[string]struct{} // item IDs that will never start
}

func (r *run) skip(itemID string) {
	r.mu.Lock()
	r.skipped[itemID] = struct{}{}
	r.mu.Unlock()
}

// Run executes a draft plan to completion, halt, or rollback. The context
// cancels future item starts, not in-flight changes.
func (d *Driver) Run(ctx context.Context, plan *contracts.ExecutionPlan) (*RunReport, error) {
	if plan.Status != contracts.PlanDraft {
		return nil, fmt.Errorf("driver: plan %s is %s, only draft plans can run", plan.ID, plan.Status)
	}

	now := d.clock().UTC()
	plan.Status = contracts.PlanRunning
	plan.StartedAt = &now

	event := audit.NewEvent(audit.EventExecution, "driver", "plan.started")
	event.PlanID = plan.ID
	event.Details = map[string]any{"items": len(plan.Items), "name": plan.Name}
	_ = d.sink.Record(ctx, event)
	d.log.WithFields(logrus.Fields{"plan": plan.ID, "items": len(plan.Items)}).Info("plan started")

	baseline := d.snapshot(ctx)

	r := &run{plan: plan, skipped: make(map[string]struct{})}
	d.runsMu.Lock()
	d.runs[plan.ID] = r
	d.runsMu.Unlock()
	defer func() {
		d.runsMu.Lock()
		delete(d.runs, plan.ID)
		d.runsMu.Unlock()
	}()

	d.dispatch(ctx, r, baseline)

	return d.finish(ctx, r), nil
}

// dispatch starts items strictly in sequence order: the next item waits
// for its dependencies, a free slot, and the pacing delay. Item order in
// the plan is already sequence-sorted by the planner.
func (d *Driver) dispatch(ctx context.Context, r *run, baseline map[string]float64) {
	cfg := r.plan.Config
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	slots := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var lastStart time.Time

	for i := range r.plan.Items {
		item := &r.plan.Items[i]

		if !d.awaitDependencies(ctx, r, item) {
			r.skip(item.ID)
			continue
		}

		slots <- struct{}{}

		// The halt check happens after the slot acquisition so a signal
		// raised by the item currently holding the slot is seen before
		// the next start.
		r.mu.Lock()
		halted := r.halt
		r.mu.Unlock()
		if halted || ctx.Err() != nil {
			<-slots
			r.skip(item.ID)
			continue
		}

		// Pacing bounds blast radius: monitoring gets a window between
		// consecutive starts.
		if !lastStart.IsZero() {
			if wait := cfg.DelayBetween - d.clock().Sub(lastStart); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
		}
		lastStart = d.clock()

		wg.Add(1)
		go func(item *contracts.ExecutionItem) {
			defer wg.Done()
			defer func() { <-slots }()
			d.runItem(ctx, r, item, baseline)
		}(item)
	}
	wg.Wait()
}

// awaitDependencies blocks until every dependency of the item has
// finished, then reports whether all of them completed. A failed or
// rolled-back dependency makes the item unrunnable.
func (d *Driver) awaitDependencies(ctx context.Context, r *run, item *contracts.ExecutionItem) bool {
	for {
		satisfied, runnable := d.dependencyState(r, item)
		if !runnable {
			return false
		}
		if satisfied {
			return true
		}
		r.mu.Lock()
		halted := r.halt
		r.mu.Unlock()
		if halted || ctx.Err() != nil {
			return false
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
}

func (d *Driver) dependencyState(r *run, item *contracts.ExecutionItem) (satisfied, runnable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	satisfied = true
	for _, depID := range item.Dependencies {
		dep := r.plan.Item(depID)
		if dep == nil {
			return false, false
		}
		switch dep.Status {
		case contracts.ItemCompleted:
		case contracts.ItemFailed, contracts.ItemRolledBack:
			return false, false
		default:
			// A skipped dependency never finishes; waiting on it would
			// spin forever, so unrunnability is transitive.
			if _, depSkipped := r.skipped[dep.ID]; depSkipped {
				return false, false
			}
			satisfied = false
		}
	}
	return satisfied, true
}

// runItem drives one item through the phase pipeline:
// pre-check, apply, during-check, post-check.
func (d *Driver) runItem(ctx context.Context, r *run, item *contracts.ExecutionItem, baseline map[string]float64) {
	pre := d.guards.RunPreExecutionChecks(ctx, r.plan, item)
	if !pre.Passed {
		d.failItem(ctx, r, item, firstFailure(pre))
		d.raiseSignals(r, pre, "pre-execution")
		return
	}

	d.markRunning(ctx, r, item)
	d.itemsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_id", r.plan.ID)))

	// The rollback plan is built before the change lands so compensation
	// never depends on post-failure state.
	d.rollback.CreateRollbackPlan(item)

	for _, change := range item.Changes {
		if err := d.applier.Apply(ctx, change); err != nil {
			d.failItem(ctx, r, item, fmt.Sprintf("apply %s on %s: %v", change.Type, change.Target, err))
			return
		}
	}

	during := d.guards.RunDuringExecutionChecks(ctx, r.plan, item, d.statusCounts(r))
	d.raiseSignals(r, during, "during-execution")
	if !during.Passed {
		d.failItem(ctx, r, item, firstFailure(during))
		return
	}

	post := d.guards.RunPostExecutionChecks(ctx, r.plan, item, d.statusCounts(r), baseline, d.snapshot(ctx))
	d.raiseSignals(r, post, "post-execution")
	if !post.Passed {
		d.failItem(ctx, r, item, firstFailure(post))
		return
	}

	d.completeItem(ctx, r, item)
}

// statusCounts snapshots item status counts under the run lock so safety
// checks never read statuses that other item goroutines are writing.
func (d *Driver) statusCounts(r *run) map[contracts.ItemStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan.StatusCounts()
}

func (d *Driver) markRunning(ctx context.Context, r *run, item *contracts.ExecutionItem) {
	now := d.clock().UTC()
	r.mu.Lock()
	item.Status = contracts.ItemRunning
	item.StartedAt = &now
	r.mu.Unlock()

	event := audit.NewEvent(audit.EventExecution, "driver", "item.started")
	event.PlanID = r.plan.ID
	event.ItemID = item.ID
	_ = d.sink.Record(ctx, event)
}

func (d *Driver) completeItem(ctx context.Context, r *run, item *contracts.ExecutionItem) {
	now := d.clock().UTC()
	r.mu.Lock()
	item.Status = contracts.ItemCompleted
	item.FinishedAt = &now
	r.completionOrder = append(r.completionOrder, item.ID)
	r.mu.Unlock()

	d.itemsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_id", r.plan.ID)))
	event := audit.NewEvent(audit.EventExecution, "driver", "item.completed")
	event.PlanID = r.plan.ID
	event.ItemID = item.ID
	_ = d.sink.Record(ctx, event)
	d.log.WithFields(logrus.Fields{"plan": r.plan.ID, "item": item.ID}).Info("item completed")
}

func (d *Driver) failItem(ctx context.Context, r *run, item *contracts.ExecutionItem, reason string) {
	now := d.clock().UTC()
	r.mu.Lock()
	item.Status = contracts.ItemFailed
	item.FinishedAt = &now
	item.Error = reason
	r.mu.Unlock()

	d.itemsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_id", r.plan.ID)))
	event := audit.NewEvent(audit.EventExecution, "driver", "item.failed")
	event.PlanID = r.plan.ID
	event.ItemID = item.ID
	event.Details = map[string]any{"reason": reason}
	_ = d.sink.Record(ctx, event)
	d.log.WithFields(logrus.Fields{"plan": r.plan.ID, "item": item.ID, "reason": reason}).Warn("item failed")
}

// raiseSignals latches halt and rollback flags from a check aggregate.
func (d *Driver) raiseSignals(r *run, agg safety.Aggregate, phase string) {
	if !agg.ShouldHalt && !agg.ShouldRollback {
		return
	}
	r.mu.Lock()
	if agg.ShouldHalt && !r.halt {
		r.halt = true
		r.haltReason = fmt.Sprintf("%s check raised halt: %s", phase, firstFailure(agg))
	}
	if agg.ShouldRollback {
		r.rollbackSignal = true
	}
	r.mu.Unlock()
}

// Halt requests a stop of a running plan from outside: no further items
// start. In-flight items finish; nothing is rolled back. Returns false
// when no run with that plan ID is active.
func (d *Driver) Halt(planID, reason string) bool {
	d.runsMu.Lock()
	r, ok := d.runs[planID]
	d.runsMu.Unlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.halt {
		r.halt = true
		r.haltReason = reason
	}
	return true
}

func (d *Driver) finish(ctx context.Context, r *run) *RunReport {
	r.mu.Lock()
	halted := r.halt
	haltReason := r.haltReason
	rollbackSignal := r.rollbackSignal
	order := append([]string(nil), r.completionOrder...)
	skipped := len(r.skipped)
	r.mu.Unlock()

	report := &RunReport{
		PlanID:           r.plan.ID,
		Completed:        r.plan.CountByStatus(contracts.ItemCompleted),
		Failed:           r.plan.CountByStatus(contracts.ItemFailed),
		Skipped:          skipped,
		Halted:           halted,
		RollbackSignaled: rollbackSignal,
		CompletionOrder:  order,
	}

	switch {
	case rollbackSignal && d.opts.RollbackOnSignal:
		batch := d.rollback.RollbackPlanItems(ctx, r.plan, nil)
		report.Rollback = &batch
		for _, id := range batch.RolledBackIDs {
			if item := r.plan.Item(id); item != nil {
				item.Status = contracts.ItemRolledBack
			}
		}
		r.plan.Status = contracts.PlanRolledBack
	case halted:
		r.plan.Status = contracts.PlanHalted
	default:
		r.plan.Status = contracts.PlanCompleted
	}
	report.Status = r.plan.Status

	d.plansFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(r.plan.Status))))
	event := audit.NewEvent(audit.EventExecution, "driver", "plan.finished")
	event.PlanID = r.plan.ID
	event.Details = map[string]any{
		"status":            r.plan.Status,
		"completed":         report.Completed,
		"failed":            report.Failed,
		"skipped":           report.Skipped,
		"halt_reason":       haltReason,
		"rollback_signaled": rollbackSignal,
	}
	_ = d.sink.Record(ctx, event)
	d.log.WithFields(logrus.Fields{"plan": r.plan.ID, "status": r.plan.Status}).Info("plan finished")
	return report
}

func (d *Driver) snapshot(ctx context.Context) map[string]float64 {
	if d.metrics == nil {
		return nil
	}
	snap, err := d.metrics.Snapshot(ctx)
	if err != nil {
		d.log.WithError(err).Warn("metrics snapshot failed")
		return nil
	}
	return snap
}

func firstFailure(agg safety.Aggregate) string {
	for _, res := range agg.Results {
		if !res.Passed {
			return res.Message
		}
	}
	return "safety check failed"
}
