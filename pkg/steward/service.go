// Package steward wires the control plane into one service object: the
// decision gate, override registry, governor, planner, safety engine,
// rollback manager, and execution driver, all sharing one audit trail.
// There are no package-level singletons; every dependency is injected
// through Options.
package steward

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stackmesa/steward/pkg/audit"
	"github.com/stackmesa/steward/pkg/contracts"
	"github.com/stackmesa/steward/pkg/driver"
	"github.com/stackmesa/steward/pkg/gate"
	"github.com/stackmesa/steward/pkg/governor"
	"github.com/stackmesa/steward/pkg/override"
	"github.com/stackmesa/steward/pkg/planner"
	"github.com/stackmesa/steward/pkg/rollback"
	"github.com/stackmesa/steward/pkg/safety"
)

// Options configures a Service. Applier is required; everything else has
// a safe default.
type Options struct {
	Applier contracts.ChangeApplier
	Metrics contracts.MetricsSource

	GatePolicy     *gate.Policy
	Permissions    gate.PermissionSource
	Limiter        gate.LimiterStore
	OverridePolicy *override.Policy
	GovernorRules  []governor.Rule
	PlanDefaults   *contracts.PlanConfig
	Forecaster     planner.Forecaster

	// ExtraSinks receive every audit event alongside the built-in
	// hash-chained log (durable stores, timelines).
	ExtraSinks []audit.Sink

	// RollbackOnSignal lets the driver run plan-level rollback when a
	// safety check raises the rollback flag.
	RollbackOnSignal bool

	Clock func() time.Time
}

// Service is the assembled control plane.
type Service struct {
	Gate      *gate.Gate
	Overrides *override.Registry
	Governor  *governor.Governor
	Planner   *planner.Planner
	Safety    *safety.Engine
	Rollback  *rollback.Manager
	Driver    *driver.Driver

	Chain    *audit.ChainLog
	Timeline *audit.Timeline
	Sink     audit.Sink

	limiter gate.LimiterStore
	log     *logrus.Entry
}

// New assembles a service from options.
func New(opts Options) (*Service, error) {
	if opts.Applier == nil {
		return nil, fmt.Errorf("steward: change applier is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	chain := audit.NewChainLog()
	timeline := audit.NewTimeline()
	sinks := append([]audit.Sink{chain, timeline}, opts.ExtraSinks...)
	sink := audit.NewMulti(sinks...)

	gatePolicy := gate.DefaultPolicy()
	if opts.GatePolicy != nil {
		gatePolicy = *opts.GatePolicy
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = gate.NewMemoryLimiterStore()
	}
	g := gate.New(gatePolicy, opts.Permissions, limiter, sink).WithClock(clock)

	overridePolicy := override.DefaultPolicy()
	if opts.OverridePolicy != nil {
		overridePolicy = *opts.OverridePolicy
	}
	overrides := override.NewRegistry(overridePolicy, sink).WithClock(clock)

	rules := opts.GovernorRules
	if rules == nil {
		rules = governor.DefaultRules()
	}
	gov, err := governor.New(rules, sink)
	if err != nil {
		return nil, fmt.Errorf("steward: governor: %w", err)
	}
	gov.WithClock(clock)

	plannerOpts := []planner.Option{planner.WithClock(clock)}
	if opts.PlanDefaults != nil {
		plannerOpts = append(plannerOpts, planner.WithDefaults(*opts.PlanDefaults))
	}
	if opts.Forecaster != nil {
		plannerOpts = append(plannerOpts, planner.WithForecaster(opts.Forecaster))
	}
	plan := planner.New(plannerOpts...)

	guards := safety.NewEngine(sink).WithClock(clock)
	rb := rollback.NewManager(opts.Applier, sink).WithClock(clock)

	drv, err := driver.New(opts.Applier, opts.Metrics, guards, rb, sink, driver.Options{
		RollbackOnSignal: opts.RollbackOnSignal,
	})
	if err != nil {
		return nil, fmt.Errorf("steward: driver: %w", err)
	}
	drv.WithClock(clock)

	return &Service{
		Gate:      g,
		Overrides: overrides,
		Governor:  gov,
		Planner:   plan,
		Safety:    guards,
		Rollback:  rb,
		Driver:    drv,
		Chain:     chain,
		Timeline:  timeline,
		Sink:      sink,
		limiter:   limiter,
		log:       logrus.WithField("component", "steward"),
	}, nil
}

// Execute gates, plans, and runs a batch of proposals for one actor in a
// single call. The gate decision is returned alongside the run report;
// a non-ALLOW decision stops before planning.
func (s *Service) Execute(ctx context.Context, actor gate.Actor, name string, proposals []contracts.Proposal) (contracts.Decision, *driver.RunReport, error) {
	decision := s.Gate.AssertAllowed(ctx, gate.Request{
		Actor:    actor,
		Action:   "plan.execute",
		Resource: name,
	})
	if decision.Outcome != contracts.OutcomeAllow {
		return decision, nil, nil
	}
	if s.Governor.IsSystemRestricted("autonomous_execution") {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = "governor restriction active"
		return decision, nil, nil
	}

	plan, err := s.Planner.CreatePlan(name, proposals)
	if err != nil {
		return decision, nil, err
	}
	report, err := s.Driver.Run(ctx, plan)
	return decision, report, err
}

// Reset clears all runtime state: limiter counters, governor
// restrictions, rollback plans, overrides, and the audit chain and
// timeline. For tests and drills.
func (s *Service) Reset(ctx context.Context) {
	if resettable, ok := s.limiter.(interface{ Reset() }); ok {
		resettable.Reset()
	}
	s.Governor.ResetAllRestrictions(ctx, "steward.reset")
	s.Rollback.Clear()
	s.Overrides.Reset()
	s.Chain.Reset()
	s.Timeline.Reset()
	s.log.Info("runtime state reset")
}

// Close tears down owned resources.
func (s *Service) Close() error {
	switch closer := s.limiter.(type) {
	case interface{ Close() error }:
		return closer.Close()
	case interface{ Close() }:
		closer.Close()
	}
	return nil
}
