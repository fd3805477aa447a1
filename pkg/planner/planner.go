// Package planner expands approved proposals into ordered,
// dependency-aware execution plans. The planner is the sole writer of
// plan and item creation; runtime status transitions belong to the
// driver.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stackmesa/steward/pkg/contracts"
)

// ValidationError reports malformed plan input. It is returned before any
// mutation and is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %s: %s", e.Field, e.Reason)
}

// Forecaster predicts the risk of a proposal before execution. Optional;
// without one, items carry no forecast and the risk pre-check treats them
// by change count heuristics in the safety engine.
type Forecaster interface {
	Forecast(proposal contracts.Proposal) *contracts.Forecast
}

// Planner builds execution plans.
type Planner struct {
	defaults   contracts.PlanConfig
	forecaster Forecaster
	clock      func() time.Time
}

// Option customizes a Planner.
type Option func(*Planner)

// WithForecaster attaches a risk forecaster.
func WithForecaster(f Forecaster) Option {
	return func(p *Planner) { p.forecaster = f }
}

// WithDefaults overrides the seed config. Zero fields keep the package
// default so a plan never runs without a safety net.
func WithDefaults(cfg contracts.PlanConfig) Option {
	return func(p *Planner) { p.defaults = mergeConfig(cfg) }
}

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Planner) { p.clock = clock }
}

// New creates a planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		defaults: contracts.DefaultPlanConfig(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreatePlan expands the proposals into a draft plan: priority-ordered
// items with strictly increasing sequence, resolved dependencies, and a
// fully-seeded threshold config.
func (p *Planner) CreatePlan(name string, proposals []contracts.Proposal) (*contracts.ExecutionPlan, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(proposals) == 0 {
		return nil, &ValidationError{Field: "proposals", Reason: "must not be empty"}
	}

	byID := make(map[string]contracts.Proposal, len(proposals))
	for _, prop := range proposals {
		if prop.ID == "" {
			return nil, &ValidationError{Field: "proposal.id", Reason: "must not be empty"}
		}
		if _, dup := byID[prop.ID]; dup {
			return nil, &ValidationError{Field: "proposal.id", Reason: fmt.Sprintf("duplicate proposal %s", prop.ID)}
		}
		for _, change := range prop.Changes {
			if !change.Type.Valid() {
				return nil, &ValidationError{Field: "change.type", Reason: fmt.Sprintf("unknown change type %q in proposal %s", change.Type, prop.ID)}
			}
		}
		byID[prop.ID] = prop
	}
	for _, prop := range proposals {
		for _, dep := range prop.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &ValidationError{Field: "proposal.depends_on", Reason: fmt.Sprintf("proposal %s depends on unknown proposal %s", prop.ID, dep)}
			}
		}
	}

	ordered, err := topoOrder(proposals)
	if err != nil {
		return nil, err
	}

	// Within dependency constraints, higher-priority proposals run first.
	// topoOrder already breaks ties by priority, so sequencing is a
	// straight enumeration.
	itemIDByProposal := make(map[string]string, len(ordered))
	items := make([]contracts.ExecutionItem, 0, len(ordered))
	for seq, prop := range ordered {
		item := contracts.ExecutionItem{
			ID:           uuid.New().String(),
			ProposalID:   prop.ID,
			ProposalType: prop.Type,
			Status:       contracts.ItemPending,
			Priority:     prop.Priority,
			Sequence:     seq + 1,
			Changes:      append([]contracts.Change(nil), prop.Changes...),
		}
		if p.forecaster != nil {
			item.Forecast = p.forecaster.Forecast(prop)
		}
		itemIDByProposal[prop.ID] = item.ID
		items = append(items, item)
	}
	// Dependencies are re-keyed from proposal IDs to item IDs.
	for i := range items {
		prop := byID[items[i].ProposalID]
		for _, dep := range prop.DependsOn {
			items[i].Dependencies = append(items[i].Dependencies, itemIDByProposal[dep])
		}
	}

	return &contracts.ExecutionPlan{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    contracts.PlanDraft,
		Items:     items,
		Config:    p.defaults,
		CreatedAt: p.clock().UTC(),
	}, nil
}

// topoOrder returns proposals in dependency order (Kahn), breaking ties
// by priority descending then ID for determinism. Cycles are an error.
func topoOrder(proposals []contracts.Proposal) ([]contracts.Proposal, error) {
	byID := make(map[string]contracts.Proposal, len(proposals))
	indegree := make(map[string]int, len(proposals))
	dependents := make(map[string][]string, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
		indegree[p.ID] = len(p.DependsOn)
		for _, dep := range p.DependsOn {
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	ready := make([]string, 0, len(proposals))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]contracts.Proposal, 0, len(proposals))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := byID[ready[i]], byID[ready[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(ordered) != len(proposals) {
		return nil, &ValidationError{Field: "proposal.depends_on", Reason: "dependency cycle detected"}
	}
	return ordered, nil
}

func mergeConfig(cfg contracts.PlanConfig) contracts.PlanConfig {
	def := contracts.DefaultPlanConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DelayBetween <= 0 {
		cfg.DelayBetween = def.DelayBetween
	}
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = def.MaxRiskScore
	}
	if cfg.MaxAffectedContent <= 0 {
		cfg.MaxAffectedContent = def.MaxAffectedContent
	}
	if cfg.RollbackOnErrorRate <= 0 {
		cfg.RollbackOnErrorRate = def.RollbackOnErrorRate
	}
	if cfg.RollbackOnMetricDrop <= 0 {
		cfg.RollbackOnMetricDrop = def.RollbackOnMetricDrop
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return cfg
}
