package governor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stackmesa/steward/pkg/audit"
)

// Governor evaluates rules against health signals on each tick and keeps
// the resulting restrictions until an admin lifts them or resets the
// system. Rule evaluation errors fire the rule: an unreadable health
// signal is treated as an unhealthy one.
type Governor struct {
	mu           sync.RWMutex
	rules        []Rule
	cel          *celEvaluator
	lastFired    map[string]time.Time
	restrictions map[string]Restriction // restrictionKey -> active restriction
	trail        []Decision
	sink         audit.Sink
	log          *logrus.Entry
	clock        func() time.Time
}

// New creates a governor with the given rules, ordered by priority
// ascending (lower value fires first).
func New(rules []Rule, sink audit.Sink) (*Governor, error) {
	if sink == nil {
		sink = audit.Nop{}
	}
	evaluator, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	return &Governor{
		rules:        sorted,
		cel:          evaluator,
		lastFired:    make(map[string]time.Time),
		restrictions: make(map[string]Restriction),
		trail:        make([]Decision, 0),
		sink:         sink,
		log:          logrus.WithField("component", "governor"),
		clock:        time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// EvaluateRules runs one tick. Rules whose conditions are all satisfied
// and whose cooldown has elapsed fire, producing restrictions and audit
// entries.
func (g *Governor) EvaluateRules(ctx context.Context, signals Context) []Decision {
	now := g.clock().UTC()
	var decisions []Decision

	g.mu.Lock()
	rules := g.rules
	g.mu.Unlock()

	for _, rule := range rules {
		g.mu.RLock()
		last, fired := g.lastFired[rule.ID]
		g.mu.RUnlock()
		if fired && now.Sub(last) < rule.Cooldown {
			continue
		}

		satisfied, evalErr := g.ruleSatisfied(rule, signals)
		if evalErr != nil {
			// Fail closed: a rule we cannot evaluate restricts as if it
			// had fired, and the error is recorded for the operator.
			g.log.WithError(evalErr).WithField("rule", rule.ID).Error("rule evaluation failed; firing fail-closed")
			satisfied = true
		}
		if !satisfied {
			continue
		}

		decision := Decision{
			ID:        uuid.New().String(),
			Timestamp: now,
			RuleID:    rule.ID,
			Decision:  "fired",
			Actions:   rule.Actions,
			Reason:    rule.Description,
		}
		if evalErr != nil {
			decision.Decision = "fired_on_error"
			decision.Reason = evalErr.Error()
		}

		g.mu.Lock()
		g.lastFired[rule.ID] = now
		for _, action := range rule.Actions {
			key := restrictionKey(rule.ID, action.Feature)
			g.restrictions[key] = Restriction{
				RuleID:    rule.ID,
				Feature:   action.Feature,
				Type:      action.Type,
				Reason:    decision.Reason,
				AppliedAt: now,
			}
		}
		g.trail = append(g.trail, decision)
		g.mu.Unlock()

		event := audit.NewEvent(audit.EventRuleFired, "governor", "governor.rule_fired")
		event.ID = decision.ID
		event.Target = rule.ID
		event.Details = map[string]any{"decision": decision.Decision, "actions": rule.Actions, "reason": decision.Reason}
		_ = g.sink.Record(ctx, event)
		g.log.WithFields(logrus.Fields{"rule": rule.ID, "actions": len(rule.Actions)}).Warn("governor rule fired")

		decisions = append(decisions, decision)
	}
	return decisions
}

func (g *Governor) ruleSatisfied(rule Rule, signals Context) (bool, error) {
	if rule.Expression != "" {
		return g.cel.eval(rule.Expression, signals)
	}
	if len(rule.Conditions) == 0 {
		return false, nil
	}
	for _, cond := range rule.Conditions {
		if !cond.evaluate(signals) {
			return false, nil
		}
	}
	return true, nil
}

// ActiveRestrictions returns the current restrictions.
func (g *Governor) ActiveRestrictions() []Restriction {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Restriction, 0, len(g.restrictions))
	for _, r := range g.restrictions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out
}

// IsSystemRestricted reports whether the feature is currently blocked or
// throttled. A system-wide restriction (empty feature) restricts every
// feature.
func (g *Governor) IsSystemRestricted(feature string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.restrictions {
		if r.Feature == "" || r.Feature == feature {
			return true
		}
	}
	return false
}

// AuditTrail returns a copy of the decision history.
func (g *Governor) AuditTrail() []Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Decision, len(g.trail))
	copy(out, g.trail)
	return out
}

// OverrideDecision lifts the restrictions applied by the identified
// decision. The escape hatch itself is audited.
func (g *Governor) OverrideDecision(ctx context.Context, decisionID, admin string) error {
	g.mu.Lock()
	var target *Decision
	for i := range g.trail {
		if g.trail[i].ID == decisionID {
			target = &g.trail[i]
			break
		}
	}
	if target == nil {
		g.mu.Unlock()
		return fmt.Errorf("governor: decision %s not found", decisionID)
	}
	for _, action := range target.Actions {
		delete(g.restrictions, restrictionKey(target.RuleID, action.Feature))
	}
	g.mu.Unlock()

	event := audit.NewEvent(audit.EventRuleFired, admin, "governor.override_decision")
	event.Target = decisionID
	event.Details = map[string]any{"rule_id": target.RuleID}
	_ = g.sink.Record(ctx, event)
	g.log.WithFields(logrus.Fields{"decision": decisionID, "admin": admin}).Info("governor decision overridden")
	return nil
}

// ResetAllRestrictions clears every restriction and cooldown. Audited.
func (g *Governor) ResetAllRestrictions(ctx context.Context, admin string) {
	g.mu.Lock()
	count := len(g.restrictions)
	g.restrictions = make(map[string]Restriction)
	g.lastFired = make(map[string]time.Time)
	g.mu.Unlock()

	event := audit.NewEvent(audit.EventRuleFired, admin, "governor.reset_all")
	event.Details = map[string]any{"cleared": count}
	_ = g.sink.Record(ctx, event)
	g.log.WithFields(logrus.Fields{"cleared": count, "admin": admin}).Warn("all governor restrictions reset")
}

func restrictionKey(ruleID, feature string) string {
	return ruleID + "|" + feature
}
