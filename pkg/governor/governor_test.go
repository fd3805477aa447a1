package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmesa/steward/pkg/audit"
)

func newTestGovernor(t *testing.T, rules []Rule) (*Governor, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, err := New(rules, nil)
	require.NoError(t, err)
	g.WithClock(func() time.Time { return now })
	return g, &now
}

func TestRuleFiresAndRestricts(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())

	decisions := g.EvaluateRules(context.Background(), Context{"daily_cost_usd": 750})

	require.Len(t, decisions, 1)
	assert.Equal(t, "cost-ceiling", decisions[0].RuleID)
	assert.Equal(t, "fired", decisions[0].Decision)

	restrictions := g.ActiveRestrictions()
	require.Len(t, restrictions, 1)
	assert.Equal(t, ActionBlock, restrictions[0].Type)
	assert.True(t, g.IsSystemRestricted("autonomous_execution"))
	assert.False(t, g.IsSystemRestricted("proposal_intake"))
}

func TestSystemWideRestriction(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())

	g.EvaluateRules(context.Background(), Context{"incident_severity": 3})

	// An empty-feature restriction covers everything.
	assert.True(t, g.IsSystemRestricted("autonomous_execution"))
	assert.True(t, g.IsSystemRestricted("anything_else"))
}

func TestCooldownSuppressesRefire(t *testing.T) {
	g, now := newTestGovernor(t, DefaultRules())
	ctx := context.Background()
	signals := Context{"daily_cost_usd": 750}

	first := g.EvaluateRules(ctx, signals)
	require.Len(t, first, 1)

	*now = now.Add(5 * time.Minute)
	second := g.EvaluateRules(ctx, signals)
	assert.Empty(t, second, "cooldown of 30m has not elapsed")

	*now = now.Add(31 * time.Minute)
	third := g.EvaluateRules(ctx, signals)
	require.Len(t, third, 1)
	assert.Equal(t, "cost-ceiling", third[0].RuleID)
}

func TestConditionsAreConjunctive(t *testing.T) {
	rule := Rule{
		ID: "multi",
		Conditions: []Condition{
			{Field: "error_rate", Op: OpGT, Value: 0.05},
			{Field: "backlog_depth", Op: OpGTE, Value: 100},
		},
		Actions: []Action{{Type: ActionThrottle, Feature: "intake"}},
	}
	g, _ := newTestGovernor(t, []Rule{rule})
	ctx := context.Background()

	assert.Empty(t, g.EvaluateRules(ctx, Context{"error_rate": 0.1}))
	assert.Len(t, g.EvaluateRules(ctx, Context{"error_rate": 0.1, "backlog_depth": 150}), 1)
}

func TestCELExpressionRule(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())
	ctx := context.Background()

	quiet := g.EvaluateRules(ctx, Context{"backlog_depth": 300, "error_rate": 0.001})
	assert.Empty(t, quiet, "both terms of the expression must hold")

	fired := g.EvaluateRules(ctx, Context{"backlog_depth": 300, "error_rate": 0.02})
	require.Len(t, fired, 1)
	assert.Equal(t, "backlog-depth", fired[0].RuleID)
	assert.True(t, g.IsSystemRestricted("proposal_intake"))
}

func TestExpressionAbsentSignalsReadAsZero(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())
	ctx := context.Background()

	// A tick that reports only cost omits the backlog signals entirely;
	// the expression rule must stay quiet, not error and fire.
	quiet := g.EvaluateRules(ctx, Context{"daily_cost_usd": 100})
	assert.Empty(t, quiet)
	assert.False(t, g.IsSystemRestricted("proposal_intake"))

	// One present term is not enough: the absent one compares as zero,
	// exactly like a threshold condition on a missing field.
	partial := g.EvaluateRules(ctx, Context{"backlog_depth": 300})
	assert.Empty(t, partial)
	assert.Empty(t, g.ActiveRestrictions())
}

func TestUnevaluableRuleFiresFailClosed(t *testing.T) {
	rule := Rule{
		ID:         "broken",
		Expression: `signals.error_rate >`,
		Actions:    []Action{{Type: ActionBlock}},
	}
	g, _ := newTestGovernor(t, []Rule{rule})

	decisions := g.EvaluateRules(context.Background(), Context{})

	require.Len(t, decisions, 1)
	assert.Equal(t, "fired_on_error", decisions[0].Decision)
	assert.True(t, g.IsSystemRestricted("anything"))
}

func TestPriorityOrdersEvaluation(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())

	decisions := g.EvaluateRules(context.Background(), Context{
		"daily_cost_usd":    750,
		"incident_severity": 3,
	})

	require.Len(t, decisions, 2)
	assert.Equal(t, "critical-incident", decisions[0].RuleID, "priority 5 fires before priority 10")
	assert.Equal(t, "cost-ceiling", decisions[1].RuleID)
}

func TestOverrideDecisionLiftsRestriction(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())
	ctx := context.Background()

	decisions := g.EvaluateRules(ctx, Context{"daily_cost_usd": 750})
	require.Len(t, decisions, 1)
	require.True(t, g.IsSystemRestricted("autonomous_execution"))

	require.NoError(t, g.OverrideDecision(ctx, decisions[0].ID, "admin-1"))
	assert.False(t, g.IsSystemRestricted("autonomous_execution"))

	assert.ErrorContains(t, g.OverrideDecision(ctx, "nope", "admin-1"), "not found")
}

func TestResetAllRestrictions(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultRules())
	ctx := context.Background()
	signals := Context{"daily_cost_usd": 750}

	require.Len(t, g.EvaluateRules(ctx, signals), 1)
	g.ResetAllRestrictions(ctx, "admin-1")

	assert.Empty(t, g.ActiveRestrictions())
	// Cooldowns are cleared too, so the rule may fire again immediately.
	assert.Len(t, g.EvaluateRules(ctx, signals), 1)
}

func TestAuditTrailAccumulates(t *testing.T) {
	sink := audit.NewChainLog()
	g, err := New(DefaultRules(), sink)
	require.NoError(t, err)

	g.EvaluateRules(context.Background(), Context{"daily_cost_usd": 750, "incident_severity": 3})

	trail := g.AuditTrail()
	assert.Len(t, trail, 2)
	assert.Equal(t, 2, sink.Len())
}

func TestConditionOperators(t *testing.T) {
	cases := []struct {
		op   Comparison
		v    float64
		want bool
	}{
		{OpGT, 11, true}, {OpGT, 10, false},
		{OpGTE, 10, true}, {OpGTE, 9, false},
		{OpLT, 9, true}, {OpLT, 10, false},
		{OpLTE, 10, true}, {OpLTE, 11, false},
		{OpEQ, 10, true}, {OpEQ, 9, false},
		{OpNEQ, 9, true}, {OpNEQ, 10, false},
	}
	for _, tc := range cases {
		cond := Condition{Field: "x", Op: tc.op, Value: 10}
		assert.Equal(t, tc.want, cond.evaluate(Context{"x": tc.v}), "%s %v", tc.op, tc.v)
	}
	// Unknown operators never match.
	assert.False(t, Condition{Field: "x", Op: "like", Value: 10}.evaluate(Context{"x": 10}))
}
