// Package governor evaluates systemic health signals (cost, error rate,
// incident severity, backlog) against configurable rules and produces
// BLOCK/THROTTLE restrictions with cooldowns. It is the platform-level
// circuit breaker above individual plans.
package governor

import (
	"time"
)

// Comparison is a threshold operator.
type Comparison string

const (
	OpGT  Comparison = "gt"
	OpGTE Comparison = "gte"
	OpLT  Comparison = "lt"
	OpLTE Comparison = "lte"
	OpEQ  Comparison = "eq"
	OpNEQ Comparison = "neq"
)

// Condition compares one numeric context field against a threshold.
type Condition struct {
	Field string     `json:"field" yaml:"field"`
	Op    Comparison `json:"op" yaml:"op"`
	Value float64    `json:"value" yaml:"value"`
}

// ActionType is what a fired rule does to the platform.
type ActionType string

const (
	ActionBlock    ActionType = "BLOCK"
	ActionThrottle ActionType = "THROTTLE"
	ActionRestrict ActionType = "RESTRICT_FEATURE"
)

// Action is one consequence of a fired rule. Feature scopes BLOCK and
// RESTRICT_FEATURE actions; an empty feature restricts the whole system.
type Action struct {
	Type    ActionType `json:"type" yaml:"type"`
	Feature string     `json:"feature,omitempty" yaml:"feature,omitempty"`
}

// Rule describes one governor rule. Conditions are ANDed. Expression, if
// set, is a CEL expression over the signal map and replaces Conditions;
// it must evaluate to a boolean.
type Rule struct {
	ID          string        `json:"id" yaml:"id"`
	Description string        `json:"description" yaml:"description"`
	Conditions  []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expression  string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	Actions     []Action      `json:"actions" yaml:"actions"`
	Priority    int           `json:"priority" yaml:"priority"`
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Context is the signal snapshot one evaluation tick sees. Enum signals
// (e.g. incident severity) are mapped to numbers by the caller.
type Context map[string]float64

// Restriction is an active consequence keyed by rule and feature.
type Restriction struct {
	RuleID    string     `json:"rule_id"`
	Feature   string     `json:"feature,omitempty"`
	Type      ActionType `json:"type"`
	Reason    string     `json:"reason"`
	AppliedAt time.Time  `json:"applied_at"`
}

// Decision is the audit record of one fired (or errored) rule.
type Decision struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RuleID    string    `json:"rule_id"`
	Decision  string    `json:"decision"`
	Actions   []Action  `json:"actions"`
	Reason    string    `json:"reason,omitempty"`
}

// DefaultRules returns the production rule set: cost ceiling, error-rate
// spike, critical incident, and backlog depth.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "cost-ceiling",
			Description: "block autonomous execution when daily cost exceeds the ceiling",
			Conditions:  []Condition{{Field: "daily_cost_usd", Op: OpGT, Value: 500}},
			Actions:     []Action{{Type: ActionBlock, Feature: "autonomous_execution"}},
			Priority:    10,
			Cooldown:    30 * time.Minute,
		},
		{
			ID:          "error-rate-spike",
			Description: "throttle when platform error rate exceeds 5%",
			Conditions:  []Condition{{Field: "error_rate", Op: OpGT, Value: 0.05}},
			Actions:     []Action{{Type: ActionThrottle, Feature: "autonomous_execution"}},
			Priority:    20,
			Cooldown:    10 * time.Minute,
		},
		{
			ID:          "critical-incident",
			Description: "block everything during a critical incident",
			Conditions:  []Condition{{Field: "incident_severity", Op: OpGTE, Value: 3}},
			Actions:     []Action{{Type: ActionBlock}},
			Priority:    5,
			Cooldown:    time.Hour,
		},
		{
			ID:          "backlog-depth",
			Description: "throttle proposal intake when the execution backlog is deep",
			Expression:  `signals.backlog_depth > 200.0 && signals.error_rate > 0.01`,
			Actions:     []Action{{Type: ActionThrottle, Feature: "proposal_intake"}},
			Priority:    30,
			Cooldown:    15 * time.Minute,
		},
	}
}

// evaluate reports whether the condition holds for the context value.
// Absent fields read as zero.
func (c Condition) evaluate(ctx Context) bool {
	v := ctx[c.Field]
	switch c.Op {
	case OpGT:
		return v > c.Value
	case OpGTE:
		return v >= c.Value
	case OpLT:
		return v < c.Value
	case OpLTE:
		return v <= c.Value
	case OpEQ:
		return v == c.Value
	case OpNEQ:
		return v != c.Value
	default:
		return false
	}
}
