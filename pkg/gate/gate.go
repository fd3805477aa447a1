// Package gate implements the decision gate: the authorization checkpoint
// every autonomous action passes before execution. The gate is fail-closed
// throughout — a missing permission table, an erroring lookup, or an
// unconfigured limiter store all deny rather than allow.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stackmesa/steward/pkg/audit"
	"github.com/stackmesa/steward/pkg/contracts"
)

// Actor identifies who (or what) is requesting an action.
type Actor struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// Request is one action authorization request.
type Request struct {
	Actor    Actor          `json:"actor"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Context  map[string]any `json:"context,omitempty"`
}

// PermissionSource answers whether a role is permitted an action.
// A nil source, an error, or an undefined lookup all deny (fail-closed).
type PermissionSource interface {
	Lookup(ctx context.Context, role, action string) (allowed bool, err error)
}

// Policy configures the gate's static rules.
type Policy struct {
	// RoleLevels orders roles by privilege; higher is more privileged.
	// Actors may never request an action whose RequiredLevel exceeds
	// their highest role level.
	RoleLevels map[string]int
	// ActionLevels maps actions to the privilege level they imply.
	// Actions absent from the map imply the highest known level.
	ActionLevels map[string]int
	// AlwaysRequireApproval lists actions that return REQUIRE_APPROVAL
	// in every mode.
	AlwaysRequireApproval []string
	// SupervisedRequireApproval lists additional actions that require
	// approval when the gate runs in supervised mode.
	SupervisedRequireApproval []string
	// HighAutonomyActions are forced off when the threat level reaches
	// ThreatHigh, regardless of role.
	HighAutonomyActions []string
	// MutatingActions are denied outright in lockdown mode. An empty
	// list means lockdown denies every action.
	MutatingActions []string
	// Approvers is reported in RequiredApprovals on REQUIRE_APPROVAL.
	Approvers []string
	// RateLimit is the per-actor-action rate policy.
	RateLimit RatePolicy
}

// DefaultPolicy returns conservative production defaults.
func DefaultPolicy() Policy {
	return Policy{
		RoleLevels: map[string]int{
			"viewer":   0,
			"editor":   1,
			"operator": 2,
			"admin":    3,
		},
		ActionLevels: map[string]int{
			"content.read":       0,
			"content.update":     1,
			"seo.update":         1,
			"plan.execute":       2,
			"plan.rollback":      2,
			"override.grant":     3,
			"governor.reset":     3,
		},
		AlwaysRequireApproval:     []string{"plan.rollback", "governor.reset"},
		SupervisedRequireApproval: []string{"plan.execute"},
		HighAutonomyActions:       []string{"plan.execute", "seo.update"},
		MutatingActions:           nil,
		Approvers:                 []string{"platform-admins"},
		RateLimit:                 RatePolicy{PerMinute: 60, Burst: 10},
	}
}

// Stats are the gate's running counters for dashboards.
type Stats struct {
	Evaluated   uint64 `json:"evaluated"`
	Allowed     uint64 `json:"allowed"`
	Denied      uint64 `json:"denied"`
	Approvals   uint64 `json:"approvals_required"`
	RateLimited uint64 `json:"rate_limited"`
}

// Gate evaluates authorization requests.
type Gate struct {
	mu     sync.RWMutex
	policy Policy
	perms  PermissionSource
	limits LimiterStore
	sink   audit.Sink
	log    *logrus.Entry
	clock  func() time.Time

	mode   contracts.SecurityMode
	threat contracts.ThreatLevel
	stats  Stats
}

// New creates a gate. A nil sink defaults to audit.Nop; a nil limiter
// store means the rate-limit stage denies every request.
func New(policy Policy, perms PermissionSource, limits LimiterStore, sink audit.Sink) *Gate {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Gate{
		policy: policy,
		perms:  perms,
		limits: limits,
		sink:   sink,
		log:    logrus.WithField("component", "gate"),
		clock:  time.Now,
		mode:   contracts.ModeNormal,
		threat: contracts.ThreatLow,
	}
}

// WithClock overrides the clock for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Mode returns the current security mode.
func (g *Gate) Mode() contracts.SecurityMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// ThreatState returns the current threat level.
func (g *Gate) ThreatState() contracts.ThreatLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threat
}

// GetStats returns a copy of the running counters.
func (g *Gate) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}

// SetMode transitions the security mode. The transition itself is audited.
func (g *Gate) SetMode(ctx context.Context, mode contracts.SecurityMode, by string) {
	g.mu.Lock()
	prev := g.mode
	g.mode = mode
	g.mu.Unlock()

	event := audit.NewEvent(audit.EventSystem, by, "gate.set_mode")
	event.Details = map[string]any{"from": prev, "to": mode}
	_ = g.sink.Record(ctx, event)
	g.log.WithFields(logrus.Fields{"from": prev, "to": mode, "by": by}).Info("security mode changed")
}

// SetThreatLevel transitions the threat level. Audited.
func (g *Gate) SetThreatLevel(ctx context.Context, level contracts.ThreatLevel, by string) {
	g.mu.Lock()
	prev := g.threat
	g.threat = level
	g.mu.Unlock()

	event := audit.NewEvent(audit.EventSystem, by, "gate.set_threat_level")
	event.Details = map[string]any{"from": prev, "to": level}
	_ = g.sink.Record(ctx, event)
	g.log.WithFields(logrus.Fields{"from": prev, "to": level, "by": by}).Warn("threat level changed")
}

// AssertAllowed evaluates a request. First match wins, in priority order:
// rate limit, fail-closed permission lookup, mode/threat restriction,
// role hierarchy, approval-required set, then ALLOW. Every call — ALLOW
// included — emits exactly one audit event.
func (g *Gate) AssertAllowed(ctx context.Context, req Request) contracts.Decision {
	g.mu.RLock()
	mode := g.mode
	threat := g.threat
	g.mu.RUnlock()

	decision := contracts.Decision{
		Outcome:      contracts.OutcomeDeny, // default deny
		AuditID:      uuid.New().String(),
		EvaluatedAt:  g.clock().UTC(),
		SecurityMode: mode,
		ThreatLevel:  threat,
	}

	decision = g.evaluate(ctx, req, mode, threat, decision)

	g.record(ctx, req, decision)
	return decision
}

func (g *Gate) evaluate(ctx context.Context, req Request, mode contracts.SecurityMode, threat contracts.ThreatLevel, decision contracts.Decision) contracts.Decision {
	// 1. Rate limit — exceeding the ceiling short-circuits permission
	// evaluation entirely. A nil store denies: an unbounded gate is not a
	// gate.
	allowed, err := g.allowRate(ctx, req)
	if err != nil {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = fmt.Sprintf("rate limiter unavailable: %v", err)
		decision.Sources = append(decision.Sources, "rate_limit")
		return decision
	}
	if !allowed {
		decision.Outcome = contracts.OutcomeRateLimited
		decision.Reason = fmt.Sprintf("rate limit exceeded for actor %s action %s", req.Actor.UserID, req.Action)
		decision.Sources = append(decision.Sources, "rate_limit")
		return decision
	}

	// 2. Fail-closed permission lookup.
	permitted, err := g.lookupPermission(ctx, req)
	if err != nil {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = fmt.Sprintf("permission lookup failed: %v", err)
		decision.Sources = append(decision.Sources, "permissions")
		return decision
	}
	if !permitted {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = fmt.Sprintf("no role of actor %s permits action %s", req.Actor.UserID, req.Action)
		decision.Sources = append(decision.Sources, "permissions")
		return decision
	}

	// 3. Mode and threat restrictions.
	if mode == contracts.ModeLockdown && g.isMutating(req.Action) {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = "lockdown mode denies mutating actions"
		decision.Sources = append(decision.Sources, "mode")
		return decision
	}
	if threat.Rank() >= contracts.ThreatHigh.Rank() && contains(g.policy.HighAutonomyActions, req.Action) {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = fmt.Sprintf("threat level %s forces off high-autonomy action %s", threat, req.Action)
		decision.Sources = append(decision.Sources, "threat")
		return decision
	}

	// 4. Role hierarchy — requested privilege may never exceed the
	// actor's own level.
	actorLevel := g.maxRoleLevel(req.Actor.Roles)
	if g.actionLevel(req.Action) > actorLevel {
		decision.Outcome = contracts.OutcomeDeny
		decision.Reason = fmt.Sprintf("action %s exceeds privilege of roles %v", req.Action, req.Actor.Roles)
		decision.Sources = append(decision.Sources, "role_hierarchy")
		return decision
	}

	// 5. Approval-required sets.
	if contains(g.policy.AlwaysRequireApproval, req.Action) ||
		(mode == contracts.ModeSupervised && contains(g.policy.SupervisedRequireApproval, req.Action)) {
		decision.Outcome = contracts.OutcomeRequireApproval
		decision.Reason = fmt.Sprintf("action %s requires approval", req.Action)
		decision.RequiredApprovals = append([]string(nil), g.policy.Approvers...)
		decision.Sources = append(decision.Sources, "approval_set")
		return decision
	}

	decision.Outcome = contracts.OutcomeAllow
	decision.Sources = append(decision.Sources, "policy")
	return decision
}

func (g *Gate) allowRate(ctx context.Context, req Request) (bool, error) {
	if g.limits == nil {
		return false, fmt.Errorf("no limiter store configured")
	}
	key := req.Actor.UserID + ":" + req.Action
	return g.limits.Allow(ctx, key, g.policy.RateLimit)
}

func (g *Gate) lookupPermission(ctx context.Context, req Request) (bool, error) {
	if g.perms == nil {
		return false, fmt.Errorf("no permission source configured")
	}
	for _, role := range req.Actor.Roles {
		allowed, err := g.perms.Lookup(ctx, role, req.Action)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) isMutating(action string) bool {
	// An empty list means every action is treated as mutating under
	// lockdown.
	if len(g.policy.MutatingActions) == 0 {
		return true
	}
	return contains(g.policy.MutatingActions, action)
}

func (g *Gate) maxRoleLevel(roles []string) int {
	max := -1
	for _, r := range roles {
		if lvl, ok := g.policy.RoleLevels[r]; ok && lvl > max {
			max = lvl
		}
	}
	return max
}

func (g *Gate) actionLevel(action string) int {
	if lvl, ok := g.policy.ActionLevels[action]; ok {
		return lvl
	}
	// Unknown actions imply the highest known privilege level.
	max := 0
	for _, lvl := range g.policy.RoleLevels {
		if lvl > max {
			max = lvl
		}
	}
	return max
}

func (g *Gate) record(ctx context.Context, req Request, decision contracts.Decision) {
	g.mu.Lock()
	g.stats.Evaluated++
	switch decision.Outcome {
	case contracts.OutcomeAllow:
		g.stats.Allowed++
	case contracts.OutcomeDeny:
		g.stats.Denied++
	case contracts.OutcomeRequireApproval:
		g.stats.Approvals++
	case contracts.OutcomeRateLimited:
		g.stats.RateLimited++
	}
	g.mu.Unlock()

	event := audit.Event{
		ID:        decision.AuditID,
		Type:      audit.EventDecision,
		Actor:     req.Actor.UserID,
		Action:    req.Action,
		Target:    req.Resource,
		Timestamp: decision.EvaluatedAt,
		Details: map[string]any{
			"outcome":       decision.Outcome,
			"reason":        decision.Reason,
			"security_mode": decision.SecurityMode,
			"threat_level":  decision.ThreatLevel,
			"sources":       decision.Sources,
		},
	}
	if err := g.sink.Record(ctx, event); err != nil {
		g.log.WithError(err).Error("audit record failed for decision")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
