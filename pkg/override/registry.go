// Package override implements time-boxed policy exceptions with anti-abuse
// checks: no self-approval, no circular grant chains, rubber-stamp and
// collusion detection. An override never survives its expiry and is never
// granted by its own beneficiary, independent of role.
package override

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackmesa/steward/pkg/audit"
	"github.com/stackmesa/steward/pkg/contracts"
)

// MinJustificationLength is the shortest acceptable justification.
const MinJustificationLength = 20

// ScopePolicy bounds overrides for one scope.
type ScopePolicy struct {
	AllowedRoles []string      `json:"allowed_roles" yaml:"allowed_roles"`
	MinDuration  time.Duration `json:"min_duration" yaml:"min_duration"`
	MaxDuration  time.Duration `json:"max_duration" yaml:"max_duration"`
}

// Policy configures the registry.
type Policy struct {
	Scopes map[string]ScopePolicy `json:"scopes" yaml:"scopes"`
	// MinDeliberation is the minimum elapsed time between an override
	// being requested and being approved before the rubber-stamp
	// detector flags the grant.
	MinDeliberation time.Duration `json:"min_deliberation" yaml:"min_deliberation"`
	// CollusionWindow is the rolling window the collusion detector
	// inspects.
	CollusionWindow time.Duration `json:"collusion_window" yaml:"collusion_window"`
	// CollusionShare is the fraction of approvals one approver may hold
	// for a grantee or scope before the grant is flagged. Defaults to 0.8.
	CollusionShare float64 `json:"collusion_share" yaml:"collusion_share"`
	// RejectOnFlags escalates abuse flags from annotations to rejections.
	RejectOnFlags bool `json:"reject_on_flags" yaml:"reject_on_flags"`
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Scopes: map[string]ScopePolicy{
			"content": {AllowedRoles: []string{"editor", "operator", "admin"}, MinDuration: 15 * time.Minute, MaxDuration: 8 * time.Hour},
			"seo":     {AllowedRoles: []string{"operator", "admin"}, MinDuration: 15 * time.Minute, MaxDuration: 4 * time.Hour},
			"deploy":  {AllowedRoles: []string{"admin"}, MinDuration: 15 * time.Minute, MaxDuration: 2 * time.Hour},
		},
		MinDeliberation: 2 * time.Minute,
		CollusionWindow: 30 * 24 * time.Hour,
		CollusionShare:  0.8,
	}
}

// Request is an override application.
type Request struct {
	Scope           string        `json:"scope"`
	GranterID       string        `json:"granter_id"`
	GranteeUserID   string        `json:"grantee_user_id"`
	GranteeRole     string        `json:"grantee_role"`
	Justification   string        `json:"justification"`
	TicketReference string        `json:"ticket_reference"`
	Duration        time.Duration `json:"duration"`
	// RequestedAt is when the grantee asked for the exception. The gap
	// between it and approval time feeds the rubber-stamp detector.
	RequestedAt time.Time `json:"requested_at"`
}

// Rejection carries every ground on which a request failed, so a caller
// sees all problems at once instead of fixing them one round trip at a
// time.
type Rejection struct {
	Reasons []string `json:"reasons"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("override rejected: %v", r.Reasons)
}

// Registry issues and tracks overrides.
type Registry struct {
	mu     sync.RWMutex
	policy Policy
	graph  *grantGraph
	grants []contracts.Override // append-only history
	byID   map[string]int       // grant ID -> index into grants; the slice reallocates on growth
	sink   audit.Sink
	clock  func() time.Time
}

// NewRegistry creates a registry. Nil sink defaults to audit.Nop.
func NewRegistry(policy Policy, sink audit.Sink) *Registry {
	if sink == nil {
		sink = audit.Nop{}
	}
	if policy.CollusionShare <= 0 {
		policy.CollusionShare = 0.8
	}
	return &Registry{
		policy: policy,
		graph:  newGrantGraph(),
		grants: make([]contracts.Override, 0),
		byID:   make(map[string]int),
		sink:   sink,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// RequestOverride validates and either issues an override or returns a
// rejection listing every failed ground. Self-grants are rejected
// unconditionally.
func (r *Registry) RequestOverride(ctx context.Context, req Request) (*contracts.Override, *Rejection) {
	now := r.clock().UTC()
	var reasons []string

	if len(req.Justification) < MinJustificationLength {
		reasons = append(reasons, fmt.Sprintf("justification must be at least %d characters", MinJustificationLength))
	}
	if req.TicketReference == "" {
		reasons = append(reasons, "ticket reference is required")
	}
	if req.GranteeUserID == req.GranterID {
		reasons = append(reasons, "self-approval is forbidden")
	}

	scope, scopeKnown := r.policy.Scopes[req.Scope]
	if !scopeKnown {
		reasons = append(reasons, fmt.Sprintf("unknown scope %q", req.Scope))
	} else {
		if req.Duration < scope.MinDuration || req.Duration > scope.MaxDuration {
			reasons = append(reasons, fmt.Sprintf("duration %s outside policy bounds [%s, %s]", req.Duration, scope.MinDuration, scope.MaxDuration))
		}
		if !roleAllowed(scope.AllowedRoles, req.GranteeRole) {
			reasons = append(reasons, fmt.Sprintf("role %q not permitted for scope %q", req.GranteeRole, req.Scope))
		}
	}

	// Circular chain is always a rejection, never just a flag.
	if r.graph.wouldClose(req.GranterID, req.GranteeUserID, req.Scope) {
		reasons = append(reasons, "circular grant chain detected")
	}

	flags := r.detectAbuse(req, now)
	if r.policy.RejectOnFlags && len(flags) > 0 {
		reasons = append(reasons, flags...)
		flags = nil
	}

	if len(reasons) > 0 {
		rej := &Rejection{Reasons: reasons}
		r.auditOutcome(ctx, req, nil, rej)
		return nil, rej
	}

	grant := contracts.Override{
		ID:              uuid.New().String(),
		Scope:           req.Scope,
		GranterID:       req.GranterID,
		GranteeUserID:   req.GranteeUserID,
		GranteeRole:     req.GranteeRole,
		Justification:   req.Justification,
		TicketReference: req.TicketReference,
		Duration:        req.Duration,
		GrantedAt:       now,
		ExpiresAt:       now.Add(req.Duration),
		Flags:           flags,
	}

	r.mu.Lock()
	r.grants = append(r.grants, grant)
	r.byID[grant.ID] = len(r.grants) - 1
	r.mu.Unlock()
	r.graph.addEdge(req.GranterID, req.GranteeUserID, req.Scope)

	r.auditOutcome(ctx, req, &grant, nil)
	return &grant, nil
}

// Revoke withdraws an active override.
func (r *Registry) Revoke(ctx context.Context, id, by, reason string) error {
	r.mu.Lock()
	i, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("override %s not found", id)
	}
	grant := &r.grants[i]
	if grant.RevokedAt != nil {
		r.mu.Unlock()
		return fmt.Errorf("override %s already revoked", id)
	}
	now := r.clock().UTC()
	grant.RevokedAt = &now
	grant.RevokedBy = by
	r.mu.Unlock()

	event := audit.NewEvent(audit.EventOverride, by, "override.revoke")
	event.Target = id
	event.Details = map[string]any{"reason": reason}
	_ = r.sink.Record(ctx, event)
	return nil
}

// ActiveOverrides returns grants currently in force.
func (r *Registry) ActiveOverrides() []contracts.Override {
	now := r.clock().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Override, 0)
	for i := range r.grants {
		if r.grants[i].Active(now) {
			out = append(out, r.grants[i])
		}
	}
	return out
}

// Get returns an override by ID.
func (r *Registry) Get(id string) (contracts.Override, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return contracts.Override{}, false
	}
	return r.grants[i], true
}

// Reset clears all grants and graph edges. For tests and archival.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.grants = r.grants[:0]
	r.byID = make(map[string]int)
	r.mu.Unlock()
	r.graph.reset()
}

func (r *Registry) auditOutcome(ctx context.Context, req Request, grant *contracts.Override, rej *Rejection) {
	event := audit.NewEvent(audit.EventOverride, req.GranterID, "override.request")
	event.Target = req.Scope
	details := map[string]any{
		"grantee": req.GranteeUserID,
		"role":    req.GranteeRole,
		"ticket":  req.TicketReference,
	}
	if grant != nil {
		details["override_id"] = grant.ID
		details["granted"] = true
		details["flags"] = grant.Flags
	} else {
		details["granted"] = false
		details["reasons"] = rej.Reasons
	}
	event.Details = details
	_ = r.sink.Record(ctx, event)
}

func roleAllowed(allowed []string, role string) bool {
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	return false
}
