package contracts

import "time"

// Outcome is the verdict of the decision gate.
type Outcome string

const (
	OutcomeAllow           Outcome = "ALLOW"
	OutcomeDeny            Outcome = "DENY"
	OutcomeRequireApproval Outcome = "REQUIRE_APPROVAL"
	OutcomeRateLimited     Outcome = "RATE_LIMITED"
)

// SecurityMode is the gate's global operating posture.
type SecurityMode string

const (
	ModeNormal     SecurityMode = "normal"
	ModeSupervised SecurityMode = "supervised"
	ModeLockdown   SecurityMode = "lockdown"
)

// ThreatLevel is a global signal that can force restrictive policy
// independent of role.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatElevated ThreatLevel = "elevated"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders threat levels for comparison; unknown levels rank highest
// so ambiguity restricts rather than permits.
func (t ThreatLevel) Rank() int {
	switch t {
	case ThreatLow:
		return 0
	case ThreatElevated:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	default:
		return 3
	}
}

// Decision is the fully-populated result of one gate evaluation. AuditID,
// EvaluatedAt, SecurityMode and ThreatLevel are always set so downstream
// consumers can reconstruct the "why" without re-evaluating policy.
type Decision struct {
	Outcome           Outcome      `json:"decision"`
	Reason            string       `json:"reason,omitempty"`
	AuditID           string       `json:"audit_id"`
	EvaluatedAt       time.Time    `json:"evaluated_at"`
	SecurityMode      SecurityMode `json:"security_mode"`
	ThreatLevel       ThreatLevel  `json:"threat_level"`
	RequiredApprovals []string     `json:"required_approvals,omitempty"`
	Sources           []string     `json:"sources,omitempty"`
}

// Allowed reports whether the decision permits the action to proceed now.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Override is a time-boxed, audited policy exception. GranteeUserID is
// never equal to GranterID; the registry rejects self-grants
// unconditionally.
type Override struct {
	ID              string        `json:"id"`
	Scope           string        `json:"scope"`
	GranterID       string        `json:"granter_id"`
	GranteeUserID   string        `json:"grantee_user_id"`
	GranteeRole     string        `json:"grantee_role"`
	Justification   string        `json:"justification"`
	TicketReference string        `json:"ticket_reference"`
	Duration        time.Duration `json:"duration"`
	GrantedAt       time.Time     `json:"granted_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Flags           []string      `json:"flags,omitempty"` // abuse-detection annotations
	RevokedAt       *time.Time    `json:"revoked_at,omitempty"`
	RevokedBy       string        `json:"revoked_by,omitempty"`
}

// Active reports whether the override is currently in force.
func (o Override) Active(now time.Time) bool {
	return o.RevokedAt == nil && now.Before(o.ExpiresAt) && !now.Before(o.GrantedAt)
}
