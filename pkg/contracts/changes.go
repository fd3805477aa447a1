// Package contracts defines the shared data model for the Steward
// governance engine: proposals, changes, execution plans, safety results,
// gate decisions, and policy overrides. It carries no behavior beyond
// enum mappings so that every component can depend on it without cycles.
package contracts

import "context"

// ChangeType is the closed set of change kinds the platform knows how to
// apply and, where reversible, how to compensate.
type ChangeType string

const (
	ChangeContentUpdate  ChangeType = "content_update"
	ChangeURL            ChangeType = "url_change"
	ChangeMetadataUpdate ChangeType = "metadata_update"
	ChangeStructure      ChangeType = "structure_change"
	ChangeRedirectAdd    ChangeType = "redirect_add"
)

// ReverseAction returns the compensating action name for a change type.
// The second return is false for unknown types so callers fail closed
// instead of emitting an unmapped rollback step.
func (c ChangeType) ReverseAction() (string, bool) {
	switch c {
	case ChangeContentUpdate:
		return "restore_content", true
	case ChangeURL:
		return "restore_url", true
	case ChangeMetadataUpdate:
		return "restore_metadata", true
	case ChangeStructure:
		return "restore_structure", true
	case ChangeRedirectAdd:
		return "remove_redirect", true
	default:
		return "", false
	}
}

// Valid reports whether the change type is a known member of the sum.
func (c ChangeType) Valid() bool {
	_, ok := c.ReverseAction()
	return ok
}

// Change is an atomic field mutation within a proposal.
type Change struct {
	Type         ChangeType `json:"type"`
	Target       string     `json:"target"`
	Field        string     `json:"field"`
	CurrentValue any        `json:"current_value"`
	NewValue     any        `json:"new_value"`
	IsReversible bool       `json:"is_reversible"`
}

// Proposal is a pre-approved unit of intended change from the upstream
// approval workflow. Steward never approves proposals itself.
type Proposal struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Target     string   `json:"target"`
	Priority   int      `json:"priority"`
	Changes    []Change `json:"changes"`
	DependsOn  []string `json:"depends_on,omitempty"` // prerequisite proposal IDs
	ApprovedBy string   `json:"approved_by"`
	ApprovedAt int64    `json:"approved_at"`
}

// ChangeApplier performs and reverts changes against the real platform
// (database writes, cache busts, index updates). Steward never touches
// storage directly; the host injects this capability.
type ChangeApplier interface {
	Apply(ctx context.Context, change Change) error
	Revert(ctx context.Context, change Change) error
}

// MetricsSource supplies metric snapshots for post-execution checks.
type MetricsSource interface {
	Snapshot(ctx context.Context) (map[string]float64, error)
}
