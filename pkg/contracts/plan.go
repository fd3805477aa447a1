package contracts

import "time"

// RiskLevel categorizes the forecast risk of an execution item.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Score maps a risk level to its numeric score for threshold comparison.
func (r RiskLevel) Score() float64 {
	switch r {
	case RiskNone:
		return 0.0
	case RiskLow:
		return 0.2
	case RiskMedium:
		return 0.5
	case RiskHigh:
		return 0.8
	case RiskCritical:
		return 1.0
	default:
		// Unknown levels score as critical so threshold checks fail closed.
		return 1.0
	}
}

// Forecast is the predicted impact attached to an item before execution.
type Forecast struct {
	RiskLevel RiskLevel `json:"risk_level"`
}

// ItemStatus is the lifecycle state of an execution item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemRunning    ItemStatus = "running"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemRolledBack ItemStatus = "rolled_back"
)

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanRunning    PlanStatus = "running"
	PlanCompleted  PlanStatus = "completed"
	PlanHalted     PlanStatus = "halted"
	PlanRolledBack PlanStatus = "rolled_back"
)

// ExecutionItem is the schedulable unit wrapping one proposal's changes
// plus runtime state. Sequence strictly increases within a plan.
type ExecutionItem struct {
	ID           string     `json:"id"`
	ProposalID   string     `json:"proposal_id"`
	ProposalType string     `json:"proposal_type"`
	Status       ItemStatus `json:"status"`
	Priority     int        `json:"priority"`
	Sequence     int        `json:"sequence"`
	Changes      []Change   `json:"changes"`
	Dependencies []string   `json:"dependencies,omitempty"` // item IDs
	Forecast     *Forecast  `json:"forecast,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// PlanConfig holds the safety thresholds for a plan. A plan must never
// run with a zero threshold; DefaultPlanConfig supplies the safety net.
type PlanConfig struct {
	MaxConcurrent        int           `json:"max_concurrent" yaml:"max_concurrent"`
	DelayBetween         time.Duration `json:"delay_between" yaml:"delay_between"`
	MaxRiskScore         float64       `json:"max_risk_score" yaml:"max_risk_score"`
	MaxAffectedContent   int           `json:"max_affected_content" yaml:"max_affected_content"`
	RollbackOnErrorRate  float64       `json:"rollback_on_error_rate" yaml:"rollback_on_error_rate"`
	RollbackOnMetricDrop float64       `json:"rollback_on_metric_drop" yaml:"rollback_on_metric_drop"`
	Timeout              time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultPlanConfig returns conservative non-zero defaults for every
// threshold.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		MaxConcurrent:        1,
		DelayBetween:         2 * time.Second,
		MaxRiskScore:         0.7,
		MaxAffectedContent:   50,
		RollbackOnErrorRate:  0.2,
		RollbackOnMetricDrop: 0.15,
		Timeout:              10 * time.Minute,
	}
}

// ExecutionPlan is an ordered, threshold-configured batch of items.
type ExecutionPlan struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    PlanStatus      `json:"status"`
	Mode      string          `json:"mode"`
	Items     []ExecutionItem `json:"items"`
	Config    PlanConfig      `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
}

// Item returns a pointer to the item with the given ID, or nil.
func (p *ExecutionPlan) Item(id string) *ExecutionItem {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return &p.Items[i]
		}
	}
	return nil
}

// StatusCounts returns the number of items in each status. Callers that
// share the plan across goroutines must hold their own lock around it.
func (p *ExecutionPlan) StatusCounts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int, 5)
	for i := range p.Items {
		counts[p.Items[i].Status]++
	}
	return counts
}

// CountByStatus returns the number of items currently in the given status.
func (p *ExecutionPlan) CountByStatus(status ItemStatus) int {
	n := 0
	for i := range p.Items {
		if p.Items[i].Status == status {
			n++
		}
	}
	return n
}

// Severity grades a safety check result.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SafetyCheckResult is the outcome of one safety guard evaluation.
// Warnings never stop execution; the driver must honor ShouldHalt and
// ShouldRollback on failing results.
type SafetyCheckResult struct {
	CheckID        string   `json:"check_id,omitempty"`
	Passed         bool     `json:"passed"`
	Message        string   `json:"message"`
	Severity       Severity `json:"severity"`
	ShouldHalt     bool     `json:"should_halt"`
	ShouldRollback bool     `json:"should_rollback"`
}
