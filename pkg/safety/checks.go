package safety

import (
	"fmt"

	"github.com/stackmesa/steward/pkg/contracts"
)

// builtinChecks returns the standard guard set every engine starts with.
func builtinChecks() []Check {
	return []Check{
		{ID: "risk-threshold", Name: "Forecast risk threshold", Phase: PhasePre, Fn: checkRisk},
		{ID: "reversibility", Name: "Reversibility advisory", Phase: PhasePre, Fn: checkReversibility},
		{ID: "scope", Name: "Affected-target scope", Phase: PhasePre, Fn: checkScope},
		{ID: "error-rate", Name: "Plan error rate", Phase: PhaseDuring, Fn: checkErrorRate},
		{ID: "timeout", Name: "Execution timeout", Phase: PhaseDuring, Fn: checkTimeout},
		{ID: "metric-drop", Name: "Metric regression", Phase: PhasePost, Fn: checkMetricDrop},
	}
}

// checkRisk fails when the item's forecast risk score exceeds the plan's
// ceiling. Items without a forecast pass with an advisory.
func checkRisk(plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, _ Env) contracts.SafetyCheckResult {
	if item == nil || item.Forecast == nil {
		return contracts.SafetyCheckResult{
			Passed:   true,
			Message:  "no risk forecast available",
			Severity: contracts.SeverityInfo,
		}
	}
	score := item.Forecast.RiskLevel.Score()
	if score > plan.Config.MaxRiskScore {
		return contracts.SafetyCheckResult{
			Passed:   false,
			Message:  fmt.Sprintf("risk score %.2f (%s) exceeds plan maximum %.2f", score, item.Forecast.RiskLevel, plan.Config.MaxRiskScore),
			Severity: contracts.SeverityCritical,
		}
	}
	return contracts.SafetyCheckResult{
		Passed:   true,
		Message:  fmt.Sprintf("risk score %.2f within maximum %.2f", score, plan.Config.MaxRiskScore),
		Severity: contracts.SeverityInfo,
	}
}

// checkReversibility warns — never hard-fails — when any change cannot be
// rolled back.
func checkReversibility(_ *contracts.ExecutionPlan, item *contracts.ExecutionItem, _ Env) contracts.SafetyCheckResult {
	irreversible := 0
	if item != nil {
		for _, change := range item.Changes {
			if !change.IsReversible {
				irreversible++
			}
		}
	}
	if irreversible > 0 {
		return contracts.SafetyCheckResult{
			Passed:   true,
			Message:  fmt.Sprintf("non-reversible change detected (%d of %d)", irreversible, len(item.Changes)),
			Severity: contracts.SeverityWarning,
		}
	}
	return contracts.SafetyCheckResult{
		Passed:   true,
		Message:  "all changes reversible",
		Severity: contracts.SeverityInfo,
	}
}

// checkScope fails when the item touches more distinct targets than the
// plan allows.
func checkScope(plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, _ Env) contracts.SafetyCheckResult {
	targets := make(map[string]struct{})
	if item != nil {
		for _, change := range item.Changes {
			targets[change.Target] = struct{}{}
		}
	}
	if len(targets) > plan.Config.MaxAffectedContent {
		return contracts.SafetyCheckResult{
			Passed:   false,
			Message:  fmt.Sprintf("Too many affected targets: %d exceeds maximum %d", len(targets), plan.Config.MaxAffectedContent),
			Severity: contracts.SeverityCritical,
		}
	}
	return contracts.SafetyCheckResult{
		Passed:   true,
		Message:  fmt.Sprintf("%d affected targets within maximum %d", len(targets), plan.Config.MaxAffectedContent),
		Severity: contracts.SeverityInfo,
	}
}

// checkErrorRate fails with a rollback signal when the plan's failure
// ratio over finished items breaches the threshold. It reads the Env
// snapshot; plan statuses mutate concurrently while items run.
func checkErrorRate(plan *contracts.ExecutionPlan, _ *contracts.ExecutionItem, env Env) contracts.SafetyCheckResult {
	counts := env.Counts
	if counts == nil {
		counts = plan.StatusCounts()
	}
	failed := counts[contracts.ItemFailed]
	completed := counts[contracts.ItemCompleted]
	finished := failed + completed
	if finished == 0 {
		return contracts.SafetyCheckResult{
			Passed:   true,
			Message:  "no finished items yet",
			Severity: contracts.SeverityInfo,
		}
	}
	rate := float64(failed) / float64(finished)
	if rate > plan.Config.RollbackOnErrorRate {
		return contracts.SafetyCheckResult{
			Passed:         false,
			Message:        fmt.Sprintf("error rate %.2f (%d/%d) exceeds rollback threshold %.2f", rate, failed, finished, plan.Config.RollbackOnErrorRate),
			Severity:       contracts.SeverityCritical,
			ShouldRollback: true,
		}
	}
	return contracts.SafetyCheckResult{
		Passed:   true,
		Message:  fmt.Sprintf("error rate %.2f within threshold %.2f", rate, plan.Config.RollbackOnErrorRate),
		Severity: contracts.SeverityInfo,
	}
}

// checkTimeout fails with a halt signal when execution has run past the
// plan's timeout. The clock starts at the item's own start; items not yet
// started fall back to the plan start, so a stalled plan still halts.
func checkTimeout(plan *contracts.ExecutionPlan, item *contracts.ExecutionItem, env Env) contracts.SafetyCheckResult {
	start := plan.StartedAt
	if item != nil && item.StartedAt != nil {
		start = item.StartedAt
	}
	if start == nil {
		return contracts.SafetyCheckResult{
			Passed:   true,
			Message:  "execution not started",
			Severity: contracts.SeverityInfo,
		}
	}
	elapsed := env.Now.Sub(*start)
	if elapsed > plan.Config.Timeout {
		return contracts.SafetyCheckResult{
			Passed:     false,
			Message:    fmt.Sprintf("execution timeout: %s elapsed exceeds %s", elapsed, plan.Config.Timeout),
			Severity:   contracts.SeverityCritical,
			ShouldHalt: true,
		}
	}
	return contracts.SafetyCheckResult{
		Passed:   true,
		Message:  fmt.Sprintf("%s elapsed within timeout %s", elapsed, plan.Config.Timeout),
		Severity: contracts.SeverityInfo,
	}
}

// checkMetricDrop fails with a rollback signal when any tracked metric
// drops relative to baseline by more than the plan threshold.
func checkMetricDrop(plan *contracts.ExecutionPlan, _ *contracts.ExecutionItem, env Env) contracts.SafetyCheckResult {
	for name, base := range env.Baseline {
		if base <= 0 {
			continue
		}
		current, ok := env.Current[name]
		if !ok {
			continue
		}
		drop := (base - current) / base
		if drop > plan.Config.RollbackOnMetricDrop {
			return contracts.SafetyCheckResult{
				Passed:         false,
				Message:        fmt.Sprintf("metric %s dropped %.0f%% (%.0f to %.0f), exceeds threshold %.0f%%", name, drop*100, base, current, plan.Config.RollbackOnMetricDrop*100),
				Severity:       contracts.SeverityCritical,
				ShouldRollback: true,
			}
		}
	}
	return contracts.SafetyCheckResult{
		Passed:   true,
		Message:  "no tracked metric dropped beyond threshold",
		Severity: contracts.SeverityInfo,
	}
}
