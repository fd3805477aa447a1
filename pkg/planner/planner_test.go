package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmesa/steward/pkg/contracts"
)

func proposal(id string, priority int, deps ...string) contracts.Proposal {
	return contracts.Proposal{
		ID:       id,
		Type:     "seo_fix",
		Target:   "page/" + id,
		Priority: priority,
		Changes: []contracts.Change{
			{Type: contracts.ChangeContentUpdate, Target: "page/" + id, Field: "title", IsReversible: true},
		},
		DependsOn:  deps,
		ApprovedBy: "reviewer-1",
	}
}

func TestCreatePlanSequencesItems(t *testing.T) {
	p := New()

	plan, err := p.CreatePlan("march-refresh", []contracts.Proposal{
		proposal("a", 1),
		proposal("b", 5),
		proposal("c", 3),
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.PlanDraft, plan.Status)
	assert.NotEmpty(t, plan.ID)
	require.Len(t, plan.Items, 3)
	for i, item := range plan.Items {
		assert.Equal(t, i+1, item.Sequence)
		assert.Equal(t, contracts.ItemPending, item.Status)
		assert.NotEmpty(t, item.ID)
	}
	// Independent proposals run highest priority first.
	assert.Equal(t, "b", plan.Items[0].ProposalID)
	assert.Equal(t, "c", plan.Items[1].ProposalID)
	assert.Equal(t, "a", plan.Items[2].ProposalID)
}

func TestDependenciesComeFirst(t *testing.T) {
	p := New()

	// "high" has the top priority but depends on "low".
	plan, err := p.CreatePlan("deps", []contracts.Proposal{
		proposal("high", 10, "low"),
		proposal("low", 1),
	})
	require.NoError(t, err)

	require.Len(t, plan.Items, 2)
	assert.Equal(t, "low", plan.Items[0].ProposalID)
	assert.Equal(t, "high", plan.Items[1].ProposalID)
	// Dependencies are re-keyed to item IDs.
	require.Len(t, plan.Items[1].Dependencies, 1)
	assert.Equal(t, plan.Items[0].ID, plan.Items[1].Dependencies[0])
}

func TestDependencyCycleRejected(t *testing.T) {
	p := New()

	_, err := p.CreatePlan("cycle", []contracts.Proposal{
		proposal("a", 1, "b"),
		proposal("b", 1, "a"),
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "cycle")
}

func TestValidationFailures(t *testing.T) {
	p := New()

	cases := []struct {
		name      string
		planName  string
		proposals []contracts.Proposal
		wantField string
	}{
		{"empty name", "", []contracts.Proposal{proposal("a", 1)}, "name"},
		{"no proposals", "x", nil, "proposals"},
		{"blank id", "x", []contracts.Proposal{{ID: "", Priority: 1}}, "proposal.id"},
		{"duplicate id", "x", []contracts.Proposal{proposal("a", 1), proposal("a", 2)}, "proposal.id"},
		{"unknown dependency", "x", []contracts.Proposal{proposal("a", 1, "ghost")}, "proposal.depends_on"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.CreatePlan(tc.planName, tc.proposals)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantField, verr.Field)
		})
	}
}

func TestUnknownChangeTypeRejected(t *testing.T) {
	p := New()
	bad := proposal("a", 1)
	bad.Changes[0].Type = "drop_table"

	_, err := p.CreatePlan("x", []contracts.Proposal{bad})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "change.type", verr.Field)
}

func TestPlanConfigNeverHasZeroThresholds(t *testing.T) {
	// A caller supplying a sparse config still gets the safety net.
	p := New(WithDefaults(contracts.PlanConfig{MaxConcurrent: 4}))

	plan, err := p.CreatePlan("sparse", []contracts.Proposal{proposal("a", 1)})
	require.NoError(t, err)

	cfg := plan.Config
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Positive(t, cfg.DelayBetween)
	assert.Positive(t, cfg.MaxRiskScore)
	assert.Positive(t, cfg.MaxAffectedContent)
	assert.Positive(t, cfg.RollbackOnErrorRate)
	assert.Positive(t, cfg.RollbackOnMetricDrop)
	assert.Positive(t, cfg.Timeout)
}

type stubForecaster struct{}

func (stubForecaster) Forecast(p contracts.Proposal) *contracts.Forecast {
	if p.Priority > 5 {
		return &contracts.Forecast{RiskLevel: contracts.RiskHigh}
	}
	return &contracts.Forecast{RiskLevel: contracts.RiskLow}
}

func TestForecasterAttachesRisk(t *testing.T) {
	p := New(WithForecaster(stubForecaster{}))

	plan, err := p.CreatePlan("forecast", []contracts.Proposal{
		proposal("risky", 9),
		proposal("safe", 1),
	})
	require.NoError(t, err)

	require.NotNil(t, plan.Items[0].Forecast)
	assert.Equal(t, contracts.RiskHigh, plan.Items[0].Forecast.RiskLevel)
	assert.Equal(t, contracts.RiskLow, plan.Items[1].Forecast.RiskLevel)
}

func TestPlanCreationTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := New(WithClock(func() time.Time { return fixed }))

	plan, err := p.CreatePlan("clock", []contracts.Proposal{proposal("a", 1)})
	require.NoError(t, err)

	assert.Equal(t, fixed, plan.CreatedAt)
	assert.Nil(t, plan.StartedAt)
}
