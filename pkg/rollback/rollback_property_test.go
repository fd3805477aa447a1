package rollback

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stackmesa/steward/pkg/contracts"
)

// genChanges builds change lists with arbitrary reversibility.
func genChanges() gopter.Gen {
	return gen.SliceOf(gen.Bool()).Map(func(reversible []bool) []contracts.Change {
		out := make([]contracts.Change, len(reversible))
		for i, r := range reversible {
			out[i] = contracts.Change{
				Type:         contracts.ChangeContentUpdate,
				Target:       fmt.Sprintf("page/%d", i),
				Field:        "body",
				IsReversible: r,
			}
		}
		return out
	})
}

func TestRollbackPlanProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("steps are the reversible changes in reverse order", prop.ForAll(
		func(changes []contracts.Change) bool {
			m := NewManager(&recordingApplier{}, nil)
			plan := m.CreateRollbackPlan(&contracts.ExecutionItem{ID: "item", Changes: changes})

			var reversed []contracts.Change
			for i := len(changes) - 1; i >= 0; i-- {
				if changes[i].IsReversible {
					reversed = append(reversed, changes[i])
				}
			}
			if len(plan.Steps) != len(reversed) {
				return false
			}
			for i, step := range plan.Steps {
				if step.Change.Target != reversed[i].Target {
					return false
				}
			}
			return true
		},
		genChanges(),
	))

	properties.Property("every irreversible change yields a risk note", prop.ForAll(
		func(changes []contracts.Change) bool {
			m := NewManager(&recordingApplier{}, nil)
			plan := m.CreateRollbackPlan(&contracts.ExecutionItem{ID: "item", Changes: changes})

			irreversible := 0
			for _, c := range changes {
				if !c.IsReversible {
					irreversible++
				}
			}
			// A high step count appends one extra complexity note.
			want := irreversible
			if len(plan.Steps) > complexityThreshold {
				want++
			}
			return len(plan.Risks) == want
		},
		genChanges(),
	))

	properties.TestingRun(t)
}
