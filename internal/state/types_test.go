package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStepPlan() Plan {
	return Plan{Steps: []Step{
		{ID: 1, Description: "scaffold", Done: true},
		{ID: 2, Description: "wire endpoints", Done: true},
		{ID: 3, Description: "add tests"},
	}}
}

func TestPlanNextPending(t *testing.T) {
	t.Parallel()

	plan := threeStepPlan()
	next := plan.NextPending()
	require.NotNil(t, next)
	assert.Equal(t, 3, next.ID)
}

func TestPlanNextPending_LowestIDWins(t *testing.T) {
	t.Parallel()

	// Step order in the list does not matter; ID order does.
	plan := Plan{Steps: []Step{
		{ID: 4, Description: "later"},
		{ID: 2, Description: "earlier"},
		{ID: 1, Description: "done", Done: true},
	}}

	next := plan.NextPending()
	require.NotNil(t, next)
	assert.Equal(t, 2, next.ID)
}

func TestPlanNextPending_AllDone(t *testing.T) {
	t.Parallel()

	plan := threeStepPlan()
	plan.MarkDone(3)

	assert.Nil(t, plan.NextPending())
	assert.True(t, plan.AllDone())
}

func TestPlanMarkDone_Monotonic(t *testing.T) {
	t.Parallel()

	plan := threeStepPlan()
	plan.MarkDone(3)
	plan.MarkDone(3)
	plan.MarkDone(99) // unknown id ignored

	assert.True(t, plan.AllDone())
	assert.Len(t, plan.Steps, 3)
}

func TestPlanAllDone_EmptyPlan(t *testing.T) {
	t.Parallel()

	var plan Plan
	assert.False(t, plan.AllDone(), "an empty plan never reads as complete")
}

func TestAssumptionLabels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "P.1", PlanningLabel(1))
	assert.Equal(t, "P.12", PlanningLabel(12))
	assert.Equal(t, "3.2", WorkLabel(3, 2))
}

func TestWorkStateAppendLog(t *testing.T) {
	t.Parallel()

	s := &WorkState{}
	s.AppendLog("first")
	s.AppendLog("second")

	assert.Equal(t, []string{"second", "first"}, s.Log)
}

func TestExplorationEmpty(t *testing.T) {
	t.Parallel()

	var e *Exploration
	assert.True(t, e.Empty())
	assert.True(t, (&Exploration{}).Empty())
	assert.False(t, (&Exploration{Patterns: []string{"repo pattern"}}).Empty())
}
