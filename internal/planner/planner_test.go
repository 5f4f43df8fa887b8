package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/loom/internal/agent"
	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/logging"
	"github.com/thruflo/loom/internal/state"
)

type fakePlanAgent struct {
	prompt string
	opts   agent.Options
	result agent.PlanningResult
}

func (f *fakePlanAgent) RunStructured(_ context.Context, prompt string, opts agent.Options, out interface{ Validate() error }) error {
	f.prompt = prompt
	f.opts = opts
	*(out.(*agent.PlanningResult)) = f.result
	return nil
}

func planPrompts() config.Prompts {
	return config.Prompts{
		"planning": map[string]any{
			"template": "Plan {ticket_id}: {title}\n{description}\n{subtask_list}{example_subtask}",
		},
	}
}

func quietLog(t *testing.T) *logging.Logger {
	t.Helper()
	log := logging.New()
	log.SetLevel(logging.LevelError)
	return log
}

func TestPlan(t *testing.T) {
	t.Parallel()

	ag := &fakePlanAgent{result: agent.PlanningResult{
		Exploration: &agent.Exploration{
			Patterns:        []string{"table tests"},
			RelevantModules: []string{"internal/state"},
			SimilarImplementations: []agent.Implementation{
				{File: "internal/state/store.go", Relevance: "same persistence shape"},
			},
		},
		Steps: []agent.PlanStep{
			{ID: 1, Ticket: "ENG-11", Description: "Define types", Files: []agent.PlannedFile{
				{Op: "create", Path: "internal/state/types.go"},
			}},
			{ID: 2, Description: "Wire the store", DependsOn: []int{1}},
		},
		Assumptions: []agent.RawAssumption{
			{ID: "a1", Selected: true, Statement: "snapshot lives under .loom", Rationale: "matches config dir"},
			{ID: "a2", Selected: false, Statement: "comments are markdown"},
		},
	}}

	p := New(ag, planPrompts(), map[string]map[string]any{"planning": {"type": "object"}}, agent.Options{Model: "opus"}, quietLog(t))

	ticket := &linear.Ticket{
		ID:          "ENG-10",
		Title:       "Persist work state",
		Description: "State must survive restarts.",
		Subtasks: []linear.Subtask{
			{ID: "ENG-11", Title: "Define types", Description: "Add the state types."},
			{ID: "ENG-12", Title: "Wire the store", BlockedBy: []string{"ENG-11"}},
		},
	}

	out, err := p.Plan(context.Background(), ticket, nil)
	require.NoError(t, err)

	assert.Contains(t, ag.prompt, "Plan ENG-10: Persist work state")
	assert.Contains(t, ag.prompt, "- ENG-12: Wire the store (blocked by ENG-11)")
	assert.Contains(t, ag.prompt, "subtask ENG-11 reads")
	assert.Equal(t, "planning", ag.opts.Op)
	assert.Equal(t, "opus", ag.opts.Model)
	assert.NotNil(t, ag.opts.Schema)

	require.Len(t, out.Plan.Steps, 2)
	assert.Equal(t, "ENG-11", out.Plan.Steps[0].Ticket)
	assert.Equal(t, []state.PlannedFile{{Path: "internal/state/types.go", Op: "create"}}, out.Plan.Steps[0].Files)

	require.Len(t, out.Assumptions, 2)
	assert.Equal(t, "P.1", out.Assumptions[0].Label)
	assert.True(t, out.Assumptions[0].Selected)
	assert.Equal(t, "P.2", out.Assumptions[1].Label)

	require.NotNil(t, out.Exploration)
	assert.Equal(t, []string{"table tests"}, out.Exploration.Patterns)
}

func TestPlanReplanCarriesPriorAssumptions(t *testing.T) {
	t.Parallel()

	ag := &fakePlanAgent{result: agent.PlanningResult{
		Steps: []agent.PlanStep{{ID: 1, Description: "redo"}},
	}}
	p := New(ag, planPrompts(), nil, agent.Options{Model: "opus"}, quietLog(t))

	prior := []state.Assumption{
		{Label: "P.1", Selected: true, Statement: "keep the comment format"},
		{Label: "P.2", Selected: false, Statement: "drop legacy trailers"},
	}
	_, err := p.Plan(context.Background(), &linear.Ticket{ID: "ENG-10", Title: "t"}, prior)
	require.NoError(t, err)

	assert.Contains(t, ag.prompt, "Previously Reviewed Assumptions")
	assert.Contains(t, ag.prompt, "[accepted] P.1: keep the comment format")
	assert.Contains(t, ag.prompt, "[rejected] P.2: drop legacy trailers")
}
