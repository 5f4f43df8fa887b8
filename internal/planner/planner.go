// Package planner turns a Linear ticket into an ordered implementation
// plan, either by asking the agent to explore and plan or by mapping the
// ticket's subtasks one-to-one onto steps.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/thruflo/loom/internal/agent"
	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/logging"
	"github.com/thruflo/loom/internal/state"
)

// Agent is the slice of the agent client the planner needs.
type Agent interface {
	RunStructured(ctx context.Context, prompt string, opts agent.Options, out interface{ Validate() error }) error
}

// Outcome is a produced plan with its assumptions and exploration notes.
type Outcome struct {
	Plan        state.Plan
	Assumptions []state.Assumption
	Exploration *state.Exploration
}

// Planner drives the planning phase.
type Planner struct {
	agent   Agent
	prompts config.Prompts
	schemas map[string]map[string]any
	opts    agent.Options
	log     *logging.Logger
}

func New(ag Agent, prompts config.Prompts, schemas map[string]map[string]any, opts agent.Options, log *logging.Logger) *Planner {
	opts.Op = "planning"
	return &Planner{agent: ag, prompts: prompts, schemas: schemas, opts: opts, log: log}
}

// Plan asks the agent to explore the codebase and produce a plan. On a
// replan, prior carries the reviewed assumptions so rejected ones steer
// the new plan away from the same choices.
func (p *Planner) Plan(ctx context.Context, ticket *linear.Ticket, prior []state.Assumption) (*Outcome, error) {
	tmpl, err := p.prompts.Template("planning")
	if err != nil {
		return nil, err
	}

	prompt := config.RenderTemplate(tmpl, map[string]string{
		"ticket_id":       ticket.ID,
		"title":           ticket.Title,
		"description":     ticket.Description,
		"subtask_list":    subtaskList(ticket.Subtasks),
		"example_subtask": exampleSubtask(ticket.Subtasks),
	})
	if section := priorAssumptions(prior); section != "" {
		prompt += section
	}

	opts := p.opts
	opts.Schema = p.schemas["planning"]

	var result agent.PlanningResult
	if err := p.agent.RunStructured(ctx, prompt, opts, &result); err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	p.log.Info("plan produced", "steps", len(result.Steps), "assumptions", len(result.Assumptions))

	return fromResult(&result), nil
}

// fromResult converts the agent's plan into loop state. Planning
// assumptions get P.<n> labels in report order.
func fromResult(r *agent.PlanningResult) *Outcome {
	out := &Outcome{}
	for _, s := range r.Steps {
		step := state.Step{ID: s.ID, Ticket: s.Ticket, Description: s.Description}
		for _, f := range s.Files {
			step.Files = append(step.Files, state.PlannedFile{
				Path: f.Path, Op: f.Op, Template: f.Template, Detail: f.Detail,
			})
		}
		out.Plan.Steps = append(out.Plan.Steps, step)
	}
	for i, a := range r.Assumptions {
		out.Assumptions = append(out.Assumptions, state.Assumption{
			Label:     state.PlanningLabel(i + 1),
			Selected:  a.Selected,
			Statement: a.Statement,
			Rationale: a.Rationale,
		})
	}
	if r.Exploration != nil {
		ex := &state.Exploration{
			Patterns:        r.Exploration.Patterns,
			RelevantModules: r.Exploration.RelevantModules,
		}
		for _, impl := range r.Exploration.SimilarImplementations {
			ex.SimilarImplementations = append(ex.SimilarImplementations, state.Implementation{
				File: impl.File, Relevance: impl.Relevance,
			})
		}
		out.Exploration = ex
	}
	return out
}

func subtaskList(subtasks []linear.Subtask) string {
	if len(subtasks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Subtasks\n\n")
	for _, st := range subtasks {
		fmt.Fprintf(&b, "- %s: %s", st.ID, st.Title)
		if len(st.BlockedBy) > 0 {
			fmt.Fprintf(&b, " (blocked by %s)", strings.Join(st.BlockedBy, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// exampleSubtask shows the planner one subtask body so plan steps can
// reference subtasks by identifier in the same shape.
func exampleSubtask(subtasks []linear.Subtask) string {
	for _, st := range subtasks {
		if st.Description == "" {
			continue
		}
		return fmt.Sprintf("\n    For reference, subtask %s reads:\n\n    %s\n",
			st.ID, strings.ReplaceAll(st.Description, "\n", "\n    "))
	}
	return ""
}

func priorAssumptions(prior []state.Assumption) string {
	if len(prior) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Previously Reviewed Assumptions\n\n")
	b.WriteString("A human reviewed the assumptions of an earlier plan. Honor the\n")
	b.WriteString("accepted ones and do not re-make the rejected ones.\n\n")
	for _, a := range prior {
		mark := "rejected"
		if a.Selected {
			mark = "accepted"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", mark, a.Label, a.Statement)
	}
	return b.String()
}
