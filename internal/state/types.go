// Package state models the resumable work-loop state and persists it to a
// ticket comment, with commit trailers as a secondary recovery channel and
// a local snapshot as a fast-path cache.
package state

import "fmt"

// PlannedFile is one file operation a step expects to perform.
type PlannedFile struct {
	Path     string `yaml:"path" json:"path"`
	Op       string `yaml:"op" json:"op"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	Detail   string `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// Step is one unit of the implementation plan. IDs are 1-based and stable
// for the life of the plan.
type Step struct {
	ID          int           `yaml:"id" json:"id"`
	Ticket      string        `yaml:"ticket,omitempty" json:"ticket,omitempty"`
	Description string        `yaml:"description" json:"description"`
	Files       []PlannedFile `yaml:"files,omitempty" json:"files,omitempty"`
	Done        bool          `yaml:"done" json:"done"`
}

// Plan is the ordered step list.
type Plan struct {
	Steps []Step `yaml:"steps" json:"steps"`
}

// NextPending returns the pending step with the lowest ID, or nil when all
// steps are done.
func (p *Plan) NextPending() *Step {
	var next *Step
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Done {
			continue
		}
		if next == nil || s.ID < next.ID {
			next = s
		}
	}
	return next
}

// MarkDone marks the given step done. Completion is monotonic: marking an
// already-done step again is a no-op, and unknown IDs are ignored.
func (p *Plan) MarkDone(id int) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			p.Steps[i].Done = true
			return
		}
	}
}

// AllDone reports whether every step is done. An empty plan is not done.
func (p *Plan) AllDone() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if !s.Done {
			return false
		}
	}
	return true
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id int) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Assumption is a decision the agent made about ambiguous requirements.
// Labels are phase-scoped: P.<n> for planning, <iteration>.<n> for work.
type Assumption struct {
	Label     string `yaml:"label" json:"label"`
	Selected  bool   `yaml:"selected" json:"selected"`
	Statement string `yaml:"statement" json:"statement"`
	Rationale string `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// PlanningLabel returns the label for the n-th planning assumption.
func PlanningLabel(n int) string { return fmt.Sprintf("P.%d", n) }

// WorkLabel returns the label for the n-th assumption of an iteration.
func WorkLabel(iteration, n int) string { return fmt.Sprintf("%d.%d", iteration, n) }

// Implementation points at existing code the planner found worth imitating.
type Implementation struct {
	File      string `yaml:"file" json:"file"`
	Relevance string `yaml:"relevance,omitempty" json:"relevance,omitempty"`
}

// Exploration records what the planning pass learned about the codebase.
type Exploration struct {
	Patterns               []string         `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	RelevantModules        []string         `yaml:"relevant_modules,omitempty" json:"relevant_modules,omitempty"`
	SimilarImplementations []Implementation `yaml:"similar_implementations,omitempty" json:"similar_implementations,omitempty"`
}

// Empty reports whether the exploration carries no findings.
func (e *Exploration) Empty() bool {
	return e == nil ||
		(len(e.Patterns) == 0 && len(e.RelevantModules) == 0 && len(e.SimilarImplementations) == 0)
}

// WorkState is everything needed to resume a run on a branch.
type WorkState struct {
	CommentID   string       `yaml:"comment_id,omitempty" json:"comment_id,omitempty"`
	Iterations  int          `yaml:"iterations" json:"iterations"`
	CurrentStep int          `yaml:"current_step,omitempty" json:"current_step,omitempty"` // 0 means none
	Plan        Plan         `yaml:"plan" json:"plan"`
	Assumptions []Assumption `yaml:"assumptions,omitempty" json:"assumptions,omitempty"`
	Exploration *Exploration `yaml:"exploration,omitempty" json:"exploration,omitempty"`
	Log         []string     `yaml:"log,omitempty" json:"log,omitempty"` // most recent first
}

// AppendLog prepends a log entry, keeping the newest first.
func (s *WorkState) AppendLog(entry string) {
	s.Log = append([]string{entry}, s.Log...)
}
