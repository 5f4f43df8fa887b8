package agent

import (
	"errors"
	"fmt"
)

// Finding priorities. A review approves only when nothing above minor
// remains open.
const (
	PriorityCritical  = "critical"
	PriorityImportant = "important"
	PriorityMinor     = "minor"
)

// PlannedFile is one file operation a plan step expects.
type PlannedFile struct {
	Op       string `json:"op"`
	Path     string `json:"path"`
	Template string `json:"template,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// PlanStep is one step of an implementation plan.
type PlanStep struct {
	ID          int           `json:"id"`
	Ticket      string        `json:"ticket,omitempty"`
	Description string        `json:"description"`
	DependsOn   []int         `json:"depends_on,omitempty"`
	Files       []PlannedFile `json:"files,omitempty"`
}

// RawAssumption is an assumption as the agent reports it, before loom
// assigns phase-scoped labels.
type RawAssumption struct {
	ID        string `json:"id"`
	Selected  bool   `json:"selected"`
	Statement string `json:"statement"`
	Rationale string `json:"rationale,omitempty"`
}

// Exploration captures what the planning pass learned about the codebase.
type Exploration struct {
	Patterns               []string         `json:"patterns,omitempty"`
	RelevantModules        []string         `json:"relevant_modules,omitempty"`
	SimilarImplementations []Implementation `json:"similar_implementations,omitempty"`
}

// Implementation points at existing code worth imitating.
type Implementation struct {
	File      string `json:"file"`
	Relevance string `json:"relevance,omitempty"`
}

// PlanningResult is the planning schema's output.
type PlanningResult struct {
	Exploration *Exploration    `json:"exploration,omitempty"`
	Steps       []PlanStep      `json:"steps"`
	Assumptions []RawAssumption `json:"assumptions"`
}

// Validate checks structural invariants the schema cannot express.
func (r *PlanningResult) Validate() error {
	if len(r.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	seen := make(map[int]bool, len(r.Steps))
	for _, s := range r.Steps {
		if s.ID <= 0 {
			return fmt.Errorf("step %q has non-positive id %d", s.Description, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %d", s.ID)
		}
		seen[s.ID] = true
		if s.Description == "" {
			return fmt.Errorf("step %d has no description", s.ID)
		}
	}
	for _, s := range r.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %d depends on unknown step %d", s.ID, dep)
			}
		}
	}
	return nil
}

// WorkResult is the work schema's output for one iteration.
//
// StepDone is nil while the step is in progress. Blocked, when non-empty,
// describes what human input is required; the loop treats it as terminal.
type WorkResult struct {
	StepDone    *int            `json:"step_done"`
	Blocked     string          `json:"blocked,omitempty"`
	Summary     string          `json:"summary"`
	Assumptions []RawAssumption `json:"assumptions,omitempty"`
}

func (r *WorkResult) Validate() error {
	if r.Summary == "" {
		return errors.New("work result has no summary")
	}
	return nil
}

// TestExtraction distills a failed command's output.
type TestExtraction struct {
	ExtractedOutput string   `json:"extracted_output"`
	Summary         string   `json:"summary"`
	FailedTests     []string `json:"failed_tests"`
}

func (r *TestExtraction) Validate() error {
	if r.ExtractedOutput == "" {
		return errors.New("test extraction has no output")
	}
	return nil
}

// Finding is one review observation.
type Finding struct {
	Category string `json:"category"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
	Detail   string `json:"detail"`
}

// Blocking reports whether the finding must be fixed before approval.
func (f Finding) Blocking() bool {
	return f.Status == "issue" && f.Priority != PriorityMinor
}

// ReviewResult is the full review schema's output.
type ReviewResult struct {
	Approved bool      `json:"approved"`
	Findings []Finding `json:"findings"`
	Summary  string    `json:"summary"`
}

func (r *ReviewResult) Validate() error {
	if !r.Approved && r.Summary == "" && len(r.Findings) == 0 {
		return errors.New("rejecting review carries no findings or summary")
	}
	return nil
}

// Issues returns the blocking findings formatted for a fix prompt.
func (r *ReviewResult) Issues() []string {
	var out []string
	for _, f := range r.Findings {
		if f.Blocking() {
			out = append(out, fmt.Sprintf("[%s/%s] %s", f.Category, f.Priority, f.Detail))
		}
	}
	return out
}

// ReviewLightResult is the lightweight re-check schema's output.
type ReviewLightResult struct {
	Approved bool   `json:"approved"`
	Issue    string `json:"issue,omitempty"`
}

func (r *ReviewLightResult) Validate() error {
	if !r.Approved && r.Issue == "" {
		return errors.New("rejecting light review carries no issue")
	}
	return nil
}

// CompletionCheck judges whether a reported-done step achieved its goal.
type CompletionCheck struct {
	Complete bool   `json:"complete"`
	Missing  string `json:"missing,omitempty"`
}

func (r *CompletionCheck) Validate() error {
	if !r.Complete && r.Missing == "" {
		return errors.New("incomplete check names nothing missing")
	}
	return nil
}

// ConclusionResult is the review guide generated after all steps pass.
type ConclusionResult struct {
	Summary            string   `json:"summary"`
	RiskAreas          []string `json:"risk_areas,omitempty"`
	ManualVerification []string `json:"manual_verification,omitempty"`
}

func (r *ConclusionResult) Validate() error {
	if r.Summary == "" {
		return errors.New("conclusion has no summary")
	}
	return nil
}

// SlugResult is the branch slug schema's output.
type SlugResult struct {
	Slug string `json:"slug"`
}

func (r *SlugResult) Validate() error {
	if r.Slug == "" {
		return errors.New("empty slug")
	}
	return nil
}
