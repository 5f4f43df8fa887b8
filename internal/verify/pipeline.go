package verify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thruflo/loom/internal/agent"
	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/logging"
	"github.com/thruflo/loom/internal/state"
)

// Agent is the slice of the agent client the pipeline needs.
type Agent interface {
	Run(ctx context.Context, prompt string, opts agent.Options) (string, error)
	RunStructured(ctx context.Context, prompt string, opts agent.Options, out interface{ Validate() error }) error
}

// Failure describes one failed test command after extraction.
type Failure struct {
	Command     string
	Output      string
	Summary     string
	FailedTests []string
}

// Result is the combined outcome of one verification cycle.
type Result struct {
	Passed           bool
	TestErrors       []string
	ReviewIssues     []string
	CompletionIssues []string
	FixAttempts      int
}

// Options carries the per-run agent settings.
type Options struct {
	Model         string
	FixModel      string // override model for fix passes; empty uses Model
	Effort        string
	Yolo          bool
	FallbackTools string
}

func (o Options) agentOpts(op string, schema map[string]any) agent.Options {
	return agent.Options{
		Op:           op,
		Model:        o.Model,
		Effort:       o.Effort,
		Yolo:         o.Yolo,
		AllowedTools: o.FallbackTools,
		Schema:       schema,
	}
}

// maxIssueRepeats is the repeat guard: a review summary seen this many
// times defers the step to the next work iteration instead of burning fix
// attempts on it.
const maxIssueRepeats = 3

// Pipeline wires command execution and agent calls into the verification
// protocol.
type Pipeline struct {
	stack   *config.Stack
	prompts config.Prompts
	schemas map[string]map[string]any
	agent   Agent
	opts    Options
	log     *logging.Logger

	run     *runner
	changed func() ([]string, error)
	diff    func(ctx context.Context) string
}

// NewPipeline builds a Pipeline rooted at dir. changed returns the
// current uncommitted file set; diff returns the uncommitted diff for fix
// prompts.
func NewPipeline(
	dir string,
	stack *config.Stack,
	prompts config.Prompts,
	schemas map[string]map[string]any,
	ag Agent,
	opts Options,
	changed func() ([]string, error),
	diff func(ctx context.Context) string,
	log *logging.Logger,
) *Pipeline {
	timeout := time.Duration(stack.Limits.TestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Pipeline{
		stack:   stack,
		prompts: prompts,
		schemas: schemas,
		agent:   ag,
		opts:    opts,
		log:     log,
		run:     &runner{shell: runShell, dir: dir, timeout: timeout},
		changed: changed,
		diff:    diff,
	}
}

// Setup runs the setup commands serially. The first failure aborts.
func (p *Pipeline) Setup(ctx context.Context) error {
	for _, cmd := range p.stack.Setup {
		p.log.Info("setup", "command", cmd.Name)
		res := p.run.runOne(ctx, cmd.Name, cmd.Run)
		if !res.Passed {
			return fmt.Errorf("setup %s failed: %s", cmd.Name, tail(res.Output, 3000))
		}
	}
	return nil
}

// Preflight runs the applicable preflight test commands concurrently
// against the given changeset. Selection is identical to the main verify
// pass. Returns the failing results, empty on success.
func (p *Pipeline) Preflight(ctx context.Context, changedFiles []string) []RunResult {
	var names, commands []string
	for _, cmd := range Select(p.stack.Tests, changedFiles) {
		if !cmd.PreflightEnabled() {
			continue
		}
		names = append(names, cmd.Name)
		commands = append(commands, cmd.Run)
	}
	if len(commands) == 0 {
		p.log.Info("preflight: no commands applicable")
		return nil
	}

	p.log.Info("preflight", "commands", len(commands))
	var failures []RunResult
	for _, res := range p.run.runAll(ctx, names, commands) {
		if res.Passed {
			p.log.Info("preflight pass", "command", res.Name)
		} else {
			p.log.Warn("preflight fail", "command", res.Name)
			failures = append(failures, res)
		}
	}
	return failures
}

// Format runs the applicable format commands serially before a commit.
func (p *Pipeline) Format(ctx context.Context) error {
	changed, err := p.changed()
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	for _, cmd := range SelectCommands(p.stack.Format, changed) {
		res := p.run.runOne(ctx, cmd.Name, cmd.Run)
		if !res.Passed {
			return fmt.Errorf("format %s failed: %s", cmd.Name, tail(res.Output, 2000))
		}
	}
	return nil
}

// VerifyStep runs the full verification cycle for a step the agent
// reported done: completion check, test stage with bounded fixes, then
// the review gate with bounded fixes and the repeat-issue guard.
func (p *Pipeline) VerifyStep(ctx context.Context, step *state.Step, taskDescription string) (*Result, error) {
	if step != nil {
		complete, missing, err := p.completionCheck(ctx, step)
		if err != nil {
			return nil, err
		}
		if !complete {
			p.log.Warn("completion check fail", "step", step.ID, "missing", missing)
			return &Result{CompletionIssues: []string{missing}}, nil
		}
		p.log.Info("completion check pass", "step", step.ID)
	}

	stepDesc := ""
	if step != nil {
		stepDesc = step.Description
	}

	failure, err := p.testStage(ctx, stepDesc, taskDescription)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return &Result{TestErrors: []string{failure.Summary}, FixAttempts: p.stack.Limits.MaxFixAttempts}, nil
	}

	return p.reviewStage(ctx, stepDesc, taskDescription)
}

// testStage runs tests and drives the bounded fix loop. A narrowed
// (filtered) pass triggers one full run before success is declared.
func (p *Pipeline) testStage(ctx context.Context, stepDesc, taskDescription string) (*Failure, error) {
	failure, err := p.runTests(ctx, nil)
	if err != nil || failure == nil {
		return failure, err
	}

	for attempt := 1; attempt <= p.stack.Limits.MaxFixAttempts; attempt++ {
		p.log.Info("test fix attempt", "attempt", attempt, "limit", p.stack.Limits.MaxFixAttempts)
		if err := p.testFix(ctx, failure, stepDesc, taskDescription); err != nil {
			return nil, err
		}

		narrowed := len(failure.FailedTests) > 0
		failure, err = p.runTests(ctx, failure.FailedTests)
		if err != nil {
			return nil, err
		}
		if failure == nil && narrowed {
			// The subset passed; confirm with a full run.
			failure, err = p.runTests(ctx, nil)
			if err != nil {
				return nil, err
			}
		}
		if failure == nil {
			return nil, nil
		}
	}
	return failure, nil
}

// runTests executes the applicable test commands concurrently. When
// failedTests is non-empty, commands with a filter template re-run only
// those tests. Returns nil when everything passed.
func (p *Pipeline) runTests(ctx context.Context, failedTests []string) (*Failure, error) {
	changed, err := p.changed()
	if err != nil {
		return nil, err
	}

	var names, commands []string
	for _, cmd := range Select(p.stack.Tests, changed) {
		run := cmd.Run
		name := cmd.Name
		if len(failedTests) > 0 && cmd.Filter != "" {
			var filters []string
			for _, test := range failedTests {
				filters = append(filters, config.RenderTemplate(cmd.Filter, map[string]string{"test": test}))
			}
			run = run + " " + strings.Join(filters, " ")
			name = fmt.Sprintf("%s (%d failing)", name, len(failedTests))
		}
		names = append(names, name)
		commands = append(commands, run)
	}
	if len(commands) == 0 {
		p.log.Info("tests: no commands applicable")
		return nil, nil
	}

	for _, res := range p.run.runAll(ctx, names, commands) {
		if res.Passed {
			continue
		}
		p.log.Warn("tests fail", "command", res.Name)
		return p.extractFailure(ctx, res)
	}
	p.log.Info("tests pass", "commands", strings.Join(names, ", "))
	return nil, nil
}

// extractFailure distills a failed command's output through the agent.
// Extraction failure degrades to the raw output tail rather than blocking
// the fix loop.
func (p *Pipeline) extractFailure(ctx context.Context, res RunResult) (*Failure, error) {
	if res.TimedOut {
		return &Failure{
			Command: res.Name,
			Output:  res.Output,
			Summary: fmt.Sprintf("timed out after %s", p.run.timeout),
		}, nil
	}

	tmpl, ok := p.prompts.String("test", "extract_prompt")
	if !ok {
		return &Failure{Command: res.Name, Output: tail(res.Output, 5000)}, nil
	}
	prompt := config.RenderTemplate(tmpl, map[string]string{"output": res.Output})

	var extraction agent.TestExtraction
	err := p.agent.RunStructured(ctx, prompt, agent.Options{
		Op:     "test_extraction",
		Model:  "haiku",
		Schema: p.schemas["test_extraction"],
	}, &extraction)
	if err != nil {
		p.log.Warn("test extraction failed, using raw output", "cause", err)
		return &Failure{Command: res.Name, Output: tail(res.Output, 5000)}, nil
	}

	return &Failure{
		Command:     res.Name,
		Output:      extraction.ExtractedOutput,
		Summary:     extraction.Summary,
		FailedTests: extraction.FailedTests,
	}, nil
}

// testFix asks the agent to fix a test failure.
func (p *Pipeline) testFix(ctx context.Context, failure *Failure, stepDesc, taskDescription string) error {
	tmpl, ok := p.prompts.String("test", "fix_prompt")
	if !ok {
		tmpl = "Fix this error:\n{output}"
	}
	prompt := config.RenderTemplate(tmpl, map[string]string{
		"command_name":     failure.Command,
		"step_desc":        stepDesc,
		"task_description": taskDescription,
		"git_diff":         p.diff(ctx),
		"output":           failure.Output,
	})
	_, err := p.agent.Run(ctx, prompt, p.opts.fixOpts("test_fix"))
	return err
}

// reviewStage drives the lightweight review/fix loop with the
// repeat-issue guard.
func (p *Pipeline) reviewStage(ctx context.Context, stepDesc, taskDescription string) (*Result, error) {
	var reviewIssues []string
	issueCounts := map[string]int{}

	for attempt := 0; attempt < p.stack.Limits.MaxFixAttempts; attempt++ {
		approved, issue, err := p.reviewLight(ctx, stepDesc)
		if err != nil {
			return nil, err
		}
		if approved {
			p.log.Info("review pass", "attempts", attempt)
			return &Result{Passed: true, ReviewIssues: reviewIssues, FixAttempts: attempt}, nil
		}

		issue = truncate(issue, 100)
		issueCounts[issue]++
		if issueCounts[issue] >= maxIssueRepeats {
			p.log.Warn("review issue repeated, deferring", "issue", issue)
			return &Result{ReviewIssues: append(reviewIssues, issue), FixAttempts: attempt + 1}, nil
		}
		reviewIssues = append(reviewIssues, issue)

		if err := p.fix(ctx, issue); err != nil {
			return nil, err
		}

		// Fixes may have broken tests; re-run the test stage.
		failure, err := p.testStage(ctx, stepDesc, taskDescription)
		if err != nil {
			return nil, err
		}
		if failure != nil {
			return &Result{
				TestErrors:   []string{failure.Summary},
				ReviewIssues: reviewIssues,
				FixAttempts:  attempt + 1,
			}, nil
		}
	}
	return &Result{ReviewIssues: reviewIssues, FixAttempts: p.stack.Limits.MaxFixAttempts}, nil
}

// reviewLight runs the fast re-check review.
func (p *Pipeline) reviewLight(ctx context.Context, taskTitle string) (bool, string, error) {
	tmpl, err := p.prompts.Template("review_light")
	if err != nil {
		return false, "", err
	}
	prompt := config.RenderTemplate(tmpl, map[string]string{"task_title": taskTitle})

	var result agent.ReviewLightResult
	err = p.agent.RunStructured(ctx, prompt, p.opts.agentOpts("review_light", p.schemas["review_light"]), &result)
	if err != nil {
		return false, "", err
	}
	return result.Approved, result.Issue, nil
}

// Review runs the full review with prioritized findings. Only findings
// above minor priority block approval.
func (p *Pipeline) Review(ctx context.Context, taskTitle, taskDescription string, assumptions []state.Assumption) (*agent.ReviewResult, error) {
	tmpl, err := p.prompts.Template("review")
	if err != nil {
		return nil, err
	}

	var section strings.Builder
	if len(assumptions) > 0 {
		section.WriteString("\n## Assumptions Made\n")
		for _, a := range assumptions {
			if !a.Selected {
				continue
			}
			fmt.Fprintf(&section, "- [%s] %s", a.Label, a.Statement)
			if a.Rationale != "" {
				fmt.Fprintf(&section, " (rationale: %s)", a.Rationale)
			}
			section.WriteString("\n")
		}
	}

	prompt := config.RenderTemplate(tmpl, map[string]string{
		"task_title":          taskTitle,
		"task_description":    taskDescription,
		"assumptions_section": section.String(),
	})

	var result agent.ReviewResult
	err = p.agent.RunStructured(ctx, prompt, p.opts.agentOpts("review", p.schemas["review"]), &result)
	if err != nil {
		return nil, err
	}
	// Minor-only findings approve regardless of the agent's own verdict.
	result.Approved = len(result.Issues()) == 0
	return &result, nil
}

// Fix asks the agent to address review issues.
func (p *Pipeline) Fix(ctx context.Context, issues string) error {
	return p.fix(ctx, issues)
}

func (p *Pipeline) fix(ctx context.Context, issues string) error {
	tmpl, err := p.prompts.Template("fix")
	if err != nil {
		return err
	}
	prompt := config.RenderTemplate(tmpl, map[string]string{"issues": issues})
	_, err = p.agent.Run(ctx, prompt, p.opts.fixOpts("fix"))
	return err
}

// Coverage runs the configured coverage gate command. Returns passed and
// the command output; no configured command passes trivially.
func (p *Pipeline) Coverage(ctx context.Context) (bool, string) {
	if p.stack.Coverage.Run == "" {
		return true, ""
	}
	res := p.run.runOne(ctx, "coverage", p.stack.Coverage.Run)
	return res.Passed, res.Output
}

// CoverageFix asks the agent to raise coverage given the gate output.
func (p *Pipeline) CoverageFix(ctx context.Context, output string) error {
	tmpl, err := p.prompts.Template("coverage_fix")
	if err != nil {
		return err
	}
	changed, err := p.changed()
	if err != nil {
		return err
	}
	prompt := config.RenderTemplate(tmpl, map[string]string{
		"changed_files": strings.Join(changed, "\n"),
		"error_output":  output,
	})
	_, err = p.agent.Run(ctx, prompt, p.opts.fixOpts("coverage_fix"))
	return err
}

// completionCheck judges whether a reported-done step achieved its goal.
// A malformed response is treated as complete: the check is advisory.
func (p *Pipeline) completionCheck(ctx context.Context, step *state.Step) (bool, string, error) {
	tmpl, err := p.prompts.Template("completion_check")
	if err != nil {
		return false, "", err
	}

	filesContext := "(no planned files)"
	if len(step.Files) > 0 {
		var lines []string
		for _, f := range step.Files {
			line := fmt.Sprintf("- %s: %s", strings.ToUpper(f.Op), f.Path)
			var extras []string
			if f.Template != "" {
				extras = append(extras, "template: "+f.Template)
			}
			if f.Detail != "" {
				extras = append(extras, "detail: "+f.Detail)
			}
			if len(extras) > 0 {
				line += " (" + strings.Join(extras, ", ") + ")"
			}
			lines = append(lines, line)
		}
		filesContext = strings.Join(lines, "\n")
	}

	prompt := config.RenderTemplate(tmpl, map[string]string{
		"step_id":       fmt.Sprint(step.ID),
		"step_desc":     step.Description,
		"files_context": filesContext,
	})

	var result agent.CompletionCheck
	err = p.agent.RunStructured(ctx, prompt, p.opts.agentOpts("completion_check", p.schemas["completion_check"]), &result)
	if err != nil {
		p.log.Warn("completion check unusable, treating as complete", "cause", err)
		return true, "", nil
	}
	return result.Complete, result.Missing, nil
}

// fixOpts selects the fix model when one is configured.
func (o Options) fixOpts(op string) agent.Options {
	opts := o.agentOpts(op, nil)
	if o.FixModel != "" {
		opts.Model = o.FixModel
	}
	return opts
}

// tail keeps the last n bytes, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// truncate keeps the first n bytes, ending on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
