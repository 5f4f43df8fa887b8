// Package loop is the work-loop state machine: it selects the next plan
// step, invokes the agent, routes the result through verification, commits
// progress, and persists resumable state after every iteration.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thruflo/loom/internal/agent"
	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/editor"
	"github.com/thruflo/loom/internal/gitx"
	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/logging"
	"github.com/thruflo/loom/internal/state"
	"github.com/thruflo/loom/internal/verify"
)

// ExitReason is the terminal state of a run.
type ExitReason string

const (
	ExitAllDone        ExitReason = "ALL_DONE"
	ExitIterationLimit ExitReason = "ITERATION_LIMIT"
	ExitBlocked        ExitReason = "BLOCKED"
)

// Code maps the terminal state to a process exit code. Fatal errors use 1.
func (r ExitReason) Code() int {
	switch r {
	case ExitAllDone:
		return 0
	case ExitIterationLimit:
		return 2
	case ExitBlocked:
		return 3
	}
	return 1
}

// Agent is the slice of the agent client the loop needs.
type Agent interface {
	RunStructured(ctx context.Context, prompt string, opts agent.Options, out interface{ Validate() error }) error
}

// Verifier is the slice of the verify pipeline the loop needs.
type Verifier interface {
	VerifyStep(ctx context.Context, step *state.Step, taskDescription string) (*verify.Result, error)
	Format(ctx context.Context) error
	Review(ctx context.Context, taskTitle, taskDescription string, assumptions []state.Assumption) (*agent.ReviewResult, error)
	Coverage(ctx context.Context) (passed bool, output string)
	CoverageFix(ctx context.Context, output string) error
}

// Git is the slice of the repository the loop needs.
type Git interface {
	Path() string
	ChangedFiles() ([]string, error)
	CommitAll(message, authorName, authorEmail string) (string, error)
	BranchCommits(base, branch string) ([]string, error)
}

// Saver persists work state to the ticket comment.
type Saver interface {
	Save(ctx context.Context, issueUUID, branch string, st *state.WorkState) error
	Append(ctx context.Context, issueUUID, branch string, st *state.WorkState, extra string) error
}

// SubtaskFetcher resolves a step's own ticket when it differs from the
// parent.
type SubtaskFetcher interface {
	FetchSubtask(ctx context.Context, id string) (*linear.Subtask, error)
}

// Reviewer is the interactive assumption review boundary.
type Reviewer func(assumptions []state.Assumption, context string) (*editor.Result, error)

// Config carries the per-run settings of a loop.
type Config struct {
	Ticket     *linear.Ticket
	Branch     string
	BaseBranch string

	Stack   *config.Stack
	Prompts config.Prompts
	Schemas map[string]map[string]any

	// AgentOpts is the base for every agent call; Op and Schema are set
	// per call.
	AgentOpts agent.Options

	SkipVerify        bool
	AlwaysInteractive bool
	Push              bool

	// SnapshotDir enables the local state snapshot when non-empty.
	SnapshotDir string

	AuthorName  string
	AuthorEmail string
}

// Loop drives one ticket's plan to completion.
type Loop struct {
	cfg      Config
	agent    Agent
	pipe     Verifier
	git      Git
	store    Saver
	subtasks SubtaskFetcher
	log      *logging.Logger

	reviewer Reviewer
	push     func(ctx context.Context, repoPath, branch string) error
	now      func() time.Time
	out      io.Writer

	// Failure context from the previous verify attempt, folded into the
	// next work prompt. At most one is set at a time.
	lastTestError        string
	lastReviewIssues     string
	lastCompletionIssues string
}

func New(cfg Config, ag Agent, pipe Verifier, git Git, store Saver, subtasks SubtaskFetcher, log *logging.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		agent:    ag,
		pipe:     pipe,
		git:      git,
		store:    store,
		subtasks: subtasks,
		log:      log,
		reviewer: func(a []state.Assumption, context string) (*editor.Result, error) {
			return editor.Review(a, context, os.Stderr)
		},
		push: gitx.Push,
		now:  time.Now,
		out:  os.Stdout,
	}
}

// Run executes iterations until the plan completes, the iteration budget
// is exhausted, or the agent blocks. The passed state is mutated and
// persisted as the run progresses.
func (l *Loop) Run(ctx context.Context, st *state.WorkState) (ExitReason, error) {
	resumed := st.Iterations
	if resumed > 0 {
		l.recoverFailureContext()
	}

	for n := 1; ; n++ {
		step := st.Plan.NextPending()
		if step == nil {
			if err := l.conclude(ctx, st); err != nil {
				l.log.Warn("conclusion failed", "cause", err)
			}
			return ExitAllDone, nil
		}

		iteration := resumed + n
		if iteration > l.cfg.Stack.Limits.MaxIterations {
			st.CurrentStep = step.ID
			l.saveState(ctx, st, fmt.Sprintf("iteration limit %d reached, step %d pending",
				l.cfg.Stack.Limits.MaxIterations, step.ID))
			return ExitIterationLimit, nil
		}

		blocked, err := l.iterate(ctx, st, step, iteration)
		if err != nil {
			var agentErr *agent.Error
			if errors.As(err, &agentErr) {
				// Malformed output was already retried once verbatim.
				st.AppendLog(fmt.Sprintf("%s blocked: %s", l.stamp(), agentErr.Error()))
				st.Iterations = iteration
				l.persist(ctx, st)
				return ExitBlocked, nil
			}
			return "", err
		}
		if blocked {
			return ExitBlocked, nil
		}
	}
}

// recoverFailureContext restores the last failure from commit trailers on
// resume so the first work prompt does not repeat a known-bad attempt.
func (l *Loop) recoverFailureContext() {
	commits, err := l.git.BranchCommits(l.cfg.BaseBranch, l.cfg.Branch)
	if err != nil {
		return
	}
	rec := state.RecoverFromCommits(commits)
	if rec.LastTestError != "" {
		l.setFailureContext(rec.LastTestError, "", "")
	} else if rec.LastReviewIssues != "" {
		l.setFailureContext("", rec.LastReviewIssues, "")
	}
}

// iterate runs one full SELECT_STEP..SAVE_STATE cycle. A verify failure
// with budget remaining loops back to the work phase inside the same
// iteration.
func (l *Loop) iterate(ctx context.Context, st *state.WorkState, step *state.Step, iteration int) (blocked bool, err error) {
	st.CurrentStep = step.ID
	l.log.Info("step selected", "step", step.ID, "ticket", l.commitTicket(step), "iteration", iteration)
	if msg := l.failureNote(); msg != "" {
		l.log.Warn("retrying with failure context", "context", truncate(msg, 70))
	}

	var (
		stepDone  bool
		passed    = true
		summary   string
		newLabels []string
	)

	for verifyAttempts := 0; ; {
		var work agent.WorkResult
		if err := l.executeWork(ctx, st, step, iteration, &work); err != nil {
			return false, err
		}
		summary = work.Summary

		labels, abort, err := l.handleAssumptions(st, step, iteration, work.Assumptions)
		if err != nil {
			return false, err
		}
		newLabels = append(newLabels, labels...)
		if abort {
			return false, errors.New("assumption review aborted")
		}

		// CHECK_COMPLETION
		stepDone = false
		if work.Blocked != "" {
			label := state.WorkLabel(iteration, len(labels)+1)
			st.Assumptions = append(st.Assumptions, state.Assumption{
				Label:     label,
				Statement: "MANUAL: " + work.Blocked,
				Rationale: "blocked, requires manual action",
			})
			newLabels = append(newLabels, label)
			l.log.Warn("agent blocked", "reason", work.Blocked)

			if work.StepDone == nil {
				// No progress at all: finish the iteration and stop.
				l.commitChanges(ctx, st, step, iteration, false, newLabels)
				l.finishIteration(st, iteration)
				l.saveState(ctx, st, fmt.Sprintf("Iter %d - blocked: %s", iteration, truncate(work.Blocked, 120)))
				return true, nil
			}
			l.log.Info("blocked reason recorded, continuing with partial progress")
		}

		if work.StepDone != nil {
			switch *work.StepDone {
			case step.ID:
				stepDone = true
			default:
				// Advisory only: completion is authoritative only for the
				// selected step.
				l.log.Warn("agent claimed a different step", "claimed", *work.StepDone, "selected", step.ID)
			}
		} else {
			l.log.Info("step in progress", "step", step.ID)
		}

		// VERIFY_STEP
		if !stepDone {
			break
		}
		if l.cfg.SkipVerify {
			st.Plan.MarkDone(step.ID)
			l.setFailureContext("", "", "")
			break
		}

		res, err := l.pipe.VerifyStep(ctx, step, l.cfg.Ticket.Description)
		if err != nil {
			return false, err
		}
		if res.Passed {
			passed = true
			st.Plan.MarkDone(step.ID)
			l.setFailureContext("", "", "")
			break
		}

		passed = false
		l.adoptFailure(res)
		verifyAttempts++
		if verifyAttempts < l.cfg.Stack.Limits.MaxVerifyAttempts {
			l.log.Warn("verify failed, retrying work phase",
				"attempt", verifyAttempts, "limit", l.cfg.Stack.Limits.MaxVerifyAttempts)
			continue
		}
		l.log.Warn("verify budget exhausted", "step", step.ID)
		break
	}

	// COMMIT_CHANGES then SAVE_STATE, the sole durability checkpoint.
	l.commitChanges(ctx, st, step, iteration, !passed, newLabels)
	l.finishIteration(st, iteration)
	l.saveState(ctx, st, l.logEntry(iteration, step, stepDone, passed, summary))
	return false, nil
}

// finishIteration records the iteration count and points the state at the
// next pending step, or clears it when the plan completed.
func (l *Loop) finishIteration(st *state.WorkState, iteration int) {
	st.Iterations = iteration
	if next := st.Plan.NextPending(); next != nil {
		st.CurrentStep = next.ID
	} else {
		st.CurrentStep = 0
	}
}

// handleAssumptions labels and appends the iteration's assumptions,
// pausing for interactive review when enabled.
func (l *Loop) handleAssumptions(st *state.WorkState, step *state.Step, iteration int, raw []agent.RawAssumption) (labels []string, abort bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	fresh := make([]state.Assumption, 0, len(raw))
	for i, a := range raw {
		fresh = append(fresh, state.Assumption{
			Label:     state.WorkLabel(iteration, i+1),
			Selected:  a.Selected,
			Statement: a.Statement,
			Rationale: a.Rationale,
		})
	}

	if l.cfg.AlwaysInteractive {
		res, err := l.reviewer(fresh, fmt.Sprintf("%s step %d: %s", l.cfg.Ticket.ID, step.ID, step.Description))
		if err != nil {
			return nil, false, err
		}
		if res.Action == editor.ActionAbort {
			return nil, true, nil
		}
		// A replan request mid-work cannot rebuild the plan; the toggles
		// still apply.
		fresh = res.Assumptions
	}

	for _, a := range fresh {
		l.log.Info("assumption", "label", a.Label, "selected", a.Selected, "statement", truncate(a.Statement, 90))
		labels = append(labels, a.Label)
	}
	st.Assumptions = append(st.Assumptions, fresh...)
	return labels, false, nil
}

// executeWork builds the work prompt and invokes the agent.
func (l *Loop) executeWork(ctx context.Context, st *state.WorkState, step *state.Step, iteration int, out *agent.WorkResult) error {
	tmpl, err := l.cfg.Prompts.Template("work")
	if err != nil {
		return err
	}

	prompt := config.RenderTemplate(tmpl, map[string]string{
		"ticket_id":           l.cfg.Ticket.ID,
		"title":               l.cfg.Ticket.Title,
		"description":         l.cfg.Ticket.Description,
		"subtask_context":     l.subtaskContext(ctx, step),
		"exploration_context": explorationContext(st.Exploration),
		"prior_context":       l.priorContext(),
		"plan_checklist":      planChecklist(&st.Plan, step.ID),
		"current_step":        fmt.Sprint(step.ID),
		"step_desc":           step.Description,
		"files_context":       filesContext(step.Files),
		"iteration_context":   iterationContext(iteration, step.ID),
	})

	opts := l.cfg.AgentOpts
	opts.Op = "work"
	opts.Schema = l.cfg.Schemas["work"]
	return l.agent.RunStructured(ctx, prompt, opts, out)
}

// commitChanges commits the working tree when it changed, carrying the
// iteration's metadata as trailers. Commit failures are reported but do
// not end the run: the work itself is still on disk.
func (l *Loop) commitChanges(ctx context.Context, st *state.WorkState, step *state.Step, iteration int, failed bool, labels []string) {
	changed, err := l.git.ChangedFiles()
	if err != nil {
		l.log.Warn("reading changed files failed", "cause", err)
		return
	}
	if len(changed) == 0 {
		l.log.Info("no changes to commit")
		return
	}

	if err := l.pipe.Format(ctx); err != nil {
		l.log.Warn("format failed", "cause", err)
	}
	if after, err := l.git.ChangedFiles(); err == nil {
		changed = after
	}

	status := "PASS"
	if failed {
		status = "FAIL"
	}
	trailer := state.FormatTrailers(state.TrailerInfo{
		Iteration:        iteration,
		Step:             step.ID,
		Status:           status,
		Files:            changed,
		AssumptionLabels: labels,
		TestError:        truncate(l.lastTestError, 200),
		ReviewIssues:     truncate(l.lastReviewIssues, 200),
	})
	msg := gitx.BuildMessage(gitx.MessageOptions{
		Ticket:  l.commitTicket(step),
		Title:   fmt.Sprintf("step %d: %s", step.ID, step.Description),
		Body:    step.Description,
		Failed:  failed,
		Trailer: trailer,
	})

	sha, err := l.git.CommitAll(msg, l.cfg.AuthorName, l.cfg.AuthorEmail)
	if err != nil {
		l.log.Warn("commit failed", "cause", err)
		return
	}
	l.log.Info("committed", "sha", sha, "files", len(changed), "status", status)

	if l.cfg.Push {
		if err := l.push(ctx, l.git.Path(), l.cfg.Branch); err != nil {
			l.log.Warn("push failed", "cause", err)
		}
	}
}

// saveState persists the state comment and the local snapshot.
func (l *Loop) saveState(ctx context.Context, st *state.WorkState, entry string) {
	st.AppendLog(fmt.Sprintf("%s %s", l.stamp(), entry))
	l.persist(ctx, st)
}

func (l *Loop) persist(ctx context.Context, st *state.WorkState) {
	if err := l.store.Save(ctx, l.cfg.Ticket.UUID, l.cfg.Branch, st); err != nil {
		l.log.Warn("saving state comment failed", "cause", err)
	}
	if l.cfg.SnapshotDir != "" {
		if err := state.SaveSnapshot(l.cfg.SnapshotDir, l.cfg.Branch, st); err != nil {
			l.log.Warn("saving snapshot failed", "cause", err)
		}
	}
}

func (l *Loop) logEntry(iteration int, step *state.Step, stepDone, passed bool, summary string) string {
	if !stepDone {
		return fmt.Sprintf("Iter %d - step %d in progress", iteration, step.ID)
	}
	mark := "✓"
	status := "APPROVED"
	if !passed {
		mark = "✗"
		status = "NEEDS_FIXES"
	}
	entry := fmt.Sprintf("Iter %d - step %d %s (%s)", iteration, step.ID, mark, status)
	if summary != "" {
		entry += ": " + truncate(summary, 120)
	}
	return entry
}

func (l *Loop) commitTicket(step *state.Step) string {
	if step.Ticket != "" {
		return step.Ticket
	}
	return l.cfg.Ticket.ID
}

// adoptFailure folds a failed verify result into the next work prompt.
// The three contexts are mutually exclusive; completion issues win, then
// test errors, then review issues.
func (l *Loop) adoptFailure(res *verify.Result) {
	switch {
	case len(res.CompletionIssues) > 0:
		l.setFailureContext("", "", strings.Join(res.CompletionIssues, "; "))
	case len(res.TestErrors) > 0:
		l.setFailureContext(res.TestErrors[0], "", "")
	default:
		l.setFailureContext("", strings.Join(res.ReviewIssues, "; "), "")
	}
}

func (l *Loop) setFailureContext(testError, reviewIssues, completionIssues string) {
	l.lastTestError = testError
	l.lastReviewIssues = reviewIssues
	l.lastCompletionIssues = completionIssues
}

func (l *Loop) failureNote() string {
	switch {
	case l.lastTestError != "":
		return l.lastTestError
	case l.lastCompletionIssues != "":
		return l.lastCompletionIssues
	default:
		return l.lastReviewIssues
	}
}

func (l *Loop) subtaskContext(ctx context.Context, step *state.Step) string {
	if step.Ticket == "" || step.Ticket == l.cfg.Ticket.ID || l.subtasks == nil {
		return ""
	}
	sub, err := l.subtasks.FetchSubtask(ctx, step.Ticket)
	if err != nil {
		l.log.Warn("fetching subtask failed", "ticket", step.Ticket, "cause", err)
		return ""
	}
	desc := sub.Description
	if desc == "" {
		desc = "(no description)"
	}
	return fmt.Sprintf("\n## Subtask: %s - %s\n\n%s\n\nFocus on implementing this subtask's scope, not the entire ticket.\n",
		sub.ID, sub.Title, desc)
}

func (l *Loop) priorContext() string {
	var b strings.Builder
	if l.lastTestError != "" {
		fmt.Fprintf(&b, "\n## Previous Test Failure - Fix This First\n\nThe previous iteration completed the code but tests failed:\n```\n%s\n```\nInvestigate and fix the failure before marking the step done. Do not\nre-implement the same code.\n", l.lastTestError)
	}
	if l.lastCompletionIssues != "" {
		fmt.Fprintf(&b, "\n## Step Incomplete - Finish This Work\n\nThe completion check found the step's goal was not fully achieved:\n```\n%s\n```\nComplete the missing work, then signal step_done.\n", l.lastCompletionIssues)
	}
	if l.lastReviewIssues != "" {
		fmt.Fprintf(&b, "\n## Previous Review Issues - Address These\n\nThe previous iteration's review found unresolved issues:\n```\n%s\n```\nAddress them before marking the step done.\n", l.lastReviewIssues)
	}
	return b.String()
}

func (l *Loop) stamp() string {
	return l.now().Format("15:04")
}

func planChecklist(plan *state.Plan, currentID int) string {
	var b strings.Builder
	for _, s := range plan.Steps {
		box := " "
		if s.Done {
			box = "x"
		}
		ticket := ""
		if s.Ticket != "" {
			ticket = fmt.Sprintf(" (%s)", s.Ticket)
		}
		fmt.Fprintf(&b, "- [%s] **%d**%s: %s", box, s.ID, ticket, s.Description)
		if s.ID == currentID {
			b.WriteString(" ← YOU ARE HERE")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func filesContext(files []state.PlannedFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### Planned files\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s: %s", strings.ToUpper(f.Op), f.Path)
		if f.Template != "" {
			fmt.Fprintf(&b, " (template: %s)", f.Template)
		}
		if f.Detail != "" {
			fmt.Fprintf(&b, " - %s", f.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func explorationContext(e *state.Exploration) string {
	if e.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Exploration Findings\n")
	if len(e.Patterns) > 0 {
		b.WriteString("\nPatterns to follow:\n")
		for _, p := range e.Patterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(e.RelevantModules) > 0 {
		b.WriteString("\nRelevant modules:\n")
		for _, m := range e.RelevantModules {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	if len(e.SimilarImplementations) > 0 {
		b.WriteString("\nSimilar implementations:\n")
		for _, impl := range e.SimilarImplementations {
			fmt.Fprintf(&b, "- %s", impl.File)
			if impl.Relevance != "" {
				fmt.Fprintf(&b, ": %s", impl.Relevance)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func iterationContext(iteration, stepID int) string {
	if iteration <= 1 {
		return ""
	}
	return fmt.Sprintf("\n## Iteration %d\n\nThis is iteration %d on step %d. If the code changes are complete,\nsignal step_done.\n",
		iteration, iteration, stepID)
}

// truncate caps s at n bytes with an ellipsis, cutting on a rune
// boundary so trailer and log text stays valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
