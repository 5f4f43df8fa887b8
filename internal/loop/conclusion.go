package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/thruflo/loom/internal/agent"
	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/gitx"
	"github.com/thruflo/loom/internal/state"
)

// conclude runs the terminal ALL_DONE sequence: final full review,
// remaining-change commit, the coverage gate with a bounded fix loop, and
// the review guide appended to the ticket comment.
func (l *Loop) conclude(ctx context.Context, st *state.WorkState) error {
	var reviewSummary string
	if !l.cfg.SkipVerify {
		review, err := l.pipe.Review(ctx, l.cfg.Ticket.Title, l.cfg.Ticket.Description, st.Assumptions)
		if err != nil {
			l.log.Warn("final review failed", "cause", err)
		} else {
			reviewSummary = review.Summary
			if review.Approved {
				l.log.Info("final review approved")
			} else {
				l.log.Warn("final review raised issues", "issues", strings.Join(review.Issues(), "; "))
			}
		}
	}

	l.commitRemaining(ctx, "final cleanup", reviewSummary)

	if !l.cfg.SkipVerify {
		l.runCoverageGate(ctx)
	}

	guide, err := l.buildConclusion(ctx, st)
	if err != nil {
		return err
	}
	fmt.Fprintln(l.out, guide)

	if err := l.store.Append(ctx, l.cfg.Ticket.UUID, l.cfg.Branch, st, guide); err != nil {
		l.log.Warn("appending review guide failed", "cause", err)
	}
	return nil
}

// runCoverageGate enforces the optional coverage command, letting the
// agent add tests a bounded number of times.
func (l *Loop) runCoverageGate(ctx context.Context) {
	passed, output := l.pipe.Coverage(ctx)
	for attempt := 1; !passed && attempt <= l.cfg.Stack.Limits.MaxFixAttempts; attempt++ {
		l.log.Warn("coverage gate failed", "attempt", attempt, "limit", l.cfg.Stack.Limits.MaxFixAttempts)
		if err := l.pipe.CoverageFix(ctx, output); err != nil {
			l.log.Warn("coverage fix failed", "cause", err)
			return
		}
		l.commitRemaining(ctx, "add tests for coverage gate", "")
		passed, output = l.pipe.Coverage(ctx)
	}
	if passed {
		l.log.Info("coverage gate passed")
	} else {
		l.log.Warn("coverage gate still failing after fix attempts")
	}
}

// commitRemaining formats and commits any uncommitted changes.
func (l *Loop) commitRemaining(ctx context.Context, title, body string) {
	changed, err := l.git.ChangedFiles()
	if err != nil || len(changed) == 0 {
		return
	}
	if err := l.pipe.Format(ctx); err != nil {
		l.log.Warn("format failed", "cause", err)
	}

	msg := gitx.BuildMessage(gitx.MessageOptions{
		Ticket: l.cfg.Ticket.ID,
		Title:  title,
		Body:   body,
	})
	if _, err := l.git.CommitAll(msg, l.cfg.AuthorName, l.cfg.AuthorEmail); err != nil {
		l.log.Warn("commit failed", "cause", err)
		return
	}
	l.log.Info("committed remaining changes", "files", len(changed))

	if l.cfg.Push {
		if err := l.push(ctx, l.git.Path(), l.cfg.Branch); err != nil {
			l.log.Warn("push failed", "cause", err)
		}
	}
}

// buildConclusion summarizes the branch into a review guide for the human
// reviewer.
func (l *Loop) buildConclusion(ctx context.Context, st *state.WorkState) (string, error) {
	tmpl, err := l.cfg.Prompts.Template("conclusion_summary")
	if err != nil {
		return "", err
	}

	commits, err := l.git.BranchCommits(l.cfg.BaseBranch, l.cfg.Branch)
	if err != nil {
		l.log.Warn("reading branch commits failed", "cause", err)
	}
	changed := commitFiles(commits)

	prompt := config.RenderTemplate(tmpl, map[string]string{
		"ticket_id":           l.cfg.Ticket.ID,
		"title":               l.cfg.Ticket.Title,
		"description":         l.cfg.Ticket.Description,
		"exploration_context": explorationContext(st.Exploration),
		"plan_steps_summary":  planChecklist(&st.Plan, 0),
		"assumptions_summary": assumptionsSummary(st.Assumptions),
		"changed_files":       strings.Join(changed, "\n"),
		"commit_log":          commitLog(commits),
	})

	opts := l.cfg.AgentOpts
	opts.Op = "conclusion"
	opts.Schema = l.cfg.Schemas["conclusion"]

	var result agent.ConclusionResult
	if err := l.agent.RunStructured(ctx, prompt, opts, &result); err != nil {
		return "", fmt.Errorf("conclusion: %w", err)
	}
	return formatConclusion(&result), nil
}

// formatConclusion renders the review guide markdown appended to the
// state comment.
func formatConclusion(r *agent.ConclusionResult) string {
	var b strings.Builder
	b.WriteString("## Review Guide\n\n")
	b.WriteString(strings.TrimSpace(r.Summary))
	b.WriteString("\n")
	if len(r.RiskAreas) > 0 {
		b.WriteString("\n**Risk areas:**\n")
		for _, risk := range r.RiskAreas {
			fmt.Fprintf(&b, "- %s\n", risk)
		}
	}
	if len(r.ManualVerification) > 0 {
		b.WriteString("\n**Verify manually:**\n")
		for _, m := range r.ManualVerification {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	return b.String()
}

func assumptionsSummary(assumptions []state.Assumption) string {
	if len(assumptions) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, a := range assumptions {
		mark := " "
		if a.Selected {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s. %s\n", mark, a.Label, a.Statement)
	}
	return strings.TrimRight(b.String(), "\n")
}

// commitLog renders the first line of each branch commit, most recent
// first.
func commitLog(messages []string) string {
	var lines []string
	for _, msg := range messages {
		if line, _, _ := strings.Cut(msg, "\n"); line != "" {
			lines = append(lines, "- "+line)
		}
	}
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}

// commitFiles collects the files named by Loom-Files trailers across the
// branch, deduplicated in first-seen order.
func commitFiles(messages []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, msg := range messages {
		info, ok := state.ParseTrailers(msg)
		if !ok {
			continue
		}
		for _, f := range info.Files {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
