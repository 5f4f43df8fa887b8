package state

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Tool names used in comment headers. New comments are written as loom;
// wiggum is recognized when resuming branches the predecessor tool worked.
const (
	toolName       = "loom"
	legacyToolName = "wiggum"
)

// Header returns the state comment header for new comments.
func Header(branch string) string {
	return fmt.Sprintf("🤖 **%s** · `%s`", toolName, branch)
}

// headers returns all recognized state comment headers, newest spelling
// first.
func headers(branch string) []string {
	return []string{
		Header(branch),
		fmt.Sprintf("🤖 **%s** · `%s`", legacyToolName, branch),
	}
}

// IsStateComment reports whether body is a state comment for branch.
func IsStateComment(body, branch string) bool {
	for _, h := range headers(branch) {
		if strings.HasPrefix(body, h) {
			return true
		}
	}
	return false
}

// Render builds the full comment body for a state.
func Render(branch string, s *WorkState, now time.Time) string {
	var b strings.Builder
	b.WriteString(Header(branch))
	b.WriteString("\n\n")

	if !s.Exploration.Empty() {
		renderExploration(&b, s.Exploration)
	}
	if len(s.Plan.Steps) > 0 {
		renderPlan(&b, s)
	}
	if len(s.Assumptions) > 0 {
		renderAssumptions(&b, s.Assumptions)
	}

	current := "-"
	if s.CurrentStep != 0 {
		current = strconv.Itoa(s.CurrentStep)
	}
	fmt.Fprintf(&b, "| Field | Value |\n|-------|-------|\n| Iterations | %d |\n| Current step | %s |\n| Last run | %s |\n\n",
		s.Iterations, current, now.Format("2006-01-02 15:04 MST"))

	b.WriteString("**Log:**\n")
	for i, entry := range s.Log {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", entry)
	}
	return b.String()
}

func renderExploration(b *strings.Builder, e *Exploration) {
	b.WriteString("## Exploration\n")
	if len(e.Patterns) > 0 {
		fmt.Fprintf(b, "**Patterns:** %s\n", strings.Join(capped(e.Patterns, 5), " | "))
	}
	if len(e.RelevantModules) > 0 {
		fmt.Fprintf(b, "**Modules:** %s\n", strings.Join(capped(e.RelevantModules, 5), ", "))
	}
	if len(e.SimilarImplementations) > 0 {
		var refs []string
		for i, impl := range e.SimilarImplementations {
			if i >= 3 {
				break
			}
			name := impl.File
			if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
				name = name[idx+1:]
			}
			if impl.Relevance != "" {
				name = fmt.Sprintf("%s (%s)", name, truncate(impl.Relevance, 30))
			}
			refs = append(refs, name)
		}
		fmt.Fprintf(b, "**Templates:** %s\n", strings.Join(refs, ", "))
	}
	b.WriteString("\n")
}

func renderPlan(b *strings.Builder, s *WorkState) {
	b.WriteString("## Plan\n")
	for _, step := range s.Plan.Steps {
		checkbox := " "
		if step.Done {
			checkbox = "x"
		}
		ticket := ""
		if step.Ticket != "" {
			ticket = fmt.Sprintf(" (%s)", step.Ticket)
		}
		marker := ""
		if step.ID == s.CurrentStep {
			marker = " ← current"
		}
		fmt.Fprintf(b, "- [%s] **%d**%s: %s%s\n", checkbox, step.ID, ticket, step.Description, marker)
		for _, f := range step.Files {
			fmt.Fprintf(b, "  - `%s`: %s\n", f.Op, f.Path)
			if f.Template != "" {
				fmt.Fprintf(b, "    template: %s\n", f.Template)
			}
			if f.Detail != "" {
				fmt.Fprintf(b, "    detail: %s\n", f.Detail)
			}
		}
	}
	b.WriteString("\n")
}

func renderAssumptions(b *strings.Builder, assumptions []Assumption) {
	b.WriteString("## Assumptions\n")
	// Planning assumptions first, then work assumptions in given order.
	for _, group := range [2][]Assumption{
		filterAssumptions(assumptions, true),
		filterAssumptions(assumptions, false),
	} {
		for _, a := range group {
			emoji := "❌"
			if a.Selected {
				emoji = "✅"
			}
			fmt.Fprintf(b, "%s %s. %s\n", emoji, a.Label, a.Statement)
			if a.Rationale != "" {
				fmt.Fprintf(b, "   *%s*\n", a.Rationale)
			}
		}
	}
	b.WriteString("\n")
}

func filterAssumptions(assumptions []Assumption, planning bool) []Assumption {
	var out []Assumption
	for _, a := range assumptions {
		if strings.HasPrefix(a.Label, "P.") == planning {
			out = append(out, a)
		}
	}
	return out
}

var (
	stepRe       = regexp.MustCompile(`^- \[([ x])\] \*\*(\d+)\*\*(?: \(([^)]+)\))?: (.+?)(?:\s*←\s*current)?$`)
	assumptionRe = regexp.MustCompile(`^([✅❌]) ([A-Z]\.\d+|\d+(?:\.\d+)?)\. (.+)$`)
)

// Parse reconstructs a WorkState from a comment body. Planned file details
// are not round-tripped through the comment; the local snapshot carries
// them when available.
func Parse(body string) *WorkState {
	s := &WorkState{}

	var lastAssumption *Assumption
	inLog := false
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)

		if line == "**Log:**" {
			inLog = true
			continue
		}
		if inLog {
			if entry, ok := strings.CutPrefix(line, "- "); ok {
				s.Log = append(s.Log, entry)
				continue
			}
			inLog = false
		}

		if m := stepRe.FindStringSubmatch(line); m != nil {
			id, _ := strconv.Atoi(m[2])
			s.Plan.Steps = append(s.Plan.Steps, Step{
				ID:          id,
				Ticket:      m[3],
				Description: strings.TrimSpace(m[4]),
				Done:        m[1] == "x",
			})
			lastAssumption = nil
			continue
		}

		if m := assumptionRe.FindStringSubmatch(line); m != nil {
			s.Assumptions = append(s.Assumptions, Assumption{
				Label:     m[2],
				Selected:  m[1] == "✅",
				Statement: strings.TrimSpace(m[3]),
			})
			lastAssumption = &s.Assumptions[len(s.Assumptions)-1]
			continue
		}
		if lastAssumption != nil && strings.HasPrefix(line, "*") && strings.HasSuffix(line, "*") && len(line) > 1 {
			lastAssumption.Rationale = line[1 : len(line)-1]
			lastAssumption = nil
			continue
		}

		if strings.HasPrefix(line, "| Iterations |") {
			s.Iterations = parseTableInt(line)
		} else if strings.HasPrefix(line, "| Current step |") {
			s.CurrentStep = parseTableInt(line)
		}
	}
	return s
}

func parseTableInt(line string) int {
	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return 0
	}
	return n
}

func capped(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
