package editor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/thruflo/loom/internal/state"
)

// Action is the reviewer's decision.
type Action string

const (
	// ActionContinue accepts the assumptions and resumes the loop.
	ActionContinue Action = "continue"
	// ActionReplan sends the reviewed assumptions back into planning.
	ActionReplan Action = "replan"
	// ActionAbort ends the run.
	ActionAbort Action = "abort"
)

// Result carries the reviewed assumptions and the chosen action.
type Result struct {
	Assumptions []state.Assumption
	Action      Action
}

// Review presents the assumptions for interactive toggling. Without a
// terminal on stdin the assumptions are accepted as reported: a CI run
// must never hang on a prompt.
func Review(assumptions []state.Assumption, context string, out io.Writer) (*Result, error) {
	if len(assumptions) == 0 {
		return &Result{Assumptions: assumptions, Action: ActionContinue}, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &Result{Assumptions: assumptions, Action: ActionContinue}, nil
	}

	t := newTerminal(out)
	if err := t.enterRaw(); err != nil {
		return nil, err
	}
	defer t.exitRaw()

	return review(newKeyReader(t.in), t, context, assumptions)
}

// review runs the key loop against a copy of the assumptions.
func review(keys *keyReader, t *terminal, context string, assumptions []state.Assumption) (*Result, error) {
	reviewed := make([]state.Assumption, len(assumptions))
	copy(reviewed, assumptions)

	cursor := 0
	for {
		width, _ := t.size()
		fmt.Fprint(t.out, clearScreen+cursorHome)
		fmt.Fprint(t.out, renderScreen(reviewed, cursor, context, width))

		k, err := keys.read()
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}

		switch k {
		case keyUp:
			if cursor > 0 {
				cursor--
			}
		case keyDown:
			if cursor < len(reviewed)-1 {
				cursor++
			}
		case keyToggle:
			reviewed[cursor].Selected = !reviewed[cursor].Selected
		case keyConfirm:
			return &Result{Assumptions: reviewed, Action: ActionContinue}, nil
		case keyReplan:
			return &Result{Assumptions: reviewed, Action: ActionReplan}, nil
		case keyQuit:
			return &Result{Assumptions: reviewed, Action: ActionAbort}, nil
		}
	}
}

// renderScreen draws the full review screen. Raw mode needs explicit
// carriage returns.
func renderScreen(assumptions []state.Assumption, cursor int, context string, width int) string {
	var b strings.Builder

	title := " Assumptions "
	fmt.Fprintf(&b, "%s+-%s%s+%s\r\n", fgCyan, title, strings.Repeat("-", max(0, width-len(title)-4)), reset)
	if context != "" {
		fmt.Fprintf(&b, "  %s%s%s\r\n", dim, truncateLine(context, width-4), reset)
	}
	b.WriteString("\r\n")

	for i, a := range assumptions {
		marker := " "
		style := ""
		if i == cursor {
			marker = fgYellow + bold + ">" + reset
			style = bold
		}

		box := "[ ]"
		if a.Selected {
			box = fgGreen + "[x]" + reset
		}

		fmt.Fprintf(&b, "  %s %s %s%s. %s%s\r\n",
			marker, box, style, a.Label, truncateLine(a.Statement, width-12), reset)
		if a.Rationale != "" {
			fmt.Fprintf(&b, "        %s-> %s%s\r\n", dim, truncateLine(a.Rationale, width-14), reset)
		}
	}

	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s  j/k navigate   SPACE toggle   r replan   ENTER confirm   q abort%s\r\n", dim, reset)
	return b.String()
}

func truncateLine(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
