package gitx

import (
	"fmt"
	"strings"
)

// Commit message conventions. New commits use the loom scope; the legacy
// wiggum scope is only matched when recovering state from old branches.
const commitScope = "loom"

// MessageOptions builds a conventional commit message with the trailer
// block appended.
type MessageOptions struct {
	Ticket  string
	Title   string
	Body    string
	Failed  bool   // prepend [FAIL] for iterations whose verification failed
	Trailer string // preformatted trailer block, see state.FormatTrailers
}

// BuildMessage renders a commit message:
//
//	feat(loom): [ENG-123] short title
//
//	optional body
//
//	Loom-Iteration: 4
//	...
func BuildMessage(opts MessageOptions) string {
	title := sanitizeTitle(opts.Title)
	if opts.Failed {
		title = "[FAIL] " + title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "feat(%s): [%s] %s", commitScope, opts.Ticket, title)
	if opts.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(opts.Body))
	}
	if opts.Trailer != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(opts.Trailer, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// sanitizeTitle flattens a title onto one line and caps its length so
// trailers stay parseable.
func sanitizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if len(title) > 72 {
		title = title[:72]
	}
	return title
}
