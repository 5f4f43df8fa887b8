package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Trailer prefixes: loom writes Loom-*, and Wiggum-* is recognized on
// branches the predecessor tool worked.
var trailerPrefixes = []string{"Loom-", "Wiggum-"}

// TrailerInfo is the per-commit state embedded in a commit message.
//
// AssumptionLabels carries labels only; the statements live in the ticket
// comment.
type TrailerInfo struct {
	Iteration        int
	Step             int    // 0 when no step was selected
	Status           string // PASS or FAIL
	Files            []string
	AssumptionLabels []string
	TestError        string
	ReviewIssues     string
}

// FormatTrailers renders the trailer block appended to commit messages.
// Empty Test-Error and Review-Issues render as "none" so recovery can
// distinguish a clean iteration from a truncated message.
func FormatTrailers(info TrailerInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loom-Iteration: %d\n", info.Iteration)
	if info.Step != 0 {
		fmt.Fprintf(&b, "Loom-Step: %d\n", info.Step)
	}
	if info.Status != "" {
		fmt.Fprintf(&b, "Loom-Status: %s\n", info.Status)
	}
	if len(info.Files) > 0 {
		fmt.Fprintf(&b, "Loom-Files: %s\n", strings.Join(info.Files, ", "))
	}
	if len(info.AssumptionLabels) > 0 {
		fmt.Fprintf(&b, "Loom-Assumptions: %s\n", strings.Join(info.AssumptionLabels, ", "))
	}
	fmt.Fprintf(&b, "Loom-Test-Error: %s\n", orNone(info.TestError))
	fmt.Fprintf(&b, "Loom-Review-Issues: %s\n", orNone(info.ReviewIssues))
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// GitRecovery is the state reconstructed from commit trailers when the
// ticket comment is unavailable.
type GitRecovery struct {
	// Iterations holds per-commit records, most recent first, capped at 3.
	Iterations []TrailerInfo
	// LastTestError and LastReviewIssues come from the most recent commit
	// only: older failures were superseded.
	LastTestError    string
	LastReviewIssues string
}

// ParseTrailers extracts trailer info from one commit message. Returns
// false when the message carries no recognized trailers.
func ParseTrailers(message string) (TrailerInfo, bool) {
	var info TrailerInfo
	found := false
	for _, line := range strings.Split(message, "\n") {
		for _, prefix := range trailerPrefixes {
			rest, ok := strings.CutPrefix(line, prefix)
			if !ok {
				continue
			}
			key, value, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch key {
			case "Iteration":
				if n, err := strconv.Atoi(value); err == nil {
					info.Iteration = n
					found = true
				}
			case "Step":
				if n, err := strconv.Atoi(value); err == nil {
					info.Step = n
					found = true
				}
			case "Status":
				info.Status = value
				found = true
			case "Files":
				info.Files = splitList(value)
				found = true
			case "Assumptions":
				info.AssumptionLabels = splitList(value)
				found = true
			case "Test-Error":
				if value != "none" {
					info.TestError = value
				}
				found = true
			case "Review-Issues":
				if value != "none" {
					info.ReviewIssues = value
				}
				found = true
			}
		}
	}
	return info, found
}

// RecoverFromCommits rebuilds recovery state from branch commit messages,
// most recent first.
func RecoverFromCommits(messages []string) *GitRecovery {
	rec := &GitRecovery{}
	first := true
	for _, msg := range messages {
		info, ok := ParseTrailers(msg)
		if !ok {
			continue
		}
		if first {
			rec.LastTestError = info.TestError
			rec.LastReviewIssues = info.ReviewIssues
		}
		first = false
		if len(rec.Iterations) < 3 {
			rec.Iterations = append(rec.Iterations, info)
		}
	}
	return rec
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
