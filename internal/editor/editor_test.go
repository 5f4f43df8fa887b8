package editor

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/loom/internal/state"
)

func sampleAssumptions() []state.Assumption {
	return []state.Assumption{
		{Label: "P.1", Selected: true, Statement: "snapshot lives under .loom", Rationale: "matches config dir"},
		{Label: "P.2", Selected: false, Statement: "comments are markdown"},
		{Label: "1.1", Selected: true, Statement: "retry once on malformed output"},
	}
}

// runReview drives the key loop with a scripted byte stream.
func runReview(t *testing.T, input string, assumptions []state.Assumption) *Result {
	t.Helper()
	var out bytes.Buffer
	term := &terminal{in: os.Stdin, out: &out}
	res, err := review(newKeyReader(strings.NewReader(input)), term, "ENG-10: Persist work state", assumptions)
	require.NoError(t, err)
	return res
}

func TestKeyDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  key
	}{
		{"space toggles", " ", keyToggle},
		{"enter confirms", "\r", keyConfirm},
		{"j down", "j", keyDown},
		{"k up", "k", keyUp},
		{"arrow down", "\x1b[B", keyDown},
		{"arrow up", "\x1b[A", keyUp},
		{"r replans", "r", keyReplan},
		{"ctrl-r replans", "\x12", keyReplan},
		{"q quits", "q", keyQuit},
		{"ctrl-c quits", "\x03", keyQuit},
		{"other ignored", "z", keyNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := newKeyReader(strings.NewReader(tt.input)).read()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReviewToggleAndConfirm(t *testing.T) {
	t.Parallel()

	original := sampleAssumptions()
	// Toggle the first off, move to the second, toggle it on, confirm.
	res := runReview(t, " j \r", original)

	assert.Equal(t, ActionContinue, res.Action)
	assert.False(t, res.Assumptions[0].Selected)
	assert.True(t, res.Assumptions[1].Selected)
	assert.True(t, res.Assumptions[2].Selected)

	// The caller's slice is untouched until it adopts the result.
	assert.True(t, original[0].Selected)
}

func TestReviewReplan(t *testing.T) {
	t.Parallel()

	res := runReview(t, "j r", sampleAssumptions())
	assert.Equal(t, ActionReplan, res.Action)
}

func TestReviewAbort(t *testing.T) {
	t.Parallel()

	res := runReview(t, "q", sampleAssumptions())
	assert.Equal(t, ActionAbort, res.Action)
}

func TestReviewCursorStaysInBounds(t *testing.T) {
	t.Parallel()

	// Walk past both ends, then toggle: the cursor must be on the last
	// item after over-navigating down.
	res := runReview(t, "kkjjjjj \r", sampleAssumptions())
	assert.Equal(t, ActionContinue, res.Action)
	assert.False(t, res.Assumptions[2].Selected)
	assert.True(t, res.Assumptions[0].Selected)
}

func TestReviewNonInteractiveAcceptsAsReported(t *testing.T) {
	t.Parallel()

	// Test stdin is not a terminal, so Review falls back to accept-all.
	var out bytes.Buffer
	res, err := Review(sampleAssumptions(), "", &out)
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, res.Action)
	assert.Equal(t, sampleAssumptions(), res.Assumptions)
	assert.Empty(t, out.String(), "no screen is drawn without a terminal")
}

func TestReviewEmptyAssumptions(t *testing.T) {
	t.Parallel()

	res, err := Review(nil, "", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, res.Action)
}

func TestRenderScreen(t *testing.T) {
	t.Parallel()

	screen := renderScreen(sampleAssumptions(), 1, "ENG-10: Persist work state", 100)

	assert.Contains(t, screen, "Assumptions")
	assert.Contains(t, screen, "ENG-10: Persist work state")
	assert.Contains(t, screen, "P.1. snapshot lives under .loom")
	assert.Contains(t, screen, "-> matches config dir")
	assert.Contains(t, screen, "[ ]")
	assert.Contains(t, screen, "[x]")
	assert.Contains(t, screen, "SPACE toggle")
	// Cursor marker sits on the second entry.
	idx := strings.Index(screen, fgYellow+bold+">")
	require.Positive(t, idx)
	assert.Contains(t, screen[idx:], "P.2")
}
