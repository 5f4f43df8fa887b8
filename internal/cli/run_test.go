package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/state"
)

func TestBuildAgentOpts(t *testing.T) {
	prompts := config.Prompts{
		"config": map[string]any{"fallback_tools": "Read,Edit,Bash"},
	}

	t.Run("yolo passthrough", func(t *testing.T) {
		runFlags.model = "opus"
		runFlags.yolo = true
		runFlags.fallbackTools = false
		t.Cleanup(resetRunFlags)

		opts, err := buildAgentOpts(prompts)
		require.NoError(t, err)
		assert.Equal(t, "opus", opts.Model)
		assert.True(t, opts.Yolo)
		assert.Empty(t, opts.AllowedTools)
	})

	t.Run("fallback tools override yolo", func(t *testing.T) {
		runFlags.yolo = true
		runFlags.fallbackTools = true
		t.Cleanup(resetRunFlags)

		opts, err := buildAgentOpts(prompts)
		require.NoError(t, err)
		assert.False(t, opts.Yolo)
		assert.Equal(t, "Read,Edit,Bash", opts.AllowedTools)
	})

	t.Run("missing tool list errors", func(t *testing.T) {
		runFlags.fallbackTools = true
		t.Cleanup(resetRunFlags)

		_, err := buildAgentOpts(config.Prompts{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fallback_tools")
	})
}

func resetRunFlags() {
	runFlags.model = "sonnet"
	runFlags.yolo = false
	runFlags.fallbackTools = false
}

func TestPrintDryRunWithState(t *testing.T) {
	t.Parallel()

	ticket := &linear.Ticket{ID: "ENG-10", Title: "Persist state"}
	st := &state.WorkState{
		Iterations:  4,
		CurrentStep: 3,
		Plan: state.Plan{Steps: []state.Step{
			{ID: 1, Ticket: "ENG-11", Description: "types", Done: true},
			{ID: 2, Description: "store", Done: true},
			{ID: 3, Description: "wire cli"},
		}},
		Log: []string{"09:30 Iter 4 - step 3 in progress"},
	}

	tmp, err := os.CreateTemp(t.TempDir(), "dryrun")
	require.NoError(t, err)
	defer tmp.Close()

	printDryRun(tmp, ticket, "eng-10-persist", st)

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "ENG-10: Persist state")
	assert.Contains(t, out, "eng-10-persist")
	assert.Contains(t, out, "wire cli")
	assert.Contains(t, out, "Iterations")
	assert.Contains(t, out, "Iter 4 - step 3 in progress")
}

func TestPrintDryRunFresh(t *testing.T) {
	t.Parallel()

	ticket := &linear.Ticket{
		ID:    "ENG-10",
		Title: "Persist state",
		Subtasks: []linear.Subtask{
			{ID: "ENG-11", Title: "types"},
			{ID: "ENG-12", Title: "store", BlockedBy: []string{"ENG-11"}},
		},
	}

	tmp, err := os.CreateTemp(t.TempDir(), "dryrun")
	require.NoError(t, err)
	defer tmp.Close()

	printDryRun(tmp, ticket, "eng-10-persist", nil)

	data, err := os.ReadFile(tmp.Name())
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "No saved state")
	assert.Contains(t, out, "ENG-12")
	assert.Contains(t, out, "ENG-11")
}

func TestExitError(t *testing.T) {
	t.Parallel()

	err := &ExitError{Code: 3, Reason: "BLOCKED"}
	assert.Equal(t, "run ended: BLOCKED", err.Error())
}

func TestInitWritesStarterFiles(t *testing.T) {
	t.Chdir(t.TempDir())

	require.NoError(t, runInit(initCmd, nil))

	data, err := os.ReadFile(filepath.Join(".loom", "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_iterations")

	data, err = os.ReadFile(filepath.Join(".loom", "prompts.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "prompt overrides")

	// Second run leaves existing files alone.
	require.NoError(t, os.WriteFile(filepath.Join(".loom", "config.yaml"), []byte("custom: true\n"), 0o644))
	require.NoError(t, runInit(initCmd, nil))
	data, err = os.ReadFile(filepath.Join(".loom", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "custom: true\n", string(data))
}

func TestNewTableRenders(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	table := newTable(&buf, []string{"A", "B"})
	require.NoError(t, table.Append([]string{"one", "two"}))
	require.NoError(t, table.Render())
	assert.Contains(t, buf.String(), "one")
	assert.Contains(t, buf.String(), "two")
}
