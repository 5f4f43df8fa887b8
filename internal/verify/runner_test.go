package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRunOne(t *testing.T) {
	t.Parallel()

	t.Run("pass", func(t *testing.T) {
		t.Parallel()
		r := &runner{timeout: time.Minute, shell: func(ctx context.Context, command, dir string) (string, error) {
			return "ok\n", nil
		}}
		res := r.runOne(context.Background(), "tests", "make test")
		assert.True(t, res.Passed)
		assert.False(t, res.TimedOut)
		assert.Equal(t, "ok\n", res.Output)
	})

	t.Run("fail", func(t *testing.T) {
		t.Parallel()
		r := &runner{timeout: time.Minute, shell: func(ctx context.Context, command, dir string) (string, error) {
			return "FAIL: TestThing\n", errors.New("exit status 1")
		}}
		res := r.runOne(context.Background(), "tests", "make test")
		assert.False(t, res.Passed)
		assert.False(t, res.TimedOut)
		assert.Contains(t, res.Output, "TestThing")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		r := &runner{timeout: time.Millisecond, shell: func(ctx context.Context, command, dir string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}}
		res := r.runOne(context.Background(), "tests", "sleep 60")
		assert.False(t, res.Passed)
		assert.True(t, res.TimedOut)
		assert.Contains(t, res.Output, "timed out")
	})

	t.Run("output tail capped", func(t *testing.T) {
		t.Parallel()
		r := &runner{timeout: time.Minute, shell: func(ctx context.Context, command, dir string) (string, error) {
			return strings.Repeat("a", maxCapturedOutput) + "tail", errors.New("exit status 1")
		}}
		res := r.runOne(context.Background(), "tests", "make test")
		assert.Len(t, res.Output, maxCapturedOutput)
		assert.True(t, strings.HasSuffix(res.Output, "tail"))
	})
}

func TestRunnerRunAll(t *testing.T) {
	t.Parallel()

	r := &runner{timeout: time.Minute, shell: func(ctx context.Context, command, dir string) (string, error) {
		if strings.Contains(command, "fail") {
			return "boom", errors.New("exit status 1")
		}
		return "ok", nil
	}}

	results := r.runAll(context.Background(),
		[]string{"a", "b", "c"},
		[]string{"run a", "run fail", "run c"})

	require.Len(t, results, 3)
	// Input order preserved; every command ran to completion.
	assert.Equal(t, "a", results[0].Name)
	assert.True(t, results[0].Passed)
	assert.Equal(t, "b", results[1].Name)
	assert.False(t, results[1].Passed)
	assert.Equal(t, "c", results[2].Name)
	assert.True(t, results[2].Passed)
}
