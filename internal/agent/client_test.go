package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/loom/internal/logging"
)

func newTestClient(run execFunc) (*Client, *TokenTracker) {
	tracker := &TokenTracker{}
	log := logging.New()
	log.SetLevel(logging.LevelError)
	c := NewClient("claude", tracker, log, false)
	c.run = run
	return c, tracker
}

func wrapperJSON(t *testing.T, w map[string]any) string {
	t.Helper()
	data, err := json.Marshal(w)
	require.NoError(t, err)
	return string(data)
}

func TestRun_ReturnsResultText(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	var gotStdin string
	c, tracker := newTestClient(func(_ context.Context, bin string, args []string, stdin string) (string, string, error) {
		gotArgs = args
		gotStdin = stdin
		return `{"result": "done", "usage": {"input_tokens": 100, "output_tokens": 20, "total_cost_usd": 0.05}}`, "", nil
	})

	out, err := c.Run(context.Background(), "do the thing", Options{Op: "work", Model: "sonnet"})
	require.NoError(t, err)

	assert.Equal(t, "done", out)
	assert.Equal(t, "do the thing", gotStdin)
	assert.Equal(t, []string{"-p", "--model", "sonnet", "--output-format", "json"}, gotArgs)
	assert.Equal(t, 120, tracker.Total().Total())
	assert.Equal(t, 0.05, tracker.Total().CostUSD)
}

func TestRun_ArgumentConstruction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "yolo",
			opts: Options{Model: "sonnet", Yolo: true},
			want: []string{"-p", "--model", "sonnet", "--output-format", "json", "--dangerously-skip-permissions"},
		},
		{
			name: "allowed tools",
			opts: Options{Model: "sonnet", AllowedTools: "Read,Edit"},
			want: []string{"-p", "--model", "sonnet", "--output-format", "json", "--allowedTools", "Read,Edit"},
		},
		{
			name: "effort",
			opts: Options{Model: "opus", Effort: "high"},
			want: []string{"-p", "--model", "opus", "--output-format", "json", "--effort", "high"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotArgs []string
			c, _ := newTestClient(func(_ context.Context, _ string, args []string, _ string) (string, string, error) {
				gotArgs = args
				return `{"result": "ok"}`, "", nil
			})

			_, err := c.Run(context.Background(), "p", tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, gotArgs)
		})
	}
}

func TestRun_SubprocessFailure(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
		return "", "boom: no credentials\nmore detail", errors.New("exit status 1")
	})

	_, err := c.Run(context.Background(), "p", Options{Op: "work", Model: "sonnet"})
	require.Error(t, err)

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, "work", agentErr.Op)
	assert.Contains(t, agentErr.Error(), "boom: no credentials")
	assert.NotContains(t, agentErr.Error(), "more detail")
}

func TestRun_AgentReportedError(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
		return `{"result": "rate limited", "is_error": true}`, "", nil
	})

	_, err := c.Run(context.Background(), "p", Options{Op: "review", Model: "sonnet"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunStructured_DecodesAndValidates(t *testing.T) {
	t.Parallel()

	response := map[string]any{
		"structured_output": map[string]any{
			"step_done": 3,
			"summary":   "implemented the parser",
			"assumptions": []any{
				map[string]any{"id": "1", "selected": true, "statement": "UTF-8 input only"},
			},
		},
		"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
	}

	var gotSchema bool
	c, _ := newTestClient(func(_ context.Context, _ string, args []string, _ string) (string, string, error) {
		for _, a := range args {
			if a == "--json-schema" {
				gotSchema = true
			}
		}
		return wrapperJSON(t, response), "", nil
	})

	var result WorkResult
	err := c.RunStructured(context.Background(), "p", Options{
		Op:     "work",
		Model:  "sonnet",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.NoError(t, err)

	assert.True(t, gotSchema)
	require.NotNil(t, result.StepDone)
	assert.Equal(t, 3, *result.StepDone)
	assert.Equal(t, "implemented the parser", result.Summary)
	require.Len(t, result.Assumptions, 1)
	assert.Equal(t, "UTF-8 input only", result.Assumptions[0].Statement)
}

func TestRunStructured_FallsBackToResultField(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
		return `{"result": "{\"slug\": \"add-auth\"}"}`, "", nil
	})

	var result SlugResult
	err := c.RunStructured(context.Background(), "p", Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.NoError(t, err)
	assert.Equal(t, "add-auth", result.Slug)
}

func TestRunStructured_RetriesMalformedOnceVerbatim(t *testing.T) {
	t.Parallel()

	calls := 0
	var prompts []string
	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, stdin string) (string, string, error) {
		calls++
		prompts = append(prompts, stdin)
		if calls == 1 {
			return `{"result": "sorry, I could not produce JSON"}`, "", nil
		}
		return `{"structured_output": {"slug": "fix-race"}}`, "", nil
	})

	var result SlugResult
	err := c.RunStructured(context.Background(), "make a slug", Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, prompts[0], prompts[1], "retry must resend the identical prompt")
	assert.Equal(t, "fix-race", result.Slug)
}

func TestRunStructured_RetriesUnparseableWrapper(t *testing.T) {
	t.Parallel()

	calls := 0
	var prompts []string
	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, stdin string) (string, string, error) {
		calls++
		prompts = append(prompts, stdin)
		if calls == 1 {
			return `{"result": "truncated mid-wri`, "", nil
		}
		return `{"structured_output": {"slug": "fix-race"}}`, "", nil
	})

	var result SlugResult
	err := c.RunStructured(context.Background(), "make a slug", Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, prompts[0], prompts[1], "retry must resend the identical prompt")
	assert.Equal(t, "fix-race", result.Slug)
}

func TestRunStructured_SecondUnparseableWrapperFails(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
		calls++
		return "not json at all", "", nil
	})

	var result SlugResult
	err := c.RunStructured(context.Background(), "p", Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.Error(t, err)

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "malformed structured output")
}

func TestRunStructured_SecondMalformedFails(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
		calls++
		return `{"structured_output": {"slug": ""}}`, "", nil
	})

	var result SlugResult
	err := c.RunStructured(context.Background(), "p", Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.Error(t, err)

	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "malformed structured output")
}

func TestRunStructured_SubprocessFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(func(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
		calls++
		return "", "", errors.New("exec: claude: not found")
	})

	var result SlugResult
	err := c.RunStructured(context.Background(), "p", Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: map[string]any{"type": "object"},
	}, &result)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestTokenTracker_Accumulates(t *testing.T) {
	t.Parallel()

	tracker := &TokenTracker{}
	tracker.Record(Usage{InputTokens: 100, OutputTokens: 10, CostUSD: 0.01})
	tracker.Record(Usage{InputTokens: 50, OutputTokens: 5, CostUSD: 0.02})

	assert.Equal(t, 165, tracker.Iteration().Total())
	assert.Equal(t, 165, tracker.Total().Total())

	tracker.ResetIteration()
	tracker.Record(Usage{InputTokens: 1, OutputTokens: 1})

	assert.Equal(t, 2, tracker.Iteration().Total())
	assert.Equal(t, 167, tracker.Total().Total())
	assert.InDelta(t, 0.03, tracker.Total().CostUSD, 1e-9)
}

func TestPlanningResultValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		result  PlanningResult
		wantErr string
	}{
		{
			name: "valid",
			result: PlanningResult{Steps: []PlanStep{
				{ID: 1, Description: "scaffold"},
				{ID: 2, Description: "wire", DependsOn: []int{1}},
			}},
		},
		{
			name:    "no steps",
			result:  PlanningResult{},
			wantErr: "no steps",
		},
		{
			name: "duplicate id",
			result: PlanningResult{Steps: []PlanStep{
				{ID: 1, Description: "a"},
				{ID: 1, Description: "b"},
			}},
			wantErr: "duplicate step id 1",
		},
		{
			name: "unknown dependency",
			result: PlanningResult{Steps: []PlanStep{
				{ID: 1, Description: "a", DependsOn: []int{7}},
			}},
			wantErr: "unknown step 7",
		},
		{
			name: "missing description",
			result: PlanningResult{Steps: []PlanStep{
				{ID: 1},
			}},
			wantErr: "no description",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.result.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindingBlocking(t *testing.T) {
	t.Parallel()

	assert.True(t, Finding{Status: "issue", Priority: PriorityCritical}.Blocking())
	assert.True(t, Finding{Status: "issue", Priority: PriorityImportant}.Blocking())
	assert.False(t, Finding{Status: "issue", Priority: PriorityMinor}.Blocking())
	assert.False(t, Finding{Status: "ok", Priority: PriorityCritical}.Blocking())
}

func TestReviewResultIssues(t *testing.T) {
	t.Parallel()

	r := ReviewResult{
		Approved: false,
		Findings: []Finding{
			{Category: "correctness", Status: "issue", Priority: PriorityImportant, Detail: "nil deref on empty plan"},
			{Category: "style", Status: "issue", Priority: PriorityMinor, Detail: "naming"},
			{Category: "testing", Status: "ok", Priority: PriorityImportant, Detail: "covered"},
		},
	}

	issues := r.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, "[correctness/important] nil deref on empty plan", issues[0])
}

func TestResultValidate_RejectionNeedsDetail(t *testing.T) {
	t.Parallel()

	assert.Error(t, (&ReviewLightResult{Approved: false}).Validate())
	assert.NoError(t, (&ReviewLightResult{Approved: false, Issue: "broken test"}).Validate())
	assert.NoError(t, (&ReviewLightResult{Approved: true}).Validate())

	assert.Error(t, (&CompletionCheck{Complete: false}).Validate())
	assert.NoError(t, (&CompletionCheck{Complete: false, Missing: "endpoint not wired"}).Validate())
	assert.NoError(t, (&CompletionCheck{Complete: true}).Validate())
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := &Error{Op: "planning", Stderr: "fatal: bad flag\nusage: ...", Err: fmt.Errorf("exit status 2")}
	assert.Equal(t, "agent planning: exit status 2: fatal: bad flag", err.Error())

	bare := &Error{Op: "work", Err: fmt.Errorf("context deadline exceeded")}
	assert.Equal(t, "agent work: context deadline exceeded", bare.Error())
}
