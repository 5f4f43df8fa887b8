// Package agent drives the claude CLI. Every call is a fresh subprocess:
// the prompt goes in on stdin, the response comes back as a JSON wrapper
// on stdout carrying the result text or structured output plus token usage.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/thruflo/loom/internal/logging"
)

// errUnparseable marks responses whose stdout is not the expected JSON
// wrapper. Retried like a bad structured payload; subprocess failures
// are not.
var errUnparseable = errors.New("unparseable agent response")

// Error reports a failed agent call.
type Error struct {
	Op     string // which call failed, e.g. "work", "planning"
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent %s: %v: %s", e.Op, e.Err, firstLine(e.Stderr))
	}
	return fmt.Sprintf("agent %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Options configures one agent call.
type Options struct {
	// Op names the call for logging and errors.
	Op string
	// Model selects the agent model, e.g. "sonnet" or "haiku".
	Model string
	// Effort, when set, is passed through as --effort.
	Effort string
	// Yolo bypasses permission prompts entirely.
	Yolo bool
	// AllowedTools, when set, restricts the agent to the listed tools
	// instead of relying on project permission settings.
	AllowedTools string
	// Schema, when set, requests structured output against this JSON
	// schema; the call returns the structured_output payload.
	Schema map[string]any
}

// execFunc runs the agent binary. Injected so tests never spawn a process.
type execFunc func(ctx context.Context, bin string, args []string, stdin string) (stdout, stderr string, err error)

// Client invokes the claude CLI.
type Client struct {
	bin     string
	tracker *TokenTracker
	log     *logging.Logger
	debug   bool
	run     execFunc
}

// NewClient returns a Client invoking the given binary.
func NewClient(bin string, tracker *TokenTracker, log *logging.Logger, debug bool) *Client {
	return &Client{
		bin:     bin,
		tracker: tracker,
		log:     log,
		debug:   debug,
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, bin string, args []string, stdin string) (string, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// wrapper is the CLI's --output-format json envelope.
type wrapper struct {
	Result           string          `json:"result"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	IsError          bool            `json:"is_error"`
	Usage            *wrapperUsage   `json:"usage"`
}

type wrapperUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_input_tokens"`
	CacheCreationTokens int     `json:"cache_creation_input_tokens"`
	CostUSD             float64 `json:"total_cost_usd"`
}

// Run sends a prompt and returns the agent's text result.
func (c *Client) Run(ctx context.Context, prompt string, opts Options) (string, error) {
	w, err := c.call(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	return w.Result, nil
}

// RunStructured sends a prompt with opts.Schema set and decodes the
// structured output into out. A malformed response is retried once with
// the identical prompt; a second failure is an *Error.
func (c *Client) RunStructured(ctx context.Context, prompt string, opts Options, out interface{ Validate() error }) error {
	if opts.Schema == nil {
		return &Error{Op: opts.Op, Err: fmt.Errorf("structured call without schema")}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying malformed agent output", "op", opts.Op, "cause", lastErr)
		}
		w, err := c.call(ctx, prompt, opts)
		if err != nil {
			if errors.Is(err, errUnparseable) {
				lastErr = err
				continue
			}
			return err
		}
		if err := decodeStructured(w, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &Error{Op: opts.Op, Err: fmt.Errorf("malformed structured output after retry: %w", lastErr)}
}

func decodeStructured(w *wrapper, out interface{ Validate() error }) error {
	payload := w.StructuredOutput
	if len(payload) == 0 {
		// Some CLI versions put the structured JSON in result.
		payload = json.RawMessage(w.Result)
	}
	if len(payload) == 0 {
		return fmt.Errorf("response carries no structured output")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding structured output: %w", err)
	}
	return out.Validate()
}

func (c *Client) call(ctx context.Context, prompt string, opts Options) (*wrapper, error) {
	args := []string{"-p", "--model", opts.Model, "--output-format", "json"}
	if opts.AllowedTools != "" {
		args = append(args, "--allowedTools", opts.AllowedTools)
	}
	if opts.Yolo {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}
	if opts.Schema != nil {
		schema, err := json.Marshal(opts.Schema)
		if err != nil {
			return nil, &Error{Op: opts.Op, Err: fmt.Errorf("marshaling schema: %w", err)}
		}
		args = append(args, "--json-schema", string(schema))
	}

	c.log.Debug("invoking agent", "op", opts.Op, "model", opts.Model, "bin", c.bin)
	stdout, stderr, err := c.run(ctx, c.bin, args, prompt)
	if err != nil {
		return nil, &Error{Op: opts.Op, Stderr: stderr, Err: err}
	}
	if c.debug {
		c.log.Debug("agent raw output", "op", opts.Op, "stdout", stdout)
	}

	var w wrapper
	if err := json.Unmarshal([]byte(stdout), &w); err != nil {
		return nil, &Error{Op: opts.Op, Stderr: stderr, Err: fmt.Errorf("%w: %v", errUnparseable, err)}
	}
	if w.Usage != nil && c.tracker != nil {
		c.tracker.Record(Usage{
			InputTokens:         w.Usage.InputTokens,
			OutputTokens:        w.Usage.OutputTokens,
			CacheReadTokens:     w.Usage.CacheReadTokens,
			CacheCreationTokens: w.Usage.CacheCreationTokens,
			CostUSD:             w.Usage.CostUSD,
		})
	}
	if w.IsError {
		return nil, &Error{Op: opts.Op, Stderr: stderr, Err: fmt.Errorf("agent reported error: %s", firstLine(w.Result))}
	}
	return &w, nil
}
