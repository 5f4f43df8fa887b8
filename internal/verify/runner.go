package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunResult is the outcome of one shell command.
type RunResult struct {
	Name     string
	Command  string
	Passed   bool
	TimedOut bool
	Output   string // combined stdout+stderr, tail-capped
}

// maxCapturedOutput keeps failure output large enough for agent
// extraction without holding entire build logs.
const maxCapturedOutput = 1_500_000

// shellFunc executes a shell command line. Injected so pipeline tests
// never spawn processes.
type shellFunc func(ctx context.Context, command string, dir string) (output string, exitErr error)

func runShell(ctx context.Context, command string, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// runner executes named commands with a per-command timeout.
type runner struct {
	shell   shellFunc
	dir     string
	timeout time.Duration
}

func (r *runner) runOne(ctx context.Context, name, command string) RunResult {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	output, err := r.shell(cctx, command, r.dir)
	if len(output) > maxCapturedOutput {
		output = output[len(output)-maxCapturedOutput:]
	}

	res := RunResult{Name: name, Command: command, Output: output, Passed: err == nil}
	if cctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.Passed = false
		if res.Output == "" {
			res.Output = fmt.Sprintf("timed out after %s", r.timeout)
		}
	}
	return res
}

// runAll executes the named commands concurrently, one goroutine each,
// and returns results in input order. All commands run to completion even
// when some fail: every failure is worth reporting.
func (r *runner) runAll(ctx context.Context, names, commands []string) []RunResult {
	results := make([]RunResult, len(commands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(commands))
	for i := range commands {
		g.Go(func() error {
			results[i] = r.runOne(gctx, names[i], commands[i])
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in results
	return results
}
