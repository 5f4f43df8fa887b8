package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// worktreeRoot is where session worktrees live. The prefix doubles as a
// safety check before recursive removal.
const worktreeRoot = "/tmp/loom"

// runGit shells out to the git binary. Worktree add/remove and push have
// no usable go-git equivalent (worktree metadata, credential helpers).
var runGit = func(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// NewSessionName returns a unique worktree session name.
func NewSessionName() string {
	return "loom-" + uuid.NewString()[:8]
}

// CreateSessionWorktree creates a detached worktree at HEAD for a session
// and returns its path. A stale worktree with the same name is removed
// first.
func CreateSessionWorktree(ctx context.Context, repoPath, session string) (string, error) {
	path := filepath.Join(worktreeRoot, session)

	if _, err := os.Stat(path); err == nil {
		if err := RemoveSessionWorktree(ctx, repoPath, path); err != nil {
			return "", fmt.Errorf("cleaning stale worktree: %w", err)
		}
	}

	if _, err := runGit(ctx, repoPath, "worktree", "add", "--detach", path, "HEAD"); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveSessionWorktree removes a session worktree, falling back to a
// direct directory removal plus a prune when git refuses.
func RemoveSessionWorktree(ctx context.Context, repoPath, path string) error {
	if !strings.HasPrefix(path, worktreeRoot+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to remove %s: outside %s", path, worktreeRoot)
	}

	if _, err := runGit(ctx, repoPath, "worktree", "remove", path, "--force"); err == nil {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing worktree directory: %w", err)
	}
	_, err := runGit(ctx, repoPath, "worktree", "prune")
	return err
}

// DiffHead returns the uncommitted diff against HEAD, capped at limit
// bytes for prompt context.
func DiffHead(ctx context.Context, repoPath string, limit int) string {
	out, err := runGit(ctx, repoPath, "diff", "HEAD")
	if err != nil {
		return "(no diff available)"
	}
	if limit > 0 && len(out) > limit {
		return out[:limit] + "\n... (truncated)"
	}
	return out
}

// Push pushes the current branch, setting upstream on first push.
func Push(ctx context.Context, repoPath, branch string) error {
	_, err := runGit(ctx, repoPath, "push", "--set-upstream", "origin", branch)
	return err
}
