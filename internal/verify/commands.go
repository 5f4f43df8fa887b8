// Package verify runs the configurable validation pipeline: command
// selection against the changed-file set, concurrent test execution,
// agent-driven failure extraction and fixes, and the review gate.
package verify

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/thruflo/loom/internal/config"
)

// ExpandBraces expands one {a,b,c} alternation group in a glob pattern.
// Patterns without braces pass through unchanged.
func ExpandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return []string{pattern}
	}
	close := strings.IndexByte(pattern[open:], '}')
	if close < 0 {
		return []string{pattern}
	}
	close += open

	prefix, alts, suffix := pattern[:open], pattern[open+1:close], pattern[close+1:]
	var out []string
	for _, alt := range strings.Split(alts, ",") {
		out = append(out, prefix+alt+suffix)
	}
	return out
}

// matchesAny reports whether any changed file matches any of the path
// globs after brace expansion. Globs support ** via doublestar.
func matchesAny(paths []string, changedFiles []string) bool {
	for _, pattern := range paths {
		for _, p := range ExpandBraces(pattern) {
			for _, f := range changedFiles {
				if ok, err := doublestar.Match(p, f); err == nil && ok {
					return true
				}
			}
		}
	}
	return false
}

// Select returns the test commands applicable to a changeset. A command
// without path globs always applies. Preflight and the main verify pass
// share this selection, so a command skipped by one is skipped by both.
func Select(commands []config.TestCommand, changedFiles []string) []config.TestCommand {
	var out []config.TestCommand
	for _, cmd := range commands {
		if len(cmd.Paths) == 0 || matchesAny(cmd.Paths, changedFiles) {
			out = append(out, cmd)
		}
	}
	return out
}

// SelectCommands filters plain commands (format stage) the same way.
func SelectCommands(commands []config.Command, changedFiles []string) []config.Command {
	var out []config.Command
	for _, cmd := range commands {
		if len(cmd.Paths) == 0 || matchesAny(cmd.Paths, changedFiles) {
			out = append(out, cmd)
		}
	}
	return out
}
