// Package cli wires the loom commands: run, status, init, login, logout.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Autonomous work loop for Linear tickets",
	Long: `Loom drives the claude CLI through a planned, multi-step implementation
of a Linear ticket. Each step is verified against the configured test and
review pipeline, committed with structured trailers, and resumable state
is persisted to a ticket comment.`,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("loom version {{.Version}}\n")
}

// ExitError carries a distinct process exit code for a non-fatal terminal
// state: 2 for ITERATION_LIMIT, 3 for BLOCKED.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run ended: %s", e.Reason)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
