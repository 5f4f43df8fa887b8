package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/gitx"
	"github.com/thruflo/loom/internal/logging"
	"github.com/thruflo/loom/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status TICKET",
	Short: "Show the saved work state for a ticket",
	Long: `Fetches the ticket and prints the persisted plan, iteration count and
recent log for its work branch, without invoking the agent.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.New()

	env, err := config.LoadEnv(ctx)
	if err != nil {
		return err
	}
	lin, err := linearClient(env, log)
	if err != nil {
		return err
	}

	ticket, err := lin.FetchTicket(ctx, args[0])
	if err != nil {
		return err
	}

	branch, err := statusBranch(ticket.ID)
	if err != nil {
		return err
	}
	if branch == "" {
		fmt.Printf("Ticket  %s: %s\n\nNo work branch found.\n", ticket.ID, ticket.Title)
		return nil
	}

	store := state.NewStore(lin, log)
	st, err := store.Load(ctx, ticket.UUID, branch)
	if err != nil {
		return err
	}
	if st == nil {
		if st, err = state.LoadSnapshot(".loom", branch); err != nil {
			return err
		}
	}
	if st == nil {
		fmt.Printf("Ticket  %s: %s\nBranch  %s\n\nNo saved state.\n", ticket.ID, ticket.Title, branch)
		return nil
	}

	printDryRun(os.Stdout, ticket, branch, st)

	if len(st.Assumptions) > 0 {
		fmt.Println("\nAssumptions:")
		for _, a := range st.Assumptions {
			mark := " "
			if a.Selected {
				mark = "x"
			}
			fmt.Printf("  [%s] %s. %s\n", mark, a.Label, a.Statement)
		}
	}
	return nil
}

// statusBranch picks the ticket's branch: the current one when it
// matches, else the newest branch with the ticket prefix.
func statusBranch(ticketID string) (string, error) {
	repo, err := gitx.Open(".")
	if err != nil {
		return "", err
	}
	if current, err := repo.CurrentBranch(); err == nil && gitx.TicketBranch(current, ticketID) {
		return current, nil
	}
	branches, err := repo.Branches(strings.ToLower(ticketID))
	if err != nil || len(branches) == 0 {
		return "", err
	}
	return branches[len(branches)-1], nil
}
