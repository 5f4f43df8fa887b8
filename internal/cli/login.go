package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thruflo/loom/internal/linear"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a Linear API token",
	Long: `Prompts for a Linear personal API token and stores it under
~/.config/loom/token with owner-only permissions. The LINEAR_API_KEY
environment variable, when set, takes precedence over the stored token.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	fmt.Fprint(os.Stderr, "Linear API token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("empty token")
	}

	path, err := linear.TokenPath()
	if err != nil {
		return err
	}
	if err := linear.SaveToken(path, token); err != nil {
		return err
	}
	fmt.Printf("token saved to %s\n", path)
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored Linear API token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := linear.TokenPath()
		if err != nil {
			return err
		}
		if err := linear.DeleteToken(path); err != nil {
			return err
		}
		fmt.Println("token removed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
