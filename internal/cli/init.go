package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const starterConfig = `# Project configuration for loom.
# Override chain: bundled defaults < ~/.config/loom/config.yaml < .loom/config.yaml
# Mappings merge recursively; sequences and scalars replace the lower layer.

limits:
  max_iterations: 30

# setup:
#   - name: deps
#     run: make deps

tests: []
#   - name: go-test
#     run: go test ./...
#     paths: ["**/*.go", "go.{mod,sum}"]
#     filter: "-run {test}"
#   - name: lint
#     run: golangci-lint run

# format:
#   - name: gofmt
#     run: gofmt -w .
#     paths: ["**/*.go"]

# coverage:
#   run: make coverage
`

const starterPrompts = `# Project prompt overrides for loom.
# Override chain: bundled defaults < ~/.config/loom/prompts.yaml < .loom/prompts.yaml
# Each section's template replaces the bundled one wholesale.

# work:
#   template: |
#     ...
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .loom directory with starter configuration",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(".loom", 0o755); err != nil {
		return err
	}

	wrote := 0
	for file, content := range map[string]string{
		"config.yaml":  starterConfig,
		"prompts.yaml": starterPrompts,
	} {
		path := filepath.Join(".loom", file)
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("%s already exists, skipping\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		wrote++
	}
	if wrote > 0 {
		fmt.Println("\nEdit .loom/config.yaml to declare your test commands, then run `loom run TICKET`.")
	}
	return nil
}
