package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/thruflo/loom/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
