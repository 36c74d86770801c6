// Command marathonctl is a thin client for a Marathon orchestrator: submit
// a coding-agent task, check on it, cancel it, list a client's tasks, or
// pull a usage report. It speaks the same wire protocol a node does, over
// a fresh TCP connection per invocation.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "marathonctl",
		Short: "Marathon task client",
		Long:  "Submit coding-agent tasks to a Marathon orchestrator and track their progress",
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7100", "Orchestrator client-facing address")

	rootCmd.AddCommand(
		submitCmd(),
		statusCmd(),
		cancelCmd(),
		listCmd(),
		usageCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error onto the CLI's three documented
// failure codes. Anything that isn't a *cliError (a cobra usage error,
// for instance) is treated as an argument problem.
func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 3
}
