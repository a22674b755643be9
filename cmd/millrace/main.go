// Package main is the entry point for the millrace service and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "millrace",
		Short: "Streaming session engine for AI conversations",
		Long: `Millrace turns a provider's raw streaming output into durable
conversation records and a resumable per-session event feed: inline tool
calls are recovered from text, parts are persisted as they stream, and any
number of clients can replay and follow a session consistently.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
