// Package main provides the FileLoader command line interface.
//
// FileLoader ingests CSV, Excel, JSON and Parquet drop files into a
// relational warehouse through a staged pipeline: archive, dedupe,
// validate, bulk insert, audit and merge. One invocation processes
// one snapshot of the drop directory and exits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes. Per-file failures are recorded and notified, never
// escalated to the process exit code; only faults that stop the whole
// run do that.
const (
	exitOK       = 0
	exitInternal = 1
	exitConfig   = 2
)

// Build-time version information, injected with -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "fileloader",
		Short:         "Load drop files into the warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand(), newMigrateCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fileloader %s (commit %s, built %s)\n",
				version, gitCommit, buildTime)
		},
	}
}
