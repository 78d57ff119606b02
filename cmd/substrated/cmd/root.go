// Package cmd provides the CLI commands for the substrate daemon.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the substrate CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "substrated",
		Short: "Local AI-indexing substrate for a markdown vault",
		Long: `substrated ingests markdown notes from a vault directory, embeds
them via a local embedding service, and answers nearest-neighbor search
queries against the resulting vectors.

Run 'substrated serve <vault>' to start watching a vault and serving
searches, or use the one-shot subcommands to index, search, or inspect
an existing index.`,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
