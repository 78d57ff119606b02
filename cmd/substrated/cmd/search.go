package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ainote-labs/substrate/internal/substrate"
)

func newSearchCmd() *cobra.Command {
	var k int
	var offline bool

	cmd := &cobra.Command{
		Use:   "search <vault> <query>",
		Short: "Search an existing index for the nearest notes to a query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), args[0], args[1], k, offline)
		},
	}

	cmd.Flags().IntVar(&k, "k", 10, "Number of results to return")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use static embeddings (skip the embedding service)")
	return cmd
}

func runSearch(ctx context.Context, vault, query string, k int, offline bool) error {
	cfg, err := substrate.LoadConfig(vault)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Embedding.Offline = offline
	cfg.Maintenance.EnableAutomatic = false

	s, err := substrate.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("constructing substrate: %w", err)
	}

	results, err := s.Search(ctx, query, k)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. %.4f  %s  %s\n", i+1, r.Similarity, r.Record.Metadata.FilePath, r.Record.Metadata.ContentPreview)
	}
	return nil
}
