package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ainote-labs/substrate/internal/substrate"
)

func newIndexCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "index <vault>",
		Short: "Run a one-shot full reindex of a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), args[0], offline)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Use static embeddings (skip the embedding service)")
	return cmd
}

func runIndex(ctx context.Context, vault string, offline bool) error {
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

	stats, err := s.IndexAll(ctx)
	if err != nil {
		return fmt.Errorf("indexing vault: %w", err)
	}

	fmt.Printf("files processed:     %d\n", stats.FilesProcessed)
	fmt.Printf("embeddings added:    %d\n", stats.EmbeddingsAdded)
	fmt.Printf("embeddings updated:  %d\n", stats.EmbeddingsUpdated)
	fmt.Printf("embeddings deleted:  %d\n", stats.EmbeddingsDeleted)
	fmt.Printf("embeddings unchanged: %d\n", stats.EmbeddingsUnchanged)
	for _, e := range stats.Errors {
		fmt.Printf("error: %s\n", e)
	}
	return nil
}
