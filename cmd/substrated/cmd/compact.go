package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ainote-labs/substrate/internal/substrate"
)

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact <vault>",
		Short: "Reclaim space by merging sparsely filled storage segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd.Context(), args[0])
		},
	}
	return cmd
}

func runCompact(ctx context.Context, vault string) error {
	cfg, err := substrate.LoadConfig(vault)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Embedding.Offline = true
	cfg.Maintenance.EnableAutomatic = false

	s, err := substrate.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("constructing substrate: %w", err)
	}

	result, err := s.Store.CompactStorage()
	if err != nil {
		return fmt.Errorf("compacting: %w", err)
	}

	fmt.Printf("files removed:      %d\n", result.FilesRemoved)
	fmt.Printf("files compacted:    %d\n", result.FilesCompacted)
	fmt.Printf("entries remaining:  %d\n", result.EntriesRemaining)
	fmt.Printf("bytes reclaimed:    %d\n", result.BytesReclaimed)
	return nil
}
