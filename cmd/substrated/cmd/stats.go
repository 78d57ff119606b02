package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ainote-labs/substrate/internal/substrate"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <vault>",
		Short: "Print storage, search, and pressure diagnostics for a vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), args[0])
		},
	}
	return cmd
}

func runStats(ctx context.Context, vault string) error {
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

	m := s.Store.GetMetrics()
	fmt.Println("storage:")
	fmt.Printf("  total records:      %d\n", m.TotalRecords)
	fmt.Printf("  segment count:      %d\n", m.SegmentCount)
	fmt.Printf("  compression ratio:  %.2f\n", m.CompressionRatio)
	fmt.Printf("  live fraction:      %.2f\n", s.Store.LiveFraction())

	fmt.Println("allocator:")
	fmt.Printf("  under pressure:     %t\n", s.Allocator.IsUnderPressure())
	fmt.Printf("  degraded:           %t\n", s.Allocator.Degraded())

	recs := s.Metrics.Recommendations()
	if len(recs) == 0 {
		fmt.Println("recommendations: none")
		return nil
	}
	fmt.Println("recommendations:")
	for _, r := range recs {
		fmt.Printf("  [%s] %s: %s\n", r.Severity, r.Category, r.Message)
	}
	return nil
}
