package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ainote-labs/substrate/internal/logging"
	"github.com/ainote-labs/substrate/internal/substrate"
)

func newServeCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "serve <vault>",
		Short: "Watch a vault and keep its index up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), args[0], offline)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Use static embeddings (skip the embedding service)")
	return cmd
}

func runServe(ctx context.Context, vault string, offline bool) error {
	cleanup, err := logging.SetupDefault(vault)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer cleanup()

	cfg, err := substrate.LoadConfig(vault)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Embedding.Offline = offline

	s, err := substrate.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("constructing substrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("starting substrate: %w", err)
	}
	slog.Info("serving vault", slog.String("vault", vault))

	<-ctx.Done()
	slog.Info("shutting down")
	return s.Stop()
}
