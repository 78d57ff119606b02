package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ainote-labs/substrate/internal/substrate"
)

type checkStatus int

const (
	statusPass checkStatus = iota
	statusWarn
	statusFail
)

func (s checkStatus) String() string {
	switch s {
	case statusPass:
		return "PASS"
	case statusWarn:
		return "WARN"
	default:
		return "FAIL"
	}
}

type checkResult struct {
	name    string
	status  checkStatus
	message string
}

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor <vault>",
		Short: "Check that a vault is writable and its embedding service is reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), args[0])
		},
	}
	return cmd
}

func runDoctor(ctx context.Context, vault string) error {
	results := []checkResult{checkVaultWritable(vault)}

	cfg, err := substrate.LoadConfig(vault)
	if err != nil {
		results = append(results, checkResult{"config", statusFail, err.Error()})
	} else {
		results = append(results, checkEmbedder(ctx, cfg))
	}

	failed := false
	for _, r := range results {
		fmt.Printf("[%s] %-18s %s\n", r.status, r.name, r.message)
		if r.status == statusFail {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

func checkVaultWritable(vault string) checkResult {
	probe := filepath.Join(vault, ".substrate-doctor-probe")
	if err := os.MkdirAll(vault, 0o755); err != nil {
		return checkResult{"vault", statusFail, err.Error()}
	}
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return checkResult{"vault", statusFail, fmt.Sprintf("not writable: %s", err)}
	}
	_ = os.Remove(probe)
	return checkResult{"vault", statusPass, vault}
}

func checkEmbedder(ctx context.Context, cfg substrate.Config) checkResult {
	if cfg.Embedding.Offline {
		return checkResult{"embedder", statusWarn, "offline mode: using static embeddings"}
	}
	s, err := substrate.New(ctx, cfg)
	if err != nil {
		return checkResult{"embedder", statusFail, err.Error()}
	}
	if !s.Embedder.Available(ctx) {
		return checkResult{"embedder", statusWarn, fmt.Sprintf("%s unreachable; embedding requests will fail until it responds", cfg.Embedding.BaseURL)}
	}
	return checkResult{"embedder", statusPass, fmt.Sprintf("%s (%s)", cfg.Embedding.BaseURL, cfg.Embedding.Model)}
}
