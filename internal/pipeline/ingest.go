package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/ainote-labs/substrate/internal/embedqueue"
	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
	"github.com/ainote-labs/substrate/internal/textproc"
	"github.com/ainote-labs/substrate/internal/vectorstore"
)

// Store is the subset of vectorstore.Store the ingest orchestrator
// needs, narrowed for testability.
type Store interface {
	ListEntriesForFile(filePath string) ([]vectorstore.Record, error)
	StoreEntries(records []vectorstore.Record) ([]string, error)
	DeleteEntry(id string) (bool, error)
}

// Ingester re-chunks and re-embeds a changed file, or removes a
// deleted one, diffing against what is already stored so only chunks
// whose content actually changed are re-embedded.
type Ingester struct {
	Store     Store
	Queue     *embedqueue.Queue
	ModelName string
	ChunkCfg  textproc.ChunkConfig
	ReadFile  func(path string) (string, error)
}

// NewIngester builds an Ingester with the default reader
// (os.ReadFile).
func NewIngester(store Store, queue *embedqueue.Queue, modelName string, chunkCfg textproc.ChunkConfig) *Ingester {
	return &Ingester{
		Store:     store,
		Queue:     queue,
		ModelName: modelName,
		ChunkCfg:  chunkCfg,
		ReadFile: func(path string) (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
	}
}

func chunkLabel(index int) string {
	return fmt.Sprintf("chunk-%d", index)
}

func recordID(filePath, chunkID string) string {
	h := sha256.Sum256([]byte(filePath + "::" + chunkID))
	return hex.EncodeToString(h[:])[:16]
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// IngestFile re-chunks filePath and embeds only chunks whose content
// hash changed since the last ingest, deleting chunks that no longer
// exist in the file.
func (ing *Ingester) IngestFile(ctx context.Context, filePath string) (UpdateStats, error) {
	var stats UpdateStats

	raw, err := ing.ReadFile(filePath)
	if err != nil {
		return stats, substrateerrors.New(substrateerrors.ErrCodeFileNotFound, "read file", err)
	}

	text, err := textproc.Preprocess(raw)
	if err != nil {
		return stats, err
	}
	cfg, err := ing.ChunkCfg.Normalize()
	if err != nil {
		return stats, err
	}
	chunks, err := textproc.ChunkWithConfig(text, cfg)
	if err != nil {
		return stats, err
	}

	existing, err := ing.Store.ListEntriesForFile(filePath)
	if err != nil {
		return stats, err
	}
	existingByChunkID := make(map[string]vectorstore.Record, len(existing))
	for _, r := range existing {
		existingByChunkID[r.Metadata.ChunkID] = r
	}

	var toEmbed []textproc.Chunk
	seen := make(map[string]bool, len(chunks))

	for _, c := range chunks {
		chunkID := chunkLabel(c.Index)
		seen[chunkID] = true
		hash := sha256Hex(c.Text)

		if prior, ok := existingByChunkID[chunkID]; ok {
			if prior.Metadata.TextHash == hash {
				stats.EmbeddingsUnchanged++
				continue
			}
			stats.EmbeddingsUpdated++
		} else {
			stats.EmbeddingsAdded++
		}
		toEmbed = append(toEmbed, c)
	}

	for chunkID, prior := range existingByChunkID {
		if !seen[chunkID] {
			if _, err := ing.Store.DeleteEntry(prior.ID); err != nil {
				return stats, err
			}
			stats.EmbeddingsDeleted++
		}
	}

	if len(toEmbed) > 0 {
		records, err := ing.embedChunks(ctx, filePath, toEmbed)
		if err != nil {
			return stats, err
		}
		if _, err := ing.Store.StoreEntries(records); err != nil {
			return stats, err
		}
	}

	stats.FilesProcessed = 1
	return stats, nil
}

// embedChunks submits every chunk to the embedding queue concurrently
// and assembles the resulting records, failing fast on the first
// error.
func (ing *Ingester) embedChunks(ctx context.Context, filePath string, chunks []textproc.Chunk) ([]vectorstore.Record, error) {
	records := make([]vectorstore.Record, len(chunks))
	g, gctx := errgroup.WithContext(ctx)

	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			resultCh, err := ing.Queue.Submit(embedqueue.EmbeddingRequest{
				Model:    ing.ModelName,
				Text:     c.Text,
				Priority: embedqueue.PriorityNormal,
			})
			if err != nil {
				return err
			}
			select {
			case res := <-resultCh:
				if res.Err != nil {
					return res.Err
				}
				chunkID := chunkLabel(c.Index)
				records[i] = vectorstore.Record{
					ID:     recordID(filePath, chunkID),
					Vector: res.Vector,
					Metadata: vectorstore.RecordMetadata{
						FilePath:       filePath,
						ChunkID:        chunkID,
						TextHash:       sha256Hex(c.Text),
						TextLength:     len(c.Text),
						ContentPreview: preview(c.Text),
						ModelName:      ing.ModelName,
					},
				}
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func preview(text string) string {
	const maxLen = 200
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}

// DeleteFile removes every stored chunk for filePath, returning how
// many were removed.
func (ing *Ingester) DeleteFile(filePath string) (UpdateStats, error) {
	var stats UpdateStats
	existing, err := ing.Store.ListEntriesForFile(filePath)
	if err != nil {
		return stats, err
	}
	for _, r := range existing {
		if _, err := ing.Store.DeleteEntry(r.ID); err != nil {
			return stats, err
		}
		stats.EmbeddingsDeleted++
	}
	stats.FilesProcessed = 1
	return stats, nil
}
