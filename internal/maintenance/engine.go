package maintenance

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ainote-labs/substrate/internal/vectorstore"
)

// Store is the subset of vectorstore.Store the maintenance engine
// needs, narrowed for testability.
type Store interface {
	ListEntryIDs() []string
	RetrieveEntry(id string) (*vectorstore.Record, bool, error)
	DeleteEntry(id string) (bool, error)
	LiveFraction() float64
	LastCompactAt() time.Time
	CompactStorage() (vectorstore.CompactionResult, error)
}

// Engine runs the maintenance cycle against a Store.
type Engine struct {
	cfg        Config
	store      Store
	fileExists func(path string) bool

	mu                 sync.Mutex
	stats              Stats
	totalCycleDuration time.Duration
	orphanCursor       int
	lastDefragAt       time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Engine. fileExists defaults to checking the local
// filesystem via os.Stat.
func New(cfg Config, store Store) *Engine {
	return &Engine{
		cfg:   cfg.withDefaults(),
		store: store,
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Start runs RunCycle on cfg.CycleInterval until ctx is cancelled or
// Stop is called. Start returns immediately; the cycle loop runs in
// the background.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.CycleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.RunCycle(ctx); err != nil {
					slog.Warn("maintenance cycle failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// Stop cancels the background loop and waits for the current cycle to
// finish. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

// RunCycle performs one maintenance pass: bounded orphan cleanup,
// threshold-gated compaction, and cooldown-gated defragmentation.
// Each unit of work checks ctx and the cycle's own deadline so a slow
// store can't block the next scheduled cycle indefinitely; unfinished
// orphan scanning resumes from where it left off next cycle.
func (e *Engine) RunCycle(ctx context.Context) (Stats, error) {
	start := time.Now()
	deadline := start.Add(e.cfg.MaxOperationDuration)

	removed, reclaimedFromOrphans := e.cleanOrphans(ctx, deadline)

	var reclaimedFromCompaction int64
	if e.compactionEligible() {
		result, err := e.store.CompactStorage()
		if err != nil {
			return Stats{}, err
		}
		reclaimedFromCompaction = result.BytesReclaimed
	} else if e.defragEligible() {
		result, err := e.store.CompactStorage()
		if err != nil {
			return Stats{}, err
		}
		reclaimedFromCompaction = result.BytesReclaimed
		e.mu.Lock()
		e.lastDefragAt = time.Now()
		e.mu.Unlock()
	}

	duration := time.Since(start)

	e.mu.Lock()
	e.stats.MaintenanceCycles++
	e.stats.OrphanedEmbeddingsRemoved += removed
	e.stats.StorageSpaceReclaimed += reclaimedFromOrphans + reclaimedFromCompaction
	e.totalCycleDuration += duration
	e.stats.AvgCycleTimeMs = float64(e.totalCycleDuration.Milliseconds()) / float64(e.stats.MaintenanceCycles)
	snapshot := e.stats
	e.mu.Unlock()

	return snapshot, nil
}

// cleanOrphans removes embeddings whose source file no longer exists,
// bounded by MaxOrphansPerCycle and by deadline. The scan cursor
// persists across cycles so a large backlog is eventually covered
// without starving any one cycle.
func (e *Engine) cleanOrphans(ctx context.Context, deadline time.Time) (removed int, reclaimed int64) {
	ids := e.store.ListEntryIDs()
	sort.Strings(ids)
	n := len(ids)
	if n == 0 {
		return 0, 0
	}

	e.mu.Lock()
	cursor := e.orphanCursor % n
	e.mu.Unlock()

	i := cursor
	checked := 0
	for checked < n && checked < e.cfg.MaxOrphansPerCycle {
		select {
		case <-ctx.Done():
			e.saveCursor(i)
			return removed, reclaimed
		default:
		}
		if time.Now().After(deadline) {
			break
		}

		id := ids[i]
		rec, ok, err := e.store.RetrieveEntry(id)
		if err == nil && ok && !e.fileExists(rec.Metadata.FilePath) {
			if existed, delErr := e.store.DeleteEntry(id); delErr == nil && existed {
				removed++
				reclaimed += int64(len(rec.Vector)*4 + len(rec.VectorQuantized))
			}
		}

		i = (i + 1) % n
		checked++
	}
	e.saveCursor(i)
	return removed, reclaimed
}

func (e *Engine) saveCursor(i int) {
	e.mu.Lock()
	e.orphanCursor = i
	e.mu.Unlock()
}

func (e *Engine) compactionEligible() bool {
	if e.store.LiveFraction() >= e.cfg.CompactionThreshold {
		return false
	}
	return time.Since(e.store.LastCompactAt()) >= e.cfg.CompactionCooldown
}

func (e *Engine) defragEligible() bool {
	if !e.cfg.EnableDefragmentation {
		return false
	}
	e.mu.Lock()
	last := e.lastDefragAt
	e.mu.Unlock()
	return time.Since(last) >= e.cfg.DefragCooldown
}

// GetStats returns a snapshot of lifetime maintenance statistics.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
