// Package allocator implements the Resource Allocator: per-operation
// -type concurrency caps, priority-based throttling, a bounded
// background task pool, and a degradation mode that tightens limits
// under sustained pressure.
//
// Synthesized from internal/search/multi_query.go's channel-semaphore
// idiom (one bounded channel per concern instead of one global limiter)
// and internal/daemon's context/sync.WaitGroup lifecycle for the
// background worker pool.
package allocator

import (
	"time"
)

// OperationType names a category of work competing for resources.
type OperationType int

const (
	OpUI OperationType = iota
	OpFileIO
	OpVectorDBIO
	OpAIEmbedding
	OpSearch
	OpMaintenance
	OpCleanup
)

func (t OperationType) String() string {
	switch t {
	case OpUI:
		return "ui"
	case OpFileIO:
		return "file_io"
	case OpVectorDBIO:
		return "vector_db_io"
	case OpAIEmbedding:
		return "ai_embedding"
	case OpSearch:
		return "search"
	case OpMaintenance:
		return "maintenance"
	case OpCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Priority levels, highest first, matching the queue's ordering.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Config tunes allocator concurrency and pressure thresholds.
type Config struct {
	Concurrency       map[OperationType]int
	MaxAIOperations   int
	MaxCPUThreshold   float64
	IOTimeout         time.Duration
	BackgroundWorkers int
}

// DefaultConfig returns conservative per-type concurrency caps.
func DefaultConfig() Config {
	return Config{
		Concurrency: map[OperationType]int{
			OpUI:          4,
			OpFileIO:      8,
			OpVectorDBIO:  4,
			OpAIEmbedding: 2,
			OpSearch:      8,
			OpMaintenance: 1,
			OpCleanup:     1,
		},
		MaxAIOperations:   2,
		MaxCPUThreshold:   0.8,
		IOTimeout:         5 * time.Second,
		BackgroundWorkers: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency == nil {
		c.Concurrency = d.Concurrency
	}
	for t, n := range d.Concurrency {
		if c.Concurrency[t] <= 0 {
			c.Concurrency[t] = n
		}
	}
	if c.MaxAIOperations <= 0 {
		c.MaxAIOperations = d.MaxAIOperations
	}
	if c.MaxCPUThreshold <= 0 {
		c.MaxCPUThreshold = d.MaxCPUThreshold
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = d.IOTimeout
	}
	if c.BackgroundWorkers <= 0 {
		c.BackgroundWorkers = d.BackgroundWorkers
	}
	return c
}
