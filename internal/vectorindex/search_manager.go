package vectorindex

import (
	"context"
	"sync"
	"time"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// ConcurrentSearchManager bounds the number of outstanding search
// requests and tracks recent latency to expose a pressure signal,
// grounded on internal/daemon/compaction.go's mutex-guarded state
// plus internal/search/multi_query.go's semaphore fan-out idiom.
type ConcurrentSearchManager struct {
	sem chan struct{}

	mu           sync.Mutex
	recentLatency []time.Duration
	maxHistory    int

	pressureLatency time.Duration
}

// NewConcurrentSearchManager creates a manager allowing up to
// maxConcurrent outstanding Acquire calls at once.
func NewConcurrentSearchManager(maxConcurrent int) *ConcurrentSearchManager {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &ConcurrentSearchManager{
		sem:             make(chan struct{}, maxConcurrent),
		maxHistory:      50,
		pressureLatency: 500 * time.Millisecond,
	}
}

// Acquire blocks until a search slot is free or ctx is done, and
// returns a release func that records the request's latency.
func (m *ConcurrentSearchManager) Acquire(ctx context.Context) (func(), error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, substrateerrors.New(substrateerrors.ErrCodeCancelled, "search request cancelled while waiting for a slot", ctx.Err())
	}

	start := time.Now()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		elapsed := time.Since(start)
		<-m.sem
		m.recordLatency(elapsed)
	}
	return release, nil
}

func (m *ConcurrentSearchManager) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentLatency = append(m.recentLatency, d)
	if len(m.recentLatency) > m.maxHistory {
		m.recentLatency = m.recentLatency[len(m.recentLatency)-m.maxHistory:]
	}
}

// IsUnderPressure reports whether the manager is saturated (no free
// slots) or whether recent average latency exceeds the threshold.
func (m *ConcurrentSearchManager) IsUnderPressure() bool {
	if len(m.sem) == cap(m.sem) {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recentLatency) == 0 {
		return false
	}
	var total time.Duration
	for _, d := range m.recentLatency {
		total += d
	}
	avg := total / time.Duration(len(m.recentLatency))
	return avg > m.pressureLatency
}

// InFlight reports the current number of outstanding search requests.
func (m *ConcurrentSearchManager) InFlight() int {
	return len(m.sem)
}

// Capacity reports the configured maximum outstanding requests.
func (m *ConcurrentSearchManager) Capacity() int {
	return cap(m.sem)
}
