package allocator

import (
	"context"
	"sync"
	"time"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// Allocator bounds concurrency per operation type, throttles
// lower-priority work under load, and tracks whether the system is
// under enough pressure to enter degradation mode.
type Allocator struct {
	cfg Config

	mu       sync.Mutex
	sem      map[OperationType]chan struct{}
	aiSem    chan struct{}
	degraded bool

	latencyMu sync.Mutex
	latencies []time.Duration

	bgOnce sync.Once
	bg     *backgroundPool
}

// New creates an Allocator from cfg, applying defaults for any unset
// fields.
func New(cfg Config) *Allocator {
	cfg = cfg.withDefaults()
	a := &Allocator{
		cfg:   cfg,
		sem:   make(map[OperationType]chan struct{}, len(cfg.Concurrency)),
		aiSem: make(chan struct{}, cfg.MaxAIOperations),
	}
	for t, n := range cfg.Concurrency {
		a.sem[t] = make(chan struct{}, n)
	}
	return a
}

// ExecuteIO runs op under opType's concurrency cap, after applying
// priority-based throttling. Critical priority bypasses both the
// throttling sleep and the acquire timeout, waiting only on ctx.
// Background priority fails fast with ThreadPoolSaturated when the
// pool is already full and the allocator is under pressure, rather
// than queueing behind higher-priority work.
func (a *Allocator) ExecuteIO(ctx context.Context, opType OperationType, priority Priority, op func(ctx context.Context) error) error {
	sem := a.semFor(opType)

	if priority != PriorityCritical {
		a.throttle(priority)
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		if err := a.waitForSlot(ctx, sem, priority); err != nil {
			return err
		}
		defer func() { <-sem }()
	}

	start := time.Now()
	err := op(ctx)
	a.recordLatency(time.Since(start))
	return err
}

func (a *Allocator) waitForSlot(ctx context.Context, sem chan struct{}, priority Priority) error {
	if priority == PriorityBackground && a.IsUnderPressure() {
		return substrateerrors.CapacityError("background operation pool is saturated under pressure", nil)
	}

	if priority == PriorityCritical {
		select {
		case sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(a.cfg.IOTimeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return nil
	case <-timer.C:
		return substrateerrors.New(substrateerrors.ErrCodeIOTimeout, "timed out waiting for an operation slot", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Allocator) semFor(opType OperationType) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sem[opType]
}

// throttle applies the priority-based backpressure sleep: higher
// priorities sleep less, and only once load crosses a higher bar.
func (a *Allocator) throttle(priority Priority) {
	load := a.loadEstimate()
	switch priority {
	case PriorityHigh:
		if load > 0.70 {
			time.Sleep(time.Millisecond)
		}
	case PriorityNormal:
		if load > 0.60 {
			time.Sleep(5 * time.Millisecond)
		}
	case PriorityLow:
		if load > 0.50 {
			time.Sleep(10 * time.Millisecond)
		}
	case PriorityBackground:
		if load > 0.40 {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// loadEstimate approximates system load as the fraction of all
// per-type concurrency slots currently in use. This substrate has no
// cgroup or OS-level CPU sampling available portably across the
// examples' dependency set, so in-flight-operation saturation serves
// as the load proxy the priority throttle and pressure checks both
// key off.
func (a *Allocator) loadEstimate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var inUse, capacity int
	for _, sem := range a.sem {
		inUse += len(sem)
		capacity += cap(sem)
	}
	if capacity == 0 {
		return 0
	}
	return float64(inUse) / float64(capacity)
}

func (a *Allocator) recordLatency(d time.Duration) {
	a.latencyMu.Lock()
	defer a.latencyMu.Unlock()
	a.latencies = append(a.latencies, d)
	if len(a.latencies) > 50 {
		a.latencies = a.latencies[len(a.latencies)-50:]
	}
}

func (a *Allocator) avgLatency() time.Duration {
	a.latencyMu.Lock()
	defer a.latencyMu.Unlock()
	if len(a.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range a.latencies {
		total += d
	}
	return total / time.Duration(len(a.latencies))
}

// RequestAIPermit blocks until one of MaxAIOperations AI-operation
// permits is free or ctx is done, returning a release func.
func (a *Allocator) RequestAIPermit(ctx context.Context) (func(), error) {
	select {
	case a.aiSem <- struct{}{}:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			<-a.aiSem
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsUnderPressure reports whether load or recent IO latency exceeds
// configured thresholds.
func (a *Allocator) IsUnderPressure() bool {
	if a.loadEstimate() > a.cfg.MaxCPUThreshold {
		return true
	}
	return a.avgLatency() > a.cfg.IOTimeout
}

// EnableDegradationMode halves every per-type concurrency cap (to a
// minimum of 1) going forward. Operations already holding a slot are
// unaffected; new ExecuteIO calls see the tightened cap.
func (a *Allocator) EnableDegradationMode() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.degraded {
		return
	}
	a.degraded = true
	for t, sem := range a.sem {
		newCap := cap(sem) / 2
		if newCap < 1 {
			newCap = 1
		}
		a.sem[t] = make(chan struct{}, newCap)
	}
}

// DisableDegradationMode restores the original configured concurrency
// caps.
func (a *Allocator) DisableDegradationMode() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.degraded {
		return
	}
	a.degraded = false
	for t, n := range a.cfg.Concurrency {
		a.sem[t] = make(chan struct{}, n)
	}
}

// Degraded reports whether degradation mode is currently active.
func (a *Allocator) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

// DebounceMultiplier returns the factor callers should multiply their
// own debounce windows by; degradation mode lengthens them to reduce
// churn under pressure.
func (a *Allocator) DebounceMultiplier() float64 {
	if a.Degraded() {
		return 2.0
	}
	return 1.0
}
