package pipeline

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid file events so a save-storm on one file
// produces a single re-ingest instead of one per write. Coalescing
// rules, adapted verbatim:
//
//	CREATE + MODIFY = CREATE (file is still new)
//	CREATE + DELETE = nothing (file never really existed)
//	MODIFY + DELETE = DELETE (file is gone)
//	DELETE + CREATE = MODIFY (file was replaced)
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*PendingChange
	timer   *time.Timer
	output  chan []FileEvent
	stopped bool
}

// NewDebouncer creates a debouncer that coalesces events for window
// before emitting a batch on Output.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*PendingChange),
		output:  make(chan []FileEvent, 10),
	}
}

// Add records an event, coalescing it with any pending event for the
// same path.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	now := time.Now()
	if existing, ok := d.pending[event.Path]; ok {
		coalesced := coalesce(existing, event)
		if coalesced == nil {
			delete(d.pending, event.Path)
		} else {
			existing.Event = *coalesced
			existing.LastSeen = now
		}
	} else {
		d.pending[event.Path] = &PendingChange{Event: event, FirstOp: event.Operation, LastSeen: now}
	}
	d.scheduleFlush()
}

// coalesce merges two events for the same path according to the
// coalescing rules. Returns nil when the events cancel out.
func coalesce(existing *PendingChange, next FileEvent) *FileEvent {
	switch existing.FirstOp {
	case OpCreated:
		switch next.Operation {
		case OpModified:
			return &existing.Event
		case OpDeleted:
			return nil
		default:
			return &next
		}
	case OpModified:
		return &next
	case OpDeleted:
		if next.Operation == OpCreated {
			result := next
			result.Operation = OpModified
			return &result
		}
		return &next
	default:
		return &next
	}
}

func (d *Debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}
	events := make([]FileEvent, 0, len(d.pending))
	for _, pc := range d.pending {
		events = append(events, pc.Event)
	}
	d.pending = make(map[string]*PendingChange)

	select {
	case d.output <- events:
	default:
		slog.Warn("pipeline debouncer output full, dropping batch", slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of coalesced event batches.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop stops the debouncer and closes Output. Safe to call more than
// once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
