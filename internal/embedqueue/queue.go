// Package embedqueue implements the Embedding Queue: a five-level
// priority FIFO in front of the Embedding Client, with request
// deduplication, cancellation, bounded worker concurrency, and
// backpressure.
package embedqueue

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// Priority levels, highest first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// DefaultMaxQueueDepth bounds how many pending requests may wait before
// Submit returns a capacity error.
const DefaultMaxQueueDepth = 10_000

// softDepthNumerator/Denominator set the fraction of maxDepth at which
// Low/Background submissions start failing with QueueFull, while
// Critical/High/Normal are still accepted up to maxDepth itself.
const (
	softDepthNumerator   = 4
	softDepthDenominator = 5
)

// EmbeddingRequest is one unit of work submitted to the queue.
type EmbeddingRequest struct {
	ID       string
	Model    string
	Text     string
	Priority Priority
}

// Result is delivered to a request's waiter once it is processed (or the
// request is cancelled).
type Result struct {
	Vector []float32
	Err    error
}

// waiter is one caller attached to a queueItem, identified by its own
// request ID so it can be cancelled independently of other callers that
// deduplicated onto the same underlying item.
type waiter struct {
	id        string
	ch        chan Result
	cancelled bool
}

type queueItem struct {
	req     EmbeddingRequest
	waiters []waiter
	index   int // heap index, maintained by container/heap
	seq     int // submission order, breaks priority ties FIFO
}

type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// EmbedFunc performs the actual embedding call; normally backed by the
// Embedding Client.
type EmbedFunc func(ctx context.Context, model, text string) ([]float32, error)

// Queue is the Embedding Queue.
type Queue struct {
	embed       EmbedFunc
	concurrency int
	maxDepth    int // hard ceiling, honored by every priority but Critical
	softDepth   int // Low/Background start failing past this depth

	mu      sync.Mutex
	heap    priorityHeap
	pending map[string]*queueItem // dedup key (model, text) -> in-flight/queued item
	byID    map[string]*queueItem // request ID -> the item it waits on
	seq     int
	notify  chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Queue that dispatches work to embed using up to
// concurrency workers.
//
// maxDepth < 0 uses DefaultMaxQueueDepth. maxDepth == 0 creates a true
// zero-capacity queue: only PriorityCritical submissions are accepted,
// everything else fails with QueueFull regardless of priority.
func New(embed EmbedFunc, concurrency, maxDepth int) *Queue {
	if concurrency <= 0 {
		concurrency = 4
	}
	if maxDepth < 0 {
		maxDepth = DefaultMaxQueueDepth
	}
	return &Queue{
		embed:       embed,
		concurrency: concurrency,
		maxDepth:    maxDepth,
		softDepth:   maxDepth * softDepthNumerator / softDepthDenominator,
		pending:     make(map[string]*queueItem),
		byID:        make(map[string]*queueItem),
		notify:      make(chan struct{}, 1),
	}
}

func dedupKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Submit enqueues a request and returns a channel that receives its
// result exactly once. If an identical (model, text) request is already
// queued or in flight, the new caller is attached as an additional
// waiter on that request instead of creating a duplicate.
//
// Backpressure is priority-aware: PriorityCritical is never rejected for
// depth. PriorityHigh/Normal are rejected once the queue holds maxDepth
// requests. PriorityLow/Background are rejected earlier, once the queue
// holds softDepth requests, so low-value work sheds first.
func (q *Queue) Submit(req EmbeddingRequest) (<-chan Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	resultCh := make(chan Result, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey(req.Model, req.Text)
	if existing, ok := q.pending[key]; ok {
		existing.waiters = append(existing.waiters, waiter{id: req.ID, ch: resultCh})
		q.byID[req.ID] = existing
		return resultCh, nil
	}

	if req.Priority != PriorityCritical {
		limit := q.maxDepth
		if req.Priority == PriorityLow || req.Priority == PriorityBackground {
			limit = q.softDepth
		}
		if len(q.heap) >= limit {
			return nil, substrateerrors.CapacityError("embedding queue is full", nil).
				WithDetail("priority", strconv.Itoa(int(req.Priority))).
				WithDetail("depth", strconv.Itoa(len(q.heap))).
				WithDetail("limit", strconv.Itoa(limit))
		}
	}

	q.seq++
	item := &queueItem{req: req, waiters: []waiter{{id: req.ID, ch: resultCh}}, seq: q.seq}
	q.pending[key] = item
	q.byID[req.ID] = item
	heap.Push(&q.heap, item)

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return resultCh, nil
}

// WaitForResult re-attaches to a request already submitted, returning the
// same channel Submit returned for that request ID. It reports false if
// the ID is unknown (never submitted, or already delivered).
func (q *Queue) WaitForResult(requestID string) (<-chan Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[requestID]
	if !ok {
		return nil, false
	}
	for i := range item.waiters {
		if item.waiters[i].id == requestID {
			return item.waiters[i].ch, true
		}
	}
	return nil, false
}

// Cancel marks requestID cancelled. If the request is still pending or
// another waiter shares its underlying item mid-flight, a worker drops
// it at its next suspension point without invoking the embedding client
// once every waiter on the item has cancelled; otherwise the item still
// completes normally for the waiters that didn't cancel. Cancel reports
// whether requestID was found.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[requestID]
	if !ok {
		return false
	}
	for i := range item.waiters {
		if item.waiters[i].id == requestID {
			item.waiters[i].cancelled = true
			return true
		}
	}
	return false
}

func (q *Queue) allCancelled(item *queueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range item.waiters {
		if !w.cancelled {
			return false
		}
	}
	return true
}

// Depth returns the number of requests currently queued (not counting
// ones already dispatched to a worker).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Run starts concurrency workers draining the queue until ctx is
// cancelled or Stop is called. Run blocks until all workers exit.
func (q *Queue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.concurrency; i++ {
		g.Go(func() error {
			return q.worker(gctx)
		})
	}
	return g.Wait()
}

// Stop cancels the Run loop; workers finish their current item and exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) worker(ctx context.Context) error {
	for {
		item, ok := q.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}

		select {
		case <-ctx.Done():
			q.deliver(item, Result{Err: ctx.Err()})
			return nil
		default:
		}

		// Suspension point: drop the request instead of calling the
		// client if every waiter on it has cancelled by now.
		if q.allCancelled(item) {
			q.deliver(item, Result{Err: substrateerrors.CancelledError("request cancelled", nil)})
			continue
		}

		vec, err := q.embed(ctx, item.req.Model, item.req.Text)
		q.deliver(item, Result{Vector: vec, Err: err})
	}
}

// dequeue pops the highest-priority item. It does not clear the item's
// dedup entry: that stays registered until deliver runs, so a duplicate
// (model, text) submitted while the item is mid-flight attaches as an
// extra waiter instead of triggering a second HTTP call.
func (q *Queue) dequeue() (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	return item, true
}

func (q *Queue) deliver(item *queueItem, res Result) {
	q.mu.Lock()
	delete(q.pending, dedupKey(item.req.Model, item.req.Text))
	waiters := make([]waiter, len(item.waiters))
	copy(waiters, item.waiters)
	for _, w := range waiters {
		delete(q.byID, w.id)
	}
	q.mu.Unlock()

	for _, w := range waiters {
		out := res
		if w.cancelled {
			out = Result{Err: substrateerrors.CancelledError("request cancelled", nil)}
		}
		w.ch <- out
		close(w.ch)
	}
}
