package allocator

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
)

// BackgroundTask is a unit of work submitted to the allocator's
// background pool.
type BackgroundTask struct {
	ID       string
	Priority Priority
	Type     OperationType
	Run      func(ctx context.Context) error
}

type taskItem struct {
	task  BackgroundTask
	seq   int
	index int
}

type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// backgroundPool drains a priority queue of BackgroundTasks with a fixed
// number of workers, the same heap-ordered-FIFO idiom the embedding
// queue uses for its own submissions.
type backgroundPool struct {
	mu     sync.Mutex
	heap   taskHeap
	seq    int
	notify chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newBackgroundPool() *backgroundPool {
	return &backgroundPool{notify: make(chan struct{}, 1)}
}

func (p *backgroundPool) submit(task BackgroundTask) {
	p.mu.Lock()
	p.seq++
	heap.Push(&p.heap, &taskItem{task: task, seq: p.seq})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *backgroundPool) start(ctx context.Context, workers int) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *backgroundPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		item := p.next(ctx)
		if item == nil {
			return
		}
		if err := item.task.Run(ctx); err != nil {
			slog.Warn("background task failed", slog.String("id", item.task.ID), slog.Any("error", err))
		}
	}
}

func (p *backgroundPool) next(ctx context.Context) *taskItem {
	for {
		p.mu.Lock()
		if len(p.heap) > 0 {
			item := heap.Pop(&p.heap).(*taskItem)
			p.mu.Unlock()
			return item
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-p.notify:
		}
	}
}

func (p *backgroundPool) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// SubmitBackgroundTask enqueues task onto the allocator's bounded
// background worker pool. Tasks run in priority order, FIFO within a
// priority level, across cfg.BackgroundWorkers goroutines started by
// StartBackgroundWorkers.
func (a *Allocator) SubmitBackgroundTask(task BackgroundTask) {
	a.bgOnce.Do(a.initBackgroundPool)
	a.bg.submit(task)
}

// StartBackgroundWorkers starts the fixed-size pool of goroutines that
// drain SubmitBackgroundTask's queue. Safe to call once; StopBackgroundWorkers
// tears it down.
func (a *Allocator) StartBackgroundWorkers(ctx context.Context) {
	a.bgOnce.Do(a.initBackgroundPool)
	a.bg.start(ctx, a.cfg.BackgroundWorkers)
}

// StopBackgroundWorkers cancels the background pool and waits for
// in-flight tasks to finish.
func (a *Allocator) StopBackgroundWorkers() {
	a.bgOnce.Do(a.initBackgroundPool)
	a.bg.stop()
}

func (a *Allocator) initBackgroundPool() {
	a.bg = newBackgroundPool()
}
