package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/scenecast/internal/common"
)

var ErrQueueFull = errors.New("queue is full")

// WorkItem identifies a job to run. The job itself is loaded from the Store.
type WorkItem struct {
	JobID   string
	Cleanup func() error
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue feeds WorkItems to a pool of workers.
type Queue interface {
	Start(ctx context.Context, p Processor) error
	Enqueue(ctx context.Context, item WorkItem) error
	Shutdown(deadline time.Duration)
}

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory bounded queue for WorkItems with a worker pool.
type MemoryQueue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	mu         sync.Mutex
}

// NewMemoryQueue creates a new MemoryQueue with the given capacity and worker count.
func NewMemoryQueue(logger *slog.Logger, capacity int, workers int) *MemoryQueue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &MemoryQueue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *MemoryQueue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			runItem(ctx, log, p, item)
		}
	}
}

// runItem processes one item and always attempts its cleanup.
func runItem(ctx context.Context, log *slog.Logger, p Processor, item WorkItem) {
	jobLog := log.With("job_id", item.JobID)
	jobLog.Info("processing job")
	start := time.Now()
	if err := p.Process(ctx, item); err != nil {
		jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
	} else {
		jobLog.Info("job processed", "duration", time.Since(start))
	}
	if item.Cleanup != nil {
		if err := item.Cleanup(); err != nil {
			jobLog.Warn("cleanup failed", "err", err)
		}
	}
}

// Enqueue adds a WorkItem to the queue (non-blocking if capacity allows).
func (q *MemoryQueue) Enqueue(_ context.Context, item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return errors.New("queue not started")
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown gracefully stops accepting work and waits for workers to finish current items up to the provided deadline.
func (q *MemoryQueue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.started = false
		q.mu.Unlock()
		if q.cancel != nil {
			q.cancel()
		}
		// close channel to unblock workers if they are waiting on receive
		close(q.ch)
		waitGroup(q.log, &q.wg, deadline)
	})
}

func waitGroup(log *slog.Logger, wg *sync.WaitGroup, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	if deadline <= 0 {
		<-done
		return
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("queue shutdown deadline reached; workers may still be running")
	}
}
