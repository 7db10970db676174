package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/scenecast/internal/common"
)

var _ Queue = (*RedisQueue)(nil)

// RedisQueue is a reliable list queue shared by every process using the same key.
// Claim: BRPOPLPUSH key -> key:processing, lease time recorded in key:leases.
// Ack:   LREM from key:processing and HDEL the lease.
// Items whose lease is older than the stale threshold are moved back by RequeueStale.
type RedisQueue struct {
	log           *slog.Logger
	rdb           *redis.Client
	queueKey      string
	processingKey string
	leasesKey     string
	workers       int
	claimTimeout  time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedisQueue creates a queue on key.
func NewRedisQueue(logger *slog.Logger, rdb *redis.Client, key string, workers int) *RedisQueue {
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &RedisQueue{
		log:           logger,
		rdb:           rdb,
		queueKey:      key,
		processingKey: key + ":processing",
		leasesKey:     key + ":leases",
		workers:       workers,
		claimTimeout:  2 * time.Second,
	}
}

// Enqueue pushes the job id. Cleanup funcs do not cross process boundaries and are ignored.
func (q *RedisQueue) Enqueue(ctx context.Context, item WorkItem) error {
	if item.JobID == "" {
		return errors.New("job id is required")
	}
	if err := q.rdb.LPush(ctx, q.queueKey, item.JobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.JobID, err)
	}
	return nil
}

// Claim blocks up to timeout for the next job id. It returns redis.Nil when none arrived.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		return "", err
	}
	// can't detect staleness without a lease; the reaper treats a missing lease as stale
	if err := q.rdb.HSet(ctx, q.leasesKey, id, strconv.FormatInt(time.Now().UnixMilli(), 10)).Err(); err != nil {
		return "", fmt.Errorf("record lease for %s: %w", id, err)
	}
	return id, nil
}

// Ack removes a processed job id.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	_ = q.rdb.HDel(ctx, q.leasesKey, jobID).Err()
	return nil
}

// RequeueStale moves claimed ids whose lease is older than staleAfter back to
// the queue. A zero staleAfter requeues everything, which is used at startup.
func (q *RedisQueue) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	leases, err := q.rdb.HGetAll(ctx, q.leasesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list leases: %w", err)
	}
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	moved := 0
	for _, id := range ids {
		if raw, ok := leases[id]; ok && staleAfter > 0 {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > cutoff {
				continue
			}
		}
		pipe := q.rdb.TxPipeline()
		rem := pipe.LRem(ctx, q.processingKey, 1, id)
		pipe.HDel(ctx, q.leasesKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("release %s: %w", id, err)
		}
		// another reaper or an ack got there first
		if rem.Val() == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
			return moved, fmt.Errorf("requeue %s: %w", id, err)
		}
		moved++
	}
	if moved > 0 {
		q.log.Warn("requeued stale jobs", "count", moved)
	}
	return moved, nil
}

// Start launches the claim loop and the workers.
func (q *RedisQueue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true

	ids := make(chan string)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(idx int) {
			defer q.wg.Done()
			log := q.log.With("worker", idx)
			for id := range ids {
				runItem(ctx, log, p, WorkItem{JobID: id})
				if ctx.Err() != nil {
					// Interrupted by shutdown: the id stays in the processing list for the reaper.
					continue
				}
				// The job record already holds the outcome, and a crash before this
				// point leaves the id for the reaper.
				if err := q.Ack(context.WithoutCancel(ctx), id); err != nil {
					log.Warn("ack failed", "job_id", id, "err", err)
				}
			}
		}(i)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(ids)
		for ctx.Err() == nil {
			id, err := q.Claim(ctx, q.claimTimeout)
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					q.log.Warn("claim failed", "err", err)
					time.Sleep(q.claimTimeout)
				}
				continue
			}
			select {
			case ids <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Shutdown stops claiming and waits for in-flight jobs up to deadline.
func (q *RedisQueue) Shutdown(deadline time.Duration) {
	q.once.Do(func() {
		q.mu.Lock()
		cancel := q.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		waitGroup(q.log, &q.wg, deadline)
	})
}
