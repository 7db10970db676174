package scheduler

import (
	"context"
	"time"
)

// Sweeper heals credentials whose degraded state has expired.
// credentials.Manager implements it.
type Sweeper interface {
	Sweep()
}

// Requeuer moves stale in-flight jobs back to the queue. jobs.RedisQueue implements it.
type Requeuer interface {
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// MaintenanceOptions configures RegisterMaintenance.
type MaintenanceOptions struct {
	CredentialSweep time.Duration
	RequeueInterval time.Duration
	StaleAfter      time.Duration
}

// RegisterMaintenance adds the credential sweep and, when requeuer is not nil,
// the stale requeue job.
func RegisterMaintenance(s *Scheduler, sweeper Sweeper, requeuer Requeuer, opts MaintenanceOptions) error {
	if sweeper != nil {
		if err := s.Every("credential-sweep", opts.CredentialSweep, func(context.Context) error {
			sweeper.Sweep()
			return nil
		}); err != nil {
			return err
		}
	}
	if requeuer != nil {
		if err := s.Every("requeue-stale", opts.RequeueInterval, func(ctx context.Context) error {
			n, err := requeuer.RequeueStale(ctx, opts.StaleAfter)
			if n > 0 {
				s.log.Info("requeued stale jobs", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
