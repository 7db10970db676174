// Package scheduler runs periodic maintenance: credential auto-heal sweeps and
// requeueing of renders orphaned by a crashed worker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler wraps gocron with named, singleton interval jobs.
type Scheduler struct {
	log *slog.Logger
	s   *gocron.Scheduler

	mu      sync.Mutex
	jobs    map[string]*gocron.Job
	running bool
}

func New(log *slog.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{log: log.With("component", "scheduler"), s: s, jobs: make(map[string]*gocron.Job)}
}

// Every runs task every interval, first right after Start. A run that is
// still going when the next one is due is not overlapped.
func (s *Scheduler) Every(name string, interval time.Duration, task func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}
	job, err := s.s.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			s.log.Warn("scheduled job failed", "job", name, "err", err)
			return
		}
		s.log.Debug("scheduled job done", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", name, err)
	}
	s.jobs[name] = job
	s.log.Info("job added", "job", name, "every", interval)
	return nil
}

// Names returns the registered job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.s.StartAsync()
	s.running = true
	s.log.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.s.Stop()
	s.running = false
	s.log.Info("scheduler stopped")
}
