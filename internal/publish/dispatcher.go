package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jo-hoe/scenecast/internal/jobs"
	"github.com/jo-hoe/scenecast/internal/llm"
	"github.com/jo-hoe/scenecast/internal/workflow"
)

// StatusRecorder stores the publish outcome. progress.Tracker implements it.
type StatusRecorder interface {
	Published(ctx context.Context, jobID string, status jobs.PublishStatus, url, message string) error
}

// Trigger emits the downstream publish-trigger event. events.NATSPublisher implements it.
type Trigger interface {
	Trigger(ctx context.Context, v any) error
}

// DispatcherOptions bounds publishing.
type DispatcherOptions struct {
	Attempts int
	Backoff  time.Duration
	Tags     []string
}

// Dispatcher generates metadata for ready jobs and publishes them in the
// background. Outcomes only touch the job's publish fields.
type Dispatcher struct {
	log      *slog.Logger
	gen      llm.Generator
	target   Target
	recorder StatusRecorder
	trigger  Trigger
	opts     DispatcherOptions
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. trigger may be nil.
func NewDispatcher(log *slog.Logger, gen llm.Generator, target Target, recorder StatusRecorder, trigger Trigger, opts DispatcherOptions) *Dispatcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:      log.With("component", "publish", "target", target.Name()),
		gen:      gen,
		target:   target,
		recorder: recorder,
		trigger:  trigger,
		opts:     opts,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch publishes job in the background and returns immediately.
func (d *Dispatcher) Dispatch(run *workflow.Run, job jobs.Job, narration string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Publish(d.ctx, run, job, narration)
	}()
}

// Publish runs metadata generation and the publish call synchronously.
func (d *Dispatcher) Publish(ctx context.Context, run *workflow.Run, job jobs.Job, narration string) error {
	log := d.log.With("job_id", job.ID)
	if job.VideoURL == nil || *job.VideoURL == "" {
		return d.fail(ctx, log, job.ID, &PublishFailure{Target: d.target.Name(), Err: errors.New("job has no video")})
	}

	meta := GenerateMetadata(ctx, run, d.gen, job.Prompt, narration)
	meta.Tags = d.tags(job.Variant)

	if d.trigger != nil {
		ev := TriggerEvent{
			ArtifactURL: *job.VideoURL,
			Title:       meta.Title,
			Description: meta.Description,
			JobID:       job.ID,
			Variant:     string(job.Variant),
		}
		if err := d.trigger.Trigger(ctx, ev); err != nil {
			log.Warn("publish trigger failed", "err", err)
		}
	}

	req := Request{
		JobID:       job.ID,
		Variant:     string(job.Variant),
		VideoURL:    *job.VideoURL,
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		Timestamp:   d.now().UTC(),
	}
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.Backoff
	b.MaxInterval = 10 * d.opts.Backoff
	res, err := backoff.RetryWithData(func() (Result, error) {
		attempts++
		res, err := d.target.Publish(ctx, req)
		if err != nil {
			log.Warn("publish attempt failed", "attempt", attempts, "err", err)
			if ctx.Err() != nil {
				return res, backoff.Permanent(err)
			}
		}
		return res, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.Attempts-1)), ctx))
	if err != nil {
		return d.fail(ctx, log, job.ID, &PublishFailure{Target: d.target.Name(), Attempts: attempts, Err: err})
	}

	log.Info("video published", "url", res.URL, "id", res.ID, "title", meta.Title)
	if err := d.recorder.Published(context.WithoutCancel(ctx), job.ID, jobs.PublishUploaded, res.URL, ""); err != nil {
		log.Error("failed to record publish", "err", err)
		return err
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, jobID string, pf *PublishFailure) error {
	log.Error("publish failed", "err", pf)
	if err := d.recorder.Published(context.WithoutCancel(ctx), jobID, jobs.PublishFailed, "", pf.Error()); err != nil {
		log.Error("failed to record publish failure", "err", err)
	}
	return pf
}

func (d *Dispatcher) tags(v jobs.Variant) []string {
	out := append([]string(nil), d.opts.Tags...)
	if v == jobs.VariantShort {
		out = append(out, "shorts")
	}
	return out
}

// Shutdown waits for in-flight publishes until deadline, then cancels them.
func (d *Dispatcher) Shutdown(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		d.log.Warn("publish shutdown deadline reached, cancelling")
		d.cancel()
		<-done
	}
	d.cancel()
}
