// Package progress records how far a job has come. The tracker is the only
// writer of a job's progress fields; every write is fanned out to sinks as an
// Event carrying the full job record and an ETA.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/jobs"
)

// Stage is a pipeline stage with a fixed progress band.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageNarration  Stage = "narration"
	StageScript     Stage = "script"
	StageValidation Stage = "validation"
	StageRendering  Stage = "rendering"
	StageUpload     Stage = "upload"
	StageFinalize   Stage = "finalize"
)

type band struct {
	from, to int
	label    string
}

var bands = map[Stage]band{
	StageQueued:     {0, 0, "Queued"},
	StageNarration:  {5, 12, "Writing narration"},
	StageScript:     {18, 24, "Writing the scene script"},
	StageValidation: {30, 42, "Checking the script"},
	StageRendering:  {44, 88, "Rendering the video"},
	StageUpload:     {88, 95, "Uploading the video"},
	StageFinalize:   {95, 100, "Finishing up"},
}

// Percent maps a position within stage to an overall percentage.
// fraction is clamped to [0, 1].
func Percent(stage Stage, fraction float64) (int, string) {
	b, ok := bands[stage]
	if !ok {
		return 0, string(stage)
	}
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return b.from + int(math.Round(fraction*float64(b.to-b.from))), b.label
}

// Event is the flat job object plus an estimate of the remaining time.
type Event struct {
	jobs.Job
	ETASeconds *int `json:"eta_seconds,omitempty"`
}

// NewEvent builds the event for job as observed at now.
func NewEvent(job jobs.Job, now time.Time) Event {
	ev := Event{Job: job}
	if job.Status == jobs.StatusGenerating && job.Progress > 0 && !job.CreatedAt.IsZero() {
		elapsed := now.Sub(job.CreatedAt).Seconds()
		if elapsed > 0 {
			eta := int(math.Round(elapsed * float64(100-job.Progress) / float64(job.Progress)))
			ev.ETASeconds = &eta
		}
	}
	return ev
}

// Sink receives every event. Sinks must not block for long.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Store is the slice of jobs.Store the tracker writes through.
type Store interface {
	UpdateProgress(ctx context.Context, id string, u jobs.ProgressUpdate, limit int) (*jobs.Job, error)
	SetReady(ctx context.Context, id, videoURL string, at time.Time) (*jobs.Job, error)
	SetError(ctx context.Context, id, message string, diagnostics []byte, at time.Time) (*jobs.Job, error)
	SetPublish(ctx context.Context, id string, status jobs.PublishStatus, url, message string) (*jobs.Job, error)
}

// Tracker writes progress to the store and fans out events.
type Tracker struct {
	log   *slog.Logger
	store Store
	sinks []Sink
	limit int
	now   func() time.Time
}

func NewTracker(log *slog.Logger, store Store, sinks ...Sink) *Tracker {
	return &Tracker{log: log, store: store, sinks: sinks, limit: common.ProgressLogLimit, now: time.Now}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Update records that jobID is fraction of the way through stage.
// Updates to a finished job are dropped.
func (t *Tracker) Update(ctx context.Context, jobID string, stage Stage, fraction float64, details string) error {
	pct, label := Percent(stage, fraction)
	job, err := t.store.UpdateProgress(ctx, jobID, jobs.ProgressUpdate{
		Progress: pct,
		Step:     label,
		Details:  details,
		At:       t.now().UTC(),
	}, t.limit)
	if errors.Is(err, jobs.ErrTerminal) {
		t.log.Debug("dropping progress for finished job", "job_id", jobID, "stage", stage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	t.emit(ctx, job)
	return nil
}

// Ready marks the job done.
func (t *Tracker) Ready(ctx context.Context, jobID, videoURL string) error {
	job, err := t.store.SetReady(ctx, jobID, videoURL, t.now().UTC())
	if err != nil {
		return fmt.Errorf("set ready: %w", err)
	}
	t.emit(ctx, job)
	return nil
}

// Fail marks the job failed with a user-safe message.
func (t *Tracker) Fail(ctx context.Context, jobID, message string, diagnostics []byte) error {
	job, err := t.store.SetError(ctx, jobID, message, diagnostics, t.now().UTC())
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	t.emit(ctx, job)
	return nil
}

// Published records the publish outcome of a job.
func (t *Tracker) Published(ctx context.Context, jobID string, status jobs.PublishStatus, url, message string) error {
	job, err := t.store.SetPublish(ctx, jobID, status, url, message)
	if err != nil {
		return fmt.Errorf("set publish: %w", err)
	}
	t.emit(ctx, job)
	return nil
}

func (t *Tracker) emit(ctx context.Context, job *jobs.Job) {
	if job == nil {
		return
	}
	ev := NewEvent(*job, t.now())
	for _, s := range t.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			t.log.Warn("progress sink failed", "job_id", job.ID, "err", err)
		}
	}
}

// Display is the client-side smoothing of a progress bar. It eases the shown
// value toward the authoritative one and may run ahead of it by at most
// ceiling points while the job is still generating.
func Display(displayed float64, authoritative int, status jobs.Status) float64 {
	const (
		ceiling = 5.0
		ease    = 0.15
	)
	if status == jobs.StatusReady {
		return 100
	}
	target := float64(authoritative)
	if status == jobs.StatusGenerating {
		target = math.Max(target, math.Min(target+ceiling, 99))
	}
	next := displayed
	if next < target {
		next += math.Max((target-next)*ease, 0.1)
	}
	return math.Max(0, math.Min(next, target))
}
