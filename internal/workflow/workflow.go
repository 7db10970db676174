// Package workflow makes a job's pipeline replayable. Every step persists its
// JSON-encoded result under (job id, step name) before the pipeline moves on,
// so a restarted job skips the steps it already completed.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/scenecast/internal/regen"
)

// Store persists checkpoints. jobs.SQLiteStore implements it.
type Store interface {
	LoadCheckpoint(ctx context.Context, jobID, key string) ([]byte, bool, error)
	SaveCheckpoint(ctx context.Context, jobID, key string, data []byte) error
}

// Run is one job's replay log.
type Run struct {
	log   *slog.Logger
	store Store
	jobID string
}

func NewRun(log *slog.Logger, store Store, jobID string) *Run {
	return &Run{log: log.With("job_id", jobID), store: store, jobID: jobID}
}

func (r *Run) JobID() string { return r.jobID }

// Load decodes the checkpoint stored under key into v.
func (r *Run) Load(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := r.store.LoadCheckpoint(ctx, r.jobID, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode checkpoint %q: %w", key, err)
	}
	return true, nil
}

// Save stores v under key, replacing any previous value.
func (r *Run) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint %q: %w", key, err)
	}
	return r.store.SaveCheckpoint(ctx, r.jobID, key, data)
}

// Step returns the persisted result of name, or runs fn and persists its
// result. Errors are not persisted; a failed step runs again on replay.
func Step[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	ok, err := r.Load(ctx, name, &out)
	if err != nil {
		return out, err
	}
	if ok {
		r.log.Debug("step replayed", "step", name)
		return out, nil
	}
	out, err = fn(ctx)
	if err != nil {
		return out, err
	}
	if err := r.Save(ctx, name, out); err != nil {
		return out, fmt.Errorf("checkpoint step %q: %w", name, err)
	}
	r.log.Debug("step completed", "step", name)
	return out, nil
}

// Memo adapts the run to regen.Memo so every regeneration call is a step.
func (r *Run) Memo() regen.Memo { return memo{r} }

type memo struct{ r *Run }

func (m memo) Do(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error) {
	return Step(ctx, m.r, key, fn)
}
