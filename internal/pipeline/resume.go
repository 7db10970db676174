package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/scenecast/internal/jobs"
)

// Lister finds jobs by status. jobs.SQLiteStore implements it.
type Lister interface {
	ListByStatus(ctx context.Context, status jobs.Status) ([]string, error)
}

// ResumePending enqueues every job a previous process left generating. Their
// completed steps replay from checkpoints.
func ResumePending(ctx context.Context, log *slog.Logger, store Lister, q jobs.Queue) (int, error) {
	ids, err := store.ListByStatus(ctx, jobs.StatusGenerating)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	for i, id := range ids {
		if err := q.Enqueue(ctx, jobs.WorkItem{JobID: id}); err != nil {
			return i, fmt.Errorf("enqueue job %s: %w", id, err)
		}
		log.Info("resuming unfinished job", "job_id", id)
	}
	return len(ids), nil
}
