// Package publish announces finished videos on an external platform.
package publish

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Request is what a target needs to publish one video.
type Request struct {
	JobID       string
	Variant     string
	VideoURL    string
	Title       string
	Description string
	Tags        []string
	Timestamp   time.Time
}

// Result describes where the video was published.
type Result struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Target is a publishing platform.
type Target interface {
	Name() string
	Publish(ctx context.Context, req Request) (Result, error)
}

// PublishFailure is a publish that did not succeed within its retry budget.
// It never changes the job's status, only its publish fields.
type PublishFailure struct {
	Target   string
	Attempts int
	Err      error
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *PublishFailure) Unwrap() error { return e.Err }

// TriggerEvent is emitted downstream once metadata is ready.
type TriggerEvent struct {
	ArtifactURL string `json:"artifactUrl"`
	Title       string `json:"title"`
	Description string `json:"description"`
	JobID       string `json:"jobId"`
	Variant     string `json:"variant"`
}

// Registry holds initialized targets by name.
type Registry struct {
	byName map[string]Target
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Target)}
}

func (r *Registry) Add(t Target) {
	r.byName[t.Name()] = t
}

func (r *Registry) Get(name string) (Target, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Noop accepts every request and publishes nowhere. The returned URL is the
// video itself.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Publish(_ context.Context, req Request) (Result, error) {
	return Result{ID: req.JobID, URL: req.VideoURL}, nil
}
