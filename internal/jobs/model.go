package jobs

import (
	"context"
	"errors"
	"time"
)

// Status is the externally visible lifecycle state of a video job.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Terminal reports whether no further progress may be recorded.
func (s Status) Terminal() bool { return s == StatusReady || s == StatusError }

// Variant selects the output format.
type Variant string

const (
	VariantVideo Variant = "video"
	VariantShort Variant = "short"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool { return v == VariantVideo || v == VariantShort }

// PublishStatus tracks the publish side effect, which may change after ready.
type PublishStatus string

const (
	PublishPending  PublishStatus = "pending"
	PublishUploaded PublishStatus = "uploaded"
	PublishFailed   PublishStatus = "failed"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when progress is written to a finished job.
	ErrTerminal = errors.New("job is terminal")
)

// ProgressEntry is one line of a job's progress log.
type ProgressEntry struct {
	Progress int       `json:"progress"`
	Step     string    `json:"step"`
	Details  string    `json:"details,omitempty"`
	At       time.Time `json:"at"`
}

// Job is a single prompt-to-video request. It serializes to the flat object
// returned by the API and pushed on the events stream.
type Job struct {
	ID            string          `json:"id"`
	Prompt        string          `json:"prompt"`
	Variant       Variant         `json:"variant"`
	Status        Status          `json:"status"`
	Progress      int             `json:"progress"`
	Step          string          `json:"step"`
	Details       *string         `json:"details,omitempty"`
	ProgressLog   []ProgressEntry `json:"progressLog"`
	VideoURL      *string         `json:"videoUrl,omitempty"`
	Error         *string         `json:"error,omitempty"`
	PublishStatus *PublishStatus  `json:"publishStatus,omitempty"`
	PublishURL    *string         `json:"publishUrl,omitempty"`
	PublishError  *string         `json:"publishError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`

	// Diagnostics holds operator-only failure detail. It is never serialized.
	Diagnostics []byte `json:"-"`
}

// ProgressUpdate is one authoritative progress write.
type ProgressUpdate struct {
	Progress int
	Step     string
	Details  string
	At       time.Time
}

// Store defines persistence for Jobs and their workflow checkpoints.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateProgress appends to the progress log, keeping the last limit
	// entries. Progress never decreases. Terminal jobs return ErrTerminal.
	UpdateProgress(ctx context.Context, id string, u ProgressUpdate, limit int) (*Job, error)
	SetReady(ctx context.Context, id, videoURL string, at time.Time) (*Job, error)
	SetError(ctx context.Context, id, message string, diagnostics []byte, at time.Time) (*Job, error)
	// SetPublish updates only the publish fields; it never changes Status.
	SetPublish(ctx context.Context, id string, status PublishStatus, url, message string) (*Job, error)
	ListByStatus(ctx context.Context, status Status) ([]string, error)

	LoadCheckpoint(ctx context.Context, jobID, key string) ([]byte, bool, error)
	SaveCheckpoint(ctx context.Context, jobID, key string, data []byte) error

	Close() error
}
