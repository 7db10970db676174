// Package render drives scene renders through a sandbox collaborator. A render
// may outlive a single orchestration step, so the controller time-boxes every
// step and resumes from the sandbox handle instead of starting over.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jo-hoe/scenecast/internal/regen"
)

var (
	// ErrTimeout means a render did not finish within the allowed polling iterations.
	ErrTimeout = errors.New("render timed out")
	// ErrHandleLost is returned by Resume when the backend no longer knows the
	// handle, for example after a process restart. The attempt starts over.
	ErrHandleLost = errors.New("render handle lost")
)

// Request is one render attempt.
type Request struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Script  string `json:"script"`
	Variant string `json:"variant"`
	Quality string `json:"quality,omitempty"`
}

// Handle identifies an in-flight render in the backend that created it.
type Handle struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

// Valid reports whether h refers to a render.
func (h Handle) Valid() bool { return h.ID != "" }

// Result is a finished render. VideoPath is a local file.
type Result struct {
	VideoPath string   `json:"video_path"`
	Warnings  []string `json:"warnings,omitempty"`
	Logs      []string `json:"logs,omitempty"`
}

// RenderError is a render that ran and failed.
type RenderError struct {
	Stage    string   `json:"stage"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Message  string   `json:"message,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Hint     string   `json:"hint,omitempty"`
	Logs     []string `json:"logs,omitempty"`
}

func (e *RenderError) Error() string {
	var b strings.Builder
	b.WriteString("render failed")
	if e.Stage != "" {
		b.WriteString(" at " + e.Stage)
	}
	if e.ExitCode != nil {
		fmt.Fprintf(&b, " (exit %d)", *e.ExitCode)
	}
	if msg := e.summary(); msg != "" {
		b.WriteString(": " + msg)
	}
	return b.String()
}

func (e *RenderError) summary() string {
	if e.Message != "" {
		return e.Message
	}
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Details converts the error into regeneration context.
func (e *RenderError) Details() regen.ErrorDetails {
	return regen.ErrorDetails{
		Message:  e.summary(),
		Stage:    e.Stage,
		ExitCode: e.ExitCode,
		Stderr:   e.Stderr,
		Stdout:   e.Stdout,
		Hint:     e.Hint,
		Logs:     strings.Join(e.Logs, "\n"),
	}
}

// ExitCode returns a pointer to code, for building RenderErrors.
func ExitCode(code int) *int { return &code }

// Sink receives what a running render reports.
type Sink interface {
	// Handle is called as soon as the backend has an identifier for the render.
	Handle(h Handle)
	// Progress reports completion in [0, 1].
	Progress(fraction float64, detail string)
	Log(line string)
}

// Renderer is the sandbox collaborator. Render and Resume block until the
// render finishes or ctx is done; a render interrupted by ctx keeps running in
// the backend and can be resumed by handle.
type Renderer interface {
	Render(ctx context.Context, req Request, sink Sink) (Result, error)
	Resume(ctx context.Context, h Handle, sink Sink) (Result, error)
	Release(ctx context.Context, h Handle) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Handle(Handle)            {}
func (NopSink) Progress(float64, string) {}
func (NopSink) Log(string)               {}
