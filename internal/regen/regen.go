// Package regen implements the bounded regeneration loop that turns an invalid
// or failing scene script into a corrected one without ever resubmitting a
// variant that is already known to fail.
package regen

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/script"
)

var (
	// ErrExhausted means the attempt or call budget ran out before a script was accepted.
	ErrExhausted = errors.New("regeneration attempts exhausted")
	// ErrLoopDetected means every forced rewrite reproduced a known failing script.
	ErrLoopDetected = errors.New("regeneration loop detected")
	// ErrEmptyRegeneration means the generator returned a blank script.
	ErrEmptyRegeneration = errors.New("regeneration returned an empty script")
)

// Generator is the text generation collaborator.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Memo replays the result of a named call. Implementations persist the first
// result for key and return it on every later call with the same key.
type Memo interface {
	Do(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error)
}

type passthrough struct{}

func (passthrough) Do(ctx context.Context, _ string, fn func(context.Context) (string, error)) (string, error) {
	return fn(ctx)
}

// Bounds configures the loop.
type Bounds struct {
	MaxScriptFixAttempts  int
	MaxRenderAttempts     int
	MaxForceRegenerations int
	// RepeatThreshold is the number of identical failures after which the
	// root-cause directive is added.
	RepeatThreshold int
	WindowSize      int
	FieldLimit      int
}

// DefaultBounds returns the production bounds.
func DefaultBounds() Bounds {
	return Bounds{
		MaxScriptFixAttempts:  3,
		MaxRenderAttempts:     3,
		MaxForceRegenerations: 2,
		RepeatThreshold:       2,
		WindowSize:            3,
		FieldLimit:            common.ErrorFieldLimit,
	}
}

func (b Bounds) withDefaults() Bounds {
	def := DefaultBounds()
	if b.MaxScriptFixAttempts <= 0 {
		b.MaxScriptFixAttempts = def.MaxScriptFixAttempts
	}
	if b.MaxRenderAttempts <= 0 {
		b.MaxRenderAttempts = def.MaxRenderAttempts
	}
	if b.MaxForceRegenerations < 0 {
		b.MaxForceRegenerations = 0
	}
	if b.RepeatThreshold <= 0 {
		b.RepeatThreshold = def.RepeatThreshold
	}
	if b.WindowSize <= 0 {
		b.WindowSize = def.WindowSize
	}
	if b.FieldLimit <= 0 {
		b.FieldLimit = def.FieldLimit
	}
	return b
}

// MaxCalls is the hard cap on regeneration calls for one job.
func (b Bounds) MaxCalls() int {
	return b.MaxScriptFixAttempts + b.MaxRenderAttempts*b.MaxForceRegenerations
}

// Request is the job context every regeneration prompt repeats.
type Request struct {
	Prompt    string
	Narration string
	Variant   string
}

// Outcome is an accepted script.
type Outcome struct {
	Script      string             `json:"script"`
	Fingerprint script.Fingerprint `json:"fingerprint"`
	Applied     []string           `json:"applied,omitempty"`
	// Regenerations counts the generator calls made during this pass.
	Regenerations int `json:"regenerations"`
}

// Snapshot is the loop state kept for diagnostics.
type Snapshot struct {
	Calls    int          `json:"calls"`
	MaxCalls int          `json:"max_calls"`
	Blocked  int          `json:"blocked"`
	Attempts []Attempt    `json:"attempts,omitempty"`
	Trace    []Transition `json:"trace,omitempty"`
}

// Loop is the per-job regeneration state machine. It is not safe for
// concurrent use; one job drives it sequentially.
type Loop struct {
	log       *slog.Logger
	gen       Generator
	validator *script.Validator
	memo      Memo
	bounds    Bounds
	req       Request

	blocked  *BlockedSet
	attempts *window
	repeats  map[string]int
	failures int
	calls    int
	trace    []Transition
}

// Option customises a Loop.
type Option func(*Loop)

// WithMemo makes every generator call replayable under a deterministic key.
func WithMemo(m Memo) Option {
	return func(l *Loop) {
		if m != nil {
			l.memo = m
		}
	}
}

// New builds a Loop for one job.
func New(log *slog.Logger, gen Generator, v *script.Validator, bounds Bounds, req Request, opts ...Option) *Loop {
	l := &Loop{
		log:       log,
		gen:       gen,
		validator: v,
		memo:      passthrough{},
		bounds:    bounds.withDefaults(),
		req:       req,
		blocked:   NewBlockedSet(),
		repeats:   make(map[string]int),
	}
	l.attempts = newWindow(l.bounds.WindowSize)
	for _, o := range opts {
		o(l)
	}
	return l
}

// Bounds returns the effective bounds.
func (l *Loop) Bounds() Bounds { return l.bounds }

// Calls returns the number of generator calls made so far.
func (l *Loop) Calls() int { return l.calls }

// Blocked returns the job's blocked set.
func (l *Loop) Blocked() *BlockedSet { return l.blocked }

// Attempts returns the bounded window of recent failures, oldest first.
func (l *Loop) Attempts() []Attempt { return l.attempts.list() }

// Snapshot returns the loop state for diagnostics.
func (l *Loop) Snapshot() Snapshot {
	return Snapshot{
		Calls:    l.calls,
		MaxCalls: l.bounds.MaxCalls(),
		Blocked:  l.blocked.Len(),
		Attempts: l.attempts.list(),
		Trace:    append([]Transition(nil), l.trace...),
	}
}

// Stabilize validates a freshly generated script and regenerates it until it
// is accepted or a bound is hit.
func (l *Loop) Stabilize(ctx context.Context, candidate string) (Outcome, error) {
	p := l.newPass("pre-render", l.bounds.MaxScriptFixAttempts, candidate)
	return l.run(ctx, p, StateGenerated)
}

// Repair records a script that failed to render and regenerates a corrected
// one. The failed script is never returned again.
func (l *Loop) Repair(ctx context.Context, failed string, details ErrorDetails) (Outcome, error) {
	details = details.Clamp(l.bounds.FieldLimit)
	l.Record(failed, details)
	p := l.newPass("repair", l.bounds.MaxRenderAttempts, failed)
	p.failure = details
	return l.run(ctx, p, StateRegenerating)
}

// Record blocks src and adds the failure to the attempt window without
// regenerating. Callers use it for the final failure of a job.
func (l *Loop) Record(src string, details ErrorDetails) {
	details = details.Clamp(l.bounds.FieldLimit)
	l.blocked.Add(src)
	l.failures++
	l.attempts.push(Attempt{Number: l.failures, Script: src, Error: details})
	l.repeats[details.Summary()]++
}
