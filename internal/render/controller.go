package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/scenecast/internal/regen"
)

// Repairer produces a corrected script after a render failure.
type Repairer interface {
	Repair(ctx context.Context, failed string, details regen.ErrorDetails) (regen.Outcome, error)
	Record(failed string, details regen.ErrorDetails)
}

// Checkpoints persists values across process restarts.
type Checkpoints interface {
	Load(ctx context.Context, key string, v any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

type nopCheckpoints struct{}

func (nopCheckpoints) Load(context.Context, string, any) (bool, error) { return false, nil }
func (nopCheckpoints) Save(context.Context, string, any) error         { return nil }

// Options bounds the controller.
type Options struct {
	MaxAttempts int
	// StepBudget is the longest a single step may block; each render step
	// gives up StepMargin earlier and resumes in a fresh step.
	StepBudget        time.Duration
	StepMargin        time.Duration
	MaxPollIterations int
	FieldLimit        int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.StepBudget <= 0 {
		o.StepBudget = 5 * time.Minute
	}
	if o.StepMargin <= 0 || o.StepMargin >= o.StepBudget {
		o.StepMargin = o.StepBudget / 10
	}
	if o.MaxPollIterations <= 0 {
		o.MaxPollIterations = 6
	}
	return o
}

// Outcome is a successful render together with the script that produced it.
type Outcome struct {
	Result            Result `json:"result"`
	Script            string `json:"script"`
	RenderAttempts    int    `json:"render_attempts"`
	RetriedAfterError bool   `json:"retried_after_error"`
}

// Controller runs render attempts for one job.
type Controller struct {
	log      *slog.Logger
	renderer Renderer
	repairer Repairer
	ckpt     Checkpoints
	opts     Options
}

// NewController builds a Controller. ckpt may be nil.
func NewController(log *slog.Logger, r Renderer, rep Repairer, ckpt Checkpoints, opts Options) *Controller {
	if ckpt == nil {
		ckpt = nopCheckpoints{}
	}
	return &Controller{log: log, renderer: r, repairer: rep, ckpt: ckpt, opts: opts.withDefaults()}
}

func handleKey(attempt int) string { return fmt.Sprintf("render/%d/handle", attempt) }
func resultKey(attempt int) string { return fmt.Sprintf("render/%d/result", attempt) }
func errorKey(attempt int) string  { return fmt.Sprintf("render/%d/error", attempt) }

// Run renders script, regenerating it after each failed attempt. It never
// renders the same failed script twice.
func (c *Controller) Run(ctx context.Context, req Request, sink Sink) (Outcome, error) {
	if sink == nil {
		sink = NopSink{}
	}
	current := req.Script
	retried := false
	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		req.Script = current

		var res Result
		done, err := c.ckpt.Load(ctx, resultKey(attempt), &res)
		if err != nil {
			return Outcome{}, fmt.Errorf("load render result: %w", err)
		}
		var rerr *RenderError
		if !done {
			var failed RenderError
			replayed, err := c.ckpt.Load(ctx, errorKey(attempt), &failed)
			if err != nil {
				return Outcome{}, fmt.Errorf("load render error: %w", err)
			}
			if replayed {
				rerr = &failed
			} else {
				res, err = c.attempt(ctx, req, sink)
				switch {
				case err == nil:
					if err := c.ckpt.Save(ctx, resultKey(attempt), res); err != nil {
						return Outcome{}, fmt.Errorf("save render result: %w", err)
					}
				case errors.As(err, &rerr):
					if err := c.ckpt.Save(ctx, errorKey(attempt), rerr); err != nil {
						return Outcome{}, fmt.Errorf("save render error: %w", err)
					}
				default:
					return Outcome{}, err
				}
			}
		}
		if rerr == nil {
			return Outcome{Result: res, Script: current, RenderAttempts: attempt, RetriedAfterError: retried}, nil
		}

		details := rerr.Details().Clamp(c.opts.FieldLimit)
		c.log.Warn("render attempt failed", "job_id", req.JobID, "attempt", attempt, "max", c.opts.MaxAttempts, "err", rerr)
		if attempt >= c.opts.MaxAttempts {
			c.repairer.Record(current, details)
			return Outcome{RenderAttempts: attempt, RetriedAfterError: retried}, fmt.Errorf("render attempt %d/%d: %w", attempt, c.opts.MaxAttempts, rerr)
		}
		out, err := c.repairer.Repair(ctx, current, details)
		if err != nil {
			return Outcome{RenderAttempts: attempt, RetriedAfterError: retried}, fmt.Errorf("repair after render attempt %d: %w", attempt, err)
		}
		current = out.Script
		retried = true
	}
}

// attempt runs one logical render attempt as a sequence of time-boxed steps.
func (c *Controller) attempt(ctx context.Context, req Request, sink Sink) (Result, error) {
	var h Handle
	if _, err := c.ckpt.Load(ctx, handleKey(req.Attempt), &h); err != nil {
		return Result{}, fmt.Errorf("load render handle: %w", err)
	}
	tracked := &handleSink{Sink: sink}
	for iter := 1; iter <= c.opts.MaxPollIterations; iter++ {
		stepCtx, cancel := context.WithTimeout(ctx, c.opts.StepBudget-c.opts.StepMargin)
		tracked.h = Handle{}
		var res Result
		var err error
		if h.Valid() {
			res, err = c.renderer.Resume(stepCtx, h, tracked)
		} else {
			res, err = c.renderer.Render(stepCtx, req, tracked)
		}
		cancel()

		if tracked.h.Valid() && tracked.h != h {
			h = tracked.h
			if serr := c.ckpt.Save(ctx, handleKey(req.Attempt), h); serr != nil {
				c.log.Warn("failed to checkpoint render handle", "job_id", req.JobID, "err", serr)
			}
		}
		if err == nil {
			c.release(h)
			return res, nil
		}
		if errors.Is(err, ErrHandleLost) {
			c.log.Warn("render handle lost; starting over", "job_id", req.JobID, "attempt", req.Attempt, "handle", h.ID)
			h = Handle{}
			if serr := c.ckpt.Save(ctx, handleKey(req.Attempt), h); serr != nil {
				c.log.Warn("failed to clear render handle", "job_id", req.JobID, "err", serr)
			}
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.log.Info("render step budget reached; continuing", "job_id", req.JobID, "attempt", req.Attempt, "iteration", iter, "handle", h.ID)
			continue
		}
		c.release(h)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	c.release(h)
	return Result{}, fmt.Errorf("%w after %d steps of %s", ErrTimeout, c.opts.MaxPollIterations, c.opts.StepBudget-c.opts.StepMargin)
}

func (c *Controller) release(h Handle) {
	if !h.Valid() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.renderer.Release(ctx, h); err != nil {
		c.log.Warn("failed to release render handle", "handle", h.ID, "err", err)
	}
}

type handleSink struct {
	Sink
	h Handle
}

func (s *handleSink) Handle(h Handle) {
	s.h = h
	s.Sink.Handle(h)
}
