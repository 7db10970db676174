// Package pipeline turns a queued prompt into a rendered, uploaded and
// published video. Every expensive call runs as a durable workflow step, so a
// job that is picked up again after a crash continues where it stopped.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jo-hoe/scenecast/internal/catalog"
	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/hosting"
	"github.com/jo-hoe/scenecast/internal/jobs"
	"github.com/jo-hoe/scenecast/internal/llm"
	"github.com/jo-hoe/scenecast/internal/progress"
	"github.com/jo-hoe/scenecast/internal/regen"
	"github.com/jo-hoe/scenecast/internal/render"
	"github.com/jo-hoe/scenecast/internal/script"
	"github.com/jo-hoe/scenecast/internal/workflow"
)

const (
	stepNarration = "narration"
	stepScript    = "script"
	stepUpload    = "upload"

	defaultExamplesLimit = 2
)

// Publisher hands a ready job to the publish dispatcher. publish.Dispatcher implements it.
type Publisher interface {
	Dispatch(run *workflow.Run, job jobs.Job, narration string)
}

// Deps are the collaborators of a Pipeline. Catalog and Publisher are optional.
type Deps struct {
	Store     jobs.Store
	Generator llm.Generator
	Validator *script.Validator
	Renderer  render.Renderer
	Uploader  hosting.Uploader
	Tracker   *progress.Tracker
	Catalog   *catalog.Catalog
	Publisher Publisher
}

// Options bounds a Pipeline.
type Options struct {
	Bounds        regen.Bounds
	Render        render.Options
	Quality       string
	ExamplesLimit int
}

// OptionsFromConfig maps the pipeline and render sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Bounds: regen.Bounds{
			MaxScriptFixAttempts:  cfg.Pipeline.MaxScriptFixAttempts,
			MaxRenderAttempts:     cfg.Pipeline.MaxRenderAttempts,
			MaxForceRegenerations: cfg.Pipeline.MaxForceRegenerations,
			RepeatThreshold:       cfg.Pipeline.RepeatThreshold,
			WindowSize:            cfg.Pipeline.AttemptWindow,
			FieldLimit:            common.ErrorFieldLimit,
		},
		Render: render.Options{
			MaxAttempts:       cfg.Pipeline.MaxRenderAttempts,
			StepBudget:        cfg.Render.StepBudget,
			StepMargin:        cfg.Render.StepMargin,
			MaxPollIterations: cfg.Render.MaxPollIterations,
			FieldLimit:        common.ErrorFieldLimit,
		},
		Quality:       cfg.Render.Quality,
		ExamplesLimit: cfg.Pipeline.ExamplesLimit,
	}
}

// Pipeline implements jobs.Processor for video jobs.
type Pipeline struct {
	log  *slog.Logger
	deps Deps
	opts Options

	mu      sync.Mutex
	running map[string]bool
}

var _ jobs.Processor = (*Pipeline)(nil)

func New(log *slog.Logger, deps Deps, opts Options) *Pipeline {
	if opts.ExamplesLimit <= 0 {
		opts.ExamplesLimit = defaultExamplesLimit
	}
	return &Pipeline{log: log, deps: deps, opts: opts, running: make(map[string]bool)}
}

// run is the per-job state kept for diagnostics.
type run struct {
	wf             *workflow.Run
	loop           *regen.Loop
	sink           *renderSink
	renderAttempts int
}

func (r *run) logs() []string {
	if r.sink == nil {
		return nil
	}
	return r.sink.Logs()
}

// Process runs the job to a terminal state. A job interrupted by ctx is left
// generating so it can be resumed.
func (p *Pipeline) Process(ctx context.Context, item jobs.WorkItem) error {
	if !p.claim(item.JobID) {
		p.log.Info("job already running, skipping duplicate delivery", "job_id", item.JobID)
		return nil
	}
	defer p.release(item.JobID)

	job, err := p.deps.Store.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	log := p.log.With("job_id", job.ID)
	if job.Status.Terminal() {
		log.Debug("job already finished", "status", job.Status)
		return nil
	}

	r := &run{wf: workflow.NewRun(p.log, p.deps.Store, job.ID)}
	err = p.generate(ctx, log, r, job)
	if err == nil {
		return nil
	}
	if interrupted(ctx, err) {
		log.Warn("job interrupted, it resumes from its last completed step", "err", err)
		return err
	}
	log.Error("job failed", "stage", stageOf(err), "err", err)
	diag := buildDiagnostics(err, r.renderAttempts, r.loop, r.logs())
	if ferr := p.deps.Tracker.Fail(context.WithoutCancel(ctx), job.ID, UserMessage(err), diag); ferr != nil {
		log.Error("failed to record job failure", "err", ferr)
	}
	return err
}

func (p *Pipeline) generate(ctx context.Context, log *slog.Logger, r *run, job *jobs.Job) error {
	p.mark(ctx, log, job.ID, progress.StageNarration, 0, "")
	narration, err := workflow.Step(ctx, r.wf, stepNarration, func(ctx context.Context) (string, error) {
		return p.deps.Generator.Generate(ctx, narrationSystemPrompt, narrationPrompt(job))
	})
	if err != nil {
		return atStage(progress.StageNarration, fmt.Errorf("generate narration: %w", err))
	}
	p.mark(ctx, log, job.ID, progress.StageNarration, 1, "")

	p.mark(ctx, log, job.ID, progress.StageScript, 0, "")
	draft, err := workflow.Step(ctx, r.wf, stepScript, func(ctx context.Context) (string, error) {
		examples := p.examples(ctx, job, narration)
		return p.deps.Generator.Generate(ctx, scriptSystemPrompt, scriptPrompt(job, narration, examples))
	})
	if err != nil {
		return atStage(progress.StageScript, fmt.Errorf("generate script: %w", err))
	}
	p.mark(ctx, log, job.ID, progress.StageScript, 1, "")

	p.mark(ctx, log, job.ID, progress.StageValidation, 0, "")
	r.loop = regen.New(log, p.deps.Generator, p.deps.Validator, p.opts.Bounds, regen.Request{
		Prompt:    job.Prompt,
		Narration: narration,
		Variant:   string(job.Variant),
	}, regen.WithMemo(r.wf.Memo()))
	accepted, err := r.loop.Stabilize(ctx, draft)
	if err != nil {
		return atStage(progress.StageValidation, err)
	}
	p.mark(ctx, log, job.ID, progress.StageValidation, 1, validationDetails(accepted))

	p.mark(ctx, log, job.ID, progress.StageRendering, 0, "")
	r.sink = newRenderSink(ctx, log, p.deps.Tracker, job.ID)
	ctrl := render.NewController(log, p.deps.Renderer, r.loop, r.wf, p.opts.Render)
	out, err := ctrl.Run(ctx, render.Request{
		JobID:   job.ID,
		Script:  accepted.Script,
		Variant: string(job.Variant),
		Quality: p.opts.Quality,
	}, r.sink)
	r.renderAttempts = out.RenderAttempts
	if err != nil {
		return atStage(progress.StageRendering, err)
	}
	log.Info("render finished", "attempts", out.RenderAttempts, "retried_after_error", out.RetriedAfterError,
		"regenerations", r.loop.Calls(), "warnings", len(out.Result.Warnings))

	p.mark(ctx, log, job.ID, progress.StageUpload, 0, "")
	videoURL, err := workflow.Step(ctx, r.wf, stepUpload, func(ctx context.Context) (string, error) {
		return hosting.UploadFile(ctx, p.deps.Uploader, hosting.ObjectKey(job.ID, job.Prompt), out.Result.VideoPath)
	})
	if err != nil {
		return atStage(progress.StageUpload, fmt.Errorf("upload video: %w", err))
	}

	p.mark(ctx, log, job.ID, progress.StageFinalize, 0, "")
	if err := p.deps.Tracker.Ready(ctx, job.ID, videoURL); err != nil {
		return atStage(progress.StageFinalize, err)
	}
	log.Info("job ready", "video_url", videoURL)

	if p.deps.Publisher == nil {
		return nil
	}
	if err := p.deps.Tracker.Published(ctx, job.ID, jobs.PublishPending, "", ""); err != nil {
		log.Warn("failed to mark publish pending", "err", err)
	}
	ready := *job
	ready.Status = jobs.StatusReady
	ready.VideoURL = &videoURL
	p.deps.Publisher.Dispatch(r.wf, ready, narration)
	return nil
}

// mark records progress. A failed progress write does not fail the job.
func (p *Pipeline) mark(ctx context.Context, log *slog.Logger, jobID string, stage progress.Stage, fraction float64, details string) {
	if err := p.deps.Tracker.Update(ctx, jobID, stage, fraction, details); err != nil {
		log.Warn("failed to record progress", "stage", stage, "err", err)
	}
}

func (p *Pipeline) examples(ctx context.Context, job *jobs.Job, narration string) string {
	if p.deps.Catalog == nil || p.deps.Catalog.Len() == 0 {
		return ""
	}
	return catalog.Format(p.deps.Catalog.Rank(ctx, job.Prompt+"\n"+narration, p.opts.ExamplesLimit))
}

func validationDetails(o regen.Outcome) string {
	var parts []string
	if n := len(o.Applied); n > 0 {
		parts = append(parts, fmt.Sprintf("%d automatic fixes", n))
	}
	if o.Regenerations > 0 {
		parts = append(parts, fmt.Sprintf("%d regenerations", o.Regenerations))
	}
	return strings.Join(parts, ", ")
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[id] {
		return false
	}
	p.running[id] = true
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}
