package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/scenecast/internal/jobs"
	"github.com/jo-hoe/scenecast/internal/progress"
	"github.com/jo-hoe/scenecast/internal/regen"
	"github.com/jo-hoe/scenecast/internal/render"
	"github.com/jo-hoe/scenecast/internal/script"
	"github.com/jo-hoe/scenecast/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validScene(label string) string {
	return fmt.Sprintf(`from manim import *
from manim_voiceover import VoiceoverScene
from manim_voiceover.services.gtts import GTTSService


class MyScene(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        title = Text("%s", font_size=40)
        with self.voiceover(text="Today we look at %s.") as tracker:
            self.play(Write(title), run_time=tracker.duration)
        circle = Circle(color=BLUE)
        self.play(Create(circle))
        self.wait(1)
`, label, label)
}

const sceneWithoutEntryClass = `from manim import *
from manim_voiceover import VoiceoverScene


class Intro(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        self.wait(1)
`

type scriptedGen struct {
	mu      sync.Mutex
	script  string
	repairs []string
	calls   map[string]int
}

func newScriptedGen(script string, repairs ...string) *scriptedGen {
	return &scriptedGen{script: script, repairs: repairs, calls: map[string]int{}}
}

func (g *scriptedGen) Generate(_ context.Context, system, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch system {
	case narrationSystemPrompt:
		g.calls["narration"]++
		return "Circles are everywhere. Let's measure one.", nil
	case scriptSystemPrompt:
		g.calls["script"]++
		return g.script, nil
	default:
		g.calls["repair"]++
		if len(g.repairs) == 0 {
			return g.script, nil
		}
		out := g.repairs[0]
		g.repairs = g.repairs[1:]
		return out, nil
	}
}

func (g *scriptedGen) count(kind string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[kind]
}

type fakeRenderer struct {
	mu       sync.Mutex
	dir      string
	failures []error
	block    bool
	entered  chan struct{}
	scripts  []string
}

func (r *fakeRenderer) Render(ctx context.Context, req render.Request, sink render.Sink) (render.Result, error) {
	r.mu.Lock()
	r.scripts = append(r.scripts, req.Script)
	block := r.block
	var fail error
	if len(r.failures) > 0 {
		fail = r.failures[0]
		r.failures = r.failures[1:]
	}
	r.mu.Unlock()

	if block {
		if r.entered != nil {
			close(r.entered)
			r.entered = nil
		}
		<-ctx.Done()
		return render.Result{}, ctx.Err()
	}
	sink.Progress(0.5, "frame 60")
	sink.Log("rendering MyScene")
	if fail != nil {
		return render.Result{}, fail
	}
	p := filepath.Join(r.dir, fmt.Sprintf("%s-%d.mp4", req.JobID, req.Attempt))
	if err := os.WriteFile(p, []byte("mp4 bytes"), 0o600); err != nil {
		return render.Result{}, err
	}
	sink.Progress(1, "done")
	return render.Result{VideoPath: p}, nil
}

func (r *fakeRenderer) Resume(context.Context, render.Handle, render.Sink) (render.Result, error) {
	return render.Result{}, render.ErrHandleLost
}

func (r *fakeRenderer) Release(context.Context, render.Handle) error { return nil }

func (r *fakeRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scripts...)
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *fakeUploader) Upload(_ context.Context, key string, body io.Reader, _ int64) (string, error) {
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return "https://cdn.test/" + key, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (f *fakePublisher) Dispatch(_ *workflow.Run, job jobs.Job, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

type harness struct {
	store     *jobs.SQLiteStore
	gen       *scriptedGen
	renderer  *fakeRenderer
	uploader  *fakeUploader
	publisher *fakePublisher
	pipeline  *Pipeline
}

func newHarness(t *testing.T, gen *scriptedGen) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := jobs.NewSQLiteStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:     store,
		gen:       gen,
		renderer:  &fakeRenderer{dir: dir},
		uploader:  &fakeUploader{},
		publisher: &fakePublisher{},
	}
	log := discardLogger()
	h.pipeline = New(log, Deps{
		Store:     store,
		Generator: gen,
		Validator: script.New(script.DefaultRules()),
		Renderer:  h.renderer,
		Uploader:  h.uploader,
		Tracker:   progress.NewTracker(log, store),
		Publisher: h.publisher,
	}, Options{
		Bounds: regen.Bounds{MaxScriptFixAttempts: 2, MaxRenderAttempts: 2, MaxForceRegenerations: 1},
		Render: render.Options{MaxAttempts: 2, StepBudget: time.Minute, MaxPollIterations: 2},
	})
	return h
}

func (h *harness) create(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateJob(context.Background(), &jobs.Job{
		ID:        id,
		Prompt:    "Explain circles",
		Variant:   jobs.VariantVideo,
		CreatedAt: time.Now().UTC(),
	}))
}

func (h *harness) job(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcess_HappyPath(t *testing.T) {
	h := newHarness(t, newScriptedGen(validScene("circles")))
	h.create(t, "job-1")

	require.NoError(t, h.pipeline.Process(context.Background(), jobs.WorkItem{JobID: "job-1"}))

	job := h.job(t, "job-1")
	assert.Equal(t, jobs.StatusReady, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.VideoURL)
	assert.Equal(t, "https://cdn.test/explain-circles-job-1.mp4", *job.VideoURL)
	require.NotNil(t, job.PublishStatus)
	assert.Equal(t, jobs.PublishPending, *job.PublishStatus)

	last := 0
	for _, e := range job.ProgressLog {
		assert.GreaterOrEqual(t, e.Progress, last, "progress went backwards at %q", e.Step)
		last = e.Progress
	}

	assert.Len(t, h.renderer.rendered(), 1)
	assert.Equal(t, 1, h.gen.count("narration"))
	assert.Equal(t, 1, h.gen.count("script"))
	assert.Equal(t, 0, h.gen.count("repair"))
	require.Len(t, h.publisher.jobs, 1)
	assert.Equal(t, *job.VideoURL, *h.publisher.jobs[0].VideoURL)
	assert.Equal(t, jobs.StatusReady, h.publisher.jobs[0].Status)
}

func TestProcess_MissingEntryClassFailsWithoutRendering(t *testing.T) {
	h := newHarness(t, newScriptedGen(sceneWithoutEntryClass))
	h.create(t, "job-a")

	err := h.pipeline.Process(context.Background(), jobs.WorkItem{JobID: "job-a"})
	var verr *script.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, script.SeverityCritical, verr.Severity)

	job := h.job(t, "job-a")
	assert.Equal(t, jobs.StatusError, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "missing entry class MyScene")
	assert.Empty(t, h.renderer.rendered())
	assert.Equal(t, 0, h.gen.count("repair"))
	assert.Empty(t, h.publisher.jobs)

	var diag map[string]any
	require.NoError(t, json.Unmarshal(job.Diagnostics, &diag))
	assert.Equal(t, "validation", diag["stage"])
}

func TestProcess_RenderFailureRegeneratesAndRetries(t *testing.T) {
	first, second := validScene("circles"), validScene("circles again")
	h := newHarness(t, newScriptedGen(first, second))
	h.renderer.failures = []error{&render.RenderError{Stage: "render", ExitCode: render.ExitCode(1), Stderr: "NameError: name 'radius' is not defined"}}
	h.create(t, "job-c")

	require.NoError(t, h.pipeline.Process(context.Background(), jobs.WorkItem{JobID: "job-c"}))

	assert.Equal(t, jobs.StatusReady, h.job(t, "job-c").Status)
	scripts := h.renderer.rendered()
	require.Len(t, scripts, 2)
	assert.NotEqual(t, script.FingerprintOf(scripts[0]), script.FingerprintOf(scripts[1]))
	assert.Equal(t, 1, h.gen.count("repair"))
}

func TestProcess_RenderAttemptsExhausted(t *testing.T) {
	h := newHarness(t, newScriptedGen(validScene("circles"), validScene("second try")))
	boom := func() error {
		return &render.RenderError{Stage: "render", ExitCode: render.ExitCode(1), Stderr: "ValueError: bad"}
	}
	h.renderer.failures = []error{boom(), boom()}
	h.create(t, "job-x")

	err := h.pipeline.Process(context.Background(), jobs.WorkItem{JobID: "job-x"})
	var rerr *render.RenderError
	require.ErrorAs(t, err, &rerr)

	job := h.job(t, "job-x")
	assert.Equal(t, jobs.StatusError, job.Status)
	assert.Equal(t, "Rendering the video failed after several attempts.", *job.Error)
	assert.Len(t, h.renderer.rendered(), 2)

	var diag diagnostics
	require.NoError(t, json.Unmarshal(job.Diagnostics, &diag))
	assert.Equal(t, progress.StageRendering, diag.Stage)
	assert.Equal(t, 2, diag.RenderAttempts)
	require.NotNil(t, diag.RenderError)
	assert.Contains(t, diag.Logs, "rendering MyScene")
	require.NotNil(t, diag.Regen)
	assert.Equal(t, 2, diag.Regen.Blocked)
}

func TestProcess_InterruptedJobResumesFromCheckpoints(t *testing.T) {
	h := newHarness(t, newScriptedGen(validScene("circles")))
	entered := make(chan struct{})
	h.renderer.block = true
	h.renderer.entered = entered
	h.create(t, "job-r")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Process(ctx, jobs.WorkItem{JobID: "job-r"}) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("renderer was never called")
	}
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, jobs.StatusGenerating, h.job(t, "job-r").Status)

	h.renderer.mu.Lock()
	h.renderer.block = false
	h.renderer.mu.Unlock()

	require.NoError(t, h.pipeline.Process(context.Background(), jobs.WorkItem{JobID: "job-r"}))
	assert.Equal(t, jobs.StatusReady, h.job(t, "job-r").Status)
	assert.Equal(t, 1, h.gen.count("narration"))
	assert.Equal(t, 1, h.gen.count("script"))
}

func TestProcess_SkipsFinishedJobs(t *testing.T) {
	h := newHarness(t, newScriptedGen(validScene("circles")))
	h.create(t, "job-done")
	_, err := h.store.SetReady(context.Background(), "job-done", "https://cdn.test/x.mp4", time.Now())
	require.NoError(t, err)

	require.NoError(t, h.pipeline.Process(context.Background(), jobs.WorkItem{JobID: "job-done"}))
	assert.Equal(t, 0, h.gen.count("narration"))
}

type recordingQueue struct {
	items []jobs.WorkItem
	full  bool
}

func (q *recordingQueue) Start(context.Context, jobs.Processor) error { return nil }
func (q *recordingQueue) Shutdown(time.Duration)                      {}
func (q *recordingQueue) Enqueue(_ context.Context, item jobs.WorkItem) error {
	if q.full {
		return jobs.ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

func TestResumePending(t *testing.T) {
	h := newHarness(t, newScriptedGen(validScene("circles")))
	h.create(t, "a")
	h.create(t, "b")
	h.create(t, "c")
	_, err := h.store.SetError(context.Background(), "c", "failed", nil, time.Now())
	require.NoError(t, err)

	q := &recordingQueue{}
	n, err := ResumePending(context.Background(), discardLogger(), h.store, q)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []jobs.WorkItem{{JobID: "a"}, {JobID: "b"}}, q.items)

	_, err = ResumePending(context.Background(), discardLogger(), h.store, &recordingQueue{full: true})
	assert.ErrorIs(t, err, jobs.ErrQueueFull)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"loop", fmt.Errorf("wrap: %w", regen.ErrLoopDetected), "kept returning a script that already failed"},
		{"exhausted", regen.ErrExhausted, "allowed number of attempts"},
		{"empty", regen.ErrEmptyRegeneration, "empty script"},
		{"timeout", render.ErrTimeout, "took too long"},
		{"narration", atStage(progress.StageNarration, errors.New("503")), "Writing the narration failed"},
		{"upload", atStage(progress.StageUpload, errors.New("denied")), "Uploading the finished video failed"},
		{"unknown", errors.New("boom"), "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, UserMessage(tt.err), tt.want)
		})
	}
}
