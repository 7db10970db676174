package render

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/scenecast/internal/regen"
	"github.com/jo-hoe/scenecast/internal/script"
)

const sceneV1 = `from manim import *
from manim_voiceover import VoiceoverScene
from manim_voiceover.services.gtts import GTTSService


class MyScene(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        self.play(Create(Circle()))
`

var sceneV2 = strings.Replace(sceneV1, "Circle()", "Square()", 1)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memCheckpoints struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCheckpoints() *memCheckpoints { return &memCheckpoints{m: make(map[string][]byte)} }

func (c *memCheckpoints) Load(_ context.Context, key string, v any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (c *memCheckpoints) Save(_ context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = b
	return nil
}

// fakeRenderer fails scripts listed in failing and blocks for blockSteps steps
// before finishing.
type fakeRenderer struct {
	mu         sync.Mutex
	failing    map[string]bool
	lost       map[string]bool
	blockSteps int
	steps      int
	rendered   []string
	resumed    []Handle
	released   []Handle
}

func (r *fakeRenderer) Render(ctx context.Context, req Request, sink Sink) (Result, error) {
	r.mu.Lock()
	r.rendered = append(r.rendered, req.Script)
	r.mu.Unlock()
	sink.Handle(Handle{Backend: "fake", ID: "sess-" + string(rune('0'+req.Attempt))})
	return r.step(ctx, req.Script, sink)
}

func (r *fakeRenderer) Resume(ctx context.Context, h Handle, sink Sink) (Result, error) {
	r.mu.Lock()
	r.resumed = append(r.resumed, h)
	if r.lost[h.ID] {
		r.mu.Unlock()
		return Result{}, ErrHandleLost
	}
	src := r.rendered[len(r.rendered)-1]
	r.mu.Unlock()
	return r.step(ctx, src, sink)
}

func (r *fakeRenderer) step(ctx context.Context, src string, sink Sink) (Result, error) {
	r.mu.Lock()
	r.steps++
	block := r.blockSteps < 0 || r.steps <= r.blockSteps
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	sink.Progress(1, "done")
	if r.failing[script.Normalize(src)] {
		return Result{}, &RenderError{Stage: "render", ExitCode: ExitCode(1), Stderr: "Traceback\nNameError: name 'Circel' is not defined"}
	}
	return Result{VideoPath: "/tmp/out.mp4", Logs: []string{"ok"}}, nil
}

func (r *fakeRenderer) Release(_ context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, h)
	return nil
}

type scriptedGen struct{ outs []string }

func (g *scriptedGen) Generate(context.Context, string, string) (string, error) {
	if len(g.outs) == 0 {
		return "", errors.New("no more outputs")
	}
	out := g.outs[0]
	g.outs = g.outs[1:]
	return out, nil
}

func newLoop(outs ...string) *regen.Loop {
	return regen.New(discardLogger(), &scriptedGen{outs: outs}, script.New(script.DefaultRules()),
		regen.DefaultBounds(), regen.Request{Prompt: "shapes"})
}

func TestRun_RetriesWithRegeneratedScript(t *testing.T) {
	r := &fakeRenderer{failing: map[string]bool{script.Normalize(sceneV1): true}}
	loop := newLoop(sceneV2)
	c := NewController(discardLogger(), r, loop, nil, Options{MaxAttempts: 3, StepBudget: time.Second})

	out, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.RenderAttempts)
	assert.True(t, out.RetriedAfterError)
	assert.Equal(t, sceneV2, out.Script)
	assert.Equal(t, "/tmp/out.mp4", out.Result.VideoPath)

	assert.Equal(t, []string{sceneV1, sceneV2}, r.rendered)
	assert.Equal(t, 1, loop.Calls())
	attempts := loop.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "render", attempts[0].Error.Stage)
	require.NotNil(t, attempts[0].Error.ExitCode)
	assert.Equal(t, 1, *attempts[0].Error.ExitCode)
}

func TestRun_LastAttemptPropagates(t *testing.T) {
	r := &fakeRenderer{failing: map[string]bool{
		script.Normalize(sceneV1): true,
		script.Normalize(sceneV2): true,
	}}
	loop := newLoop(sceneV2)
	c := NewController(discardLogger(), r, loop, nil, Options{MaxAttempts: 2, StepBudget: time.Second})

	out, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "render", rerr.Stage)
	assert.Equal(t, 2, out.RenderAttempts)
	assert.Len(t, r.rendered, 2)
	assert.Equal(t, 2, loop.Blocked().Len())
	assert.Len(t, loop.Attempts(), 2)
}

func TestRun_RepairFailureStops(t *testing.T) {
	r := &fakeRenderer{failing: map[string]bool{script.Normalize(sceneV1): true}}
	// the regenerator keeps returning the failed script
	loop := newLoop(sceneV1, sceneV1, sceneV1)
	c := NewController(discardLogger(), r, loop, nil, Options{MaxAttempts: 3, StepBudget: time.Second})

	_, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	assert.ErrorIs(t, err, regen.ErrLoopDetected)
	assert.Len(t, r.rendered, 1)
}

func TestRun_ResumesAfterStepBudget(t *testing.T) {
	r := &fakeRenderer{blockSteps: 2}
	ckpt := newMemCheckpoints()
	c := NewController(discardLogger(), r, newLoop(), ckpt, Options{
		MaxAttempts:       1,
		StepBudget:        60 * time.Millisecond,
		StepMargin:        20 * time.Millisecond,
		MaxPollIterations: 5,
	})

	out, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RenderAttempts)
	assert.Len(t, r.rendered, 1)
	require.Len(t, r.resumed, 2)
	assert.Equal(t, "sess-1", r.resumed[0].ID)
	assert.Equal(t, []Handle{{Backend: "fake", ID: "sess-1"}}, r.released)

	var h Handle
	ok, err := ckpt.Load(context.Background(), "render/1/handle", &h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", h.ID)
}

func TestRun_TimeoutReleasesHandle(t *testing.T) {
	r := &fakeRenderer{blockSteps: -1}
	c := NewController(discardLogger(), r, newLoop(), nil, Options{
		MaxAttempts:       3,
		StepBudget:        30 * time.Millisecond,
		StepMargin:        10 * time.Millisecond,
		MaxPollIterations: 3,
	})

	_, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, r.rendered, 1)
	assert.Len(t, r.resumed, 2)
	assert.Len(t, r.released, 1)
}

func TestRun_LostHandleStartsOver(t *testing.T) {
	ckpt := newMemCheckpoints()
	require.NoError(t, ckpt.Save(context.Background(), "render/1/handle", Handle{Backend: "fake", ID: "stale"}))
	r := &fakeRenderer{lost: map[string]bool{"stale": true}}
	c := NewController(discardLogger(), r, newLoop(), ckpt, Options{StepBudget: time.Second})

	out, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RenderAttempts)
	require.Len(t, r.resumed, 1)
	assert.Equal(t, "stale", r.resumed[0].ID)
	assert.Equal(t, []string{sceneV1}, r.rendered)

	var h Handle
	_, err = ckpt.Load(context.Background(), "render/1/handle", &h)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", h.ID)
}

func TestRun_ReplaysCheckpointedResult(t *testing.T) {
	ckpt := newMemCheckpoints()
	require.NoError(t, ckpt.Save(context.Background(), "render/1/result", Result{VideoPath: "/cached.mp4"}))
	r := &fakeRenderer{}
	c := NewController(discardLogger(), r, newLoop(), ckpt, Options{})

	out, err := c.Run(context.Background(), Request{JobID: "j1", Script: sceneV1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/cached.mp4", out.Result.VideoPath)
	assert.Empty(t, r.rendered)
}

func TestRenderError_Details(t *testing.T) {
	e := &RenderError{Stage: "latex", ExitCode: ExitCode(2), Stderr: "line1\n! Missing $ inserted.\n", Logs: []string{"a", "b"}}
	assert.Equal(t, "render failed at latex (exit 2): ! Missing $ inserted.", e.Error())

	d := e.Details()
	assert.Equal(t, "! Missing $ inserted.", d.Message)
	assert.Equal(t, "a\nb", d.Logs)
	assert.Equal(t, 2, *d.ExitCode)
}
