package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/scenecast/internal/jobs"
)

func newRun(t *testing.T, jobID string) (*Run, *jobs.SQLiteStore) {
	t.Helper()
	store, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRun(slog.New(slog.NewTextHandler(io.Discard, nil)), store, jobID), store
}

type narration struct {
	Text  string `json:"text"`
	Words int    `json:"words"`
}

func TestStep_RunsOnceAndReplays(t *testing.T) {
	run, store := newRun(t, "job-1")
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (narration, error) {
		calls++
		return narration{Text: "circles are round", Words: 3}, nil
	}

	first, err := Step(ctx, run, "narration", fn)
	require.NoError(t, err)
	second, err := Step(ctx, NewRun(slog.New(slog.NewTextHandler(io.Discard, nil)), store, "job-1"), "narration", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestStep_ErrorsAreNotPersisted(t *testing.T) {
	run, _ := newRun(t, "job-1")
	ctx := context.Background()
	boom := errors.New("llm down")

	_, err := Step(ctx, run, "script", func(context.Context) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	out, err := Step(ctx, run, "script", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestStep_ScopedByJob(t *testing.T) {
	run, store := newRun(t, "job-1")
	ctx := context.Background()
	_, err := Step(ctx, run, "title", func(context.Context) (string, error) { return "A", nil })
	require.NoError(t, err)

	other := NewRun(slog.New(slog.NewTextHandler(io.Discard, nil)), store, "job-2")
	got, err := Step(ctx, other, "title", func(context.Context) (string, error) { return "B", nil })
	require.NoError(t, err)
	assert.Equal(t, "B", got)
}

func TestMemo_ReplaysGeneratorCalls(t *testing.T) {
	run, _ := newRun(t, "job-1")
	ctx := context.Background()
	m := run.Memo()
	calls := 0
	gen := func(context.Context) (string, error) {
		calls++
		return "script", nil
	}
	for i := 0; i < 2; i++ {
		out, err := m.Do(ctx, "regen/1", gen)
		require.NoError(t, err)
		assert.Equal(t, "script", out)
	}
	assert.Equal(t, 1, calls)
}

func TestLoadSave_RoundTrip(t *testing.T) {
	run, _ := newRun(t, "job-1")
	ctx := context.Background()

	var missing narration
	ok, err := run.Load(ctx, "render/1/handle", &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, run.Save(ctx, "render/1/handle", map[string]string{"id": "sess"}))
	var h map[string]string
	ok, err = run.Load(ctx, "render/1/handle", &h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sess", h["id"])
}
