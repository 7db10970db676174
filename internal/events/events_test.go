package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/scenecast/internal/jobs"
	"github.com/jo-hoe/scenecast/internal/progress"
)

func event(id string, p int) progress.Event {
	return progress.Event{Job: jobs.Job{ID: id, Progress: p, Status: jobs.StatusGenerating}}
}

func TestHub_DeliversPerJob(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("a")
	defer cancelA()
	b, cancelB := h.Subscribe("b")
	defer cancelB()

	require.NoError(t, h.Publish(context.Background(), event("a", 10)))

	select {
	case ev := <-a:
		assert.Equal(t, 10, ev.Progress)
	default:
		t.Fatal("subscriber a got nothing")
	}
	select {
	case ev := <-b:
		t.Fatalf("subscriber b got %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("a")
	defer cancel()

	for i := 1; i <= subscriberBuffer+5; i++ {
		require.NoError(t, h.Publish(context.Background(), event("a", i)))
	}
	var last progress.Event
	n := 0
	for len(ch) > 0 {
		last = <-ch
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.Equal(t, subscriberBuffer+5, last.Progress)
}

func TestHub_CancelClosesAndForgets(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("a")
	assert.Equal(t, 1, h.Subscribers("a"))

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers("a"))
	assert.NoError(t, h.Publish(context.Background(), event("a", 1)))
}

func TestProgressSubject(t *testing.T) {
	assert.Equal(t, "scenecast.progress.job-1", ProgressSubject("job-1"))
}
