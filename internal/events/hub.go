// Package events fans progress events out to observers: in-process
// subscribers (the SSE endpoint) through Hub, and other services through NATS.
package events

import (
	"context"
	"sync"

	"github.com/jo-hoe/scenecast/internal/progress"
)

var _ progress.Sink = (*Hub)(nil)

const subscriberBuffer = 16

// Hub delivers events to per-job subscribers. A subscriber that falls behind
// loses its oldest pending event rather than blocking the pipeline.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan progress.Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan progress.Event)}
}

// Subscribe returns a channel of events for jobID and a func that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan progress.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan progress.Event, subscriberBuffer)
	id := h.nextID
	h.nextID++
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]chan progress.Event)
	}
	h.subs[jobID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[jobID], id)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			close(ch)
		})
	}
}

// Publish implements progress.Sink.
func (h *Hub) Publish(_ context.Context, ev progress.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ev.ID] {
		select {
		case ch <- ev:
			continue
		default:
		}
		// drop the oldest and retry once; the receiver may race us to it
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
