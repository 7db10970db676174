package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jo-hoe/scenecast/internal/progress"
	"github.com/jo-hoe/scenecast/internal/render"
)

const keepRenderLogs = 40

// renderSink forwards render progress to the tracker and keeps the latest log
// lines for diagnostics.
type renderSink struct {
	ctx     context.Context
	log     *slog.Logger
	tracker *progress.Tracker
	jobID   string

	mu      sync.Mutex
	lastPct int
	lines   []string
}

var _ render.Sink = (*renderSink)(nil)

func newRenderSink(ctx context.Context, log *slog.Logger, tracker *progress.Tracker, jobID string) *renderSink {
	return &renderSink{ctx: ctx, log: log, tracker: tracker, jobID: jobID, lastPct: -1}
}

func (s *renderSink) Handle(h render.Handle) {
	s.log.Debug("render handle", "backend", h.Backend, "handle", h.ID)
}

func (s *renderSink) Progress(fraction float64, detail string) {
	pct, _ := progress.Percent(progress.StageRendering, fraction)
	s.mu.Lock()
	if pct == s.lastPct {
		s.mu.Unlock()
		return
	}
	s.lastPct = pct
	s.mu.Unlock()
	if err := s.tracker.Update(s.ctx, s.jobID, progress.StageRendering, fraction, detail); err != nil {
		s.log.Warn("failed to record render progress", "err", err)
	}
}

func (s *renderSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > keepRenderLogs {
		s.lines = s.lines[len(s.lines)-keepRenderLogs:]
	}
}

func (s *renderSink) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
