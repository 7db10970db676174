package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/progress"
)

var _ progress.Sink = (*NATSPublisher)(nil)

// NATSPublisher publishes progress events on scenecast.progress.<jobID> and
// publish triggers on scenecast.publish.
type NATSPublisher struct {
	log  *slog.Logger
	conn *nats.Conn
}

// Connect dials url. The connection reconnects on its own for the life of the process.
func Connect(log *slog.Logger, url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("scenecast"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{log: log, conn: conn}, nil
}

// ProgressSubject is the subject events for jobID are published on.
func ProgressSubject(jobID string) string {
	return common.SubjectProgress + "." + jobID
}

// Publish implements progress.Sink.
func (p *NATSPublisher) Publish(_ context.Context, ev progress.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event without job id")
	}
	return p.publishJSON(ProgressSubject(ev.ID), ev)
}

// Trigger announces a finished video to downstream publishers.
func (p *NATSPublisher) Trigger(_ context.Context, v any) error {
	return p.publishJSON(common.SubjectPublish, v)
}

func (p *NATSPublisher) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.log.Warn("nats flush failed", "err", err)
	}
	p.conn.Close()
	return nil
}
