// Package history exports worker lifecycle events to append-only sinks. The
// supervisor never reads them back.
package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventKill    EventType = "kill"
	EventReady   EventType = "ready"
	EventRestart EventType = "restart"
	EventFailed  EventType = "failed"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Project    string    `json:"project,omitempty"`
	Worker     string    `json:"worker"`
	PID        int       `json:"pid"`
	PIDFile    string    `json:"pidfile,omitempty"`
	Config     string    `json:"config,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink failures are logged, never
// returned: losing an audit row must not fail a start or stop. A nil
// *Recorder records nothing.
type Recorder struct {
	Sinks   []Sink
	Log     *slog.Logger
	Now     func() time.Time
	Project string // stamped on events that carry none
}

// Record stamps e and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		e.OccurredAt = now().UTC()
	}
	if e.Project == "" {
		e.Project = r.Project
	}
	for _, s := range r.Sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger().Warn("history sink failed", "event", e.Type, "worker", e.Worker, "error", err)
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.Sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Recorder) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}
