package core

import (
	"log/slog"
	"time"

	"castkeeper/internal/observability"
)

type EventKind string

const (
	EventDiscovered           EventKind = "discovered"
	EventConnected            EventKind = "connected"
	EventDisconnected         EventKind = "disconnected"
	EventPlaybackStarted      EventKind = "playback_started"
	EventPlaybackRestarted    EventKind = "playback_restarted"
	EventPlaybackFailed       EventKind = "playback_failed"
	EventAssignmentSuperseded EventKind = "assignment_superseded"
)

// Event is a structured record handed to the sink. Delivery is best-effort;
// the controller never blocks on a sink.
type Event struct {
	Kind       EventKind
	RendererID string
	VideoID    string
	Detail     string
	At         time.Time
}

type EventSink interface {
	Publish(Event)
}

// LogSink writes events to the structured log. It is the default sink when
// nothing else is wired.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ev Event) {
	s.Logger.Info("event",
		"kind", string(ev.Kind),
		"renderer", ev.RendererID,
		"video", ev.VideoID,
		"detail", ev.Detail,
	)
}

// MetricsSink counts events by kind.
type MetricsSink struct{}

func (MetricsSink) Publish(ev Event) {
	observability.ControlEvents.WithLabelValues(string(ev.Kind)).Inc()
}

// FanoutSink delivers to every sink in order.
type FanoutSink []EventSink

func (f FanoutSink) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}
