package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventNoop         EventType = "noop"
	EventReap         EventType = "reap"
	EventLaunchFailed EventType = "launch_failed"
)

// Event is one lifecycle transition of the managed service. Events emitted
// by the same CLI invocation share an Invocation id.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Invocation string    `json:"invocation"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Mode       string    `json:"mode,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emitter stamps events with the invocation id and service name and hands
// them to a sink. Sink failures are logged, never returned.
type Emitter struct {
	sink       Sink
	service    string
	invocation string
	logger     *slog.Logger
	now        func() time.Time
}

// NewEmitter returns an emitter for service. A nil sink discards events.
func NewEmitter(sink Sink, service string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sink:       sink,
		service:    service,
		invocation: uuid.NewString(),
		logger:     logger,
		now:        time.Now,
	}
}

func (e *Emitter) Invocation() string { return e.invocation }

func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.sink == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	ev.Invocation = e.invocation
	if ev.Service == "" {
		ev.Service = e.service
	}
	if err := e.sink.Send(ctx, ev); err != nil {
		e.logger.Warn("history sink failed", slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}
