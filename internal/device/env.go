package device

import (
	"context"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/devicectl/internal/logging"
	"github.com/psantana5/devicectl/internal/metrics"
	"github.com/psantana5/devicectl/internal/store"
	"github.com/psantana5/devicectl/internal/transport"
)

// EventSink receives device events worth persisting
type EventSink interface {
	RecordEvent(ctx context.Context, ev *store.Event) error
}

// env is the per-device state shared by every component of one handle
type env struct {
	serial    string
	transport transport.Transport
	tracker   *StateTracker
	opts      Options
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Recorder
	tracer    trace.Tracer
	events    EventSink
}

// record persists ev, logging instead of failing the caller
func (e *env) record(ctx context.Context, ev store.Event) {
	if e.events == nil {
		return
	}
	ev.Serial = e.serial
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now().UTC()
	}
	if err := e.events.RecordEvent(context.WithoutCancel(ctx), &ev); err != nil {
		e.logger.Warn("Failed to record device event", map[string]interface{}{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}
