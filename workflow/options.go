package workflow

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/approval-engine/events"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now as the source of transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEventBus makes the engine publish to bus instead of creating its own.
// The caller keeps ownership and must stop it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
			e.ownsBus = false
		}
	}
}

// WithMetrics records transition metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// TransitionOption adjusts a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	assignee string
}

// WithAssignee sets the actor responsible for the target stage.
// Without it the assignment is cleared on every transition.
func WithAssignee(actorID string) TransitionOption {
	return func(o *transitionOptions) {
		o.assignee = actorID
	}
}
