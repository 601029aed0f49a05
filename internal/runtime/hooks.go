package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
)

// EventContext describes one stream event to hooks.
type EventContext struct {
	// Event is the raw event name from the stream.
	Event string
	// Kind is the decoded event kind. Unrecognised names map to KindUnknown.
	Kind resource.Kind
	// Resources is how many resources the event carries.
	Resources int
	// Context is the context the event is handled under.
	Context context.Context
	// StartedAt is when handling began.
	StartedAt time.Time
	// Duration is only set in OnEventDone and OnEventError.
	Duration time.Duration
}

// EventHooks defines callbacks around the handling of each stream event.
// All hooks are optional - nil hooks are simply not called.
type EventHooks struct {
	// OnEventStart is called before the event is applied.
	OnEventStart func(ctx EventContext)

	// OnEventDone is called after the event was applied without error.
	OnEventDone func(ctx EventContext)

	// OnEventError is called when applying the event failed. The run ends
	// with err right after.
	OnEventError func(ctx EventContext, err error)
}

// Merge combines two EventHooks. The hooks from 'other' are called after
// the hooks from 'h'.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnEventStart: chainHooks(h.OnEventStart, other.OnEventStart),
		OnEventDone:  chainHooks(h.OnEventDone, other.OnEventDone),
		OnEventError: chainErrorHooks(h.OnEventError, other.OnEventError),
	}
}

func chainHooks(a, b func(EventContext)) func(EventContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(EventContext, error)) func(EventContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h EventHooks) start(ctx EventContext) {
	if h.OnEventStart != nil {
		h.OnEventStart(ctx)
	}
}

func (h EventHooks) finish(ctx EventContext, err error) {
	if err != nil {
		if h.OnEventError != nil {
			h.OnEventError(ctx, err)
		}
		return
	}
	if h.OnEventDone != nil {
		h.OnEventDone(ctx)
	}
}

// LoggingHooks returns hooks that log every event at debug level and
// failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) EventHooks {
	return EventHooks{
		OnEventStart: func(ctx EventContext) {
			logger.Debug("Event received", loggingpkg.LogFields{
				"event":     ctx.Event,
				"resources": ctx.Resources,
			})
		},
		OnEventDone: func(ctx EventContext) {
			logger.Debug("Event applied", loggingpkg.LogFields{
				"event":       ctx.Event,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnEventError: func(ctx EventContext, err error) {
			logger.Error("Event failed", err, loggingpkg.LogFields{
				"event":       ctx.Event,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that record the event count and duration,
// labelled by kind. Failed events are recorded too.
func MetricsHooks(m *Metrics) EventHooks {
	observe := func(ctx EventContext) {
		m.ObserveEvent(string(ctx.Kind), ctx.Duration)
	}
	return EventHooks{
		OnEventDone: observe,
		OnEventError: func(ctx EventContext, _ error) {
			observe(ctx)
		},
	}
}
