package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/mbta2mqtt/internal/runtime/ids"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/internal/runtime/transform"
)

// HandleEvent applies one stream event to the broker. Events must be passed
// in stream order from a single goroutine. A returned error is fatal for
// the run: a failed publish or an upstream error event.
func (s *Service) HandleEvent(ctx context.Context, ev resource.Event) (err error) {
	ctx = withCorrelationID(ctx, idspkg.CreateULID())
	ctx, span := s.tracer.Start(ctx, "HandleEvent", trace.WithAttributes(
		attribute.String("event.name", ev.Name),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.Int("event.resources", eventSize(ev)),
	))
	defer span.End()

	ec := EventContext{
		Event:     ev.Name,
		Kind:      ev.Kind,
		Resources: eventSize(ev),
		Context:   ctx,
		StartedAt: time.Now(),
	}
	s.hooks.start(ec)
	defer func() {
		ec.Duration = time.Since(ec.StartedAt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.SetEntities(s.registry.Len())
		s.hooks.finish(ec, err)
	}()

	switch ev.Kind {
	case resource.KindReset:
		return s.reset(ctx, ev.Resources)
	case resource.KindAdd:
		return s.add(ctx, ev.Resource)
	case resource.KindUpdate:
		return s.update(ctx, ev.Resource)
	case resource.KindRemove:
		return s.remove(ctx, ev.Ref)
	case resource.KindError:
		if ev.Error == nil {
			return &resource.UpstreamError{Code: "unknown", Status: "unknown"}
		}
		return ev.Error
	default:
		s.Logger.Warn("Ignoring unknown event", loggingpkg.LogFields{"event": ev.Name})
		return nil
	}
}

func eventSize(ev resource.Event) int {
	switch ev.Kind {
	case resource.KindReset:
		return len(ev.Resources)
	case resource.KindAdd, resource.KindUpdate, resource.KindRemove:
		return 1
	default:
		return 0
	}
}

// reset replaces the entity set with the batch. Topics from before the
// reset that the batch republishes are overwritten rather than retracted,
// so Home Assistant does not drop and recreate them.
func (s *Service) reset(ctx context.Context, resources []resource.Resource) error {
	prior := s.registry.DrainAll()

	batch := make([]transform.Payloads, len(resources))
	produced := make(map[string]struct{}, len(resources))
	for i, r := range resources {
		batch[i] = s.transformer.Transform(r)
		produced[batch[i].DiscoveryTopic] = struct{}{}
	}
	var stale []string
	for _, topic := range prior {
		if _, ok := produced[topic]; !ok {
			stale = append(stale, topic)
		}
	}

	s.Logger.Info("Resetting entities", loggingpkg.LogFields{
		"resources":  len(resources),
		"prior":      len(prior),
		"retracting": len(stale),
	})
	if err := s.retract(ctx, stale); err != nil {
		return err
	}
	for i, r := range resources {
		if err := s.publishEntity(ctx, r.Ref(), batch[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) add(ctx context.Context, r resource.Resource) error {
	return s.publishEntity(ctx, r.Ref(), s.transformer.Transform(r))
}

func (s *Service) update(ctx context.Context, r resource.Resource) error {
	return s.publishState(ctx, r.Ref(), s.transformer.Transform(r))
}

func (s *Service) remove(ctx context.Context, ref resource.Ref) error {
	topic := s.transformer.DiscoveryTopic(ref)
	if err := s.publish(ctx, KindRetraction, topic, nil, s.retained(true)); err != nil {
		return err
	}
	s.registry.Forget(topic)
	s.Logger.Debug("Removed entity", loggingpkg.LogFields{"resource": ref.String(), "topic": topic})
	return nil
}

// publishEntity publishes the discovery payload, waits for the broker,
// records the topic and then publishes attributes and state.
func (s *Service) publishEntity(ctx context.Context, ref resource.Ref, p transform.Payloads) error {
	body, err := p.EncodeDiscovery()
	if err != nil {
		s.Logger.Warn("Skipping entity whose discovery payload cannot be encoded", loggingpkg.LogFields{
			"resource": ref.String(),
			"error":    err.Error(),
		})
		return nil
	}
	if err := s.publish(ctx, KindDiscovery, p.DiscoveryTopic, body, s.retained(true)); err != nil {
		return err
	}
	s.registry.Record(p.DiscoveryTopic)
	return s.publishState(ctx, ref, p)
}

// publishState publishes attributes, then state. Neither waits for the
// broker; the order is kept by the transport.
func (s *Service) publishState(ctx context.Context, ref resource.Ref, p transform.Payloads) error {
	attrs, err := p.EncodeAttributes()
	if err != nil {
		s.Logger.Warn("Skipping attributes that cannot be encoded", loggingpkg.LogFields{
			"resource": ref.String(),
			"error":    err.Error(),
		})
	} else if err := s.publish(ctx, KindAttributes, p.AttributesTopic, attrs, s.retained(false)); err != nil {
		return err
	}
	return s.publish(ctx, KindState, p.StateTopic, []byte(p.State), s.retained(false))
}
