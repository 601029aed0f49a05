package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	metadatapkg "github.com/drblury/mbta2mqtt/internal/runtime/metadata"
)

// Publish wraps payload in a watermill message carrying md and hands it to
// publisher. Publish options such as QoS and retain travel in md.
func Publish(ctx context.Context, publisher message.Publisher, topic string, payload []byte, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg := metadatapkg.NewMessage(payload, md)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

type correlationKey struct{}

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id of the event being handled under ctx.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// retained returns the options for durable entity state.
func (s *Service) retained(waitAck bool) metadatapkg.Options {
	return metadatapkg.Options{QoS: s.qos, Retained: true, WaitAck: waitAck}
}

// publish sends one payload and counts the outcome under kind.
func (s *Service) publish(ctx context.Context, kind, topic string, payload []byte, opts metadatapkg.Options) error {
	md := metadatapkg.New(metadatapkg.KeyKind, kind).WithOptions(opts)
	if id := CorrelationID(ctx); id != "" {
		md = md.With(metadatapkg.KeyCorrelationID, id)
	}

	err := Publish(ctx, s.publisher, topic, payload, md)
	s.metrics.Published(kind, err)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", kind, topic, err)
	}
	s.Logger.Trace("Published", loggingpkg.LogFields{
		"kind":     kind,
		"topic":    topic,
		"bytes":    len(payload),
		"retained": opts.Retained,
	})
	return nil
}

// retract clears each topic with an empty retained payload, waiting for
// every acknowledgement. All topics are attempted; failures are joined.
func (s *Service) retract(ctx context.Context, topics []string) error {
	var errs []error
	for _, topic := range topics {
		if err := s.publish(ctx, KindRetraction, topic, nil, s.retained(true)); err != nil {
			s.Logger.Error("Failed to retract entity", err, loggingpkg.LogFields{"topic": topic})
			errs = append(errs, err)
			continue
		}
		s.Logger.Debug("Retracted entity", loggingpkg.LogFields{"topic": topic})
	}
	return errors.Join(errs...)
}

// publishAvailability sends online or offline to the availability topic
// and waits for the acknowledgement.
func (s *Service) publishAvailability(ctx context.Context, state string) error {
	topic := s.Conf.AvailabilityTopic()
	if err := s.publish(ctx, KindAvailability, topic, []byte(state), s.retained(true)); err != nil {
		return err
	}
	s.Logger.Info("Published availability", loggingpkg.LogFields{"topic": topic, "state": state})
	return nil
}
