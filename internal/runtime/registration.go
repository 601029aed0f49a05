package runtime

import (
	"errors"
	"regexp"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	metadatapkg "github.com/drblury/mbta2mqtt/internal/runtime/metadata"
)

const discoveryObserverName = "discovery-observer"

// MessageHandlerRegistration wires a consuming handler onto the router.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeTopic string
	Subscriber   message.Subscriber
	Handler      message.NoPublishHandlerFunc
}

// RegisterMessageHandler attaches the provided handler to the service router.
// It must be called before Start.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errors.New("event service is nil")
	}
	return svc.registerHandler(cfg)
}

func (s *Service) registerHandler(cfg MessageHandlerRegistration) error {
	if cfg.Handler == nil {
		return errors.New("handler is required")
	}
	if cfg.ConsumeTopic == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Name == "" {
		return errors.New("handler name is required")
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Subscriber == nil {
		return errspkg.ErrTransportRequired
	}

	s.router.AddNoPublisherHandler(cfg.Name, cfg.ConsumeTopic, cfg.Subscriber, cfg.Handler)
	s.Logger.Debug("Registered handler", loggingpkg.LogFields{
		"handler": cfg.Name,
		"topic":   cfg.ConsumeTopic,
	})
	return nil
}

// discoveryTopicPattern matches the discovery topics of any component under
// prefix.
func discoveryTopicPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `/[a-z0-9_-]+/[A-Za-z0-9_/-]+/config$`)
}

// discoveryObserver records every discovery topic seen on the broker so a
// restart can retract entities published by an earlier run. It never fails
// a message: anything it cannot use is logged and acked.
func (s *Service) discoveryObserver() message.NoPublishHandlerFunc {
	pattern := discoveryTopicPattern(s.Conf.HomeAssistant.DiscoveryPrefix)
	return func(msg *message.Message) error {
		topic := msg.Metadata.Get(metadatapkg.KeyTopic)
		fields := loggingpkg.LogFields{"topic": topic}
		switch {
		case !pattern.MatchString(topic):
			s.Logger.Debug("Ignoring message on unexpected topic", fields)
		case len(msg.Payload) == 0:
			s.Logger.Trace("Ignoring empty discovery payload", fields)
		case !utf8.Valid(msg.Payload):
			s.Logger.Warn("Ignoring discovery payload that is not valid UTF-8", fields)
		default:
			s.registry.Record(topic)
			s.metrics.SetEntities(s.registry.Len())
			s.Logger.Debug("Observed discovery topic", fields)
		}
		return nil
	}
}

func (s *Service) registerDiscoveryObserver() error {
	return s.registerHandler(MessageHandlerRegistration{
		Name:         discoveryObserverName,
		ConsumeTopic: s.transformer.DiscoveryFilter(),
		Handler:      s.discoveryObserver(),
	})
}
