package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mbta2mqtt/internal/runtime/metadata"
)

// WithTopicMapper wraps t so every topic passes through mapTopic before it
// reaches the broker. Published messages carry the unmapped topic in
// metadata.KeyTopic so consumers can recover it.
func WithTopicMapper(t Transport, mapTopic func(string) string) Transport {
	out := t
	if t.Publisher != nil {
		out.Publisher = mappedPublisher{Publisher: t.Publisher, mapTopic: mapTopic}
	}
	if t.Subscriber != nil {
		out.Subscriber = mappedSubscriber{Subscriber: t.Subscriber, mapTopic: mapTopic}
	}
	return out
}

type mappedPublisher struct {
	message.Publisher
	mapTopic func(string) string
}

func (p mappedPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata == nil {
			msg.Metadata = message.Metadata{}
		}
		if msg.Metadata.Get(metadata.KeyTopic) == "" {
			msg.Metadata.Set(metadata.KeyTopic, topic)
		}
	}
	return p.Publisher.Publish(p.mapTopic(topic), messages...)
}

type mappedSubscriber struct {
	message.Subscriber
	mapTopic func(string) string
}

func (s mappedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, s.mapTopic(topic))
}
