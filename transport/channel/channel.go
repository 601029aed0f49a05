// Package channel provides an in-memory broker with MQTT style retained
// messages and wildcard subscriptions. It backs --dry-run and the tests.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mbta2mqtt/internal/runtime/metadata"
	"github.com/drblury/mbta2mqtt/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// ErrClosed is returned when publishing to or subscribing on a closed broker.
var ErrClosed = errors.New("channel: broker closed")

// Factory allows overriding the broker creation for testing.
var Factory = func(will *transport.Will, logger watermill.LoggerAdapter) *Broker {
	return NewBroker(will, logger)
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new broker. The same broker serves as publisher and
// subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	b := Factory(cfg.GetWill(), logger)
	return transport.Transport{
		Publisher:  b,
		Subscriber: b,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Delivery is one message handed to the broker, in publish order.
type Delivery struct {
	Topic   string
	Payload []byte
	Options metadata.Options
}

// Broker is safe for concurrent use.
type Broker struct {
	logger watermill.LoggerAdapter
	will   *transport.Will

	// PublishHook, when set, runs before each message is accepted. A non-nil
	// error fails the publish and nothing is stored.
	PublishHook func(topic string, msg *message.Message) error

	// RecordHistory keeps every accepted message for Published. It is off by
	// default since the broker also serves long --dry-run sessions.
	RecordHistory bool

	mu       sync.Mutex
	retained map[string][]byte
	subs     map[*subscription]struct{}
	history  []Delivery
	closed   bool

	closing   chan struct{}
	closeOnce sync.Once
	lost      chan error
	lostOnce  sync.Once
}

// NewBroker returns an empty broker. will is published when Drop is called.
func NewBroker(will *transport.Will, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		logger:   logger,
		will:     will,
		retained: make(map[string][]byte),
		subs:     make(map[*subscription]struct{}),
		closing:  make(chan struct{}),
		lost:     make(chan error, 1),
	}
}

// Capabilities implements transport.CapabilitiesProvider.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// ConnectionLost implements transport.ConnectionWatcher.
func (b *Broker) ConnectionLost() <-chan error {
	return b.lost
}

// Publish stores retained payloads and fans the messages out to every
// matching subscription. An empty retained payload clears the topic.
func (b *Broker) Publish(topic string, messages ...*message.Message) error {
	if topic == "" || transport.IsWildcard(topic) {
		return fmt.Errorf("channel: invalid publish topic %q", topic)
	}
	for _, msg := range messages {
		if err := b.publishOne(topic, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) publishOne(topic string, msg *message.Message) error {
	if hook := b.PublishHook; hook != nil {
		if err := hook(topic, msg); err != nil {
			return err
		}
	}
	opts := metadata.PublishOptions(msg.Metadata)
	payload := append([]byte(nil), msg.Payload...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.RecordHistory {
		b.history = append(b.history, Delivery{Topic: topic, Payload: payload, Options: opts})
	}
	if opts.Retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	var targets []*subscription
	for s := range b.subs {
		if transport.MatchTopic(s.filter, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	b.logger.Debug("Published", watermill.LogFields{
		"topic":    topic,
		"retained": opts.Retained,
		"qos":      opts.QoS,
		"bytes":    len(payload),
	})
	for _, s := range targets {
		s.queue.Push(deliver(topic, payload, false))
	}
	return nil
}

// Subscribe delivers the retained messages matching filter first, sorted by
// topic, then every live publish. The channel closes when ctx is done or the
// broker is closed.
func (b *Broker) Subscribe(ctx context.Context, filter string) (<-chan *message.Message, error) {
	if filter == "" {
		return nil, errors.New("channel: empty subscription filter")
	}
	s := &subscription{filter: filter, queue: transport.NewQueue()}
	out := make(chan *message.Message)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	topics := make([]string, 0, len(b.retained))
	for topic := range b.retained {
		if transport.MatchTopic(filter, topic) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	for _, topic := range topics {
		s.queue.Push(deliver(topic, b.retained[topic], true))
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		s.queue.Run(ctx, b.closing, out, func(msg *message.Message) {
			b.logger.Debug("Message nacked, dropping", watermill.LogFields{
				"uuid":  msg.UUID,
				"topic": msg.Metadata.Get(metadata.KeyTopic),
			})
		})
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}()
	return out, nil
}

// Close stops every subscription. Retained state stays readable.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.closing)
	})
	return nil
}

// Drop simulates an unclean disconnect: the will is published, the broker
// closes and ConnectionLost fires with cause.
func (b *Broker) Drop(cause error) {
	if b.will != nil {
		msg := metadata.NewMessage(b.will.Payload, metadata.Metadata{}.WithOptions(metadata.Options{QoS: b.will.QoS, Retained: b.will.Retained}))
		if err := b.publishOne(b.will.Topic, msg); err != nil {
			b.logger.Error("Failed to publish will", err, nil)
		}
	}
	_ = b.Close()
	b.lostOnce.Do(func() { b.lost <- cause })
}

// Retained returns the retained payload for topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// RetainedTopics returns every topic holding a retained payload, sorted.
func (b *Broker) RetainedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.retained))
	for topic := range b.retained {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Published returns a copy of every accepted message, in order. It is empty
// unless RecordHistory was set before publishing.
func (b *Broker) Published() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.history...)
}

func deliver(topic string, payload []byte, retained bool) *message.Message {
	return metadata.NewMessage(append([]byte(nil), payload...), metadata.New(
		metadata.KeyTopic, topic,
		metadata.KeyRetained, strconv.FormatBool(retained),
	))
}

type subscription struct {
	filter string
	queue  *transport.Queue
}
