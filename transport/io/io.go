// Package io records every published message as one JSON line in a file.
// The subscriber tails the same file and accepts MQTT style filters, which
// makes a recording easy to replay or inspect.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/mbta2mqtt/internal/runtime/jsoncodec"
	"github.com/drblury/mbta2mqtt/internal/runtime/metadata"
	"github.com/drblury/mbta2mqtt/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "mbta2mqtt.jsonl"

const pollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return &Publisher{filePath: filePath, logger: logger}, nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return &Subscriber{filePath: filePath, logger: logger}, nil
}

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Record is one line of the recording. Payloads are kept as text since
// every bridge payload is JSON or a plain state string.
type Record struct {
	Time     time.Time         `json:"time"`
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	QoS      byte              `json:"qos"`
	Retained bool              `json:"retained"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Publisher appends records to a file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// Publish appends one record per message.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		opts := metadata.PublishOptions(msg.Metadata)
		rec := Record{
			Time:     time.Now().UTC(),
			UUID:     msg.UUID,
			Topic:    topic,
			QoS:      opts.QoS,
			Retained: opts.Retained,
			Payload:  string(msg.Payload),
			Metadata: msg.Metadata,
		}
		if err := jsoncodec.Encode(w, rec); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails a recording.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter
}

// Subscribe replays the recording from the start and then follows it,
// delivering records whose topic matches filter.
func (s *Subscriber) Subscribe(ctx context.Context, filter string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)

	go func() {
		defer close(out)
		defer f.Close()

		reader := bufio.NewReader(f)
		var partial []byte
		for {
			line, err := reader.ReadBytes('\n')
			partial = append(partial, line...)
			switch {
			case errors.Is(err, io.EOF):
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
				continue
			case err != nil:
				s.logger.Error("Failed to read file", err, watermill.LogFields{"file": s.filePath})
				return
			}

			rec := partial
			partial = nil
			if !s.deliver(ctx, out, rec, filter) {
				return
			}
		}
	}()

	return out, nil
}

// Close closes the subscriber.
func (s *Subscriber) Close() error {
	return nil
}

func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, line []byte, filter string) bool {
	var rec Record
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Failed to decode record", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if !transport.MatchTopic(filter, rec.Topic) {
		return true
	}

	md := metadata.FromWatermill(rec.Metadata).WithAll(metadata.New(
		metadata.KeyTopic, rec.Topic,
	)).WithOptions(metadata.Options{QoS: rec.QoS, Retained: rec.Retained})
	msg := message.NewMessage(rec.UUID, []byte(rec.Payload))
	msg.Metadata = metadata.ToWatermill(md)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	}
	return true
}
