// Package mqtt provides the MQTT 3.1.1 transport backed by the Eclipse Paho
// client. It is the default transport.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	paho "github.com/eclipse/paho.mqtt.golang"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	"github.com/drblury/mbta2mqtt/internal/runtime/metadata"
	"github.com/drblury/mbta2mqtt/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

const (
	defaultTimeout          = 30 * time.Second
	disconnectQuiesceMillis = 250

	// subscribeQoS is the QoS requested for every subscription.
	subscribeQoS = 1

	// subackFailure is the SUBACK return code for a refused filter.
	subackFailure = 0x80
)

// ClientFactory allows overriding the Paho client creation for testing.
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the MQTT transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Build connects to the broker. The returned publisher and subscriber share
// the connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := newClient(cfg, logger)
	if err := c.connect(ctx, orDefault(cfg.GetMQTTConnectTimeout())); err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  c,
		Subscriber: c,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

// ClientOptions maps the transport configuration onto Paho options. The
// will is registered here, before the connection is made. Automatic
// reconnects are disabled: a lost connection ends the run.
func ClientOptions(cfg transport.Config) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(cfg.GetMQTTBrokerURL()).
		SetClientID(cfg.GetMQTTClientID()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectTimeout(orDefault(cfg.GetMQTTConnectTimeout()))
	if ka := cfg.GetMQTTKeepAlive(); ka > 0 {
		opts.SetKeepAlive(ka)
	}
	if user := cfg.GetMQTTUsername(); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(cfg.GetMQTTPassword())
	}
	if will := cfg.GetWill(); will != nil {
		opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retained)
	}
	return opts
}

// Client adapts a Paho client to the watermill Publisher and Subscriber
// interfaces.
type Client struct {
	client           paho.Client
	logger           watermill.LoggerAdapter
	brokerURL        string
	publishTimeout   time.Duration
	subscribeTimeout time.Duration

	lost     chan error
	lostOnce sync.Once

	closing   chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func newClient(cfg transport.Config, logger watermill.LoggerAdapter) *Client {
	c := &Client{
		logger:           logger,
		brokerURL:        cfg.GetMQTTBrokerURL(),
		publishTimeout:   orDefault(cfg.GetPublishTimeout()),
		subscribeTimeout: orDefault(cfg.GetSubscribeTimeout()),
		lost:             make(chan error, 1),
		closing:          make(chan struct{}),
	}
	opts := ClientOptions(cfg).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.connectionLost(err)
		})
	c.client = ClientFactory(opts)
	return c
}

func (c *Client) connect(ctx context.Context, timeout time.Duration) error {
	c.logger.Info("Connecting to MQTT broker", watermill.LogFields{"broker": c.brokerURL})
	token := c.client.Connect()
	if err := wait(ctx, token, timeout); err != nil {
		if errors.Is(err, errTokenTimeout) {
			return fmt.Errorf("%w: %s: no CONNACK within %s", errspkg.ErrBrokerConnect, c.brokerURL, timeout)
		}
		return fmt.Errorf("%w: %s: %w", errspkg.ErrBrokerConnect, c.brokerURL, err)
	}
	c.logger.Info("Connected to MQTT broker", watermill.LogFields{"broker": c.brokerURL})
	return nil
}

func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.logger.Error("Lost connection to MQTT broker", err, watermill.LogFields{"broker": c.brokerURL})
	c.lostOnce.Do(func() {
		c.lost <- fmt.Errorf("%w: %w", errspkg.ErrBrokerConnectionLost, err)
	})
}

// Capabilities implements transport.CapabilitiesProvider.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

// ConnectionLost implements transport.ConnectionWatcher.
func (c *Client) ConnectionLost() <-chan error {
	return c.lost
}

// Publish sends each message with the QoS and retain flag from its
// metadata. Unless the message opts out, Publish blocks until the broker
// acknowledged it or the publish timeout passed.
func (c *Client) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		opts := metadata.PublishOptions(msg.Metadata)
		token := c.client.Publish(topic, opts.QoS, opts.Retained, []byte(msg.Payload))
		if !opts.WaitAck {
			go c.logAsyncFailure(topic, token)
			continue
		}
		if err := wait(context.Background(), token, c.publishTimeout); err != nil {
			if errors.Is(err, errTokenTimeout) {
				return fmt.Errorf("%w: %s", errspkg.ErrPublishTimeout, topic)
			}
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

func (c *Client) logAsyncFailure(topic string, token paho.Token) {
	select {
	case <-token.Done():
	case <-c.closing:
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("Publish failed", err, watermill.LogFields{"topic": topic})
	}
}

// Subscribe subscribes to filter and waits for the SUBACK. Messages are
// delivered with metadata.KeyTopic and metadata.KeyRetained set. The
// subscription is removed when ctx is done. Paho keeps one handler per
// filter, so subscribing twice to the same filter replaces the first.
func (c *Client) Subscribe(ctx context.Context, filter string) (<-chan *message.Message, error) {
	queue := transport.NewQueue()
	out := make(chan *message.Message)

	token := c.client.Subscribe(filter, subscribeQoS, func(_ paho.Client, m paho.Message) {
		queue.Push(metadata.NewMessage(m.Payload(), metadata.New(
			metadata.KeyTopic, m.Topic(),
			metadata.KeyRetained, strconv.FormatBool(m.Retained()),
			metadata.KeyQoS, strconv.Itoa(int(m.Qos())),
		)))
	})
	if err := wait(ctx, token, c.subscribeTimeout); err != nil {
		if errors.Is(err, errTokenTimeout) {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrSubscriptionTimeout, filter)
		}
		return nil, fmt.Errorf("%w: %s: %w", errspkg.ErrSubscriptionFailed, filter, err)
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code >= subackFailure {
			return nil, fmt.Errorf("%w: %s: broker refused the filter", errspkg.ErrSubscriptionFailed, filter)
		}
	}
	c.logger.Debug("Subscribed", watermill.LogFields{"filter": filter})

	go func() {
		queue.Run(ctx, c.closing, out, func(msg *message.Message) {
			c.logger.Debug("Message nacked, dropping", watermill.LogFields{
				"topic": msg.Metadata.Get(metadata.KeyTopic),
			})
		})
		if c.client.IsConnectionOpen() {
			c.client.Unsubscribe(filter)
		}
	}()
	return out, nil
}

// Close disconnects from the broker. It is safe to call more than once.
// A clean disconnect does not trigger the will.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)
		if c.client.IsConnected() {
			c.client.Disconnect(disconnectQuiesceMillis)
			c.logger.Info("Disconnected from MQTT broker", watermill.LogFields{"broker": c.brokerURL})
		}
	})
	return nil
}

var errTokenTimeout = errors.New("timed out")

// wait blocks until token completes, timeout passes or ctx is done.
func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errTokenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
