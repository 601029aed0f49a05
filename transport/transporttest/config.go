// Package transporttest provides a field-backed transport.Config for tests.
package transporttest

import (
	"time"

	"github.com/drblury/mbta2mqtt/transport"
)

// Config implements transport.Config with plain fields.
type Config struct {
	System           string
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	Will             *transport.Will

	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	IOFile             string
}

var _ transport.Config = (*Config)(nil)

func (c *Config) GetPubSubSystem() string              { return c.System }
func (c *Config) GetMQTTBrokerURL() string             { return c.BrokerURL }
func (c *Config) GetMQTTClientID() string              { return c.ClientID }
func (c *Config) GetMQTTUsername() string              { return c.Username }
func (c *Config) GetMQTTPassword() string              { return c.Password }
func (c *Config) GetMQTTKeepAlive() time.Duration      { return c.KeepAlive }
func (c *Config) GetMQTTConnectTimeout() time.Duration { return c.ConnectTimeout }
func (c *Config) GetPublishTimeout() time.Duration     { return c.PublishTimeout }
func (c *Config) GetSubscribeTimeout() time.Duration   { return c.SubscribeTimeout }
func (c *Config) GetWill() *transport.Will             { return c.Will }
func (c *Config) GetKafkaBrokers() []string            { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string        { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string               { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string                   { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string         { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string          { return c.HTTPPublisherURL }
func (c *Config) GetIOFile() string                    { return c.IOFile }
