package metadata

import "strconv"

// Metadata represents the headers carried alongside a published message.
type Metadata map[string]string

// Keys understood by the broker transports.
const (
	KeyQoS           = "mqtt_qos"
	KeyRetained      = "mqtt_retained"
	KeyWaitAck       = "mqtt_wait_ack"
	KeyTopic         = "mqtt_topic"
	KeyCorrelationID = "correlation_id"
	KeyKind          = "mbta2mqtt_kind"
)

// Options describe how a single message is handed to the broker.
type Options struct {
	QoS      byte
	Retained bool
	// WaitAck blocks the publisher until the broker acknowledged the message.
	WaitAck bool
}

// DefaultOptions are applied when a message carries no publish metadata.
var DefaultOptions = Options{QoS: 1, Retained: false, WaitAck: true}

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// WithOptions returns a clone carrying the publish options.
func (m Metadata) WithOptions(opts Options) Metadata {
	return m.WithAll(Metadata{
		KeyQoS:      strconv.Itoa(int(opts.QoS)),
		KeyRetained: strconv.FormatBool(opts.Retained),
		KeyWaitAck:  strconv.FormatBool(opts.WaitAck),
	})
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// PublishOptions reads the publish options from md, falling back to
// DefaultOptions for missing or unparsable entries.
func PublishOptions(md map[string]string) Options {
	opts := DefaultOptions
	if raw, ok := md[KeyQoS]; ok {
		if qos, err := strconv.Atoi(raw); err == nil && qos >= 0 && qos <= 2 {
			opts.QoS = byte(qos)
		}
	}
	if raw, ok := md[KeyRetained]; ok {
		if retained, err := strconv.ParseBool(raw); err == nil {
			opts.Retained = retained
		}
	}
	if raw, ok := md[KeyWaitAck]; ok {
		if wait, err := strconv.ParseBool(raw); err == nil {
			opts.WaitAck = wait
		}
	}
	return opts
}
