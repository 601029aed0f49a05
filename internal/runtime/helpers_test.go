package runtime

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/mbta2mqtt/internal/runtime/config"
	"github.com/drblury/mbta2mqtt/internal/runtime/logging/logtest"
	metadatapkg "github.com/drblury/mbta2mqtt/internal/runtime/metadata"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
	"github.com/drblury/mbta2mqtt/transport"
	"github.com/drblury/mbta2mqtt/transport/channel"
)

const testAPIKey = "0123456789abcdef0123456789abcdef"

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		Logger: configpkg.LoggerConfig{Level: "debug", Format: "text"},
		MBTA: configpkg.MBTAConfig{
			Server:       "https://api-v3.mbta.com",
			Endpoint:     "/predictions",
			APIKey:       testAPIKey,
			Stops:        []string{"place-harsq"},
			LocationType: map[string]string{"0": "Stop", "1": "Station"},
		},
		MQTT: configpkg.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			Prefix:           "mbta2mqtt",
			QoS:              1,
			KeepAlive:        time.Minute,
			PublishTimeout:   time.Second,
			SubscribeTimeout: 2 * time.Second,
		},
		HomeAssistant: configpkg.HomeAssistantConfig{
			DiscoveryPrefix: "homeassistant",
			NodeID:          "mbta",
			Entity:          tree.Map{"icon": "mdi:train"},
		},
		Transport: configpkg.TransportConfig{System: "channel"},
	}
}

// brokerFactory hands out one prepared in-memory broker.
type brokerFactory struct {
	broker *channel.Broker
	wrap   func(transport.Transport) transport.Transport
	caps   *transport.Capabilities
	err    error
}

func (f *brokerFactory) Build(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
	if f.err != nil {
		return transport.Transport{}, f.err
	}
	tr := transport.Transport{Publisher: f.broker, Subscriber: f.broker}
	if f.wrap != nil {
		tr = f.wrap(tr)
	}
	return tr, nil
}

func (f *brokerFactory) GetCapabilities(name string) transport.Capabilities {
	if f.caps != nil {
		return *f.caps
	}
	return transport.Capabilities{Name: name}
}

// stringStream serves body once and then ends.
type stringStream struct {
	body string
}

func (s stringStream) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.body)), nil
}

// pipeStream stays open until the test writes to or closes it.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) Open(context.Context) (io.ReadCloser, error) {
	return p.r, nil
}

func (p *pipeStream) send(t *testing.T, records ...string) {
	t.Helper()
	for _, rec := range records {
		_, err := io.WriteString(p.w, rec)
		require.NoError(t, err)
	}
}

type testService struct {
	*Service
	broker *channel.Broker
	logs   *logtest.Recorder
	reg    *prometheus.Registry
}

func newTestService(t *testing.T, conf *configpkg.Config, stream StreamOpener, opts ...func(*brokerFactory, *ServiceDependencies)) *testService {
	t.Helper()
	broker := channel.NewBroker(conf.GetWill(), watermill.NopLogger{})
	broker.RecordHistory = true
	factory := &brokerFactory{broker: broker}
	reg := prometheus.NewRegistry()
	deps := ServiceDependencies{
		TransportFactory: factory,
		Stream:           stream,
		Registerer:       reg,
	}
	for _, opt := range opts {
		opt(factory, &deps)
	}
	logs := logtest.New()
	svc, err := NewService(conf, logs, context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return &testService{Service: svc, broker: broker, logs: logs, reg: reg}
}

func newRetained(payload []byte) *message.Message {
	return metadatapkg.NewMessage(payload, metadatapkg.Metadata{}.WithOptions(metadatapkg.Options{QoS: 1, Retained: true}))
}

func record(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func stopJSON(id, name string) string {
	return `{"type":"stop","id":"` + id + `","attributes":{"name":"` + name + `","location_type":1}}`
}

// runAsync starts svc and returns a channel yielding Start's result.
func runAsync(ctx context.Context, svc *Service) <-chan error {
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	return done
}

func waitForState(t *testing.T, svc *Service, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.Status().State == state
	}, 2*time.Second, 5*time.Millisecond)
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
