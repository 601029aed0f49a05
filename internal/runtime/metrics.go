package runtime

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mbta2mqtt"

// Publish kinds used as the "kind" label.
const (
	KindDiscovery    = "discovery"
	KindAttributes   = "attributes"
	KindState        = "state"
	KindRetraction   = "retraction"
	KindAvailability = "availability"
)

// Metrics holds the bridge's Prometheus collectors. Counts are mirrored in
// plain counters for the status API.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	framingSkipped     *prometheus.CounterVec
	publishesTotal     *prometheus.CounterVec
	publishErrorsTotal *prometheus.CounterVec
	retractionsTotal   prometheus.Counter
	registryEntities   prometheus.Gauge
	eventDuration      *prometheus.HistogramVec

	events      atomic.Uint64
	skipped     atomic.Uint64
	publishes   atomic.Uint64
	failures    atomic.Uint64
	retractions atomic.Uint64
	lastEvent   atomic.Int64
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Events        uint64    `json:"events"`
	FramesSkipped uint64    `json:"frames_skipped"`
	Publishes     uint64    `json:"publishes"`
	PublishErrors uint64    `json:"publish_errors"`
	Retractions   uint64    `json:"retractions"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
}

// NewMetrics creates the collectors and registers them with registerer.
// Collectors that are already registered are reused.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		eventsTotal: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Stream events handled, by event name",
		}, []string{"event"})),
		framingSkipped: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "framing_skipped_total",
			Help:      "Stream records skipped because they could not be framed or decoded",
		}, []string{"reason"})),
		publishesTotal: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publishes_total",
			Help:      "Messages handed to the broker, by payload kind",
		}, []string{"kind"})),
		publishErrorsTotal: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes, by payload kind",
		}, []string{"kind"})),
		retractionsTotal: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retractions_total",
			Help:      "Discovery topics cleared with an empty retained payload",
		})),
		registryEntities: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registry_entities",
			Help:      "Discovery topics currently believed to be published",
		})),
		eventDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "event_duration_seconds",
			Help:      "Time spent handling one stream event",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"event"})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ObserveEvent records one handled event.
func (m *Metrics) ObserveEvent(event string, d time.Duration) {
	m.eventsTotal.WithLabelValues(event).Inc()
	m.eventDuration.WithLabelValues(event).Observe(d.Seconds())
	m.events.Add(1)
	m.lastEvent.Store(time.Now().UnixNano())
}

// FramingSkipped counts a record dropped by the framer or decoder.
func (m *Metrics) FramingSkipped(reason string) {
	m.framingSkipped.WithLabelValues(reason).Inc()
	m.skipped.Add(1)
}

// Published counts a publish attempt and its outcome.
func (m *Metrics) Published(kind string, err error) {
	if err != nil {
		m.publishErrorsTotal.WithLabelValues(kind).Inc()
		m.failures.Add(1)
		return
	}
	m.publishesTotal.WithLabelValues(kind).Inc()
	m.publishes.Add(1)
	if kind == KindRetraction {
		m.retractionsTotal.Inc()
		m.retractions.Add(1)
	}
}

// SetEntities updates the registry size gauge.
func (m *Metrics) SetEntities(n int) {
	m.registryEntities.Set(float64(n))
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Events:        m.events.Load(),
		FramesSkipped: m.skipped.Load(),
		Publishes:     m.publishes.Load(),
		PublishErrors: m.failures.Load(),
		Retractions:   m.retractions.Load(),
	}
	if ns := m.lastEvent.Load(); ns > 0 {
		s.LastEventAt = time.Unix(0, ns).UTC()
	}
	return s
}
