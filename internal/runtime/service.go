package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/mbta2mqtt/internal/runtime/config"
	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	"github.com/drblury/mbta2mqtt/internal/runtime/framer"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	"github.com/drblury/mbta2mqtt/internal/runtime/registry"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/internal/runtime/transform"
	"github.com/drblury/mbta2mqtt/internal/runtime/upstream"
	"github.com/drblury/mbta2mqtt/transport"
)

const (
	tracerName           = "github.com/drblury/mbta2mqtt"
	defaultSubscribeWait = 30 * time.Second
	routerCloseTimeout   = 5 * time.Second
	httpShutdownTimeout  = 5 * time.Second
)

// UserAgent is sent with the upstream request.
var UserAgent = "mbta2mqtt"

// StreamOpener opens the upstream event stream. *upstream.Client implements it.
type StreamOpener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// TransportFactory builds the broker transport. *transport.Registry implements it.
type TransportFactory interface {
	Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	TransportFactory          TransportFactory
	Stream                    StreamOpener
	Registerer                prometheus.Registerer
	TracerProvider            trace.TracerProvider
	Hooks                     EventHooks               // Called after the built-in logging and metrics hooks.
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// Service keeps the broker's discovery entities in step with the upstream
// stream. Build it with NewService, run it once with Start.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	caps       transport.Capabilities
	router     *message.Router

	transformer *transform.Transformer
	registry    *registry.Registry
	stream      StreamOpener
	qos         byte

	metrics    *Metrics
	registerer prometheus.Registerer
	hooks      EventHooks
	tracer     trace.Tracer

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	routerStarted atomic.Bool
	routerDone    chan struct{}
	routerErr     error

	stateMu   sync.RWMutex
	state     string
	startedAt time.Time

	closeOnce       sync.Once
	closeErr        error
	resourceTracker *resourceTracker
}

// NewService builds the transport, which connects to the broker, and
// prepares the router. The last will is registered by the transport while
// connecting. Call Start to run, or Close to release an unstarted service.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"config":        conf.String(),
	})

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	s := &Service{
		Conf:            conf,
		Logger:          log,
		transformer:     transform.New(TransformConfig(conf), log),
		registry:        registry.New(),
		stream:          deps.Stream,
		qos:             byte(conf.MQTT.QoS),
		metrics:         NewMetrics(registerer),
		registerer:      registerer,
		tracer:          tp.Tracer(tracerName),
		state:           StateCreated,
		resourceTracker: newResourceTracker(),
	}
	if s.stream == nil {
		s.stream = upstream.New(UpstreamConfig(conf))
	}
	s.hooks = MetricsHooks(s.metrics).Merge(LoggingHooks(log)).Merge(deps.Hooks)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transport.DefaultRegistry
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		return nil, errspkg.ErrTransportRequired
	}
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber
	s.caps = capabilitiesOf(tr, factory, conf.GetPubSubSystem())

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: routerCloseTimeout}, wmLogger)
	if err != nil {
		s.closeTransport()
		return nil, err
	}
	s.router = router

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeTransport()
		return nil, err
	}
	s.registerMetricsEndpoint()
	s.registerStatusAPI()

	return s, nil
}

// TransformConfig maps the configuration onto the transformer's settings.
func TransformConfig(conf *configpkg.Config) transform.Config {
	ha := conf.HomeAssistant
	return transform.Config{
		NodeID:                 ha.NodeID,
		DiscoveryPrefix:        ha.DiscoveryPrefix,
		MQTTPrefix:             conf.MQTT.Prefix,
		FriendlyPrefix:         ha.FriendlyPrefix,
		Server:                 conf.MBTA.Server,
		Entity:                 ha.Entity,
		Types:                  ha.Types,
		Device:                 ha.Device,
		Individual:             ha.Individual,
		Stops:                  conf.MBTA.Stops,
		LocationTypes:          conf.MBTA.LocationType,
		VehicleTypes:           conf.MBTA.VehicleTypes,
		RoutePatternTypicality: conf.MBTA.RoutePatternTypicality,
	}
}

// UpstreamConfig maps the configuration onto the stream request.
func UpstreamConfig(conf *configpkg.Config) upstream.Config {
	m := conf.MBTA
	return upstream.Config{
		Server:         m.Server,
		Endpoint:       m.Endpoint,
		APIKey:         m.APIKey,
		APIKeyHeader:   m.APIKeyHeader,
		Stops:          m.Stops,
		Include:        m.Include,
		ConnectTimeout: m.ConnectTimeout,
		ReadTimeout:    m.ReadTimeout,
		UserAgent:      UserAgent,
	}
}

func capabilitiesOf(tr transport.Transport, factory TransportFactory, name string) transport.Capabilities {
	if p, ok := tr.Publisher.(transport.CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	if r, ok := factory.(interface {
		GetCapabilities(string) transport.Capabilities
	}); ok {
		return r.GetCapabilities(name)
	}
	return transport.GetCapabilities(name)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start publishes availability, recovers the entities of earlier runs and
// applies stream events until the stream ends, a fatal error occurs or ctx
// is cancelled. Shutdown always runs before Start returns: every entity is
// retracted, offline is published and the transport is closed.
//
// Cancelling ctx is a clean stop and returns nil. A lost broker connection
// returns an error wrapping errors.ErrBrokerConnectionLost.
func (s *Service) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateCreated {
		s.stateMu.Unlock()
		return errors.New("service can only be started once")
	}
	s.state = StateStarting
	s.startedAt = time.Now().UTC()
	s.stateMu.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.startHTTPServers()
	s.watchConnection(runCtx, cancel)

	err := s.run(runCtx, cancel)
	cause := context.Cause(runCtx)
	s.shutdown()

	switch {
	case cause != nil && !errors.Is(cause, context.Canceled):
		return cause
	case ctx.Err() != nil:
		s.Logger.Info("Stopped on request", nil)
		return nil
	default:
		return err
	}
}

func (s *Service) run(ctx context.Context, cancel context.CancelCauseFunc) error {
	if err := s.publishAvailability(ctx, "online"); err != nil {
		return err
	}
	if err := s.startRouter(ctx, cancel); err != nil {
		return err
	}
	s.setState(StateRunning)
	return s.consume(ctx)
}

// startRouter runs the discovery observer and waits until its subscription
// is acknowledged.
func (s *Service) startRouter(ctx context.Context, cancel context.CancelCauseFunc) error {
	if !s.caps.SupportsRecovery() {
		s.Logger.Info("Transport does not replay retained wildcard subscriptions, skipping entity recovery", loggingpkg.LogFields{
			"transport": s.Conf.GetPubSubSystem(),
		})
		return nil
	}
	if err := s.registerDiscoveryObserver(); err != nil {
		return err
	}

	filter := s.transformer.DiscoveryFilter()
	s.routerDone = make(chan struct{})
	s.routerStarted.Store(true)
	go func() {
		defer close(s.routerDone)
		// The router outlives ctx so it keeps observing while shutdown
		// retracts entities; Close stops it.
		if err := s.router.Run(context.WithoutCancel(ctx)); err != nil {
			s.routerErr = err
			cancel(fmt.Errorf("%w: %s: %w", errspkg.ErrSubscriptionFailed, filter, err))
		}
	}()

	timeout := s.Conf.GetSubscribeTimeout()
	if timeout <= 0 {
		timeout = defaultSubscribeWait
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.router.Running():
		s.Logger.Info("Subscribed to discovery topics", loggingpkg.LogFields{"filter": filter})
		return nil
	case <-s.routerDone:
		return fmt.Errorf("%w: %s: %w", errspkg.ErrSubscriptionFailed, filter, s.routerErr)
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", errspkg.ErrSubscriptionTimeout, filter, timeout)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// consume reads the stream until it ends. Framing and decoding problems are
// skipped; everything else ends the run.
func (s *Service) consume(ctx context.Context) error {
	body, err := s.stream.Open(ctx)
	if err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("%w: stream opener returned no body", errspkg.ErrStreamRequired)
	}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	s.Logger.Info("Consuming upstream stream", loggingpkg.LogFields{"stops": s.Conf.MBTA.Stops})
	f := framer.New(body, s.Logger, framer.WithSkipHook(s.metrics.FramingSkipped))
	for f.Scan() {
		ev, err := resource.Decode(f.Record())
		if err != nil {
			if errors.Is(err, errspkg.ErrMalformedEvent) {
				s.metrics.FramingSkipped("malformed_event")
				s.Logger.Warn("Skipping malformed event", loggingpkg.LogFields{"error": err.Error()})
				continue
			}
			return err
		}
		if err := s.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}
	if err := f.Err(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	s.Logger.Info("Upstream stream ended", nil)
	return nil
}

// watchConnection cancels the run when the transport reports a lost
// broker connection.
func (s *Service) watchConnection(ctx context.Context, cancel context.CancelCauseFunc) {
	w, ok := s.publisher.(transport.ConnectionWatcher)
	if !ok {
		return
	}
	go func() {
		select {
		case err := <-w.ConnectionLost():
			if !errors.Is(err, errspkg.ErrBrokerConnectionLost) {
				err = fmt.Errorf("%w: %w", errspkg.ErrBrokerConnectionLost, err)
			}
			s.Logger.Error("Broker connection lost, shutting down", err, nil)
			cancel(err)
		case <-ctx.Done():
		}
	}()
}

// shutdown retracts every known entity, publishes offline and closes the
// router and transport. Each step is attempted once; failures are logged.
func (s *Service) shutdown() {
	s.setState(StateStopping)
	ctx := context.Background()

	topics := s.registry.DrainAll()
	s.metrics.SetEntities(0)
	s.Logger.Info("Retracting entities", loggingpkg.LogFields{"count": len(topics)})
	if err := s.retract(ctx, topics); err != nil {
		s.Logger.Warn("Some entities could not be retracted", loggingpkg.LogFields{"error": err.Error()})
	}
	if err := s.publishAvailability(ctx, "offline"); err != nil {
		s.Logger.Error("Failed to publish offline availability", err, nil)
	}
	if err := s.Close(); err != nil {
		s.Logger.Error("Failed to close service", err, nil)
	}
	s.setState(StateStopped)
}

// Close stops the router, the HTTP servers and the transport. It does not
// retract anything; Start does that itself. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.routerStarted.Load() {
			errs = append(errs, s.router.Close())
			<-s.routerDone
		}
		s.stopHTTPServers()
		errs = append(errs, s.closeTransport())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) closeTransport() error {
	// Transports sharing one client close it once.
	return errors.Join(s.subscriber.Close(), s.publisher.Close())
}

func (s *Service) setState(state string) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// RegisterHTTPHandler mounts handler on the server listening on port. It
// must be called before Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := net.JoinHostPort("", strconv.Itoa(port))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers() {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Warn("HTTP server did not shut down cleanly", loggingpkg.LogFields{"address": srv.Addr, "error": err.Error()})
		}
		cancel()
	}
}
