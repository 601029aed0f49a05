package mbta2mqtt

import (
	"io"
	"log/slog"

	runtimepkg "github.com/drblury/mbta2mqtt/internal/runtime"
	configpkg "github.com/drblury/mbta2mqtt/internal/runtime/config"
	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	jsoncodec "github.com/drblury/mbta2mqtt/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/transport"
)

type (
	Config              = configpkg.Config
	ConfigSources       = configpkg.Sources
	ConfigNote          = configpkg.Note
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	StreamOpener        = runtimepkg.StreamOpener
	TransportFactory    = runtimepkg.TransportFactory

	MessageHandlerRegistration = runtimepkg.MessageHandlerRegistration
	MiddlewareBuilder          = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration     = runtimepkg.MiddlewareRegistration

	Event         = resource.Event
	EventKind     = resource.Kind
	Resource      = resource.Resource
	ResourceRef   = resource.Ref
	UpstreamError = resource.UpstreamError

	// Event lifecycle hooks
	EventContext = runtimepkg.EventContext
	EventHooks   = runtimepkg.EventHooks

	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	Status          = runtimepkg.Status
	EntityList      = runtimepkg.EntityList

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks
	NewMetrics   = runtimepkg.NewMetrics

	// Transport registry. Import individual transports via
	// _ "github.com/drblury/mbta2mqtt/transport/mqtt" or all of them via
	// _ "github.com/drblury/mbta2mqtt/transport/transports".
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ExitCode = errspkg.ExitCode

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrTransportRequired    = errspkg.ErrTransportRequired
	ErrInvalidConfig        = errspkg.ErrInvalidConfig
	ErrUpstreamStatus       = errspkg.ErrUpstreamStatus
	ErrUpstreamError        = errspkg.ErrUpstreamError
	ErrStreamTimeout        = errspkg.ErrStreamTimeout
	ErrBrokerConnect        = errspkg.ErrBrokerConnect
	ErrBrokerConnectionLost = errspkg.ErrBrokerConnectionLost
	ErrPublishTimeout       = errspkg.ErrPublishTimeout
	ErrSubscriptionTimeout  = errspkg.ErrSubscriptionTimeout
)

// Exit codes returned by ExitCode.
const (
	ExitOK        = errspkg.ExitOK
	ExitConfig    = errspkg.ExitConfig
	ExitUpstream  = errspkg.ExitUpstream
	ExitBroker    = errspkg.ExitBroker
	ExitUnhandled = errspkg.ExitUnhandled
)

// ConfigOverride adjusts a decoded configuration before it is validated.
type ConfigOverride func(*Config)

// WithStops replaces the configured stop list when stops is not empty.
func WithStops(stops ...string) ConfigOverride {
	return func(c *Config) { c.OverrideStops(stops) }
}

// LoadConfig reads the configuration chain described by src, decodes it,
// applies overrides in order and validates the result. Notes collected while
// loading are returned even on error so they can be logged once a logger
// exists.
func LoadConfig(src ConfigSources, overrides ...ConfigOverride) (*Config, []ConfigNote, error) {
	t, notes, err := configpkg.Load(src)
	if err != nil {
		return nil, notes, err
	}
	conf, err := configpkg.FromTree(t)
	if err != nil {
		return nil, notes, err
	}
	for _, override := range overrides {
		override(conf)
	}
	if err := conf.Validate(); err != nil {
		return nil, notes, err
	}
	return conf, notes, nil
}

// NewLogger builds a slog-backed ServiceLogger writing to w with the
// configured level and format.
func NewLogger(conf configpkg.LoggerConfig, w io.Writer) (ServiceLogger, error) {
	level, err := loggingpkg.ParseLevel(conf.Level)
	if err != nil {
		return nil, errspkg.NewConfigValidationError("logger", "level", err)
	}
	return loggingpkg.NewSlogServiceLogger(slog.New(loggingpkg.NewHandler(conf.Format, level, w))), nil
}

// NewSlogServiceLogger wraps an existing slog.Logger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(log)
}

// LogNotes replays configuration load notes through logger.
func LogNotes(logger ServiceLogger, notes []ConfigNote) {
	for _, n := range notes {
		fields := LogFields{"file": n.File}
		switch {
		case n.Level >= slog.LevelError:
			logger.Error(n.Msg, nil, fields)
		case n.Level >= slog.LevelWarn:
			logger.Warn(n.Msg, fields)
		case n.Level >= slog.LevelInfo:
			logger.Info(n.Msg, fields)
		default:
			logger.Debug(n.Msg, fields)
		}
	}
}
