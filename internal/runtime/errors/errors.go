package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("mbta2mqtt: configuration is required")
	ErrLoggerRequired       = sterrors.New("mbta2mqtt: logger is required")
	ErrPublisherRequired    = sterrors.New("mbta2mqtt: publisher is required")
	ErrTopicRequired        = sterrors.New("mbta2mqtt: topic is required")
	ErrTransportRequired    = sterrors.New("mbta2mqtt: transport is required")
	ErrStreamRequired       = sterrors.New("mbta2mqtt: upstream stream is required")
	ErrInvalidConfig        = sterrors.New("mbta2mqtt: invalid configuration")
	ErrMalformedRecord      = sterrors.New("mbta2mqtt: malformed stream record")
	ErrMalformedEvent       = sterrors.New("mbta2mqtt: malformed event body")
	ErrUpstreamStatus       = sterrors.New("mbta2mqtt: upstream responded with an error status")
	ErrUpstreamError        = sterrors.New("mbta2mqtt: upstream sent an error event")
	ErrStreamTimeout        = sterrors.New("mbta2mqtt: upstream stream read timed out")
	ErrStreamClosed         = sterrors.New("mbta2mqtt: upstream stream closed")
	ErrBrokerConnect        = sterrors.New("mbta2mqtt: could not connect to broker")
	ErrBrokerConnectionLost = sterrors.New("mbta2mqtt: lost connection to broker")
	ErrSubscriptionFailed   = sterrors.New("mbta2mqtt: subscription failed")
	ErrSubscriptionTimeout  = sterrors.New("mbta2mqtt: timed out waiting for subscription acknowledgement")
	ErrPublishTimeout       = sterrors.New("mbta2mqtt: timed out waiting for publish acknowledgement")
)

// Process exit codes reported by the command.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitUpstream  = 2
	ExitBroker    = 3
	ExitUnhandled = 4
)

// ConfigValidationError reports a missing or invalid configuration value.
type ConfigValidationError struct {
	Section string
	Key     string
	Err     error
}

func (e ConfigValidationError) Error() string {
	switch {
	case e.Section != "" && e.Key != "":
		return fmt.Sprintf("mbta2mqtt: invalid configuration: %s.%s: %v", e.Section, e.Key, e.Err)
	case e.Section != "":
		return fmt.Sprintf("mbta2mqtt: invalid configuration: %s: %v", e.Section, e.Err)
	default:
		return fmt.Sprintf("mbta2mqtt: invalid configuration: %v", e.Err)
	}
}

func (e ConfigValidationError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(section, key string, err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Section: section, Key: key, Err: err}
}

// ExitCode maps a terminal run error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil, sterrors.Is(err, context.Canceled):
		return ExitOK
	case sterrors.Is(err, ErrInvalidConfig), sterrors.Is(err, ErrConfigRequired):
		return ExitConfig
	case sterrors.Is(err, ErrUpstreamStatus),
		sterrors.Is(err, ErrUpstreamError),
		sterrors.Is(err, ErrStreamTimeout),
		sterrors.Is(err, ErrStreamClosed),
		sterrors.Is(err, ErrStreamRequired),
		sterrors.Is(err, ErrMalformedRecord):
		return ExitUpstream
	case sterrors.Is(err, ErrBrokerConnect),
		sterrors.Is(err, ErrBrokerConnectionLost),
		sterrors.Is(err, ErrSubscriptionFailed),
		sterrors.Is(err, ErrSubscriptionTimeout),
		sterrors.Is(err, ErrPublishTimeout):
		return ExitBroker
	default:
		return ExitUnhandled
	}
}
