// Package upstream opens the server-sent event stream of the transit API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
)

const (
	DefaultAPIKeyHeader   = "X-API-Key"
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 60 * time.Second
)

// Config describes the stream request.
type Config struct {
	Server       string
	Endpoint     string
	APIKey       string
	APIKeyHeader string
	Stops        []string
	Include      []string
	// ConnectTimeout bounds dialing, TLS and waiting for response headers.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for each read from the open stream.
	ReadTimeout time.Duration
	UserAgent   string
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%v: %s", errspkg.ErrUpstreamStatus, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return errspkg.ErrUpstreamStatus
}

// Client opens the event stream.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client for cfg, filling unset timeouts and the key header
// with their defaults.
func New(cfg Config) *Client {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		// Compressed streams buffer and defeat the idle read timeout.
		DisableCompression: true,
	}
	return &Client{cfg: cfg, http: &http.Client{Transport: transport}}
}

// URL returns the stream URL. Values are query-escaped one by one and joined
// with literal commas, which is the list syntax the API expects.
func (c *Client) URL() string {
	var b strings.Builder
	b.WriteString(c.cfg.Server)
	b.WriteString(c.cfg.Endpoint)
	b.WriteString("?filter[stop]=")
	b.WriteString(joinEscaped(c.cfg.Stops))
	if len(c.cfg.Include) > 0 {
		b.WriteString("&include=")
		b.WriteString(joinEscaped(c.cfg.Include))
	}
	return b.String()
}

func joinEscaped(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = url.QueryEscape(v)
	}
	return strings.Join(escaped, ",")
}

// Open issues the request and returns the streaming body. The returned
// reader fails with errors.ErrStreamTimeout when a read stalls longer than
// the read timeout. Closing it ends the request.
func (c *Client) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", errspkg.ErrStreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", errspkg.ErrStreamClosed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return newIdleReader(resp.Body, c.cfg.ReadTimeout), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

// idleReader closes the underlying body when a single Read takes longer
// than timeout, which unblocks the reader with an error.
type idleReader struct {
	body    io.ReadCloser
	timeout time.Duration

	mu       sync.Mutex
	timedOut bool
	closed   bool
}

func newIdleReader(body io.ReadCloser, timeout time.Duration) *idleReader {
	return &idleReader{body: body, timeout: timeout}
}

func (r *idleReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		r.timedOut = true
		r.mu.Unlock()
		_ = r.body.Close()
	})
	n, err := r.body.Read(p)
	timer.Stop()
	if err == nil {
		return n, nil
	}

	r.mu.Lock()
	timedOut, closed := r.timedOut, r.closed
	r.mu.Unlock()
	switch {
	case timedOut:
		return n, fmt.Errorf("%w after %s", errspkg.ErrStreamTimeout, r.timeout)
	case closed, errors.Is(err, io.EOF):
		return n, err
	case isTimeout(err):
		return n, fmt.Errorf("%w: %v", errspkg.ErrStreamTimeout, err)
	default:
		return n, fmt.Errorf("%w: %v", errspkg.ErrStreamClosed, err)
	}
}

func (r *idleReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.body.Close()
}
