// Package framer splits a server-sent event stream into typed records.
//
// Records are separated by a blank line. Each record is expected to hold
// any number of ": keep-alive" comment lines followed by an "event: <name>"
// line and a single-line "data: <json>" body. Records that do not match,
// or whose body is not valid JSON, are logged and skipped; they never stop
// the stream.
package framer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	jsoncodec "github.com/drblury/mbta2mqtt/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
)

// DefaultMaxRecordSize bounds a single record. Reset events for busy stops
// carry the whole resource set in one data line.
const DefaultMaxRecordSize = 64 << 20

// Skip reasons passed to the skip hook.
const (
	ReasonMalformed = "malformed"
	ReasonBadJSON   = "bad_json"
)

var recordPattern = regexp.MustCompile(`^(?:: keep-alive\n)*event: (.*)\ndata: (.*)`)

// Record is one framed event.
type Record struct {
	Event string
	Data  []byte
	// Body is Data decoded into maps, lists and scalars.
	Body any
}

// Option customises a Framer.
type Option func(*Framer)

// WithMaxRecordSize overrides DefaultMaxRecordSize.
func WithMaxRecordSize(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.maxRecord = n
		}
	}
}

// WithSkipHook registers fn to be called with the reason for every skipped
// record.
func WithSkipHook(fn func(reason string)) Option {
	return func(f *Framer) {
		f.onSkip = fn
	}
}

// Framer reads records from a stream. It is not safe for concurrent use.
type Framer struct {
	scanner   *bufio.Scanner
	log       loggingpkg.ServiceLogger
	maxRecord int
	onSkip    func(string)
	current   Record
}

// New returns a Framer reading from r.
func New(r io.Reader, log loggingpkg.ServiceLogger, opts ...Option) *Framer {
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	f := &Framer{
		log:       log,
		maxRecord: DefaultMaxRecordSize,
	}
	for _, opt := range opts {
		opt(f)
	}

	f.scanner = bufio.NewScanner(r)
	f.scanner.Buffer(make([]byte, 0, 64*1024), f.maxRecord)
	f.scanner.Split(splitRecords)
	return f
}

// Scan advances to the next well-formed record. It returns false when the
// stream ends or fails; Err reports the failure.
func (f *Framer) Scan() bool {
	for f.scanner.Scan() {
		raw := bytes.ReplaceAll(f.scanner.Bytes(), []byte("\r\n"), []byte("\n"))
		if rec, ok := f.parse(raw); ok {
			f.current = rec
			return true
		}
	}
	return false
}

// Record returns the record produced by the last successful Scan.
func (f *Framer) Record() Record {
	return f.current
}

// Err returns the first non-EOF error from the underlying reader. A record
// larger than the configured maximum ends the stream with an error wrapping
// errors.ErrMalformedRecord.
func (f *Framer) Err() error {
	err := f.scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		return fmt.Errorf("%w: record exceeds %d bytes: %w", errspkg.ErrMalformedRecord, f.maxRecord, err)
	}
	return err
}

func (f *Framer) parse(raw []byte) (Record, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		f.log.Trace("Stream batch boundary", nil)
		return Record{}, false
	}
	if onlyComments(raw) {
		f.log.Trace("Stream keep-alive", nil)
		return Record{}, false
	}

	m := recordPattern.FindSubmatch(raw)
	if m == nil {
		f.log.Warn("Skipping unexpected record from event stream", nil)
		f.log.Debug("Unexpected record", loggingpkg.LogFields{"record": string(raw)})
		f.skip(ReasonMalformed)
		return Record{}, false
	}

	event := string(m[1])
	data := append([]byte(nil), m[2]...)
	f.log.Debug("Stream event", loggingpkg.LogFields{"event": event})
	f.log.Trace("Stream event body", loggingpkg.LogFields{"event": event, "data": string(data)})

	body, err := jsoncodec.UnmarshalAny(data)
	if err != nil {
		f.log.Warn("Event body is not valid JSON, skipping", loggingpkg.LogFields{
			"event": event,
			"error": err.Error(),
		})
		f.skip(ReasonBadJSON)
		return Record{}, false
	}

	return Record{Event: event, Data: data, Body: body}, true
}

func (f *Framer) skip(reason string) {
	if f.onSkip != nil {
		f.onSkip(reason)
	}
}

func onlyComments(raw []byte) bool {
	for _, line := range bytes.Split(bytes.TrimRight(raw, "\n"), []byte("\n")) {
		if len(line) == 0 || line[0] != ':' {
			return false
		}
	}
	return true
}

// splitRecords is a bufio.SplitFunc yielding the text between blank-line
// boundaries. A trailing record without a boundary is returned at EOF.
func splitRecords(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + 4, data[:crlf], nil
	case lf >= 0:
		return lf + 2, data[:lf], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
