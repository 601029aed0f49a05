// Package resource models the JSON:API resources and lifecycle events carried
// by the upstream stream.
package resource

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	errspkg "github.com/drblury/mbta2mqtt/internal/runtime/errors"
	"github.com/drblury/mbta2mqtt/internal/runtime/framer"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
)

// Kind names an upstream event.
type Kind string

const (
	KindReset   Kind = "reset"
	KindAdd     Kind = "add"
	KindUpdate  Kind = "update"
	KindRemove  Kind = "remove"
	KindError   Kind = "error"
	KindUnknown Kind = "unknown"
)

// Resource is one upstream entity.
type Resource struct {
	Type          string   `json:"type"`
	ID            string   `json:"id"`
	Attributes    tree.Map `json:"attributes"`
	Relationships tree.Map `json:"relationships"`
}

// Ref identifies a resource without its body.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return r.Type + " " + r.ID
}

// Ref returns the identity of r.
func (r Resource) Ref() Ref {
	return Ref{Type: r.Type, ID: r.ID}
}

// UpstreamError is the first entry of an upstream error event.
type UpstreamError struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%v: %s (%s)", errspkg.ErrUpstreamError, e.Code, e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return errspkg.ErrUpstreamError
}

// Event is a decoded stream record. Which fields are set depends on Kind.
type Event struct {
	Kind Kind
	// Name is the raw event name as it appeared on the stream.
	Name      string
	Resources []Resource
	Resource  Resource
	Ref       Ref
	Error     *UpstreamError
}

// Decode interprets a framed record. A body whose shape does not fit the
// event name yields an error wrapping errors.ErrMalformedEvent.
func Decode(rec framer.Record) (Event, error) {
	ev := Event{Kind: Kind(rec.Event), Name: rec.Event}

	switch ev.Kind {
	case KindReset:
		list, ok := tree.AsList(rec.Body)
		if !ok {
			return ev, malformed(rec.Event, "expected a list of resources")
		}
		ev.Resources = make([]Resource, 0, len(list))
		for i, item := range list {
			r, err := decodeResource(item)
			if err != nil {
				return ev, malformed(rec.Event, fmt.Sprintf("entry %d: %v", i, err))
			}
			ev.Resources = append(ev.Resources, r)
		}
	case KindAdd, KindUpdate:
		r, err := decodeResource(rec.Body)
		if err != nil {
			return ev, malformed(rec.Event, err.Error())
		}
		ev.Resource = r
	case KindRemove:
		var ref Ref
		if err := decode(rec.Body, &ref); err != nil {
			return ev, malformed(rec.Event, err.Error())
		}
		if ref.Type == "" || ref.ID == "" {
			return ev, malformed(rec.Event, "type and id are required")
		}
		ev.Ref = ref
	case KindError:
		ev.Error = decodeUpstreamError(rec.Body)
	default:
		ev.Kind = KindUnknown
	}
	return ev, nil
}

func decodeResource(body any) (Resource, error) {
	var r Resource
	if _, ok := tree.AsMap(body); !ok {
		return r, fmt.Errorf("expected an object, got %T", body)
	}
	if err := decode(body, &r); err != nil {
		return r, err
	}
	if r.Type == "" || r.ID == "" {
		return r, fmt.Errorf("type and id are required")
	}
	if r.Attributes == nil {
		r.Attributes = tree.Map{}
	}
	return r, nil
}

// decodeUpstreamError never fails: an error event is fatal whatever its
// body looks like, so unreadable bodies still produce a value.
func decodeUpstreamError(body any) *UpstreamError {
	out := &UpstreamError{Code: "unknown", Status: "unknown"}
	var envelope struct {
		Errors []UpstreamError `json:"errors"`
	}
	if err := decode(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		if first.Code != "" {
			out.Code = first.Code
		}
		if first.Status != "" {
			out.Status = first.Status
		}
		out.Detail = first.Detail
	}
	return out
}

func decode(input, output any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func malformed(event, reason string) error {
	return fmt.Errorf("%w: %s: %s", errspkg.ErrMalformedEvent, event, reason)
}
