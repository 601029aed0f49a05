package transform

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
)

// rule holds the per-type behaviour of the transformer. Nil fields fall back
// to the generic rule.
type rule struct {
	name     func(t *Transformer, r resource.Resource) string
	uniqueID func(t *Transformer, ref resource.Ref) string
	state    func(t *Transformer, ref resource.Ref, attrs tree.Map) string
}

var rules = map[string]rule{
	"alert":    {state: attrState("service_effect")},
	"facility": {state: attrState("long_name")},
	"line": {
		name: func(t *Transformer, r resource.Resource) string {
			return t.cfg.FriendlyPrefix + titleCase(strings.ReplaceAll(r.ID, "-", " "))
		},
		uniqueID: nodeScopedID,
		state:    attrState("long_name"),
	},
	"prediction": {name: routeName, uniqueID: nodeScopedID, state: timeState},
	"schedule":   {name: routeName, uniqueID: nodeScopedID, state: timeState},
	"route":      {state: attrState("long_name")},
	"route_pattern": {
		state: func(t *Transformer, ref resource.Ref, attrs tree.Map) string {
			if v, ok := tree.LookupString(attrs, "time_desc"); ok && v != "" {
				return v
			}
			if v, ok := tree.LookupString(attrs, "typicality_desc"); ok {
				return v
			}
			return t.stateAttr(ref, attrs, "long_name")
		},
	},
	"service": {
		state: func(t *Transformer, ref resource.Ref, attrs tree.Map) string {
			return t.stateAttr(ref, attrs, "description") + " (" + t.stateAttr(ref, attrs, "rating_description") + ")"
		},
	},
	"shape": {state: constState("polyline")},
	"stop": {
		name:  func(t *Transformer, r resource.Resource) string { return t.stopLabel(r) },
		state: attrState("long_name"),
	},
	"trip":    {state: attrState("headsign")},
	"vehicle": {state: attrState("current_status")},
}

func ruleFor(typ string) rule {
	r := rules[typ]
	if r.name == nil {
		r.name = genericName
	}
	if r.uniqueID == nil {
		r.uniqueID = typeScopedID
	}
	if r.state == nil {
		r.state = constState("see attributes")
	}
	return r
}

func genericName(t *Transformer, r resource.Resource) string {
	return t.cfg.FriendlyPrefix + capitalize(strings.ReplaceAll(r.Type, "_", " ")) + " " + r.ID
}

// routeName names predictions and schedules after their route, which is
// what riders read on the platform display.
func routeName(t *Transformer, r resource.Resource) string {
	route, ok := tree.LookupString(r.Relationships, "route", "data", "id")
	if !ok || route == "" {
		t.log.Warn("Resource has no route relationship, using generic name", t.fields(r.Ref()))
		return genericName(t, r)
	}
	return route
}

func nodeScopedID(t *Transformer, ref resource.Ref) string {
	return t.cfg.NodeID + "_" + ref.ID
}

func typeScopedID(t *Transformer, ref resource.Ref) string {
	return t.cfg.NodeID + "_" + ref.Type + "_" + ref.ID
}

func attrState(key string) func(*Transformer, resource.Ref, tree.Map) string {
	return func(t *Transformer, ref resource.Ref, attrs tree.Map) string {
		return t.stateAttr(ref, attrs, key)
	}
}

func constState(v string) func(*Transformer, resource.Ref, tree.Map) string {
	return func(*Transformer, resource.Ref, tree.Map) string { return v }
}

func timeState(_ *Transformer, _ resource.Ref, attrs tree.Map) string {
	for _, key := range []string{"departure_time", "arrival_time"} {
		if v, ok := tree.LookupString(attrs, key); ok && v != "" {
			return v
		}
	}
	return unknownState
}

// stopLabel renders the display name shared by stop sensors and their
// device. Numeric ids are bus stops, where the number is what riders know.
func (t *Transformer) stopLabel(r resource.Resource) string {
	label := t.locationLabel(r)
	name, ok := tree.LookupString(r.Attributes, "name")
	if !ok {
		name = r.ID
	}
	if isNumeric(r.ID) {
		parts := []string{label, r.ID}
		if ok {
			parts = append(parts, "("+name+")")
		}
		return t.cfg.FriendlyPrefix + joinNonEmpty(parts...)
	}
	return t.cfg.FriendlyPrefix + joinNonEmpty(name, label)
}

func (t *Transformer) locationLabel(r resource.Resource) string {
	code, present := r.Attributes["location_type"]
	if !present || t.cfg.LocationTypes == nil {
		return ""
	}
	if label, ok := t.cfg.LocationTypes[tree.Key(code)]; ok {
		return label
	}
	fields := t.fields(r.Ref())
	fields["location_type"] = tree.Key(code)
	t.log.Warn("Unknown location type", fields)
	return "Unknown"
}

func (t *Transformer) stateAttr(ref resource.Ref, attrs tree.Map, key string) string {
	if v, ok := tree.LookupString(attrs, key); ok {
		return v
	}
	fields := t.fields(ref)
	fields["attribute"] = key
	t.log.Debug("State attribute missing", fields)
	return unknownState
}

// titleCase builds a fresh caser per call; casers are not safe for
// concurrent use.
func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

func capitalize(s string) string {
	runes := []rune(strings.ToLower(s))
	if len(runes) == 0 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsNumber(r) {
			return false
		}
	}
	return true
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func sanitizeObjectID(uniqueID string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, uniqueID)
}
