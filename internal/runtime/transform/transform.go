// Package transform turns upstream resources into Home Assistant discovery,
// attribute and state payloads.
//
// Discovery payloads are layered: entity defaults, then the block for the
// resource type, then computed fields, then the per-id override block. The
// per-id block is applied last and always wins.
package transform

import (
	"sort"

	jsoncodec "github.com/drblury/mbta2mqtt/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/mbta2mqtt/internal/runtime/logging"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
)

const unknownState = "unknown"

// Config carries everything the transformer reads. Lookup tables left nil
// are treated as not configured.
type Config struct {
	NodeID          string
	DiscoveryPrefix string
	MQTTPrefix      string
	FriendlyPrefix  string
	// Server is the upstream base URL used to absolutise relationship links.
	Server string

	// Entity is the defaults layer. It must be a mapping.
	Entity any
	// Types holds one layer per resource type.
	Types tree.Map
	// Device is the template for the device block.
	Device any
	// Individual is keyed by type, then id.
	Individual any
	// Stops lists the stop ids whose entities are grouped into devices.
	Stops []string

	LocationTypes          map[string]string
	VehicleTypes           map[string]string
	RoutePatternTypicality map[string]string
}

// Payloads is everything published for one resource.
type Payloads struct {
	DiscoveryTopic  string
	StateTopic      string
	AttributesTopic string
	Discovery       tree.Map
	Attributes      tree.Map
	State           string
}

// EncodeDiscovery returns the discovery payload as JSON with sorted keys.
func (p Payloads) EncodeDiscovery() ([]byte, error) {
	return jsoncodec.Marshal(p.Discovery)
}

// EncodeAttributes returns the attribute payload as JSON with sorted keys.
func (p Payloads) EncodeAttributes() ([]byte, error) {
	return jsoncodec.Marshal(p.Attributes)
}

// Transformer is safe for concurrent use; it never mutates its config.
type Transformer struct {
	cfg   Config
	log   loggingpkg.ServiceLogger
	stops map[string]struct{}
}

// New returns a Transformer for cfg.
func New(cfg Config, log loggingpkg.ServiceLogger) *Transformer {
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	stops := make(map[string]struct{}, len(cfg.Stops))
	for _, s := range cfg.Stops {
		stops[s] = struct{}{}
	}
	return &Transformer{cfg: cfg, log: log, stops: stops}
}

// AvailabilityTopic is where online/offline is published.
func (t *Transformer) AvailabilityTopic() string {
	return t.cfg.MQTTPrefix + "/status"
}

// DiscoveryFilter is the wildcard matching every discovery topic of this node.
func (t *Transformer) DiscoveryFilter() string {
	return t.cfg.DiscoveryPrefix + "/+/" + t.cfg.NodeID + "/+/config"
}

// DiscoveryTopic returns the topic Transform would publish the discovery
// payload of ref to.
func (t *Transformer) DiscoveryTopic(ref resource.Ref) string {
	objectID := sanitizeObjectID(ruleFor(ref.Type).uniqueID(t, ref))
	if override, ok := tree.LookupString(t.individual(ref), "object_id"); ok {
		objectID = override
	}
	return t.discoveryTopic(objectID)
}

func (t *Transformer) discoveryTopic(objectID string) string {
	return t.cfg.DiscoveryPrefix + "/sensor/" + t.cfg.NodeID + "/" + objectID + "/config"
}

func (t *Transformer) entityTopic(ref resource.Ref, leaf string) string {
	return t.cfg.MQTTPrefix + "/" + ref.Type + "/" + ref.ID + "/" + leaf
}

// Transform derives every payload for r. It is deterministic for a fixed r
// and config.
func (t *Transformer) Transform(r resource.Resource) Payloads {
	ref := r.Ref()
	discovery := t.Discovery(r)
	attrs := t.Attributes(r)
	return Payloads{
		DiscoveryTopic:  t.discoveryTopic(tree.Key(discovery["object_id"])),
		StateTopic:      t.entityTopic(ref, "state"),
		AttributesTopic: t.entityTopic(ref, "attributes"),
		Discovery:       discovery,
		Attributes:      attrs,
		State:           ruleFor(r.Type).state(t, ref, attrs),
	}
}

// Discovery builds the discovery payload for r.
func (t *Transformer) Discovery(r resource.Resource) tree.Map {
	ref := r.Ref()
	rl := ruleFor(r.Type)

	defaults, ok := tree.AsMap(t.cfg.Entity)
	if !ok {
		t.log.Warn("Entity defaults are not a mapping, ignoring them", nil)
		defaults = tree.Map{}
	}
	payload := tree.Merge(tree.Map{}, defaults)
	if typed, ok := tree.AsMap(t.cfg.Types[r.Type]); ok {
		payload = tree.Merge(payload, typed)
	}

	uniqueID := rl.uniqueID(t, ref)
	payload["name"] = rl.name(t, r)
	payload["unique_id"] = uniqueID
	payload["object_id"] = sanitizeObjectID(uniqueID)
	payload["availability_topic"] = t.AvailabilityTopic()
	payload["state_topic"] = t.entityTopic(ref, "state")
	payload["json_attributes_topic"] = t.entityTopic(ref, "attributes")

	if device := t.device(r); device != nil {
		payload["device"] = device
	}

	if individual := t.individual(ref); individual != nil {
		t.log.Debug("Applying individual entity config", t.fields(ref))
		payload = tree.Merge(payload, individual)
	}
	return payload
}

// device returns the device block for stops and predictions at a filtered
// stop, or nil.
func (t *Transformer) device(r resource.Resource) tree.Map {
	template, ok := tree.AsMap(t.cfg.Device)
	if !ok {
		t.log.Trace("Device template is not a mapping, not creating devices", nil)
		return nil
	}

	var stopID string
	switch r.Type {
	case "stop":
		stopID = r.ID
	case "prediction":
		stopID, _ = tree.LookupString(r.Relationships, "stop", "data", "id")
	default:
		return nil
	}
	if _, tracked := t.stops[stopID]; !tracked || stopID == "" {
		return nil
	}

	fields := t.fields(r.Ref())
	fields["stop_id"] = stopID
	t.log.Debug("Associating resource with stop device", fields)

	device := tree.Merge(tree.Map{}, template)
	device["identifiers"] = "mbta stop " + stopID
	if r.Type == "stop" {
		device["name"] = t.stopLabel(r)
	}
	return device
}

func (t *Transformer) individual(ref resource.Ref) tree.Map {
	v, ok := tree.Lookup(t.cfg.Individual, ref.Type, ref.ID)
	if !ok {
		return nil
	}
	m, ok := tree.AsMap(v)
	if !ok {
		return nil
	}
	return m
}

// Attributes builds the flattened attribute payload for r.
func (t *Transformer) Attributes(r resource.Resource) tree.Map {
	ref := r.Ref()
	payload := tree.Merge(tree.Map{}, r.Attributes)

	if name, ok := payload["name"]; ok {
		payload[r.Type+"_name"] = name
		if _, ok := payload["long_name"]; !ok {
			payload["long_name"] = name
		}
	}

	t.resolveVehicleType(ref, payload)

	if r.Type == "route_pattern" && t.cfg.RoutePatternTypicality != nil {
		if code, ok := payload["typicality"]; ok {
			if label, ok := t.cfg.RoutePatternTypicality[tree.Key(code)]; ok {
				payload["typicality_desc"] = label
			} else {
				t.log.Debug("No mapping for route pattern typicality", loggingpkg.LogFields{"typicality": tree.Key(code)})
			}
		}
	}
	if r.Type == "stop" && t.cfg.LocationTypes != nil {
		if code, ok := payload["location_type"]; ok {
			if label, ok := t.cfg.LocationTypes[tree.Key(code)]; ok {
				payload["location_type"] = label
			} else {
				t.log.Debug("No mapping for location type", loggingpkg.LogFields{"location_type": tree.Key(code)})
			}
		}
	}

	t.flattenRelationships(r, payload)
	return payload
}

// resolveVehicleType labels the first of vehicle_type, route_type or, for
// routes, the raw type attribute. The raw route type is copied to
// route_type and the numeric type attribute is left in place.
func (t *Transformer) resolveVehicleType(ref resource.Ref, payload tree.Map) {
	if t.cfg.VehicleTypes == nil {
		return
	}
	var target string
	var code any
	if v, ok := payload["vehicle_type"]; ok {
		target, code = "vehicle_type", v
	} else if v, ok := payload["route_type"]; ok {
		target, code = "route_type", v
	} else if v, ok := payload["type"]; ok && ref.Type == "route" {
		target, code = "route_type", v
	} else {
		return
	}
	if label, ok := t.cfg.VehicleTypes[tree.Key(code)]; ok {
		payload[target] = label
		return
	}
	t.log.Debug("No mapping for vehicle type", loggingpkg.LogFields{"vehicle_type": tree.Key(code)})
}

func (t *Transformer) flattenRelationships(r resource.Resource, payload tree.Map) {
	names := make([]string, 0, len(r.Relationships))
	for name := range r.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel, ok := tree.AsMap(r.Relationships[name])
		if !ok {
			t.malformedRelationship(r, name)
			continue
		}
		if data, ok := rel["data"]; ok {
			if !tree.Truthy(data) {
				continue
			}
			if single, ok := tree.AsMap(data); ok {
				payload[name+"_id"] = single["id"]
				continue
			}
			if list, ok := tree.AsList(data); ok {
				ids := make([]any, 0, len(list))
				for _, item := range list {
					if id, ok := tree.Lookup(item, "id"); ok {
						ids = append(ids, id)
					}
				}
				payload[name+"_list"] = ids
				continue
			}
			t.malformedRelationship(r, name)
			continue
		}
		if link, ok := tree.LookupString(rel, "links", "related"); ok {
			payload[name+"_link"] = t.cfg.Server + link
			continue
		}
		t.malformedRelationship(r, name)
	}
}

func (t *Transformer) malformedRelationship(r resource.Resource, name string) {
	fields := t.fields(r.Ref())
	fields["relationship"] = name
	t.log.Warn("Skipping malformed relationship", fields)
}

func (t *Transformer) fields(ref resource.Ref) loggingpkg.LogFields {
	return loggingpkg.LogFields{"resource_type": ref.Type, "resource_id": ref.ID}
}
