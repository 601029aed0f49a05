package transform

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mbta2mqtt/internal/runtime/logging/logtest"
	"github.com/drblury/mbta2mqtt/internal/runtime/resource"
	"github.com/drblury/mbta2mqtt/internal/runtime/tree"
)

func baseConfig() Config {
	return Config{
		NodeID:          "mbta",
		DiscoveryPrefix: "homeassistant",
		MQTTPrefix:      "mbta2mqtt",
		Server:          "https://api-v3.mbta.com",
		Entity:          tree.Map{"icon": "mdi:bus", "enabled_by_default": true},
		LocationTypes:   map[string]string{"0": "Stop", "1": "Station"},
		VehicleTypes:    map[string]string{"0": "Light Rail", "1": "Subway", "3": "Bus"},
		RoutePatternTypicality: map[string]string{
			"1": "Typical",
			"2": "Deviation",
		},
	}
}

func harvard() resource.Resource {
	return resource.Resource{
		Type:       "stop",
		ID:         "70061",
		Attributes: tree.Map{"name": "Harvard", "location_type": float64(1)},
	}
}

func TestStopNameWithLocationLabel(t *testing.T) {
	tr := New(baseConfig(), nil)

	p := tr.Transform(harvard())

	assert.Equal(t, "Station 70061 (Harvard)", p.Discovery["name"])
	assert.Equal(t, "mbta_stop_70061", p.Discovery["unique_id"])
	assert.Equal(t, "mbta_stop_70061", p.Discovery["object_id"])
	assert.Equal(t, "homeassistant/sensor/mbta/mbta_stop_70061/config", p.DiscoveryTopic)
}

func TestStopNameVariants(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*Config)
		res    resource.Resource
		expect string
	}{
		{
			name:   "named station",
			res:    resource.Resource{Type: "stop", ID: "place-harsq", Attributes: tree.Map{"name": "Harvard", "location_type": 1}},
			expect: "Harvard Station",
		},
		{
			name:   "no location table",
			cfg:    func(c *Config) { c.LocationTypes = nil },
			res:    harvard(),
			expect: "70061 (Harvard)",
		},
		{
			name:   "unknown location code",
			res:    resource.Resource{Type: "stop", ID: "70061", Attributes: tree.Map{"name": "Harvard", "location_type": 9}},
			expect: "Unknown 70061 (Harvard)",
		},
		{
			name:   "friendly prefix",
			cfg:    func(c *Config) { c.FriendlyPrefix = "MBTA " },
			res:    resource.Resource{Type: "stop", ID: "place-davis", Attributes: tree.Map{"name": "Davis"}},
			expect: "MBTA Davis",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			p := New(cfg, nil).Transform(tt.res)
			assert.Equal(t, tt.expect, p.Discovery["name"])
		})
	}
}

func TestUnknownLocationTypeWarns(t *testing.T) {
	log := logtest.New()
	tr := New(baseConfig(), log)

	tr.Discovery(resource.Resource{Type: "stop", ID: "1", Attributes: tree.Map{"name": "X", "location_type": 7}})

	assert.Equal(t, 1, log.Count("warn", "Unknown location type"))
}

func TestNamingRules(t *testing.T) {
	tests := []struct {
		name     string
		res      resource.Resource
		wantName string
		wantUID  string
	}{
		{
			name:     "line",
			res:      resource.Resource{Type: "line", ID: "line-Red"},
			wantName: "Line Red",
			wantUID:  "mbta_line-Red",
		},
		{
			name: "prediction",
			res: resource.Resource{Type: "prediction", ID: "prediction-1-70061", Relationships: tree.Map{
				"route": tree.Map{"data": tree.Map{"id": "Red", "type": "route"}},
			}},
			wantName: "Red",
			wantUID:  "mbta_prediction-1-70061",
		},
		{
			name:     "schedule without route",
			res:      resource.Resource{Type: "schedule", ID: "s1"},
			wantName: "Schedule s1",
			wantUID:  "mbta_s1",
		},
		{
			name:     "generic",
			res:      resource.Resource{Type: "route_pattern", ID: "Red-1-0"},
			wantName: "Route pattern Red-1-0",
			wantUID:  "mbta_route_pattern_Red-1-0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(baseConfig(), nil).Discovery(tt.res)
			assert.Equal(t, tt.wantName, d["name"])
			assert.Equal(t, tt.wantUID, d["unique_id"])
		})
	}
}

func TestObjectIDReplacesWhitespace(t *testing.T) {
	d := New(baseConfig(), nil).Discovery(resource.Resource{Type: "service", ID: "Fall 2024\tWeekday"})

	assert.Equal(t, "mbta_service_Fall 2024\tWeekday", d["unique_id"])
	assert.Equal(t, "mbta_service_Fall_2024_Weekday", d["object_id"])
}

func TestDiscoveryTopicsAndAvailability(t *testing.T) {
	p := New(baseConfig(), nil).Transform(resource.Resource{Type: "trip", ID: "T1", Attributes: tree.Map{"headsign": "Alewife"}})

	assert.Equal(t, "mbta2mqtt/status", p.Discovery["availability_topic"])
	assert.Equal(t, "mbta2mqtt/trip/T1/state", p.Discovery["state_topic"])
	assert.Equal(t, "mbta2mqtt/trip/T1/attributes", p.Discovery["json_attributes_topic"])
	assert.Equal(t, "mbta2mqtt/trip/T1/state", p.StateTopic)
	assert.Equal(t, "mbta2mqtt/trip/T1/attributes", p.AttributesTopic)
	assert.Equal(t, "Alewife", p.State)
}

func TestOverrideLayering(t *testing.T) {
	cfg := baseConfig()
	cfg.Entity = tree.Map{"a": 1}
	cfg.Types = tree.Map{"trip": tree.Map{"a": 2, "b": 2}}
	cfg.Individual = tree.Map{"trip": tree.Map{"T1": tree.Map{"a": 3}}}

	d := New(cfg, nil).Discovery(resource.Resource{Type: "trip", ID: "T1"})

	assert.Equal(t, 3, d["a"])
	assert.Equal(t, 2, d["b"])
}

func TestIndividualLayerWinsOverComputedFields(t *testing.T) {
	cfg := baseConfig()
	cfg.Individual = tree.Map{"trip": tree.Map{"T1": tree.Map{"name": "My Train", "object_id": "my_train"}}}
	tr := New(cfg, nil)

	p := tr.Transform(resource.Resource{Type: "trip", ID: "T1"})

	assert.Equal(t, "My Train", p.Discovery["name"])
	assert.Equal(t, "homeassistant/sensor/mbta/my_train/config", p.DiscoveryTopic)
	assert.Equal(t, p.DiscoveryTopic, tr.DiscoveryTopic(resource.Ref{Type: "trip", ID: "T1"}))
}

func TestNonMappingDefaultsAreIgnored(t *testing.T) {
	cfg := baseConfig()
	cfg.Entity = []any{"nope"}
	log := logtest.New()

	d := New(cfg, log).Discovery(resource.Resource{Type: "trip", ID: "T1"})

	assert.Equal(t, "Trip T1", d["name"])
	assert.NotContains(t, d, "icon")
	assert.Equal(t, 1, log.Count("warn", "Entity defaults"))
}

func TestDefaultsAreNotMutated(t *testing.T) {
	cfg := baseConfig()
	defaults := tree.Map{"device_class": "timestamp"}
	cfg.Entity = defaults

	New(cfg, nil).Discovery(harvard())

	assert.Equal(t, tree.Map{"device_class": "timestamp"}, defaults)
}

func TestDiscoveryTopicMatchesTransform(t *testing.T) {
	tr := New(baseConfig(), nil)
	resources := []resource.Resource{
		harvard(),
		{Type: "line", ID: "line-Red"},
		{Type: "prediction", ID: "prediction-1", Relationships: tree.Map{"route": tree.Map{"data": tree.Map{"id": "1"}}}},
		{Type: "service", ID: "Fall 2024"},
	}
	for _, r := range resources {
		assert.Equal(t, tr.Transform(r).DiscoveryTopic, tr.DiscoveryTopic(r.Ref()), r.Ref().String())
	}
}

func TestDeviceAssociation(t *testing.T) {
	cfg := baseConfig()
	cfg.Stops = []string{"70061"}
	cfg.Device = tree.Map{"manufacturer": "MBTA"}
	tr := New(cfg, nil)

	stop := tr.Discovery(harvard())
	require.Contains(t, stop, "device")
	assert.Equal(t, tree.Map{
		"manufacturer": "MBTA",
		"identifiers":  "mbta stop 70061",
		"name":         "Station 70061 (Harvard)",
	}, stop["device"])

	prediction := tr.Discovery(resource.Resource{Type: "prediction", ID: "p1", Relationships: tree.Map{
		"route": tree.Map{"data": tree.Map{"id": "1"}},
		"stop":  tree.Map{"data": tree.Map{"id": "70061"}},
	}})
	assert.Equal(t, tree.Map{"manufacturer": "MBTA", "identifiers": "mbta stop 70061"}, prediction["device"])

	other := tr.Discovery(resource.Resource{Type: "prediction", ID: "p2", Relationships: tree.Map{
		"stop": tree.Map{"data": tree.Map{"id": "99999"}},
	}})
	assert.NotContains(t, other, "device")

	trip := tr.Discovery(resource.Resource{Type: "trip", ID: "70061"})
	assert.NotContains(t, trip, "device")

	assert.Equal(t, tree.Map{"manufacturer": "MBTA"}, cfg.Device, "template must not be mutated")
}

func TestDeviceTemplateMustBeMapping(t *testing.T) {
	cfg := baseConfig()
	cfg.Stops = []string{"70061"}
	cfg.Device = "not a map"

	d := New(cfg, nil).Discovery(harvard())

	assert.NotContains(t, d, "device")
}

func TestAttributesNameAndLongName(t *testing.T) {
	tr := New(baseConfig(), nil)

	attrs := tr.Attributes(harvard())
	assert.Equal(t, "Harvard", attrs["stop_name"])
	assert.Equal(t, "Harvard", attrs["long_name"])
	assert.Equal(t, "Station", attrs["location_type"])

	attrs = tr.Attributes(resource.Resource{Type: "route", ID: "Red", Attributes: tree.Map{"name": "Red", "long_name": "Red Line"}})
	assert.Equal(t, "Red Line", attrs["long_name"])
	assert.Equal(t, "Red", attrs["route_name"])
}

func TestAttributesVehicleTypePrecedence(t *testing.T) {
	tr := New(baseConfig(), nil)

	attrs := tr.Attributes(resource.Resource{Type: "trip", ID: "1", Attributes: tree.Map{"vehicle_type": float64(3), "route_type": float64(1)}})
	assert.Equal(t, "Bus", attrs["vehicle_type"])
	assert.Equal(t, float64(1), attrs["route_type"])

	attrs = tr.Attributes(resource.Resource{Type: "route", ID: "Red", Attributes: tree.Map{"type": float64(1)}})
	assert.Equal(t, "Subway", attrs["route_type"])
	assert.Equal(t, float64(1), attrs["type"])

	attrs = tr.Attributes(resource.Resource{Type: "facility", ID: "f", Attributes: tree.Map{"type": "ELEVATOR"}})
	assert.Equal(t, "ELEVATOR", attrs["type"])
	assert.NotContains(t, attrs, "route_type")

	attrs = tr.Attributes(resource.Resource{Type: "trip", ID: "2", Attributes: tree.Map{"route_type": float64(42)}})
	assert.Equal(t, float64(42), attrs["route_type"])
}

func TestAttributesRoutePatternTypicality(t *testing.T) {
	tr := New(baseConfig(), nil)

	p := tr.Transform(resource.Resource{Type: "route_pattern", ID: "Red-1-0", Attributes: tree.Map{
		"typicality": float64(2),
		"name":       "Alewife - Ashmont",
		"time_desc":  "",
	}})

	assert.Equal(t, "Deviation", p.Attributes["typicality_desc"])
	assert.Equal(t, "Deviation", p.State)
}

func TestRelationshipFlattening(t *testing.T) {
	log := logtest.New()
	tr := New(baseConfig(), log)

	attrs := tr.Attributes(resource.Resource{
		Type: "trip",
		ID:   "T1",
		Relationships: tree.Map{
			"route":    tree.Map{"data": tree.Map{"id": "Red", "type": "route"}},
			"stops":    tree.Map{"data": []any{tree.Map{"id": "A"}, tree.Map{"id": "B"}}},
			"shape":    tree.Map{"links": tree.Map{"related": "/shapes/931_0009"}},
			"vehicle":  tree.Map{"data": nil},
			"service":  tree.Map{"data": "weird"},
			"occupant": tree.Map{},
		},
	})

	assert.Equal(t, "Red", attrs["route_id"])
	assert.Equal(t, []any{"A", "B"}, attrs["stops_list"])
	assert.Equal(t, "https://api-v3.mbta.com/shapes/931_0009", attrs["shape_link"])
	assert.NotContains(t, attrs, "vehicle_id")
	assert.NotContains(t, attrs, "service_id")
	assert.NotContains(t, attrs, "occupant_link")
	assert.Equal(t, 2, log.Count("warn", "malformed relationship"))
}

func TestStateRules(t *testing.T) {
	tests := []struct {
		name  string
		res   resource.Resource
		state string
	}{
		{"alert", resource.Resource{Type: "alert", ID: "1", Attributes: tree.Map{"service_effect": "Red Line delay"}}, "Red Line delay"},
		{"facility", resource.Resource{Type: "facility", ID: "1", Attributes: tree.Map{"long_name": "Elevator 1"}}, "Elevator 1"},
		{"line", resource.Resource{Type: "line", ID: "line-Red", Attributes: tree.Map{"long_name": "Red Line"}}, "Red Line"},
		{"stop uses name", harvard(), "Harvard"},
		{"prediction departure", resource.Resource{Type: "prediction", ID: "1", Attributes: tree.Map{"departure_time": "2024-01-01T08:05:00", "arrival_time": "2024-01-01T08:00:00"}}, "2024-01-01T08:05:00"},
		{"prediction arrival", resource.Resource{Type: "prediction", ID: "1", Attributes: tree.Map{"departure_time": nil, "arrival_time": "2024-01-01T08:00:00"}}, "2024-01-01T08:00:00"},
		{"prediction neither", resource.Resource{Type: "prediction", ID: "1", Attributes: tree.Map{}}, "unknown"},
		{"route_pattern time_desc", resource.Resource{Type: "route_pattern", ID: "1", Attributes: tree.Map{"time_desc": "Weekdays only"}}, "Weekdays only"},
		{"route_pattern long_name", resource.Resource{Type: "route_pattern", ID: "1", Attributes: tree.Map{"name": "A - B"}}, "A - B"},
		{"service", resource.Resource{Type: "service", ID: "1", Attributes: tree.Map{"description": "Weekday schedule", "rating_description": "Fall"}}, "Weekday schedule (Fall)"},
		{"shape", resource.Resource{Type: "shape", ID: "1"}, "polyline"},
		{"trip", resource.Resource{Type: "trip", ID: "1", Attributes: tree.Map{"headsign": "Ashmont"}}, "Ashmont"},
		{"vehicle", resource.Resource{Type: "vehicle", ID: "1", Attributes: tree.Map{"current_status": "STOPPED_AT"}}, "STOPPED_AT"},
		{"vehicle missing status", resource.Resource{Type: "vehicle", ID: "1"}, "unknown"},
		{"other", resource.Resource{Type: "occupancy", ID: "1"}, "see attributes"},
	}
	tr := New(baseConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.state, tr.Transform(tt.res).State)
		})
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.Stops = []string{"70061"}
	cfg.Device = tree.Map{"manufacturer": "MBTA", "model": "Stop"}
	tr := New(cfg, nil)
	r := harvard()
	r.Relationships = tree.Map{
		"parent_station": tree.Map{"data": tree.Map{"id": "place-harsq"}},
		"child_stops":    tree.Map{"data": []any{tree.Map{"id": "1"}, tree.Map{"id": "2"}}},
	}

	first := tr.Transform(r)
	d1, err := first.EncodeDiscovery()
	require.NoError(t, err)
	a1, err := first.EncodeAttributes()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again := tr.Transform(r)
			d2, err := again.EncodeDiscovery()
			assert.NoError(t, err)
			a2, err := again.EncodeAttributes()
			assert.NoError(t, err)
			assert.Equal(t, d1, d2)
			assert.Equal(t, a1, a2)
			assert.Equal(t, first.State, again.State)
		}()
	}
	wg.Wait()
}

func TestFiltersAndAvailability(t *testing.T) {
	tr := New(baseConfig(), nil)

	assert.Equal(t, "homeassistant/+/mbta/+/config", tr.DiscoveryFilter())
	assert.Equal(t, "mbta2mqtt/status", tr.AvailabilityTopic())
}
