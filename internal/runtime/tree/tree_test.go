package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLaterLayerWins(t *testing.T) {
	defaults := Map{"a": 1}
	typed := Map{"a": 2, "b": 2}
	individual := Map{"a": 3}

	got := MergeAll(defaults, typed, individual)

	assert.Equal(t, Map{"a": 3, "b": 2}, got)
}

func TestMergeNestedMapsRecursively(t *testing.T) {
	dst := Map{"device": Map{"manufacturer": "MBTA", "model": "stop"}}
	src := Map{"device": Map{"model": "station", "sw_version": "1"}}

	got := Merge(dst, src)

	assert.Equal(t, Map{"device": Map{
		"manufacturer": "MBTA",
		"model":        "station",
		"sw_version":   "1",
	}}, got)
}

func TestMergeReplacesLists(t *testing.T) {
	dst := Map{"include": []any{"stop", "route"}}
	src := Map{"include": []any{"trip"}}

	got := Merge(dst, src)

	assert.Equal(t, []any{"trip"}, got["include"])
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	dst := Map{"nested": Map{"x": 1}}
	src := Map{"nested": Map{"y": 2}}

	got := Merge(dst, src)
	got["nested"].(Map)["z"] = 3

	assert.Equal(t, Map{"nested": Map{"x": 1}}, dst)
	assert.Equal(t, Map{"nested": Map{"y": 2}}, src)
}

func TestMergeScalarOverMap(t *testing.T) {
	got := Merge(Map{"device": Map{"name": "x"}}, Map{"device": false})
	assert.Equal(t, false, got["device"])
}

func TestCloneConvertsAnyKeyedMaps(t *testing.T) {
	in := map[any]any{1: "Station", "two": []any{map[any]any{3: "x"}}}

	out, ok := AsMap(in)

	require.True(t, ok)
	assert.Equal(t, "Station", out["1"])
	assert.Equal(t, []any{Map{"3": "x"}}, out["two"])
}

func TestLookup(t *testing.T) {
	v := Map{"relationships": Map{"route": Map{"data": Map{"id": "Red"}}}}

	got, ok := LookupString(v, "relationships", "route", "data", "id")
	require.True(t, ok)
	assert.Equal(t, "Red", got)

	_, ok = Lookup(v, "relationships", "stop", "data")
	assert.False(t, ok)

	_, ok = LookupString(v, "relationships", "route")
	assert.False(t, ok, "maps are not scalars")

	_, ok = LookupString(Map{"x": nil}, "x")
	assert.False(t, ok, "nil leaves are absent")
}

func TestKey(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"1", "1"},
		{1, "1"},
		{float64(1), "1"},
		{1.5, "1.5"},
		{int64(42), "42"},
		{true, "true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Key(tt.in), "Key(%#v)", tt.in)
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(Map{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy([]any{Map{"id": "A"}}))
	assert.True(t, Truthy(Map{"id": "A"}))
}
