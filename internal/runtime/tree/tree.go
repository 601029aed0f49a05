// Package tree holds the small value-tree helpers shared by configuration
// layering and payload construction. Trees are built from Map, []any and
// scalar leaves, the shapes produced by decoding YAML or JSON into any.
package tree

import (
	"fmt"
	"math"
	"strconv"
)

// Map is a mapping node of a value tree.
type Map = map[string]any

// Merge returns a new map holding dst overlaid with src. Keys present in both
// take the value from src, except when both values are maps, in which case
// they are merged recursively. Lists are replaced, never concatenated.
// Neither input is modified.
func Merge(dst, src Map) Map {
	out := make(Map, len(dst)+len(src))
	for k, v := range dst {
		out[k] = Clone(v)
	}
	for k, v := range src {
		srcMap, srcIsMap := AsMap(v)
		dstMap, dstIsMap := AsMap(out[k])
		if srcIsMap && dstIsMap {
			out[k] = Merge(dstMap, srcMap)
			continue
		}
		out[k] = Clone(v)
	}
	return out
}

// MergeAll folds layers left to right with Merge. Nil layers are skipped.
func MergeAll(layers ...Map) Map {
	out := Map{}
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		out = Merge(out, layer)
	}
	return out
}

// Clone deep-copies maps and lists. Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case Map:
		out := make(Map, len(t))
		for k, inner := range t {
			out[k] = Clone(inner)
		}
		return out
	case map[any]any:
		out := make(Map, len(t))
		for k, inner := range t {
			out[Key(k)] = Clone(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = Clone(inner)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = inner
		}
		return out
	default:
		return v
	}
}

// AsMap reports whether v is a mapping node and returns it as a Map.
func AsMap(v any) (Map, bool) {
	switch t := v.(type) {
	case Map:
		return t, true
	case map[any]any:
		m, _ := Clone(t).(Map)
		return m, true
	default:
		return nil, false
	}
}

// AsList reports whether v is a sequence node.
func AsList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		l, _ := Clone(t).([]any)
		return l, true
	default:
		return nil, false
	}
}

// Lookup walks path through nested maps.
func Lookup(v any, path ...string) (any, bool) {
	cur := v
	for _, key := range path {
		m, ok := AsMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// LookupString walks path and returns the leaf when it is a non-nil scalar.
func LookupString(v any, path ...string) (string, bool) {
	leaf, ok := Lookup(v, path...)
	if !ok || leaf == nil {
		return "", false
	}
	switch leaf.(type) {
	case Map, map[any]any, []any:
		return "", false
	}
	return Key(leaf), true
}

// Key renders a scalar in the canonical form used for lookup-table keys and
// string interpolation. Integral floats drop their fraction so that JSON
// numbers and YAML integers resolve to the same key.
func Key(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return Key(float64(t))
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Truthy follows the usual dynamic-language notion of an empty value: nil,
// "", false, zero numbers, and empty lists or maps are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case Map:
		return len(t) > 0
	case map[any]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
