// Package typeutil reads loosely typed JSON payloads, such as decoded model
// replies, without panicking on unexpected shapes.
package typeutil

import (
	"encoding/json"
	"math"
	"strconv"
)

// AsMap asserts value to map[string]any.
func AsMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok && m != nil
}

// AsString asserts value to string.
func AsString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// AsInt converts JSON numbers and numeric strings to int.
// Floats with a fractional part are rejected.
func AsInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// AsFloat converts JSON numbers to float64.
func AsFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// AsStringSlice accepts []string or []any of strings. A lone string becomes a one-element slice.
func AsStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// AsIntSlice accepts []int or []any of integer numbers.
func AsIntSlice(value any) ([]int, bool) {
	switch v := value.(type) {
	case []int:
		return v, true
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			n, ok := AsInt(item)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	}
	return nil, false
}

// String returns m[key] as a string, or def.
func String(m map[string]any, key, def string) string {
	if s, ok := AsString(m[key]); ok {
		return s
	}
	return def
}

// Int returns m[key] as an int, or def.
func Int(m map[string]any, key string, def int) int {
	if n, ok := AsInt(m[key]); ok {
		return n
	}
	return def
}

// Map returns m[key] as a map, or nil.
func Map(m map[string]any, key string) map[string]any {
	v, _ := AsMap(m[key])
	return v
}

// Strings returns m[key] as a string slice, or nil.
func Strings(m map[string]any, key string) []string {
	v, _ := AsStringSlice(m[key])
	return v
}
