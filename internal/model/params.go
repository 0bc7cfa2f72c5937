package model

import (
	"maps"
	"strconv"
	"strings"
)

// Params is the structured context passed with an action. Values come from
// Go callers, JSON bodies and YAML, so getters coerce defensively.
// Keys may be dotted paths into nested maps ("proposed_driver.eta").
type Params map[string]any

// Lookup resolves a dotted path.
func (p Params) Lookup(path string) (any, bool) {
	if p == nil {
		return nil, false
	}
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Params:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Float returns the numeric value at path.
func (p Params) Float(path string) (float64, bool) {
	v, ok := p.Lookup(path)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Int returns the numeric value at path truncated to int.
func (p Params) Int(path string) (int, bool) {
	f, ok := p.Float(path)
	return int(f), ok
}

// String returns the string value at path.
func (p Params) String(path string) (string, bool) {
	v, ok := p.Lookup(path)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case Severity:
		return string(s), true
	case DriverStatus:
		return string(s), true
	case OrderStatus:
		return string(s), true
	default:
		return "", false
	}
}

// Clone returns a shallow copy safe to retain after the caller mutates p.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	return maps.Clone(p)
}

// Without returns a copy of p minus the given keys.
func (p Params) Without(keys ...string) Params {
	out := p.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
