// Package regcodec implements the registry's text serialization: JSON
// with a lossy symbol-tagging escape, and YAML-backed scalar encoding so
// integers, floats, booleans, dates, and times survive a round trip
// through JSON's untyped number/string representation. See spec.md §4.C.
package regcodec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Symbol represents a Ruby-style symbolic atom (":name"). Round-tripping
// through JSON is lossy by design: a plain string that happens to start
// with ':' decodes back as a Symbol too, the tradeoff spec.md §4.C
// accepts rather than reinventing a typed wire format.
type Symbol string

func (s Symbol) tag() string {
	return ":" + string(s)
}

// symbolPattern matches a JSON string produced by tagging a symbol, or
// any plain string that happens to begin with a colon.
var symbolPattern = regexp.MustCompile(`^:([^"]+)$`)

// Encode serializes v into the registry wire format. v is built from nil,
// bool, int, int64, float64, string, Symbol, time.Time, map[string]any,
// and []any.
func Encode(v any) ([]byte, error) {
	tree, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("regcodec: failed to marshal json; %w", err)
	}
	return data, nil
}

func encodeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Symbol:
		return t.tag(), nil
	case string:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ev, err := encodeValue(val)
			if err != nil {
				return nil, fmt.Errorf("regcodec: failed to encode key %q; %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			ev, err := encodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("regcodec: failed to encode index %d; %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	default:
		// Every other scalar (bool, int, int64, float64, time.Time, ...)
		// is YAML-encoded so its exact type survives the trip through
		// JSON's untyped number representation.
		data, err := yaml.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("regcodec: failed to yaml-encode scalar %v (%T); %w", t, t, err)
		}
		return strings.TrimSuffix(string(data), "\n"), nil
	}
}

// Decode parses a registry wire payload back into a generic value tree:
// map[string]any, []any, string, Symbol, bool, int (int64 or uint64 for
// values outside int's range), float64, or time.Time.
func Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("regcodec: failed to unmarshal json; %w", err)
	}
	return decodeValue(tree), nil
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = decodeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = decodeValue(item)
		}
		return out
	case string:
		return decodeScalar(t)
	default:
		return t
	}
}

// decodeScalar recovers a symbol or a YAML-typed scalar from a JSON
// string. A string that neither matches the symbol pattern nor parses to
// anything richer than a string is returned unchanged, per spec.md §4.C's
// "deserialization of an unparseable string returns the raw string
// unchanged."
func decodeScalar(s string) any {
	if m := symbolPattern.FindStringSubmatch(s); m != nil {
		return Symbol(m[1])
	}

	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case string, nil:
		// yaml.v3 hands timestamps to an `any` target as plain strings;
		// Encode writes time.Time as RFC 3339, so recover it here.
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return s
	default:
		return v
	}
}
