package buntree

import (
	"encoding/json"
	"fmt"
)

// wireValue is the tagged envelope crossing the bridge: the type tag lets
// the native side reconstruct the value's type.
type wireValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// normalizeValue prepares a value for transport. Primitives pass through
// unchanged. Everything else (maps, slices, structs, values with custom
// JSON forms such as times) is normalized by a marshal/unmarshal round
// trip. The round trip is deliberately lossy: only JSON-representable
// structure survives.
func normalizeValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string,
		float64, float32,
		int, int64, int32, int16, int8,
		uint, uint64, uint32, uint16, uint8:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return out, nil
}

// envelope wraps a value in its wire form. nil carries the "null" tag, not
// "object": only mappings are objects.
func envelope(v any) (wireValue, error) {
	norm, err := normalizeValue(v)
	if err != nil {
		return wireValue{}, err
	}
	switch norm.(type) {
	case nil:
		return wireValue{Type: "null", Value: nil}, nil
	case bool:
		return wireValue{Type: "boolean", Value: norm}, nil
	case string:
		return wireValue{Type: "string", Value: norm}, nil
	case map[string]any:
		return wireValue{Type: "object", Value: norm}, nil
	case []any:
		return wireValue{Type: "array", Value: norm}, nil
	default:
		// Remaining normalized forms are numeric.
		return wireValue{Type: "number", Value: norm}, nil
	}
}
