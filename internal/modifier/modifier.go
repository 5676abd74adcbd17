// Package modifier implements the query-modifier model for buntree queries.
//
// A query is a path plus an ordered set of modifiers (order-by, limit,
// filter). Each modifier canonicalizes to a stable string form; the joined
// forms are the query's encoded key, which is the sole identity used for
// listener deduplication and as a wire argument to the native bridge.
package modifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidModifier  = errors.New("invalid query modifier")
	ErrUnsupportedValue = errors.New("unsupported filter value type")
)

// OrderKind selects the ordering applied to a query.
type OrderKind string

const (
	OrderByKey      OrderKind = "orderByKey"
	OrderByPriority OrderKind = "orderByPriority"
	OrderByValue    OrderKind = "orderByValue"
	OrderByChild    OrderKind = "orderByChild"
)

// LimitKind selects which end of the ordered result set a limit keeps.
type LimitKind string

const (
	LimitToFirst LimitKind = "limitToFirst"
	LimitToLast  LimitKind = "limitToLast"
)

// FilterKind selects a range or equality filter over the ordered result set.
type FilterKind string

const (
	EqualTo FilterKind = "equalTo"
	StartAt FilterKind = "startAt"
	EndAt   FilterKind = "endAt"
)

// Modifier is one ordering, limiting, or filtering directive.
type Modifier interface {
	// String returns the canonical wire form of the modifier. Identical
	// modifiers always produce identical strings.
	String() string
}

// OrderBy orders the query results. ChildKey is set only for OrderByChild.
type OrderBy struct {
	Kind     OrderKind
	ChildKey string
}

func (m OrderBy) String() string {
	if m.Kind == OrderByChild {
		return string(m.Kind) + ":" + escapeDelims(m.ChildKey)
	}
	return string(m.Kind)
}

// Limit restricts the query to Count results from one end.
type Limit struct {
	Kind  LimitKind
	Count int
}

func (m Limit) String() string {
	return string(m.Kind) + ":" + strconv.Itoa(m.Count)
}

// Filter restricts the query by value, optionally anchored to a child key.
type Filter struct {
	Kind   FilterKind
	Value  any
	Key    string
	HasKey bool
}

func (m Filter) String() string {
	s := string(m.Kind) + ":" + canonicalValue(m.Value)
	if m.HasKey {
		s += ":" + escapeDelims(m.Key)
	}
	return s
}

// delimEscaper backslash-escapes the characters that structure an encoded
// key, so caller-supplied strings cannot collide with modifier boundaries.
var delimEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, ":", `\:`)

func escapeDelims(s string) string {
	return delimEscaper.Replace(s)
}

// canonicalValue renders a filter value in its canonical string form:
// numbers as decimal, null as a literal sentinel, maps as canonical JSON
// (encoding/json sorts map keys, so the form is stable). String values are
// delimiter-escaped so they cannot forge additional modifiers.
func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case string:
		return escapeDelims(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return escapeDelims(fmt.Sprintf("%v", t))
		}
		return escapeDelims(string(b))
	}
}

// validFilterValue reports whether v is an allowed filter value: nil,
// boolean, number, string, or a string-keyed map.
func validFilterValue(v any) bool {
	switch v.(type) {
	case nil, bool, string,
		float64, float32,
		int, int64, int32, int16, int8,
		uint, uint64, uint32, uint16, uint8:
		return true
	case map[string]any:
		return true
	default:
		return false
	}
}
