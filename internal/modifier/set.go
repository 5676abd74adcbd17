package modifier

import "fmt"

// Set is an insertion-ordered collection of modifiers. A Set attached to a
// reference is never mutated again: fluent builders clone the Set before
// applying exactly one mutation, so prior references stay unaffected.
type Set struct {
	mods []Modifier
}

// NewSet returns an empty modifier set.
func NewSet() *Set {
	return &Set{}
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{mods: make([]Modifier, len(s.mods))}
	copy(c.mods, s.mods)
	return c
}

// Len returns the number of modifiers in the set.
func (s *Set) Len() int {
	return len(s.mods)
}

// SetOrderBy appends or replaces the order-by modifier. Last call wins: at
// most one ordering is meaningful per query.
func (s *Set) SetOrderBy(kind OrderKind, childKey string) error {
	switch kind {
	case OrderByKey, OrderByPriority, OrderByValue:
		childKey = ""
	case OrderByChild:
		if childKey == "" {
			return fmt.Errorf("%w: orderByChild requires a child key", ErrInvalidModifier)
		}
	default:
		return fmt.Errorf("%w: unknown order kind %q", ErrInvalidModifier, kind)
	}
	m := OrderBy{Kind: kind, ChildKey: childKey}
	for i, existing := range s.mods {
		if _, ok := existing.(OrderBy); ok {
			s.mods[i] = m
			return nil
		}
	}
	s.mods = append(s.mods, m)
	return nil
}

// SetLimit appends or replaces the limit modifier. Last call wins.
func (s *Set) SetLimit(kind LimitKind, count int) error {
	switch kind {
	case LimitToFirst, LimitToLast:
	default:
		return fmt.Errorf("%w: unknown limit kind %q", ErrInvalidModifier, kind)
	}
	if count < 0 {
		return fmt.Errorf("%w: limit count must be non-negative, got %d", ErrInvalidModifier, count)
	}
	m := Limit{Kind: kind, Count: count}
	for i, existing := range s.mods {
		if _, ok := existing.(Limit); ok {
			s.mods[i] = m
			return nil
		}
	}
	s.mods = append(s.mods, m)
	return nil
}

// SetFilter appends a filter modifier. Filters accumulate; the upstream
// store decides whether a combination is meaningful.
func (s *Set) SetFilter(kind FilterKind, value any, key ...string) error {
	switch kind {
	case EqualTo, StartAt, EndAt:
	default:
		return fmt.Errorf("%w: unknown filter kind %q", ErrInvalidModifier, kind)
	}
	if !validFilterValue(value) {
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	m := Filter{Kind: kind, Value: value}
	if len(key) > 0 {
		m.Key = key[0]
		m.HasKey = true
	}
	s.mods = append(s.mods, m)
	return nil
}

// Modifiers returns the ordered modifiers. The returned slice is a copy.
func (s *Set) Modifiers() []Modifier {
	out := make([]Modifier, len(s.mods))
	copy(out, s.mods)
	return out
}

// Strings returns the transport-ready representation: the canonical string
// of each modifier in insertion order. This is passed verbatim across the
// bridge.
func (s *Set) Strings() []string {
	out := make([]string, len(s.mods))
	for i, m := range s.mods {
		out[i] = m.String()
	}
	return out
}

// Encode returns the set's encoded key: the canonical modifier strings
// joined by "|". An empty set encodes to the empty string. Identical sets
// always encode identically; the key is the identity that matches an Off
// call to the On call that registered a listener, and that decides whether
// two equivalent queries share one native subscription.
func (s *Set) Encode() string {
	if len(s.mods) == 0 {
		return ""
	}
	key := s.mods[0].String()
	for _, m := range s.mods[1:] {
		key += "|" + m.String()
	}
	return key
}
