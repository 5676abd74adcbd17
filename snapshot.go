package buntree

import "sort"

// Snapshot is an immutable view of a query result at one point in time,
// bound to the Reference that produced it.
type Snapshot struct {
	ref  *Reference
	data any
}

func newSnapshot(ref *Reference, data any) *Snapshot {
	return &Snapshot{ref: ref, data: data}
}

// Ref returns the Reference this snapshot was read through.
func (s *Snapshot) Ref() *Reference {
	return s.ref
}

// Key returns the key of the snapshot's location.
func (s *Snapshot) Key() string {
	return s.ref.Key()
}

// Val returns the raw value, or nil when the node does not exist.
func (s *Snapshot) Val() any {
	return s.data
}

// Exists reports whether the node holds any data.
func (s *Snapshot) Exists() bool {
	return s.data != nil
}

// Child returns the snapshot of a child location. Missing children yield
// an empty snapshot, not nil.
func (s *Snapshot) Child(segment string) *Snapshot {
	child := &Snapshot{ref: s.ref.Child(segment)}
	if m, ok := s.data.(map[string]any); ok {
		child.data = m[segment]
	}
	return child
}

// HasChild reports whether the named child exists.
func (s *Snapshot) HasChild(segment string) bool {
	m, ok := s.data.(map[string]any)
	if !ok {
		return false
	}
	_, exists := m[segment]
	return exists
}

// NumChildren returns the number of children.
func (s *Snapshot) NumChildren() int {
	m, ok := s.data.(map[string]any)
	if !ok {
		return 0
	}
	return len(m)
}

// ForEach visits each child in key order. Returning false stops iteration.
func (s *Snapshot) ForEach(fn func(child *Snapshot) bool) {
	m, ok := s.data.(map[string]any)
	if !ok {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(s.Child(k)) {
			return
		}
	}
}
