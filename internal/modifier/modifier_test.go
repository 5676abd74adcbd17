package modifier

import (
	"errors"
	"testing"
)

func TestSetOrderBy_ChildRequiresKey(t *testing.T) {
	s := NewSet()
	err := s.SetOrderBy(OrderByChild, "")
	if !errors.Is(err, ErrInvalidModifier) {
		t.Fatalf("expected ErrInvalidModifier, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("failed SetOrderBy must not modify the set, len=%d", s.Len())
	}
}

func TestSetOrderBy_LastCallWins(t *testing.T) {
	s := NewSet()
	if err := s.SetOrderBy(OrderByKey, ""); err != nil {
		t.Fatalf("SetOrderBy: %v", err)
	}
	if err := s.SetLimit(LimitToFirst, 10); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if err := s.SetOrderBy(OrderByChild, "age"); err != nil {
		t.Fatalf("SetOrderBy: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 modifiers after overwrite, got %d", s.Len())
	}
	if got := s.Encode(); got != "orderByChild:age|limitToFirst:10" {
		t.Errorf("unexpected key: %q", got)
	}
}

func TestSetLimit_NegativeCount(t *testing.T) {
	s := NewSet()
	if err := s.SetLimit(LimitToLast, -1); !errors.Is(err, ErrInvalidModifier) {
		t.Fatalf("expected ErrInvalidModifier, got %v", err)
	}
}

func TestSetFilter_Accumulates(t *testing.T) {
	s := NewSet()
	if err := s.SetFilter(StartAt, 10); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if err := s.SetFilter(EndAt, 20); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("filters must accumulate, len=%d", s.Len())
	}
}

func TestSetFilter_UnsupportedValue(t *testing.T) {
	s := NewSet()
	err := s.SetFilter(EqualTo, []int{1, 2})
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	build := func() *Set {
		s := NewSet()
		if err := s.SetOrderBy(OrderByChild, "age"); err != nil {
			t.Fatalf("SetOrderBy: %v", err)
		}
		if err := s.SetLimit(LimitToFirst, 5); err != nil {
			t.Fatalf("SetLimit: %v", err)
		}
		if err := s.SetFilter(EqualTo, 30, "uid1"); err != nil {
			t.Fatalf("SetFilter: %v", err)
		}
		return s
	}
	a, b := build(), build()
	if a.Encode() != b.Encode() {
		t.Errorf("identical sets must encode identically: %q vs %q", a.Encode(), b.Encode())
	}
	if got, want := a.Encode(), "orderByChild:age|limitToFirst:5|equalTo:30:uid1"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestEncode_EmptySet(t *testing.T) {
	if got := NewSet().Encode(); got != "" {
		t.Errorf("empty set must encode to empty string, got %q", got)
	}
}

func TestCanonicalValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{float64(2.5), "2.5"},
		{float64(30), "30"},
		{"hello", "hello"},
		{"a|b:c", `a\|b\:c`},
		{`a\b`, `a\\b`},
		{map[string]any{"b": 1.0, "a": "x"}, `{"a"\:"x","b"\:1}`},
	}
	for _, c := range cases {
		if got := canonicalValue(c.in); got != c.want {
			t.Errorf("canonicalValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEncode_DelimitersInValuesKeepIdentitiesDistinct(t *testing.T) {
	forged := NewSet()
	if err := forged.SetFilter(EqualTo, "a|limitToFirst:1"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}

	honest := NewSet()
	if err := honest.SetFilter(EqualTo, "a"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if err := honest.SetLimit(LimitToFirst, 1); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}

	if forged.Encode() == honest.Encode() {
		t.Fatalf("distinct sets must not share an encoded key: %q", forged.Encode())
	}
	if got, want := forged.Encode(), `equalTo:a\|limitToFirst\:1`; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestClone_Independent(t *testing.T) {
	s := NewSet()
	if err := s.SetOrderBy(OrderByValue, ""); err != nil {
		t.Fatalf("SetOrderBy: %v", err)
	}
	c := s.Clone()
	if err := c.SetLimit(LimitToLast, 3); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("mutating a clone must not touch the original, len=%d", s.Len())
	}
	if c.Len() != 2 {
		t.Errorf("clone len = %d, want 2", c.Len())
	}
}
