package buntree

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"users", "/users"},
		{"/users", "/users"},
		{"/users/", "/users"},
		{"users//u1", "/users/u1"},
		{"/a/b/c", "/a/b/c"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChildPath(t *testing.T) {
	tests := []struct{ base, seg, want string }{
		{"/", "a", "/a"},
		{"/a", "b", "/a/b"},
		{"/a", "/b/", "/a/b"},
		{"/a", "b/c", "/a/b/c"},
	}
	for _, tt := range tests {
		if got := childPath(tt.base, tt.seg); got != tt.want {
			t.Errorf("childPath(%q, %q) = %q, want %q", tt.base, tt.seg, got, tt.want)
		}
	}
}

func TestParentPath(t *testing.T) {
	if _, ok := parentPath("/"); ok {
		t.Errorf("root must have no parent")
	}
	if got, ok := parentPath("/a"); !ok || got != "/" {
		t.Errorf("parentPath(/a) = %q, %v", got, ok)
	}
	if got, ok := parentPath("/a/b/c"); !ok || got != "/a/b" {
		t.Errorf("parentPath(/a/b/c) = %q, %v", got, ok)
	}
}

func TestKeyOf(t *testing.T) {
	if got := keyOf("/"); got != "" {
		t.Errorf("keyOf(/) = %q", got)
	}
	if got := keyOf("/users/u1"); got != "u1" {
		t.Errorf("keyOf(/users/u1) = %q", got)
	}
}
