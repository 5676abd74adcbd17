package cache

import (
	"path/filepath"
	"testing"
)

func TestPutGet_MemoryOnly(t *testing.T) {
	s, err := Open(8, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Put("/users", "limitToFirst:5", map[string]any{"a": 1.0}, 3)

	e, ok := s.Get("/users", "limitToFirst:5")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if e.Rev != 3 {
		t.Errorf("rev = %d, want 3", e.Rev)
	}
	if _, ok := s.Get("/users", ""); ok {
		t.Errorf("different query key must be a different entry")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(8, dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Put("/posts", "", map[string]any{"title": "hello"}, 12)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the entry must come back from sqlite.
	s2, err := Open(8, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	e, ok := s2.Get("/posts", "")
	if !ok {
		t.Fatalf("expected persisted entry")
	}
	if e.Rev != 12 {
		t.Errorf("rev = %d, want 12", e.Rev)
	}
	m, ok := e.Data.(map[string]any)
	if !ok || m["title"] != "hello" {
		t.Errorf("data = %#v", e.Data)
	}
}

func TestKeepSynced(t *testing.T) {
	s, err := Open(8, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Synced("/a") {
		t.Errorf("path must not start synced")
	}
	s.KeepSynced("/a", true)
	if !s.Synced("/a") {
		t.Errorf("path must be synced after KeepSynced(true)")
	}
	s.KeepSynced("/a", false)
	if s.Synced("/a") {
		t.Errorf("path must not be synced after KeepSynced(false)")
	}
}
