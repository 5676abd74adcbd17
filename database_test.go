package buntree

import (
	"context"
	"errors"
	"testing"
)

const userSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age":  {"type": "number", "minimum": 0}
	},
	"required": ["name"]
}`

func TestRegisterSchema_RejectsInvalidWrite(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)
	if err := db.RegisterSchema("/users", userSchema); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	err := db.Ref("/users/u1").Set(context.Background(), map[string]any{"age": -1})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
	if tr.callCount("set") != 0 {
		t.Errorf("rejected write must not cross the transport")
	}

	if err := db.Ref("/users/u1").Set(context.Background(), map[string]any{"name": "ada", "age": 36}); err != nil {
		t.Fatalf("valid write rejected: %v", err)
	}
	if tr.callCount("set") != 1 {
		t.Errorf("set calls = %d, want 1", tr.callCount("set"))
	}
}

func TestRegisterSchema_LongestPrefixWins(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})
	if err := db.RegisterSchema("/", `{"type": "object"}`); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := db.RegisterSchema("/notes", `{"type": "string"}`); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	// /notes is covered by the string schema, not the root object schema.
	if err := db.Ref("/notes/n1").Set(context.Background(), "plain text"); err != nil {
		t.Fatalf("string under /notes rejected: %v", err)
	}
	if err := db.Ref("/other").Set(context.Background(), "plain text"); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("root schema must cover /other, got %v", err)
	}
}

func TestRegisterSchema_BadSchema(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})
	if err := db.RegisterSchema("/x", `{"type": 7}`); err == nil {
		t.Errorf("expected compile error for malformed schema")
	}
}

func TestUpdate_RejectsNilMap(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)

	err := db.Ref("/users/u1").Update(context.Background(), nil)
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
	if tr.callCount("update") != 0 {
		t.Errorf("rejected update must not cross the transport")
	}
}

func TestSnapshot_Traversal(t *testing.T) {
	tr := &fakeTransport{onceData: map[string]any{
		"a": map[string]any{"n": 1.0},
		"b": 2.0,
		"c": 3.0,
	}}
	db := newTestDB(t, tr)

	snap, err := db.Ref("/root").Once(context.Background(), EventValue)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if !snap.Exists() {
		t.Fatalf("snapshot must exist")
	}
	if got := snap.NumChildren(); got != 3 {
		t.Errorf("NumChildren = %d, want 3", got)
	}
	if got := snap.Child("a").Child("n").Val(); got != 1.0 {
		t.Errorf("a/n = %v, want 1", got)
	}
	if snap.Child("missing").Exists() {
		t.Errorf("missing child must not exist")
	}

	var order []string
	snap.ForEach(func(child *Snapshot) bool {
		order = append(order, child.Key())
		return true
	})
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("iteration order = %v, want sorted keys", order)
	}

	// Returning false stops iteration early.
	n := 0
	snap.ForEach(func(*Snapshot) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("early stop visited %d children, want 1", n)
	}
}
