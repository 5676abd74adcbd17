package buntree

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/buntree/internal/bridge"
)

// fakeTransport records calls and plays back configured responses.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	lastSet   any
	lastPath  string
	pushKey   string
	onceData  any
	onceRev   int64
	onceErr   error
	casPlan   []casStep // consumed in order by CompareAndSet
	casValues []any

	onceEntered chan struct{} // signalled when a Once call starts
	onceGate    chan struct{} // Once blocks until closed, when non-nil
}

type casStep struct {
	committed bool
	data      any
	rev       int64
}

func (f *fakeTransport) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeTransport) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Set(ctx context.Context, path string, value any) error {
	f.record("set")
	f.mu.Lock()
	f.lastPath, f.lastSet = path, value
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Update(ctx context.Context, path string, value map[string]any) error {
	f.record("update")
	return nil
}

func (f *fakeTransport) Remove(ctx context.Context, path string) error {
	f.record("remove")
	return nil
}

func (f *fakeTransport) Push(ctx context.Context, path string, value any) (string, error) {
	f.record("push")
	return f.pushKey, nil
}

func (f *fakeTransport) Once(ctx context.Context, path, key string, modifiers []string, event string) (any, int64, error) {
	f.record("once")
	if f.onceEntered != nil {
		select {
		case f.onceEntered <- struct{}{}:
		default:
		}
	}
	if f.onceGate != nil {
		<-f.onceGate
	}
	return f.onceData, f.onceRev, f.onceErr
}

func (f *fakeTransport) KeepSynced(ctx context.Context, path string, keep bool) error {
	f.record("keep_synced")
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context, path, op string, value any) error {
	f.record("disconnect_" + op)
	return nil
}

func (f *fakeTransport) CompareAndSet(ctx context.Context, path string, expectedRev int64, value any) (bool, any, int64, error) {
	f.record("cas")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casValues = append(f.casValues, value)
	if len(f.casPlan) == 0 {
		return true, value, expectedRev + 1, nil
	}
	step := f.casPlan[0]
	f.casPlan = f.casPlan[1:]
	return step.committed, step.data, step.rev, nil
}

func (f *fakeTransport) ServerTimeOffset() time.Duration { return 0 }

type nopStreamer struct{}

func (nopStreamer) Listen(path, key string, mods []string) error { return nil }
func (nopStreamer) Unlisten(path, key string) error              { return nil }

func newTestDB(t *testing.T, tr Transport) *Database {
	t.Helper()
	db, err := newDatabase(tr, nopStreamer{}, Options{})
	if err != nil {
		t.Fatalf("newDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFluentBuilders_DoNotMutateReceiver(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})
	base := db.Ref("/users")

	derived := base.OrderByChild("age").LimitToFirst(5).EqualTo(30, "uid1")

	if got := base.EncodedKey(); got != "" {
		t.Errorf("base encoded key mutated: %q", got)
	}
	if base.String() != "/users" {
		t.Errorf("base path mutated: %q", base)
	}
	want := "orderByChild:age|limitToFirst:5|equalTo:30:uid1"
	if got := derived.EncodedKey(); got != want {
		t.Errorf("derived key = %q, want %q", got, want)
	}
}

func TestBuilder_InvalidModifierPoisonsNewReference(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)
	base := db.Ref("/users")

	bad := base.OrderByChild("")
	if !errors.Is(bad.Err(), ErrInvalidModifier) {
		t.Fatalf("expected carried ErrInvalidModifier, got %v", bad.Err())
	}
	if base.Err() != nil {
		t.Errorf("receiver must stay valid, got %v", base.Err())
	}

	// The poison surfaces from operations before the bridge is touched.
	if err := bad.Set(context.Background(), 1); !errors.Is(err, ErrInvalidModifier) {
		t.Errorf("Set on poisoned ref = %v", err)
	}
	if tr.callCount("set") != 0 {
		t.Errorf("poisoned ref must never reach the transport")
	}
}

func TestChildParentRoot(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})
	root := db.Ref("/")

	if root.Parent() != nil {
		t.Errorf("root must have no parent")
	}
	child := root.Child("a")
	if child.String() != "/a" {
		t.Errorf("child path = %q, want /a", child)
	}
	grand := child.Child("b")
	if got := grand.Parent().String(); got != child.String() {
		t.Errorf("parent of %q = %q, want %q", grand, got, child)
	}
	if got := grand.Root().String(); got != "/" {
		t.Errorf("root path = %q", got)
	}
}

func TestChild_DoesNotInheritModifiers(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})
	q := db.Ref("/users").OrderByKey().LimitToLast(3)

	if got := q.Child("u1").EncodedKey(); got != "" {
		t.Errorf("child must start with empty modifiers, got %q", got)
	}
}

func TestPush_NilValueIsLocalAndOrdered(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)
	ref := db.Ref("/messages")

	a, err := ref.Push(context.Background(), nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	b, err := ref.Push(context.Background(), nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if tr.callCount("push") != 0 {
		t.Errorf("nil-value push must not cross the transport")
	}
	if a.Key() == b.Key() {
		t.Errorf("push ids must be distinct: %q", a.Key())
	}
	if b.Key() <= a.Key() {
		t.Errorf("push ids must increase lexically: %q then %q", a.Key(), b.Key())
	}
}

func TestPush_WithValueReturnsChildRef(t *testing.T) {
	tr := &fakeTransport{pushKey: "-Nabc123"}
	db := newTestDB(t, tr)

	child, err := db.Ref("/messages").Push(context.Background(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if child.String() != "/messages/-Nabc123" {
		t.Errorf("child path = %q", child)
	}
	if tr.callCount("push") != 1 {
		t.Errorf("push calls = %d, want 1", tr.callCount("push"))
	}
}

func TestSet_SendsEnvelope(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)

	if err := db.Ref("/flag").Set(context.Background(), true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	env, ok := tr.lastSet.(wireValue)
	if !ok {
		t.Fatalf("transport received %T, want wireValue", tr.lastSet)
	}
	if env.Type != "boolean" || env.Value != true {
		t.Errorf("envelope = %+v", env)
	}
}

func TestOn_NilCallback(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})

	if _, err := db.Ref("/a").On(EventValue, nil, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
}

func TestOnOff_LeavesNoRegistration(t *testing.T) {
	db := newTestDB(t, &fakeTransport{})
	ref := db.Ref("/users").OrderByKey()

	l, err := ref.On(EventValue, func(*Snapshot) {}, nil)
	if err != nil {
		t.Fatalf("On: %v", err)
	}
	ref.Off(EventValue, l)

	if got := db.registry.Count(ref.String(), ref.EncodedKey(), string(EventValue)); got != 0 {
		t.Errorf("registrations after Off = %d, want 0", got)
	}
}

func TestOnce_MapsTransportError(t *testing.T) {
	raw := &bridge.Error{Code: "permission-denied", Message: "no"}
	tr := &fakeTransport{onceErr: raw}
	db := newTestDB(t, tr)

	_, err := db.Ref("/secret").Once(context.Background(), EventValue)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if te.Code != "permission-denied" {
		t.Errorf("code = %q", te.Code)
	}
	if !errors.Is(err, raw) {
		t.Errorf("mapped error must wrap the raw bridge error")
	}
}

func TestOnce_ServesCacheWhenUnavailable(t *testing.T) {
	tr := &fakeTransport{onceData: map[string]any{"n": 1.0}}
	db := newTestDB(t, tr)
	ref := db.Ref("/counters")

	if _, err := ref.Once(context.Background(), EventValue); err != nil {
		t.Fatalf("Once: %v", err)
	}

	tr.onceErr = errors.New("dial unix: connection refused")
	snap, err := ref.Once(context.Background(), EventValue)
	if err != nil {
		t.Fatalf("expected cached snapshot, got %v", err)
	}
	if !snap.HasChild("n") {
		t.Errorf("cached snapshot = %#v", snap.Val())
	}

	// A different query identity has no cache entry and must fail.
	if _, err := ref.LimitToFirst(1).Once(context.Background(), EventValue); err == nil {
		t.Errorf("uncached identity must surface the transport error")
	}
}

func TestKeepSynced_PinsCache(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)

	if err := db.Ref("/feed").KeepSynced(context.Background(), true); err != nil {
		t.Fatalf("KeepSynced: %v", err)
	}
	if !db.cache.Synced("/feed") {
		t.Errorf("path must be marked synced")
	}
	if tr.callCount("keep_synced") != 1 {
		t.Errorf("keep_synced calls = %d", tr.callCount("keep_synced"))
	}
}

func TestOnDisconnect_ScopedToPath(t *testing.T) {
	tr := &fakeTransport{}
	db := newTestDB(t, tr)

	d := db.Ref("/status/u1").OnDisconnect()
	if err := d.Set(context.Background(), "offline"); err != nil {
		t.Fatalf("Disconnect.Set: %v", err)
	}
	if err := d.Cancel(context.Background()); err != nil {
		t.Fatalf("Disconnect.Cancel: %v", err)
	}
	if tr.callCount("disconnect_set") != 1 || tr.callCount("disconnect_cancel") != 1 {
		t.Errorf("disconnect calls = %v", tr.calls)
	}
}
