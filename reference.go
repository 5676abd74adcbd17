package buntree

import (
	"context"
	"fmt"

	"github.com/kartikbazzad/bunbase/buntree/internal/modifier"
	"github.com/kartikbazzad/bunbase/buntree/internal/prometrics"
)

// Reference is an immutable handle on a path plus an attached query. Every
// fluent builder copies the modifier set before applying its one change and
// returns a new Reference; a Reference handed to a caller never changes.
//
// Builder validation failures poison the returned Reference rather than the
// receiver: Err exposes the failure immediately, and every operation
// returns it before the bridge is touched, so construction errors never
// surface through the transport channel.
type Reference struct {
	db   *Database
	path string
	mods *modifier.Set
	err  error
}

// Err returns the validation error carried by this Reference, if any.
func (r *Reference) Err() error {
	return r.err
}

// String returns the Reference's path.
func (r *Reference) String() string {
	return r.path
}

// Key returns the last segment of the path, or "" at the root.
func (r *Reference) Key() string {
	return keyOf(r.path)
}

// EncodedKey returns the deterministic identity of the attached query: the
// canonical modifier strings joined in call order. Two References with the
// same path and encoded key address the same query and share native
// subscriptions.
func (r *Reference) EncodedKey() string {
	return r.modset().Encode()
}

func (r *Reference) modset() *modifier.Set {
	if r.mods == nil {
		return modifier.NewSet()
	}
	return r.mods
}

// withModifier clones the modifier set, applies one mutation, and wraps the
// result in a new Reference. The receiver is never touched.
func (r *Reference) withModifier(apply func(*modifier.Set) error) *Reference {
	if r.err != nil {
		return r
	}
	clone := r.modset().Clone()
	if err := apply(clone); err != nil {
		return &Reference{db: r.db, path: r.path, mods: r.mods, err: err}
	}
	return &Reference{db: r.db, path: r.path, mods: clone}
}

// OrderByKey orders results by child key.
func (r *Reference) OrderByKey() *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetOrderBy(modifier.OrderByKey, "")
	})
}

// OrderByPriority orders results by priority.
func (r *Reference) OrderByPriority() *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetOrderBy(modifier.OrderByPriority, "")
	})
}

// OrderByValue orders results by value.
func (r *Reference) OrderByValue() *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetOrderBy(modifier.OrderByValue, "")
	})
}

// OrderByChild orders results by the named child key. An empty key poisons
// the returned Reference with ErrInvalidModifier.
func (r *Reference) OrderByChild(childKey string) *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetOrderBy(modifier.OrderByChild, childKey)
	})
}

// LimitToFirst keeps the first n results.
func (r *Reference) LimitToFirst(n int) *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetLimit(modifier.LimitToFirst, n)
	})
}

// LimitToLast keeps the last n results.
func (r *Reference) LimitToLast(n int) *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetLimit(modifier.LimitToLast, n)
	})
}

// EqualTo filters to results whose ordered value equals value, optionally
// anchored to a child key.
func (r *Reference) EqualTo(value any, key ...string) *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetFilter(modifier.EqualTo, value, key...)
	})
}

// StartAt filters to results at or after value.
func (r *Reference) StartAt(value any, key ...string) *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetFilter(modifier.StartAt, value, key...)
	})
}

// EndAt filters to results at or before value.
func (r *Reference) EndAt(value any, key ...string) *Reference {
	return r.withModifier(func(s *modifier.Set) error {
		return s.SetFilter(modifier.EndAt, value, key...)
	})
}

// Child returns a Reference to the named child. Modifiers are not
// inherited: the child starts with an empty set.
func (r *Reference) Child(segment string) *Reference {
	return &Reference{db: r.db, path: childPath(r.path, segment)}
}

// Parent returns the parent Reference, or nil at the root. Modifiers are
// not carried.
func (r *Reference) Parent() *Reference {
	p, ok := parentPath(r.path)
	if !ok {
		return nil
	}
	return &Reference{db: r.db, path: p}
}

// Root returns a Reference to the tree root.
func (r *Reference) Root() *Reference {
	return &Reference{db: r.db, path: "/"}
}

// Set writes value at this path, replacing the current node. The value is
// normalized and wrapped in its wire envelope; a schema registered over
// this path validates it first.
func (r *Reference) Set(ctx context.Context, value any) error {
	if r.err != nil {
		return r.err
	}
	env, err := envelope(value)
	if err != nil {
		return err
	}
	if err := r.db.validateWrite(r.path, env.Value); err != nil {
		return err
	}
	err = mapTransportError(r.db.transport.Set(ctx, r.path, env))
	prometrics.IncOp("set", err)
	return err
}

// Update merges the children of value into this path.
func (r *Reference) Update(ctx context.Context, value map[string]any) error {
	if r.err != nil {
		return r.err
	}
	if value == nil {
		return fmt.Errorf("%w: update value must be non-nil", ErrUnsupportedValue)
	}
	norm, err := normalizeValue(value)
	if err != nil {
		return err
	}
	m, ok := norm.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: update value must be a mapping", ErrUnsupportedValue)
	}
	if err := r.db.validateWrite(r.path, m); err != nil {
		return err
	}
	err = mapTransportError(r.db.transport.Update(ctx, r.path, m))
	prometrics.IncOp("update", err)
	return err
}

// Remove deletes the node at this path.
func (r *Reference) Remove(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	err := mapTransportError(r.db.transport.Remove(ctx, r.path))
	prometrics.IncOp("remove", err)
	return err
}

// Push names a new child. With a nil value this is purely local: the child
// is named by a push ID seeded with the server-time offset and no bridge
// call is made. With a value, the write crosses the bridge and the
// Reference of the stored child is returned.
func (r *Reference) Push(ctx context.Context, value any) (*Reference, error) {
	if r.err != nil {
		return nil, r.err
	}
	if value == nil {
		id, err := r.db.pushGen.Next()
		if err != nil {
			return nil, err
		}
		return r.Child(id), nil
	}

	env, err := envelope(value)
	if err != nil {
		return nil, err
	}
	key, err := r.db.transport.Push(ctx, r.path, env)
	prometrics.IncOp("push", err)
	if err != nil {
		return nil, mapTransportError(err)
	}
	return r.Child(key), nil
}

// On registers a listener for event on this query. The first listener for
// a (path, encoded key) pair opens the native subscription; equivalent
// queries share it. The returned handle identifies this registration for
// Off. cb must be non-nil; errCb, if given, receives the terminal error of
// a cancelled subscription.
func (r *Reference) On(event EventType, cb func(*Snapshot), errCb func(error)) (*Listener, error) {
	if r.err != nil {
		return nil, r.err
	}
	if cb == nil {
		return nil, ErrNilCallback
	}

	var wrappedErr func(error)
	if errCb != nil {
		wrappedErr = errCb
	}
	l, err := r.db.registry.On(r.path, r.EncodedKey(), r.modset().Strings(), string(event),
		func(data any) { cb(newSnapshot(r, data)) },
		wrappedErr,
	)
	if err != nil {
		return nil, mapTransportError(err)
	}
	prometrics.SetListeners(r.db.registry.Total())
	return l, nil
}

// Off removes listeners for this query identity. An empty event removes
// all event types; a nil handle removes every listener for the event type.
// Off stops future delivery only; it does not cancel in-flight reads.
func (r *Reference) Off(event EventType, l *Listener) {
	r.db.registry.Off(r.path, r.EncodedKey(), string(event), l)
	prometrics.SetListeners(r.db.registry.Total())
}

// Once reads this query a single time. When the bridge is unreachable and
// the snapshot cache holds an entry for this query identity, the cached
// snapshot is served instead.
func (r *Reference) Once(ctx context.Context, event EventType) (*Snapshot, error) {
	if r.err != nil {
		return nil, r.err
	}
	if event == "" {
		event = EventValue
	}
	key := r.EncodedKey()
	data, rev, err := r.db.transport.Once(ctx, r.path, key, r.modset().Strings(), string(event))
	prometrics.IncOp("once", err)
	if err != nil {
		mapped := mapTransportError(err)
		if IsUnavailable(mapped) {
			if e, ok := r.db.cache.Get(r.path, key); ok {
				r.db.logger.Debug("serving once from cache", "path", r.path, "key", key)
				return newSnapshot(r, e.Data), nil
			}
		}
		return nil, mapped
	}
	r.db.cache.Put(r.path, key, data, rev)
	return newSnapshot(r, data), nil
}

// KeepSynced asks the server to keep this path synchronized and pins its
// cache entries.
func (r *Reference) KeepSynced(ctx context.Context, keep bool) error {
	if r.err != nil {
		return r.err
	}
	err := mapTransportError(r.db.transport.KeepSynced(ctx, r.path, keep))
	prometrics.IncOp("keep_synced", err)
	if err == nil {
		r.db.cache.KeepSynced(r.path, keep)
	}
	return err
}

// Transaction atomically transforms the node at this path. fn receives the
// current value (nil when the node does not exist) and returns the new
// value, or ok=false to abort. Transactions are serialized through the
// database's queue and retried on conflict; the result reports whether the
// write committed and carries a snapshot of the final value. applyLocally
// raises an optimistic local value event before the server acknowledges.
func (r *Reference) Transaction(ctx context.Context, fn TransactionFn, applyLocally bool) (*TransactionResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	if fn == nil {
		return nil, ErrNilTransaction
	}
	return r.db.txq.run(ctx, r, fn, applyLocally)
}

// OnDisconnect returns the disconnect handle scoped to this path.
func (r *Reference) OnDisconnect() *Disconnect {
	return &Disconnect{db: r.db, path: r.path}
}
