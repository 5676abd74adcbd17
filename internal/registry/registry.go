// Package registry tracks active listeners for buntree queries. Listeners
// are keyed by (path, encoded query key, event type); the registry owns the
// only mutable listener state in the SDK and enforces one native
// subscription per distinct (path, key) pair regardless of how many
// callbacks are attached.
package registry

import (
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Callback receives the raw snapshot payload for an event.
type Callback func(data any)

// ErrCallback receives a listen failure for the query the listener watches.
type ErrCallback func(err error)

// Listener is the registration handle returned by On. It is the identity
// used to remove one specific registration.
type Listener struct {
	path  string
	key   string
	event string
	cb    Callback
	errCb ErrCallback
}

// Streamer controls the native subscription for a query identity. Listen is
// called when the first listener for (path, key) is added, Unlisten when
// the last one is removed.
type Streamer interface {
	Listen(path, key string, modifiers []string) error
	Unlisten(path, key string) error
}

type entryKey struct {
	path  string
	key   string
	event string
}

type watchKey struct {
	path string
	key  string
}

// watchState tracks one native subscription. ready is closed once the
// opening Listen call has settled; err holds its failure, if any, so
// listeners that piggybacked on the open see the same outcome.
type watchState struct {
	count int
	ready chan struct{}
	err   error
}

// Registry maps query identities to listener sets and fans events out to
// them on a bounded worker pool.
type Registry struct {
	mu       sync.RWMutex
	entries  map[entryKey][]*Listener
	watchers map[watchKey]*watchState
	streamer Streamer
	pool     *ants.Pool
	logger   *slog.Logger
}

// New creates a registry dispatching callbacks on a pool of poolSize
// workers.
func New(streamer Streamer, poolSize int, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(v any) {
		logger.Error("listener callback panic", "panic", v)
	}))
	if err != nil {
		return nil, err
	}
	return &Registry{
		entries:  make(map[entryKey][]*Listener),
		watchers: make(map[watchKey]*watchState),
		streamer: streamer,
		pool:     pool,
		logger:   logger,
	}, nil
}

// On registers a listener. The first listener for a (path, key) pair opens
// the native subscription; registering more listeners for the same identity
// shares it. modifiers is the transport-ready modifier list forwarded to
// the native layer when the subscription is opened.
func (r *Registry) On(path, key string, modifiers []string, event string, cb Callback, errCb ErrCallback) (*Listener, error) {
	l := &Listener{path: path, key: key, event: event, cb: cb, errCb: errCb}
	wk := watchKey{path: path, key: key}

	r.mu.Lock()
	ek := entryKey{path: path, key: key, event: event}
	r.entries[ek] = append(r.entries[ek], l)
	ws := r.watchers[wk]
	first := ws == nil
	if first {
		ws = &watchState{ready: make(chan struct{})}
		r.watchers[wk] = ws
	}
	ws.count++
	r.mu.Unlock()

	if first {
		err := r.streamer.Listen(path, key, modifiers)
		r.mu.Lock()
		if err != nil {
			ws.err = err
			r.dropWatchLocked(wk)
		}
		close(ws.ready)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	// Another goroutine is opening the subscription; share its outcome.
	<-ws.ready
	if ws.err != nil {
		return nil, ws.err
	}
	return l, nil
}

// dropWatchLocked removes every listener for (path, key) and forgets the
// subscription. Caller holds the write lock.
func (r *Registry) dropWatchLocked(wk watchKey) {
	for ek := range r.entries {
		if ek.path == wk.path && ek.key == wk.key {
			delete(r.entries, ek)
		}
	}
	delete(r.watchers, wk)
}

// Off removes listeners for a query identity. An empty event removes all
// event types for (path, key); a nil listener removes every listener for
// the event type. Removal never disturbs listeners on other identities.
func (r *Registry) Off(path, key, event string, l *Listener) {
	r.mu.Lock()
	var closed []watchKey
	for ek := range r.entries {
		if ek.path != path || ek.key != key {
			continue
		}
		if event != "" && ek.event != event {
			continue
		}
		if l != nil {
			if r.removeLocked(ek, l) && r.watcherClosedLocked(path, key) {
				closed = append(closed, watchKey{path, key})
			}
			continue
		}
		n := len(r.entries[ek])
		delete(r.entries, ek)
		wk := watchKey{path, key}
		if ws := r.watchers[wk]; ws != nil {
			ws.count -= n
			if ws.count <= 0 {
				delete(r.watchers, wk)
				closed = append(closed, wk)
			}
		}
	}
	r.mu.Unlock()

	for _, wk := range dedupWatchKeys(closed) {
		if err := r.streamer.Unlisten(wk.path, wk.key); err != nil {
			r.logger.Warn("unlisten failed", "path", wk.path, "key", wk.key, "err", err)
		}
	}
}

// removeLocked removes one listener and reports whether it was present.
func (r *Registry) removeLocked(ek entryKey, target *Listener) bool {
	list := r.entries[ek]
	for i, entry := range list {
		if entry == target {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(r.entries, ek)
			} else {
				r.entries[ek] = list
			}
			wk := watchKey{ek.path, ek.key}
			if ws := r.watchers[wk]; ws != nil {
				ws.count--
				if ws.count <= 0 {
					delete(r.watchers, wk)
				}
			}
			return true
		}
	}
	return false
}

func (r *Registry) watcherClosedLocked(path, key string) bool {
	_, ok := r.watchers[watchKey{path, key}]
	return !ok
}

func dedupWatchKeys(keys []watchKey) []watchKey {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[watchKey]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// Dispatch fans a snapshot payload out to every listener registered for the
// event on (path, key). Callbacks run on the worker pool; a saturated pool
// drops the delivery rather than blocking the bridge read loop.
func (r *Registry) Dispatch(path, key, event string, data any) {
	ek := entryKey{path: path, key: key, event: event}
	r.mu.RLock()
	listeners := append([]*Listener(nil), r.entries[ek]...)
	r.mu.RUnlock()

	for _, l := range listeners {
		cb := l.cb
		if err := r.pool.Submit(func() { cb(data) }); err != nil {
			r.logger.Warn("dropping event, dispatch pool saturated",
				"path", path, "key", key, "event", event, "err", err)
		}
	}
}

// DispatchError delivers a listen failure to every listener on (path, key)
// across all event types and removes them: a cancelled subscription does
// not recover.
func (r *Registry) DispatchError(path, key string, err error) {
	r.mu.Lock()
	var failed []*Listener
	for ek, list := range r.entries {
		if ek.path != path || ek.key != key {
			continue
		}
		failed = append(failed, list...)
		delete(r.entries, ek)
	}
	delete(r.watchers, watchKey{path, key})
	r.mu.Unlock()

	for _, l := range failed {
		if l.errCb == nil {
			continue
		}
		errCb := l.errCb
		if submitErr := r.pool.Submit(func() { errCb(err) }); submitErr != nil {
			r.logger.Warn("dropping listen error, dispatch pool saturated",
				"path", path, "key", key, "err", submitErr)
		}
	}
}

// Total reports how many listeners are registered across all identities.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.entries {
		n += len(list)
	}
	return n
}

// Count reports how many listeners are registered for (path, key, event).
func (r *Registry) Count(path, key, event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[entryKey{path: path, key: key, event: event}])
}

// Close releases the dispatch pool. Pending callbacks may be dropped.
func (r *Registry) Close() {
	r.pool.Release()
}
