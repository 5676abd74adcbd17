// Package buntree is the client SDK for the bunbase realtime tree
// database. A Database hands out References: immutable handles on a path
// plus an ordered set of query modifiers. Fluent builder calls return new
// References; read, write, and listen operations cross the native bridge
// keyed by the query's deterministic encoded key.
package buntree

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/bunbase/buntree/internal/auth"
	"github.com/kartikbazzad/bunbase/buntree/internal/bridge"
	"github.com/kartikbazzad/bunbase/buntree/internal/cache"
	"github.com/kartikbazzad/bunbase/buntree/internal/config"
	"github.com/kartikbazzad/bunbase/buntree/internal/prometrics"
	"github.com/kartikbazzad/bunbase/buntree/internal/pushid"
	"github.com/kartikbazzad/bunbase/buntree/internal/registry"
)

// EventType names a listener event.
type EventType string

const (
	EventValue        EventType = "value"
	EventChildAdded   EventType = "child_added"
	EventChildChanged EventType = "child_changed"
	EventChildRemoved EventType = "child_removed"
	EventChildMoved   EventType = "child_moved"
)

// Listener is the registration handle returned by On and consumed by Off.
type Listener = registry.Listener

// Transport is the native bridge boundary. All methods block until the
// bridge resolves; failures come back as raw bridge errors that the SDK
// maps into TransportError exactly once.
type Transport interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, value map[string]any) error
	Remove(ctx context.Context, path string) error
	Push(ctx context.Context, path string, value any) (string, error)
	Once(ctx context.Context, path, key string, modifiers []string, event string) (any, int64, error)
	KeepSynced(ctx context.Context, path string, keep bool) error
	Disconnect(ctx context.Context, path, op string, value any) error
	CompareAndSet(ctx context.Context, path string, expectedRev int64, value any) (bool, any, int64, error)
	ServerTimeOffset() time.Duration
}

// TokenSource supplies the auth token attached to the bridge session.
type TokenSource interface {
	Token() (string, error)
}

// Options configures a Database connection.
type Options struct {
	SocketPath     string
	RequestTimeout time.Duration
	Token          TokenSource // optional
	PersistPath    string      // "" disables the persistent snapshot cache
	CacheSize      int
	DispatchPool   int
	Logger         *slog.Logger
}

func (o *Options) fill() {
	def := config.Default()
	if o.SocketPath == "" {
		o.SocketPath = def.SocketPath
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.CacheSize == 0 {
		o.CacheSize = def.CacheSize
	}
	if o.DispatchPool == 0 {
		o.DispatchPool = def.DispatchPool
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// OptionsFromEnv builds Options from BUNTREE_-prefixed environment
// variables and an optional .env file.
func OptionsFromEnv() (Options, error) {
	cfg := config.Default()
	if err := config.Load("BUNTREE_", &cfg); err != nil {
		return Options{}, err
	}
	return Options{
		SocketPath:     cfg.SocketPath,
		RequestTimeout: cfg.RequestTimeout,
		PersistPath:    cfg.PersistPath,
		CacheSize:      cfg.CacheSize,
		DispatchPool:   cfg.DispatchPool,
	}, nil
}

type schemaRule struct {
	prefix string
	schema *gojsonschema.Schema
}

// Database is a handle on one bunbase tree. It owns the listener registry,
// the snapshot cache, the transaction queue, and the bridge connection.
type Database struct {
	transport Transport
	registry  *registry.Registry
	cache     *cache.Store
	pushGen   *pushid.Generator
	txq       *txQueue
	logger    *slog.Logger

	schemaMu sync.RWMutex
	schemas  []schemaRule

	bridgeClient *bridge.Client // set when this Database owns the connection
}

// Open connects a Database to the native bridge at opts.SocketPath. The
// connection itself is established lazily on the first operation.
func Open(opts Options) (*Database, error) {
	opts.fill()

	var tok auth.TokenSource
	if opts.Token != nil {
		tok = opts.Token
	}
	client := bridge.New(bridge.Config{
		SocketPath:     opts.SocketPath,
		RequestTimeout: opts.RequestTimeout,
		Token:          tok,
		Logger:         opts.Logger,
	})

	db, err := newDatabase(client, client, opts)
	if err != nil {
		return nil, err
	}
	db.bridgeClient = client
	client.SetHandlers(db.handleEvent, db.handleCancel)
	return db, nil
}

// newDatabase wires a Database over an arbitrary transport and streamer.
func newDatabase(t Transport, s registry.Streamer, opts Options) (*Database, error) {
	opts.fill()

	reg, err := registry.New(s, opts.DispatchPool, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("buntree: create registry: %w", err)
	}
	store, err := cache.Open(opts.CacheSize, opts.PersistPath)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("buntree: open cache: %w", err)
	}

	db := &Database{
		transport: t,
		registry:  reg,
		cache:     store,
		logger:    opts.Logger,
	}
	db.pushGen = pushid.New(func() time.Time {
		return time.Now().Add(t.ServerTimeOffset())
	})
	db.txq = newTxQueue(db)
	return db, nil
}

// Ref returns a Reference at path with no modifiers attached.
func (d *Database) Ref(path string) *Reference {
	return &Reference{db: d, path: normalizePath(path)}
}

// handleEvent feeds one streamed bridge event into the registry and keeps
// the snapshot cache current.
func (d *Database) handleEvent(path, key, event string, data any) {
	if event == string(EventValue) {
		d.cache.Put(path, key, data, 0)
	}
	d.registry.Dispatch(path, key, event, data)
}

// handleCancel maps a watch teardown error and cancels its listeners.
func (d *Database) handleCancel(path, key string, err error) {
	d.registry.DispatchError(path, key, mapTransportError(err))
	prometrics.SetListeners(d.registry.Total())
}

// RegisterSchema attaches a JSON schema to a path prefix. Set and Update
// under that prefix validate their payload client-side before crossing the
// bridge; violations return ErrSchemaViolation. The longest matching prefix
// wins.
func (d *Database) RegisterSchema(pathPrefix, schemaJSON string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("buntree: invalid json schema: %w", err)
	}
	prefix := normalizePath(pathPrefix)

	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()
	for i, r := range d.schemas {
		if r.prefix == prefix {
			d.schemas[i].schema = compiled
			return nil
		}
	}
	d.schemas = append(d.schemas, schemaRule{prefix: prefix, schema: compiled})
	sort.Slice(d.schemas, func(i, j int) bool {
		return len(d.schemas[i].prefix) > len(d.schemas[j].prefix)
	})
	return nil
}

// validateWrite checks a normalized value against the schema covering path,
// if any.
func (d *Database) validateWrite(path string, value any) error {
	d.schemaMu.RLock()
	var rule *schemaRule
	for i := range d.schemas {
		p := d.schemas[i].prefix
		if path == p || strings.HasPrefix(path, p+"/") || p == "/" {
			rule = &d.schemas[i]
			break
		}
	}
	d.schemaMu.RUnlock()
	if rule == nil {
		return nil
	}

	result, err := rule.schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("buntree: schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(msgs, "; "))
	}
	return nil
}

// ServerNow returns the local clock adjusted by the bridge's server-time
// offset. Push IDs are seeded from this.
func (d *Database) ServerNow() time.Time {
	return time.Now().Add(d.transport.ServerTimeOffset())
}

// Close tears down listeners, the transaction queue, the cache, and the
// bridge connection.
func (d *Database) Close() error {
	d.txq.stop()
	d.registry.Close()
	err := d.cache.Close()
	if d.bridgeClient != nil {
		if cerr := d.bridgeClient.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
