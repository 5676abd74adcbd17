// Package cache keeps the last snapshot seen per query identity so reads
// can be served while the bridge is unreachable. The hot set lives in an
// LRU; with a persistence path configured, entries are written through to
// sqlite and survive restarts.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// Entry is one cached snapshot.
type Entry struct {
	Data      any
	Rev       int64
	UpdatedAt time.Time
}

// Store is a snapshot cache keyed by (path, encoded query key).
type Store struct {
	lru *lru.Cache[string, Entry]

	mu     sync.Mutex
	synced map[string]bool
	db     *sql.DB // nil when persistence is disabled
}

// Open creates a store holding up to size entries in memory. persistPath
// enables the sqlite write-through layer; pass "" for memory-only.
func Open(size int, persistPath string) (*Store, error) {
	if size <= 0 {
		size = 1024
	}
	l, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	s := &Store{lru: l, synced: make(map[string]bool)}

	if persistPath != "" {
		db, err := sql.Open("sqlite", persistPath+"?_journal_mode=WAL")
		if err != nil {
			return nil, fmt.Errorf("open persistence db: %w", err)
		}
		if err := initSchema(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("init persistence schema: %w", err)
		}
		s.db = db
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		cache_key  TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		rev        INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := db.Exec(schema)
	return err
}

func cacheKey(path, queryKey string) string {
	return path + "?" + queryKey
}

// Put records the latest snapshot for a query identity.
func (s *Store) Put(path, queryKey string, data any, rev int64) {
	e := Entry{Data: data, Rev: rev, UpdatedAt: time.Now()}
	ck := cacheKey(path, queryKey)
	s.lru.Add(ck, e)

	if s.db == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = s.db.Exec(
		`INSERT INTO snapshots (cache_key, data, rev, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET data=excluded.data, rev=excluded.rev, updated_at=excluded.updated_at`,
		ck, string(raw), rev, e.UpdatedAt.UnixMilli(),
	)
}

// Get returns the cached snapshot for a query identity, falling back to the
// persistence layer on a memory miss.
func (s *Store) Get(path, queryKey string) (Entry, bool) {
	ck := cacheKey(path, queryKey)
	if e, ok := s.lru.Get(ck); ok {
		return e, true
	}
	if s.db == nil {
		return Entry{}, false
	}

	var raw string
	var rev, updatedAt int64
	err := s.db.QueryRow(
		`SELECT data, rev, updated_at FROM snapshots WHERE cache_key = ?`, ck,
	).Scan(&raw, &rev, &updatedAt)
	if err != nil {
		return Entry{}, false
	}
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Entry{}, false
	}
	e := Entry{Data: data, Rev: rev, UpdatedAt: time.UnixMilli(updatedAt)}
	s.lru.Add(ck, e)
	return e, true
}

// KeepSynced marks or unmarks a path as kept-synced.
func (s *Store) KeepSynced(path string, keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep {
		s.synced[path] = true
	} else {
		delete(s.synced, path)
	}
}

// Synced reports whether a path is kept-synced.
func (s *Store) Synced(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced[path]
}

// Close releases the persistence layer.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
