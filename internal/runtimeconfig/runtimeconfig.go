// Package runtimeconfig caches operator-adjustable settings (search page
// size caps, feature toggles, conformance flags) backed by the
// runtime_config table, so they can change without a server restart.
// cmd/ehr-server reads the search page-size caps once, at startup.
// Values are read through an in-memory cache invalidated on every write,
// following the same lazy-load-then-cache shape as internal/indexing.ParamCache.
package runtimeconfig

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirerr"
)

// Store is a cached key/value config table. Unlike store/indexing/jobs it
// always reads and writes through the pool directly rather than a
// request-scoped conn(ctx) — config reads aren't part of any resource
// transaction's atomicity, so there's nothing to gain from joining one.
type Store struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	loaded bool
	values map[string]json.RawMessage
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Invalidate forces the next Get/All to reload from the database. Call
// after any Set from a different process instance (e.g. another server
// replica) so cached readers pick up the change; within a single process
// Set already invalidates locally.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.values = nil
	s.mu.Unlock()
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	rows, err := s.pool.Query(ctx, `SELECT key, value FROM runtime_config`)
	if err != nil {
		return fhirerr.Database(err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fhirerr.Database(err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return fhirerr.Database(err)
	}

	s.mu.Lock()
	s.values = values
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Get loads key's value into dest (a pointer), returning false if the key
// has never been set.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fhirerr.Internal("corrupt runtime_config value for key " + key)
	}
	return true, nil
}

// GetIntDefault returns key's integer value, or def if unset.
func (s *Store) GetIntDefault(ctx context.Context, key string, def int) (int, error) {
	var v int
	ok, err := s.Get(ctx, key, &v)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// GetBoolDefault returns key's boolean value, or def if unset.
func (s *Store) GetBoolDefault(ctx context.Context, key string, def bool) (bool, error) {
	var v bool
	ok, err := s.Get(ctx, key, &v)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Set upserts key's value and invalidates the local cache so the next read
// observes it.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fhirerr.InvalidResource("invalid runtime_config value: " + err.Error())
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runtime_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()`,
		key, body)
	if err != nil {
		return fhirerr.Database(err)
	}
	s.Invalidate()
	return nil
}

// All returns every currently-cached key/value pair, for diagnostics (the
// HTTP API's runtime-config listing).
func (s *Store) All(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

// Well-known keys. cmd/ehr-server reads the two search keys at startup;
// KeyStrictDelete is not read anywhere in the server.
const (
	KeySearchDefaultCount = "search.default_count"
	KeySearchMaxCount     = "search.max_count"
	KeyStrictDelete       = "delete.strict_by_default"
)
