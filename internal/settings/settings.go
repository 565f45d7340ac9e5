// Package settings provides the TTL-cached credential and tunables store.
//
// Runtime tunables (batch sizes, feature flags, filter thresholds) and
// provider credentials are kept in a backing store and read through a
// process-wide cache with a five minute TTL. Reads fail open: when the store
// errors, the value is taken from the environment instead.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound indicates the key is absent from the backing store.
var ErrNotFound = errors.New("setting not found")

// Store is the backing store for settings and credentials.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// DatabaseStore reads settings from the archon_settings table.
type DatabaseStore struct {
	db *sql.DB
}

// NewDatabaseStore creates a settings store backed by Postgres.
func NewDatabaseStore(db *sql.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Get retrieves a setting value by key.
func (s *DatabaseStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM archon_settings WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// EnvStore reads settings directly from the environment. Used in tests and
// when no database is configured.
type EnvStore struct{}

// Get retrieves a setting from the environment.
func (EnvStore) Get(ctx context.Context, key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", ErrNotFound
}

// MapStore is an in-memory store for tests.
type MapStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapStore creates a MapStore seeded with the given values.
func NewMapStore(values map[string]string) *MapStore {
	if values == nil {
		values = make(map[string]string)
	}
	return &MapStore{values: values}
}

// Get retrieves a setting from the map.
func (s *MapStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

// Set stores a value. Intended for tests.
func (s *MapStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

type cachedValue struct {
	value    string
	found    bool
	storedAt time.Time
}

// Service is the process-wide settings cache.
type Service struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cachedValue
}

// NewService creates a settings cache over the given store.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		ttl:     5 * time.Minute,
		entries: make(map[string]cachedValue),
	}
}

// Get returns the value for key and whether it was found. Store errors fall
// open to the environment.
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && time.Since(entry.storedAt) < s.ttl {
		return entry.value, entry.found
	}

	value, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.put(key, "", false)
			return "", false
		}
		// Store unavailable: read the environment and do not cache,
		// so recovery is picked up on the next call.
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		return "", false
	}

	s.put(key, value, true)
	return value, true
}

func (s *Service) put(key, value string, found bool) {
	s.mu.Lock()
	s.entries[key] = cachedValue{value: value, found: found, storedAt: time.Now()}
	s.mu.Unlock()
}

// Invalidate drops a cached entry so the next read hits the store.
func (s *Service) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// String returns the setting or def when missing.
func (s *Service) String(ctx context.Context, key, def string) string {
	if v, ok := s.Get(ctx, key); ok && v != "" {
		return v
	}
	return def
}

// Int returns the setting parsed as int, or def when missing or malformed.
func (s *Service) Int(ctx context.Context, key string, def int) int {
	if v, ok := s.Get(ctx, key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Float returns the setting parsed as float64, or def when missing or malformed.
func (s *Service) Float(ctx context.Context, key string, def float64) float64 {
	if v, ok := s.Get(ctx, key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the setting parsed as bool, or def when missing or malformed.
func (s *Service) Bool(ctx context.Context, key string, def bool) bool {
	if v, ok := s.Get(ctx, key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}
