// Package shared is the fast shared store for cross-component state: the
// execution mode singleton, per-signer nonce counters, notification dedup
// keys and rate-limit state.
//
// It is an in-memory KV with TTL, compare-and-set and atomic increment,
// backed by a durable fallback (the SQLite kv table) for the keys that must
// survive a restart. This is the permitted deployment shape when no external
// Redis is present; the API mirrors the subset of Redis the system needs.
package shared

import (
	"strconv"
	"sync"
	"time"
)

// Durable is the persistence hook for keys that must survive restarts.
// *store.DB satisfies it.
type Durable interface {
	SetKV(key, value string, now int64) error
	GetKV(key string) (string, bool, error)
}

type entry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	items   map[string]entry
	durable Durable // may be nil (tests)
	now     func() time.Time
}

// New creates a shared store. durable may be nil.
func New(durable Durable) *Store {
	return &Store{
		items:   make(map[string]entry),
		durable: durable,
		now:     time.Now,
	}
}

// Get returns the value for key, honoring TTL expiry.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (string, bool) {
	e, ok := s.items[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.items, key)
		return "", false
	}
	return e.value, true
}

// Set writes key=value with an optional TTL (0 = no expiry).
func (s *Store) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
}

func (s *Store) setLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
}

// SetIfAbsent writes key=value only when the key is unset (or expired).
// Returns true when the write happened. This is the dedup primitive.
func (s *Store) SetIfAbsent(key, value string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return false
	}
	s.setLocked(key, value, ttl)
	return true
}

// CompareAndSwap atomically replaces old with new. A missing key matches
// old == "". Returns true on success.
func (s *Store) CompareAndSwap(key, old, new string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.getLocked(key)
	if cur != old {
		return false
	}
	s.setLocked(key, new, 0)
	return true
}

// Incr atomically adds delta to an integer key (missing = 0) and returns
// the new value. This is the nonce allocation primitive.
func (s *Store) Incr(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.getLocked(key)
	prev, _ := strconv.ParseInt(cur, 10, 64)
	n := prev + delta
	s.setLocked(key, strconv.FormatInt(n, 10), 0)
	return n
}

// SetDurable writes a key both in memory and through to the durable
// fallback. Used for state that must survive restarts (exec mode, nonces).
func (s *Store) SetDurable(key, value string) error {
	s.Set(key, value, 0)
	if s.durable == nil {
		return nil
	}
	return s.durable.SetKV(key, value, s.now().Unix())
}

// GetDurable reads a key, falling back to the durable layer on a memory
// miss (first read after restart) and re-caching the result.
func (s *Store) GetDurable(key string) (string, bool, error) {
	if v, ok := s.Get(key); ok {
		return v, true, nil
	}
	if s.durable == nil {
		return "", false, nil
	}
	v, ok, err := s.durable.GetKV(key)
	if err != nil || !ok {
		return "", ok, err
	}
	s.Set(key, v, 0)
	return v, true, nil
}

// Ping reports liveness for the readiness endpoint. The in-memory layer is
// always reachable; a durable layer failure degrades readiness elsewhere.
func (s *Store) Ping() error { return nil }
