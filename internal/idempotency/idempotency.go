// Package idempotency lets execute_dag and execute_code short-circuit a
// duplicate call: a caller that retries a request after a dropped response,
// or deliberately replays one to check its outcome, gets the original
// result back instead of starting a second workflow or sandbox run.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is the cached outcome of one idempotency-keyed tool call.
type Record struct {
	// Result is the tool's JSON-serializable response, exactly as it would
	// have been returned to the original caller.
	Result any
	// StoredAt is when the record was written, for callers inspecting
	// History/debugging tooling; eviction itself is driven by the TTL
	// passed to Put, not this field.
	StoredAt time.Time
}

// Store caches tool results by caller-supplied idempotency key. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the cached record for key, if one has not expired.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Put caches rec under key until ttl elapses. A zero ttl means the
	// record never expires.
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

type entry struct {
	rec       Record
	expiresAt time.Time // zero means never
}

// Memory is an in-memory Store, suitable for a single-node gateway or tests.
// An expired entry is deleted lazily when Get finds it (Put simply
// overwrites its key) rather than by a background goroutine, matching
// store/memory's no-janitor style.
type Memory struct {
	mu  sync.Mutex
	all map[string]entry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory idempotency cache.
func NewMemory() *Memory {
	return &Memory{all: make(map[string]entry)}
}

// Get returns the cached record for key, if present and not expired.
func (m *Memory) Get(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.all[key]
	if !ok {
		return Record{}, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.all, key)
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

// Put caches rec under key until ttl elapses.
func (m *Memory) Put(_ context.Context, key string, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.all[key] = entry{rec: rec, expiresAt: expiresAt}
	return nil
}
