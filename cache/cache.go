// Package cache stores model responses so repeated runs of the same
// question do not call the endpoint again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache closed")

// Cache is a response store keyed by Key.
type Cache interface {
	// Fetch returns the stored value and true, or false on a miss.
	Fetch(ctx context.Context, key string) ([]byte, bool, error)

	// Store saves value under key, replacing any previous value.
	Store(ctx context.Context, key string, value []byte) error
}

// KeyParams identify one model call.
type KeyParams struct {
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters,omitempty"`
	System     string         `json:"system"`
	User       string         `json:"user"`
	Iteration  int            `json:"iteration"`
}

// Key returns the hex sha256 of the canonical JSON encoding of p.
// Iterations are part of the key so repeated runs get distinct answers.
func Key(p KeyParams) string {
	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte(p.Model + "\x00" + p.System + "\x00" + p.User)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stats counts lookups.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Writes int64 `json:"writes"`
}

type counters struct {
	hits, misses, writes atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Writes: c.writes.Load()}
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
	counters
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

// Fetch implements Cache.
func (m *MemoryCache) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	v, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Store implements Cache.
func (m *MemoryCache) Store(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.entries[key] = v
	m.mu.Unlock()
	m.writes.Add(1)
	return nil
}

// Len returns the number of entries.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns lookup counters.
func (m *MemoryCache) Stats() Stats {
	return m.stats()
}

var _ Cache = (*MemoryCache)(nil)
