// Package ringlog keeps a bounded in-memory log of recent strategy activity
// per bot kind, served by the engine's status surface. When the buffer is
// full the oldest entry is evicted; the ring never blocks a strategy tick.
package ringlog

import (
	"sync"
	"time"

	"gcb-engine/pkg/types"
)

// DefaultCapacity is the per-kind entry limit.
const DefaultCapacity = 500

// Entry is one recorded activity line.
type Entry struct {
	Time    time.Time      `json:"time"`
	BotID   string         `json:"botId"`
	Level   types.LogLevel `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Ring is a fixed-capacity circular log. Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int // index of the next write
	count   int
}

// New creates a ring with the given capacity; capacity <= 0 uses the default.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Push appends an entry, evicting the oldest when full. A zero Time is
// stamped with the current time.
func (r *Ring) Push(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	r.mu.Lock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns up to limit entries, newest first. limit <= 0 returns
// everything retained.
func (r *Ring) Snapshot(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + len(r.entries)) % len(r.entries)
		out[i] = r.entries[idx]
	}
	return out
}

// Len reports how many entries are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Set groups one ring per bot kind.
type Set struct {
	rings map[types.BotKind]*Ring
}

// NewSet creates a ring for every bot kind.
func NewSet(capacity int) *Set {
	rings := make(map[types.BotKind]*Ring, len(types.Kinds()))
	for _, kind := range types.Kinds() {
		rings[kind] = New(capacity)
	}
	return &Set{rings: rings}
}

// For returns the ring for one kind.
func (s *Set) For(kind types.BotKind) *Ring {
	return s.rings[kind]
}
