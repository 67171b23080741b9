// Package store implements the shared, capacity-bounded readings cache.
//
// The store is deliberately TTL-agnostic: callers supply their freshness
// window at read time, which lets the same instance serve both the 30s
// lightweight polling class and the 60s diagnosis class without duplication.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gridfeed/readings"
	"gridfeed/telemetry"
)

// Entry is one cached readings snapshot.
//
// SourceTimestamp is the upstream-reported time of the snapshot and is used
// for staleness comparison; CachedAt is the local insertion time used for
// TTL expiry. CachedAt is always set by the store, never by the caller.
type Entry struct {
	Key             string
	Value           readings.Snapshot
	SourceTimestamp string
	CachedAt        time.Time
}

// Option customises store construction.
type Option func(*Store)

// WithClock injects a time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCollector injects a telemetry collector for eviction accounting.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *Store) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// Store is a process-wide keyed cache of readings snapshots. All mutations
// are single mutex-guarded map operations; callers must not assume a Get
// followed by a Put is atomic across an intervening fetch.
type Store struct {
	mu        sync.Mutex
	entries   map[string]Entry
	capacity  int
	clock     func() time.Time
	collector telemetry.Collector
}

// New creates a store bounded to capacity entries.
func New(capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = 16
	}
	s := &Store{
		entries:   make(map[string]Entry, capacity),
		capacity:  capacity,
		clock:     time.Now,
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key builds the composite cache identity from its parts, e.g.
// areaCode:substationId:component. Empty parts are skipped.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ":")
}

// Get returns the entry cached under key. The second return is false when
// no entry exists. The snapshot is cloned so consumers cannot mutate the
// cached value.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	entry.Value = entry.Value.Clone()
	return entry, true
}

// Put overwrites any existing entry for key, stamping CachedAt with the
// store clock, then sweeps entries over capacity.
func (s *Store) Put(key string, value readings.Snapshot, sourceTimestamp string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.entries[key] = Entry{
		Key:             key,
		Value:           value.Clone(),
		SourceTimestamp: sourceTimestamp,
		CachedAt:        s.clock(),
	}
	evicted := s.evictOverCapacityLocked()
	s.mu.Unlock()
	s.collector.IncEvictions(evicted)
}

// Fresh reports whether the entry is within its TTL relative to the store
// clock.
func (s *Store) Fresh(entry Entry, ttl time.Duration) bool {
	if entry.CachedAt.IsZero() || ttl <= 0 {
		return false
	}
	return s.clock().Sub(entry.CachedAt) < ttl
}

// Invalidate removes the entry cached under key, if any.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear drops every entry. Used on source switches so a deactivated
// source's data cannot bleed into the new one.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]Entry, s.capacity)
	s.mu.Unlock()
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictOverCapacityLocked keeps the capacity most recently cached entries
// and discards the rest. Caller holds the mutex.
func (s *Store) evictOverCapacityLocked() int {
	if len(s.entries) <= s.capacity {
		return 0
	}
	ordered := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CachedAt.After(ordered[j].CachedAt)
	})
	evicted := 0
	for _, entry := range ordered[s.capacity:] {
		delete(s.entries, entry.Key)
		evicted++
	}
	return evicted
}
