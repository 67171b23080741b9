package store

import (
	"fmt"
	"testing"
	"time"

	"gridfeed/readings"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestGetReturnsOnlyMatchingKey(t *testing.T) {
	s := New(4)
	s.Put("areaA:bayLines", readings.Snapshot{"v": "x"}, "t1")

	if _, ok := s.Get("areaA:transformer"); ok {
		t.Fatalf("expected miss for different key")
	}
	entry, ok := s.Get("areaA:bayLines")
	if !ok {
		t.Fatalf("expected hit")
	}
	if entry.Key != "areaA:bayLines" {
		t.Fatalf("unexpected key %q", entry.Key)
	}
}

func TestPutStampsCachedAt(t *testing.T) {
	clock := newFakeClock()
	s := New(4, WithClock(clock.Now))

	s.Put("k", readings.Snapshot{"v": "x"}, "ts")
	entry, ok := s.Get("k")
	if !ok {
		t.Fatalf("expected hit")
	}
	if !entry.CachedAt.Equal(clock.Now()) {
		t.Fatalf("expected cachedAt %v, got %v", clock.Now(), entry.CachedAt)
	}
}

func TestFreshnessWindow(t *testing.T) {
	clock := newFakeClock()
	s := New(4, WithClock(clock.Now))
	s.Put("k", readings.Snapshot{"v": "x"}, "ts")
	entry, _ := s.Get("k")

	ttl := 30 * time.Second
	if !s.Fresh(entry, ttl) {
		t.Fatalf("expected fresh entry immediately after put")
	}
	clock.Advance(ttl - time.Millisecond)
	if !s.Fresh(entry, ttl) {
		t.Fatalf("expected entry fresh just inside the window")
	}
	clock.Advance(2 * time.Millisecond)
	if s.Fresh(entry, ttl) {
		t.Fatalf("expected entry stale past the window")
	}
}

func TestEvictionKeepsNewestEntries(t *testing.T) {
	clock := newFakeClock()
	s := New(3, WithClock(clock.Now))

	for i := 0; i < 6; i++ {
		s.Put(fmt.Sprintf("k%d", i), readings.Snapshot{"v": "x"}, "ts")
		clock.Advance(time.Second)
	}

	if got := s.Len(); got != 3 {
		t.Fatalf("expected size bound 3, got %d", got)
	}
	for _, key := range []string{"k3", "k4", "k5"} {
		if _, ok := s.Get(key); !ok {
			t.Fatalf("expected %s retained", key)
		}
	}
	for _, key := range []string{"k0", "k1", "k2"} {
		if _, ok := s.Get(key); ok {
			t.Fatalf("expected %s evicted", key)
		}
	}
}

func TestPutOverwriteRefreshesRecency(t *testing.T) {
	clock := newFakeClock()
	s := New(2, WithClock(clock.Now))

	s.Put("a", readings.Snapshot{"v": "1"}, "t1")
	clock.Advance(time.Second)
	s.Put("b", readings.Snapshot{"v": "2"}, "t2")
	clock.Advance(time.Second)
	// Updating "a" makes it the newest entry again.
	s.Put("a", readings.Snapshot{"v": "3"}, "t3")
	clock.Advance(time.Second)
	s.Put("c", readings.Snapshot{"v": "4"}, "t4")

	if _, ok := s.Get("b"); ok {
		t.Fatalf("expected b evicted as least recently updated")
	}
	if _, ok := s.Get("a"); !ok {
		t.Fatalf("expected refreshed a retained")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatalf("expected c retained")
	}
}

func TestGetClonesSnapshot(t *testing.T) {
	s := New(4)
	s.Put("k", readings.Snapshot{"v": "orig"}, "ts")

	entry, _ := s.Get("k")
	entry.Value["v"] = "mutated"

	again, _ := s.Get("k")
	if again.Value["v"] != "orig" {
		t.Fatalf("cache entry mutated through Get result")
	}
}

func TestClearAndInvalidate(t *testing.T) {
	s := New(4)
	s.Put("a", readings.Snapshot{"v": "1"}, "t")
	s.Put("b", readings.Snapshot{"v": "2"}, "t")

	s.Invalidate("a")
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected a invalidated")
	}
	s.Clear()
	if got := s.Len(); got != 0 {
		t.Fatalf("expected empty store after clear, got %d", got)
	}
}

func TestKeyComposition(t *testing.T) {
	if got := Key("areaA", "sub1", "bayLines"); got != "areaA:sub1:bayLines" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key("areaA", "", "bayLines"); got != "areaA:bayLines" {
		t.Fatalf("unexpected key %q", got)
	}
}
