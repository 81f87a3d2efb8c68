package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLRUCache(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"SetAndGet", testSetAndGet},
		{"GetMiss", testGetMiss},
		{"GetExpired", testGetExpired},
		{"EvictsLeastRecentlyUsed", testEvictsLeastRecentlyUsed},
		{"InvalidateRemovesEntry", testInvalidateRemovesEntry},
		{"InvalidatePrefix", testInvalidatePrefix},
		{"InvalidateAllClearsCache", testInvalidateAllClearsCache},
		{"SetRefreshesTTL", testSetRefreshesTTL},
		{"ConcurrentAccess", testConcurrentAccess},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testSetAndGet(t *testing.T) {
	c := NewLRUCache(10, 5*time.Second)
	c.Set("view:doc-1:3", []byte(`{"status":"SENT"}`))

	got, ok := c.Get("view:doc-1:3")
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != `{"status":"SENT"}` {
		t.Fatalf("unexpected value %q", string(got))
	}
}

func testGetMiss(t *testing.T) {
	c := NewLRUCache(10, 5*time.Second)
	if got, ok := c.Get("nonexistent"); ok || got != nil {
		t.Fatalf("expected miss, got %q, %v", string(got), ok)
	}
}

func testGetExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache(10, time.Minute).WithClock(clock.Now)
	c.Set("k", []byte("v"))

	clock.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before the TTL")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss at the TTL")
	}
	if c.Size() != 0 {
		t.Fatalf("expected expired entry to be dropped, size %d", c.Size())
	}
}

func testEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(2, time.Minute)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Get("a") // a is now more recent than b
	c.Set("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected %s to survive", k)
		}
	}
}

func testInvalidateRemovesEntry(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	c.Set("k", []byte("v"))
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after Invalidate")
	}
}

func testInvalidatePrefix(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	c.Set("view:doc-1:1", []byte("a"))
	c.Set("view:doc-1:2", []byte("b"))
	c.Set("view:doc-10:1", []byte("c"))

	if n := c.InvalidatePrefix("view:doc-1:"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, ok := c.Get("view:doc-10:1"); !ok {
		t.Fatal("expected other document to survive")
	}
}

func testInvalidateAllClearsCache(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	for i := range 5 {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"))
	}
	c.InvalidateAll()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, size %d", c.Size())
	}
}

func testSetRefreshesTTL(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)}
	c := NewLRUCache(10, time.Minute).WithClock(clock.Now)
	c.Set("k", []byte("old"))
	clock.Advance(45 * time.Second)
	c.Set("k", []byte("new"))
	clock.Advance(45 * time.Second)

	got, ok := c.Get("k")
	if !ok || string(got) != "new" {
		t.Fatalf("expected refreshed value, got %q, %v", string(got), ok)
	}
	if c.Size() != 1 {
		t.Fatalf("expected a single entry, size %d", c.Size())
	}
}

func testConcurrentAccess(t *testing.T) {
	c := NewLRUCache(50, time.Minute)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k%d", (i*100+j)%75)
				c.Set(key, []byte("v"))
				c.Get(key)
				if j%10 == 0 {
					c.InvalidatePrefix("k1")
				}
			}
		}()
	}
	wg.Wait()
	if c.Size() > 50 {
		t.Fatalf("cache grew past its bound: %d", c.Size())
	}
}

func testStats(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	c.Set("k", []byte("v"))
	c.Get("k")
	c.Get("k")
	c.Get("missing")
	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits and 1 miss, got %d and %d", hits, misses)
	}
}
