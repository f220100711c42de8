package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestInsertLookup(t *testing.T) {
	c := New(1<<20, 4)
	key := Key{ID: 1, Offset: 0}

	h := c.Insert(key, []byte("block-data"), 10)
	if h == nil || string(h.Value()) != "block-data" {
		t.Fatalf("Insert handle = %v", h)
	}
	c.Release(h)

	h = c.Lookup(key)
	if h == nil {
		t.Fatalf("Lookup miss after insert")
	}
	if string(h.Value()) != "block-data" {
		t.Fatalf("Lookup value = %q", h.Value())
	}
	c.Release(h)

	if h := c.Lookup(Key{ID: 1, Offset: 999}); h != nil {
		t.Fatalf("Lookup hit for absent key")
	}
}

func TestNewIDUnique(t *testing.T) {
	c := New(1<<20, 4)
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := c.NewID()
		if seen[id] {
			t.Fatalf("duplicate cache ID %d", id)
		}
		seen[id] = true
	}
}

func TestEvictionLRUOrder(t *testing.T) {
	// Single partition so eviction order is deterministic.
	c := New(100, 1)

	for i := 0; i < 10; i++ {
		h := c.Insert(Key{ID: 1, Offset: uint64(i)}, []byte{byte(i)}, 10)
		c.Release(h)
	}
	// Touch block 0 so block 1 is now least recent.
	h := c.Lookup(Key{ID: 1, Offset: 0})
	if h == nil {
		t.Fatalf("block 0 missing before eviction")
	}
	c.Release(h)

	// Inserting 10 more bytes must evict exactly the least recent block.
	h = c.Insert(Key{ID: 1, Offset: 100}, []byte("x"), 10)
	c.Release(h)

	if h := c.Lookup(Key{ID: 1, Offset: 1}); h != nil {
		t.Fatalf("least recent block survived eviction")
	}
	if h := c.Lookup(Key{ID: 1, Offset: 0}); h == nil {
		t.Fatalf("recently used block was evicted")
	} else {
		c.Release(h)
	}
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c := New(100, 1)

	pinned := c.Insert(Key{ID: 1, Offset: 0}, make([]byte, 10), 10)

	// Overflow the partition several times over.
	for i := 1; i <= 30; i++ {
		h := c.Insert(Key{ID: 1, Offset: uint64(i)}, make([]byte, 10), 10)
		c.Release(h)
	}

	h := c.Lookup(Key{ID: 1, Offset: 0})
	if h == nil {
		t.Fatalf("pinned block was evicted")
	}
	c.Release(h)
	c.Release(pinned)
}

func TestEraseWhilePinned(t *testing.T) {
	c := New(1<<20, 1)
	key := Key{ID: 1, Offset: 0}

	h := c.Insert(key, []byte("v"), 1)
	c.Erase(key)

	// Still readable through the handle, but invisible to lookups.
	if string(h.Value()) != "v" {
		t.Fatalf("pinned value lost after Erase")
	}
	if got := c.Lookup(key); got != nil {
		t.Fatalf("erased key still visible")
	}
	c.Release(h)

	if s := c.Stats(); s.Count != 0 {
		t.Fatalf("entry count = %d after release of erased entry", s.Count)
	}
}

func TestUpdateExistingKey(t *testing.T) {
	c := New(1<<20, 1)
	key := Key{ID: 7, Offset: 42}

	h1 := c.Insert(key, []byte("old"), 3)
	c.Release(h1)
	h2 := c.Insert(key, []byte("new-value"), 9)
	c.Release(h2)

	h := c.Lookup(key)
	if h == nil || string(h.Value()) != "new-value" {
		t.Fatalf("updated value = %v", h)
	}
	c.Release(h)

	if s := c.Stats(); s.Usage != 9 {
		t.Fatalf("usage = %d after update, want 9", s.Usage)
	}
}

func TestSetCapacityShrinks(t *testing.T) {
	c := New(1000, 1)
	for i := 0; i < 10; i++ {
		h := c.Insert(Key{ID: 1, Offset: uint64(i)}, make([]byte, 50), 50)
		c.Release(h)
	}
	if s := c.Stats(); s.Usage != 500 {
		t.Fatalf("usage = %d, want 500", s.Usage)
	}
	c.SetCapacity(100)
	if s := c.Stats(); s.Usage > 100 {
		t.Fatalf("usage = %d after shrink to 100", s.Usage)
	}
}

func TestStats(t *testing.T) {
	c := New(1<<20, 4)
	key := Key{ID: 1, Offset: 0}
	h := c.Insert(key, []byte("v"), 1)
	c.Release(h)

	if h := c.Lookup(key); h != nil {
		c.Release(h)
	}
	c.Lookup(Key{ID: 9, Offset: 9})

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
	if s.HitRate() != 0.5 {
		t.Fatalf("hit rate = %v, want 0.5", s.HitRate())
	}
	if s.Count != 1 || s.Usage != 1 {
		t.Fatalf("count/usage = %d/%d", s.Count, s.Usage)
	}
	if s.Capacity < 1<<20 {
		t.Fatalf("capacity = %d", s.Capacity)
	}

	var zero Stats
	if zero.HitRate() != 0 {
		t.Fatalf("idle hit rate = %v", zero.HitRate())
	}
}

func TestCloseEmpties(t *testing.T) {
	c := New(1<<20, 2)
	h := c.Insert(Key{ID: 1, Offset: 1}, []byte("v"), 1)
	c.Release(h)
	c.Close()
	if s := c.Stats(); s.Count != 0 || s.Usage != 0 {
		t.Fatalf("stats after Close = %+v", s)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(10_000, 8)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := Key{ID: uint64(g % 4), Offset: uint64(i % 100)}
				if h := c.Lookup(key); h != nil {
					if len(h.Value()) != 8 {
						t.Errorf("value length %d", len(h.Value()))
						c.Release(h)
						return
					}
					c.Release(h)
					continue
				}
				h := c.Insert(key, []byte(fmt.Sprintf("%8d", i%100)), 8)
				c.Release(h)
			}
		}(g)
	}
	wg.Wait()

	s := c.Stats()
	if s.Usage < 0 || s.Usage > 10_000 {
		t.Fatalf("usage out of bounds: %d", s.Usage)
	}
}
