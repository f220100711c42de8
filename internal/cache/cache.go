// Package cache implements the partitioned LRU block cache shared by all
// column families.
//
// The cache is split into power-of-two partitions to reduce lock
// contention; a key's partition is chosen by hashing its identity. Entries
// are refcounted: Lookup and Insert pin an entry until the matching
// Release, and pinned entries are never evicted.
//
// Keys pair a cache ID with a block offset. Each table reader allocates its
// own ID from NewID, so block offsets never collide across files or column
// families and stale entries simply age out after a file is dropped.
package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultPartitions is the partition count used when none is given.
const DefaultPartitions = 16

// Key identifies one cached block.
type Key struct {
	// ID is the owning reader's cache ID from NewID.
	ID uint64
	// Offset is the block's position within its file.
	Offset uint64
}

func (k Key) hash() uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], k.ID)
	binary.LittleEndian.PutUint64(b[8:16], k.Offset)
	return xxhash.Sum64(b[:])
}

// Handle pins a cached block. Callers must Release every handle they
// obtain; the block's memory is reclaimable only at zero pins.
type Handle struct {
	key     Key
	value   []byte
	charge  int64
	refs    int32
	deleted bool
}

// Value returns the cached block bytes. The slice must not be modified and
// is valid until Release.
func (h *Handle) Value() []byte {
	return h.value
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Usage     int64
	Capacity  int64
	Count     uint64
}

// HitRate returns hits over total lookups, zero when idle.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the partitioned LRU cache.
type Cache struct {
	partitions []*partition
	mask       uint64
	ids        atomic.Uint64
}

// New returns a cache bounded by capacity bytes split across partitions.
// The partition count is rounded up to a power of two; non-positive counts
// use DefaultPartitions.
func New(capacity int64, partitions int) *Cache {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	n := 1
	for n < partitions {
		n <<= 1
	}
	per := capacity / int64(n)
	if per <= 0 {
		per = 1
	}
	c := &Cache{
		partitions: make([]*partition, n),
		mask:       uint64(n - 1),
	}
	for i := range c.partitions {
		c.partitions[i] = newPartition(per)
	}
	return c
}

// Partitions returns the partition count.
func (c *Cache) Partitions() int {
	return len(c.partitions)
}

// NewID allocates a cache ID for a table reader.
func (c *Cache) NewID() uint64 {
	return c.ids.Add(1)
}

func (c *Cache) partition(k Key) *partition {
	return c.partitions[k.hash()&c.mask]
}

// Insert adds or replaces a block and returns a pinned handle to it.
func (c *Cache) Insert(key Key, value []byte, charge int64) *Handle {
	return c.partition(key).insert(key, value, charge)
}

// Lookup returns a pinned handle to the block, or nil on miss.
func (c *Cache) Lookup(key Key) *Handle {
	return c.partition(key).lookup(key)
}

// Release unpins a handle. Safe on nil.
func (c *Cache) Release(h *Handle) {
	if h != nil {
		c.partition(h.key).release(h)
	}
}

// Erase drops a block; pinned entries are dropped once fully released.
func (c *Cache) Erase(key Key) {
	c.partition(key).erase(key)
}

// SetCapacity rebounds the cache, evicting as needed.
func (c *Cache) SetCapacity(capacity int64) {
	per := capacity / int64(len(c.partitions))
	if per <= 0 {
		per = 1
	}
	for _, p := range c.partitions {
		p.setCapacity(per)
	}
}

// Stats aggregates all partitions.
func (c *Cache) Stats() Stats {
	var s Stats
	for _, p := range c.partitions {
		p.mu.Lock()
		s.Usage += p.usage
		s.Capacity += p.capacity
		s.Count += uint64(len(p.table))
		p.mu.Unlock()
		s.Hits += p.hits.Load()
		s.Misses += p.misses.Load()
		s.Evictions += p.evictions.Load()
	}
	return s
}

// Close empties the cache. Outstanding handles stay readable; their memory
// is released when the holders do.
func (c *Cache) Close() {
	for _, p := range c.partitions {
		p.clear()
	}
}

// partition is one LRU-ordered slice of the cache.
type partition struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	table    map[Key]*list.Element
	order    *list.List // front = most recent

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newPartition(capacity int64) *partition {
	return &partition{
		capacity: capacity,
		table:    make(map[Key]*list.Element),
		order:    list.New(),
	}
}

func elemHandle(e *list.Element) *Handle {
	h, _ := e.Value.(*Handle)
	return h
}

func (p *partition) insert(key Key, value []byte, charge int64) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.table[key]; ok {
		h := elemHandle(elem)
		p.usage += charge - h.charge
		h.value = value
		h.charge = charge
		h.refs++
		p.order.MoveToFront(elem)
		p.evictLocked()
		return h
	}

	h := &Handle{key: key, value: value, charge: charge, refs: 1}
	p.usage += charge
	p.table[key] = p.order.PushFront(h)
	p.evictLocked()
	return h
}

func (p *partition) lookup(key Key) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.table[key]; ok {
		h := elemHandle(elem)
		if !h.deleted {
			h.refs++
			p.order.MoveToFront(elem)
			p.hits.Add(1)
			return h
		}
	}
	p.misses.Add(1)
	return nil
}

func (p *partition) release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h.refs--
	if h.refs == 0 && h.deleted {
		if elem, ok := p.table[h.key]; ok && elemHandle(elem) == h {
			p.removeLocked(elem)
		}
	}
}

func (p *partition) erase(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.table[key]; ok {
		h := elemHandle(elem)
		h.deleted = true
		if h.refs == 0 {
			p.removeLocked(elem)
		}
	}
}

func (p *partition) setCapacity(capacity int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = capacity
	p.evictLocked()
}

func (p *partition) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table = make(map[Key]*list.Element)
	p.order.Init()
	p.usage = 0
}

// evictLocked drops least-recent unpinned entries until within capacity.
func (p *partition) evictLocked() {
	e := p.order.Back()
	for p.usage > p.capacity && e != nil {
		prev := e.Prev()
		h := elemHandle(e)
		if h.refs == 0 && !h.deleted {
			p.removeLocked(e)
			p.evictions.Add(1)
		}
		e = prev
	}
}

func (p *partition) removeLocked(elem *list.Element) {
	h := elemHandle(elem)
	delete(p.table, h.key)
	p.order.Remove(elem)
	p.usage -= h.charge
}
