// Package skl implements the lock-free-read skip list backing the memtable.
//
// Reads never lock: node links are atomic pointers and nodes are immutable
// once linked. Writes require external synchronization. Nodes are never
// unlinked; the list is discarded wholesale when its memtable is dropped.
package skl

import (
	"math/rand"
	"sync/atomic"
)

const (
	// DefaultMaxHeight bounds tower height; 2^12 entries fill it at the
	// default probability.
	DefaultMaxHeight = 12

	// DefaultProbability is the chance a node is promoted one level.
	DefaultProbability = 0.25
)

// nodeOverhead approximates per-node bookkeeping bytes beyond the entry and
// tower: entry slice header plus struct padding.
const nodeOverhead = 48

// Compare orders two stored entries: negative if a<b, zero if equal,
// positive if a>b.
type Compare func(a, b []byte) int

type node struct {
	entry []byte
	tower []atomic.Pointer[node]
}

func newNode(entry []byte, height int) *node {
	return &node{entry: entry, tower: make([]atomic.Pointer[node], height)}
}

func (n *node) next(level int) *node {
	return n.tower[level].Load()
}

func (n *node) setNext(level int, to *node) {
	n.tower[level].Store(to)
}

// SkipList is a sorted collection of byte entries. Entry ordering is the
// caller's Compare; entries must be unique under it.
type SkipList struct {
	head      *node
	height    atomic.Int32
	cmp       Compare
	rng       *rand.Rand
	maxHeight int
	// promote is the per-level promotion threshold scaled to uint32 range.
	promote uint32

	count atomic.Int64
	usage atomic.Int64
}

// New returns an empty skip list with default sizing parameters.
func New(cmp Compare) *SkipList {
	return NewWithParams(cmp, DefaultMaxHeight, DefaultProbability)
}

// NewWithParams returns an empty skip list with the given tower height bound
// and promotion probability. Out-of-range parameters fall back to defaults.
func NewWithParams(cmp Compare, maxHeight int, probability float64) *SkipList {
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	if probability <= 0 || probability >= 1 {
		probability = DefaultProbability
	}
	sl := &SkipList{
		head:      newNode(nil, maxHeight),
		cmp:       cmp,
		rng:       rand.New(rand.NewSource(0x51c9)),
		maxHeight: maxHeight,
		promote:   uint32(probability * (1 << 32)),
	}
	sl.height.Store(1)
	return sl
}

// Insert links entry into the list and reports whether it was added. An
// entry equal to an existing one under Compare is rejected.
// REQUIRES: external synchronization among writers.
func (sl *SkipList) Insert(entry []byte) bool {
	prev := make([]*node, sl.maxHeight)
	if x := sl.findGreaterOrEqual(entry, prev); x != nil && sl.cmp(entry, x.entry) == 0 {
		return false
	}

	height := sl.randomHeight()
	if h := int(sl.height.Load()); height > h {
		for i := h; i < height; i++ {
			prev[i] = sl.head
		}
		sl.height.Store(int32(height))
	}

	n := newNode(entry, height)
	for i := 0; i < height; i++ {
		n.setNext(i, prev[i].next(i))
		prev[i].setNext(i, n)
	}

	sl.count.Add(1)
	sl.usage.Add(int64(len(entry) + height*8 + nodeOverhead))
	return true
}

// Get returns the stored entry equal to key under Compare, or nil.
func (sl *SkipList) Get(key []byte) []byte {
	if x := sl.findGreaterOrEqual(key, nil); x != nil && sl.cmp(key, x.entry) == 0 {
		return x.entry
	}
	return nil
}

// Count returns the number of entries.
func (sl *SkipList) Count() int64 {
	return sl.count.Load()
}

// MemoryUsage returns the approximate bytes held by entries and towers.
func (sl *SkipList) MemoryUsage() int64 {
	return sl.usage.Load()
}

// Empty reports whether the list holds no entries.
func (sl *SkipList) Empty() bool {
	return sl.head.next(0) == nil
}

// findGreaterOrEqual returns the first node with entry >= key, nil if none.
// When prev is non-nil it receives the predecessor at every level.
func (sl *SkipList) findGreaterOrEqual(key []byte, prev []*node) *node {
	x := sl.head
	level := int(sl.height.Load()) - 1
	for {
		next := x.next(level)
		if next != nil && sl.cmp(key, next.entry) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node with entry < key, nil if none.
func (sl *SkipList) findLessThan(key []byte) *node {
	x := sl.head
	level := int(sl.height.Load()) - 1
	for {
		next := x.next(level)
		if next != nil && sl.cmp(next.entry, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

// findLast returns the last node, nil if the list is empty.
func (sl *SkipList) findLast() *node {
	x := sl.head
	level := int(sl.height.Load()) - 1
	for {
		if next := x.next(level); next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (sl *SkipList) randomHeight() int {
	h := 1
	for h < sl.maxHeight && sl.rng.Uint32() < sl.promote {
		h++
	}
	return h
}

// Iterator walks the list in entry order. It is positioned by one of the
// Seek methods and is invalid until then. Concurrent inserts are visible to
// an open iterator.
type Iterator struct {
	list *SkipList
	node *node
}

// NewIterator returns an unpositioned iterator.
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{list: sl}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.node != nil
}

// Entry returns the entry at the current position.
// REQUIRES: Valid().
func (it *Iterator) Entry() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.entry
}

// Next advances to the following entry.
// REQUIRES: Valid().
func (it *Iterator) Next() {
	if it.node != nil {
		it.node = it.node.next(0)
	}
}

// Prev retreats to the preceding entry.
// REQUIRES: Valid().
func (it *Iterator) Prev() {
	if it.node != nil {
		it.node = it.list.findLessThan(it.node.entry)
	}
}

// Seek positions at the first entry >= target.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

// SeekForPrev positions at the last entry <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.Seek(target)
	if !it.Valid() {
		it.SeekToLast()
		return
	}
	if it.list.cmp(it.node.entry, target) > 0 {
		it.Prev()
	}
}

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.node = it.list.head.next(0)
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	it.node = it.list.findLast()
}
