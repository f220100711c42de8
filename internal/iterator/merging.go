// merging.go implements the heap-based merging iterator.
package iterator

import (
	"container/heap"

	"github.com/lodekv/lodekv/internal/record"
)

type direction int8

const (
	forward direction = iota
	backward
)

// Merging combines child iterators into one stream in internal-key order.
// Children may overlap on an internal key while a flush hands a memtable's
// contents over to a table; equal keys surface once per child, in arbitrary
// relative order, and readers above collapse them by user key.
//
// Forward iteration runs on a min-heap, backward on a max-heap. Changing
// direction repositions every child around the current key, so mixed
// Next/Prev sequences observe a consistent ordering.
type Merging struct {
	children []Iterator
	cmp      record.Compare
	h        iterHeap
	dir      direction
	current  int // child index, -1 when exhausted
	err      error
}

// NewMerging returns a merging iterator over children. cmp orders user
// keys; internal-key ordering is derived from it.
func NewMerging(cmp record.Compare, children ...Iterator) *Merging {
	m := &Merging{
		children: children,
		cmp:      cmp,
		current:  -1,
	}
	m.h.items = make([]heapItem, 0, len(children))
	m.h.less = func(a, b []byte) bool {
		return record.InternalCompare(cmp, a, b) < 0
	}
	return m
}

// Valid reports whether the iterator is positioned at a record.
func (m *Merging) Valid() bool {
	return m.err == nil && m.current >= 0
}

// Key returns the internal key at the current position.
func (m *Merging) Key() []byte {
	if !m.Valid() {
		return nil
	}
	return m.children[m.current].Key()
}

// Entry returns the record at the current position.
func (m *Merging) Entry() record.Entry {
	if !m.Valid() {
		return record.Entry{}
	}
	return m.children[m.current].Entry()
}

// Value resolves the current record's value through its source.
func (m *Merging) Value() ([]byte, error) {
	if !m.Valid() {
		return nil, nil
	}
	return m.children[m.current].Value()
}

// Error returns the first child failure.
func (m *Merging) Error() error {
	return m.err
}

// Close closes every child and returns the first error.
func (m *Merging) Close() error {
	err := m.err
	for _, c := range m.children {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	m.current = -1
	return err
}

// SeekToFirst positions at the smallest internal key across children.
func (m *Merging) SeekToFirst() {
	m.position(forward, func(c Iterator) { c.SeekToFirst() })
}

// SeekToLast positions at the largest internal key across children.
func (m *Merging) SeekToLast() {
	m.position(backward, func(c Iterator) { c.SeekToLast() })
}

// Seek positions at the first internal key >= target.
func (m *Merging) Seek(target []byte) {
	m.position(forward, func(c Iterator) { c.Seek(target) })
}

// SeekForPrev positions at the last internal key <= target.
func (m *Merging) SeekForPrev(target []byte) {
	m.position(backward, func(c Iterator) { c.SeekForPrev(target) })
}

func (m *Merging) position(dir direction, move func(Iterator)) {
	m.err = nil
	m.dir = dir
	m.h.invert = dir == backward
	m.h.items = m.h.items[:0]

	for i, c := range m.children {
		move(c)
		if err := c.Error(); err != nil {
			m.fail(err)
			return
		}
		if c.Valid() {
			m.h.items = append(m.h.items, heapItem{child: i, key: c.Key()})
		}
	}
	heap.Init(&m.h)
	m.pickTop()
}

// Next advances to the next larger internal key.
func (m *Merging) Next() {
	if !m.Valid() {
		return
	}
	if m.dir == backward {
		m.switchToForward()
		if !m.Valid() {
			return
		}
	}

	c := m.children[m.current]
	c.Next()
	if err := c.Error(); err != nil {
		m.fail(err)
		return
	}
	if c.Valid() {
		m.h.items[0].key = c.Key()
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	m.pickTop()
}

// Prev retreats to the next smaller internal key.
func (m *Merging) Prev() {
	if !m.Valid() {
		return
	}
	if m.dir == forward {
		m.switchToBackward()
		if !m.Valid() {
			return
		}
	}

	c := m.children[m.current]
	c.Prev()
	if err := c.Error(); err != nil {
		m.fail(err)
		return
	}
	if c.Valid() {
		m.h.items[0].key = c.Key()
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	m.pickTop()
}

// switchToForward repositions all children strictly after the current key
// and rebuilds the min-heap, keeping the current position.
func (m *Merging) switchToForward() {
	key := append([]byte(nil), m.children[m.current].Key()...)
	cur := m.current

	m.dir = forward
	m.h.invert = false
	m.h.items = m.h.items[:0]

	for i, c := range m.children {
		if i != cur {
			c.Seek(key)
			if c.Valid() && record.InternalCompare(m.cmp, c.Key(), key) == 0 {
				c.Next()
			}
		}
		if err := c.Error(); err != nil {
			m.fail(err)
			return
		}
		if c.Valid() {
			m.h.items = append(m.h.items, heapItem{child: i, key: c.Key()})
		}
	}
	heap.Init(&m.h)
	m.pickTop()
	// The heap now holds the current key (from cur) plus strictly-greater
	// keys from the rest; top is the current position again.
}

// switchToBackward mirrors switchToForward for the reverse direction.
func (m *Merging) switchToBackward() {
	key := append([]byte(nil), m.children[m.current].Key()...)
	cur := m.current

	m.dir = backward
	m.h.invert = true
	m.h.items = m.h.items[:0]

	for i, c := range m.children {
		if i != cur {
			c.SeekForPrev(key)
			if c.Valid() && record.InternalCompare(m.cmp, c.Key(), key) == 0 {
				c.Prev()
			}
		}
		if err := c.Error(); err != nil {
			m.fail(err)
			return
		}
		if c.Valid() {
			m.h.items = append(m.h.items, heapItem{child: i, key: c.Key()})
		}
	}
	heap.Init(&m.h)
	m.pickTop()
}

func (m *Merging) pickTop() {
	if m.h.Len() == 0 {
		m.current = -1
		return
	}
	m.current = m.h.items[0].child
}

func (m *Merging) fail(err error) {
	m.err = err
	m.current = -1
}

type heapItem struct {
	child int
	key   []byte
}

type iterHeap struct {
	items  []heapItem
	less   func(a, b []byte) bool
	invert bool
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	if h.invert {
		i, j = j, i
	}
	return h.less(h.items[i].key, h.items[j].key)
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	item, ok := x.(heapItem)
	if ok {
		h.items = append(h.items, item)
	}
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
