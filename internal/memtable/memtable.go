// Package memtable implements the in-memory write buffer.
//
// A MemTable wraps a skip list whose entries are self-contained records:
//
//	entry := ik_len varint | internal key | expiry varint | value_len varint | value
//
// Values are always stored inline; separation into the value log happens at
// flush time. Ordering is internal-key order under the column family's user
// comparator, so all versions of a key are adjacent, newest first.
//
// Reads are lock-free. Adds require external synchronization, which the
// commit path provides.
package memtable

import (
	"sync/atomic"

	"github.com/lodekv/lodekv/internal/encoding"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/skl"
)

// MemTable is a sorted buffer of committed records awaiting flush.
type MemTable struct {
	list   *skl.SkipList
	cmp    record.Compare
	maxSeq atomic.Uint64
}

// New returns an empty memtable ordered by cmp with the given skip list
// sizing parameters.
func New(cmp record.Compare, maxHeight int, probability float64) *MemTable {
	entryCmp := func(a, b []byte) int {
		return record.InternalCompare(cmp, entryInternalKey(a), entryInternalKey(b))
	}
	return &MemTable{
		list: skl.NewWithParams(entryCmp, maxHeight, probability),
		cmp:  cmp,
	}
}

// Add inserts one version of a key. Tombstones carry an empty value.
// REQUIRES: external synchronization; (key, seq) not already present.
func (m *MemTable) Add(seq record.SeqNum, kind record.Kind, key, value []byte, expiry int64) {
	ik := record.MakeInternalKey(key, seq, kind)
	n := encoding.VarintLength(uint64(len(ik))) + len(ik) +
		encoding.VarintLength(uint64(expiry)) +
		encoding.VarintLength(uint64(len(value))) + len(value)
	buf := make([]byte, 0, n)
	buf = encoding.AppendLengthPrefixedSlice(buf, ik)
	buf = encoding.AppendVarint64(buf, uint64(expiry))
	buf = encoding.AppendLengthPrefixedSlice(buf, value)
	m.list.Insert(buf)
	if s := uint64(seq); s > m.maxSeq.Load() {
		m.maxSeq.Store(s)
	}
}

// MaxSeq returns the highest sequence number ever added, zero when none.
func (m *MemTable) MaxSeq() record.SeqNum {
	return record.SeqNum(m.maxSeq.Load())
}

// Get returns the newest version of key with sequence <= visible. The
// second return is false when this memtable holds no such version; the
// caller then consults older stores. A returned tombstone or expired entry
// still counts as found.
func (m *MemTable) Get(key []byte, visible record.SeqNum) (record.Entry, bool) {
	it := m.list.NewIterator()
	it.Seek(wrapInternalKey(record.MakeSeekKey(key, visible)))
	if !it.Valid() {
		return record.Entry{}, false
	}
	e, err := decodeEntry(it.Entry())
	if err != nil {
		return record.Entry{}, false
	}
	if m.cmp(e.Key, key) != 0 {
		return record.Entry{}, false
	}
	return e, true
}

// MemoryUsage returns the approximate bytes buffered.
func (m *MemTable) MemoryUsage() int64 {
	return m.list.MemoryUsage()
}

// Count returns the number of buffered records.
func (m *MemTable) Count() int64 {
	return m.list.Count()
}

// Empty reports whether the memtable holds no records.
func (m *MemTable) Empty() bool {
	return m.list.Empty()
}

// entryInternalKey extracts the internal key from an encoded entry.
func entryInternalKey(entry []byte) []byte {
	ik, _, _ := encoding.DecodeLengthPrefixedSlice(entry)
	return ik
}

// wrapInternalKey frames an internal key the way stored entries are framed
// so the skip list comparator can position against it.
func wrapInternalKey(ik []byte) []byte {
	buf := make([]byte, 0, encoding.VarintLength(uint64(len(ik)))+len(ik))
	return encoding.AppendLengthPrefixedSlice(buf, ik)
}

func decodeEntry(entry []byte) (record.Entry, error) {
	s := encoding.NewSlice(entry)
	ik, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return record.Entry{}, record.ErrCorruptEntry
	}
	ukey, seq, kind, err := record.ParseInternalKey(ik)
	if err != nil {
		return record.Entry{}, err
	}
	expiry, ok := s.GetVarint64()
	if !ok {
		return record.Entry{}, record.ErrCorruptEntry
	}
	value, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return record.Entry{}, record.ErrCorruptEntry
	}
	return record.Entry{
		Key:    ukey,
		Seq:    seq,
		Kind:   kind,
		Expiry: int64(expiry),
		Value:  value,
	}, nil
}

// Iter iterates a memtable in internal-key order.
type Iter struct {
	it  *skl.Iterator
	err error

	// Decoded state for the current position.
	ik    []byte
	entry record.Entry
}

// NewIter returns an unpositioned iterator over the memtable. Records added
// after creation are visible to it.
func (m *MemTable) NewIter() *Iter {
	return &Iter{it: m.list.NewIterator()}
}

func (i *Iter) load() {
	if !i.it.Valid() {
		i.ik = nil
		return
	}
	raw := i.it.Entry()
	e, err := decodeEntry(raw)
	if err != nil {
		i.err = err
		i.ik = nil
		return
	}
	i.ik = entryInternalKey(raw)
	i.entry = e
}

// Valid reports whether the iterator is positioned at a record.
func (i *Iter) Valid() bool {
	return i.ik != nil && i.err == nil
}

// Key returns the internal key at the current position.
// REQUIRES: Valid().
func (i *Iter) Key() []byte {
	return i.ik
}

// Entry returns the decoded record at the current position.
// REQUIRES: Valid().
func (i *Iter) Entry() record.Entry {
	return i.entry
}

// Value returns the record's value. Memtable values are always inline.
func (i *Iter) Value() ([]byte, error) {
	return i.entry.Value, nil
}

// SeekToFirst positions at the first record.
func (i *Iter) SeekToFirst() {
	i.it.SeekToFirst()
	i.load()
}

// SeekToLast positions at the last record.
func (i *Iter) SeekToLast() {
	i.it.SeekToLast()
	i.load()
}

// Seek positions at the first record with internal key >= target.
func (i *Iter) Seek(target []byte) {
	if len(target) < record.TrailerLen {
		i.err = record.ErrKeyTooShort
		i.ik = nil
		return
	}
	i.it.Seek(wrapInternalKey(target))
	i.load()
}

// SeekForPrev positions at the last record with internal key <= target.
func (i *Iter) SeekForPrev(target []byte) {
	if len(target) < record.TrailerLen {
		i.err = record.ErrKeyTooShort
		i.ik = nil
		return
	}
	i.it.SeekForPrev(wrapInternalKey(target))
	i.load()
}

// Next advances to the following record.
func (i *Iter) Next() {
	i.it.Next()
	i.load()
}

// Prev retreats to the preceding record.
func (i *Iter) Prev() {
	i.it.Prev()
	i.load()
}

// Error returns the first corruption encountered, if any.
func (i *Iter) Error() error {
	return i.err
}

// Close releases the iterator. Memtable iterators hold no resources.
func (i *Iter) Close() error {
	return i.err
}
