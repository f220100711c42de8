package lodekv

// iterator.go implements the public iterator: a merge of the transaction's
// buffered writes, the memtables, and every table, collapsed to one live
// version per user key at the iterator's read sequence.

import (
	"sort"
	"time"

	"github.com/lodekv/lodekv/internal/iterator"
	"github.com/lodekv/lodekv/internal/levels"
	"github.com/lodekv/lodekv/internal/record"
)

// Iterator walks a column family's live keys in comparator order, in both
// directions. The view is fixed when the iterator is created: later
// commits, and later writes in the owning transaction, do not appear.
//
// Key and Value return slices that stay valid until the iterator moves.
// An Iterator is not safe for concurrent use.
type Iterator struct {
	db      *DB
	merged  iterator.Iterator
	version *levels.Version
	cmp     record.Compare
	visible record.SeqNum
	now     int64
	track   func(key []byte)

	key     []byte
	value   []byte
	skipBuf []byte
	valid   bool
	reverse bool
	closed  bool
	err     error
}

// NewIterator opens an iterator over the latest committed state of the
// named column family.
func (db *DB) NewIterator(cfName string) (*Iterator, error) {
	cf, err := db.ColumnFamily(cfName)
	if err != nil {
		return nil, err
	}
	return db.newIterator(cf, record.SeqNum(db.seq.Load()), nil, nil), nil
}

// NewIterator opens an iterator over the transaction's view of the named
// column family: its own buffered writes layered over the snapshot its
// isolation level reads at.
func (t *Txn) NewIterator(cfName string) (*Iterator, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	cf, err := t.db.ColumnFamily(cfName)
	if err != nil {
		return nil, err
	}
	visible := t.visibleSeq()
	var overlay iterator.Iterator
	if w := t.writes[cfName]; w != nil && len(w.log) > 0 {
		overlay = newOverlayIter(cf.cmp.Compare, w)
	}
	var track func([]byte)
	if t.reads != nil {
		track = func(key []byte) { t.trackRead(cfName, key) }
	}
	return t.db.newIterator(cf, visible, overlay, track), nil
}

func (db *DB) newIterator(cf *ColumnFamily, visible record.SeqNum, overlay iterator.Iterator, track func([]byte)) *Iterator {
	children := make([]iterator.Iterator, 0, 8)
	if overlay != nil {
		children = append(children, overlay)
	}
	children, version := cf.appendIterators(children)
	return &Iterator{
		db:      db,
		merged:  iterator.NewMerging(cf.cmp.Compare, children...),
		version: version,
		cmp:     cf.cmp.Compare,
		visible: visible,
		now:     time.Now().UnixNano(),
		track:   track,
	}
}

// visibleAt reports whether a version belongs in this iterator's view.
// Buffered transaction writes ride at the maximum sequence, above every
// committed version.
func (i *Iterator) visibleAt(seq record.SeqNum) bool {
	return seq <= i.visible || seq == record.MaxSeqNum
}

func (i *Iterator) fail(err error) {
	i.err = classify(err)
	i.valid = false
}

func (i *Iterator) emit(key, value []byte) {
	i.key = append(i.key[:0], key...)
	i.value = append(i.value[:0], value...)
	i.valid = true
	if i.track != nil {
		i.track(i.key)
	}
}

// forwardSettle advances from the current merged position to the next
// user key whose newest visible version is live.
func (i *Iterator) forwardSettle() {
	for i.merged.Valid() {
		e := i.merged.Entry()
		if !i.visibleAt(e.Seq) {
			i.merged.Next()
			continue
		}
		if e.Tombstone() || e.Expired(i.now) {
			i.skipForwardKey(e.Key)
			continue
		}
		value, err := i.merged.Value()
		if err != nil {
			i.fail(err)
			return
		}
		i.emit(e.Key, value)
		return
	}
	i.valid = false
	if err := i.merged.Error(); err != nil && i.err == nil {
		i.err = classify(err)
	}
}

// skipForwardKey moves past every remaining version of key.
func (i *Iterator) skipForwardKey(key []byte) {
	i.skipBuf = append(i.skipBuf[:0], key...)
	for i.merged.Valid() && i.cmp(i.merged.Entry().Key, i.skipBuf) == 0 {
		i.merged.Next()
	}
}

// backwardSettle retreats to the previous user key with a live visible
// version. Walking backward, a key's versions arrive oldest first, so the
// newest visible one is the last seen before the key changes.
func (i *Iterator) backwardSettle() {
	var (
		candKey  []byte
		candVal  []byte
		started  bool
		haveCand bool
		candLive bool
	)
	for i.merged.Valid() {
		e := i.merged.Entry()
		if started && i.cmp(e.Key, candKey) != 0 {
			if haveCand && candLive {
				i.emit(candKey, candVal)
				return
			}
			haveCand = false
		}
		started = true
		candKey = append(candKey[:0], e.Key...)
		if i.visibleAt(e.Seq) {
			value, err := i.merged.Value()
			if err != nil {
				i.fail(err)
				return
			}
			candVal = append(candVal[:0], value...)
			haveCand = true
			candLive = !e.Tombstone() && !e.Expired(i.now)
		}
		i.merged.Prev()
	}
	if haveCand && candLive {
		i.emit(candKey, candVal)
		return
	}
	i.valid = false
	if err := i.merged.Error(); err != nil && i.err == nil {
		i.err = classify(err)
	}
}

// SeekToFirst positions at the smallest live key.
func (i *Iterator) SeekToFirst() {
	if i.closed {
		return
	}
	i.db.stats.recordTick(TickerIterSeek, 1)
	i.err = nil
	i.reverse = false
	i.merged.SeekToFirst()
	i.forwardSettle()
}

// SeekToLast positions at the largest live key.
func (i *Iterator) SeekToLast() {
	if i.closed {
		return
	}
	i.db.stats.recordTick(TickerIterSeek, 1)
	i.err = nil
	i.reverse = true
	i.merged.SeekToLast()
	i.backwardSettle()
}

// Seek positions at the first live key >= key.
func (i *Iterator) Seek(key []byte) {
	if i.closed {
		return
	}
	i.db.stats.recordTick(TickerIterSeek, 1)
	i.err = nil
	i.reverse = false
	i.merged.Seek(record.MakeSeekKey(key, record.MaxSeqNum))
	i.forwardSettle()
}

// SeekForPrev positions at the last live key <= key.
func (i *Iterator) SeekForPrev(key []byte) {
	if i.closed {
		return
	}
	i.db.stats.recordTick(TickerIterSeek, 1)
	i.err = nil
	i.reverse = true
	i.merged.SeekForPrev(record.MakeInternalKey(key, 0, 0))
	i.backwardSettle()
}

// Next advances to the next live key. Calling Next on an exhausted
// iterator is a no-op.
func (i *Iterator) Next() {
	if i.closed || i.err != nil || !i.valid {
		i.valid = false
		return
	}
	if i.reverse {
		// Flip direction: jump to the first entry past the current key.
		i.reverse = false
		i.merged.Seek(record.MakeInternalKey(i.key, 0, 0))
	} else {
		i.skipForwardKey(i.key)
	}
	i.forwardSettle()
}

// Prev retreats to the previous live key. Calling Prev on an exhausted
// iterator is a no-op.
func (i *Iterator) Prev() {
	if i.closed || i.err != nil || !i.valid {
		i.valid = false
		return
	}
	if !i.reverse {
		// Flip direction: jump to the last entry before the current key.
		i.reverse = true
		i.merged.SeekForPrev(record.MakeSeekKey(i.key, record.MaxSeqNum))
	}
	i.backwardSettle()
}

// Valid reports whether the iterator is positioned at a key.
func (i *Iterator) Valid() bool { return i.valid }

// Key returns the current key. REQUIRES: Valid().
func (i *Iterator) Key() []byte { return i.key }

// Value returns the current value. REQUIRES: Valid().
func (i *Iterator) Value() []byte { return i.value }

// Error returns the first failure encountered.
func (i *Iterator) Error() error { return i.err }

// Close releases the iterator's pinned resources.
func (i *Iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.valid = false
	err := i.merged.Close()
	if i.version != nil {
		i.version.Unref()
	}
	if err != nil {
		return classify(err)
	}
	return i.err
}

// overlayIter exposes a transaction's buffered writes for one column
// family as an internal iterator. Entries carry the maximum sequence so
// they shadow every committed version during the merge.
type overlayIter struct {
	cmp     record.Compare
	entries []record.Entry
	pos     int
	ikBuf   []byte
}

func newOverlayIter(cmp record.Compare, w *cfWrites) *overlayIter {
	entries := make([]record.Entry, 0, len(w.idx))
	for i := range w.log {
		op := &w.log[i]
		if w.idx[string(op.key)] != i {
			continue
		}
		entries = append(entries, record.Entry{
			Key:    op.key,
			Seq:    record.MaxSeqNum,
			Kind:   op.kind,
			Expiry: op.expiry,
			Value:  op.value,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return cmp(entries[i].Key, entries[j].Key) < 0
	})
	return &overlayIter{cmp: cmp, entries: entries, pos: -1}
}

func (o *overlayIter) Valid() bool {
	return o.pos >= 0 && o.pos < len(o.entries)
}

func (o *overlayIter) SeekToFirst() { o.pos = 0 }
func (o *overlayIter) SeekToLast()  { o.pos = len(o.entries) - 1 }

func (o *overlayIter) Seek(target []byte) {
	o.pos = sort.Search(len(o.entries), func(i int) bool {
		return record.InternalCompare(o.cmp, o.internalKey(i), target) >= 0
	})
}

func (o *overlayIter) SeekForPrev(target []byte) {
	o.pos = sort.Search(len(o.entries), func(i int) bool {
		return record.InternalCompare(o.cmp, o.internalKey(i), target) > 0
	}) - 1
}

func (o *overlayIter) Next() { o.pos++ }
func (o *overlayIter) Prev() { o.pos-- }

func (o *overlayIter) internalKey(i int) []byte {
	e := &o.entries[i]
	o.ikBuf = append(o.ikBuf[:0], record.MakeInternalKey(e.Key, e.Seq, e.Kind)...)
	return o.ikBuf
}

func (o *overlayIter) Key() []byte {
	return o.internalKey(o.pos)
}

func (o *overlayIter) Entry() record.Entry {
	return o.entries[o.pos]
}

func (o *overlayIter) Value() ([]byte, error) {
	return o.entries[o.pos].Value, nil
}

func (o *overlayIter) Error() error { return nil }
func (o *overlayIter) Close() error { return nil }
