package lodekv

// snapshot.go tracks the sequence numbers pinned by transactions and
// iterators.
//
// Compaction consults the oldest pinned sequence before discarding
// superseded versions, tombstones, or expired entries, so a reader at a
// fixed snapshot never sees history change under it.

import (
	"sync"
	"sync/atomic"

	"github.com/lodekv/lodekv/internal/record"
)

// snapshot pins one sequence number for as long as it is referenced.
type snapshot struct {
	seq  record.SeqNum
	refs int32 // guarded by the owning list's mutex

	prev, next *snapshot
}

// snapshotList keeps live snapshots in a doubly-linked ring ordered
// oldest-first. acquire reads the commit sequence under the list lock,
// in the same critical section as the insert, so pins enter in
// non-decreasing order and a pin can never carry a sequence older than
// a floor already handed to a flush or compaction.
type snapshotList struct {
	mu    sync.Mutex
	seq   *atomic.Uint64 // commit sequence, loaded under mu
	root  snapshot       // sentinel: root.next is oldest, root.prev newest
	count int
}

func (l *snapshotList) init(seq *atomic.Uint64) {
	l.seq = seq
	l.root.prev = &l.root
	l.root.next = &l.root
}

// acquire pins the current commit sequence, sharing the newest node when
// the sequence has not moved since the last pin.
func (l *snapshotList) acquire() *snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := record.SeqNum(l.seq.Load())
	if newest := l.root.prev; newest != &l.root && newest.seq == seq {
		newest.refs++
		return newest
	}

	s := &snapshot{seq: seq, refs: 1}
	s.prev = l.root.prev
	s.next = &l.root
	s.prev.next = s
	l.root.prev = s
	l.count++
	return s
}

// release drops one reference; the node unlinks at zero.
func (l *snapshotList) release(s *snapshot) {
	if s == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = nil, nil
	l.count--
}

// oldest returns the lowest pinned sequence, or MaxSeqNum when nothing is
// pinned.
func (l *snapshotList) oldest() record.SeqNum {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return record.MaxSeqNum
	}
	return l.root.next.seq
}

func (l *snapshotList) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count == 0
}
