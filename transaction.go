package lodekv

// transaction.go implements transactions: buffered write sets with
// read-your-writes, five isolation levels, named savepoints, and the
// commit protocol that serializes every write into the WAL and memtables.

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lodekv/lodekv/internal/record"
)

// IsolationLevel selects how a transaction's reads relate to concurrent
// commits and what its own commit validates against.
type IsolationLevel int

const (
	// ReadUncommitted reads the newest version present in the engine,
	// including writes of commits still in flight.
	ReadUncommitted IsolationLevel = iota

	// ReadCommitted reads the latest committed version at the time of
	// each individual read.
	ReadCommitted

	// RepeatableRead pins the read view at the transaction's first read.
	RepeatableRead

	// Snapshot pins the read view at Begin and rejects the commit when a
	// concurrent transaction committed a write to any of the same keys.
	Snapshot

	// Serializable extends Snapshot validation to the read set: the
	// commit is rejected when any key this transaction read or wrote was
	// concurrently written.
	Serializable
)

// String returns the level's name as used in CONFIG files.
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Snapshot:
		return "snapshot"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", int(l))
	}
}

type writeOp struct {
	key    []byte
	value  []byte
	kind   record.Kind
	expiry int64
}

// cfWrites is one column family's slice of the write set. The log keeps
// every operation in order for savepoints; idx points at the newest
// operation per key.
type cfWrites struct {
	log []writeOp
	idx map[string]int
}

func (w *cfWrites) rebuildIndex() {
	for k := range w.idx {
		delete(w.idx, k)
	}
	for i, op := range w.log {
		w.idx[string(op.key)] = i
	}
}

type savePoint struct {
	name    string
	lengths map[string]int
}

// Txn is a transaction. Writes are buffered in memory with
// read-your-writes semantics and become durable and visible atomically at
// Commit. A Txn is not safe for concurrent use; Commit, Rollback, and a
// failed Commit all close it.
type Txn struct {
	db    *DB
	level IsolationLevel

	closed bool
	err    error

	snap    *snapshot
	readSeq record.SeqNum

	writes map[string]*cfWrites
	reads  map[string]struct{}
	saves  []savePoint
}

// Begin starts a transaction at the default column family's configured
// isolation level.
func (db *DB) Begin() *Txn {
	level := ReadCommitted
	if cf := db.DefaultColumnFamily(); cf != nil {
		level = cf.config.DefaultIsolation
	}
	return db.BeginWithIsolation(level)
}

// BeginWithIsolation starts a transaction at the given level. Begin never
// fails; a transaction started against a closed database reports
// ErrDBClosed from its first operation.
func (db *DB) BeginWithIsolation(level IsolationLevel) *Txn {
	t := &Txn{
		db:     db,
		level:  level,
		writes: make(map[string]*cfWrites),
	}
	if level < ReadUncommitted || level > Serializable {
		t.err = fmt.Errorf("%w: isolation level %d", ErrInvalidArgument, int(level))
		t.closed = true
		return t
	}
	if db.closed.Load() {
		t.err = ErrDBClosed
		t.closed = true
		return t
	}
	switch level {
	case Snapshot, Serializable:
		t.snap = db.snapshots.acquire()
		t.readSeq = t.snap.seq
	}
	if level == Serializable {
		t.reads = make(map[string]struct{})
	}
	return t
}

// Isolation returns the transaction's isolation level.
func (t *Txn) Isolation() IsolationLevel { return t.level }

func (t *Txn) usable() error {
	if t.closed {
		if t.err != nil {
			return t.err
		}
		return ErrTxnClosed
	}
	if t.db.closed.Load() {
		return ErrDBClosed
	}
	return nil
}

// visibleSeq resolves the sequence this transaction reads at, pinning the
// view on first use where the level calls for it.
func (t *Txn) visibleSeq() record.SeqNum {
	switch t.level {
	case ReadUncommitted:
		return record.MaxSeqNum
	case ReadCommitted:
		return record.SeqNum(t.db.seq.Load())
	case RepeatableRead:
		if t.snap == nil {
			t.snap = t.db.snapshots.acquire()
			t.readSeq = t.snap.seq
		}
		return t.readSeq
	default:
		return t.readSeq
	}
}

func conflictKey(cfName string, key []byte) string {
	return cfName + "\x00" + string(key)
}

func (t *Txn) trackRead(cfName string, key []byte) {
	if t.reads != nil {
		t.reads[conflictKey(cfName, key)] = struct{}{}
	}
}

// Get reads key from the named column family, observing this
// transaction's own buffered writes first.
func (t *Txn) Get(cfName string, key []byte) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	if w := t.writes[cfName]; w != nil {
		if i, found := w.idx[string(key)]; found {
			t.trackRead(cfName, key)
			op := w.log[i]
			if op.kind == record.KindTombstone {
				return nil, ErrNotFound
			}
			if op.expiry != 0 && op.expiry <= time.Now().UnixNano() {
				return nil, ErrNotFound
			}
			return append([]byte(nil), op.value...), nil
		}
	}
	cf, err := t.db.ColumnFamily(cfName)
	if err != nil {
		return nil, err
	}
	t.trackRead(cfName, key)
	return t.db.readVisible(cf, key, t.visibleSeq())
}

// Has reports whether key exists without returning its value.
func (t *Txn) Has(cfName string, key []byte) (bool, error) {
	_, err := t.Get(cfName, key)
	switch {
	case err == nil:
		return true, nil
	case Code(err) == CodeNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Put buffers key=value.
func (t *Txn) Put(cfName string, key, value []byte) error {
	return t.set(cfName, key, value, record.KindValue, 0)
}

// PutWithTTL buffers key=value with a relative time-to-live. The expiry is
// fixed when PutWithTTL is called, not at commit.
func (t *Txn) PutWithTTL(cfName string, key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl %v", ErrInvalidArgument, ttl)
	}
	return t.set(cfName, key, value, record.KindValue, record.ExpiryFromTTL(time.Now(), ttl))
}

// Delete buffers a deletion of key.
func (t *Txn) Delete(cfName string, key []byte) error {
	return t.set(cfName, key, nil, record.KindTombstone, 0)
}

func (t *Txn) set(cfName string, key, value []byte, kind record.Kind, expiry int64) error {
	if err := t.usable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueLength {
		return ErrValueTooLarge
	}
	if _, err := t.db.ColumnFamily(cfName); err != nil {
		return err
	}

	w := t.writes[cfName]
	if w == nil {
		w = &cfWrites{idx: make(map[string]int)}
		t.writes[cfName] = w
	}
	op := writeOp{
		key:    append([]byte(nil), key...),
		kind:   kind,
		expiry: expiry,
	}
	if kind == record.KindValue {
		op.value = append([]byte(nil), value...)
	}
	w.log = append(w.log, op)
	w.idx[string(op.key)] = len(w.log) - 1
	return nil
}

// Savepoint pushes a named savepoint. Names may repeat; rollback and
// release address the most recent match.
func (t *Txn) Savepoint(name string) error {
	if err := t.usable(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty savepoint name", ErrInvalidArgument)
	}
	lengths := make(map[string]int, len(t.writes))
	for cfName, w := range t.writes {
		lengths[cfName] = len(w.log)
	}
	t.saves = append(t.saves, savePoint{name: name, lengths: lengths})
	return nil
}

func (t *Txn) findSavepoint(name string) int {
	for i := len(t.saves) - 1; i >= 0; i-- {
		if t.saves[i].name == name {
			return i
		}
	}
	return -1
}

// RollbackToSavepoint undoes every write buffered after the most recent
// savepoint with that name. The savepoint stays on the stack and can be
// rolled back to again; savepoints above it are discarded.
func (t *Txn) RollbackToSavepoint(name string) error {
	if err := t.usable(); err != nil {
		return err
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNoSavepoint, name)
	}
	sp := t.saves[i]
	for cfName, w := range t.writes {
		n := sp.lengths[cfName]
		if n >= len(w.log) {
			continue
		}
		if n == 0 {
			delete(t.writes, cfName)
			continue
		}
		w.log = w.log[:n]
		w.rebuildIndex()
	}
	t.saves = t.saves[:i+1]
	return nil
}

// ReleaseSavepoint removes the most recent savepoint with that name, and
// everything above it, without touching the write set.
func (t *Txn) ReleaseSavepoint(name string) error {
	if err := t.usable(); err != nil {
		return err
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNoSavepoint, name)
	}
	t.saves = t.saves[:i]
	return nil
}

// Commit applies the write set atomically. Whatever the outcome, the
// transaction is closed when Commit returns; on ErrTxnConflict the caller
// retries with a fresh transaction or Reset.
func (t *Txn) Commit() error {
	if t.closed {
		if t.err != nil {
			return t.err
		}
		return ErrTxnClosed
	}
	defer t.close()
	if len(t.writes) == 0 {
		t.db.stats.recordTick(TickerTxnCommit, 1)
		return nil
	}
	return t.db.commit(t)
}

// Rollback discards the write set and closes the transaction.
func (t *Txn) Rollback() error {
	if t.closed {
		return ErrTxnClosed
	}
	t.close()
	t.db.stats.recordTick(TickerTxnRollback, 1)
	return nil
}

// Reset returns the transaction to a fresh Begin state at the given
// isolation level, whether it is open or closed. Conflict-retry loops use
// it to restart without reallocating.
func (t *Txn) Reset(level IsolationLevel) {
	t.releaseSnapshot()
	t.level = level
	t.closed = false
	t.err = nil
	t.readSeq = 0
	t.writes = make(map[string]*cfWrites)
	t.reads = nil
	t.saves = nil

	if level < ReadUncommitted || level > Serializable {
		t.err = fmt.Errorf("%w: isolation level %d", ErrInvalidArgument, int(level))
		t.closed = true
		return
	}
	if t.db.closed.Load() {
		t.err = ErrDBClosed
		t.closed = true
		return
	}
	switch level {
	case Snapshot, Serializable:
		t.snap = t.db.snapshots.acquire()
		t.readSeq = t.snap.seq
	}
	if level == Serializable {
		t.reads = make(map[string]struct{})
	}
}

func (t *Txn) releaseSnapshot() {
	if t.snap != nil {
		t.db.snapshots.release(t.snap)
		t.snap = nil
	}
}

func (t *Txn) close() {
	t.releaseSnapshot()
	t.closed = true
	t.writes = nil
	t.reads = nil
	t.saves = nil
}

// discard rolls the transaction back if it is still open.
func (t *Txn) discard() {
	if !t.closed {
		_ = t.Rollback()
	}
}

// conflictKeys collects the keys commit validation checks against the
// history: the write set, plus the read set at Serializable.
func (t *Txn) conflictKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(t.reads)+len(t.writes))
	for k := range t.reads {
		keys[k] = struct{}{}
	}
	for cfName, w := range t.writes {
		for k := range w.idx {
			keys[conflictKey(cfName, []byte(k))] = struct{}{}
		}
	}
	return keys
}

// commit runs the commit protocol: stall waits, validation, sequence
// assignment, per-column-family WAL append and memtable apply, history
// recording, publication, hooks. The commit mutex serializes it all.
func (db *DB) commit(t *Txn) error {
	start := time.Now()

	cfNames := make([]string, 0, len(t.writes))
	for name := range t.writes {
		cfNames = append(cfNames, name)
	}
	sort.Strings(cfNames)

	// Wait out stalls before taking the commit mutex so one throttled
	// shard does not block every other writer.
	for _, name := range cfNames {
		cf, err := db.ColumnFamily(name)
		if err != nil {
			return err
		}
		if err := cf.waitWritable(); err != nil {
			if cf.dropped.Load() {
				return fmt.Errorf("%w: %s", ErrCFNotFound, name)
			}
			return err
		}
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	if db.closed.Load() {
		return ErrDBClosed
	}
	if err := db.checkWriteBufferBudget(); err != nil {
		return err
	}

	// Drops and renames also serialize on the commit mutex, so handles
	// resolved here stay valid through the apply below.
	cfs := make(map[string]*ColumnFamily, len(cfNames))
	db.cfMu.RLock()
	for _, name := range cfNames {
		cf, found := db.cfs[name]
		if !found {
			db.cfMu.RUnlock()
			return fmt.Errorf("%w: %s", ErrCFNotFound, name)
		}
		cfs[name] = cf
	}
	db.cfMu.RUnlock()

	if t.level == Snapshot || t.level == Serializable {
		if db.history.conflicts(t.readSeq, t.conflictKeys()) {
			db.stats.recordTick(TickerTxnConflict, 1)
			return ErrTxnConflict
		}
	}

	commitSeq := record.SeqNum(db.seq.Load() + 1)
	recordHistory := !db.snapshots.empty()
	var historyKeys []string
	var hookOps []CommitOp
	hooksActive := db.hasHooks()
	var keys, bytes uint64

	for _, name := range cfNames {
		w := t.writes[name]
		entries := make([]record.Entry, 0, len(w.idx))
		for i := range w.log {
			op := &w.log[i]
			if w.idx[string(op.key)] != i {
				continue
			}
			entries = append(entries, record.Entry{
				Key:    op.key,
				Seq:    commitSeq,
				Kind:   op.kind,
				Expiry: op.expiry,
				Value:  op.value,
			})
			keys++
			bytes += uint64(len(op.key) + len(op.value))
			if recordHistory {
				historyKeys = append(historyKeys, conflictKey(name, op.key))
			}
			if hooksActive {
				hookOps = append(hookOps, CommitOp{
					CF:        name,
					Key:       op.key,
					Value:     op.value,
					Tombstone: op.kind == record.KindTombstone,
					Expiry:    op.expiry,
				})
			}
		}
		if len(entries) == 0 {
			continue
		}
		if err := cfs[name].applyBatch(entries); err != nil {
			return err
		}
	}

	if recordHistory {
		db.history.add(commitSeq, historyKeys, db.snapshots.oldest())
	} else {
		db.history.clear()
	}
	db.seq.Store(uint64(commitSeq))

	db.stats.recordTick(TickerTxnCommit, 1)
	db.stats.recordTick(TickerKeysWritten, keys)
	db.stats.recordTick(TickerBytesWritten, bytes)
	db.stats.measureSince(HistogramCommit, start)

	if hooksActive {
		db.notifyCommit(hookOps, uint64(commitSeq))
	}
	return nil
}

func (db *DB) hasHooks() bool {
	db.hookMu.RLock()
	defer db.hookMu.RUnlock()
	return len(db.hooks) > 0
}

// checkWriteBufferBudget fails the commit when the memtables across all
// column families exceed the configured budget. The fullest shard is
// rotated so background flushes can drain the overage.
func (db *DB) checkWriteBufferBudget() error {
	budget := db.opts.MaxWriteBufferMemory
	if budget <= 0 {
		return nil
	}
	var total int64
	var fullest *ColumnFamily
	var fullestUsage int64
	db.cfMu.RLock()
	for _, cf := range db.cfs {
		u := cf.memoryUsage()
		total += u
		if u > fullestUsage {
			fullest, fullestUsage = cf, u
		}
	}
	db.cfMu.RUnlock()
	if total < budget {
		return nil
	}
	if fullest != nil {
		if err := fullest.rotateMemtable(); err != nil {
			db.logger.Warnf("%s: rotate on memory pressure: %v", fullest.name, err)
		}
	}
	return fmt.Errorf("%w: %d of %d bytes", ErrMemoryBudget, total, budget)
}

// committedTxn is one commit's footprint in the validation history.
type committedTxn struct {
	seq  record.SeqNum
	keys []string
}

// commitHistory keeps the keys of recent commits for Snapshot and
// Serializable validation. It holds only commits newer than the oldest
// registered snapshot; with no snapshots registered it stays empty.
type commitHistory struct {
	mu      sync.Mutex
	commits []committedTxn
}

// conflicts reports whether any commit after since touched one of keys.
func (h *commitHistory) conflicts(since record.SeqNum, keys map[string]struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.commits) - 1; i >= 0; i-- {
		c := h.commits[i]
		if c.seq <= since {
			break
		}
		for _, k := range c.keys {
			if _, hit := keys[k]; hit {
				return true
			}
		}
	}
	return false
}

// add records a commit and drops entries no registered snapshot can
// conflict with anymore.
func (h *commitHistory) add(seq record.SeqNum, keys []string, floor record.SeqNum) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, committedTxn{seq: seq, keys: keys})
	i := 0
	for i < len(h.commits) && h.commits[i].seq <= floor {
		i++
	}
	if i > 0 {
		n := copy(h.commits, h.commits[i:])
		for j := n; j < len(h.commits); j++ {
			h.commits[j] = committedTxn{}
		}
		h.commits = h.commits[:n]
	}
}

func (h *commitHistory) clear() {
	h.mu.Lock()
	h.commits = h.commits[:0]
	h.mu.Unlock()
}
