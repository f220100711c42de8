package lodekv

// column_family.go implements the per-column-family storage shard.
//
// Each column family owns a directory holding its CONFIG, MANIFEST, WAL
// generations, and tables. In front of the level tree sit an active
// memtable backed by the current WAL generation and a queue of frozen
// memtables waiting on the flush workers. Commits append to the WAL, insert
// into the active memtable, and rotate it once it outgrows
// WriteBufferSize.

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodekv/lodekv/internal/iterator"
	"github.com/lodekv/lodekv/internal/levels"
	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/memtable"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/wal"
)

// DefaultColumnFamilyName is the column family every database starts with.
const DefaultColumnFamilyName = "default"

type frozenMem struct {
	mem    *memtable.MemTable
	logNum uint64
}

// ColumnFamily is a handle to one named keyspace. Handles obtained before
// a drop or rename keep failing with ErrCFNotFound afterwards; the data
// itself lives on under the new name in the rename case.
type ColumnFamily struct {
	db     *DB
	id     uint32
	name   string
	dir    string
	config ColumnFamilyConfig
	cmp    Comparator

	levels *levels.Manager

	// memMu guards the identity of active, frozen, wal, and walGen.
	// Inserts into active need no lock of their own: the database commit
	// mutex is the skip list's single writer, and readers follow atomic
	// node links.
	memMu     sync.RWMutex
	active    *memtable.MemTable
	frozen    []frozenMem
	wal       *wal.Writer
	walGen    uint64
	flushCond *sync.Cond // signaled as flushes complete or fail
	flushErr  error      // sticky until the next successful flush

	// walMu serializes writer I/O against the interval syncer.
	walMu sync.Mutex

	flushScheduled   atomic.Bool
	compactScheduled atomic.Bool
	dropped          atomic.Bool

	syncStop chan struct{}
	bg       sync.WaitGroup
}

func validateCFName(name string) error {
	switch {
	case name == "" || len(name) > 255:
		return fmt.Errorf("%w: column family name %q", ErrInvalidArgument, name)
	case name == "." || name == ".." || name == lockFileName:
		return fmt.Errorf("%w: reserved column family name %q", ErrInvalidArgument, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: column family name %q contains a path separator", ErrInvalidArgument, name)
	}
	return nil
}

// createColumnFamily materializes a new directory with a CONFIG and opens
// the shard. Caller holds db.cfMu and has checked for name collisions.
func (db *DB) createColumnFamily(name string, cfg ColumnFamilyConfig) (*ColumnFamily, error) {
	cfg, err := cfg.sanitize()
	if err != nil {
		return nil, err
	}
	if _, err := db.lookupComparator(cfg.ComparatorName); err != nil {
		return nil, err
	}

	dir := filepath.Join(db.dir, name)
	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}
	if err := writeConfig(db.fs, dir, &cfg); err != nil {
		return nil, err
	}
	if err := db.fs.SyncDir(db.dir); err != nil {
		return nil, fmt.Errorf("%w: sync %s: %w", ErrIO, db.dir, err)
	}
	return db.openColumnFamily(name)
}

// openColumnFamily opens an existing column family directory: loads the
// CONFIG, opens the level tree, replays unflushed WAL generations, and
// starts a fresh active WAL.
func (db *DB) openColumnFamily(name string) (*ColumnFamily, error) {
	dir := filepath.Join(db.dir, name)
	cfg, err := readConfig(db.fs, dir)
	if err != nil {
		return nil, err
	}
	cfg, err = cfg.sanitize()
	if err != nil {
		return nil, err
	}
	cmp, err := db.lookupComparator(cfg.ComparatorName)
	if err != nil {
		return nil, err
	}

	cf := &ColumnFamily{
		db:     db,
		id:     db.nextCFID.Add(1),
		name:   name,
		dir:    dir,
		config: cfg,
		cmp:    cmp,
	}
	cf.flushCond = sync.NewCond(&cf.memMu)

	cf.levels, err = levels.Open(levels.Options{
		FS:                  db.fs,
		Dir:                 dir,
		Comparator:          cmp.Compare,
		Logger:              db.logger,
		Cache:               db.cache,
		Table:               cfg.tableOptions(cmp),
		MaxLevels:           cfg.MaxLevels,
		DividingLevelOffset: cfg.DividingLevelOffset,
		MinLevels:           cfg.MinLevels,
		L1FileCountTrigger:  cfg.L1FileCountTrigger,
		L0StallThreshold:    cfg.L0StallThreshold,
		LevelSizeRatio:      cfg.LevelSizeRatio,
		WriteBufferSize:     cfg.WriteBufferSize,
		MinFreeDiskSpace:    cfg.MinFreeDiskSpace,
		CompactionRateLimit: db.opts.CompactionRateLimit,
		OldestSnapshot:      db.oldestSnapshot,
		Now:                 func() int64 { return time.Now().UnixNano() },
	})
	if err != nil {
		return nil, classify(err)
	}

	maxSeq, err := cf.recoverWAL()
	if err != nil {
		_ = cf.levels.Close()
		return nil, err
	}
	db.advanceSeq(maxSeq)

	if cfg.SyncMode == SyncIntervalMode {
		cf.syncStop = make(chan struct{})
		cf.bg.Add(1)
		go cf.syncLoop()
	}
	cf.maybeScheduleFlush()
	cf.maybeScheduleCompaction()
	return cf, nil
}

// Name returns the column family's name.
func (cf *ColumnFamily) Name() string { return cf.name }

// Config returns the column family's effective configuration.
func (cf *ColumnFamily) Config() ColumnFamilyConfig { return cf.config }

func (cf *ColumnFamily) alive() error {
	if cf.db.closed.Load() {
		return ErrDBClosed
	}
	if cf.dropped.Load() {
		return fmt.Errorf("%w: %s", ErrCFNotFound, cf.name)
	}
	return nil
}

// waitWritable blocks while the shard is stalled on level-0 depth or disk
// space.
func (cf *ColumnFamily) waitWritable() error {
	start := time.Now()
	err := cf.levels.WaitWritable()
	if d := time.Since(start); d > time.Millisecond {
		cf.db.stats.recordTick(TickerStallMicros, uint64(d.Microseconds()))
	}
	return classify(err)
}

// applyBatch durably logs and applies one commit's entries. Caller holds
// db.commitMu; entries carry their final sequence numbers and hold at most
// one operation per key.
func (cf *ColumnFamily) applyBatch(entries []record.Entry) error {
	cf.memMu.RLock()
	w, mem := cf.wal, cf.active
	cf.memMu.RUnlock()

	cf.walMu.Lock()
	err := w.AppendBatch(entries)
	if err == nil && cf.config.SyncMode == SyncFull {
		err = w.Sync()
		cf.db.stats.recordTick(TickerWALSync, 1)
	}
	cf.walMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: wal append: %w", ErrIO, err)
	}

	for i := range entries {
		e := &entries[i]
		mem.Add(e.Seq, e.Kind, e.Key, e.Value, e.Expiry)
	}

	if mem.MemoryUsage() >= cf.config.WriteBufferSize {
		if err := cf.rotateMemtable(); err != nil {
			return err
		}
	}
	return nil
}

// rotateMemtable freezes the active memtable behind a fresh one and a new
// WAL generation, then wakes the flush workers.
func (cf *ColumnFamily) rotateMemtable() error {
	cf.memMu.Lock()
	defer cf.memMu.Unlock()
	return cf.rotateMemtableLocked()
}

func (cf *ColumnFamily) rotateMemtableLocked() error {
	if cf.active.Empty() {
		return nil
	}

	gen := cf.levels.NextFileNum()
	w, err := wal.NewWriter(cf.db.fs, cf.levels.WALPath(gen))
	if err != nil {
		return fmt.Errorf("%w: rotate wal: %w", ErrIO, err)
	}

	cf.walMu.Lock()
	// The frozen generation must be complete on disk before its flush can
	// retire it.
	if err := cf.wal.Sync(); err != nil {
		cf.walMu.Unlock()
		_ = w.Close()
		return fmt.Errorf("%w: sync wal: %w", ErrIO, err)
	}
	_ = cf.wal.Close()
	cf.wal = w
	cf.walMu.Unlock()

	cf.frozen = append(cf.frozen, frozenMem{mem: cf.active, logNum: cf.walGen})
	cf.walGen = gen
	cf.active = cf.newMemtable()
	cf.maybeScheduleFlush()
	return nil
}

func (cf *ColumnFamily) newMemtable() *memtable.MemTable {
	return memtable.New(cf.cmp.Compare, cf.config.SkipListMaxLevel, cf.config.SkipListProbability)
}

// get returns the newest version of key visible at or below seq, checking
// memtables newest-first before the level tree. Tombstones and expired
// entries are returned as stored; callers decide their surface behavior.
func (cf *ColumnFamily) get(key []byte, visible record.SeqNum) (record.Entry, bool, error) {
	cf.memMu.RLock()
	mems := make([]*memtable.MemTable, 0, 1+len(cf.frozen))
	mems = append(mems, cf.active)
	for i := len(cf.frozen) - 1; i >= 0; i-- {
		mems = append(mems, cf.frozen[i].mem)
	}
	cf.memMu.RUnlock()

	for _, mem := range mems {
		if e, ok := mem.Get(key, visible); ok {
			return e, true, nil
		}
	}
	e, ok, err := cf.levels.Get(key, visible)
	return e, ok, classify(err)
}

// appendIterators collects the shard's source iterators newest-first and
// pins the table version they came from. Memtables are captured before the
// version: a flush finishing in between duplicates keys across the two,
// which the merge tolerates, while the reverse order could lose them.
func (cf *ColumnFamily) appendIterators(dst []iterator.Iterator) ([]iterator.Iterator, *levels.Version) {
	cf.memMu.RLock()
	dst = append(dst, cf.active.NewIter())
	for i := len(cf.frozen) - 1; i >= 0; i-- {
		dst = append(dst, cf.frozen[i].mem.NewIter())
	}
	cf.memMu.RUnlock()
	return cf.levels.AddIterators(dst)
}

// memoryUsage returns the bytes held by the shard's memtables.
func (cf *ColumnFamily) memoryUsage() int64 {
	cf.memMu.RLock()
	defer cf.memMu.RUnlock()
	total := cf.active.MemoryUsage()
	for _, f := range cf.frozen {
		total += f.mem.MemoryUsage()
	}
	return total
}

// maybeScheduleFlush starts the flush worker unless one is already
// running or queued.
func (cf *ColumnFamily) maybeScheduleFlush() {
	cf.memMu.RLock()
	pending := len(cf.frozen) > 0
	cf.memMu.RUnlock()
	if !pending || cf.db.closed.Load() {
		return
	}
	if cf.flushScheduled.CompareAndSwap(false, true) {
		cf.db.wg.Add(1)
		go cf.flushLoop()
	}
}

// flushLoop drains the frozen queue oldest-first under the database's
// flush worker budget, then exits. A failed flush stays queued: dropping
// it would lose acknowledged commits, so the loop backs off and retries
// until it succeeds or the database closes.
func (cf *ColumnFamily) flushLoop() {
	defer cf.db.wg.Done()

	cf.db.flushSem <- struct{}{}
	defer func() { <-cf.db.flushSem }()

	for !cf.db.closed.Load() {
		cf.memMu.RLock()
		if len(cf.frozen) == 0 {
			cf.memMu.RUnlock()
			break
		}
		fm := cf.frozen[0]
		cf.memMu.RUnlock()

		start := time.Now()
		_, err := cf.levels.Flush(fm.mem, fm.logNum)
		cf.memMu.Lock()
		if err != nil {
			cf.flushErr = err
			cf.flushCond.Broadcast()
			cf.memMu.Unlock()
			if errors.Is(err, levels.ErrClosed) {
				break
			}
			cf.db.logger.Errorf(logging.NSFlush+"%s: flush: %v", cf.name, err)
			time.Sleep(time.Second)
			continue
		}
		cf.flushErr = nil
		cf.frozen = cf.frozen[1:]
		cf.flushCond.Broadcast()
		cf.memMu.Unlock()

		cf.db.stats.recordTick(TickerFlush, 1)
		cf.db.stats.measureSince(HistogramFlush, start)
		cf.maybeScheduleCompaction()
	}

	cf.flushScheduled.Store(false)
	// A rotation that raced the exit check re-arms the worker.
	cf.maybeScheduleFlush()
}

// maybeScheduleCompaction starts the compaction worker when the level tree
// reports pending work.
func (cf *ColumnFamily) maybeScheduleCompaction() {
	if cf.db.closed.Load() || !cf.levels.NeedsCompaction() {
		return
	}
	if cf.compactScheduled.CompareAndSwap(false, true) {
		cf.db.wg.Add(1)
		go cf.compactLoop()
	}
}

// compactLoop runs triggered compactions under the database's compaction
// worker budget until none fire.
func (cf *ColumnFamily) compactLoop() {
	defer cf.db.wg.Done()

	cf.db.compactSem <- struct{}{}
	defer func() { <-cf.db.compactSem }()

	for !cf.db.closed.Load() {
		start := time.Now()
		did, err := cf.levels.CompactOnce()
		if err != nil {
			if !errors.Is(err, levels.ErrClosed) {
				cf.db.logger.Errorf(logging.NSCompact+"%s: compaction: %v", cf.name, err)
			}
			break
		}
		if !did {
			break
		}
		cf.db.stats.recordTick(TickerCompaction, 1)
		cf.db.stats.measureSince(HistogramCompaction, start)
	}

	cf.compactScheduled.Store(false)
	cf.maybeScheduleCompaction()
}

// FlushMemtable freezes the active memtable and blocks until every frozen
// memtable has reached level 0.
func (cf *ColumnFamily) FlushMemtable() error {
	if err := cf.alive(); err != nil {
		return err
	}

	// Rotation is only safe between commits: applyBatch captures the
	// active memtable before inserting into it, so a rotation sliding in
	// from outside the commit mutex could hand a mid-commit memtable to
	// the flush worker early.
	cf.db.commitMu.Lock()
	cf.memMu.Lock()
	err := cf.rotateMemtableLocked()
	cf.memMu.Unlock()
	cf.db.commitMu.Unlock()
	if err != nil {
		return err
	}

	cf.memMu.Lock()
	defer cf.memMu.Unlock()
	for len(cf.frozen) > 0 {
		if cf.db.closed.Load() {
			return ErrDBClosed
		}
		if cf.dropped.Load() {
			return fmt.Errorf("%w: %s", ErrCFNotFound, cf.name)
		}
		if cf.flushErr != nil {
			return classify(cf.flushErr)
		}
		cf.flushCond.Wait()
	}
	return nil
}

// Compact flushes the memtable and merges the level tree down to a single
// run per key range. It returns once no further work is triggered.
func (cf *ColumnFamily) Compact() error {
	if err := cf.alive(); err != nil {
		return err
	}
	if err := cf.FlushMemtable(); err != nil {
		return err
	}
	if err := cf.levels.CompactAll(); err != nil {
		return classify(err)
	}
	return nil
}

// IsFlushing reports whether a flush is running or queued.
func (cf *ColumnFamily) IsFlushing() bool {
	return cf.flushScheduled.Load() || cf.levels.IsFlushing()
}

// IsCompacting reports whether a compaction is running or queued.
func (cf *ColumnFamily) IsCompacting() bool {
	return cf.compactScheduled.Load() || cf.levels.IsCompacting()
}

// syncLoop fsyncs the WAL on the configured interval.
func (cf *ColumnFamily) syncLoop() {
	defer cf.bg.Done()
	ticker := time.NewTicker(cf.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cf.syncStop:
			return
		case <-ticker.C:
			cf.walMu.Lock()
			err := cf.wal.Sync()
			cf.walMu.Unlock()
			if err != nil && !errors.Is(err, wal.ErrClosed) {
				cf.db.logger.Warnf(logging.NSWAL+"%s: interval sync: %v", cf.name, err)
			} else if err == nil {
				cf.db.stats.recordTick(TickerWALSync, 1)
			}
		}
	}
}

// close shuts the shard down: stops the syncer, syncs and closes the WAL,
// and closes the level tree. Frozen memtables left in the queue are
// recovered from their WAL generations on the next open.
func (cf *ColumnFamily) close() error {
	if cf.syncStop != nil {
		close(cf.syncStop)
	}
	cf.bg.Wait()

	cf.walMu.Lock()
	err := cf.wal.Sync()
	if cerr := cf.wal.Close(); err == nil {
		err = cerr
	}
	cf.walMu.Unlock()

	if cerr := cf.levels.Close(); err == nil {
		err = cerr
	}
	cf.memMu.Lock()
	cf.flushCond.Broadcast()
	cf.memMu.Unlock()
	if err != nil && !errors.Is(err, wal.ErrClosed) {
		return classify(err)
	}
	return nil
}
