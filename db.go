package lodekv

// db.go holds the database handle: open/close lifecycle, the column family
// registry, and the shared resources every shard draws on (block cache,
// worker budgets, the commit sequence).

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodekv/lodekv/internal/cache"
	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/vfs"
)

const lockFileName = "LOCK"

// Limits inherited from the on-disk entry encoding.
const (
	MaxKeyLength   = record.MaxKeyLength
	MaxValueLength = record.MaxValueLength
)

// CommitOp is one operation of a committed transaction, as delivered to
// commit hooks. Slices are shared with the engine and must not be
// modified.
type CommitOp struct {
	CF        string
	Key       []byte
	Value     []byte
	Tombstone bool
	Expiry    int64
}

// CommitHook observes committed transactions. Hooks run synchronously on
// the committing goroutine, after the commit is durable and before the
// next commit can start; slow hooks slow every writer down.
type CommitHook func(ops []CommitOp, seq uint64)

// DB is an open database. All methods are safe for concurrent use.
type DB struct {
	opts   Options
	dir    string
	fs     vfs.FS
	logger logging.Logger
	stats  *Statistics

	fileLock io.Closer
	cache    *cache.Cache

	// seq is the last published commit sequence number. Readers load it;
	// only the committer holding commitMu advances it.
	seq      atomic.Uint64
	nextCFID atomic.Uint32

	// commitMu serializes the write path: validation, sequence
	// assignment, WAL appends, and memtable inserts across all column
	// families happen under it.
	commitMu  sync.Mutex
	history   commitHistory
	snapshots snapshotList

	hookMu sync.RWMutex
	hooks  []CommitHook

	cmpMu       sync.RWMutex
	comparators map[string]Comparator

	cfMu sync.RWMutex
	cfs  map[string]*ColumnFamily

	// flushSem and compactSem bound how many shard workers run at once.
	flushSem   chan struct{}
	compactSem chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Open opens the database in dir, creating it if needed. Every column
// family found on disk is opened and its unflushed WAL replayed; a fresh
// directory starts with just the default column family.
func Open(dir string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts.sanitize()

	fs := o.FS
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}
	fileLock, err := fs.Lock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDBLocked, dir, err)
	}

	db := &DB{
		opts:        o,
		dir:         dir,
		fs:          fs,
		logger:      o.Logger,
		fileLock:    fileLock,
		cache:       cache.New(o.BlockCacheSize, o.CacheShards),
		comparators: make(map[string]Comparator),
		cfs:         make(map[string]*ColumnFamily),
		flushSem:    make(chan struct{}, o.FlushWorkers),
		compactSem:  make(chan struct{}, o.CompactionWorkers),
	}
	if o.EnableStatistics {
		db.stats = newStatistics()
	}
	db.snapshots.init(&db.seq)

	def := DefaultComparator()
	db.comparators[def.Name()] = def
	for _, cmp := range o.Comparators {
		db.comparators[cmp.Name()] = cmp
	}

	ok := false
	defer func() {
		if !ok {
			for _, cf := range db.cfs {
				_ = cf.close()
			}
			db.cache.Close()
			_ = fileLock.Close()
		}
	}()

	names, err := db.findColumnFamilyDirs()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		cf, err := db.openColumnFamily(name)
		if err != nil {
			return nil, fmt.Errorf("open column family %s: %w", name, err)
		}
		db.cfs[name] = cf
	}
	if _, found := db.cfs[DefaultColumnFamilyName]; !found {
		cf, err := db.createColumnFamily(DefaultColumnFamilyName, DefaultColumnFamilyConfig())
		if err != nil {
			return nil, err
		}
		db.cfs[DefaultColumnFamilyName] = cf
	}

	db.logger.Infof(logging.NSDB+"opened %s: %d column families, seq %d",
		dir, len(db.cfs), db.seq.Load())
	ok = true
	return db, nil
}

func (db *DB) findColumnFamilyDirs() ([]string, error) {
	entries, err := db.fs.ListDir(db.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, db.dir, err)
	}
	var names []string
	for _, name := range entries {
		if name == lockFileName {
			continue
		}
		full := filepath.Join(db.dir, name)
		info, err := db.fs.Stat(full)
		if err != nil || !info.IsDir() {
			continue
		}
		if !db.fs.Exists(configPath(full)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close flushes nothing and loses nothing: unflushed memtables are
// recovered from their WALs on the next Open. Outstanding transactions
// and iterators fail after it returns.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrDBClosed
	}

	db.cfMu.Lock()
	cfs := make([]*ColumnFamily, 0, len(db.cfs))
	for _, cf := range db.cfs {
		cfs = append(cfs, cf)
	}
	db.cfMu.Unlock()

	var err error
	for _, cf := range cfs {
		if cerr := cf.close(); err == nil {
			err = cerr
		}
	}
	db.wg.Wait()
	db.cache.Close()
	if cerr := db.fileLock.Close(); err == nil {
		err = cerr
	}
	db.logger.Infof(logging.NSDB+"closed %s", db.dir)
	return err
}

// Path returns the database directory.
func (db *DB) Path() string { return db.dir }

// Statistics returns the performance counters, or nil when
// Options.EnableStatistics was false.
func (db *DB) Statistics() *Statistics { return db.stats }

// advanceSeq lifts the published sequence to at least s. Used during
// recovery, before any commits run.
func (db *DB) advanceSeq(s record.SeqNum) {
	for {
		cur := db.seq.Load()
		if uint64(s) <= cur || db.seq.CompareAndSwap(cur, uint64(s)) {
			return
		}
	}
}

// oldestSnapshot reports the sequence compactions must keep visible.
func (db *DB) oldestSnapshot() record.SeqNum {
	return db.snapshots.oldest()
}

// RegisterComparator makes cmp available under its Name for column
// families created later. Column families already on disk must find their
// comparator in Options.Comparators at Open.
func (db *DB) RegisterComparator(cmp Comparator) {
	db.cmpMu.Lock()
	defer db.cmpMu.Unlock()
	db.comparators[cmp.Name()] = cmp
}

func (db *DB) lookupComparator(name string) (Comparator, error) {
	if name == "" {
		return DefaultComparator(), nil
	}
	db.cmpMu.RLock()
	cmp, found := db.comparators[name]
	db.cmpMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: comparator %q is not registered", ErrInvalidArgument, name)
	}
	return cmp, nil
}

// RegisterCommitHook subscribes h to every subsequent commit.
func (db *DB) RegisterCommitHook(h CommitHook) {
	db.hookMu.Lock()
	defer db.hookMu.Unlock()
	db.hooks = append(db.hooks, h)
}

func (db *DB) notifyCommit(ops []CommitOp, seq uint64) {
	db.hookMu.RLock()
	hooks := db.hooks
	db.hookMu.RUnlock()
	for _, h := range hooks {
		h(ops, seq)
	}
}

// CreateColumnFamily creates a new column family. A nil config uses
// DefaultColumnFamilyConfig.
func (db *DB) CreateColumnFamily(name string, cfg *ColumnFamilyConfig) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if err := validateCFName(name); err != nil {
		return nil, err
	}
	c := DefaultColumnFamilyConfig()
	if cfg != nil {
		c = *cfg
	}

	db.cfMu.Lock()
	defer db.cfMu.Unlock()
	if _, taken := db.cfs[name]; taken {
		return nil, fmt.Errorf("%w: %s", ErrCFExists, name)
	}
	cf, err := db.createColumnFamily(name, c)
	if err != nil {
		return nil, err
	}
	db.cfs[name] = cf
	db.logger.Infof(logging.NSDB+"created column family %s", name)
	return cf, nil
}

// ColumnFamily returns the handle for name.
func (db *DB) ColumnFamily(name string) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	db.cfMu.RLock()
	cf, found := db.cfs[name]
	db.cfMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrCFNotFound, name)
	}
	return cf, nil
}

// DefaultColumnFamily returns the default column family's handle.
func (db *DB) DefaultColumnFamily() *ColumnFamily {
	db.cfMu.RLock()
	defer db.cfMu.RUnlock()
	return db.cfs[DefaultColumnFamilyName]
}

// ListColumnFamilies returns the column family names in sorted order.
func (db *DB) ListColumnFamilies() []string {
	db.cfMu.RLock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	db.cfMu.RUnlock()
	sort.Strings(names)
	return names
}

// DropColumnFamily deletes a column family and every file under it. The
// default column family cannot be dropped. Handles and open transactions
// referring to it fail from here on.
func (db *DB) DropColumnFamily(name string) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if name == DefaultColumnFamilyName {
		return fmt.Errorf("%w: cannot drop %q", ErrInvalidArgument, name)
	}

	db.commitMu.Lock()
	db.cfMu.Lock()
	cf, found := db.cfs[name]
	if !found {
		db.cfMu.Unlock()
		db.commitMu.Unlock()
		return fmt.Errorf("%w: %s", ErrCFNotFound, name)
	}
	delete(db.cfs, name)
	cf.dropped.Store(true)
	db.cfMu.Unlock()
	db.commitMu.Unlock()

	_ = cf.close()
	if err := db.fs.RemoveAll(cf.dir); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, cf.dir, err)
	}
	if err := db.fs.SyncDir(db.dir); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, db.dir, err)
	}
	db.logger.Infof(logging.NSDB+"dropped column family %s", name)
	return nil
}

// RenameColumnFamily moves a column family to a new name. Existing handles
// for the old name become invalid; the data carries over untouched.
func (db *DB) RenameColumnFamily(oldName, newName string) error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if oldName == DefaultColumnFamilyName {
		return fmt.Errorf("%w: cannot rename %q", ErrInvalidArgument, oldName)
	}
	if err := validateCFName(newName); err != nil {
		return err
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	db.cfMu.Lock()
	defer db.cfMu.Unlock()

	cf, found := db.cfs[oldName]
	if !found {
		return fmt.Errorf("%w: %s", ErrCFNotFound, oldName)
	}
	if _, taken := db.cfs[newName]; taken {
		return fmt.Errorf("%w: %s", ErrCFExists, newName)
	}

	cf.dropped.Store(true)
	if err := cf.close(); err != nil {
		return err
	}
	delete(db.cfs, oldName)

	newDir := filepath.Join(db.dir, newName)
	if err := db.fs.Rename(cf.dir, newDir); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrIO, cf.dir, err)
	}
	if err := db.fs.SyncDir(db.dir); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, db.dir, err)
	}

	reopened, err := db.openColumnFamily(newName)
	if err != nil {
		return err
	}
	db.cfs[newName] = reopened
	db.logger.Infof(logging.NSDB+"renamed column family %s to %s", oldName, newName)
	return nil
}

// CloneColumnFamily creates dst as a point-in-time copy of src. The
// memtable is flushed first, then tables are hard-linked into the new
// directory where the filesystem allows, so the clone is cheap and shares
// no mutable state with its source.
func (db *DB) CloneColumnFamily(srcName, dstName string) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if err := validateCFName(dstName); err != nil {
		return nil, err
	}
	src, err := db.ColumnFamily(srcName)
	if err != nil {
		return nil, err
	}
	db.cfMu.RLock()
	_, taken := db.cfs[dstName]
	db.cfMu.RUnlock()
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrCFExists, dstName)
	}

	if err := src.FlushMemtable(); err != nil {
		return nil, err
	}
	dstDir := filepath.Join(db.dir, dstName)
	if err := src.levels.CloneTo(db.fs, dstDir, false); err != nil {
		return nil, classify(err)
	}
	cfg := src.config
	if err := writeConfig(db.fs, dstDir, &cfg); err != nil {
		_ = db.fs.RemoveAll(dstDir)
		return nil, err
	}
	if err := db.fs.SyncDir(db.dir); err != nil {
		return nil, fmt.Errorf("%w: sync %s: %w", ErrIO, db.dir, err)
	}

	db.cfMu.Lock()
	defer db.cfMu.Unlock()
	if _, taken := db.cfs[dstName]; taken {
		_ = db.fs.RemoveAll(dstDir)
		return nil, fmt.Errorf("%w: %s", ErrCFExists, dstName)
	}
	cf, err := db.openColumnFamily(dstName)
	if err != nil {
		_ = db.fs.RemoveAll(dstDir)
		return nil, err
	}
	db.cfs[dstName] = cf
	db.logger.Infof(logging.NSDB+"cloned column family %s to %s", srcName, dstName)
	return cf, nil
}

// Get reads the newest committed version of key. Deleted and expired keys
// return ErrNotFound.
func (db *DB) Get(cfName string, key []byte) ([]byte, error) {
	cf, err := db.ColumnFamily(cfName)
	if err != nil {
		return nil, err
	}
	return db.readVisible(cf, key, record.SeqNum(db.seq.Load()))
}

// Put writes key=value in its own committed transaction.
func (db *DB) Put(cfName string, key, value []byte) error {
	t := db.Begin()
	defer t.discard()
	if err := t.Put(cfName, key, value); err != nil {
		return err
	}
	return t.Commit()
}

// PutWithTTL writes key=value expiring after ttl, in its own committed
// transaction.
func (db *DB) PutWithTTL(cfName string, key, value []byte, ttl time.Duration) error {
	t := db.Begin()
	defer t.discard()
	if err := t.PutWithTTL(cfName, key, value, ttl); err != nil {
		return err
	}
	return t.Commit()
}

// Delete removes key in its own committed transaction.
func (db *DB) Delete(cfName string, key []byte) error {
	t := db.Begin()
	defer t.discard()
	if err := t.Delete(cfName, key); err != nil {
		return err
	}
	return t.Commit()
}

// readVisible performs a point read at the given sequence and applies the
// surface rules: tombstones and expired entries read as absent.
func (db *DB) readVisible(cf *ColumnFamily, key []byte, visible record.SeqNum) ([]byte, error) {
	if err := cf.alive(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if len(key) > MaxKeyLength {
		return nil, ErrKeyTooLarge
	}

	start := time.Now()
	e, found, err := cf.get(key, visible)
	if err != nil {
		return nil, err
	}
	db.stats.recordTick(TickerKeysRead, 1)
	db.stats.measureSince(HistogramGet, start)
	if !found || e.Tombstone() || e.Expired(time.Now().UnixNano()) {
		db.stats.recordTick(TickerGetMiss, 1)
		return nil, ErrNotFound
	}
	db.stats.recordTick(TickerGetHit, 1)
	db.stats.recordTick(TickerBytesRead, uint64(len(e.Value)))
	// Values can alias cached blocks; hand the caller its own copy.
	return append([]byte(nil), e.Value...), nil
}
