// Package levels manages the on-disk half of a column family: the leveled
// table hierarchy, the MANIFEST describing it, memtable flushes, and
// tiered/leveled compaction.
//
// Levels below DividingLevelOffset are tiered: each table is a whole
// sorted run, runs may overlap, and a compaction merges every run of the
// level into one output at the next level. Levels at or above the offset
// are leveled: tables are non-overlapping and a compaction merges one
// table into its overlap at the next level. Level 0 receives flushes.
package levels

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodekv/lodekv/internal/cache"
	"github.com/lodekv/lodekv/internal/iterator"
	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/rate"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/sstable"
	"github.com/lodekv/lodekv/internal/vfs"
	"github.com/lodekv/lodekv/internal/wal"
)

const (
	// DefaultMaxLevels is the level count when unset.
	DefaultMaxLevels = 7

	// maxConfigurableLevels bounds MaxLevels and guards manifest decoding.
	maxConfigurableLevels = 64
)

var (
	// ErrClosed is returned from operations on a closed manager.
	ErrClosed = errors.New("levels: closed")
)

// Options configures a Manager. FS, Dir and Comparator are required.
type Options struct {
	FS         vfs.FS
	Dir        string
	Comparator record.Compare
	Logger     logging.Logger

	// Cache shares decompressed blocks across the column family's
	// tables. Nil disables caching.
	Cache *cache.Cache

	// Table is the construction template for new tables. Its Comparator
	// is overwritten with Comparator.
	Table sstable.WriterOptions

	// MaxLevels is the level count. DividingLevelOffset splits tiered
	// levels (below) from leveled ones (at or above) and must satisfy
	// 1 <= DividingLevelOffset < MaxLevels, so level 0 is always tiered
	// and the last level always leveled.
	MaxLevels           int
	DividingLevelOffset int

	// MinLevels exempts levels below it from the leveled size trigger.
	MinLevels int

	// L1FileCountTrigger compacts a tiered level once it holds this many
	// runs. L0StallThreshold stalls writers while level 0 holds this
	// many.
	L1FileCountTrigger int
	L0StallThreshold   int

	// LevelSizeRatio and WriteBufferSize set the leveled size trigger:
	// level L compacts when its bytes exceed LevelSizeRatio^L times
	// WriteBufferSize.
	LevelSizeRatio  int
	WriteBufferSize int64

	// MinFreeDiskSpace stalls writers while the volume has fewer free
	// bytes. Zero disables the guard.
	MinFreeDiskSpace uint64

	// CompactionRateLimit paces compaction writes in bytes per second.
	// Zero or negative disables pacing. Flushes are never paced.
	CompactionRateLimit float64

	// OldestSnapshot reports the oldest sequence any open transaction or
	// iterator may still read. Nil means no snapshots are ever held.
	OldestSnapshot func() record.SeqNum

	// Now returns the current unixnano time for TTL decisions. Nil uses
	// the wall clock.
	Now func() int64
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Discard
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = DefaultMaxLevels
	}
	if o.MaxLevels > maxConfigurableLevels {
		o.MaxLevels = maxConfigurableLevels
	}
	if o.DividingLevelOffset <= 0 {
		o.DividingLevelOffset = 1
	}
	if o.DividingLevelOffset >= o.MaxLevels {
		o.DividingLevelOffset = o.MaxLevels - 1
	}
	if o.MinLevels < 0 {
		o.MinLevels = 0
	}
	if o.L1FileCountTrigger <= 0 {
		o.L1FileCountTrigger = 4
	}
	if o.L0StallThreshold <= 0 {
		o.L0StallThreshold = 20
	}
	if o.LevelSizeRatio <= 1 {
		o.LevelSizeRatio = 10
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 64 << 20
	}
	return o
}

// Manager owns the table hierarchy of one column family.
type Manager struct {
	fs     vfs.FS
	dir    string
	cmp    record.Compare
	logger logging.Logger
	opts   Options

	// mu serializes version installs, manifest writes and the watermark
	// fields below.
	mu          sync.Mutex
	logNum      uint64
	lastSeq     record.SeqNum
	vnum        uint64
	nextFileNum atomic.Uint64

	// verMu guards the current-version pointer; installs swap under it
	// so readers can take a reference race-free.
	verMu   sync.Mutex
	current *Version

	// compactMu serializes compactions within this column family.
	compactMu  sync.Mutex
	compacting atomic.Bool
	flushing   atomic.Bool

	limiter *rate.Limiter

	stall stallState

	closed atomic.Bool
}

// Open loads dir's manifest, opens every referenced table, and removes
// files a crash left behind. A missing manifest starts an empty hierarchy.
func Open(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if opts.FS == nil || opts.Dir == "" || opts.Comparator == nil {
		return nil, errors.New("levels: FS, Dir and Comparator are required")
	}
	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("levels: create dir: %w", err)
	}

	m := &Manager{
		fs:     opts.FS,
		dir:    opts.Dir,
		cmp:    opts.Comparator,
		logger: opts.Logger,
		opts:   opts,
	}
	m.stall.init()
	if opts.CompactionRateLimit > 0 {
		m.limiter = rate.New(opts.CompactionRateLimit, opts.CompactionRateLimit)
	}

	state, err := loadManifest(m.fs, m.manifestPath())
	if err != nil {
		return nil, err
	}

	v := newVersion(opts.MaxLevels, 0)
	if state != nil {
		m.logNum = state.logNum
		m.lastSeq = state.lastSeq
		m.nextFileNum.Store(state.nextFileNum)
		if err := m.openTables(v, state); err != nil {
			v.Ref()
			v.Unref()
			return nil, err
		}
	}
	if m.nextFileNum.Load() == 0 {
		m.nextFileNum.Store(1)
	}
	v.Ref()
	m.current = v

	if err := m.removeOrphans(v); err != nil {
		m.logger.Warnf(logging.NSManifest+"orphan sweep: %v", err)
	}
	m.refreshStall(v)
	return m, nil
}

func (m *Manager) openTables(v *Version, state *manifestState) error {
	ropts := sstable.ReaderOptions{Comparator: m.cmp, Cache: m.opts.Cache}
	maxNum := uint64(0)
	for l, metas := range state.levels {
		if l >= len(v.levels) {
			return fmt.Errorf("%w: manifest has %d levels, configured %d",
				ErrCorruptManifest, len(state.levels), len(v.levels))
		}
		for _, meta := range metas {
			t, err := openTable(m.fs, m.dir, meta, ropts, m.logger)
			if err != nil {
				return err
			}
			t.ref()
			v.levels[l] = append(v.levels[l], t)
			if meta.FileNum > maxNum {
				maxNum = meta.FileNum
			}
		}
		v.sortLevel(m.cmp, m.opts.DividingLevelOffset, l)
	}
	if maxNum >= m.nextFileNum.Load() {
		m.nextFileNum.Store(maxNum + 1)
	}
	return nil
}

// removeOrphans deletes table files the manifest does not reference, WAL
// generations already flushed, and temp files from interrupted renames.
// File numbers present in the directory advance the allocator so they are
// never reused against a file awaiting replay.
func (m *Manager) removeOrphans(v *Version) error {
	names, err := m.fs.ListDir(m.dir)
	if err != nil {
		return err
	}
	live := make(map[uint64]bool)
	for _, level := range v.levels {
		for _, t := range level {
			live[t.Meta.FileNum] = true
		}
	}
	for _, name := range names {
		if strings.HasSuffix(name, ".tmp") {
			_ = m.fs.Remove(filepath.Join(m.dir, name))
			continue
		}
		num, ext, ok := parseFileName(name)
		if !ok {
			continue
		}
		if num >= m.nextFileNum.Load() {
			m.nextFileNum.Store(num + 1)
		}
		switch ext {
		case ".klog", ".vlog":
			if !live[num] {
				m.logger.Infof(logging.NSManifest+"removing orphan %s", name)
				_ = m.fs.Remove(filepath.Join(m.dir, name))
			}
		case ".wal":
			if num < m.logNum {
				m.logger.Infof(logging.NSManifest+"removing flushed wal %s", name)
				_ = m.fs.Remove(filepath.Join(m.dir, name))
			}
		}
	}
	return nil
}

// parseFileName splits "000042.klog" into (42, ".klog", true).
func parseFileName(name string) (uint64, string, bool) {
	ext := filepath.Ext(name)
	switch ext {
	case ".klog", ".vlog", ".wal":
	default:
		return 0, "", false
	}
	num, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return num, ext, true
}

func (m *Manager) manifestPath() string {
	return filepath.Join(m.dir, ManifestFileName)
}

// NextFileNum allocates a fresh file number, shared by tables and WALs.
func (m *Manager) NextFileNum() uint64 {
	return m.nextFileNum.Add(1) - 1
}

// WALPath returns the path of the WAL with the given generation number.
func (m *Manager) WALPath(num uint64) string {
	return wal.FileName(m.dir, num)
}

// LogNum returns the lowest WAL generation not yet flushed; generations
// below it have been deleted or are about to be.
func (m *Manager) LogNum() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logNum
}

// LastSeq returns the highest sequence number known durable in tables.
func (m *Manager) LastSeq() record.SeqNum {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// Current returns the current version with a reference the caller must
// release.
func (m *Manager) Current() *Version {
	m.verMu.Lock()
	defer m.verMu.Unlock()
	v := m.current
	v.Ref()
	return v
}

// install makes next the current version and releases the predecessor.
func (m *Manager) install(next *Version) {
	next.Ref()
	m.verMu.Lock()
	old := m.current
	m.current = next
	m.verMu.Unlock()
	if old != nil {
		old.Unref()
	}
	m.refreshStall(next)
}

// writeManifestLocked persists the state matching version v. Caller holds
// m.mu.
func (m *Manager) writeManifestLocked(v *Version) error {
	state := &manifestState{
		nextFileNum: m.nextFileNum.Load(),
		logNum:      m.logNum,
		lastSeq:     m.lastSeq,
		levels:      make([][]TableMeta, len(v.levels)),
	}
	for l, tables := range v.levels {
		state.levels[l] = make([]TableMeta, 0, len(tables))
		for _, t := range tables {
			state.levels[l] = append(state.levels[l], t.Meta)
		}
	}
	return saveManifest(m.fs, m.manifestPath(), state)
}

// Get returns the newest entry of key visible at or below seq, searching
// levels shallow to deep. Tombstones and expired entries are returned as
// stored.
func (m *Manager) Get(key []byte, visible record.SeqNum) (record.Entry, bool, error) {
	if m.closed.Load() {
		return record.Entry{}, false, ErrClosed
	}
	v := m.Current()
	defer v.Unref()
	return v.get(m.cmp, key, visible)
}

// AddIterators appends one iterator per table to dst and returns the
// pinned version backing them. The caller must Unref the version after
// closing the iterators.
func (m *Manager) AddIterators(dst []iterator.Iterator) ([]iterator.Iterator, *Version) {
	v := m.Current()
	for _, level := range v.levels {
		for _, t := range level {
			dst = append(dst, t.reader.NewIter())
		}
	}
	return dst, v
}

// IsFlushing reports whether a flush is running.
func (m *Manager) IsFlushing() bool { return m.flushing.Load() }

// IsCompacting reports whether a compaction is running.
func (m *Manager) IsCompacting() bool { return m.compacting.Load() }

// LevelStats aggregates one level for stats reporting.
type LevelStats struct {
	Level      int
	Tables     int
	Size       uint64
	Entries    uint64
	KeyBytes   uint64
	ValueBytes uint64

	// BtreeTables counts tables in the tree layout; NodeCount,
	// MaxHeight, and HeightSum aggregate their shapes.
	BtreeTables int
	NodeCount   uint64
	MaxHeight   uint32
	HeightSum   uint64
}

// Stats returns per-level aggregates for all configured levels.
func (m *Manager) Stats() []LevelStats {
	v := m.Current()
	defer v.Unref()
	out := make([]LevelStats, len(v.levels))
	for l, tables := range v.levels {
		s := LevelStats{Level: l}
		for _, t := range tables {
			s.Tables++
			s.Size += t.Meta.Size()
			s.Entries += t.Meta.NumEntries
			s.KeyBytes += t.Meta.KeyBytes
			s.ValueBytes += t.Meta.ValueBytes
			if t.Meta.Layout == sstable.LayoutBTree {
				s.BtreeTables++
				s.NodeCount += uint64(t.Meta.NumBlocks)
				s.HeightSum += uint64(t.Meta.Height)
				if t.Meta.Height > s.MaxHeight {
					s.MaxHeight = t.Meta.Height
				}
			}
		}
		out[l] = s
	}
	return out
}

// oldestSnapshot returns the lowest sequence any reader may still need.
func (m *Manager) oldestSnapshot() record.SeqNum {
	if m.opts.OldestSnapshot == nil {
		return record.MaxSeqNum
	}
	return m.opts.OldestSnapshot()
}

func (m *Manager) now() int64 {
	if m.opts.Now != nil {
		return m.opts.Now()
	}
	return timeNow()
}

// pace charges n bytes against the compaction rate limit.
func (m *Manager) pace(n int) {
	if m.limiter != nil && n > 0 {
		m.limiter.Wait(float64(n))
	}
}

func (m *Manager) tableOpts() sstable.WriterOptions {
	o := m.opts.Table
	o.Comparator = m.cmp
	return o
}

// Close releases the current version and unblocks stalled writers. Tables
// stay on disk; open iterators keep their pinned versions alive until
// closed.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.stall.close()
	// Drain any running compaction before dropping the version.
	m.compactMu.Lock()
	m.compactMu.Unlock() //nolint:staticcheck // drain in-flight work
	// Swap in an empty version so late Stats or Current calls stay safe.
	empty := newVersion(m.opts.MaxLevels, m.vnum+1)
	empty.Ref()
	m.verMu.Lock()
	v := m.current
	m.current = empty
	m.verMu.Unlock()
	if v != nil {
		v.Unref()
	}
	return nil
}

func timeNow() int64 { return time.Now().UnixNano() }
