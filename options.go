package lodekv

// options.go defines database options and per-column-family configuration.

import (
	"fmt"
	"math"
	"time"

	"github.com/lodekv/lodekv/internal/compress"
	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/skl"
	"github.com/lodekv/lodekv/internal/sstable"
	"github.com/lodekv/lodekv/internal/vfs"
)

// TableFormat selects the physical klog encoding of a column family.
type TableFormat uint8

const (
	// FormatBlock stores entries in fixed-size blocks behind a sparse
	// index and an optional bloom filter.
	FormatBlock TableFormat = iota

	// FormatBTree stores entries in an on-disk B+tree whose leaves are
	// chained for backward scans.
	FormatBTree
)

// String returns the format's CONFIG-file name.
func (f TableFormat) String() string {
	if f == FormatBTree {
		return "btree"
	}
	return "block"
}

// CompressionType selects the block compression algorithm.
type CompressionType uint8

const (
	NoCompression CompressionType = iota
	SnappyCompression
	LZ4Compression
	LZ4FastCompression
	ZstdCompression
	MinLZCompression
)

// String returns the compression type's CONFIG-file name.
func (c CompressionType) String() string {
	switch c {
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case LZ4FastCompression:
		return "lz4fast"
	case ZstdCompression:
		return "zstd"
	case MinLZCompression:
		return "minlz"
	default:
		return "none"
	}
}

func (c CompressionType) internal() compress.Type {
	switch c {
	case SnappyCompression:
		return compress.SnappyCompression
	case LZ4Compression:
		return compress.LZ4Compression
	case LZ4FastCompression:
		return compress.LZ4FastCompression
	case ZstdCompression:
		return compress.ZstdCompression
	case MinLZCompression:
		return compress.MinLZCompression
	default:
		return compress.NoCompression
	}
}

// SyncMode governs WAL durability on commit.
type SyncMode uint8

const (
	// SyncNone leaves syncing to the OS. A crash can lose any commit
	// since the last flush.
	SyncNone SyncMode = iota

	// SyncFull fsyncs the WAL on every commit. Nothing acknowledged is
	// lost.
	SyncFull

	// SyncIntervalMode fsyncs on a timer; a crash loses at most
	// SyncInterval worth of commits.
	SyncIntervalMode
)

// String returns the sync mode's CONFIG-file name.
func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncIntervalMode:
		return "interval"
	default:
		return "none"
	}
}

// Options configures the database as a whole. Per-column-family tuning
// lives in ColumnFamilyConfig.
type Options struct {
	// FS is the filesystem implementation. Nil uses the OS filesystem.
	FS vfs.FS

	// Logger receives diagnostic output. Nil discards it.
	Logger logging.Logger

	// BlockCacheSize bounds the shared block cache in bytes. Zero or
	// negative disables the cache.
	BlockCacheSize int64

	// CacheShards is the block cache's partition count, rounded up to a
	// power of two. Zero uses the cache's default.
	CacheShards int

	// FlushWorkers bounds how many column families flush concurrently.
	FlushWorkers int

	// CompactionWorkers bounds how many column families compact
	// concurrently.
	CompactionWorkers int

	// CompactionRateLimit paces compaction writes in bytes per second
	// across all column families' budgets. Zero or negative disables
	// pacing. Flushes are never paced.
	CompactionRateLimit float64

	// MaxWriteBufferMemory bounds the total memory held by memtables
	// across all column families. Commits fail with ErrMemoryBudget
	// while usage is above the bound. Zero means unlimited.
	MaxWriteBufferMemory int64

	// Comparators preregisters named comparators, needed when opening a
	// database whose column families were created with custom orderings.
	// The bytewise comparator is always registered.
	Comparators map[string]Comparator

	// EnableStatistics turns on ticker and latency collection, exposed
	// through DB.Statistics.
	EnableStatistics bool
}

// DefaultOptions returns the options Open uses when passed nil.
func DefaultOptions() *Options {
	return &Options{
		BlockCacheSize:    256 << 20,
		CacheShards:       0,
		FlushWorkers:      2,
		CompactionWorkers: 2,
		EnableStatistics:  false,
	}
}

func (o *Options) sanitize() *Options {
	s := *o
	if s.FS == nil {
		s.FS = vfs.Default()
	}
	s.Logger = logging.OrDefault(s.Logger)
	if s.FlushWorkers <= 0 {
		s.FlushWorkers = 1
	}
	if s.CompactionWorkers <= 0 {
		s.CompactionWorkers = 1
	}
	return &s
}

// ColumnFamilyConfig tunes one column family. The config is validated and
// persisted when the column family is created; on reopen the persisted
// config wins over whatever the caller supplies.
type ColumnFamilyConfig struct {
	// WriteBufferSize is the memtable size that triggers a freeze and a
	// background flush.
	WriteBufferSize int64

	// MaxLevels is the depth of the level tree.
	MaxLevels int

	// DividingLevelOffset is the first leveled level; levels below it
	// compact tiered.
	DividingLevelOffset int

	// MinLevels exempts levels shallower than it from the size-based
	// compaction trigger.
	MinLevels int

	// L1FileCountTrigger compacts a tiered level once it holds this many
	// runs.
	L1FileCountTrigger int

	// L0StallThreshold stalls commits while level 0 holds this many
	// tables. Stalls block; they do not fail.
	L0StallThreshold int

	// LevelSizeRatio is the per-level size multiplier for the leveled
	// trigger: level L compacts above LevelSizeRatio^L × WriteBufferSize.
	LevelSizeRatio int

	// MinFreeDiskSpace stalls commits while the filesystem has less than
	// this many bytes free. Zero disables the guard.
	MinFreeDiskSpace uint64

	// Format selects the table encoding.
	Format TableFormat

	// BlockSize bounds the uncompressed payload of entry blocks and tree
	// nodes.
	BlockSize int

	// Compression is applied per block.
	Compression CompressionType

	// BloomFilter enables a per-table bloom filter with target
	// false-positive rate BloomFPR.
	BloomFilter bool
	BloomFPR    float64

	// BlockIndex enables the sparse block index (block format only).
	// IndexSampleRatio keeps every Nth block in the index;
	// BlockIndexPrefixLen truncates index separators to that many bytes.
	// Truncation requires an ordering consistent under prefixes, so it is
	// rejected alongside a custom comparator.
	BlockIndex          bool
	IndexSampleRatio    int
	BlockIndexPrefixLen int

	// KlogValueThreshold routes values of at least this many bytes to
	// the vlog. Zero or negative keeps all values inline in the klog.
	KlogValueThreshold int

	// SyncMode and SyncInterval govern WAL durability. SyncInterval is
	// only meaningful with SyncIntervalMode.
	SyncMode     SyncMode
	SyncInterval time.Duration

	// SkipListMaxLevel and SkipListProbability shape the memtable's skip
	// list.
	SkipListMaxLevel    int
	SkipListProbability float64

	// DefaultIsolation is the level DB.Begin uses.
	DefaultIsolation IsolationLevel

	// ComparatorName names the key ordering in the database's comparator
	// registry. Empty means bytewise.
	ComparatorName string
}

// DefaultColumnFamilyConfig returns the tuning a column family gets when
// fields are left zero.
func DefaultColumnFamilyConfig() ColumnFamilyConfig {
	return ColumnFamilyConfig{
		WriteBufferSize:     64 << 20,
		MaxLevels:           7,
		DividingLevelOffset: 2,
		MinLevels:           0,
		L1FileCountTrigger:  4,
		L0StallThreshold:    20,
		LevelSizeRatio:      10,
		Format:              FormatBlock,
		BlockSize:           4096,
		Compression:         SnappyCompression,
		BloomFilter:         true,
		BloomFPR:            0.01,
		BlockIndex:          true,
		IndexSampleRatio:    16,
		BlockIndexPrefixLen: 0,
		KlogValueThreshold:  32 << 10,
		SyncMode:            SyncFull,
		SyncInterval:        500 * time.Millisecond,
		SkipListMaxLevel:    skl.DefaultMaxHeight,
		SkipListProbability: skl.DefaultProbability,
		DefaultIsolation:    ReadCommitted,
	}
}

// sanitize fills zero fields from the defaults and validates the rest.
func (c ColumnFamilyConfig) sanitize() (ColumnFamilyConfig, error) {
	d := DefaultColumnFamilyConfig()
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = d.MaxLevels
	}
	if c.MaxLevels < 2 {
		return c, fmt.Errorf("%w: MaxLevels %d below 2", ErrInvalidArgument, c.MaxLevels)
	}
	if c.DividingLevelOffset <= 0 {
		c.DividingLevelOffset = d.DividingLevelOffset
	}
	if c.DividingLevelOffset >= c.MaxLevels {
		c.DividingLevelOffset = c.MaxLevels - 1
	}
	if c.MinLevels < 0 || c.MinLevels >= c.MaxLevels {
		return c, fmt.Errorf("%w: MinLevels %d outside [0, MaxLevels)", ErrInvalidArgument, c.MinLevels)
	}
	if c.L1FileCountTrigger <= 0 {
		c.L1FileCountTrigger = d.L1FileCountTrigger
	}
	if c.L0StallThreshold <= 0 {
		c.L0StallThreshold = d.L0StallThreshold
	}
	if c.LevelSizeRatio <= 1 {
		c.LevelSizeRatio = d.LevelSizeRatio
	}
	if c.Format != FormatBlock && c.Format != FormatBTree {
		return c, fmt.Errorf("%w: unknown table format %d", ErrInvalidArgument, c.Format)
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.Compression > MinLZCompression {
		return c, fmt.Errorf("%w: unknown compression %d", ErrInvalidArgument, c.Compression)
	}
	if c.BloomFilter && (c.BloomFPR <= 0 || c.BloomFPR >= 1) {
		c.BloomFPR = d.BloomFPR
	}
	if c.IndexSampleRatio <= 0 {
		c.IndexSampleRatio = d.IndexSampleRatio
	}
	if c.BlockIndexPrefixLen < 0 {
		return c, fmt.Errorf("%w: negative BlockIndexPrefixLen", ErrInvalidArgument)
	}
	if c.BlockIndexPrefixLen > 0 && c.ComparatorName != "" && c.ComparatorName != DefaultComparator().Name() {
		return c, fmt.Errorf("%w: BlockIndexPrefixLen requires the bytewise comparator", ErrInvalidArgument)
	}
	if c.KlogValueThreshold < 0 {
		c.KlogValueThreshold = 0
	}
	if c.SyncMode > SyncIntervalMode {
		return c, fmt.Errorf("%w: unknown sync mode %d", ErrInvalidArgument, c.SyncMode)
	}
	if c.SyncMode == SyncIntervalMode && c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.SkipListMaxLevel <= 0 {
		c.SkipListMaxLevel = d.SkipListMaxLevel
	}
	if c.SkipListMaxLevel > 32 {
		return c, fmt.Errorf("%w: SkipListMaxLevel %d above 32", ErrInvalidArgument, c.SkipListMaxLevel)
	}
	if c.SkipListProbability <= 0 || c.SkipListProbability >= 1 {
		c.SkipListProbability = d.SkipListProbability
	}
	if c.DefaultIsolation < ReadUncommitted || c.DefaultIsolation > Serializable {
		return c, fmt.Errorf("%w: unknown isolation level %d", ErrInvalidArgument, c.DefaultIsolation)
	}
	return c, nil
}

// tableOptions maps the config onto the table writer.
func (c *ColumnFamilyConfig) tableOptions(cmp Comparator) sstable.WriterOptions {
	opts := sstable.WriterOptions{
		BlockSize:     c.BlockSize,
		Compression:   c.Compression.internal(),
		VlogThreshold: c.KlogValueThreshold,
		Comparator:    cmp.Compare,
	}
	if c.Format == FormatBTree {
		opts.Layout = sstable.LayoutBTree
	} else {
		opts.Layout = sstable.LayoutBlock
	}
	if c.BloomFilter {
		opts.BloomFPR = c.BloomFPR
	}
	if c.BlockIndex {
		opts.IndexSampleRatio = c.IndexSampleRatio
		opts.BlockIndexPrefixLen = c.BlockIndexPrefixLen
	} else {
		// Sampling every block apart keeps the index at one entry per
		// table, the closest the format comes to "no index".
		opts.IndexSampleRatio = math.MaxInt32
	}
	return opts
}
