package lodekv

// config.go persists a column family's configuration inside its directory.
//
// The CONFIG file is a flat key=value listing under one section header.
// Parsing starts from the defaults and overlays recognized keys, so files
// written by newer versions with extra keys still load. The column family
// name is deliberately not stored; renames move the directory and touch
// nothing inside it.

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lodekv/lodekv/internal/vfs"
)

const configFileName = "CONFIG"

func configPath(dir string) string {
	return filepath.Join(dir, configFileName)
}

func encodeConfig(c *ColumnFamilyConfig) []byte {
	var b bytes.Buffer
	b.WriteString("[column_family]\n")
	w := func(key, val string) {
		fmt.Fprintf(&b, "  %s=%s\n", key, val)
	}
	w("write_buffer_size", strconv.FormatInt(c.WriteBufferSize, 10))
	w("max_levels", strconv.Itoa(c.MaxLevels))
	w("dividing_level_offset", strconv.Itoa(c.DividingLevelOffset))
	w("min_levels", strconv.Itoa(c.MinLevels))
	w("l1_file_count_trigger", strconv.Itoa(c.L1FileCountTrigger))
	w("l0_stall_threshold", strconv.Itoa(c.L0StallThreshold))
	w("level_size_ratio", strconv.Itoa(c.LevelSizeRatio))
	w("min_free_disk_space", strconv.FormatUint(c.MinFreeDiskSpace, 10))
	w("format", c.Format.String())
	w("block_size", strconv.Itoa(c.BlockSize))
	w("compression", c.Compression.String())
	w("bloom_filter", strconv.FormatBool(c.BloomFilter))
	w("bloom_fpr", strconv.FormatFloat(c.BloomFPR, 'g', -1, 64))
	w("block_index", strconv.FormatBool(c.BlockIndex))
	w("index_sample_ratio", strconv.Itoa(c.IndexSampleRatio))
	w("block_index_prefix_len", strconv.Itoa(c.BlockIndexPrefixLen))
	w("klog_value_threshold", strconv.Itoa(c.KlogValueThreshold))
	w("sync_mode", c.SyncMode.String())
	w("sync_interval", c.SyncInterval.String())
	w("skiplist_max_level", strconv.Itoa(c.SkipListMaxLevel))
	w("skiplist_probability", strconv.FormatFloat(c.SkipListProbability, 'g', -1, 64))
	w("default_isolation", c.DefaultIsolation.String())
	w("comparator", c.ComparatorName)
	return b.Bytes()
}

func decodeConfig(data []byte) ColumnFamilyConfig {
	c := DefaultColumnFamilyConfig()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])

		switch key {
		case "write_buffer_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				c.WriteBufferSize = v
			}
		case "max_levels":
			if v, err := strconv.Atoi(val); err == nil {
				c.MaxLevels = v
			}
		case "dividing_level_offset":
			if v, err := strconv.Atoi(val); err == nil {
				c.DividingLevelOffset = v
			}
		case "min_levels":
			if v, err := strconv.Atoi(val); err == nil {
				c.MinLevels = v
			}
		case "l1_file_count_trigger":
			if v, err := strconv.Atoi(val); err == nil {
				c.L1FileCountTrigger = v
			}
		case "l0_stall_threshold":
			if v, err := strconv.Atoi(val); err == nil {
				c.L0StallThreshold = v
			}
		case "level_size_ratio":
			if v, err := strconv.Atoi(val); err == nil {
				c.LevelSizeRatio = v
			}
		case "min_free_disk_space":
			if v, err := strconv.ParseUint(val, 10, 64); err == nil {
				c.MinFreeDiskSpace = v
			}
		case "format":
			c.Format = parseFormat(val)
		case "block_size":
			if v, err := strconv.Atoi(val); err == nil {
				c.BlockSize = v
			}
		case "compression":
			c.Compression = parseCompression(val)
		case "bloom_filter":
			if v, err := strconv.ParseBool(val); err == nil {
				c.BloomFilter = v
			}
		case "bloom_fpr":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				c.BloomFPR = v
			}
		case "block_index":
			if v, err := strconv.ParseBool(val); err == nil {
				c.BlockIndex = v
			}
		case "index_sample_ratio":
			if v, err := strconv.Atoi(val); err == nil {
				c.IndexSampleRatio = v
			}
		case "block_index_prefix_len":
			if v, err := strconv.Atoi(val); err == nil {
				c.BlockIndexPrefixLen = v
			}
		case "klog_value_threshold":
			if v, err := strconv.Atoi(val); err == nil {
				c.KlogValueThreshold = v
			}
		case "sync_mode":
			c.SyncMode = parseSyncMode(val)
		case "sync_interval":
			if v, err := time.ParseDuration(val); err == nil {
				c.SyncInterval = v
			}
		case "skiplist_max_level":
			if v, err := strconv.Atoi(val); err == nil {
				c.SkipListMaxLevel = v
			}
		case "skiplist_probability":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				c.SkipListProbability = v
			}
		case "default_isolation":
			if v, ok := parseIsolation(val); ok {
				c.DefaultIsolation = v
			}
		case "comparator":
			c.ComparatorName = val
		}
	}
	return c
}

func parseFormat(s string) TableFormat {
	if s == "btree" {
		return FormatBTree
	}
	return FormatBlock
}

func parseCompression(s string) CompressionType {
	switch s {
	case "snappy":
		return SnappyCompression
	case "lz4":
		return LZ4Compression
	case "lz4fast":
		return LZ4FastCompression
	case "zstd":
		return ZstdCompression
	case "minlz":
		return MinLZCompression
	default:
		return NoCompression
	}
}

func parseSyncMode(s string) SyncMode {
	switch s {
	case "full":
		return SyncFull
	case "interval":
		return SyncIntervalMode
	default:
		return SyncNone
	}
}

func parseIsolation(s string) (IsolationLevel, bool) {
	for l := ReadUncommitted; l <= Serializable; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// writeConfig persists c into dir atomically.
func writeConfig(fs vfs.FS, dir string, c *ColumnFamilyConfig) error {
	if err := vfs.WriteFileAtomic(fs, configPath(dir), encodeConfig(c)); err != nil {
		return fmt.Errorf("%w: write CONFIG: %w", ErrIO, err)
	}
	return nil
}

// readConfig loads the CONFIG file from dir. A column family directory
// without one is damaged.
func readConfig(fs vfs.FS, dir string) (ColumnFamilyConfig, error) {
	data, err := vfs.ReadFile(fs, configPath(dir))
	if err != nil {
		if !fs.Exists(configPath(dir)) {
			return ColumnFamilyConfig{}, fmt.Errorf("%w: missing CONFIG in %s", ErrCorruption, dir)
		}
		return ColumnFamilyConfig{}, fmt.Errorf("%w: read CONFIG: %w", ErrIO, err)
	}
	return decodeConfig(data), nil
}
