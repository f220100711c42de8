package lodekv

// stats.go assembles the point-in-time shape reports: per-column-family
// Stats and the shared block cache's CacheStats.

// LevelStats describes one level of a column family's table hierarchy.
type LevelStats struct {
	Level  int
	Tables int
	Size   uint64
	Keys   uint64
}

// Stats is a point-in-time snapshot of one column family. It carries no
// locks or handles; fields are plain values copied at the moment of the
// call.
type Stats struct {
	Name   string
	Levels []LevelStats

	MemtableSize  int64
	MemtableCount int
	MemtableKeys  uint64

	// TotalKeys and TotalDataSize cover tables and memtables together.
	// Table counts include shadowed versions and tombstones not yet
	// compacted away.
	TotalKeys     uint64
	TotalDataSize uint64

	AvgKeySize   float64
	AvgValueSize float64

	// ReadAmplification is the worst-case probe count of a point read:
	// every memtable, every tiered run, and one table per populated
	// leveled level.
	ReadAmplification int

	CacheHitRate float64

	// B+tree shape across tables in the tree layout; zero when the
	// column family uses the block format.
	BtreeTotalNodes uint64
	BtreeMaxHeight  uint32
	BtreeAvgHeight  float64
}

// Stats reports the column family's current shape.
func (cf *ColumnFamily) Stats() (Stats, error) {
	if err := cf.alive(); err != nil {
		return Stats{}, err
	}

	s := Stats{Name: cf.name}
	var keyBytes, valueBytes, heightSum uint64
	var btreeTables int

	levelStats := cf.levels.Stats()
	s.Levels = make([]LevelStats, 0, len(levelStats))
	for _, l := range levelStats {
		s.Levels = append(s.Levels, LevelStats{
			Level:  l.Level,
			Tables: l.Tables,
			Size:   l.Size,
			Keys:   l.Entries,
		})
		s.TotalKeys += l.Entries
		s.TotalDataSize += l.Size
		keyBytes += l.KeyBytes
		valueBytes += l.ValueBytes
		btreeTables += l.BtreeTables
		s.BtreeTotalNodes += l.NodeCount
		heightSum += l.HeightSum
		if l.MaxHeight > s.BtreeMaxHeight {
			s.BtreeMaxHeight = l.MaxHeight
		}
	}
	if btreeTables > 0 {
		s.BtreeAvgHeight = float64(heightSum) / float64(btreeTables)
	}
	if s.TotalKeys > 0 {
		s.AvgKeySize = float64(keyBytes) / float64(s.TotalKeys)
		s.AvgValueSize = float64(valueBytes) / float64(s.TotalKeys)
	}

	cf.memMu.RLock()
	s.MemtableCount = 1 + len(cf.frozen)
	s.MemtableSize = cf.active.MemoryUsage()
	s.MemtableKeys = uint64(cf.active.Count())
	for _, f := range cf.frozen {
		s.MemtableSize += f.mem.MemoryUsage()
		s.MemtableKeys += uint64(f.mem.Count())
	}
	cf.memMu.RUnlock()
	s.TotalKeys += s.MemtableKeys
	s.TotalDataSize += uint64(s.MemtableSize)

	amp := s.MemtableCount
	for _, l := range levelStats {
		switch {
		case l.Level < cf.config.DividingLevelOffset:
			amp += l.Tables
		case l.Tables > 0:
			amp++
		}
	}
	s.ReadAmplification = amp

	s.CacheHitRate = cf.db.cache.Stats().HitRate()
	return s, nil
}

// CacheStats is a point-in-time snapshot of the shared block cache.
type CacheStats struct {
	Capacity  int64
	Usage     int64
	Entries   uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
	Shards    int
}

// CacheStats reports the block cache's occupancy and hit counters,
// aggregated across shards.
func (db *DB) CacheStats() CacheStats {
	s := db.cache.Stats()
	return CacheStats{
		Capacity:  s.Capacity,
		Usage:     s.Usage,
		Entries:   s.Count,
		Hits:      s.Hits,
		Misses:    s.Misses,
		Evictions: s.Evictions,
		HitRate:   s.HitRate(),
		Shards:    db.cache.Partitions(),
	}
}
