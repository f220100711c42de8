// stats_test.go covers statistics collection: tickers, histograms,
// per-family stats, and cache counters.
package lodekv

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStatisticsTickers(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableStatistics = true
	db, _ := newTestDB(t, opts)
	cf := DefaultColumnFamilyName

	stats := db.Statistics()
	if stats == nil {
		t.Fatal("Statistics() returned nil with EnableStatistics set")
	}

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key%02d", i)
		if err := db.Put(cf, []byte(key), []byte("value")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if _, err := db.Get(cf, []byte("key03")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := db.Get(cf, []byte("absent")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v", err)
	}

	if n := stats.GetTickerCount(TickerKeysWritten); n != 10 {
		t.Fatalf("KeysWritten = %d, want 10", n)
	}
	if n := stats.GetTickerCount(TickerTxnCommit); n != 10 {
		t.Fatalf("TxnCommit = %d, want 10", n)
	}
	if n := stats.GetTickerCount(TickerGetHit); n != 1 {
		t.Fatalf("GetHit = %d, want 1", n)
	}
	if n := stats.GetTickerCount(TickerGetMiss); n != 1 {
		t.Fatalf("GetMiss = %d, want 1", n)
	}
	if n := stats.GetTickerCount(TickerBytesWritten); n == 0 {
		t.Fatal("BytesWritten = 0")
	}
	if n := stats.GetTickerCount(TickerWALSync); n == 0 {
		t.Fatal("WALSync = 0 under SyncFull")
	}

	// Commit latency was measured.
	if d := stats.GetHistogramData(HistogramCommit); d.Count == 0 {
		t.Fatal("HistogramCommit recorded nothing")
	}
	if d := stats.GetHistogramData(HistogramGet); d.Count == 0 {
		t.Fatal("HistogramGet recorded nothing")
	}

	// Rollbacks and conflicts tick their own counters.
	txn := db.Begin()
	txn.Put(cf, []byte("x"), []byte("y"))
	txn.Rollback()
	if n := stats.GetTickerCount(TickerTxnRollback); n != 1 {
		t.Fatalf("TxnRollback = %d, want 1", n)
	}

	it, err := db.NewIterator(cf)
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	it.SeekToFirst()
	it.Close()
	if n := stats.GetTickerCount(TickerIterSeek); n == 0 {
		t.Fatal("IterSeek = 0 after a seek")
	}

	// String renders every counter by name.
	out := stats.String()
	if !strings.Contains(out, "lodekv.keys.written") {
		t.Fatalf("String() missing counters: %q", out)
	}

	stats.Reset()
	if n := stats.GetTickerCount(TickerKeysWritten); n != 0 {
		t.Fatalf("KeysWritten after reset = %d", n)
	}
}

func TestStatisticsDisabled(t *testing.T) {
	db, _ := newTestDB(t, nil)
	if db.Statistics() != nil {
		t.Fatal("Statistics() non-nil without EnableStatistics")
	}

	// A nil receiver is inert, not a crash.
	var s *Statistics
	if s.GetTickerCount(TickerKeysWritten) != 0 {
		t.Fatal("Nil statistics returned a count")
	}
	s.Reset()
	if s.String() != "" {
		t.Fatal("Nil statistics rendered output")
	}
}

func TestFlushAndCompactionTickers(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableStatistics = true
	db, _ := newTestDB(t, opts)
	cf, _ := db.ColumnFamily(DefaultColumnFamilyName)

	for i := 0; i < 20; i++ {
		db.Put(DefaultColumnFamilyName, []byte(fmt.Sprintf("key%02d", i)), []byte("v"))
	}
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := db.Statistics().GetTickerCount(TickerFlush); n == 0 {
		t.Fatal("Flush ticker = 0 after a flush")
	}
	if d := db.Statistics().GetHistogramData(HistogramFlush); d.Count == 0 {
		t.Fatal("HistogramFlush recorded nothing")
	}

	for i := 0; i < 20; i++ {
		db.Put(DefaultColumnFamilyName, []byte(fmt.Sprintf("key%02d", i)), []byte("w"))
	}
	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if n := db.Statistics().GetTickerCount(TickerCompaction); n == 0 {
		t.Fatal("Compaction ticker = 0 after a compaction")
	}
}

func TestColumnFamilyStats(t *testing.T) {
	db, _ := newTestDB(t, nil)
	cf, _ := db.ColumnFamily(DefaultColumnFamilyName)

	const n = 100
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%03d", i)
		if err := db.Put(DefaultColumnFamilyName, []byte(key), []byte("0123456789")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Before any flush the keys sit in the memtable.
	s, err := cf.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.Name != DefaultColumnFamilyName {
		t.Fatalf("Name = %q", s.Name)
	}
	if s.MemtableCount != 1 || s.MemtableKeys != n {
		t.Fatalf("Memtable stats = %d tables, %d keys", s.MemtableCount, s.MemtableKeys)
	}
	if s.TotalKeys != n {
		t.Fatalf("TotalKeys = %d, want %d", s.TotalKeys, n)
	}
	if s.ReadAmplification < 1 {
		t.Fatalf("ReadAmplification = %d", s.ReadAmplification)
	}

	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	s, err = cf.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.MemtableKeys != 0 {
		t.Fatalf("MemtableKeys after flush = %d", s.MemtableKeys)
	}
	if s.TotalKeys != n {
		t.Fatalf("TotalKeys after flush = %d, want %d", s.TotalKeys, n)
	}
	if s.TotalDataSize == 0 {
		t.Fatal("TotalDataSize = 0 after flush")
	}
	if s.AvgKeySize < 5 || s.AvgKeySize > 8 {
		t.Fatalf("AvgKeySize = %.1f, want about 6", s.AvgKeySize)
	}
	if s.AvgValueSize < 9 || s.AvgValueSize > 11 {
		t.Fatalf("AvgValueSize = %.1f, want about 10", s.AvgValueSize)
	}
	tables := 0
	for _, l := range s.Levels {
		tables += l.Tables
	}
	if tables == 0 {
		t.Fatal("No tables reported after flush")
	}
}

func TestBTreeStats(t *testing.T) {
	db, _ := newTestDB(t, nil)

	cfg := DefaultColumnFamilyConfig()
	cfg.Format = FormatBTree
	cfg.BlockSize = 512
	if _, err := db.CreateColumnFamily("tree", &cfg); err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key%04d", i)
		if err := db.Put("tree", []byte(key), []byte("some reasonably sized payload")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	cf, _ := db.ColumnFamily("tree")
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	s, err := cf.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.BtreeTotalNodes == 0 {
		t.Fatal("BtreeTotalNodes = 0 for a multi-leaf tree")
	}
	if s.BtreeMaxHeight < 2 {
		t.Fatalf("BtreeMaxHeight = %d, want at least 2", s.BtreeMaxHeight)
	}
	if s.BtreeAvgHeight < 1 {
		t.Fatalf("BtreeAvgHeight = %.1f", s.BtreeAvgHeight)
	}
}

func TestCacheStats(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockCacheSize = 8 << 20
	opts.CacheShards = 4
	db, _ := newTestDB(t, opts)
	cf, _ := db.ColumnFamily(DefaultColumnFamilyName)

	for i := 0; i < 50; i++ {
		db.Put(DefaultColumnFamilyName, []byte(fmt.Sprintf("key%02d", i)), []byte("value"))
	}
	if err := cf.FlushMemtable(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Table reads populate the cache; repeats hit it.
	for r := 0; r < 3; r++ {
		for i := 0; i < 50; i++ {
			if _, err := db.Get(DefaultColumnFamilyName, []byte(fmt.Sprintf("key%02d", i))); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
		}
	}

	cs := db.CacheStats()
	if cs.Capacity != 8<<20 {
		t.Fatalf("Capacity = %d", cs.Capacity)
	}
	if cs.Shards != 4 {
		t.Fatalf("Shards = %d, want 4", cs.Shards)
	}
	if cs.Hits == 0 {
		t.Fatal("No cache hits after repeated reads")
	}
	if cs.Usage == 0 || cs.Entries == 0 {
		t.Fatalf("Cache unpopulated: usage=%d entries=%d", cs.Usage, cs.Entries)
	}
	if cs.HitRate <= 0 || cs.HitRate > 1 {
		t.Fatalf("HitRate = %f", cs.HitRate)
	}
}
