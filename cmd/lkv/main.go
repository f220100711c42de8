// Package main provides the lkv CLI tool for inspecting LodeKV databases.
//
// Usage:
//
//	lkv --db=<path> <command> [options]
//
// Commands:
//
//	scan                 Scan key-value pairs in a column family
//	get <key>            Get value for a key
//	put <key> <val>      Put a key-value pair
//	delete <key>         Delete a key
//	cfs                  List column families
//	stats                Print column family statistics
//	cachestats           Print block cache statistics
//	flush                Flush the column family's memtable
//	compact              Compact the column family
//	backup <dir>         Write a full backup to dir
//	checkpoint <dir>     Write a hard-link checkpoint to dir
//	restore <src> <dst>  Restore a backup into dst
//	info                 Print database information
package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lodekv/lodekv"
)

var (
	dbPath  = flag.String("db", "", "Path to the database (required)")
	cfName  = flag.String("cf", lodekv.DefaultColumnFamilyName, "Column family to operate on")
	hexOut  = flag.Bool("hex", false, "Output keys and values in hex format")
	limit   = flag.Int("limit", 0, "Limit number of entries (0 = unlimited)")
	fromKey = flag.String("from", "", "Start key for scan")
	toKey   = flag.String("to", "", "End key for scan (exclusive)")
	reverse = flag.Bool("reverse", false, "Scan in descending key order")
	ttl     = flag.Duration("ttl", 0, "Time-to-live for put (0 = no expiry)")
	help    = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help || len(flag.Args()) == 0 {
		printUsage()
		return
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	if *dbPath == "" && command != "restore" {
		fmt.Fprintln(os.Stderr, "Error: --db flag is required")
		os.Exit(1)
	}

	var err error
	switch command {
	case "scan":
		err = cmdScan()
	case "get":
		err = cmdGet(args)
	case "put":
		err = cmdPut(args)
	case "delete":
		err = cmdDelete(args)
	case "cfs":
		err = cmdCFs()
	case "stats":
		err = cmdStats()
	case "cachestats":
		err = cmdCacheStats()
	case "flush":
		err = cmdFlush()
	case "compact":
		err = cmdCompact()
	case "backup":
		err = cmdBackup(args)
	case "checkpoint":
		err = cmdCheckpoint(args)
	case "restore":
		err = cmdRestore(args)
	case "info":
		err = cmdInfo()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("lkv - LodeKV database tool")
	fmt.Println()
	fmt.Println("Usage: lkv --db=<path> <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  scan                 Scan key-value pairs in a column family")
	fmt.Println("  get <key>            Get value for a key")
	fmt.Println("  put <key> <val>      Put a key-value pair")
	fmt.Println("  delete <key>         Delete a key")
	fmt.Println("  cfs                  List column families")
	fmt.Println("  stats                Print column family statistics")
	fmt.Println("  cachestats           Print block cache statistics")
	fmt.Println("  flush                Flush the column family's memtable")
	fmt.Println("  compact              Compact the column family")
	fmt.Println("  backup <dir>         Write a full backup to dir")
	fmt.Println("  checkpoint <dir>     Write a hard-link checkpoint to dir")
	fmt.Println("  restore <src> <dst>  Restore a backup into dst")
	fmt.Println("  info                 Print database information")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func openDB() (*lodekv.DB, error) {
	return lodekv.Open(*dbPath, nil)
}

func formatOutput(data []byte) string {
	if *hexOut {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func parseInput(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		decoded, err := hex.DecodeString(s[2:])
		if err == nil {
			return decoded
		}
	}
	return []byte(s)
}

func cmdScan() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	iter, err := db.NewIterator(*cfName)
	if err != nil {
		return err
	}
	defer iter.Close()

	boundKey := parseInput(*toKey)
	count := 0

	position := func() {
		switch {
		case *reverse && *fromKey != "":
			iter.SeekForPrev(parseInput(*fromKey))
		case *reverse:
			iter.SeekToLast()
		case *fromKey != "":
			iter.Seek(parseInput(*fromKey))
		default:
			iter.SeekToFirst()
		}
	}
	advance := func() {
		if *reverse {
			iter.Prev()
		} else {
			iter.Next()
		}
	}

	for position(); iter.Valid(); advance() {
		key := iter.Key()
		if *toKey != "" {
			if !*reverse && bytes.Compare(key, boundKey) >= 0 {
				break
			}
			if *reverse && bytes.Compare(key, boundKey) <= 0 {
				break
			}
		}
		fmt.Printf("%s => %s\n", formatOutput(key), formatOutput(iter.Value()))
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}

	fmt.Printf("\n(%d entries scanned)\n", count)
	return nil
}

func cmdGet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lkv --db=<path> get <key>")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	value, err := db.Get(*cfName, parseInput(args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", formatOutput(value))
	return nil
}

func cmdPut(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: lkv --db=<path> put <key> <value>")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	key, value := parseInput(args[0]), parseInput(args[1])
	if *ttl > 0 {
		err = db.PutWithTTL(*cfName, key, value, *ttl)
	} else {
		err = db.Put(*cfName, key, value)
	}
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	fmt.Println("OK")
	return nil
}

func cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lkv --db=<path> delete <key>")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Delete(*cfName, parseInput(args[0])); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Println("OK")
	return nil
}

func cmdCFs() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	for _, name := range db.ListColumnFamilies() {
		fmt.Println(name)
	}
	return nil
}

func cmdStats() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cf, err := db.ColumnFamily(*cfName)
	if err != nil {
		return err
	}
	s, err := cf.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Column family: %s\n", s.Name)
	fmt.Println("---")
	fmt.Printf("Memtables: %d (%d bytes, %d keys)\n", s.MemtableCount, s.MemtableSize, s.MemtableKeys)
	fmt.Printf("Total keys: %d\n", s.TotalKeys)
	fmt.Printf("Total data: %d bytes\n", s.TotalDataSize)
	fmt.Printf("Avg key size: %.1f bytes\n", s.AvgKeySize)
	fmt.Printf("Avg value size: %.1f bytes\n", s.AvgValueSize)
	fmt.Printf("Read amplification: %d\n", s.ReadAmplification)
	fmt.Printf("Cache hit rate: %.2f%%\n", s.CacheHitRate*100)
	if s.BtreeTotalNodes > 0 {
		fmt.Printf("B+tree nodes: %d (max height %d, avg %.1f)\n",
			s.BtreeTotalNodes, s.BtreeMaxHeight, s.BtreeAvgHeight)
	}
	fmt.Println("\nLevels:")
	for _, l := range s.Levels {
		if l.Tables == 0 {
			continue
		}
		fmt.Printf("  L%d: %d tables, %d bytes, %d keys\n", l.Level, l.Tables, l.Size, l.Keys)
	}
	return nil
}

func cmdCacheStats() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cs := db.CacheStats()
	fmt.Printf("Capacity: %d bytes\n", cs.Capacity)
	fmt.Printf("Usage: %d bytes\n", cs.Usage)
	fmt.Printf("Entries: %d\n", cs.Entries)
	fmt.Printf("Hits: %d\n", cs.Hits)
	fmt.Printf("Misses: %d\n", cs.Misses)
	fmt.Printf("Evictions: %d\n", cs.Evictions)
	fmt.Printf("Hit rate: %.2f%%\n", cs.HitRate*100)
	fmt.Printf("Shards: %d\n", cs.Shards)
	return nil
}

func cmdFlush() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cf, err := db.ColumnFamily(*cfName)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cf.FlushMemtable(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("OK (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdCompact() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cf, err := db.ColumnFamily(*cfName)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cf.Compact(); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	fmt.Printf("OK (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdBackup(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lkv --db=<path> backup <dir>")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Backup(args[0]); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	info, err := lodekv.ReadBackupInfo(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Backup %s written to %s (seq %d, %d column families)\n",
		info.ID, args[0], info.Seq, len(info.ColumnFamilies))
	return nil
}

func cmdCheckpoint(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lkv --db=<path> checkpoint <dir>")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Checkpoint(args[0]); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	fmt.Printf("Checkpoint written to %s\n", args[0])
	return nil
}

func cmdRestore(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: lkv restore <backup-dir> <dest-dir>")
	}

	if err := lodekv.RestoreBackup(args[0], args[1], nil); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Printf("Restored %s to %s\n", args[0], args[1])
	return nil
}

func cmdInfo() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	fmt.Printf("Database: %s\n", db.Path())
	fmt.Println("---")
	for _, name := range db.ListColumnFamilies() {
		cf, err := db.ColumnFamily(name)
		if err != nil {
			continue
		}
		s, err := cf.Stats()
		if err != nil {
			continue
		}
		tables := 0
		for _, l := range s.Levels {
			tables += l.Tables
		}
		fmt.Printf("%s: %d keys, %d tables, %d bytes\n", name, s.TotalKeys, tables, s.TotalDataSize)
	}
	return nil
}
