package lodekv

// recovery.go rebuilds a column family's unflushed state from its WAL
// generations on open.

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lodekv/lodekv/internal/logging"
	"github.com/lodekv/lodekv/internal/memtable"
	"github.com/lodekv/lodekv/internal/record"
	"github.com/lodekv/lodekv/internal/wal"
)

// recoverWAL replays every WAL generation the manifest has not retired,
// one frozen memtable per generation so the flush watermark advances in
// the same steps it would have taken before the crash. It finishes by
// opening a fresh active WAL and returns the highest sequence number seen.
func (cf *ColumnFamily) recoverWAL() (record.SeqNum, error) {
	maxSeq := cf.levels.LastSeq()

	gens, err := cf.pendingLogs()
	if err != nil {
		return 0, err
	}
	for _, gen := range gens {
		mem := cf.newMemtable()
		seq, err := cf.replayLog(gen, mem)
		if err != nil {
			return 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		// Empty generations still join the queue: their flush is what
		// retires the file.
		cf.frozen = append(cf.frozen, frozenMem{mem: mem, logNum: gen})
		cf.db.logger.Infof(logging.NSRecovery+"%s: replayed wal %06d (%d keys)",
			cf.name, gen, mem.Count())
	}

	gen := cf.levels.NextFileNum()
	w, err := wal.NewWriter(cf.db.fs, cf.levels.WALPath(gen))
	if err != nil {
		return 0, fmt.Errorf("%w: create wal: %w", ErrIO, err)
	}
	cf.wal = w
	cf.walGen = gen
	cf.active = cf.newMemtable()
	return maxSeq, nil
}

// pendingLogs lists the WAL generations at or above the flush watermark,
// oldest first.
func (cf *ColumnFamily) pendingLogs() ([]uint64, error) {
	names, err := cf.db.fs.ListDir(cf.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, cf.dir, err)
	}
	floor := cf.levels.LogNum()
	var gens []uint64
	for _, name := range names {
		if filepath.Ext(name) != ".wal" {
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil || num < floor {
			continue
		}
		gens = append(gens, num)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// replayLog inserts one generation's surviving batches into mem. A torn
// tail marks where the crash cut the log; everything before it replays.
func (cf *ColumnFamily) replayLog(gen uint64, mem *memtable.MemTable) (record.SeqNum, error) {
	r, err := wal.NewReader(cf.db.fs, cf.levels.WALPath(gen))
	if err != nil {
		return 0, fmt.Errorf("%w: open wal %06d: %w", ErrIO, gen, err)
	}
	defer r.Close()

	var maxSeq record.SeqNum
	for {
		payload, err := r.Next()
		if err == io.EOF {
			break
		}
		if err := wal.DecodeBatch(payload, func(e record.Entry) error {
			mem.Add(e.Seq, e.Kind, e.Key, e.Value, e.Expiry)
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
			return nil
		}); err != nil {
			return 0, fmt.Errorf("%w: wal %06d: %w", ErrCorruption, gen, err)
		}
	}
	if r.Torn() {
		cf.db.logger.Warnf(logging.NSRecovery+"%s: wal %06d has a torn tail, later batches dropped",
			cf.name, gen)
	}
	return maxSeq, nil
}
