package lodekv

// statistics.go implements engine-wide performance counters.
//
// Tickers are monotonically increasing event counts held in a fixed atomic
// array. Latencies go into HDR histograms, which give real percentiles at
// bounded memory instead of the min/mean/max a hand-rolled accumulator
// could offer.

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// TickerType identifies a monotonically increasing event counter.
type TickerType int

const (
	// TickerKeysRead counts keys returned by point reads.
	TickerKeysRead TickerType = iota
	// TickerKeysWritten counts committed operations.
	TickerKeysWritten
	// TickerBytesRead counts value bytes returned by point reads.
	TickerBytesRead
	// TickerBytesWritten counts key+value bytes committed.
	TickerBytesWritten
	// TickerGetHit counts point reads that found a live entry.
	TickerGetHit
	// TickerGetMiss counts point reads that found nothing.
	TickerGetMiss
	// TickerTxnCommit counts successful commits.
	TickerTxnCommit
	// TickerTxnConflict counts commits rejected by validation.
	TickerTxnConflict
	// TickerTxnRollback counts explicit rollbacks.
	TickerTxnRollback
	// TickerWALSync counts WAL fsyncs.
	TickerWALSync
	// TickerFlush counts memtable flushes.
	TickerFlush
	// TickerCompaction counts compaction rounds.
	TickerCompaction
	// TickerIterSeek counts iterator seeks, including SeekToFirst and
	// SeekToLast.
	TickerIterSeek
	// TickerStallMicros accumulates time commits spent stalled, in
	// microseconds.
	TickerStallMicros

	tickerEnumMax
)

var tickerNames = [tickerEnumMax]string{
	TickerKeysRead:     "lodekv.keys.read",
	TickerKeysWritten:  "lodekv.keys.written",
	TickerBytesRead:    "lodekv.bytes.read",
	TickerBytesWritten: "lodekv.bytes.written",
	TickerGetHit:       "lodekv.get.hit",
	TickerGetMiss:      "lodekv.get.miss",
	TickerTxnCommit:    "lodekv.txn.commit",
	TickerTxnConflict:  "lodekv.txn.conflict",
	TickerTxnRollback:  "lodekv.txn.rollback",
	TickerWALSync:      "lodekv.wal.sync",
	TickerFlush:        "lodekv.flush.count",
	TickerCompaction:   "lodekv.compaction.count",
	TickerIterSeek:     "lodekv.iter.seek",
	TickerStallMicros:  "lodekv.stall.micros",
}

// String returns the ticker's registry name.
func (t TickerType) String() string {
	if t < 0 || t >= tickerEnumMax {
		return "lodekv.unknown"
	}
	return tickerNames[t]
}

// HistogramType identifies a latency histogram.
type HistogramType int

const (
	// HistogramGet measures point-read latency.
	HistogramGet HistogramType = iota
	// HistogramCommit measures commit latency, including WAL sync.
	HistogramCommit
	// HistogramFlush measures memtable flush latency.
	HistogramFlush
	// HistogramCompaction measures one compaction round's latency.
	HistogramCompaction

	histogramEnumMax
)

var histogramNames = [histogramEnumMax]string{
	HistogramGet:        "lodekv.get.micros",
	HistogramCommit:     "lodekv.commit.micros",
	HistogramFlush:      "lodekv.flush.micros",
	HistogramCompaction: "lodekv.compaction.micros",
}

// String returns the histogram's registry name.
func (h HistogramType) String() string {
	if h < 0 || h >= histogramEnumMax {
		return "lodekv.unknown"
	}
	return histogramNames[h]
}

// HistogramData is a point-in-time percentile snapshot, in microseconds.
type HistogramData struct {
	Count int64
	Mean  float64
	P50   int64
	P95   int64
	P99   int64
	Max   int64
}

// Statistics collects tickers and latency histograms when
// Options.EnableStatistics is set. A nil *Statistics records nothing, so
// call sites never branch on the toggle.
type Statistics struct {
	tickers [tickerEnumMax]atomic.Uint64

	mu    sync.Mutex
	hists [histogramEnumMax]*hdrhistogram.Histogram
}

// Latencies from one microsecond to a minute at two significant figures.
const (
	histMinValue = 1
	histMaxValue = 60 * 1000 * 1000
	histSigFigs  = 2
)

func newStatistics() *Statistics {
	s := &Statistics{}
	for i := range s.hists {
		s.hists[i] = hdrhistogram.New(histMinValue, histMaxValue, histSigFigs)
	}
	return s
}

func (s *Statistics) recordTick(t TickerType, n uint64) {
	if s == nil {
		return
	}
	s.tickers[t].Add(n)
}

// measureSince records the elapsed time since start into h.
func (s *Statistics) measureSince(h HistogramType, start time.Time) {
	if s == nil {
		return
	}
	v := time.Since(start).Microseconds()
	if v < histMinValue {
		v = histMinValue
	} else if v > histMaxValue {
		v = histMaxValue
	}
	s.mu.Lock()
	_ = s.hists[h].RecordValue(v)
	s.mu.Unlock()
}

// GetTickerCount returns the current value of t.
func (s *Statistics) GetTickerCount(t TickerType) uint64 {
	if s == nil || t < 0 || t >= tickerEnumMax {
		return 0
	}
	return s.tickers[t].Load()
}

// GetHistogramData snapshots h's percentiles.
func (s *Statistics) GetHistogramData(h HistogramType) HistogramData {
	if s == nil || h < 0 || h >= histogramEnumMax {
		return HistogramData{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.hists[h]
	return HistogramData{
		Count: hist.TotalCount(),
		Mean:  hist.Mean(),
		P50:   hist.ValueAtQuantile(50),
		P95:   hist.ValueAtQuantile(95),
		P99:   hist.ValueAtQuantile(99),
		Max:   hist.Max(),
	}
}

// Reset zeroes every ticker and histogram.
func (s *Statistics) Reset() {
	if s == nil {
		return
	}
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	s.mu.Lock()
	for _, h := range s.hists {
		h.Reset()
	}
	s.mu.Unlock()
}

// String renders every counter and histogram, one per line.
func (s *Statistics) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for t := TickerType(0); t < tickerEnumMax; t++ {
		fmt.Fprintf(&b, "%s COUNT : %d\n", t, s.GetTickerCount(t))
	}
	for h := HistogramType(0); h < histogramEnumMax; h++ {
		d := s.GetHistogramData(h)
		fmt.Fprintf(&b, "%s P50 : %d P95 : %d P99 : %d MAX : %d COUNT : %d\n",
			h, d.P50, d.P95, d.P99, d.Max, d.Count)
	}
	return b.String()
}
