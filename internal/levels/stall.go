// stall.go implements write backpressure.
//
// Writers block, rather than fail, while level 0 is overloaded or the
// volume is low on space. Level-0 stalls are relieved by a broadcast when
// a compaction installs a new version; disk-space stalls are re-checked on
// a timer since nothing inside the store frees space.
package levels

import (
	"sync"
	"time"

	"github.com/lodekv/lodekv/internal/logging"
)

type stallCause int

const (
	stallNone stallCause = iota
	stallL0
	stallDiskSpace
)

func (c stallCause) String() string {
	switch c {
	case stallL0:
		return "level 0 table count"
	case stallDiskSpace:
		return "free disk space"
	default:
		return "none"
	}
}

// stallPollInterval is how often a disk-space stall re-checks the volume.
const stallPollInterval = 50 * time.Millisecond

type stallState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	cause  stallCause
	closed bool
	stalls uint64
}

func (s *stallState) init() {
	s.cond = sync.NewCond(&s.mu)
}

func (s *stallState) set(cause stallCause, logger logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cause
	s.cause = cause
	if prev != stallNone && cause == stallNone {
		s.cond.Broadcast()
	}
	if prev == stallNone && cause != stallNone {
		s.stalls++
		logger.Warnf(logging.NSCompact+"stalling writes: %s", cause)
	}
}

func (s *stallState) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// refreshStall recomputes the stall cause against version v.
func (m *Manager) refreshStall(v *Version) {
	cause := stallNone
	if v.NumTables(0) >= m.opts.L0StallThreshold {
		cause = stallL0
	} else if m.opts.MinFreeDiskSpace > 0 {
		free, err := m.fs.FreeSpace(m.dir)
		if err == nil && free < m.opts.MinFreeDiskSpace {
			cause = stallDiskSpace
		}
	}
	m.stall.set(cause, m.logger)
}

func (m *Manager) refreshStallCurrent() {
	v := m.Current()
	defer v.Unref()
	m.refreshStall(v)
}

// WaitWritable blocks until writes may proceed, returning ErrClosed if the
// manager closes while waiting.
func (m *Manager) WaitWritable() error {
	s := &m.stall
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		switch s.cause {
		case stallNone:
			s.mu.Unlock()
			return nil
		case stallDiskSpace:
			s.mu.Unlock()
			time.Sleep(stallPollInterval)
			m.refreshStallCurrent()
			s.mu.Lock()
		default:
			s.cond.Wait()
		}
	}
}

// Stalled reports whether writers would currently block.
func (m *Manager) Stalled() bool {
	m.stall.mu.Lock()
	defer m.stall.mu.Unlock()
	return m.stall.cause != stallNone
}

// StallCount returns how many times writes have entered a stall.
func (m *Manager) StallCount() uint64 {
	m.stall.mu.Lock()
	defer m.stall.mu.Unlock()
	return m.stall.stalls
}
