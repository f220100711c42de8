// Package rate provides a token-bucket pacing limiter for background I/O.
package rate

import (
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// Limiter paces work to r tokens per second with bursts of up to b tokens.
// A token normally stands for one byte. Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	tb      tokenbucket.TokenBucket
	rate    float64
	burst   float64
	sleepFn func(d time.Duration)
}

// New returns a limiter refilled at r tokens per second holding at most b.
func New(r, b float64) *Limiter {
	l := &Limiter{rate: r, burst: b}
	l.tb.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(b))
	return l
}

// NewWithClock is New with injectable time sources for tests.
func NewWithClock(r, b float64, nowFn func() time.Time, sleepFn func(d time.Duration)) *Limiter {
	l := &Limiter{rate: r, burst: b, sleepFn: sleepFn}
	l.tb.InitWithNowFn(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(b), nowFn)
	return l
}

// Wait blocks until n tokens are available. Requests larger than the burst
// put the bucket into debt and delay later callers instead of failing.
func (l *Limiter) Wait(n float64) {
	for {
		l.mu.Lock()
		ok, d := l.tb.TryToFulfill(tokenbucket.Tokens(n))
		l.mu.Unlock()
		if ok {
			return
		}
		if l.sleepFn != nil {
			l.sleepFn(d)
		} else {
			time.Sleep(d)
		}
	}
}

// Rate returns the refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// SetRate changes the refill rate, keeping the burst size.
func (l *Limiter) SetRate(r float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tb.UpdateConfig(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(l.burst))
	l.rate = r
}
