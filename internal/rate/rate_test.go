package rate

import (
	"testing"
	"time"
)

func TestWaitWithinBurst(t *testing.T) {
	now := time.Now()
	slept := 0
	l := NewWithClock(100, 100,
		func() time.Time { return now },
		func(d time.Duration) {
			slept++
			now = now.Add(d)
		})

	// A full burst is available immediately.
	l.Wait(100)
	if slept != 0 {
		t.Fatalf("slept %d times inside burst", slept)
	}

	// The bucket is empty now; the next request must wait for refill.
	l.Wait(50)
	if slept == 0 {
		t.Fatal("expected a sleep once the burst was spent")
	}
}

func TestSetRate(t *testing.T) {
	l := New(10, 10)
	if got := l.Rate(); got != 10 {
		t.Fatalf("Rate() = %v, want 10", got)
	}
	l.SetRate(25)
	if got := l.Rate(); got != 25 {
		t.Fatalf("Rate() = %v after SetRate, want 25", got)
	}
}
