package bufpool

import "testing"

func TestGetCapacity(t *testing.T) {
	p := New()
	for _, n := range []int{1, 255, 256, 257, 4096, 100_000, 1 << 20} {
		buf := p.Get(n)
		if len(buf) != 0 {
			t.Errorf("Get(%d) length = %d, want 0", n, len(buf))
		}
		if cap(buf) < n {
			t.Errorf("Get(%d) capacity = %d", n, cap(buf))
		}
		p.Put(buf)
	}
}

func TestGetBeyondLargestBucket(t *testing.T) {
	p := New()
	buf := p.Get(8 << 20)
	if cap(buf) < 8<<20 {
		t.Fatalf("oversized Get capacity = %d", cap(buf))
	}
	p.Put(buf) // dropped, not pooled
}

func TestPooledBufferSatisfiesBucket(t *testing.T) {
	p := New()

	// A buffer whose capacity straddles two buckets must only be handed
	// out for requests its capacity covers.
	odd := make([]byte, 0, 600)
	p.Put(odd)

	buf := p.Get(512)
	if cap(buf) < 512 {
		t.Fatalf("Get(512) returned capacity %d", cap(buf))
	}
}

func TestPutUndersized(t *testing.T) {
	p := New()
	p.Put(make([]byte, 0, 10)) // below smallest bucket, dropped
	buf := p.Get(100)
	if cap(buf) < 100 {
		t.Fatalf("Get(100) capacity = %d after undersized Put", cap(buf))
	}
}

func TestReuse(t *testing.T) {
	p := New()
	buf := p.Get(1024)
	buf = append(buf, "leftover data"...)
	p.Put(buf)

	got := p.Get(1024)
	if len(got) != 0 {
		t.Fatalf("recycled buffer length = %d, want 0", len(got))
	}
	if cap(got) < 1024 {
		t.Fatalf("recycled buffer capacity = %d", cap(got))
	}
}

func TestDefaultPool(t *testing.T) {
	buf := Default.Get(4096)
	if cap(buf) < 4096 {
		t.Fatalf("Default.Get capacity = %d", cap(buf))
	}
	Default.Put(buf)
}
