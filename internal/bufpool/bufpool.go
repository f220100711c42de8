// Package bufpool provides bucketed reusable byte buffers for block and
// value-log I/O.
package bufpool

import "sync"

// bucketSizes are the buffer capacity classes, 256B through 1MB.
var bucketSizes = [...]int{
	256,
	1 << 10,
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
	1 << 20,
}

// Pool hands out byte slices with pooled backing arrays. Returned slices
// have length zero and at least the requested capacity.
type Pool struct {
	pools [len(bucketSizes)]sync.Pool
}

// New returns an empty pool.
func New() *Pool {
	p := &Pool{}
	for i := range p.pools {
		size := bucketSizes[i]
		p.pools[i] = sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}
	return p
}

// Get returns a zero-length slice with capacity >= minCap. Requests beyond
// the largest bucket are allocated directly.
func (p *Pool) Get(minCap int) []byte {
	for i, size := range bucketSizes {
		if minCap <= size {
			bufPtr, ok := p.pools[i].Get().(*[]byte)
			if !ok {
				break
			}
			return (*bufPtr)[:0]
		}
	}
	return make([]byte, 0, minCap)
}

// Put recycles a buffer. A buffer is pooled into the largest bucket its
// capacity covers, so every pooled buffer satisfies its bucket's size.
// Buffers smaller than the smallest bucket, and oversized ones, are dropped.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	if c < bucketSizes[0] || c > bucketSizes[len(bucketSizes)-1]*2 {
		return
	}
	for i := len(bucketSizes) - 1; i >= 0; i-- {
		if c >= bucketSizes[i] {
			buf = buf[:0]
			p.pools[i].Put(&buf)
			return
		}
	}
}

// Default is the process-wide pool.
var Default = New()
