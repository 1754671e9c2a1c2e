// Package ring provides the bounded single-producer/single-consumer queue
// of index entries that crosses every concurrency boundary in the data
// plane.
package ring

import (
	"sync/atomic"

	"github.com/hdds-team/hdds-go/pkg/slab"
)

// Entry flag bits.
const (
	FlagCommitted uint16 = 1 << 0
	FlagKeyed     uint16 = 1 << 1
	FlagDispose   uint16 = 1 << 2
	FlagUnregister uint16 = 1 << 3
	FlagEvent     uint16 = 1 << 15
)

// Entry is the fixed-size record exchanged between data-plane stages.
type Entry struct {
	Seq         uint32
	Slab        slab.Handle
	Len         uint32
	Flags       uint16
	TimestampNS uint64
}

// Ring is a bounded SPSC queue. Exactly one goroutine may push and exactly
// one may pop. When full, Push drops (returns false) rather than
// overwriting consumer-visible entries.
type Ring struct {
	buf  []Entry
	mask uint64
	head atomic.Uint64 // next write position (producer)
	tail atomic.Uint64 // next read position (consumer)
}

// New returns a ring whose capacity is cap rounded up to a power of two
// (minimum 2).
func New(capacity int) *Ring {
	n := uint64(2)
	for n < uint64(capacity) {
		n <<= 1
	}
	return &Ring{
		buf:  make([]Entry, n),
		mask: n - 1,
	}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Push appends e; returns false without modifying the ring when full.
func (r *Ring) Push(e Entry) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask] = e
	r.head.Store(head + 1)
	return true
}

// Pop removes and returns the oldest entry; false when empty.
func (r *Ring) Pop() (Entry, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return Entry{}, false
	}
	e := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return e, true
}

// Len returns the approximate number of queued entries.
func (r *Ring) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}
