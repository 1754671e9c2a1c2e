// Package frag reassembles DATA_FRAG streams into contiguous payloads,
// tracks missing fragments for NACK_FRAG generation, and prunes stale
// state.
package frag

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/slab"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Key identifies one in-flight sample.
type Key struct {
	Writer wire.GUID
	Seq    int64
}

// state is the per-(writer, seq) reassembly progress.
type state struct {
	totalFrags int
	fragSize   int
	dataSize   int
	bitmap     []uint64
	received   int
	handle     slab.Handle
	buf        []byte
	created    time.Time
	activity   time.Time
}

func (s *state) has(idx int) bool {
	return s.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

func (s *state) set(idx int) {
	s.bitmap[idx/64] |= 1 << uint(idx%64)
}

// Completed is a fully reassembled payload. Release must be called when
// the payload has been consumed.
type Completed struct {
	Writer  wire.GUID
	Seq     int64
	Payload []byte
	handle  slab.Handle
	pool    *slab.Pool
}

// Release returns the backing slab slot, if any.
func (c *Completed) Release() {
	if c.pool != nil && c.handle != slab.Invalid {
		c.pool.Release(c.handle)
		c.handle = slab.Invalid
	}
}

// Reassembler reassembles fragments per (writer GUID, sequence).
type Reassembler struct {
	pool    *slab.Pool
	timeout time.Duration
	mu      sync.Mutex
	table   map[Key]*state
}

// New returns a reassembler backed by pool; states older than timeout
// are evicted by Prune.
func New(pool *slab.Pool, timeout time.Duration) *Reassembler {
	return &Reassembler{
		pool:    pool,
		timeout: timeout,
		table:   make(map[Key]*state),
	}
}

// OnFragments ingests the fragment run of one DATA_FRAG submessage:
// info.InSubmessage fragments starting at info.StartingNum (1-based),
// with payload carrying them back to back. It returns the completed
// payload when the bitmap filled, or nil.
func (r *Reassembler) OnFragments(writer wire.GUID, seq int64, info wire.FragmentInfo, payload []byte) (*Completed, error) {
	if info.FragmentSize == 0 || info.SampleSize == 0 {
		return nil, fmt.Errorf("fragment metadata invalid: size=%d sample=%d", info.FragmentSize, info.SampleSize)
	}
	key := Key{Writer: writer, Seq: seq}
	fragSize := int(info.FragmentSize)
	dataSize := int(info.SampleSize)
	total := (dataSize + fragSize - 1) / fragSize

	r.mu.Lock()
	st, ok := r.table[key]
	if !ok {
		st = &state{
			totalFrags: total,
			fragSize:   fragSize,
			dataSize:   dataSize,
			bitmap:     make([]uint64, (total+63)/64),
			created:    time.Now(),
		}
		if h, buf, ok := r.pool.Reserve(dataSize); ok {
			st.handle = h
			st.buf = buf[:dataSize]
		} else {
			// Pool exhausted: a heap buffer keeps reassembly going at
			// the cost of a copy out of the zero-copy path.
			st.handle = slab.Invalid
			st.buf = make([]byte, dataSize)
		}
		r.table[key] = st
		fragStates.Inc()
	}
	st.activity = time.Now()

	for i := 0; i < int(info.InSubmessage); i++ {
		fragNum := int(info.StartingNum) + i // 1-based
		idx := fragNum - 1
		if idx < 0 || idx >= st.totalFrags {
			r.mu.Unlock()
			return nil, fmt.Errorf("fragment %d out of range (total %d)", fragNum, st.totalFrags)
		}
		start := i * fragSize
		if start >= len(payload) {
			break
		}
		end := start + fragSize
		if end > len(payload) {
			end = len(payload)
		}
		if st.has(idx) {
			fragDuplicates.Inc()
			continue
		}
		off := idx * fragSize
		copy(st.buf[off:], payload[start:end])
		st.set(idx)
		st.received++
	}

	if st.received < st.totalFrags {
		r.mu.Unlock()
		return nil, nil
	}

	delete(r.table, key)
	fragStates.Dec()
	fragCompleted.Inc()
	r.mu.Unlock()

	return &Completed{
		Writer:  writer,
		Seq:     seq,
		Payload: st.buf,
		handle:  st.handle,
		pool:    r.pool,
	}, nil
}

// Missing returns the 1-based fragment numbers still absent for a
// sample, for NACK_FRAG generation; nil when the sample is unknown
// (complete, timed out, or never seen).
func (r *Reassembler) Missing(writer wire.GUID, seq int64) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.table[Key{Writer: writer, Seq: seq}]
	if !ok {
		return nil
	}
	var missing []uint32
	for i := 0; i < st.totalFrags; i++ {
		if !st.has(i) {
			missing = append(missing, uint32(i+1))
		}
	}
	return missing
}

// Pending reports whether a sample has in-flight reassembly state.
func (r *Reassembler) Pending(writer wire.GUID, seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.table[Key{Writer: writer, Seq: seq}]
	return ok
}

// DropBefore discards reassembly state for sequences below seq from one
// writer, releasing buffers. Used when the writer advances past them
// (GAP, or history eviction).
func (r *Reassembler) DropBefore(writer wire.GUID, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, st := range r.table {
		if key.Writer == writer && key.Seq < seq {
			r.evict(key, st)
		}
	}
}

// Prune evicts states idle past the timeout; partial payloads are not
// delivered.
func (r *Reassembler) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	n := 0
	for key, st := range r.table {
		if now.Sub(st.activity) > r.timeout {
			log.Debugf("frag: timing out %s seq %d (%d/%d fragments)", key.Writer, key.Seq, st.received, st.totalFrags)
			r.evict(key, st)
			fragTimeouts.Inc()
			n++
		}
	}
	return n
}

func (r *Reassembler) evict(key Key, st *state) {
	if st.handle != slab.Invalid {
		r.pool.Release(st.handle)
	}
	delete(r.table, key)
	fragStates.Dec()
}

// States returns the number of in-flight reassemblies.
func (r *Reassembler) States() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}
