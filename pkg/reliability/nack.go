package reliability

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/timerwheel"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// AckNack is the materialized reader response: everything below Base is
// acknowledged, Missing lists the NACKed sequences, Count is monotonic
// per (writer, reader) pair.
type AckNack struct {
	Base    int64
	Missing []int64
	Count   uint32
}

// NackScheduler is the reader-side reliability state for one matched
// writer: gap tracking, NACK coalescing and retry backoff.
type NackScheduler struct {
	writer   wire.GUID
	coalesce time.Duration
	wheel    *timerwheel.Wheel
	tracker  *RetryTracker

	send   func(AckNack)
	onLost func(seq int64)

	mu         sync.Mutex
	high       int64 // highest sequence ever observed
	missing    map[int64]struct{}
	suppressed map[int64]struct{} // GAP-covered, never NACKed again
	count      uint32
	pending    *timerwheel.Timer
	lost       uint64
}

// NewNackScheduler builds the per-writer scheduler. send emits an
// ACKNACK toward the writer; onLost reports a sequence abandoned after
// max retries.
func NewNackScheduler(writer wire.GUID, coalesce time.Duration, cfg RetryConfig, wheel *timerwheel.Wheel, send func(AckNack), onLost func(seq int64)) *NackScheduler {
	return &NackScheduler{
		writer:     writer,
		coalesce:   coalesce,
		wheel:      wheel,
		tracker:    NewRetryTracker(cfg),
		send:       send,
		onLost:     onLost,
		missing:    make(map[int64]struct{}),
		suppressed: make(map[int64]struct{}),
	}
}

// OnData records a received sequence. Sequences skipped over become
// NACK candidates.
func (n *NackScheduler) OnData(seq int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.missing[seq]; ok {
		delete(n.missing, seq)
		n.tracker.Ack(seq)
	}
	if seq > n.high {
		for s := n.high + 1; s < seq; s++ {
			if _, ok := n.suppressed[s]; !ok {
				n.missing[s] = struct{}{}
			}
		}
		n.high = seq
	}
}

// OnHeartbeat ingests a writer HEARTBEAT: sequences in (high, last] not
// yet seen become NACK candidates, sequences below first are no longer
// recoverable, and an ACKNACK is scheduled after the coalescing window.
// A heartbeat arriving during coalescing only refreshes the pending
// response; at most one ACKNACK is emitted per window.
func (n *NackScheduler) OnHeartbeat(first, last int64) {
	n.mu.Lock()
	for s := n.high + 1; s <= last; s++ {
		if _, ok := n.suppressed[s]; !ok {
			n.missing[s] = struct{}{}
		}
	}
	if last > n.high {
		n.high = last
	}
	// The writer's low-water mark advanced past these; they can never
	// be repaired.
	var gone []int64
	for s := range n.missing {
		if s < first {
			delete(n.missing, s)
			n.tracker.Ack(s)
			gone = append(gone, s)
		}
	}
	schedule := n.pending == nil
	if schedule {
		n.pending = n.wheel.Schedule(n.coalesce, n.fire)
	}
	n.mu.Unlock()

	for _, s := range gone {
		n.lostSample(s)
	}
}

// OnGap suppresses [start, end]: the writer declared them gone, the
// reader stops NACKing them without a lost report.
func (n *NackScheduler) OnGap(start, end int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := start; s <= end; s++ {
		delete(n.missing, s)
		n.suppressed[s] = struct{}{}
	}
	n.tracker.AckRange(start, end)
	if end > n.high {
		n.high = end
	}
}

func (n *NackScheduler) lostSample(seq int64) {
	n.mu.Lock()
	n.lost++
	n.mu.Unlock()
	if n.onLost != nil {
		n.onLost(seq)
	}
}

// fire materializes the coalesced ACKNACK: only sequences whose backoff
// delay elapsed are NACKed, sequences over the retry ceiling are
// reported lost and retired.
func (n *NackScheduler) fire() {
	now := time.Now()

	n.mu.Lock()
	n.pending = nil
	var due, exhausted []int64
	for s := range n.missing {
		if n.tracker.Exceeded(s) {
			exhausted = append(exhausted, s)
			delete(n.missing, s)
			n.tracker.Ack(s)
			continue
		}
		if n.tracker.Due(s, now) {
			due = append(due, s)
		}
	}
	base := n.high + 1
	for s := range n.missing {
		if s < base {
			base = s
		}
	}
	stillMissing := len(n.missing) > 0
	var out *AckNack
	if len(due) > 0 {
		sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
		for _, s := range due {
			if _, ok := n.tracker.NextRetry(s); !ok {
				// Raced past the ceiling between Due and NextRetry.
				continue
			}
		}
		n.count++
		out = &AckNack{Base: base, Missing: due, Count: n.count}
	}
	if stillMissing && n.pending == nil {
		// Re-arm so backoff-delayed sequences get NACKed without
		// waiting for the next heartbeat.
		n.pending = n.wheel.Schedule(n.coalesce, n.fire)
	}
	n.mu.Unlock()

	for _, s := range exhausted {
		log.Debugf("reliability: giving up on %s seq %d after max retries", n.writer, s)
		n.lostSample(s)
	}
	if out != nil && n.send != nil {
		n.send(*out)
	}
}

// Missing returns the current NACK-able set, sorted.
func (n *NackScheduler) Missing() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int64, 0, len(n.missing))
	for s := range n.missing {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LostCount returns the sequences abandoned so far.
func (n *NackScheduler) LostCount() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}

// RetryCount exposes the attempts for one sequence, for tests and
// introspection.
func (n *NackScheduler) RetryCount(seq int64) int {
	return n.tracker.RetryCount(seq)
}

// Stop cancels any pending coalescing timer.
func (n *NackScheduler) Stop() {
	n.mu.Lock()
	if n.pending != nil {
		n.pending.Stop()
		n.pending = nil
	}
	n.mu.Unlock()
}
