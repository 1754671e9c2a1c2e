package reliability

import (
	"sync"
	"time"

	"github.com/hdds-team/hdds-go/pkg/history"
	"github.com/hdds-team/hdds-go/pkg/timerwheel"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Heartbeat is the writer's availability advertisement.
type Heartbeat struct {
	First int64
	Last  int64
	Count uint32
}

// WriterReliability drives one reliable writer's protocol side: periodic
// and on-demand heartbeats, ACKNACK servicing against the history cache,
// and GAP emission for sequences no longer cached.
type WriterReliability struct {
	cache *history.Cache
	wheel *timerwheel.Wheel

	emitHB   func(Heartbeat)
	sendData func(reader wire.GUID, entries []*history.Entry)
	sendGap  func(reader wire.GUID, gone []int64)

	mu       sync.Mutex
	hbCounts map[wire.GUID]uint32
	hbTimer  *timerwheel.Timer
}

// NewWriterReliability wires the writer's protocol callbacks. emitHB
// broadcasts to all matched readers; sendData and sendGap answer a
// specific reader's NACK.
func NewWriterReliability(cache *history.Cache, wheel *timerwheel.Wheel, emitHB func(Heartbeat), sendData func(wire.GUID, []*history.Entry), sendGap func(wire.GUID, []int64)) *WriterReliability {
	return &WriterReliability{
		cache:    cache,
		wheel:    wheel,
		emitHB:   emitHB,
		sendData: sendData,
		sendGap:  sendGap,
		hbCounts: make(map[wire.GUID]uint32),
	}
}

// Start arms the heartbeat cadence.
func (w *WriterReliability) Start(period time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hbTimer != nil {
		w.hbTimer.Stop()
	}
	w.hbTimer = w.wheel.SchedulePeriodic(period, w.EmitHeartbeat)
}

// Stop cancels the cadence.
func (w *WriterReliability) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hbTimer != nil {
		w.hbTimer.Stop()
		w.hbTimer = nil
	}
}

// EmitHeartbeat broadcasts the current cache bounds; also called on
// demand after a write burst. The count is monotonic for the broadcast
// stream.
func (w *WriterReliability) EmitHeartbeat() {
	first, last := w.cache.Bounds()
	if last == 0 {
		return
	}
	w.mu.Lock()
	w.hbCounts[wire.GUID{}]++
	count := w.hbCounts[wire.GUID{}]
	w.mu.Unlock()
	w.emitHB(Heartbeat{First: first, Last: last, Count: count})
}

// HeartbeatFor builds a directed heartbeat for one reader with that
// pair's monotonic count.
func (w *WriterReliability) HeartbeatFor(reader wire.GUID) (Heartbeat, bool) {
	first, last := w.cache.Bounds()
	if last == 0 {
		return Heartbeat{}, false
	}
	w.mu.Lock()
	w.hbCounts[reader]++
	count := w.hbCounts[reader]
	w.mu.Unlock()
	return Heartbeat{First: first, Last: last, Count: count}, true
}

// OnAckNack services a reader's ACKNACK: everything below Base is
// acknowledged; NACKed sequences still cached are retransmitted,
// evicted ones are declared gone via GAP.
func (w *WriterReliability) OnAckNack(reader wire.GUID, an AckNack) {
	w.cache.MarkAcked(reader, an.Base-1)
	if len(an.Missing) == 0 {
		return
	}
	found, gone := w.cache.IterMissing(an.Missing)
	if len(found) > 0 && w.sendData != nil {
		w.sendData(reader, found)
	}
	if len(gone) > 0 && w.sendGap != nil {
		w.sendGap(reader, gone)
	}
}

// ReaderMatched registers a reader with the cache so retention tracks
// its acknowledgements.
func (w *WriterReliability) ReaderMatched(reader wire.GUID) {
	w.cache.AddReader(reader)
}

// ReaderUnmatched releases the reader's hold on the cache.
func (w *WriterReliability) ReaderUnmatched(reader wire.GUID) {
	w.cache.RemoveReader(reader)
	w.mu.Lock()
	delete(w.hbCounts, reader)
	w.mu.Unlock()
}
