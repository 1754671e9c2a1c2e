// Package history implements the reliable writer's sequence-numbered
// sample cache: retransmission source for NACK responses, KEEP_LAST /
// KEEP_ALL eviction, per-reader acknowledgement watermarks and
// transient-local replay for late joiners.
package history

import (
	"container/list"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// ErrQuotaExhausted is returned by Insert under KEEP_ALL when admitting
// the sample would exceed max_samples or max_quota_bytes.
var ErrQuotaExhausted = errors.New("history quota exhausted")

// Entry is one cached sample.
type Entry struct {
	Seq       int64
	Payload   []byte
	Timestamp time.Time
}

// DurableLog is the pluggable persistence behind Persistent durability.
// The on-disk format is the log's own contract.
type DurableLog interface {
	Append(e Entry) error
	IterFrom(seq int64, fn func(Entry) bool) error
	TruncateUpTo(seq int64) error
}

// Cache is one writer's history. All methods are safe for concurrent
// use; NACK lookups take the read lock, inserts and ack updates the
// write lock.
type Cache struct {
	mu      sync.RWMutex
	profile qos.Profile
	durable DurableLog

	entries *list.List // of *Entry, ascending seq
	bySeq   map[int64]*list.Element
	bytes   int

	// acked low-water mark per matched reader; samples at or below the
	// minimum across readers are releasable.
	readers map[wire.GUID]int64
}

// NewCache builds a cache for a validated profile. durable may be nil
// unless the profile's durability is Persistent.
func NewCache(profile qos.Profile, durable DurableLog) *Cache {
	return &Cache{
		profile: profile,
		durable: durable,
		entries: list.New(),
		bySeq:   make(map[int64]*list.Element),
		readers: make(map[wire.GUID]int64),
	}
}

// Insert admits a sample written at ts. Sequences must be inserted in
// increasing order by the owning writer.
func (c *Cache) Insert(seq int64, payload []byte, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rl := c.profile.ResourceLimits
	switch c.profile.History.Kind {
	case qos.KeepLast:
		for c.entries.Len() >= c.profile.History.Depth {
			c.evictOldestLocked()
		}
		for rl.MaxQuotaBytes > 0 && c.bytes+len(payload) > rl.MaxQuotaBytes && c.entries.Len() > 0 {
			c.evictOldestLocked()
		}
	case qos.KeepAll:
		if rl.MaxSamples > 0 && c.entries.Len() >= rl.MaxSamples {
			return ErrQuotaExhausted
		}
		if rl.MaxQuotaBytes > 0 && c.bytes+len(payload) > rl.MaxQuotaBytes {
			return ErrQuotaExhausted
		}
	}

	e := &Entry{Seq: seq, Payload: payload, Timestamp: ts}
	c.bySeq[seq] = c.entries.PushBack(e)
	c.bytes += len(payload)

	if c.durable != nil && c.profile.Durability == qos.Persistent {
		if err := c.durable.Append(*e); err != nil {
			log.Warnf("history: durable append for seq %d failed: %s", seq, err)
		}
	}
	return nil
}

func (c *Cache) evictOldestLocked() {
	front := c.entries.Front()
	if front == nil {
		return
	}
	e := front.Value.(*Entry)
	c.entries.Remove(front)
	delete(c.bySeq, e.Seq)
	c.bytes -= len(e.Payload)
}

// AddReader registers a matched reader with nothing acknowledged yet.
func (c *Cache) AddReader(reader wire.GUID) {
	c.mu.Lock()
	if _, ok := c.readers[reader]; !ok {
		c.readers[reader] = 0
	}
	c.mu.Unlock()
}

// RemoveReader unregisters a reader and releases anything only it was
// holding back.
func (c *Cache) RemoveReader(reader wire.GUID) {
	c.mu.Lock()
	delete(c.readers, reader)
	c.releaseAckedLocked()
	c.mu.Unlock()
}

// MarkAcked advances a reader's low-water mark: everything at or below
// upThrough is acknowledged by it. Watermarks never move backwards.
func (c *Cache) MarkAcked(reader wire.GUID, upThrough int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.readers[reader]; !ok || upThrough > cur {
		c.readers[reader] = upThrough
	}
	c.releaseAckedLocked()
}

// releaseAckedLocked removes entries acknowledged by every matched
// reader, except what transient-local retention still owes late
// joiners.
func (c *Cache) releaseAckedLocked() {
	if len(c.readers) == 0 {
		return
	}
	min := int64(-1)
	for _, acked := range c.readers {
		if min == -1 || acked < min {
			min = acked
		}
	}
	keepDepth := 0
	if c.profile.Durability >= qos.TransientLocal {
		keepDepth = c.profile.History.Depth
		if c.profile.History.Kind == qos.KeepAll {
			return // late joiners get everything; nothing is releasable
		}
	}
	for c.entries.Len() > keepDepth {
		front := c.entries.Front()
		e := front.Value.(*Entry)
		if e.Seq > min {
			break
		}
		c.entries.Remove(front)
		delete(c.bySeq, e.Seq)
		c.bytes -= len(e.Payload)
	}
	if c.durable != nil && c.profile.Durability == qos.Persistent && min > 0 {
		if err := c.durable.TruncateUpTo(min); err != nil {
			log.Warnf("history: durable truncate to %d failed: %s", min, err)
		}
	}
}

// Get returns the cached entry for seq.
func (c *Cache) Get(seq int64) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elem, ok := c.bySeq[seq]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// IterMissing returns, in sequence order, the cached samples a reader
// NACKed. Sequences no longer cached are skipped; the caller announces
// them with a GAP.
func (c *Cache) IterMissing(requested []int64) (found []*Entry, gone []int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, seq := range requested {
		if elem, ok := c.bySeq[seq]; ok {
			found = append(found, elem.Value.(*Entry))
		} else {
			gone = append(gone, seq)
		}
	}
	return found, gone
}

// LateJoinerSamples returns the retained samples owed to a newly
// matched transient-local reader, in sequence order.
func (c *Cache) LateJoinerSamples() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile.Durability < qos.TransientLocal {
		return nil
	}
	out := make([]*Entry, 0, c.entries.Len())
	for e := c.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Entry))
	}
	return out
}

// Bounds returns the first and last cached sequence numbers, (0, 0)
// when empty. Heartbeats advertise these.
func (c *Cache) Bounds() (int64, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	front, back := c.entries.Front(), c.entries.Back()
	if front == nil {
		return 0, 0
	}
	return front.Value.(*Entry).Seq, back.Value.(*Entry).Seq
}

// Len returns the number of cached samples.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Bytes returns the cached payload bytes.
func (c *Cache) Bytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// UnackedBy returns the cached sequences a reader has not acknowledged.
func (c *Cache) UnackedBy(reader wire.GUID) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	acked := c.readers[reader]
	var out []int64
	for e := c.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		if entry.Seq > acked {
			out = append(out, entry.Seq)
		}
	}
	return out
}
