package congestion

import (
	"container/list"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

// ErrWouldBlock is returned by Enqueue when the class queue is full and
// the effective policy is to return immediately.
var ErrWouldBlock = errors.New("send queue full")

// InstanceKey is the coalescing identity: (topic hash, instance hash).
type InstanceKey struct {
	TopicHash uint64
	KeyHash   uint64
}

// NewInstanceKey hashes a topic name and instance key bytes.
func NewInstanceKey(topic string, key []byte) InstanceKey {
	return InstanceKey{TopicHash: hashBytes([]byte(topic)), KeyHash: hashBytes(key)}
}

// KeylessInstance is the single-instance key for an unkeyed topic.
func KeylessInstance(topic string) InstanceKey {
	return InstanceKey{TopicHash: hashBytes([]byte(topic))}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Sample is one pending send.
type Sample struct {
	Payload  []byte
	Key      InstanceKey
	Dest     wire.Locator
	Repair   bool
	Enqueued time.Time
}

// CoalescingQueue keeps at most one pending sample per instance key
// ("last value wins"). When full, inserting a new key evicts the oldest
// entry in FIFO order; replacing an existing key refreshes its position.
type CoalescingQueue struct {
	mu        sync.Mutex
	entries   map[InstanceKey]*list.Element
	order     *list.List // of Sample
	capacity  int
	coalesced uint64
	dropped   uint64
}

// NewCoalescingQueue returns a queue bounded to capacity unique
// instances.
func NewCoalescingQueue(capacity int) *CoalescingQueue {
	return &CoalescingQueue{
		entries:  make(map[InstanceKey]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// Insert enqueues s, replacing any pending sample with the same key.
func (q *CoalescingQueue) Insert(s Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if elem, ok := q.entries[s.Key]; ok {
		elem.Value = s
		q.order.MoveToBack(elem)
		q.coalesced++
		return
	}
	if q.order.Len() >= q.capacity {
		front := q.order.Front()
		old := front.Value.(Sample)
		q.order.Remove(front)
		delete(q.entries, old.Key)
		q.dropped++
	}
	q.entries[s.Key] = q.order.PushBack(s)
}

// Pop removes and returns the oldest pending sample.
func (q *CoalescingQueue) Pop() (Sample, bool) {
	return q.PopIf(nil)
}

// PopIf removes the oldest pending sample when accept (if non-nil)
// approves it; a rejected sample stays queued.
func (q *CoalescingQueue) PopIf(accept func(Sample) bool) (Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.order.Front()
	if front == nil {
		return Sample{}, false
	}
	s := front.Value.(Sample)
	if accept != nil && !accept(s) {
		return Sample{}, false
	}
	q.order.Remove(front)
	delete(q.entries, s.Key)
	return s, true
}

// Len returns the number of pending instances.
func (q *CoalescingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// CoalescedCount returns how many samples were replaced in place.
func (q *CoalescingQueue) CoalescedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced
}

// DroppedCount returns how many samples were evicted by capacity.
func (q *CoalescingQueue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// fifoQueue is a bounded FIFO for P0/P1 with policy-driven backpressure.
type fifoQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	items    *list.List
	capacity int
	dropped  uint64
}

func newFifoQueue(capacity int) *fifoQueue {
	q := &fifoQueue{items: list.New(), capacity: capacity}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *fifoQueue) push(s Sample, policy BackpressurePolicy, maxBlock time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() < q.capacity {
		q.items.PushBack(s)
		return nil
	}
	switch policy {
	case DropOldest:
		q.items.Remove(q.items.Front())
		q.dropped++
		q.items.PushBack(s)
		return nil
	case BlockBounded:
		if maxBlock <= 0 {
			return ErrWouldBlock
		}
		deadline := time.Now().Add(maxBlock)
		for q.items.Len() >= q.capacity {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrWouldBlock
			}
			// Cond has no timed wait; poll at a resolution far below
			// any plausible max_blocking_time.
			q.mu.Unlock()
			time.Sleep(minDuration(remaining, time.Millisecond))
			q.mu.Lock()
		}
		q.items.PushBack(s)
		return nil
	default:
		return ErrWouldBlock
	}
}

func (q *fifoQueue) pop() (Sample, bool) {
	return q.popIf(nil)
}

// popIf removes the front sample when accept (if non-nil) approves it;
// a rejected front stays queued.
func (q *fifoQueue) popIf(accept func(Sample) bool) (Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return Sample{}, false
	}
	s := front.Value.(Sample)
	if accept != nil && !accept(s) {
		return Sample{}, false
	}
	q.items.Remove(front)
	q.notFull.Signal()
	return s, true
}

func (q *fifoQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// PriorityQueues is the three-class send queue set.
type PriorityQueues struct {
	cfg *Config
	p0  *fifoQueue
	p1  *fifoQueue
	p2  *CoalescingQueue
}

// NewPriorityQueues builds the queue set from config capacities.
func NewPriorityQueues(cfg *Config) *PriorityQueues {
	return &PriorityQueues{
		cfg: cfg,
		p0:  newFifoQueue(cfg.MaxQueueP0),
		p1:  newFifoQueue(cfg.MaxQueueP1),
		p2:  NewCoalescingQueue(cfg.MaxQueueP2),
	}
}

// Enqueue places s in the queue for prio. P2 never blocks: coalescing
// and FIFO eviction absorb overload.
func (q *PriorityQueues) Enqueue(prio Priority, s Sample) error {
	s.Enqueued = time.Now()
	switch prio {
	case P0:
		return q.p0.push(s, q.cfg.Policy, q.cfg.MaxBlockingTime)
	case P1:
		return q.p1.push(s, q.cfg.Policy, q.cfg.MaxBlockingTime)
	default:
		q.p2.Insert(s)
		return nil
	}
}

// P2Queue exposes the coalescing queue for metrics.
func (q *PriorityQueues) P2Queue() *CoalescingQueue {
	return q.p2
}

// Drain pops samples within the per-class byte budget, strictly P0
// before P1 before P2, and enforces the repair cap across classes.
// Samples over budget stay queued for the next tick.
func (q *PriorityQueues) Drain(b Budget) []Sample {
	var out []Sample
	repairBytes := 0

	drainClass := func(popIf func(func(Sample) bool) (Sample, bool), budget int) {
		for budget > 0 {
			s, ok := popIf(func(s Sample) bool {
				if s.Repair && repairBytes+len(s.Payload) > b.Repair {
					return false
				}
				return true
			})
			if !ok {
				return
			}
			if s.Repair {
				repairBytes += len(s.Payload)
			}
			budget -= len(s.Payload)
			out = append(out, s)
		}
	}

	drainClass(q.p0.popIf, b.P0)
	drainClass(q.p1.popIf, b.P1)
	drainClass(q.p2.PopIf, b.P2)
	return out
}

// Len returns pending counts per class.
func (q *PriorityQueues) Len() (int, int, int) {
	return q.p0.len(), q.p1.len(), q.p2.Len()
}
