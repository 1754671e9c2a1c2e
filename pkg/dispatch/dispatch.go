// Package dispatch runs user listener callbacks off the data plane: a
// bounded worker pool fed by the router, with panic isolation so a
// misbehaving callback cannot take down delivery.
package dispatch

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Status identifies a listener event kind.
type Status int

// Listener statuses.
const (
	DataAvailable Status = iota
	SampleLost
	DeadlineMissed
	LivelinessChanged
	IncompatibleQoS
	SubscriptionMatched
	PublicationMatched
)

func (s Status) String() string {
	switch s {
	case DataAvailable:
		return "data-available"
	case SampleLost:
		return "sample-lost"
	case DeadlineMissed:
		return "deadline-missed"
	case LivelinessChanged:
		return "liveliness-changed"
	case IncompatibleQoS:
		return "incompatible-qos"
	case SubscriptionMatched:
		return "subscription-matched"
	case PublicationMatched:
		return "publication-matched"
	}
	return "unknown"
}

// Dispatcher is the listener worker pool. Callbacks must not call back
// into the middleware in ways that would block on the data plane.
type Dispatcher struct {
	queue   chan func()
	wg      sync.WaitGroup
	stopped atomic.Bool
	dropped atomic.Uint64
	panics  atomic.Uint64
}

// New starts a dispatcher with the given worker count and queue depth.
func New(workers, depth int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{queue: make(chan func(), depth)}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for fn := range d.queue {
		d.invoke(fn)
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.Errorf("dispatch: listener panic: %v", r)
		}
	}()
	fn()
}

// Submit enqueues a callback; false when the pool is saturated or
// stopped (the event is dropped, not blocked on).
func (d *Dispatcher) Submit(fn func()) (ok bool) {
	if d.stopped.Load() {
		d.dropped.Add(1)
		return false
	}
	// Close can race the stopped check; a send on the closed queue is
	// absorbed as a drop.
	defer func() {
		if recover() != nil {
			d.dropped.Add(1)
			ok = false
		}
	}()
	select {
	case d.queue <- fn:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped returns callbacks lost to saturation.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Panics returns isolated callback panics.
func (d *Dispatcher) Panics() uint64 {
	return d.panics.Load()
}

// Close drains the queue and stops the workers.
func (d *Dispatcher) Close() {
	if d.stopped.Swap(true) {
		return
	}
	close(d.queue)
	d.wg.Wait()
}
