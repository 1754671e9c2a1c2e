// Package timerwheel implements the single hashed timer wheel that drives
// every periodic subsystem: heartbeat cadence, NACK coalescing, score
// ticks, reassembly pruning, QoS timers and discovery announcements.
package timerwheel

import (
	"container/list"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Timer is a handle to a scheduled callback.
type Timer struct {
	wheel    *Wheel
	slot     int
	rounds   int
	period   time.Duration
	fn       func()
	elem     *list.Element
	canceled bool
}

// Stop cancels the timer. Safe to call multiple times and from callbacks.
func (t *Timer) Stop() {
	t.wheel.mu.Lock()
	defer t.wheel.mu.Unlock()
	t.canceled = true
	if t.elem != nil {
		t.wheel.slots[t.slot].Remove(t.elem)
		t.elem = nil
	}
}

// Wheel is a hashed timer wheel with a fixed tick resolution. Callbacks
// run on the wheel goroutine and must not block; anything long-running
// hands off to its own worker.
type Wheel struct {
	tick  time.Duration
	mu    sync.Mutex
	slots []*list.List
	cur   int
	stop  chan struct{}
	done  chan struct{}
}

// New constructs a wheel with the given tick resolution and slot count
// and starts its goroutine.
func New(tick time.Duration, slotCount int) *Wheel {
	if slotCount < 2 {
		slotCount = 2
	}
	w := &Wheel{
		tick:  tick,
		slots: make([]*list.List, slotCount),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	go w.run()
	return w
}

// Tick returns the wheel resolution.
func (w *Wheel) Tick() time.Duration {
	return w.tick
}

// Schedule runs fn once after no less than delay (rounded up to the tick
// resolution).
func (w *Wheel) Schedule(delay time.Duration, fn func()) *Timer {
	return w.schedule(delay, 0, fn)
}

// SchedulePeriodic runs fn every period until the timer is stopped. The
// first firing happens after one period.
func (w *Wheel) SchedulePeriodic(period time.Duration, fn func()) *Timer {
	return w.schedule(period, period, fn)
}

func (w *Wheel) schedule(delay, period time.Duration, fn func()) *Timer {
	ticks := int((delay + w.tick - 1) / w.tick)
	if ticks < 1 {
		ticks = 1
	}
	t := &Timer{wheel: w, period: period, fn: fn}
	w.mu.Lock()
	t.slot = (w.cur + ticks) % len(w.slots)
	t.rounds = ticks / len(w.slots)
	t.elem = w.slots[t.slot].PushBack(t)
	w.mu.Unlock()
	return t
}

// Close stops the wheel goroutine. Pending timers do not fire.
func (w *Wheel) Close() {
	close(w.stop)
	<-w.done
}

func (w *Wheel) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.advance()
		}
	}
}

func (w *Wheel) advance() {
	w.mu.Lock()
	w.cur = (w.cur + 1) % len(w.slots)
	slot := w.slots[w.cur]
	var due []*Timer
	for e := slot.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Timer)
		if t.rounds > 0 {
			t.rounds--
		} else {
			slot.Remove(e)
			t.elem = nil
			due = append(due, t)
		}
		e = next
	}
	w.mu.Unlock()

	for _, t := range due {
		w.fire(t)
	}
}

func (w *Wheel) fire(t *Timer) {
	w.mu.Lock()
	canceled := t.canceled
	w.mu.Unlock()
	if canceled {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("timer callback panic: %v", r)
			}
		}()
		t.fn()
	}()
	if t.period > 0 {
		w.mu.Lock()
		if !t.canceled {
			ticks := int((t.period + w.tick - 1) / w.tick)
			if ticks < 1 {
				ticks = 1
			}
			t.slot = (w.cur + ticks) % len(w.slots)
			t.rounds = ticks / len(w.slots)
			t.elem = w.slots[t.slot].PushBack(t)
		}
		w.mu.Unlock()
	}
}
