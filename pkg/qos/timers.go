package qos

import (
	"sync"
	"time"
)

// DeadlineChecker tracks the inter-sample period for one endpoint and
// counts missed deadlines. The owning endpoint calls OnSample for each
// sample and Check from the shared timer wheel.
type DeadlineChecker struct {
	mu       sync.Mutex
	period   time.Duration
	last     time.Time
	missed   uint64
	reported bool
}

// NewDeadlineChecker returns a checker for the given period;
// DurationInfinite disables it.
func NewDeadlineChecker(period time.Duration) *DeadlineChecker {
	return &DeadlineChecker{period: period, last: time.Now()}
}

// Enabled reports whether a finite period is configured.
func (d *DeadlineChecker) Enabled() bool {
	return d.period != DurationInfinite
}

// OnSample records a sample arrival (or write) and re-arms the deadline.
func (d *DeadlineChecker) OnSample() {
	d.mu.Lock()
	d.last = time.Now()
	d.reported = false
	d.mu.Unlock()
}

// Check returns true exactly once per missed period; the caller publishes
// the deadline-missed status.
func (d *DeadlineChecker) Check() bool {
	if !d.Enabled() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) <= d.period {
		return false
	}
	if d.reported {
		return false
	}
	d.reported = true
	d.missed++
	return true
}

// MissedCount returns the total number of missed deadlines.
func (d *DeadlineChecker) MissedCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missed
}

// LifespanChecker decides whether a sample is still deliverable given its
// source timestamp.
type LifespanChecker struct {
	duration time.Duration
}

// NewLifespanChecker returns a checker; DurationInfinite never expires.
func NewLifespanChecker(duration time.Duration) *LifespanChecker {
	return &LifespanChecker{duration: duration}
}

// Expired reports whether a sample written at ts has exceeded its
// lifespan at time now.
func (l *LifespanChecker) Expired(ts, now time.Time) bool {
	if l.duration == DurationInfinite {
		return false
	}
	return now.Sub(ts) > l.duration
}

// Remaining returns the time left before a sample written at ts expires;
// false when the lifespan is infinite.
func (l *LifespanChecker) Remaining(ts, now time.Time) (time.Duration, bool) {
	if l.duration == DurationInfinite {
		return 0, false
	}
	rem := l.duration - now.Sub(ts)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// LivelinessTracker tracks assertion recency for one writer as seen by
// the readers matched to it.
type LivelinessTracker struct {
	mu    sync.Mutex
	lease time.Duration
	last  time.Time
	alive bool
}

// NewLivelinessTracker returns a tracker; DurationInfinite never lapses.
func NewLivelinessTracker(lease time.Duration) *LivelinessTracker {
	return &LivelinessTracker{lease: lease, last: time.Now(), alive: true}
}

// Assert records a liveliness assertion (explicit, or implicit from a
// sample under automatic liveliness).
func (l *LivelinessTracker) Assert() {
	l.mu.Lock()
	l.last = time.Now()
	l.alive = true
	l.mu.Unlock()
}

// Check re-evaluates liveliness; it returns a non-nil transition (true =
// became alive, false = lapsed) when the state changed since last check.
func (l *LivelinessTracker) Check() *bool {
	if l.lease == DurationInfinite {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	alive := now.Sub(l.last) <= l.lease
	if alive == l.alive {
		return nil
	}
	l.alive = alive
	changed := alive
	return &changed
}

// Alive reports the last computed liveliness state.
func (l *LivelinessTracker) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}
