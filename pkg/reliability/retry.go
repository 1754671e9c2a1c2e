// Package reliability implements the NACK/heartbeat protocol: writer-side
// heartbeat emission and ACKNACK servicing, reader-side NACK scheduling
// with coalescing, per-sequence retry backoff and GAP suppression.
package reliability

import (
	"sync"
	"time"
)

// RetryConfig bounds the per-sequence NACK retry schedule.
type RetryConfig struct {
	Base         time.Duration
	Max          time.Duration
	MaxRetries   int
	JitterFactor float64
}

// DefaultRetryConfig mirrors the congestion defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Base:         100 * time.Millisecond,
		Max:          5 * time.Second,
		MaxRetries:   10,
		JitterFactor: 0.1,
	}
}

type retryState struct {
	count     int
	lastRetry time.Time
	firstNack time.Time
}

// RetryTracker tracks retry state per missing sequence and computes
// exponential backoff delays with deterministic jitter.
type RetryTracker struct {
	mu     sync.Mutex
	cfg    RetryConfig
	states map[int64]*retryState
	given  uint64
}

// NewRetryTracker returns an empty tracker.
func NewRetryTracker(cfg RetryConfig) *RetryTracker {
	return &RetryTracker{cfg: cfg, states: make(map[int64]*retryState)}
}

// NextRetry records one retry attempt for seq and returns the delay
// before the next one. ok is false once the sequence exceeded
// MaxRetries; the caller reports the sample lost and stops NACKing.
func (t *RetryTracker) NextRetry(seq int64) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[seq]
	if !ok {
		st = &retryState{firstNack: time.Now()}
		t.states[seq] = st
	}
	if st.count >= t.cfg.MaxRetries {
		t.given++
		return 0, false
	}
	st.count++
	st.lastRetry = time.Now()
	return t.delayFor(st.count), true
}

// Due reports whether seq's backoff delay has elapsed since its last
// retry. A sequence never retried is due immediately.
func (t *RetryTracker) Due(seq int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[seq]
	if !ok || st.count == 0 {
		return true
	}
	return now.Sub(st.lastRetry) >= t.delayFor(st.count)
}

// delayFor computes min(base * 2^(attempt-1), max) plus deterministic
// jitter derived from the delay itself.
func (t *RetryTracker) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := t.cfg.Base << uint(attempt-1)
	if delay > t.cfg.Max || delay <= 0 {
		delay = t.cfg.Max
	}
	jitterRange := time.Duration(float64(delay) * t.cfg.JitterFactor)
	if jitterRange > 0 {
		delay += delay % jitterRange
	}
	return delay
}

// Exceeded reports whether seq has used up its retries.
func (t *RetryTracker) Exceeded(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[seq]
	return ok && st.count >= t.cfg.MaxRetries
}

// RetryCount returns the attempts recorded for seq.
func (t *RetryTracker) RetryCount(seq int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[seq]; ok {
		return st.count
	}
	return 0
}

// Ack clears retry state for a recovered sequence.
func (t *RetryTracker) Ack(seq int64) {
	t.mu.Lock()
	delete(t.states, seq)
	t.mu.Unlock()
}

// AckRange clears retry state for [start, end] inclusive.
func (t *RetryTracker) AckRange(start, end int64) {
	t.mu.Lock()
	for seq := start; seq <= end; seq++ {
		delete(t.states, seq)
	}
	t.mu.Unlock()
}

// Tracked returns the number of sequences with retry state.
func (t *RetryTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// PruneOld drops states whose first NACK is older than maxAge.
func (t *RetryTracker) PruneOld(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for seq, st := range t.states {
		if now.Sub(st.firstNack) > maxAge {
			delete(t.states, seq)
		}
	}
}
