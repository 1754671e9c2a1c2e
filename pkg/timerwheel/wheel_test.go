package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFiresOnce(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	defer w.Close()

	var fired atomic.Int32
	w.Schedule(10*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("expected 1 firing, got %d", got)
	}
}

func TestStopPreventsFiring(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	defer w.Close()

	var fired atomic.Int32
	timer := w.Schedule(50*time.Millisecond, func() { fired.Add(1) })
	timer.Stop()

	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("expected no firing after Stop, got %d", got)
	}
}

func TestPeriodicRepeats(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	defer w.Close()

	var fired atomic.Int32
	timer := w.SchedulePeriodic(10*time.Millisecond, func() { fired.Add(1) })
	defer timer.Stop()

	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got < 3 {
		t.Errorf("expected at least 3 periodic firings, got %d", got)
	}
}

func TestLongDelayUsesRounds(t *testing.T) {
	// 4 slots at 5ms: a 60ms delay must wrap the wheel multiple times.
	w := New(5*time.Millisecond, 4)
	defer w.Close()

	var firedAt atomic.Int64
	start := time.Now()
	w.Schedule(60*time.Millisecond, func() {
		firedAt.Store(int64(time.Since(start)))
	})

	time.Sleep(200 * time.Millisecond)
	got := time.Duration(firedAt.Load())
	if got == 0 {
		t.Fatal("timer never fired")
	}
	if got < 50*time.Millisecond {
		t.Errorf("fired too early: %s", got)
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	w := New(5*time.Millisecond, 16)
	defer w.Close()

	var fired atomic.Int32
	w.Schedule(10*time.Millisecond, func() { panic("boom") })
	w.Schedule(30*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("expected later timer to fire despite panic, got %d", got)
	}
}
