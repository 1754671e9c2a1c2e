package congestion

import (
	"math"
	"syscall"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = 50 * time.Millisecond
	cfg.StableWindow = 50 * time.Millisecond
	cfg.ScoreTick = 10 * time.Millisecond
	return cfg
}

func TestAIMDHardDecrease(t *testing.T) {
	cfg := testConfig()
	c := NewController(cfg)
	before := c.rate.Rate()

	c.OnSendResult(syscall.EAGAIN)
	c.Tick()

	want := before * cfg.MDFactorHard
	if got := c.rate.Rate(); math.Abs(got-want) > 1 {
		t.Errorf("expected rate %v after hard impulse, got %v", want, got)
	}
}

func TestAIMDCooldownInhibitsSecondDecrease(t *testing.T) {
	cfg := testConfig()
	c := NewController(cfg)

	c.OnSendResult(syscall.EAGAIN)
	c.Tick()
	after1 := c.rate.Rate()

	// Second hard signal inside the cooldown must not decrease again.
	c.OnSendResult(syscall.EAGAIN)
	c.Tick()
	if got := c.rate.Rate(); got != after1 {
		t.Errorf("expected cooldown to hold rate at %v, got %v", after1, got)
	}

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	c.OnSendResult(syscall.EAGAIN)
	c.Tick()
	if got := c.rate.Rate(); got >= after1 {
		t.Errorf("expected decrease after cooldown, rate still %v", got)
	}
}

func TestAIMDAdditiveIncreaseAfterStableWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRateBps = 1_000_000 // leave headroom above the post-decrease rate
	c := NewController(cfg)

	c.OnSendResult(syscall.EAGAIN)
	c.Tick()
	decreased := c.rate.Rate()

	// Decay the score below the increase threshold and wait out the
	// stable window.
	for i := 0; i < 30; i++ {
		c.Tick()
		time.Sleep(5 * time.Millisecond)
	}
	got := c.rate.Rate()
	if got <= decreased {
		t.Errorf("expected additive increase above %v, got %v", decreased, got)
	}
}

func TestAIMDRateFloor(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	c := NewController(cfg)
	for i := 0; i < 100; i++ {
		c.OnSendResult(syscall.EAGAIN)
		c.Tick()
	}
	if got := c.rate.Rate(); got < float64(cfg.MinRateBps) {
		t.Errorf("rate %v fell below floor %d", got, cfg.MinRateBps)
	}
}

func TestCoalescingLastValueWins(t *testing.T) {
	q := NewCoalescingQueue(10)
	key := KeylessInstance("telemetry")
	q.Insert(Sample{Payload: []byte("v1"), Key: key})
	q.Insert(Sample{Payload: []byte("v2"), Key: key})

	if got := q.Len(); got != 1 {
		t.Fatalf("expected 1 pending instance, got %d", got)
	}
	if got := q.CoalescedCount(); got != 1 {
		t.Errorf("expected coalesced_count 1, got %d", got)
	}
	s, ok := q.Pop()
	if !ok || string(s.Payload) != "v2" {
		t.Errorf("expected v2, got %q", s.Payload)
	}
}

func TestCoalescingUnderPressure(t *testing.T) {
	// S6: capacity 2; (k1,v1), (k2,v2), (k1,v3), (k3,v4) leaves
	// {k1: v3, k3: v4}, one drop, one coalesce.
	q := NewCoalescingQueue(2)
	k1 := NewInstanceKey("t", []byte("k1"))
	k2 := NewInstanceKey("t", []byte("k2"))
	k3 := NewInstanceKey("t", []byte("k3"))

	q.Insert(Sample{Payload: []byte("v1"), Key: k1})
	q.Insert(Sample{Payload: []byte("v2"), Key: k2})
	q.Insert(Sample{Payload: []byte("v3"), Key: k1})
	q.Insert(Sample{Payload: []byte("v4"), Key: k3})

	if got := q.DroppedCount(); got != 1 {
		t.Errorf("expected dropped_count 1, got %d", got)
	}
	if got := q.CoalescedCount(); got != 1 {
		t.Errorf("expected coalesced_count 1, got %d", got)
	}

	final := map[InstanceKey]string{}
	for {
		s, ok := q.Pop()
		if !ok {
			break
		}
		final[s.Key] = string(s.Payload)
	}
	if len(final) != 2 || final[k1] != "v3" || final[k3] != "v4" {
		t.Errorf("unexpected final set: %v", final)
	}
}

func TestPriorityQueueBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueP0 = 2
	cfg.Policy = ReturnWouldBlock
	q := NewPriorityQueues(&cfg)

	if err := q.Enqueue(P0, Sample{Payload: []byte("a")}); err != nil {
		t.Fatalf("enqueue: %s", err)
	}
	if err := q.Enqueue(P0, Sample{Payload: []byte("b")}); err != nil {
		t.Fatalf("enqueue: %s", err)
	}
	if err := q.Enqueue(P0, Sample{Payload: []byte("c")}); err != ErrWouldBlock {
		t.Errorf("expected ErrWouldBlock, got %v", err)
	}
}

func TestDrainPriorityOrderAndBudget(t *testing.T) {
	cfg := testConfig()
	q := NewPriorityQueues(&cfg)
	q.Enqueue(P2, Sample{Payload: []byte("background"), Key: KeylessInstance("bg")})
	q.Enqueue(P1, Sample{Payload: []byte("normal")})
	q.Enqueue(P0, Sample{Payload: []byte("critical")})

	out := q.Drain(Budget{P0: 1000, P1: 1000, P2: 1000, Repair: 1000})
	if len(out) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(out))
	}
	if string(out[0].Payload) != "critical" || string(out[1].Payload) != "normal" {
		t.Errorf("priority order violated: %q, %q", out[0].Payload, out[1].Payload)
	}
}

func TestDrainRepairCap(t *testing.T) {
	cfg := testConfig()
	q := NewPriorityQueues(&cfg)
	q.Enqueue(P1, Sample{Payload: make([]byte, 100), Repair: true})
	q.Enqueue(P1, Sample{Payload: make([]byte, 100), Repair: true})

	out := q.Drain(Budget{P0: 1000, P1: 1000, P2: 1000, Repair: 150})
	if len(out) != 1 {
		t.Fatalf("expected repair cap to pass 1 sample, got %d", len(out))
	}
	// The capped sample must still be queued.
	_, p1, _ := q.Len()
	if p1 != 1 {
		t.Errorf("expected 1 sample still queued, got %d", p1)
	}
}

func TestRTTEstimator(t *testing.T) {
	e := NewRTTEstimator(100*time.Millisecond, 2.0)
	e.Update(10 * time.Millisecond)
	if got := e.RTT(); got != 10*time.Millisecond {
		t.Errorf("first sample must initialize rtt, got %v", got)
	}
	if got := e.Baseline(); got != 10*time.Millisecond {
		t.Errorf("baseline must be min, got %v", got)
	}
	if e.Inflated() {
		t.Error("not inflated at baseline")
	}
	// Drive the estimate above 2x baseline.
	for i := 0; i < 50; i++ {
		e.Update(50 * time.Millisecond)
	}
	if !e.Inflated() {
		t.Errorf("expected inflation, rtt=%v baseline=%v", e.RTT(), e.Baseline())
	}
}

func TestPeerRTTAggregate(t *testing.T) {
	p := NewPeerRTT(100*time.Millisecond, 2.0)
	p.Update("a", 10*time.Millisecond)
	p.Update("b", 20*time.Millisecond)
	p.Update("c", 30*time.Millisecond)

	agg := p.Aggregate()
	if agg.Peers != 3 {
		t.Fatalf("expected 3 peers, got %d", agg.Peers)
	}
	if agg.Min != 10*time.Millisecond || agg.Max != 30*time.Millisecond || agg.Median != 20*time.Millisecond {
		t.Errorf("unexpected aggregate: %+v", agg)
	}
}

func TestClassifySignals(t *testing.T) {
	cases := []struct {
		err  error
		want Signal
	}{
		{nil, SignalSuccess},
		{syscall.EAGAIN, SignalWouldBlock},
		{syscall.ENOBUFS, SignalNoBuffers},
		{syscall.ECONNRESET, SignalTransient},
		{syscall.EADDRINUSE, SignalFatal},
		{syscall.EACCES, SignalFatal},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestBudgetPartition(t *testing.T) {
	cfg := testConfig()
	c := NewRateController(&cfg)
	b := c.BudgetFor(100 * time.Millisecond)
	total := float64(cfg.MaxRateBps) * 0.1
	if b.P0 < int(float64(cfg.P0MinBps)*0.1) {
		t.Errorf("P0 below minimum: %d", b.P0)
	}
	if got := float64(b.P0 + b.P1 + b.P2); math.Abs(got-total) > total*0.01 {
		t.Errorf("budget parts %d+%d+%d != total %v", b.P0, b.P1, b.P2, total)
	}
	if b.Repair > int(total*cfg.RepairBudgetRatio)+1 {
		t.Errorf("repair cap too large: %d", b.Repair)
	}
}
