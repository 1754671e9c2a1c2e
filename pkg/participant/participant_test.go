package participant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hdds-team/hdds-go/pkg/config"
	"github.com/hdds-team/hdds-go/pkg/congestion"
	"github.com/hdds-team/hdds-go/pkg/domain"
	"github.com/hdds-team/hdds-go/pkg/filter"
	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/route"
	"github.com/hdds-team/hdds-go/pkg/transport"
)

type sampleSink struct {
	mu      sync.Mutex
	samples []route.Sample
	lost    []int64
}

func (s *sampleSink) listener() Listener {
	return Listener{
		OnData: func(sample route.Sample) {
			s.mu.Lock()
			s.samples = append(s.samples, sample)
			s.mu.Unlock()
		},
		OnSampleLost: func(seq int64) {
			s.mu.Lock()
			s.lost = append(s.lost, seq)
			s.mu.Unlock()
		},
	}
}

func (s *sampleSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *sampleSink) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.samples))
	for i, smp := range s.samples {
		out[i] = smp.Payload
	}
	return out
}

func (s *sampleSink) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, have %d", n, s.count())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AnnouncePeriod = 30 * time.Millisecond
	cfg.LeaseDuration = 2 * time.Second
	cc := congestion.DefaultConfig()
	cc.ScoreTick = 10 * time.Millisecond
	cc.NackCoalesce = 10 * time.Millisecond
	cc.RetryBackoffBase = 20 * time.Millisecond
	cc.RetryBackoffMax = 200 * time.Millisecond
	cfg.Congestion = &cc
	return cfg
}

// newLocalParticipant builds a participant with no link channels:
// intra-process only.
func newLocalParticipant(t *testing.T, reg *domain.Registry) *Participant {
	t.Helper()
	p, err := New(testConfig(), WithRegistry(reg))
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestIntraProcessBestEffortRoundtrip(t *testing.T) {
	// S1/S4: writer first, reader binds synchronously, five samples
	// arrive in order without any socket.
	reg := domain.NewRegistry(nil)
	p := newLocalParticipant(t, reg)

	w, err := p.CreateWriter("sensor/temp", "Temperature", qos.Default())
	if err != nil {
		t.Fatalf("CreateWriter: %s", err)
	}

	sink := &sampleSink{}
	if _, err := p.CreateReader("sensor/temp", "Temperature", qos.Default(), sink.listener()); err != nil {
		t.Fatalf("CreateReader: %s", err)
	}

	for i := 1; i <= 5; i++ {
		if err := w.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %s", i, err)
		}
	}
	sink.waitFor(t, 5, time.Second)

	for i, payload := range sink.payloads() {
		if len(payload) != 1 || payload[0] != byte(i+1) {
			t.Fatalf("sample %d: payload %v", i, payload)
		}
	}
}

func TestIntraProcessAcrossParticipants(t *testing.T) {
	// Two participants sharing the process registry bind without wire
	// discovery.
	reg := domain.NewRegistry(nil)
	pw := newLocalParticipant(t, reg)
	pr := newLocalParticipant(t, reg)

	w, err := pw.CreateWriter("a", "A", qos.Default())
	if err != nil {
		t.Fatal(err)
	}
	sink := &sampleSink{}
	if _, err := pr.CreateReader("a", "A", qos.Default(), sink.listener()); err != nil {
		t.Fatal(err)
	}

	if err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, 1, time.Second)
}

func TestIncompatibleQoSNoIntraBind(t *testing.T) {
	// S5 intra-process: BestEffort writer x Reliable reader.
	events := hub.New()
	sub := events.Subscribe(16)
	reg := domain.NewRegistry(events)
	p := newLocalParticipant(t, reg)

	w, err := p.CreateWriter("a", "A", qos.Default())
	if err != nil {
		t.Fatal(err)
	}
	rq := qos.Default()
	rq.Reliability = qos.Reliable
	sink := &sampleSink{}
	if _, err := p.CreateReader("a", "A", rq, sink.listener()); err != nil {
		t.Fatal(err)
	}

	if err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("incompatible endpoints delivered %d samples", sink.count())
	}

	found := false
	for {
		e, ok := sub.Pop()
		if !ok {
			break
		}
		ev := hub.Decode(e)
		if ev.Type == hub.OnIncompatibleQoS && ev.Reason == hub.ReasonReliability {
			found = true
		}
	}
	if !found {
		t.Error("expected OnIncompatibleQoS(reliability) event")
	}
}

func TestWriterRejectsInvalidQoS(t *testing.T) {
	p := newLocalParticipant(t, domain.NewRegistry(nil))
	bad := qos.Default()
	bad.History = qos.History{Kind: qos.KeepLast, Depth: 0}
	_, err := p.CreateWriter("a", "A", bad)
	if err == nil {
		t.Fatal("expected config error")
	}
	var perr *Error
	if !asError(err, &perr) || perr.Kind != ConfigError {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

// wirePair builds two participants joined by loopback meta and user
// channels and runs them.
func wirePair(t *testing.T) (*Participant, *Participant, *transport.Loopback) {
	t.Helper()
	metaA, metaB := transport.NewLoopbackPair()
	userA, userB := transport.NewLoopbackPair()

	pa, err := New(testConfig(), WithChannels(metaA, userA))
	if err != nil {
		t.Fatal(err)
	}
	pb, err := New(testConfig(), WithChannels(metaB, userB))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go pa.Run(ctx)
	go pb.Run(ctx)
	t.Cleanup(func() {
		cancel()
		pa.Close()
		pb.Close()
	})
	return pa, pb, userA
}

func waitPeers(t *testing.T, pa, pb *Participant) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pa.Discovery().PeerCount() > 0 && pb.Discovery().PeerCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("participants never discovered each other")
}

func TestWireBestEffortRoundtrip(t *testing.T) {
	pa, pb, _ := wirePair(t)
	waitPeers(t, pa, pb)

	w, err := pa.CreateWriter("sensor/temp", "Temperature", qos.Default())
	if err != nil {
		t.Fatal(err)
	}
	sink := &sampleSink{}
	r, err := pb.CreateReader("sensor/temp", "Temperature", qos.Default(), sink.listener())
	if err != nil {
		t.Fatal(err)
	}

	// Wait for SEDP matching on the writer side.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pa.Discovery().MatchedReaders(w.GUID())) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pa.Discovery().MatchedReaders(w.GUID())) == 0 {
		t.Fatal("writer never matched remote reader")
	}

	for i := 1; i <= 5; i++ {
		if err := w.Write([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sink.waitFor(t, 5, 3*time.Second)
	_ = r
}

func TestWireReliableRecoversLoss(t *testing.T) {
	// S2 shape: drop every other user-plane datagram; reliable
	// endpoints still converge on the full ordered set.
	pa, pb, userA := wirePair(t)
	waitPeers(t, pa, pb)

	wq := qos.ReliableKeepAll()
	w, err := pa.CreateWriter("telemetry", "T", wq)
	if err != nil {
		t.Fatal(err)
	}
	rq := qos.Default()
	rq.Reliability = qos.Reliable
	sink := &sampleSink{}
	if _, err := pb.CreateReader("telemetry", "T", rq, sink.listener()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pa.Discovery().MatchedReaders(w.GUID())) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	userA.DropEvery = 2
	const total = 20
	for i := 1; i <= total; i++ {
		if err := w.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %s", i, err)
		}
	}

	sink.waitFor(t, total, 10*time.Second)
	payloads := sink.payloads()
	for i := 0; i < total; i++ {
		if payloads[i][0] != byte(i+1) {
			t.Fatalf("sample %d out of order: %v", i, payloads[i])
		}
	}
}

func TestWireFragmentedSample(t *testing.T) {
	// S3: one 10 kB sample crosses as DATA_FRAGs and reassembles
	// byte-for-byte.
	pa, pb, _ := wirePair(t)
	waitPeers(t, pa, pb)

	w, err := pa.CreateWriter("blob", "B", qos.Default())
	if err != nil {
		t.Fatal(err)
	}
	sink := &sampleSink{}
	if _, err := pb.CreateReader("blob", "B", qos.Default(), sink.listener()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pa.Discovery().MatchedReaders(w.GUID())) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	if err := w.Write(payload); err != nil {
		t.Fatal(err)
	}

	sink.waitFor(t, 1, 5*time.Second)
	got := sink.payloads()[0]
	if len(got) != len(payload) {
		t.Fatalf("length mismatch: %d != %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
}

func TestSlabConservationAfterTraffic(t *testing.T) {
	reg := domain.NewRegistry(nil)
	p := newLocalParticipant(t, reg)

	w, _ := p.CreateWriter("a", "A", qos.Default())
	sink := &sampleSink{}
	p.CreateReader("a", "A", qos.Default(), sink.listener())

	for i := 0; i < 50; i++ {
		w.Write([]byte{byte(i)})
	}
	sink.waitFor(t, 50, 2*time.Second)
	// Give the listener pool a moment to release the last slots.
	time.Sleep(50 * time.Millisecond)
	if got := p.pool.InUse(); got != 0 {
		t.Errorf("expected all slab slots released, %d in use", got)
	}
}

func TestContentFilterDropsSamples(t *testing.T) {
	reg := domain.NewRegistry(nil)
	p := newLocalParticipant(t, reg)

	w, err := p.CreateWriter("a", "A", qos.Default())
	if err != nil {
		t.Fatal(err)
	}
	sink := &sampleSink{}
	r, err := p.CreateReader("a", "A", qos.Default(), sink.listener())
	if err != nil {
		t.Fatal(err)
	}

	// Keep only samples whose first byte clears a threshold; the
	// application supplies the payload-to-field extraction.
	f, err := filter.New("v > %0", []string{"2"})
	if err != nil {
		t.Fatal(err)
	}
	r.SetContentFilter(func(payload []byte) (bool, error) {
		if len(payload) == 0 {
			return false, nil
		}
		return f.Matches(map[string]filter.FieldValue{"v": filter.Int(int64(payload[0]))})
	})

	for i := 1; i <= 5; i++ {
		if err := w.Write([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sink.waitFor(t, 3, time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 3 {
		t.Fatalf("expected 3 filtered samples, got %d", got)
	}
	for _, payload := range sink.payloads() {
		if payload[0] <= 2 {
			t.Errorf("filter leaked payload %v", payload)
		}
	}
}
