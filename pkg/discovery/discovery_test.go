package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

func prefixN(n byte) wire.GUIDPrefix {
	var p wire.GUIDPrefix
	p[0] = n
	p[11] = 0x42
	return p
}

func participant(n byte) wire.GUID {
	return wire.GUID{Prefix: prefixN(n), Entity: wire.EntityParticipant}
}

func endpointGUID(n byte, entity wire.EntityID) wire.GUID {
	return wire.GUID{Prefix: prefixN(n), Entity: entity}
}

type sentMsg struct {
	loc wire.Locator
	msg []byte
}

type sendCollector struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (c *sendCollector) send(loc wire.Locator, msg []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, sentMsg{loc: loc, msg: msg})
	c.mu.Unlock()
}

func (c *sendCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newFSM(t *testing.T, n byte, events *hub.Hub, send Sender) *FSM {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LeaseSweep = 20 * time.Millisecond
	self := dialect.SPDPData{
		GUID:     participant(n),
		DomainID: 0,
		Lease:    cfg.Lease,
		MetatrafficUnicast: []wire.Locator{
			wire.NewUDPv4Locator([]byte{127, 0, 0, 1}, uint32(7410+int(n))),
		},
	}
	return New(cfg, self, dialect.NewStandard(), events, send)
}

func spdpFrom(n byte, lease time.Duration) []byte {
	enc := dialect.NewStandard()
	return enc.BuildSPDP(&dialect.SPDPData{
		GUID:  participant(n),
		Lease: lease,
		MetatrafficUnicast: []wire.Locator{
			wire.NewUDPv4Locator([]byte{127, 0, 0, 1}, uint32(7410 + int(n))),
		},
	})
}

func sedpFrom(n byte, kind dialect.EndpointKind, topic, typeName string, profile qos.Profile) []byte {
	enc := dialect.NewStandard()
	entity := wire.EntityID{0, 0, n, 0x02}
	if kind == dialect.ReaderEndpoint {
		entity = wire.EntityID{0, 0, n, 0x07}
	}
	return enc.BuildSEDP(&dialect.SEDPData{
		Endpoint:    endpointGUID(n, entity),
		Participant: participant(n),
		Kind:        kind,
		Topic:       topic,
		TypeName:    typeName,
		QoS:         &profile,
	})
}

func TestSPDPPeerUpsertAndLeaseExpiry(t *testing.T) {
	f := newFSM(t, 1, nil, nil)

	var mu sync.Mutex
	var lost []wire.GUID
	f.ObservePeers(func(p *Peer, added bool) {
		if !added {
			mu.Lock()
			lost = append(lost, p.GUID)
			mu.Unlock()
		}
	})

	if err := f.OnSPDP(spdpFrom(2, 50*time.Millisecond)); err != nil {
		t.Fatalf("OnSPDP: %s", err)
	}
	if f.PeerCount() != 1 {
		t.Fatalf("expected 1 peer, got %d", f.PeerCount())
	}

	// Refresh within the lease keeps the row.
	f.OnSPDP(spdpFrom(2, 50*time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	if f.PeerCount() != 0 {
		t.Fatalf("expected peer evicted after lease expiry, got %d", f.PeerCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(lost) != 1 || lost[0] != participant(2) {
		t.Errorf("expected loss callback for peer 2, got %v", lost)
	}
}

func TestOwnAnnouncementIgnored(t *testing.T) {
	f := newFSM(t, 1, nil, nil)
	if err := f.OnSPDP(spdpFrom(1, time.Second)); err != nil {
		t.Fatalf("OnSPDP: %s", err)
	}
	if f.PeerCount() != 0 {
		t.Error("own loopback must not create a peer row")
	}
}

func TestSEDPMatchAndEvents(t *testing.T) {
	events := hub.New()
	sub := events.Subscribe(16)
	f := newFSM(t, 1, events, nil)

	var mu sync.Mutex
	type obs struct {
		w, r    wire.GUID
		matched bool
	}
	var observed []obs
	f.Observe(func(w, r *Endpoint, matched bool) {
		mu.Lock()
		observed = append(observed, obs{w.GUID, r.GUID, matched})
		mu.Unlock()
	})

	// Local reliable reader.
	rq := qos.Default()
	rq.Reliability = qos.Reliable
	local := f.RegisterLocal(&Endpoint{
		GUID:     endpointGUID(1, wire.EntityID{0, 0, 1, 0x07}),
		Kind:     dialect.ReaderEndpoint,
		Topic:    "sensor/temp",
		TypeName: "Temperature",
		QoS:      rq,
	})

	// Remote reliable writer on the same topic: must match.
	wq := qos.Default()
	wq.Reliability = qos.Reliable
	if err := f.OnSEDP(sedpFrom(2, dialect.WriterEndpoint, "sensor/temp", "Temperature", wq), dialect.WriterEndpoint); err != nil {
		t.Fatalf("OnSEDP: %s", err)
	}

	mu.Lock()
	if len(observed) != 1 || !observed[0].matched || observed[0].r != local.GUID {
		t.Fatalf("unexpected observations: %+v", observed)
	}
	mu.Unlock()

	e, ok := sub.Pop()
	if !ok || hub.Decode(e).Type != hub.OnMatch {
		t.Error("expected OnMatch event")
	}

	writers := f.MatchedWriters(local.GUID)
	if len(writers) != 1 || writers[0].Topic != "sensor/temp" {
		t.Errorf("unexpected matched writers: %+v", writers)
	}
}

func TestIncompatibleQoSEmitsEventNotMatch(t *testing.T) {
	// S5: BestEffort writer x Reliable reader never matches; an
	// OnIncompatibleQoS event names the reliability dimension.
	events := hub.New()
	sub := events.Subscribe(16)
	f := newFSM(t, 1, events, nil)

	rq := qos.Default()
	rq.Reliability = qos.Reliable
	f.RegisterLocal(&Endpoint{
		GUID:     endpointGUID(1, wire.EntityID{0, 0, 1, 0x07}),
		Kind:     dialect.ReaderEndpoint,
		Topic:    "t",
		TypeName: "T",
		QoS:      rq,
	})

	wq := qos.Default() // BestEffort
	f.OnSEDP(sedpFrom(2, dialect.WriterEndpoint, "t", "T", wq), dialect.WriterEndpoint)

	e, ok := sub.Pop()
	if !ok {
		t.Fatal("expected an event")
	}
	ev := hub.Decode(e)
	if ev.Type != hub.OnIncompatibleQoS || ev.Reason != hub.ReasonReliability {
		t.Fatalf("expected OnIncompatibleQoS(reliability), got %+v", ev)
	}
	if len(f.MatchedWriters(endpointGUID(1, wire.EntityID{0, 0, 1, 0x07}))) != 0 {
		t.Error("incompatible endpoints must not match")
	}
}

func TestSEDPFlushToNewPeer(t *testing.T) {
	col := &sendCollector{}
	f := newFSM(t, 1, nil, col.send)

	wq := qos.Default()
	f.RegisterLocal(&Endpoint{
		GUID:     endpointGUID(1, wire.EntityID{0, 0, 1, 0x02}),
		Kind:     dialect.WriterEndpoint,
		Topic:    "a",
		TypeName: "A",
		QoS:      wq,
	})
	if col.count() != 0 {
		t.Fatalf("no peers yet, nothing to announce, got %d sends", col.count())
	}

	// New peer appears: cached announcements flush to it immediately.
	f.OnSPDP(spdpFrom(2, time.Second))
	if col.count() != 1 {
		t.Fatalf("expected 1 flushed SEDP message, got %d", col.count())
	}

	// The flushed message must classify as SEDP.
	col.mu.Lock()
	msg := col.msgs[0].msg
	col.mu.Unlock()
	parsed, err := wire.Classify(msg)
	if err != nil {
		t.Fatalf("classify flushed message: %s", err)
	}
	if len(parsed.Submessages) != 1 || parsed.Submessages[0].Kind != wire.KindSEDP {
		t.Errorf("expected SEDP submessage, got %+v", parsed.Submessages)
	}
}

func TestPeerLossRemovesEndpointsAndMatches(t *testing.T) {
	f := newFSM(t, 1, nil, nil)

	rq := qos.Default()
	local := f.RegisterLocal(&Endpoint{
		GUID:     endpointGUID(1, wire.EntityID{0, 0, 1, 0x07}),
		Kind:     dialect.ReaderEndpoint,
		Topic:    "t",
		TypeName: "T",
		QoS:      rq,
	})

	f.OnSPDP(spdpFrom(2, 40*time.Millisecond))
	f.OnSEDP(sedpFrom(2, dialect.WriterEndpoint, "t", "T", qos.Default()), dialect.WriterEndpoint)
	if len(f.MatchedWriters(local.GUID)) != 1 {
		t.Fatal("expected match before lease expiry")
	}

	time.Sleep(120 * time.Millisecond)
	if len(f.MatchedWriters(local.GUID)) != 0 {
		t.Error("expected match dissolved after peer loss")
	}
	if f.EndpointCount() != 1 {
		t.Errorf("expected only the local endpoint left, got %d", f.EndpointCount())
	}
}

func TestDialectDetectionSticky(t *testing.T) {
	f := newFSM(t, 1, nil, nil)

	// First announcement from an eProsima peer locks the dialect.
	enc := dialect.NewFastDDS()
	payload := enc.BuildSPDP(&dialect.SPDPData{
		GUID:  participant(3),
		Lease: time.Second,
	})
	f.OnSPDP(payload)
	peer, ok := f.Peer(prefixN(3))
	if !ok || peer.Encoder.Name() != "fastdds" {
		t.Fatalf("expected fastdds dialect, got %v", peer)
	}

	// A later announcement parsed through the standard builder must not
	// re-classify.
	f.OnSPDP(spdpFrom(3, time.Second))
	peer, _ = f.Peer(prefixN(3))
	if peer.Encoder.Name() != "fastdds" {
		t.Error("dialect detection must be sticky")
	}
}

func TestTypeLookupPatchesRowAndReevaluates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseSweep = time.Second
	cfg.EnableTypeLookup = true
	self := dialect.SPDPData{GUID: participant(1), Lease: cfg.Lease}
	col := &sendCollector{}
	f := New(cfg, self, dialect.NewStandard(), nil, col.send)
	f.SetStrictTypeMatching(true)

	rq := qos.Default()
	local := f.RegisterLocal(&Endpoint{
		GUID:       endpointGUID(1, wire.EntityID{0, 0, 1, 0x07}),
		Kind:       dialect.ReaderEndpoint,
		Topic:      "t",
		TypeName:   "T",
		QoS:        rq,
		TypeObject: []byte{1},
	})

	f.OnSPDP(spdpFrom(2, time.Minute))
	// Remote writer without a TypeObject: strict matching defers.
	f.OnSEDP(sedpFrom(2, dialect.WriterEndpoint, "t", "T", qos.Default()), dialect.WriterEndpoint)
	if len(f.MatchedWriters(local.GUID)) != 0 {
		t.Fatal("strict matching must defer until TypeObject arrives")
	}

	// A TypeLookup request went out to the peer.
	foundRequest := false
	col.mu.Lock()
	for _, m := range col.msgs {
		parsed, err := wire.Classify(m.msg)
		if err != nil {
			continue
		}
		for _, s := range parsed.Submessages {
			if s.Kind == wire.KindTypeLookup {
				foundRequest = true
			}
		}
	}
	col.mu.Unlock()
	if !foundRequest {
		t.Fatal("expected a TypeLookup request")
	}

	// The response patches the row and the match forms.
	remote := endpointGUID(2, wire.EntityID{0, 0, 2, 0x02})
	resp := encodeTypeLookupResponse(remote, []byte{0xab, 0xcd})
	if err := f.OnTypeLookupResponse(resp); err != nil {
		t.Fatalf("OnTypeLookupResponse: %s", err)
	}
	if len(f.MatchedWriters(local.GUID)) != 1 {
		t.Error("expected match after TypeLookup response")
	}
}

func TestUnregisterRemovesRemoteEndpoint(t *testing.T) {
	f := newFSM(t, 1, nil, nil)
	f.OnSEDP(sedpFrom(2, dialect.WriterEndpoint, "t", "T", qos.Default()), dialect.WriterEndpoint)
	if f.EndpointCount() != 1 {
		t.Fatalf("expected 1 endpoint, got %d", f.EndpointCount())
	}
	f.UnregisterLocal(endpointGUID(2, wire.EntityID{0, 0, 2, 0x02}))
	if f.EndpointCount() != 0 {
		t.Errorf("expected endpoint removed, got %d", f.EndpointCount())
	}
}
