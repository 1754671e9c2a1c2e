package domain

import (
	"testing"

	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/ring"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

func guidN(n byte) wire.GUID {
	var g wire.GUID
	g.Prefix[0] = n
	g.Entity = wire.EntityID{0, 0, n, 0x02}
	return g
}

func TestWriterFirstReaderBindsSynchronously(t *testing.T) {
	// S4: writer created first; the reader's bind callback runs during
	// registration; a subsequent write lands in the reader's ring with
	// no socket involved.
	reg := NewRegistry(nil)
	d := reg.Domain(0)
	key := qos.NewMatchKey("sensor/temp", "Temperature")
	wq := qos.Default()
	rq := qos.Default()

	merger, wtoken := d.RegisterWriter(key, guidN(1), &wq)
	defer wtoken.Drop()

	r := ring.New(16)
	bound := false
	woken := 0
	rtoken := d.RegisterReader(key, ReaderReg{
		GUID:   guidN(2),
		QoS:    &rq,
		Ring:   r,
		Notify: func() { woken++ },
		OnBind: func(m *Merger) { bound = m == merger },
	})
	defer rtoken.Drop()

	if !bound {
		t.Fatal("bind callback must run synchronously during registration")
	}

	merger.Write(ring.Entry{Seq: 1, Len: 4})
	e, ok := r.Pop()
	if !ok || e.Seq != 1 {
		t.Fatalf("expected entry in reader ring, got %+v ok=%v", e, ok)
	}
	if woken != 1 {
		t.Errorf("expected 1 wake, got %d", woken)
	}
}

func TestReaderFirstBindsOnWriterRegistration(t *testing.T) {
	reg := NewRegistry(nil)
	d := reg.Domain(0)
	key := qos.NewMatchKey("a", "A")
	wq, rq := qos.Default(), qos.Default()

	r := ring.New(8)
	d.RegisterReader(key, ReaderReg{GUID: guidN(2), QoS: &rq, Ring: r})

	merger, _ := d.RegisterWriter(key, guidN(1), &wq)
	if merger.Readers() != 1 {
		t.Fatalf("expected 1 bound reader, got %d", merger.Readers())
	}
}

func TestQoSGating(t *testing.T) {
	// A BestEffort writer must not bind a Reliable reader; the event
	// hub reports the reliability dimension.
	events := hub.New()
	sub := events.Subscribe(8)
	reg := NewRegistry(events)
	d := reg.Domain(0)
	key := qos.NewMatchKey("a", "A")

	wq := qos.Default() // BestEffort
	rq := qos.Default()
	rq.Reliability = qos.Reliable

	merger, _ := d.RegisterWriter(key, guidN(1), &wq)
	d.RegisterReader(key, ReaderReg{GUID: guidN(2), QoS: &rq, Ring: ring.New(8)})

	if merger.Readers() != 0 {
		t.Fatalf("incompatible reader bound anyway")
	}
	e, ok := sub.Pop()
	if !ok {
		t.Fatal("expected an event")
	}
	ev := hub.Decode(e)
	if ev.Type != hub.OnIncompatibleQoS || ev.Reason != hub.ReasonReliability {
		t.Errorf("expected OnIncompatibleQoS/reliability, got %+v", ev)
	}
}

func TestMatchKeySeparation(t *testing.T) {
	reg := NewRegistry(nil)
	d := reg.Domain(0)
	wq, rq := qos.Default(), qos.Default()

	merger, _ := d.RegisterWriter(qos.NewMatchKey("a", "A"), guidN(1), &wq)
	// Same topic, different type: no bind.
	d.RegisterReader(qos.NewMatchKey("a", "B"), ReaderReg{GUID: guidN(2), QoS: &rq, Ring: ring.New(8)})
	if merger.Readers() != 0 {
		t.Error("endpoints with different type hashes must not bind")
	}
}

func TestBindTokenDropDetaches(t *testing.T) {
	reg := NewRegistry(nil)
	d := reg.Domain(0)
	key := qos.NewMatchKey("a", "A")
	wq, rq := qos.Default(), qos.Default()

	merger, _ := d.RegisterWriter(key, guidN(1), &wq)
	r := ring.New(8)
	token := d.RegisterReader(key, ReaderReg{GUID: guidN(2), QoS: &rq, Ring: r})

	token.Drop()
	token.Drop() // idempotent
	if merger.Readers() != 0 {
		t.Fatalf("expected reader detached, %d bound", merger.Readers())
	}
	merger.Write(ring.Entry{Seq: 1})
	if _, ok := r.Pop(); ok {
		t.Error("detached reader must not receive writes")
	}

	_, readers := d.Counts()
	if readers != 0 {
		t.Errorf("expected 0 registered readers, got %d", readers)
	}
}

func TestLossyFanoutWhenRingFull(t *testing.T) {
	reg := NewRegistry(nil)
	d := reg.Domain(0)
	key := qos.NewMatchKey("a", "A")
	wq, rq := qos.Default(), qos.Default()

	merger, _ := d.RegisterWriter(key, guidN(1), &wq)
	r := ring.New(2)
	d.RegisterReader(key, ReaderReg{GUID: guidN(2), QoS: &rq, Ring: r})

	for i := 0; i < 5; i++ {
		merger.Write(ring.Entry{Seq: uint32(i)})
	}
	if r.Len() != 2 {
		t.Errorf("expected ring capped at 2, got %d", r.Len())
	}
	if merger.Drops() != 3 {
		t.Errorf("expected 3 drops, got %d", merger.Drops())
	}
}

func TestDomainsIsolated(t *testing.T) {
	reg := NewRegistry(nil)
	key := qos.NewMatchKey("a", "A")
	wq, rq := qos.Default(), qos.Default()

	merger, _ := reg.Domain(0).RegisterWriter(key, guidN(1), &wq)
	reg.Domain(1).RegisterReader(key, ReaderReg{GUID: guidN(2), QoS: &rq, Ring: ring.New(8)})
	if merger.Readers() != 0 {
		t.Error("endpoints in different domains must not bind")
	}
}
