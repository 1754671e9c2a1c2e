package participant

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/discovery"
	"github.com/hdds-team/hdds-go/pkg/domain"
	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/reliability"
	"github.com/hdds-team/hdds-go/pkg/ring"
	"github.com/hdds-team/hdds-go/pkg/route"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// readerRingFloor is the minimum reader ring capacity regardless of
// history depth.
const readerRingFloor = 64

// Listener receives reader status callbacks on the listener pool. All
// callbacks may be nil.
type Listener struct {
	OnData            func(route.Sample)
	OnSampleLost      func(seq int64)
	OnDeadlineMissed  func()
	OnLivelinessChanged func(writer wire.GUID, alive bool)
}

// Reader consumes samples on one topic.
type Reader struct {
	p        *Participant
	guid     wire.GUID
	topic    string
	typeName string
	profile  qos.Profile
	listener Listener

	ring     *ring.Ring
	token    *domain.BindToken
	sub      *route.Subscription
	deadline *qos.DeadlineChecker
	lifespan *qos.LifespanChecker
	filter   *sampleFilter

	closed atomic.Bool
	lost   atomic.Uint64

	mu         sync.Mutex
	nacks      map[wire.GUID]*reliability.NackScheduler
	liveliness map[wire.GUID]*qos.LivelinessTracker
	order      map[wire.GUID]*orderState
}

// orderState holds back out-of-order samples from one reliable writer
// until the gap before them fills or is declared lost.
type orderState struct {
	expected int64
	pending  map[int64]route.Sample
	skipped  map[int64]struct{}
}

func newOrderState() *orderState {
	return &orderState{
		expected: 1,
		pending:  make(map[int64]route.Sample),
		skipped:  make(map[int64]struct{}),
	}
}

// sampleFilter is the optional content filter hook.
type sampleFilter struct {
	matches func(payload []byte) (bool, error)
}

// CreateReader registers a reader for (topic, typeName).
func (p *Participant) CreateReader(topic, typeName string, profile qos.Profile, listener Listener) (*Reader, error) {
	if err := profile.Validate(); err != nil {
		return nil, wrapKind(ConfigError, err, "reader QoS for %s", topic)
	}
	ringCap := profile.History.Depth
	if ringCap < readerRingFloor {
		ringCap = readerRingFloor
	}
	r := &Reader{
		p:          p,
		guid:       wire.GUID{Prefix: p.guid.Prefix, Entity: p.nextEntityID(0x07)},
		topic:      topic,
		typeName:   typeName,
		profile:    profile,
		listener:   listener,
		ring:       ring.New(ringCap),
		deadline:   qos.NewDeadlineChecker(profile.Deadline),
		lifespan:   qos.NewLifespanChecker(profile.Lifespan),
		nacks:      make(map[wire.GUID]*reliability.NackScheduler),
		liveliness: make(map[wire.GUID]*qos.LivelinessTracker),
		order:      make(map[wire.GUID]*orderState),
	}

	key := qos.NewMatchKey(topic, typeName)
	r.token = p.registry.Domain(p.cfg.DomainID).RegisterReader(key, domain.ReaderReg{
		GUID:   r.guid,
		QoS:    &r.profile,
		Ring:   r.ring,
		Notify: r.wake,
	})

	// Remote samples arrive through the router.
	r.sub = p.router.Subscribe(topic, r.onRouterSample)

	p.mu.Lock()
	p.readers[r.guid] = r
	p.mu.Unlock()

	p.fsm.RegisterLocal(&discovery.Endpoint{
		GUID:     r.guid,
		Kind:     dialect.ReaderEndpoint,
		Topic:    topic,
		TypeName: typeName,
		QoS:      profile,
	})
	log.Infof("participant: reader %s on %s (%s)", r.guid, topic, profile.Reliability)
	return r, nil
}

// GUID returns the reader's GUID.
func (r *Reader) GUID() wire.GUID { return r.guid }

// Ring exposes the intra-process index ring (introspection and tests).
func (r *Reader) Ring() *ring.Ring { return r.ring }

// SamplesLost returns the count of samples this reader will never see.
func (r *Reader) SamplesLost() uint64 { return r.lost.Load() }

// SetContentFilter installs a predicate over serialized payloads; a
// false or erroring evaluation drops the sample before the listener.
func (r *Reader) SetContentFilter(matches func(payload []byte) (bool, error)) {
	r.filter = &sampleFilter{matches: matches}
}

// wake drains the intra-process ring onto the listener pool.
func (r *Reader) wake() {
	if !r.p.dispatcher.Submit(r.drainRing) {
		r.p.events.Publish(hub.Event{Type: hub.SystemStall})
	}
}

// drainRing consumes entries delivered by local writers' mergers.
func (r *Reader) drainRing() {
	for {
		e, ok := r.ring.Pop()
		if !ok {
			return
		}
		buf := r.p.pool.Buffer(e.Slab)
		if buf == nil || int(e.Len) > len(buf) {
			continue
		}
		payload := make([]byte, e.Len)
		copy(payload, buf[:e.Len])
		r.p.payloads.release(e.Slab)

		ts := time.Unix(0, int64(e.TimestampNS))
		r.deliver(route.Sample{
			Topic:     r.topic,
			Seq:       int64(e.Seq),
			Payload:   payload,
			Timestamp: ts,
		})
	}
}

// onRouterSample handles remote samples from the router worker. The
// payload aliases the receive buffer, so it is copied before crossing
// onto the listener pool. Reliable readers deliver strictly in
// sequence order per writer; best-effort readers deliver as received.
func (r *Reader) onRouterSample(s route.Sample) {
	payload := make([]byte, len(s.Payload))
	copy(payload, s.Payload)
	s.Payload = payload

	if r.profile.Reliability != qos.Reliable || s.Writer.IsZero() {
		r.p.dispatcher.Submit(func() { r.deliver(s) })
		return
	}

	r.mu.Lock()
	st, ok := r.order[s.Writer]
	if !ok {
		st = newOrderState()
		r.order[s.Writer] = st
	}
	ready := st.ingest(s)
	r.mu.Unlock()
	for _, rs := range ready {
		rs := rs
		r.p.dispatcher.Submit(func() { r.deliver(rs) })
	}
}

// ingest buffers or releases samples so delivery is gap-free and
// strictly increasing.
func (st *orderState) ingest(s route.Sample) []route.Sample {
	if s.Seq < st.expected {
		return nil
	}
	st.pending[s.Seq] = s
	return st.flush()
}

// skip marks a sequence as never arriving (lost or gapped).
func (st *orderState) skip(seq int64) []route.Sample {
	if seq < st.expected {
		return nil
	}
	st.skipped[seq] = struct{}{}
	return st.flush()
}

func (st *orderState) flush() []route.Sample {
	var out []route.Sample
	for {
		if s, ok := st.pending[st.expected]; ok {
			out = append(out, s)
			delete(st.pending, st.expected)
			st.expected++
			continue
		}
		if _, ok := st.skipped[st.expected]; ok {
			delete(st.skipped, st.expected)
			st.expected++
			continue
		}
		return out
	}
}

// releaseSkipped advances ordering past a sequence that will never
// arrive.
func (r *Reader) releaseSkipped(writer wire.GUID, seq int64) {
	r.mu.Lock()
	st, ok := r.order[writer]
	var ready []route.Sample
	if ok {
		ready = st.skip(seq)
	}
	r.mu.Unlock()
	for _, rs := range ready {
		rs := rs
		r.p.dispatcher.Submit(func() { r.deliver(rs) })
	}
}

// deliver applies lifespan and the content filter, then invokes the
// listener.
func (r *Reader) deliver(s route.Sample) {
	if r.closed.Load() {
		return
	}
	if r.lifespan.Expired(s.Timestamp, time.Now()) {
		r.lost.Add(1)
		samplesLost.Inc()
		return
	}
	if r.filter != nil {
		ok, err := r.filter.matches(s.Payload)
		if err != nil {
			log.Debugf("reader %s: filter rejected sample %d: %s", r.guid, s.Seq, err)
			return
		}
		if !ok {
			return
		}
	}
	r.deadline.OnSample()
	if r.listener.OnData != nil {
		r.listener.OnData(s)
	}
}

// onRemoteData feeds reliability and liveliness state for a remote
// writer's sample.
func (r *Reader) onRemoteData(writer wire.GUID, seq int64, _ time.Time) {
	r.mu.Lock()
	sched := r.nacks[writer]
	live := r.liveliness[writer]
	r.mu.Unlock()
	if sched != nil {
		sched.OnData(seq)
	}
	if live != nil {
		live.Assert()
	}
}

// onHeartbeat routes a writer heartbeat to its NACK scheduler.
func (r *Reader) onHeartbeat(writer wire.GUID, first, last int64) {
	r.mu.Lock()
	sched := r.nacks[writer]
	r.mu.Unlock()
	if sched != nil {
		sched.OnHeartbeat(first, last)
	}
}

// onGap suppresses NACKs for writer-declared gaps and advances
// ordering past them.
func (r *Reader) onGap(writer wire.GUID, start, end int64) {
	r.mu.Lock()
	sched := r.nacks[writer]
	r.mu.Unlock()
	if sched != nil {
		sched.OnGap(start, end)
	}
	for seq := start; seq <= end; seq++ {
		r.releaseSkipped(writer, seq)
	}
}

// onWriterMatch wires or tears down per-writer reliability state.
func (r *Reader) onWriterMatch(w *discovery.Endpoint, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !matched {
		if sched := r.nacks[w.GUID]; sched != nil {
			sched.Stop()
			delete(r.nacks, w.GUID)
		}
		delete(r.liveliness, w.GUID)
		return
	}
	r.liveliness[w.GUID] = qos.NewLivelinessTracker(w.QoS.Liveliness.LeaseDuration)
	if r.profile.Reliability != qos.Reliable {
		return
	}
	writer := w
	cfg := reliability.RetryConfig{
		Base:         r.p.cc.Config().RetryBackoffBase,
		Max:          r.p.cc.Config().RetryBackoffMax,
		MaxRetries:   r.p.cc.Config().MaxRetries,
		JitterFactor: 0.1,
	}
	r.nacks[w.GUID] = reliability.NewNackScheduler(
		w.GUID,
		r.p.cc.Config().NackCoalesce,
		cfg,
		r.p.wheel,
		func(an reliability.AckNack) { r.sendAckNack(writer, an) },
		func(seq int64) {
			r.lost.Add(1)
			samplesLost.Inc()
			r.releaseSkipped(writer.GUID, seq)
			if r.listener.OnSampleLost != nil {
				r.p.dispatcher.Submit(func() { r.listener.OnSampleLost(seq) })
			}
		},
	)
}

// sendAckNack emits the coalesced ACKNACK toward the writer.
func (r *Reader) sendAckNack(w *discovery.Endpoint, an reliability.AckNack) {
	var dest wire.Locator
	switch {
	case len(w.Locators) > 0:
		dest = w.Locators[0]
	default:
		peer, ok := r.p.fsm.Peer(w.GUID.Prefix)
		if !ok || len(peer.Metatraffic) == 0 {
			return
		}
		dest = peer.Metatraffic[0]
	}
	set := wire.NewSequenceNumberSet(an.Base, an.Missing)
	sub := r.p.enc.BuildAckNack(w.GUID.Entity, r.guid.Entity, set, an.Count, false)
	msg := dialect.BuildMessage(r.p.enc, r.guid.Prefix, sub)
	r.p.sendMeta(dest, msg)
}

// checkQoS runs deadline and liveliness checks from the QoS tick.
func (r *Reader) checkQoS() {
	if r.closed.Load() {
		return
	}
	if r.deadline.Check() {
		if r.listener.OnDeadlineMissed != nil {
			r.p.dispatcher.Submit(r.listener.OnDeadlineMissed)
		}
	}
	r.mu.Lock()
	type change struct {
		writer wire.GUID
		alive  bool
	}
	var changes []change
	for writer, tracker := range r.liveliness {
		if transition := tracker.Check(); transition != nil {
			changes = append(changes, change{writer: writer, alive: *transition})
		}
	}
	r.mu.Unlock()
	for _, c := range changes {
		c := c
		if r.listener.OnLivelinessChanged != nil {
			r.p.dispatcher.Submit(func() { r.listener.OnLivelinessChanged(c.writer, c.alive) })
		}
	}
}

// Close retires the reader.
func (r *Reader) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.mu.Lock()
	for _, sched := range r.nacks {
		sched.Stop()
	}
	r.nacks = map[wire.GUID]*reliability.NackScheduler{}
	r.mu.Unlock()
	r.sub.Unsubscribe()
	r.token.Drop()
	r.p.fsm.UnregisterLocal(r.guid)
	r.p.mu.Lock()
	delete(r.p.readers, r.guid)
	r.p.mu.Unlock()
}
