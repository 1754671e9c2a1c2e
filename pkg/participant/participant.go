package participant

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hdds-team/hdds-go/pkg/config"
	"github.com/hdds-team/hdds-go/pkg/congestion"
	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/discovery"
	"github.com/hdds-team/hdds-go/pkg/dispatch"
	"github.com/hdds-team/hdds-go/pkg/domain"
	"github.com/hdds-team/hdds-go/pkg/frag"
	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/route"
	"github.com/hdds-team/hdds-go/pkg/slab"
	"github.com/hdds-team/hdds-go/pkg/timerwheel"
	"github.com/hdds-team/hdds-go/pkg/transport"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

const (
	wheelTick     = 5 * time.Millisecond
	wheelSlots    = 256
	reassemblyAge = 3 * time.Second
	// A single listener worker keeps per-writer delivery order intact;
	// callbacks that need parallelism fan out themselves.
	listenerWorkers = 1
	listenerDepth   = 1024
)

// Option customizes participant construction.
type Option func(*Participant)

// WithChannels injects the metatraffic and user-traffic link channels.
// Without it the participant is intra-process only (tests); New does not
// create UDP channels itself.
func WithChannels(meta, user transport.Channel) Option {
	return func(p *Participant) {
		p.metaChannel = meta
		p.userChannel = user
	}
}

// WithRegistry shares a process-wide domain registry between
// participants; the default creates a private one.
func WithRegistry(reg *domain.Registry) Option {
	return func(p *Participant) {
		p.registry = reg
	}
}

// WithSlabPool shares the process-wide slab pool.
func WithSlabPool(pool *slab.Pool) Option {
	return func(p *Participant) {
		p.pool = pool
	}
}

// Participant is a domain-scoped DDS entity owning endpoints, the
// discovery engine, and the data-plane workers.
type Participant struct {
	cfg    config.Config
	guid   wire.GUID
	events *hub.Hub

	pool       *slab.Pool
	wheel      *timerwheel.Wheel
	registry   *domain.Registry
	router     *route.Router
	reasm      *frag.Reassembler
	dispatcher *dispatch.Dispatcher
	cc         *congestion.Controller
	fsm        *discovery.FSM
	enc        dialect.Encoder
	payloads   *payloadTable

	metaChannel transport.Channel
	userChannel transport.Channel

	mu           sync.RWMutex
	staticPeers  []wire.Locator
	pendingFrags map[frag.Key]bool
	nackFragSeq  uint32
	writers    map[wire.GUID]*Writer
	readers    map[wire.GUID]*Reader
	nextEntity uint32
	closed     bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New validates cfg and assembles a participant. Run starts the
// workers.
func New(cfg config.Config, opts ...Option) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, wrapKind(ConfigError, err, "invalid participant config")
	}

	ccCfg := congestion.DefaultConfig()
	if cfg.Congestion != nil {
		ccCfg = *cfg.Congestion
	}

	p := &Participant{
		cfg:        cfg,
		guid:       newParticipantGUID(),
		events:     hub.New(),
		wheel:      timerwheel.New(wheelTick, wheelSlots),
		router:     route.NewRouter(),
		dispatcher: dispatch.New(listenerWorkers, listenerDepth),
		cc:         congestion.NewController(ccCfg),
		enc:        dialect.NewStandard(),
		writers:      make(map[wire.GUID]*Writer),
		readers:      make(map[wire.GUID]*Reader),
		pendingFrags: make(map[frag.Key]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pool == nil {
		p.pool = slab.NewPool()
	}
	if p.registry == nil {
		p.registry = domain.NewRegistry(p.events)
	}
	p.reasm = frag.New(p.pool, reassemblyAge)
	p.payloads = newPayloadTable(p.pool)

	self := dialect.SPDPData{
		GUID:     p.guid,
		DomainID: cfg.DomainID,
		Lease:    cfg.LeaseDuration,
	}
	if p.metaChannel != nil {
		self.MetatrafficUnicast = p.metaChannel.LocalLocators()
	}
	if p.userChannel != nil {
		self.DefaultUnicast = p.userChannel.LocalLocators()
	}
	if !cfg.DisableSHM {
		self.Properties = map[string]string{"shm": "1"}
	}

	dcfg := discovery.DefaultConfig()
	if cfg.LeaseDuration > 0 {
		dcfg.Lease = cfg.LeaseDuration
	}
	if cfg.AnnouncePeriod > 0 {
		dcfg.AnnouncePeriod = cfg.AnnouncePeriod
	}
	dcfg.EnableTypeLookup = cfg.EnableTypeLookup
	p.fsm = discovery.New(dcfg, self, p.enc, p.events, p.sendMeta)
	p.fsm.Observe(p.onMatchChange)

	return p, nil
}

// GUID returns the participant GUID.
func (p *Participant) GUID() wire.GUID { return p.guid }

// Events returns the system event hub.
func (p *Participant) Events() *hub.Hub { return p.events }

// Discovery exposes the discovery engine (peer/endpoint introspection).
func (p *Participant) Discovery() *discovery.FSM { return p.fsm }

// Congestion exposes the congestion controller.
func (p *Participant) Congestion() *congestion.Controller { return p.cc }

// Run starts the participant's workers and blocks until ctx is done or
// a worker fails fatally.
func (p *Participant) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	p.group = group

	if p.metaChannel != nil {
		group.Go(func() error { return p.ingress(ctx, p.metaChannel) })
	}
	if p.userChannel != nil && p.userChannel != p.metaChannel {
		group.Go(func() error { return p.ingress(ctx, p.userChannel) })
	}

	// Periodic work all rides the shared wheel.
	announce := p.wheel.SchedulePeriodic(p.announcePeriod(), p.announceSPDP)
	prune := p.wheel.SchedulePeriodic(time.Second, func() { p.reasm.Prune() })
	scoreTick := p.wheel.SchedulePeriodic(p.scoreTick(), p.congestionTick)
	qosTick := p.wheel.SchedulePeriodic(100*time.Millisecond, p.qosTick)

	// First announcement goes out immediately.
	p.announceSPDP()

	<-ctx.Done()
	announce.Stop()
	prune.Stop()
	scoreTick.Stop()
	qosTick.Stop()
	return group.Wait()
}

// Close tears the participant down.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	writers := make([]*Writer, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	readers := make([]*Reader, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	for _, r := range readers {
		r.Close()
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.metaChannel != nil {
		p.metaChannel.Close()
	}
	if p.userChannel != nil && p.userChannel != p.metaChannel {
		p.userChannel.Close()
	}
	p.wheel.Close()
	p.dispatcher.Close()
}

func (p *Participant) announcePeriod() time.Duration {
	if p.cfg.AnnouncePeriod > 0 {
		return p.cfg.AnnouncePeriod
	}
	return 3 * time.Second
}

func (p *Participant) scoreTick() time.Duration {
	if p.cfg.Congestion != nil && p.cfg.Congestion.ScoreTick > 0 {
		return p.cfg.Congestion.ScoreTick
	}
	return 100 * time.Millisecond
}

// announceSPDP broadcasts the participant announcement to the
// multicast group and any configured unicast peers.
func (p *Participant) announceSPDP() {
	if p.metaChannel == nil {
		return
	}
	payload := p.fsm.Announcement()
	sub := p.enc.BuildData(wire.EntityUnknown, wire.EntitySPDPWriter, 0, nil, payload)
	msg := dialect.BuildMessage(p.enc, p.guid.Prefix, sub)

	targets := p.spdpTargets()
	for _, loc := range targets {
		if err := p.metaChannel.Send(loc, msg); err != nil {
			p.cc.OnSendResult(err)
			log.Debugf("participant: SPDP send to %s: %s", loc, err)
		}
	}
}

func (p *Participant) spdpTargets() []wire.Locator {
	var out []wire.Locator
	if !p.cfg.DisableMulticast {
		group := wire.DefaultMulticastGroup
		if p.cfg.MulticastAddress != "" {
			if ip := net.ParseIP(p.cfg.MulticastAddress); ip != nil {
				group = ip
			}
		}
		out = append(out, wire.NewUDPv4Locator(group, wire.MetatrafficMulticastPort(p.cfg.DomainID)))
	}
	for _, peer := range p.fsm.Peers() {
		if len(peer.Metatraffic) > 0 {
			out = append(out, peer.Metatraffic[0])
		}
	}
	p.mu.RLock()
	out = append(out, p.staticPeers...)
	p.mu.RUnlock()
	return out
}

// AddUnicastPeers appends static unicast SPDP targets (from the
// configured peer list or a peer-list producer).
func (p *Participant) AddUnicastPeers(locs []wire.Locator) {
	p.mu.Lock()
	p.staticPeers = append(p.staticPeers, locs...)
	p.mu.Unlock()
}

// congestionTick runs one scheduler step and drains the send queues
// within the returned budget.
func (p *Participant) congestionTick() {
	budget := p.cc.Tick()
	samples := p.cc.Queues().Drain(budget)
	for _, s := range samples {
		p.transmit(s)
	}
}

// transmit sends one queued sample toward its destinations.
func (p *Participant) transmit(s congestion.Sample) {
	if p.userChannel == nil || len(s.Payload) == 0 {
		return
	}
	dest := s.Dest
	limiter := p.cc.Rate().Limiter()
	if !limiter.AllowN(time.Now(), len(s.Payload)) {
		// Over the pacing budget; requeue at P1. The sample does not
		// record its original class, so P0 samples are requeued at P1.
		p.cc.Queues().Enqueue(congestion.P1, s)
		return
	}
	if err := p.userChannel.Send(dest, s.Payload); err != nil {
		p.cc.OnSendResult(err)
		log.Debugf("participant: send to %s: %s", dest, err)
		return
	}
	p.cc.OnSendResult(nil)
}

// sendMeta is the discovery sender hook.
func (p *Participant) sendMeta(loc wire.Locator, msg []byte) {
	if p.metaChannel == nil {
		return
	}
	if err := p.metaChannel.Send(loc, msg); err != nil {
		p.cc.OnSendResult(err)
		log.Debugf("participant: metatraffic send to %s: %s", loc, err)
	}
}

// ingress is the per-channel receive worker: block on the channel,
// classify, dispatch.
func (p *Participant) ingress(ctx context.Context, ch transport.Channel) error {
	buf := make([]byte, ch.MTU())
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, from, err := ch.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sig := congestion.Classify(err)
			if sig == congestion.SignalFatal {
				return wrapKind(TransportError, err, "link receive")
			}
			// Brief pause so a persistently erroring channel cannot
			// spin the worker.
			time.Sleep(time.Millisecond)
			continue
		}
		p.processDatagram(buf[:n], from)
	}
}

// processDatagram classifies one datagram and routes every submessage.
// Malformed packets are counted and dropped, never fatal.
func (p *Participant) processDatagram(buf []byte, from wire.Locator) {
	msg, err := wire.Classify(buf)
	if err != nil {
		protocolErrors.Inc()
		log.Debugf("participant: dropping malformed packet from %s: %s", from, err)
		return
	}
	for i := range msg.Submessages {
		sub := &msg.Submessages[i]
		switch sub.Kind {
		case wire.KindSPDP:
			if err := p.fsm.OnSPDP(p.payload(buf, sub)); err != nil {
				protocolErrors.Inc()
			}
		case wire.KindSEDP:
			kind := dialect.WriterEndpoint
			if sub.WriterID == wire.EntitySEDPSubWriter {
				kind = dialect.ReaderEndpoint
			}
			if err := p.fsm.OnSEDP(p.payload(buf, sub), kind); err != nil {
				protocolErrors.Inc()
			}
		case wire.KindTypeLookup:
			p.handleTypeLookup(buf, sub, msg.Header.Prefix)
		case wire.KindData:
			p.handleData(buf, sub)
		case wire.KindDataFrag:
			p.handleDataFrag(buf, sub)
		case wire.KindHeartbeat:
			p.handleHeartbeat(buf, sub)
		case wire.KindAckNack:
			p.handleAckNack(buf, sub, msg.Header.Prefix)
		case wire.KindGap:
			p.handleGap(buf, sub)
		case wire.KindNackFrag:
			p.handleNackFrag(buf, sub, msg.Header.Prefix)
		}
	}
}

func (p *Participant) payload(buf []byte, sub *wire.Submessage) []byte {
	if sub.PayloadLen == 0 {
		return nil
	}
	return buf[sub.PayloadOff : sub.PayloadOff+sub.PayloadLen]
}

func (p *Participant) handleTypeLookup(buf []byte, sub *wire.Submessage, prefix wire.GUIDPrefix) {
	payload := p.payload(buf, sub)
	var err error
	if sub.WriterID == wire.EntityTypeLookupReqWriter {
		err = p.fsm.OnTypeLookupRequest(prefix, payload)
	} else {
		err = p.fsm.OnTypeLookupResponse(payload)
	}
	if err != nil {
		protocolErrors.Inc()
	}
}

func (p *Participant) handleData(buf []byte, sub *wire.Submessage) {
	ts := time.Now()
	if sub.Timestamp != nil {
		ts = sub.Timestamp.Time()
	}
	topic := p.router.Route(buf, sub, ts)

	// Reliability and QoS bookkeeping for local readers matched to this
	// writer.
	p.mu.RLock()
	for _, r := range p.readers {
		if topic != "" && r.topic == topic {
			r.onRemoteData(sub.WriterGUID, sub.Seq, ts)
		}
	}
	p.mu.RUnlock()
}

func (p *Participant) handleDataFrag(buf []byte, sub *wire.Submessage) {
	if sub.Frag == nil {
		return
	}
	completed, err := p.reasm.OnFragments(sub.WriterGUID, sub.Seq, *sub.Frag, p.payload(buf, sub))
	if err != nil {
		protocolErrors.Inc()
		return
	}
	if completed == nil {
		p.scheduleNackFrag(sub.WriterGUID, sub.ReaderID, sub.Seq)
		return
	}
	defer completed.Release()
	ts := time.Now()
	if sub.Timestamp != nil {
		ts = sub.Timestamp.Time()
	}
	topic := p.topicForWriter(sub.WriterGUID)
	if topic == "" {
		return
	}
	p.router.Deliver(route.Sample{
		Topic:     topic,
		Writer:    sub.WriterGUID,
		Seq:       sub.Seq,
		Payload:   completed.Payload,
		Timestamp: ts,
	})
	p.mu.RLock()
	for _, r := range p.readers {
		if r.topic == topic {
			r.onRemoteData(sub.WriterGUID, sub.Seq, ts)
		}
	}
	p.mu.RUnlock()
}

func (p *Participant) topicForWriter(writer wire.GUID) string {
	if e, ok := p.fsm.Endpoint(writer); ok {
		return e.Topic
	}
	return ""
}

func (p *Participant) handleHeartbeat(buf []byte, sub *wire.Submessage) {
	// HEARTBEAT body: reader(4) writer(4) firstSN(8) lastSN(8) count(4).
	body := sub.Off + wire.SubmsgHdrLen
	if sub.Len < wire.SubmsgHdrLen+28 {
		protocolErrors.Inc()
		return
	}
	bo := byteOrderOf(sub.Flags)
	first := int64(int32(bo.Uint32(buf[body+8:body+12])))<<32 | int64(bo.Uint32(buf[body+12:body+16]))
	last := int64(int32(bo.Uint32(buf[body+16:body+20])))<<32 | int64(bo.Uint32(buf[body+20:body+24]))

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.readers {
		r.onHeartbeat(sub.WriterGUID, first, last)
	}
}

func (p *Participant) handleAckNack(buf []byte, sub *wire.Submessage, readerPrefix wire.GUIDPrefix) {
	body := sub.Off + wire.SubmsgHdrLen
	bo := byteOrderOf(sub.Flags)
	set, off, err := wire.ParseSequenceNumberSet(buf, body+8, bo)
	if err != nil {
		protocolErrors.Inc()
		return
	}
	var count uint32
	if off+4 <= sub.Off+sub.Len {
		count = bo.Uint32(buf[off : off+4])
	}

	writerGUID := wire.GUID{Prefix: p.guid.Prefix, Entity: sub.WriterID}
	readerGUID := wire.GUID{Prefix: readerPrefix, Entity: sub.ReaderID}

	p.mu.RLock()
	w := p.writers[writerGUID]
	p.mu.RUnlock()
	if w != nil {
		w.onAckNack(readerGUID, set, count)
	}
}

func (p *Participant) handleGap(buf []byte, sub *wire.Submessage) {
	body := sub.Off + wire.SubmsgHdrLen
	bo := byteOrderOf(sub.Flags)
	gapStart := sub.Seq
	set, _, err := wire.ParseSequenceNumberSet(buf, body+16, bo)
	if err != nil {
		protocolErrors.Inc()
		return
	}
	gapEnd := set.Base - 1
	if gapEnd < gapStart {
		gapEnd = gapStart
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.readers {
		r.onGap(sub.WriterGUID, gapStart, gapEnd)
	}
}

func (p *Participant) handleNackFrag(buf []byte, sub *wire.Submessage, readerPrefix wire.GUIDPrefix) {
	writerGUID := wire.GUID{Prefix: p.guid.Prefix, Entity: sub.WriterID}
	p.mu.RLock()
	w := p.writers[writerGUID]
	p.mu.RUnlock()
	if w == nil {
		return
	}
	body := sub.Off + wire.SubmsgHdrLen
	bo := byteOrderOf(sub.Flags)
	// NACK_FRAG body: reader(4) writer(4) writerSN(8) fragSet.
	set, _, err := wire.ParseSequenceNumberSet(buf, body+16, bo)
	if err != nil {
		protocolErrors.Inc()
		return
	}
	w.onNackFrag(wire.GUID{Prefix: readerPrefix, Entity: sub.ReaderID}, sub.Seq, set.Sequences())
}

// qosTick drives deadline and liveliness checks for all endpoints.
func (p *Participant) qosTick() {
	p.mu.RLock()
	readers := make([]*Reader, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.RUnlock()
	for _, r := range readers {
		r.checkQoS()
	}
}

// onMatchChange reacts to remote discovery matches: wire reliability
// state and the router's writer-topic map.
func (p *Participant) onMatchChange(w, r *discovery.Endpoint, matched bool) {
	if w.Local {
		p.mu.RLock()
		lw := p.writers[w.GUID]
		p.mu.RUnlock()
		if lw != nil {
			lw.onReaderMatch(r, matched)
		}
	}
	if r.Local && !w.Local {
		if matched {
			p.router.SetWriterTopic(w.GUID, w.Topic)
		} else {
			p.router.ForgetWriter(w.GUID)
		}
		p.mu.RLock()
		lr := p.readers[r.GUID]
		p.mu.RUnlock()
		if lr != nil {
			lr.onWriterMatch(w, matched)
		}
	}
}

func (p *Participant) nextEntityID(kind byte) wire.EntityID {
	p.mu.Lock()
	p.nextEntity++
	n := p.nextEntity
	p.mu.Unlock()
	return wire.EntityID{byte(n >> 16), byte(n >> 8), byte(n), kind}
}

func newParticipantGUID() wire.GUID {
	var g wire.GUID
	rand.Read(g.Prefix[2:])
	// Vendor-scoped prefix head, per convention.
	g.Prefix[0] = wire.VendorHDDS[0]
	g.Prefix[1] = wire.VendorHDDS[1]
	g.Entity = wire.EntityParticipant
	return g
}

func byteOrderOf(flags uint8) binary.ByteOrder {
	if flags&wire.FlagEndianness != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// scheduleNackFrag arms one coalesced NACK_FRAG for an incomplete
// reassembly when a local reliable reader wants the sample.
func (p *Participant) scheduleNackFrag(writer wire.GUID, readerEntity wire.EntityID, seq int64) {
	topic := p.topicForWriter(writer)
	if topic == "" {
		return
	}
	reliable := false
	p.mu.Lock()
	for _, r := range p.readers {
		if r.topic == topic && r.profile.Reliability == qos.Reliable {
			reliable = true
			if readerEntity == wire.EntityUnknown {
				readerEntity = r.guid.Entity
			}
			break
		}
	}
	key := frag.Key{Writer: writer, Seq: seq}
	if !reliable || p.pendingFrags[key] {
		p.mu.Unlock()
		return
	}
	p.pendingFrags[key] = true
	p.mu.Unlock()

	coalesce := p.cc.Config().NackCoalesce
	p.wheel.Schedule(coalesce, func() {
		p.mu.Lock()
		delete(p.pendingFrags, key)
		p.mu.Unlock()

		missing := p.reasm.Missing(writer, seq)
		if len(missing) == 0 {
			return
		}
		peer, ok := p.fsm.Peer(writer.Prefix)
		if !ok || len(peer.Metatraffic) == 0 {
			return
		}
		frags := make([]int64, len(missing))
		for i, f := range missing {
			frags[i] = int64(f)
		}
		set := wire.NewSequenceNumberSet(frags[0], frags)
		p.mu.Lock()
		p.nackFragSeq++
		count := p.nackFragSeq
		p.mu.Unlock()
		sub := p.enc.BuildNackFrag(readerEntity, writer.Entity, seq, set, count)
		p.sendMeta(peer.Metatraffic[0], dialect.BuildMessage(p.enc, p.guid.Prefix, sub))
	})
}
