package participant

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/congestion"
	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/discovery"
	"github.com/hdds-team/hdds-go/pkg/domain"
	"github.com/hdds-team/hdds-go/pkg/history"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/reliability"
	"github.com/hdds-team/hdds-go/pkg/ring"
	"github.com/hdds-team/hdds-go/pkg/slab"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// heartbeatPeriod is the reliable writer's HB cadence.
const heartbeatPeriod = time.Second

// payloadTable refcounts slab slots shared across intra-process reader
// rings; the slot frees when the last reader consumed it.
type payloadTable struct {
	pool *slab.Pool
	mu   sync.Mutex
	refs map[slab.Handle]int
}

func newPayloadTable(pool *slab.Pool) *payloadTable {
	return &payloadTable{pool: pool, refs: make(map[slab.Handle]int)}
}

func (t *payloadTable) retain(h slab.Handle, n int) {
	if n <= 0 {
		t.pool.Release(h)
		return
	}
	t.mu.Lock()
	t.refs[h] = n
	t.mu.Unlock()
}

func (t *payloadTable) release(h slab.Handle) {
	t.mu.Lock()
	n, ok := t.refs[h]
	if ok {
		n--
		if n <= 0 {
			delete(t.refs, h)
		} else {
			t.refs[h] = n
		}
	}
	t.mu.Unlock()
	if ok && n <= 0 {
		t.pool.Release(h)
	}
}

// Writer publishes samples on one topic.
type Writer struct {
	p        *Participant
	guid     wire.GUID
	topic    string
	typeName string
	profile  qos.Profile

	merger *domain.Merger
	token  *domain.BindToken
	cache  *history.Cache
	rel    *reliability.WriterReliability

	seq    atomic.Int64
	closed atomic.Bool

	mu      sync.RWMutex
	remotes map[wire.GUID]*discovery.Endpoint
}

// CreateWriter registers a writer for (topic, typeName) with the given
// profile.
func (p *Participant) CreateWriter(topic, typeName string, profile qos.Profile) (*Writer, error) {
	if err := profile.Validate(); err != nil {
		return nil, wrapKind(ConfigError, err, "writer QoS for %s", topic)
	}
	w := &Writer{
		p:        p,
		guid:     wire.GUID{Prefix: p.guid.Prefix, Entity: p.nextEntityID(0x02)},
		topic:    topic,
		typeName: typeName,
		profile:  profile,
		remotes:  make(map[wire.GUID]*discovery.Endpoint),
	}

	key := qos.NewMatchKey(topic, typeName)
	w.merger, w.token = p.registry.Domain(p.cfg.DomainID).RegisterWriter(key, w.guid, &w.profile)

	if profile.Reliability == qos.Reliable {
		w.cache = history.NewCache(profile, nil)
		w.rel = reliability.NewWriterReliability(w.cache, p.wheel, w.broadcastHeartbeat, w.retransmit, w.sendGap)
		w.rel.Start(heartbeatPeriod)
	}

	p.mu.Lock()
	p.writers[w.guid] = w
	p.mu.Unlock()

	p.fsm.RegisterLocal(&discovery.Endpoint{
		GUID:     w.guid,
		Kind:     dialect.WriterEndpoint,
		Topic:    topic,
		TypeName: typeName,
		QoS:      profile,
	})
	log.Infof("participant: writer %s on %s (%s)", w.guid, topic, profile.Reliability)
	return w, nil
}

// GUID returns the writer's GUID.
func (w *Writer) GUID() wire.GUID { return w.guid }

// Topic returns the writer's topic name.
func (w *Writer) Topic() string { return w.topic }

// Write publishes one serialized sample. The reliable path retains it
// in history until acknowledged; the intra-process path delivers before
// this returns.
func (w *Writer) Write(payload []byte) error {
	return w.WriteWithKey(payload, nil)
}

// WriteWithKey publishes a keyed sample; key selects the coalescing
// instance for background-priority topics.
func (w *Writer) WriteWithKey(payload, instanceKey []byte) error {
	if w.closed.Load() {
		return errKind(ConfigError, "writer closed")
	}
	seq := w.seq.Add(1)
	now := time.Now()
	samplesWritten.Inc()

	if w.cache != nil {
		retained := make([]byte, len(payload))
		copy(retained, payload)
		if err := w.cache.Insert(seq, retained, now); err != nil {
			if errors.Is(err, history.ErrQuotaExhausted) {
				return wrapKind(ResourceError, err, "history cache for %s", w.topic)
			}
			return wrapKind(ResourceError, err, "history insert")
		}
	}

	w.deliverLocal(seq, payload, now)
	w.deliverRemote(seq, payload, instanceKey)

	if w.rel != nil {
		w.rel.EmitHeartbeat()
	}
	return nil
}

// deliverLocal fans the sample into intra-process reader rings via the
// merger, backed by a refcounted slab slot.
func (w *Writer) deliverLocal(seq int64, payload []byte, now time.Time) {
	if w.merger.Readers() == 0 {
		return
	}
	h, buf, ok := w.p.pool.Reserve(len(payload))
	if !ok {
		slabExhausted.Inc()
		return
	}
	copy(buf, payload)
	delivered := w.merger.Write(ring.Entry{
		Seq:         uint32(seq),
		Slab:        h,
		Len:         uint32(len(payload)),
		Flags:       ring.FlagCommitted,
		TimestampNS: uint64(now.UnixNano()),
	})
	w.p.payloads.retain(h, delivered)
}

// deliverRemote enqueues wire sends toward every matched remote reader.
func (w *Writer) deliverRemote(seq int64, payload, instanceKey []byte) {
	w.mu.RLock()
	remotes := make([]*discovery.Endpoint, 0, len(w.remotes))
	for _, r := range w.remotes {
		remotes = append(remotes, r)
	}
	w.mu.RUnlock()
	if len(remotes) == 0 {
		return
	}

	prio := congestion.FromTransportPriority(w.profile.TransportPriority)
	key := congestion.KeylessInstance(w.topic)
	if instanceKey != nil {
		key = congestion.NewInstanceKey(w.topic, instanceKey)
	}
	for _, r := range remotes {
		dest, ok := w.destFor(r)
		if !ok {
			continue
		}
		for _, msg := range w.encodeDataMessages(r.GUID.Entity, seq, payload) {
			err := w.p.cc.Queues().Enqueue(prio, congestion.Sample{
				Payload: msg,
				Key:     key,
				Dest:    dest,
			})
			if err != nil {
				if errors.Is(err, congestion.ErrWouldBlock) {
					log.Debugf("writer %s: send queue full for %s", w.guid, r.GUID)
				}
			}
		}
	}
}

// encodeDataMessages builds the RTPS message(s) for one sample,
// fragmenting when the payload exceeds the dialect fragment size. The
// inline QoS carries the topic name so receivers can route without a
// prior SEDP round.
func (w *Writer) encodeDataMessages(reader wire.EntityID, seq int64, payload []byte) [][]byte {
	enc := w.p.enc
	topicVal := make([]byte, 4+len(w.topic)+1)
	binary.LittleEndian.PutUint32(topicVal, uint32(len(w.topic)+1))
	copy(topicVal[4:], w.topic)
	inline := wire.ParameterList{{ID: wire.PIDTopicName, Value: topicVal}}

	ts := enc.BuildInfoTS(wire.NewTimestamp(time.Now()))
	fragSize := enc.FragmentSize()
	if len(payload) <= fragSize {
		data := enc.BuildData(reader, w.guid.Entity, seq, inline, payload)
		return [][]byte{dialect.BuildMessage(enc, w.guid.Prefix, ts, data)}
	}

	var msgs [][]byte
	total := uint32(len(payload))
	fragNum := uint32(1)
	for off := 0; off < len(payload); off += fragSize {
		end := off + fragSize
		if end > len(payload) {
			end = len(payload)
		}
		fragSub := enc.BuildDataFrag(reader, w.guid.Entity, seq, fragNum, 1, uint16(fragSize), total, payload[off:end])
		msgs = append(msgs, dialect.BuildMessage(enc, w.guid.Prefix, ts, fragSub))
		fragNum++
	}
	return msgs
}

// destFor picks the unicast locator for a matched remote reader.
func (w *Writer) destFor(r *discovery.Endpoint) (wire.Locator, bool) {
	if len(r.Locators) > 0 {
		return r.Locators[0], true
	}
	if peer, ok := w.p.fsm.Peer(r.GUID.Prefix); ok {
		if len(peer.Default) > 0 {
			return peer.Default[0], true
		}
		if len(peer.Metatraffic) > 0 {
			return peer.Metatraffic[0], true
		}
	}
	return wire.Locator{}, false
}

// onReaderMatch tracks remote reader arrivals and departures.
func (w *Writer) onReaderMatch(r *discovery.Endpoint, matched bool) {
	w.mu.Lock()
	if matched {
		w.remotes[r.GUID] = r
	} else {
		delete(w.remotes, r.GUID)
	}
	w.mu.Unlock()

	if w.rel != nil {
		if matched {
			w.rel.ReaderMatched(r.GUID)
		} else {
			w.rel.ReaderUnmatched(r.GUID)
		}
	}

	// Transient-local late joiner: replay retained history directly.
	if matched && w.cache != nil {
		for _, e := range w.cache.LateJoinerSamples() {
			w.resendTo(r, e)
		}
	}
}

func (w *Writer) resendTo(r *discovery.Endpoint, e *history.Entry) {
	dest, ok := w.destFor(r)
	if !ok {
		return
	}
	for _, msg := range w.encodeDataMessages(r.GUID.Entity, e.Seq, e.Payload) {
		w.p.cc.Queues().Enqueue(congestion.P1, congestion.Sample{
			Payload: msg,
			Key:     congestion.KeylessInstance(w.topic),
			Dest:    dest,
			Repair:  true,
		})
	}
}

// broadcastHeartbeat sends a HEARTBEAT to every matched remote reader.
func (w *Writer) broadcastHeartbeat(hb reliability.Heartbeat) {
	w.mu.RLock()
	remotes := make([]*discovery.Endpoint, 0, len(w.remotes))
	for _, r := range w.remotes {
		remotes = append(remotes, r)
	}
	w.mu.RUnlock()

	enc := w.p.enc
	for _, r := range remotes {
		dest, ok := w.destFor(r)
		if !ok {
			continue
		}
		sub := enc.BuildHeartbeat(r.GUID.Entity, w.guid.Entity, hb.First, hb.Last, hb.Count)
		msg := dialect.BuildMessage(enc, w.guid.Prefix, sub)
		w.p.cc.Queues().Enqueue(congestion.P0, congestion.Sample{
			Payload: msg,
			Key:     congestion.KeylessInstance(w.topic),
			Dest:    dest,
		})
	}
}

// onAckNack services an incoming ACKNACK from a remote reader.
func (w *Writer) onAckNack(reader wire.GUID, set wire.SequenceNumberSet, count uint32) {
	if w.rel == nil {
		return
	}
	w.rel.OnAckNack(reader, reliability.AckNack{
		Base:    set.Base,
		Missing: set.Sequences(),
		Count:   count,
	})
}

// retransmit answers a NACK with the still-cached samples, capped by
// the repair budget at drain time.
func (w *Writer) retransmit(reader wire.GUID, entries []*history.Entry) {
	w.mu.RLock()
	r := w.remotes[reader]
	w.mu.RUnlock()
	if r == nil {
		return
	}
	for _, e := range entries {
		w.resendTo(r, e)
	}
}

// sendGap tells a reader to stop NACKing evicted sequences.
func (w *Writer) sendGap(reader wire.GUID, gone []int64) {
	w.mu.RLock()
	r := w.remotes[reader]
	w.mu.RUnlock()
	if r == nil || len(gone) == 0 {
		return
	}
	dest, ok := w.destFor(r)
	if !ok {
		return
	}
	start := gone[0]
	set := wire.NewSequenceNumberSet(gone[len(gone)-1]+1, nil)
	sub := w.p.enc.BuildGap(r.GUID.Entity, w.guid.Entity, start, set)
	msg := dialect.BuildMessage(w.p.enc, w.guid.Prefix, sub)
	w.p.cc.Queues().Enqueue(congestion.P0, congestion.Sample{
		Payload: msg,
		Key:     congestion.KeylessInstance(w.topic),
		Dest:    dest,
	})
}

// onNackFrag re-sends the requested fragments of a cached sample.
func (w *Writer) onNackFrag(reader wire.GUID, seq int64, frags []int64) {
	if w.cache == nil {
		return
	}
	entry, ok := w.cache.Get(seq)
	if !ok {
		return
	}
	w.mu.RLock()
	r := w.remotes[reader]
	w.mu.RUnlock()
	if r == nil {
		return
	}
	dest, ok := w.destFor(r)
	if !ok {
		return
	}
	enc := w.p.enc
	fragSize := enc.FragmentSize()
	total := uint32(len(entry.Payload))
	for _, f := range frags {
		off := int(f-1) * fragSize
		if off < 0 || off >= len(entry.Payload) {
			continue
		}
		end := off + fragSize
		if end > len(entry.Payload) {
			end = len(entry.Payload)
		}
		sub := enc.BuildDataFrag(r.GUID.Entity, w.guid.Entity, seq, uint32(f), 1, uint16(fragSize), total, entry.Payload[off:end])
		w.p.cc.Queues().Enqueue(congestion.P1, congestion.Sample{
			Payload: dialect.BuildMessage(enc, w.guid.Prefix, sub),
			Key:     congestion.KeylessInstance(w.topic),
			Dest:    dest,
			Repair:  true,
		})
	}
}

// Close retires the writer: announcements stop, the bind token drops,
// and the endpoint leaves the tables.
func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	if w.rel != nil {
		w.rel.Stop()
	}
	w.token.Drop()
	w.p.fsm.UnregisterLocal(w.guid)
	w.p.mu.Lock()
	delete(w.p.writers, w.guid)
	w.p.mu.Unlock()
}
