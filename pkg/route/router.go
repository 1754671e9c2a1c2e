// Package route demultiplexes classified user-data packets to local
// topic subscribers: topic resolution from inline QoS or the discovery
// writer map, per-subscriber sequence dedup, and panic-isolated
// delivery.
package route

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Sample is one delivered user sample. Payload includes the
// encapsulation header and aliases the receive buffer; subscribers that
// keep it past the callback must copy.
type Sample struct {
	Topic     string
	Writer    wire.GUID
	Seq       int64
	Payload   []byte
	Timestamp time.Time
}

// Subscription is one registered topic consumer.
type Subscription struct {
	id      uint64
	topic   string
	deliver func(Sample)
	router  *Router
}

// Unsubscribe removes the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.router.unsubscribe(s)
}

type dedupKey struct {
	writer wire.GUID
	sub    uint64
}

// dedupState suppresses exact duplicates while letting late
// retransmissions through: a bitmap covers the 64 sequences up to the
// highest delivered one.
type dedupState struct {
	high   int64
	window uint64 // bit i set = (high - i) delivered
}

// admit reports whether seq should be delivered and records it.
func (d *dedupState) admit(seq int64) bool {
	if d.high == 0 {
		d.high = seq
		d.window = 1
		return true
	}
	switch {
	case seq > d.high:
		shift := seq - d.high
		if shift >= 64 {
			d.window = 1
		} else {
			d.window = d.window<<uint(shift) | 1
		}
		d.high = seq
		return true
	case d.high-seq < 64:
		bit := uint64(1) << uint(d.high-seq)
		if d.window&bit != 0 {
			return false
		}
		d.window |= bit
		return true
	default:
		// Too old to track; treat as a stale duplicate.
		return false
	}
}

// Router routes user DATA to topic subscribers.
type Router struct {
	mu           sync.RWMutex
	nextID       uint64
	byTopic      map[string][]*Subscription
	writerTopics map[wire.GUID]string
	dedup        map[dedupKey]*dedupState
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		byTopic:      make(map[string][]*Subscription),
		writerTopics: make(map[wire.GUID]string),
		dedup:        make(map[dedupKey]*dedupState),
	}
}

// Subscribe registers deliver for a topic.
func (r *Router) Subscribe(topic string, deliver func(Sample)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{id: r.nextID, topic: topic, deliver: deliver, router: r}
	r.byTopic[topic] = append(r.byTopic[topic], sub)
	return sub
}

func (r *Router) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.byTopic[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			r.byTopic[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	for k := range r.dedup {
		if k.sub == sub.id {
			delete(r.dedup, k)
		}
	}
}

// SetWriterTopic records a remote writer's topic from its SEDP
// announcement; the fallback route for DATA without inline QoS.
func (r *Router) SetWriterTopic(writer wire.GUID, topic string) {
	r.mu.Lock()
	r.writerTopics[writer] = topic
	r.mu.Unlock()
}

// ForgetWriter drops the writer's topic mapping and dedup state.
func (r *Router) ForgetWriter(writer wire.GUID) {
	r.mu.Lock()
	delete(r.writerTopics, writer)
	for k := range r.dedup {
		if k.writer == writer {
			delete(r.dedup, k)
		}
	}
	r.mu.Unlock()
}

// Route delivers one classified DATA submessage. buf is the whole
// received datagram; sub points into it. Returns the resolved topic
// (empty when orphaned).
func (r *Router) Route(buf []byte, sub *wire.Submessage, ts time.Time) string {
	topic, ok := sub.InlineTopic(buf)
	if !ok {
		r.mu.RLock()
		topic, ok = r.writerTopics[sub.WriterGUID]
		r.mu.RUnlock()
		if !ok {
			orphanedPackets.Inc()
			return ""
		}
	}
	var payload []byte
	if sub.PayloadLen > 0 {
		payload = buf[sub.PayloadOff : sub.PayloadOff+sub.PayloadLen]
	}
	r.Deliver(Sample{
		Topic:     topic,
		Writer:    sub.WriterGUID,
		Seq:       sub.Seq,
		Payload:   payload,
		Timestamp: ts,
	})
	return topic
}

// Deliver fans a sample out to the topic's subscribers with dedup and
// panic isolation. Used by Route and by the reassembler's completion
// path.
func (r *Router) Deliver(s Sample) {
	r.mu.RLock()
	subs := append([]*Subscription(nil), r.byTopic[s.Topic]...)
	r.mu.RUnlock()

	for _, sub := range subs {
		key := dedupKey{writer: s.Writer, sub: sub.id}
		r.mu.Lock()
		st, ok := r.dedup[key]
		if !ok {
			st = &dedupState{}
			r.dedup[key] = st
		}
		admitted := st.admit(s.Seq)
		r.mu.Unlock()
		if !admitted {
			duplicatePackets.Inc()
			continue
		}

		r.deliverIsolated(sub, s)
	}
}

// deliverIsolated invokes one subscriber; a panic is counted and must
// not reach siblings. The subscriber stays registered.
func (r *Router) deliverIsolated(sub *Subscription, s Sample) {
	defer func() {
		if rec := recover(); rec != nil {
			deliveryErrors.Inc()
			log.Errorf("route: subscriber panic on topic %s: %v", s.Topic, rec)
		}
	}()
	sub.deliver(s)
	deliveredSamples.Inc()
}

// Subscribers returns the subscriber count for a topic.
func (r *Router) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic])
}
