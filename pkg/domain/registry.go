// Package domain implements the process-local topic bus: endpoints in
// the same process bind directly, writes fan out through per-writer
// mergers into reader rings, and no byte ever reaches a socket.
package domain

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/ring"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Merger owns a writer's intra-process fanout list. Write pushes an
// index entry into every bound reader ring (lossy when full) and wakes
// the reader.
type Merger struct {
	mu      sync.Mutex
	readers []*readerBinding
	drops   uint64
}

type readerBinding struct {
	id     uint16
	ring   *ring.Ring
	notify func()
}

// Write fans the entry out to every bound reader and returns how many
// rings accepted it.
func (m *Merger) Write(e ring.Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivered := 0
	for _, r := range m.readers {
		if !r.ring.Push(e) {
			m.drops++
			continue
		}
		delivered++
		if r.notify != nil {
			r.notify()
		}
	}
	return delivered
}

// Readers returns the number of bound readers.
func (m *Merger) Readers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readers)
}

// Drops returns entries lost to full reader rings.
func (m *Merger) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}

func (m *Merger) attach(b *readerBinding) {
	m.mu.Lock()
	m.readers = append(m.readers, b)
	m.mu.Unlock()
}

func (m *Merger) detach(id uint16) {
	m.mu.Lock()
	for i, r := range m.readers {
		if r.id == id {
			m.readers = append(m.readers[:i], m.readers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// WriterReg is a registered local writer.
type WriterReg struct {
	id     uint16
	GUID   wire.GUID
	QoS    *qos.Profile
	Merger *Merger
}

// ReaderReg is a registered local reader. OnBind, when set, runs
// synchronously under the domain lock for each newly compatible writer,
// receiving its merger; the ring/notify pair is attached either way.
type ReaderReg struct {
	id     uint16
	GUID   wire.GUID
	QoS    *qos.Profile
	Ring   *ring.Ring
	Notify func()
	OnBind func(w *Merger)
}

// BindToken removes its endpoint from the bus when dropped. It must not
// outlive the endpoint structures it refers to.
type BindToken struct {
	once sync.Once
	drop func()
}

// Drop removes the registration. Idempotent.
func (t *BindToken) Drop() {
	t.once.Do(t.drop)
}

type topicState struct {
	writers []*WriterReg
	readers []*ReaderReg
}

// DomainState is one domain's local topic bus.
type DomainState struct {
	id     uint32
	events *hub.Hub

	mu     sync.Mutex
	topics map[qos.MatchKey]*topicState
	nextID uint16
}

// Registry is the process-wide set of domain states, indexed by domain
// id. It is constructed explicitly at process start and shared by
// handle; there is no ambient instance.
type Registry struct {
	mu      sync.Mutex
	events  *hub.Hub
	domains map[uint32]*DomainState
}

// NewRegistry builds an empty registry publishing bind events to
// events (may be nil).
func NewRegistry(events *hub.Hub) *Registry {
	return &Registry{events: events, domains: make(map[uint32]*DomainState)}
}

// Domain returns the state for a domain id, creating it on first use.
func (r *Registry) Domain(id uint32) *DomainState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.domains[id]
	if !ok {
		d = &DomainState{id: id, events: r.events, topics: make(map[qos.MatchKey]*topicState)}
		r.domains[id] = d
	}
	return d
}

func (d *DomainState) topic(key qos.MatchKey) *topicState {
	t, ok := d.topics[key]
	if !ok {
		t = &topicState{}
		d.topics[key] = t
	}
	return t
}

func (d *DomainState) publish(ev hub.Event) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

// RegisterWriter adds a writer to the bus, immediately binding every
// compatible existing reader while the domain lock is held.
func (d *DomainState) RegisterWriter(key qos.MatchKey, guid wire.GUID, profile *qos.Profile) (*Merger, *BindToken) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	w := &WriterReg{id: d.nextID, GUID: guid, QoS: profile, Merger: &Merger{}}
	t := d.topic(key)
	t.writers = append(t.writers, w)

	for _, rd := range t.readers {
		d.bindLocked(w, rd)
	}

	token := &BindToken{drop: func() { d.dropWriter(key, w) }}
	return w.Merger, token
}

// RegisterReader adds a reader to the bus; bind callbacks for already
// registered compatible writers run synchronously before this returns.
func (d *DomainState) RegisterReader(key qos.MatchKey, reg ReaderReg) *BindToken {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	rd := &reg
	rd.id = d.nextID
	t := d.topic(key)
	t.readers = append(t.readers, rd)

	for _, w := range t.writers {
		d.bindLocked(w, rd)
	}

	return &BindToken{drop: func() { d.dropReader(key, rd) }}
}

// bindLocked applies RxO gating and, on success, attaches the reader to
// the writer's merger.
func (d *DomainState) bindLocked(w *WriterReg, rd *ReaderReg) {
	ok, reason := qos.Match(w.QoS, rd.QoS)
	if !ok {
		log.Debugf("domain %d: intra-process bind rejected (%s): %s x %s", d.id, reason, w.GUID, rd.GUID)
		d.publish(hub.Event{Type: hub.OnIncompatibleQoS, Reason: reasonCode(reason)})
		return
	}
	w.Merger.attach(&readerBinding{id: rd.id, ring: rd.Ring, notify: rd.Notify})
	if rd.OnBind != nil {
		rd.OnBind(w.Merger)
	}
	d.publish(hub.Event{Type: hub.OnMatch, WriterID: w.id, ReaderID: rd.id})
}

func (d *DomainState) dropWriter(key qos.MatchKey, w *WriterReg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.topic(key)
	for i, x := range t.writers {
		if x == w {
			t.writers = append(t.writers[:i], t.writers[i+1:]...)
			break
		}
	}
	for _, rd := range t.readers {
		if ok, _ := qos.Match(w.QoS, rd.QoS); ok {
			d.publish(hub.Event{Type: hub.OnUnmatch, WriterID: w.id, ReaderID: rd.id})
		}
	}
}

func (d *DomainState) dropReader(key qos.MatchKey, rd *ReaderReg) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.topic(key)
	for i, x := range t.readers {
		if x == rd {
			t.readers = append(t.readers[:i], t.readers[i+1:]...)
			break
		}
	}
	for _, w := range t.writers {
		w.Merger.detach(rd.id)
		if ok, _ := qos.Match(w.QoS, rd.QoS); ok {
			d.publish(hub.Event{Type: hub.OnUnmatch, WriterID: w.id, ReaderID: rd.id})
		}
	}
}

// Counts returns the number of registered writers and readers across
// topics.
func (d *DomainState) Counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var w, r int
	for _, t := range d.topics {
		w += len(t.writers)
		r += len(t.readers)
	}
	return w, r
}

func reasonCode(r qos.IncompatibleReason) uint8 {
	switch r {
	case qos.IncompatibleReliability:
		return hub.ReasonReliability
	case qos.IncompatibleDurability:
		return hub.ReasonDurability
	case qos.IncompatibleDeadline:
		return hub.ReasonDeadline
	case qos.IncompatibleLifespan:
		return hub.ReasonLifespan
	case qos.IncompatiblePartition:
		return hub.ReasonPartition
	case qos.IncompatiblePresentation:
		return hub.ReasonPresentation
	case qos.IncompatibleOwnership:
		return hub.ReasonOwnership
	}
	return hub.ReasonUnknown
}
