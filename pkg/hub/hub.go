// Package hub fans out system-level events (match changes, QoS
// incompatibility, stalls) to subscriber rings. Events are encoded into
// index entries so subscribers share the data plane's ring vocabulary.
package hub

import (
	"sync"

	"github.com/hdds-team/hdds-go/pkg/ring"
	"github.com/hdds-team/hdds-go/pkg/slab"
)

// EventType discriminates the event union.
type EventType uint32

// Event types.
const (
	OnMatch EventType = iota
	OnUnmatch
	OnIncompatibleQoS
	SystemStall
)

// Incompatible-QoS reasons.
const (
	ReasonReliability uint8 = iota
	ReasonDurability
	ReasonDeadline
	ReasonLifespan
	ReasonPartition
	ReasonPresentation
	ReasonOwnership
	ReasonUnknown uint8 = 0xff
)

// Event is one system event. WriterID and ReaderID are the stable
// endpoint arena ids assigned at registration, not GUIDs.
type Event struct {
	Type     EventType
	WriterID uint16
	ReaderID uint16
	Reason   uint8
}

// Encode packs an event into an index entry: Seq carries the type, the
// slab handle field carries writer/reason and reader ids, and the event
// flag marks the entry as non-data.
func Encode(ev Event) ring.Entry {
	var payload uint32
	switch ev.Type {
	case OnMatch, OnUnmatch:
		payload = uint32(ev.WriterID)<<16 | uint32(ev.ReaderID)
	case OnIncompatibleQoS:
		payload = uint32(ev.Reason) << 16
	}
	return ring.Entry{
		Seq:   uint32(ev.Type),
		Slab:  slab.Handle(payload),
		Flags: ring.FlagEvent,
	}
}

// Decode restores the event from an index entry produced by Encode.
func Decode(e ring.Entry) Event {
	hi := uint32(e.Slab) >> 16
	lo := uint32(e.Slab) & 0xffff
	switch EventType(e.Seq) {
	case OnMatch:
		return Event{Type: OnMatch, WriterID: uint16(hi), ReaderID: uint16(lo)}
	case OnUnmatch:
		return Event{Type: OnUnmatch, WriterID: uint16(hi), ReaderID: uint16(lo)}
	case OnIncompatibleQoS:
		return Event{Type: OnIncompatibleQoS, Reason: uint8(hi)}
	}
	return Event{Type: SystemStall}
}

// Hub broadcasts events to every subscriber ring. Publish is non-blocking
// and lossy per subscriber: a full ring drops the event for that
// subscriber only.
type Hub struct {
	mu   sync.RWMutex
	subs []*ring.Ring
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{}
}

// Subscribe registers a new subscriber and returns its dedicated ring.
// Subscribers should pop frequently; a full ring loses events.
func (h *Hub) Subscribe(capacity int) *ring.Ring {
	r := ring.New(capacity)
	h.mu.Lock()
	h.subs = append(h.subs, r)
	h.mu.Unlock()
	return r
}

// Publish broadcasts ev to all subscribers.
func (h *Hub) Publish(ev Event) {
	entry := Encode(ev)
	// Exclusive lock: each subscriber ring accepts one pusher at a time.
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.subs {
		r.Push(entry)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
