package discovery

import (
	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Endpoint is one row of the endpoint table, local or remote. ID is the
// stable arena id used in hub events.
type Endpoint struct {
	ID          uint16
	GUID        wire.GUID
	Participant wire.GUID
	Kind        dialect.EndpointKind
	Topic       string
	TypeName    string
	Key         qos.MatchKey
	QoS         qos.Profile
	Locators    []wire.Locator
	TypeObject  []byte
	Local       bool
}

type matchPair struct {
	writer wire.GUID
	reader wire.GUID
}

// MatchObserver is notified when a (writer, reader) match forms or
// dissolves; the participant wires reliability and routing off it.
type MatchObserver func(writer, reader *Endpoint, matched bool)

// upsertEndpointLocked inserts or updates a row; must hold f.mu.
func (f *FSM) upsertEndpointLocked(e *Endpoint) *Endpoint {
	if existing, ok := f.endpoints[e.GUID]; ok {
		existing.Topic = e.Topic
		existing.TypeName = e.TypeName
		existing.Key = e.Key
		existing.QoS = e.QoS
		existing.Locators = e.Locators
		if len(e.TypeObject) > 0 {
			existing.TypeObject = e.TypeObject
		}
		return existing
	}
	f.nextID++
	e.ID = f.nextID
	f.endpoints[e.GUID] = e
	return e
}

// recomputeMatchesLocked re-evaluates every writer x reader pair in one
// MatchKey bucket and publishes the transitions. Must hold f.mu.
func (f *FSM) recomputeMatchesLocked(key qos.MatchKey) {
	var writers, readers []*Endpoint
	for _, e := range f.endpoints {
		if e.Key != key {
			continue
		}
		if e.Kind == dialect.WriterEndpoint {
			writers = append(writers, e)
		} else {
			readers = append(readers, e)
		}
	}

	seen := make(map[matchPair]bool)
	for _, w := range writers {
		for _, r := range readers {
			// Matches involving two remote endpoints are the remote
			// participants' business; two local endpoints bind through
			// the intra-process registry instead.
			if w.Local == r.Local {
				continue
			}
			pair := matchPair{writer: w.GUID, reader: r.GUID}
			ok, reason := qos.Match(&w.QoS, &r.QoS)
			if ok && f.typeLookup != nil && !f.typeLookup.admit(w, r) {
				// Waiting on type discovery; re-evaluated when the
				// response patches the row.
				continue
			}
			if ok {
				seen[pair] = true
				if !f.matches[pair] {
					f.matches[pair] = true
					f.publish(hub.Event{Type: hub.OnMatch, WriterID: w.ID, ReaderID: r.ID})
					f.notifyObservers(w, r, true)
				}
			} else if f.matches[pair] {
				// QoS change broke an existing match.
				delete(f.matches, pair)
				f.publish(hub.Event{Type: hub.OnUnmatch, WriterID: w.ID, ReaderID: r.ID})
				f.notifyObservers(w, r, false)
			} else {
				f.publish(hub.Event{Type: hub.OnIncompatibleQoS, Reason: reasonCode(reason)})
			}
		}
	}

	// Matches whose endpoints left the bucket dissolve.
	for pair := range f.matches {
		w, wok := f.endpoints[pair.writer]
		r, rok := f.endpoints[pair.reader]
		if wok && rok && w.Key == key && r.Key == key && !seen[pair] {
			delete(f.matches, pair)
			f.publish(hub.Event{Type: hub.OnUnmatch, WriterID: w.ID, ReaderID: r.ID})
			f.notifyObservers(w, r, false)
		}
	}
}

// removeEndpointLocked drops a row and dissolves its matches. Must hold
// f.mu.
func (f *FSM) removeEndpointLocked(guid wire.GUID) {
	e, ok := f.endpoints[guid]
	if !ok {
		return
	}
	delete(f.endpoints, guid)
	for pair := range f.matches {
		if pair.writer != guid && pair.reader != guid {
			continue
		}
		delete(f.matches, pair)
		var w, r *Endpoint
		if pair.writer == guid {
			w = e
			r = f.endpoints[pair.reader]
		} else {
			w = f.endpoints[pair.writer]
			r = e
		}
		if w != nil && r != nil {
			f.publish(hub.Event{Type: hub.OnUnmatch, WriterID: w.ID, ReaderID: r.ID})
			f.notifyObservers(w, r, false)
		}
	}
}

// MatchedReaders returns the remote readers currently matched to a
// local writer.
func (f *FSM) MatchedReaders(writer wire.GUID) []*Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Endpoint
	for pair := range f.matches {
		if pair.writer == writer {
			if r, ok := f.endpoints[pair.reader]; ok && !r.Local {
				out = append(out, r)
			}
		}
	}
	return out
}

// MatchedWriters returns the remote writers currently matched to a
// local reader.
func (f *FSM) MatchedWriters(reader wire.GUID) []*Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Endpoint
	for pair := range f.matches {
		if pair.reader == reader {
			if w, ok := f.endpoints[pair.writer]; ok && !w.Local {
				out = append(out, w)
			}
		}
	}
	return out
}

// Endpoint returns the row for a GUID.
func (f *FSM) Endpoint(guid wire.GUID) (*Endpoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.endpoints[guid]
	return e, ok
}

// EndpointCount returns the endpoint table size.
func (f *FSM) EndpointCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.endpoints)
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
