package discovery

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// typeLookup implements XTypes type discovery for endpoints announced
// with only a TypeIdentifier. When strict matching is off (the
// default), endpoints match on name equality alone and lookups enrich
// rows in the background; when on, matches wait for the TypeObject.
type typeLookup struct {
	f      *FSM
	strict bool

	mu      sync.Mutex
	pending map[wire.GUID]time.Time
}

func newTypeLookup(f *FSM) *typeLookup {
	return &typeLookup{f: f, pending: make(map[wire.GUID]time.Time)}
}

// admit decides whether a QoS-compatible pair may match now. Called
// with f.mu held.
func (t *typeLookup) admit(w, r *Endpoint) bool {
	if !t.strict {
		return true
	}
	for _, e := range []*Endpoint{w, r} {
		if !e.Local && len(e.TypeObject) == 0 {
			return false
		}
	}
	return true
}

// request issues a TypeLookup REQUEST to the endpoint's participant.
func (t *typeLookup) request(e *Endpoint) {
	peer, ok := t.f.peers.get(e.GUID.Prefix)
	if !ok || t.f.send == nil || len(peer.Metatraffic) == 0 {
		return
	}
	t.mu.Lock()
	if _, inflight := t.pending[e.GUID]; inflight {
		t.mu.Unlock()
		return
	}
	t.pending[e.GUID] = time.Now()
	t.mu.Unlock()

	payload := encodeTypeLookupRequest(e.GUID)
	enc := peer.Encoder
	sub := enc.BuildData(wire.EntityTypeLookupReqReader, wire.EntityTypeLookupReqWriter, t.f.nextBuiltinSeq(), nil, payload)
	msg := dialect.BuildMessage(enc, t.f.self.GUID.Prefix, sub)
	t.f.send(peer.Metatraffic[0], msg)
	log.Debugf("discovery: TypeLookup request for %s", e.GUID)
}

// OnTypeLookupRequest answers a peer's request for one of our local
// endpoints' TypeObject.
func (f *FSM) OnTypeLookupRequest(peerPrefix wire.GUIDPrefix, payload []byte) error {
	guid, err := decodeTypeLookupRequest(payload)
	if err != nil {
		return err
	}
	f.mu.RLock()
	e, ok := f.endpoints[guid]
	var typeObject []byte
	if ok && e.Local {
		typeObject = e.TypeObject
	}
	f.mu.RUnlock()
	if !ok || len(typeObject) == 0 {
		return nil // nothing to serve; the peer falls back to name matching
	}

	peer, ok := f.peers.get(peerPrefix)
	if !ok || f.send == nil || len(peer.Metatraffic) == 0 {
		return nil
	}
	resp := encodeTypeLookupResponse(guid, typeObject)
	enc := peer.Encoder
	sub := enc.BuildData(wire.EntityTypeLookupRepReader, wire.EntityTypeLookupRepWriter, f.nextBuiltinSeq(), nil, resp)
	f.send(peer.Metatraffic[0], dialect.BuildMessage(enc, f.self.GUID.Prefix, sub))
	return nil
}

// OnTypeLookupResponse patches the endpoint row with the received
// TypeObject and re-evaluates its matches.
func (f *FSM) OnTypeLookupResponse(payload []byte) error {
	guid, typeObject, err := decodeTypeLookupResponse(payload)
	if err != nil {
		return err
	}
	if f.typeLookup != nil {
		f.typeLookup.mu.Lock()
		delete(f.typeLookup.pending, guid)
		f.typeLookup.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.endpoints[guid]
	if !ok {
		return nil
	}
	e.TypeObject = typeObject
	f.recomputeMatchesLocked(e.Key)
	return nil
}

// SetStrictTypeMatching switches between "match on name equality" and
// "delay match until TypeLookup succeeds".
func (f *FSM) SetStrictTypeMatching(strict bool) {
	if f.typeLookup != nil {
		f.typeLookup.strict = strict
	}
}

var encapCDRLE = []byte{0x00, 0x01, 0x00, 0x00}

func encodeTypeLookupRequest(guid wire.GUID) []byte {
	buf := append([]byte{}, encapCDRLE...)
	g := guid.Bytes()
	return append(buf, g[:]...)
}

func decodeTypeLookupRequest(payload []byte) (wire.GUID, error) {
	if len(payload) < 20 {
		return wire.GUID{}, fmt.Errorf("short TypeLookup request: %d bytes", len(payload))
	}
	return wire.GUIDFromBytes(payload[4:20])
}

func encodeTypeLookupResponse(guid wire.GUID, typeObject []byte) []byte {
	buf := append([]byte{}, encapCDRLE...)
	g := guid.Bytes()
	buf = append(buf, g[:]...)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(typeObject)))
	buf = append(buf, n[:]...)
	return append(buf, typeObject...)
}

func decodeTypeLookupResponse(payload []byte) (wire.GUID, []byte, error) {
	if len(payload) < 24 {
		return wire.GUID{}, nil, fmt.Errorf("short TypeLookup response: %d bytes", len(payload))
	}
	guid, err := wire.GUIDFromBytes(payload[4:20])
	if err != nil {
		return wire.GUID{}, nil, err
	}
	n := int(binary.LittleEndian.Uint32(payload[20:24]))
	if 24+n > len(payload) {
		return wire.GUID{}, nil, fmt.Errorf("TypeLookup response truncated")
	}
	return guid, payload[24 : 24+n], nil
}
