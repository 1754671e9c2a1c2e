package discovery

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/hub"
	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Config tunes the discovery state machines.
type Config struct {
	// Lease advertised in our own SPDP announcements.
	Lease time.Duration
	// AnnouncePeriod is the SPDP broadcast cadence.
	AnnouncePeriod time.Duration
	// LeaseSweep is the peer table GC interval.
	LeaseSweep time.Duration
	// EnableTypeLookup turns on XTypes type discovery for endpoints
	// announced without a complete TypeObject.
	EnableTypeLookup bool
}

// DefaultConfig returns the discovery defaults.
func DefaultConfig() Config {
	return Config{
		Lease:          20 * time.Second,
		AnnouncePeriod: 3 * time.Second,
		LeaseSweep:     time.Second,
	}
}

// Sender transmits an already-built RTPS message toward a locator. The
// transport layer provides it; discovery never touches sockets.
type Sender func(loc wire.Locator, msg []byte)

// FSM is the discovery engine for one participant.
type FSM struct {
	cfg       Config
	self      dialect.SPDPData
	enc       dialect.Encoder
	events    *hub.Hub
	send      Sender
	peers     *peerTable
	typeLookup *typeLookup

	builtinSeq atomic.Int64

	mu        sync.RWMutex
	endpoints map[wire.GUID]*Endpoint
	matches   map[matchPair]bool
	nextID    uint16
	observers []MatchObserver
	onPeer    []func(*Peer, bool)
}

// New builds the FSM. self describes the local participant; enc is the
// native outbound encoder used until a peer's dialect is detected.
func New(cfg Config, self dialect.SPDPData, enc dialect.Encoder, events *hub.Hub, send Sender) *FSM {
	f := &FSM{
		cfg:       cfg,
		self:      self,
		enc:       enc,
		events:    events,
		send:      send,
		endpoints: make(map[wire.GUID]*Endpoint),
		matches:   make(map[matchPair]bool),
	}
	f.peers = newPeerTable(cfg.LeaseSweep, f.onPeerLost)
	if cfg.EnableTypeLookup {
		f.typeLookup = newTypeLookup(f)
	}
	return f
}

func (f *FSM) publish(ev hub.Event) {
	if f.events != nil {
		f.events.Publish(ev)
	}
}

// Observe registers a match observer.
func (f *FSM) Observe(obs MatchObserver) {
	f.mu.Lock()
	f.observers = append(f.observers, obs)
	f.mu.Unlock()
}

// ObservePeers registers a callback fired on peer arrival (added=true)
// and loss.
func (f *FSM) ObservePeers(fn func(p *Peer, added bool)) {
	f.mu.Lock()
	f.onPeer = append(f.onPeer, fn)
	f.mu.Unlock()
}

func (f *FSM) notifyObservers(w, r *Endpoint, matched bool) {
	for _, obs := range f.observers {
		obs(w, r, matched)
	}
}

// Announcement returns the SPDP payload for the local participant in
// the native dialect.
func (f *FSM) Announcement() []byte {
	return f.enc.BuildSPDP(&f.self)
}

// OnSPDP ingests a remote participant announcement.
func (f *FSM) OnSPDP(payload []byte) error {
	parsed, err := dialect.ParseSPDP(payload)
	if err != nil {
		return err
	}
	if parsed.GUID.Prefix == f.self.GUID.Prefix {
		return nil // our own multicast loopback
	}
	peer, isNew := f.peers.upsert(parsed)
	if !isNew {
		return nil
	}
	log.Infof("discovery: new peer %s (vendor %02x%02x, dialect %s)",
		peer.GUID, peer.Vendor[0], peer.Vendor[1], peer.Encoder.Name())

	// Flush cached local endpoint announcements straight to the new
	// peer's metatraffic locator; SEDP multicast alone is best-effort.
	f.flushEndpointsTo(peer)

	f.mu.RLock()
	callbacks := append([]func(*Peer, bool){}, f.onPeer...)
	f.mu.RUnlock()
	for _, fn := range callbacks {
		fn(peer, true)
	}
	return nil
}

func (f *FSM) onPeerLost(peer *Peer) {
	f.mu.Lock()
	var stale []wire.GUID
	for guid, e := range f.endpoints {
		if !e.Local && e.GUID.Prefix == peer.GUID.Prefix {
			stale = append(stale, guid)
		}
	}
	for _, guid := range stale {
		f.removeEndpointLocked(guid)
	}
	f.mu.Unlock()

	f.mu.RLock()
	callbacks := append([]func(*Peer, bool){}, f.onPeer...)
	f.mu.RUnlock()
	for _, fn := range callbacks {
		fn(peer, false)
	}
}

// RemovePeer handles an explicit participant dispose.
func (f *FSM) RemovePeer(prefix wire.GUIDPrefix) {
	f.peers.remove(prefix)
}

// Peers returns the live peer rows.
func (f *FSM) Peers() []*Peer {
	return f.peers.all()
}

// PeerCount returns the live peer count.
func (f *FSM) PeerCount() int {
	return f.peers.count()
}

// Peer looks up a peer by prefix.
func (f *FSM) Peer(prefix wire.GUIDPrefix) (*Peer, bool) {
	return f.peers.get(prefix)
}

// OnSEDP ingests a remote endpoint announcement. kind is derived from
// the built-in writer entity that carried it.
func (f *FSM) OnSEDP(payload []byte, kind dialect.EndpointKind) error {
	parsed, err := dialect.ParseSEDP(payload)
	if err != nil {
		return err
	}
	if parsed.Endpoint.Prefix == f.self.GUID.Prefix {
		return nil
	}
	if parsed.Disposed {
		f.mu.Lock()
		f.removeEndpointLocked(parsed.Endpoint)
		f.mu.Unlock()
		return nil
	}

	e := &Endpoint{
		GUID:        parsed.Endpoint,
		Participant: parsed.Participant,
		Kind:        kind,
		Topic:       parsed.Topic,
		TypeName:    parsed.TypeName,
		Key:         qos.NewMatchKey(parsed.Topic, parsed.TypeName),
		QoS:         parsed.QoS,
		Locators:    parsed.Unicast,
		TypeObject:  parsed.TypeObject,
	}

	f.mu.Lock()
	row := f.upsertEndpointLocked(e)
	f.recomputeMatchesLocked(row.Key)
	f.mu.Unlock()

	if f.typeLookup != nil && len(row.TypeObject) == 0 {
		f.typeLookup.request(row)
	}
	return nil
}

// RegisterLocal adds a local endpoint to the table, announces it to
// every known peer, and computes its matches (remote rows only;
// intra-process binds go through the domain registry).
func (f *FSM) RegisterLocal(e *Endpoint) *Endpoint {
	e.Local = true
	e.Key = qos.NewMatchKey(e.Topic, e.TypeName)

	f.mu.Lock()
	row := f.upsertEndpointLocked(e)
	f.recomputeMatchesLocked(row.Key)
	f.mu.Unlock()

	for _, peer := range f.peers.all() {
		f.announceEndpointTo(row, peer)
	}
	return row
}

// UnregisterLocal removes a local endpoint and dissolves its matches.
func (f *FSM) UnregisterLocal(guid wire.GUID) {
	f.mu.Lock()
	f.removeEndpointLocked(guid)
	f.mu.Unlock()
}

// flushEndpointsTo re-sends every cached local announcement to one
// peer.
func (f *FSM) flushEndpointsTo(peer *Peer) {
	f.mu.RLock()
	var locals []*Endpoint
	for _, e := range f.endpoints {
		if e.Local {
			locals = append(locals, e)
		}
	}
	f.mu.RUnlock()
	for _, e := range locals {
		f.announceEndpointTo(e, peer)
	}
}

// announceEndpointTo builds the SEDP message in the peer's dialect and
// sends it to its metatraffic locator.
func (f *FSM) announceEndpointTo(e *Endpoint, peer *Peer) {
	if f.send == nil || len(peer.Metatraffic) == 0 {
		return
	}
	enc := peer.Encoder
	if enc == nil {
		enc = f.enc
	}
	data := &dialect.SEDPData{
		Endpoint:    e.GUID,
		Participant: f.self.GUID,
		Kind:        e.Kind,
		Topic:       e.Topic,
		TypeName:    e.TypeName,
		Unicast:     f.self.DefaultUnicast,
		QoS:         &e.QoS,
	}
	if enc.RequiresTypeObject() || len(e.TypeObject) > 0 {
		data.TypeObject = e.TypeObject
	}
	sedpWriter := wire.EntitySEDPPubWriter
	if e.Kind == dialect.ReaderEndpoint {
		sedpWriter = wire.EntitySEDPSubWriter
	}
	payload := enc.BuildSEDP(data)
	sub := enc.BuildData(wire.EntityUnknown, sedpWriter, f.nextBuiltinSeq(), nil, payload)
	msg := dialect.BuildMessage(enc, f.self.GUID.Prefix, sub)
	f.send(peer.Metatraffic[0], msg)
}

// nextBuiltinSeq advances the participant's built-in writer sequence
// counter.
func (f *FSM) nextBuiltinSeq() int64 {
	return f.builtinSeq.Add(1)
}
