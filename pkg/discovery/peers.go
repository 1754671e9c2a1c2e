// Package discovery owns participant and endpoint discovery: the SPDP
// peer table with lease expiry, the SEDP endpoint table, sticky dialect
// detection, QoS-gated match computation, and TypeLookup.
package discovery

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/dialect"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Peer is one discovered remote participant.
type Peer struct {
	GUID        wire.GUID
	Lease       time.Duration
	Metatraffic []wire.Locator
	Default     []wire.Locator
	Vendor      wire.VendorID
	Version     wire.ProtocolVersion
	Encoder     dialect.Encoder
	FirstSeen   time.Time
}

// peerTable wraps the expiring cache keyed by guid prefix. Lease expiry
// evicts the row and fires the loss callback.
type peerTable struct {
	cache  *gocache.Cache
	mu     sync.Mutex
	onLost func(*Peer)
}

func newPeerTable(sweep time.Duration, onLost func(*Peer)) *peerTable {
	t := &peerTable{
		cache:  gocache.New(gocache.NoExpiration, sweep),
		onLost: onLost,
	}
	t.cache.OnEvicted(func(key string, v interface{}) {
		peer, ok := v.(*Peer)
		if !ok {
			return
		}
		log.Infof("discovery: peer %s lost (lease expired)", peer.GUID)
		if t.onLost != nil {
			t.onLost(peer)
		}
	})
	return t
}

// upsert refreshes or creates a peer row; returns the row and whether
// it is new. Dialect detection is sticky: an existing row keeps its
// encoder.
func (t *peerTable) upsert(p *dialect.ParsedSPDP) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := p.GUID.Prefix.String()
	if v, ok := t.cache.Get(key); ok {
		peer := v.(*Peer)
		peer.Lease = p.Lease
		peer.Metatraffic = p.MetatrafficUnicast
		peer.Default = p.DefaultUnicast
		t.cache.Set(key, peer, p.Lease)
		return peer, false
	}
	peer := &Peer{
		GUID:        p.GUID,
		Lease:       p.Lease,
		Metatraffic: p.MetatrafficUnicast,
		Default:     p.DefaultUnicast,
		Vendor:      p.Vendor,
		Version:     p.Version,
		Encoder: dialect.Detect(dialect.Fingerprint{
			Version: p.Version,
			Vendor:  p.Vendor,
			PIDs:    p.PIDs,
		}),
		FirstSeen: time.Now(),
	}
	t.cache.Set(key, peer, p.Lease)
	return peer, true
}

func (t *peerTable) get(prefix wire.GUIDPrefix) (*Peer, bool) {
	v, ok := t.cache.Get(prefix.String())
	if !ok {
		return nil, false
	}
	return v.(*Peer), true
}

// remove deletes a peer row explicitly (dispose or shutdown); the
// eviction callback fires.
func (t *peerTable) remove(prefix wire.GUIDPrefix) {
	t.cache.Delete(prefix.String())
}

func (t *peerTable) all() []*Peer {
	items := t.cache.Items()
	out := make([]*Peer, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*Peer))
	}
	return out
}

func (t *peerTable) count() int {
	return t.cache.ItemCount()
}
