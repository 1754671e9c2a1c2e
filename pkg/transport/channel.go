// Package transport provides the byte-oriented link channels under the
// data plane: UDP unicast/multicast with scope-preset TTLs, and the
// optional low-bandwidth framing for lossy short-range links. Channels
// carry opaque RTPS messages; nothing here parses them.
package transport

import (
	"sync"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Channel is one byte-oriented link with a known MTU. Recv blocks until
// data arrives or the channel closes.
type Channel interface {
	Send(loc wire.Locator, msg []byte) error
	Recv(buf []byte) (int, wire.Locator, error)
	MTU() int
	LocalLocators() []wire.Locator
	Close() error
}

// Loopback is an in-process channel pair used by tests and the
// intra-host fast path: what one side sends, the other receives.
type Loopback struct {
	mu     sync.Mutex
	peer   *Loopback
	queue  chan []byte
	closed bool
	local  wire.Locator
	// DropEvery drops every Nth message when > 0, for loss injection.
	DropEvery int
	sent      int
}

// NewLoopbackPair returns two connected loopback channels.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{queue: make(chan []byte, 1024), local: wire.NewUDPv4Locator([]byte{127, 0, 0, 1}, 1)}
	b := &Loopback{queue: make(chan []byte, 1024), local: wire.NewUDPv4Locator([]byte{127, 0, 0, 1}, 2)}
	a.peer = b
	b.peer = a
	return a, b
}

// Send implements Channel.
func (l *Loopback) Send(_ wire.Locator, msg []byte) error {
	l.mu.Lock()
	l.sent++
	drop := l.DropEvery > 0 && l.sent%l.DropEvery == 0
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errClosed
	}
	if drop {
		return nil
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)

	p := l.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	select {
	case p.queue <- cp:
	default:
		// Full peer queue behaves like a saturated link.
	}
	return nil
}

// Recv implements Channel.
func (l *Loopback) Recv(buf []byte) (int, wire.Locator, error) {
	msg, ok := <-l.queue
	if !ok {
		return 0, wire.Locator{}, errClosed
	}
	n := copy(buf, msg)
	return n, l.peer.local, nil
}

// MTU implements Channel.
func (l *Loopback) MTU() int { return 65507 }

// LocalLocators implements Channel.
func (l *Loopback) LocalLocators() []wire.Locator { return []wire.Locator{l.local} }

// Close implements Channel.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	return nil
}
