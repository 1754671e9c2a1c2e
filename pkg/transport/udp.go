package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/hdds-team/hdds-go/pkg/congestion"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

var errClosed = errors.New("channel closed")

// udpMTU is the usable datagram payload over IPv4.
const udpMTU = 65507

// UDPConfig configures one UDP channel.
type UDPConfig struct {
	// Port to bind; 0 picks an ephemeral port.
	Port uint32
	// Interface name to bind multicast on; empty uses the default.
	Interface string
	// MulticastGroup joins the group when non-nil.
	MulticastGroup net.IP
	// TTL presets for this channel's scope.
	TTL TTLConfig
	// Feedback receives send-result classification; optional.
	Feedback *congestion.Feedback
}

// UDPChannel is a UDP unicast (plus optional multicast) link channel.
type UDPChannel struct {
	conn     *net.UDPConn
	pconn    *ipv4.PacketConn
	cfg      UDPConfig
	locators []wire.Locator
}

// NewUDPChannel binds the socket, applies TTLs, and joins the multicast
// group when configured.
func NewUDPChannel(cfg UDPConfig) (*UDPChannel, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.Port)})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", cfg.Port, err)
	}
	c := &UDPChannel{conn: conn, cfg: cfg, pconn: ipv4.NewPacketConn(conn)}

	if err := c.pconn.SetMulticastTTL(int(cfg.TTL.Multicast)); err != nil {
		log.Debugf("transport: set multicast TTL: %s", err)
	}
	if err := c.pconn.SetTTL(int(cfg.TTL.Unicast)); err != nil {
		log.Debugf("transport: set unicast TTL: %s", err)
	}

	if cfg.MulticastGroup != nil {
		var ifi *net.Interface
		if cfg.Interface != "" {
			ifi, err = net.InterfaceByName(cfg.Interface)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("interface %q: %w", cfg.Interface, err)
			}
		}
		if err := c.pconn.JoinGroup(ifi, &net.UDPAddr{IP: cfg.MulticastGroup}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join group %s: %w", cfg.MulticastGroup, err)
		}
		if err := c.pconn.SetMulticastLoopback(true); err != nil {
			log.Debugf("transport: set multicast loopback: %s", err)
		}
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	for _, ip := range localUnicastIPs() {
		c.locators = append(c.locators, wire.NewUDPv4Locator(ip, uint32(local.Port)))
	}
	if len(c.locators) == 0 {
		c.locators = append(c.locators, wire.NewUDPv4Locator(net.IPv4(127, 0, 0, 1), uint32(local.Port)))
	}
	return c, nil
}

// Send implements Channel. Transient errors retry briefly with
// exponential backoff; congestion signals are classified into the
// feedback counters either way.
func (c *UDPChannel) Send(loc wire.Locator, msg []byte) error {
	addr := loc.UDPAddr()
	if addr == nil {
		return fmt.Errorf("locator %s is not UDP-addressable", loc)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxElapsedTime = 50 * time.Millisecond

	err := backoff.Retry(func() error {
		_, err := c.conn.WriteToUDP(msg, addr)
		sig := congestion.SignalSuccess
		if c.cfg.Feedback != nil {
			sig = c.cfg.Feedback.Record(err)
		} else if err != nil {
			sig = congestion.Classify(err)
		}
		if err == nil {
			return nil
		}
		if sig == congestion.SignalTransient {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)
	return err
}

// Recv implements Channel.
func (c *UDPChannel) Recv(buf []byte) (int, wire.Locator, error) {
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, wire.Locator{}, err
	}
	return n, wire.NewUDPv4Locator(addr.IP, uint32(addr.Port)), nil
}

// MTU implements Channel.
func (c *UDPChannel) MTU() int { return udpMTU }

// LocalLocators implements Channel.
func (c *UDPChannel) LocalLocators() []wire.Locator { return c.locators }

// Close implements Channel.
func (c *UDPChannel) Close() error { return c.conn.Close() }

// localUnicastIPs enumerates the host's non-loopback IPv4 addresses.
func localUnicastIPs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if v4 := ipnet.IP.To4(); v4 != nil {
					out = append(out, v4)
				}
			}
		}
	}
	return out
}
