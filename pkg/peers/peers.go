// Package peers provides the pluggable peer-list producers that feed
// additional unicast SPDP targets into discovery: the static configured
// list and STUN reflexive-address discovery.
package peers

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

// Producer yields unicast SPDP targets. The daemon reads a producer once
// at startup and hands the result to Participant.AddUnicastPeers, which
// sends SPDP to them alongside the multicast group.
type Producer interface {
	Peers() ([]wire.Locator, error)
}

// Static is the fixed peer list from configuration.
type Static struct {
	locators []wire.Locator
}

// NewStatic parses "host:port" entries. Hostnames resolve at
// construction; a bad entry fails the whole list so a typo surfaces at
// startup, not as silent non-discovery.
func NewStatic(entries []string) (*Static, error) {
	s := &Static{}
	for _, entry := range entries {
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", entry, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("peer %q: bad port: %w", entry, err)
		}
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", entry, err)
		}
		added := false
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				s.locators = append(s.locators, wire.NewUDPv4Locator(v4, uint32(port)))
				added = true
				break
			}
		}
		if !added {
			return nil, fmt.Errorf("peer %q: no IPv4 address", entry)
		}
	}
	return s, nil
}

// Peers implements Producer.
func (s *Static) Peers() ([]wire.Locator, error) {
	return s.locators, nil
}
