package peers

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

// RFC 5389 constants for the binding exchange.
const (
	stunBindingRequest  uint16 = 0x0001
	stunBindingSuccess  uint16 = 0x0101
	stunMagicCookie     uint32 = 0x2112a442
	stunAttrMappedAddr  uint16 = 0x0001
	stunAttrXORMapped   uint16 = 0x0020
	stunHeaderLen              = 20
)

// StunClient discovers the participant's server-reflexive address so a
// NATed participant can advertise a public locator.
type StunClient struct {
	server     string
	timeout    time.Duration
	maxRetries int
	lastTxID   [12]byte
}

// NewStunClient points at a STUN server ("host:port").
func NewStunClient(server string, timeout time.Duration, maxRetries int) *StunClient {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &StunClient{server: server, timeout: timeout, maxRetries: maxRetries}
}

// BuildBindingRequest produces a binding request with a fresh
// transaction id.
func (c *StunClient) BuildBindingRequest() []byte {
	buf := make([]byte, stunHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(buf[4:8], stunMagicCookie)
	rand.Read(c.lastTxID[:])
	copy(buf[8:20], c.lastTxID[:])
	return buf
}

// ParseBindingResponse validates the transaction and extracts the
// reflexive address from XOR-MAPPED-ADDRESS (or the legacy
// MAPPED-ADDRESS fallback).
func (c *StunClient) ParseBindingResponse(resp []byte) (net.IP, uint16, error) {
	if len(resp) < stunHeaderLen {
		return nil, 0, fmt.Errorf("short STUN response: %d bytes", len(resp))
	}
	if binary.BigEndian.Uint16(resp[0:2]) != stunBindingSuccess {
		return nil, 0, fmt.Errorf("STUN response type 0x%04x is not binding success", binary.BigEndian.Uint16(resp[0:2]))
	}
	if binary.BigEndian.Uint32(resp[4:8]) != stunMagicCookie {
		return nil, 0, fmt.Errorf("bad STUN magic cookie")
	}
	var tx [12]byte
	copy(tx[:], resp[8:20])
	if tx != c.lastTxID {
		return nil, 0, fmt.Errorf("STUN transaction id mismatch")
	}

	msgLen := int(binary.BigEndian.Uint16(resp[2:4]))
	end := stunHeaderLen + msgLen
	if end > len(resp) {
		end = len(resp)
	}
	off := stunHeaderLen
	for off+4 <= end {
		attrType := binary.BigEndian.Uint16(resp[off : off+2])
		attrLen := int(binary.BigEndian.Uint16(resp[off+2 : off+4]))
		val := resp[off+4 : min(off+4+attrLen, end)]
		switch attrType {
		case stunAttrXORMapped:
			return decodeXORAddress(val)
		case stunAttrMappedAddr:
			if len(val) >= 8 && val[1] == 0x01 {
				port := binary.BigEndian.Uint16(val[2:4])
				return net.IPv4(val[4], val[5], val[6], val[7]), port, nil
			}
		}
		off += 4 + (attrLen+3)&^3
	}
	return nil, 0, fmt.Errorf("no mapped address attribute")
}

func decodeXORAddress(val []byte) (net.IP, uint16, error) {
	if len(val) < 8 {
		return nil, 0, fmt.Errorf("short XOR-MAPPED-ADDRESS")
	}
	if val[1] != 0x01 {
		return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS family 0x%02x unsupported", val[1])
	}
	port := binary.BigEndian.Uint16(val[2:4]) ^ uint16(stunMagicCookie>>16)
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], binary.BigEndian.Uint32(val[4:8])^stunMagicCookie)
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]), port, nil
}

// Discover performs the binding exchange and returns the reflexive
// locator to advertise.
func (c *StunClient) Discover() (wire.Locator, error) {
	conn, err := net.Dial("udp4", c.server)
	if err != nil {
		return wire.Locator{}, fmt.Errorf("stun dial %s: %w", c.server, err)
	}
	defer conn.Close()

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		req := c.BuildBindingRequest()
		if _, err := conn.Write(req); err != nil {
			lastErr = err
			continue
		}
		conn.SetReadDeadline(time.Now().Add(c.timeout))
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		ip, port, err := c.ParseBindingResponse(buf[:n])
		if err != nil {
			lastErr = err
			continue
		}
		log.Infof("stun: reflexive address %s:%d via %s", ip, port, c.server)
		return wire.NewUDPv4Locator(ip, uint32(port)), nil
	}
	return wire.Locator{}, fmt.Errorf("stun discovery failed after %d attempts: %w", c.maxRetries, lastErr)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
