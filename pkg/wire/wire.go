// Package wire implements the RTPS 2.x wire vocabulary shared by the
// discovery, reliability and routing planes: identifiers, locators,
// submessage classification and parameter-list codecs.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// ProtocolVersion is the RTPS protocol version advertised in the header.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// Version23 is the version this implementation speaks by default.
var Version23 = ProtocolVersion{Major: 2, Minor: 3}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// VendorID identifies the implementation of a peer participant.
type VendorID [2]byte

// Well-known vendor ids observed on the wire.
var (
	VendorHDDS     = VendorID{0x01, 0x48}
	VendorEProsima = VendorID{0x01, 0x0F}
	VendorRTI      = VendorID{0x01, 0x01}
	VendorUnknown  = VendorID{0x00, 0x00}
)

// GUIDPrefix is the 12-byte participant prefix shared by all entities of a
// participant.
type GUIDPrefix [12]byte

func (p GUIDPrefix) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether the prefix is the zero sentinel.
func (p GUIDPrefix) IsZero() bool {
	return p == GUIDPrefix{}
}

// EntityID identifies an entity within a participant. The last byte is the
// entity kind.
type EntityID [4]byte

// Built-in entity ids (RTPS 2.x, XTypes 1.3 for the TypeLookup service).
var (
	EntityUnknown            = EntityID{0x00, 0x00, 0x00, 0x00}
	EntityParticipant        = EntityID{0x00, 0x00, 0x01, 0xc1}
	EntitySPDPWriter         = EntityID{0x00, 0x01, 0x00, 0xc2}
	EntitySPDPReader         = EntityID{0x00, 0x01, 0x00, 0xc7}
	EntitySEDPPubWriter      = EntityID{0x00, 0x00, 0x03, 0xc2}
	EntitySEDPPubReader      = EntityID{0x00, 0x00, 0x03, 0xc7}
	EntitySEDPSubWriter      = EntityID{0x00, 0x00, 0x04, 0xc2}
	EntitySEDPSubReader      = EntityID{0x00, 0x00, 0x04, 0xc7}
	EntityMessageWriter      = EntityID{0x00, 0x02, 0x00, 0xc2}
	EntityMessageReader      = EntityID{0x00, 0x02, 0x00, 0xc7}
	EntityTypeLookupReqWriter = EntityID{0x00, 0x03, 0x00, 0xc3}
	EntityTypeLookupReqReader = EntityID{0x00, 0x03, 0x00, 0xc4}
	EntityTypeLookupRepWriter = EntityID{0x00, 0x03, 0x01, 0xc3}
	EntityTypeLookupRepReader = EntityID{0x00, 0x03, 0x01, 0xc4}
)

func (e EntityID) String() string {
	return hex.EncodeToString(e[:])
}

// IsBuiltin reports whether the entity id belongs to a built-in endpoint.
func (e EntityID) IsBuiltin() bool {
	return e[3]&0xc0 == 0xc0
}

// IsWriter reports whether the entity kind denotes a writer.
func (e EntityID) IsWriter() bool {
	kind := e[3] & 0x3f
	return kind == 0x02 || kind == 0x03
}

// GUID is the 16-byte global identifier of a participant or endpoint.
type GUID struct {
	Prefix GUIDPrefix
	Entity EntityID
}

func (g GUID) String() string {
	return g.Prefix.String() + "." + g.Entity.String()
}

// IsZero reports whether the GUID is the zero sentinel.
func (g GUID) IsZero() bool {
	return g.Prefix.IsZero() && g.Entity == EntityUnknown
}

// Bytes returns the 16-byte wire form.
func (g GUID) Bytes() [16]byte {
	var b [16]byte
	copy(b[:12], g.Prefix[:])
	copy(b[12:], g.Entity[:])
	return b
}

// GUIDFromBytes decodes a 16-byte wire GUID.
func GUIDFromBytes(b []byte) (GUID, error) {
	if len(b) < 16 {
		return GUID{}, fmt.Errorf("short GUID: %d bytes", len(b))
	}
	var g GUID
	copy(g.Prefix[:], b[:12])
	copy(g.Entity[:], b[12:16])
	return g, nil
}

// LocatorKind discriminates the transport family of a locator.
type LocatorKind int32

// Locator kinds. SHM is a vendor extension advertised through SEDP
// user_data.
const (
	LocatorInvalid LocatorKind = -1
	LocatorUDPv4   LocatorKind = 1
	LocatorUDPv6   LocatorKind = 2
	LocatorSHM     LocatorKind = 16
)

// Locator is a transport address: kind, port, and a 16-byte address slot.
// UDPv4 addresses occupy the last four bytes, per RTPS convention.
type Locator struct {
	Kind LocatorKind
	Port uint32
	Addr [16]byte
}

// NewUDPv4Locator builds a UDPv4 locator from an IP and port.
func NewUDPv4Locator(ip net.IP, port uint32) Locator {
	loc := Locator{Kind: LocatorUDPv4, Port: port}
	if v4 := ip.To4(); v4 != nil {
		copy(loc.Addr[12:], v4)
	}
	return loc
}

// IP returns the locator address as a net.IP, or nil for non-UDP kinds.
func (l Locator) IP() net.IP {
	switch l.Kind {
	case LocatorUDPv4:
		return net.IPv4(l.Addr[12], l.Addr[13], l.Addr[14], l.Addr[15])
	case LocatorUDPv6:
		ip := make(net.IP, 16)
		copy(ip, l.Addr[:])
		return ip
	}
	return nil
}

func (l Locator) String() string {
	ip := l.IP()
	if ip == nil {
		return fmt.Sprintf("kind%d:%d", l.Kind, l.Port)
	}
	return net.JoinHostPort(ip.String(), fmt.Sprint(l.Port))
}

// UDPAddr converts the locator to a net.UDPAddr, or nil for non-UDP kinds.
func (l Locator) UDPAddr() *net.UDPAddr {
	ip := l.IP()
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: int(l.Port)}
}

// Well-known port mapping parameters (RTPS 2.x Sec. 9.6.1.1).
const (
	portBase      = 7400
	portDomainGain = 250
	portParticipantGain = 2
	portD0        = 0 // metatraffic multicast
	portD1        = 10 // metatraffic unicast
	portD2        = 1 // user multicast
	portD3        = 11 // user unicast
)

// MetatrafficMulticastPort derives the SPDP multicast port for a domain.
func MetatrafficMulticastPort(domainID uint32) uint32 {
	return portBase + portDomainGain*domainID + portD0
}

// MetatrafficUnicastPort derives the metatraffic unicast port for a
// (domain, participant) pair.
func MetatrafficUnicastPort(domainID, participantID uint32) uint32 {
	return portBase + portDomainGain*domainID + portD1 + portParticipantGain*participantID
}

// UserMulticastPort derives the user-traffic multicast port for a domain.
func UserMulticastPort(domainID uint32) uint32 {
	return portBase + portDomainGain*domainID + portD2
}

// UserUnicastPort derives the user-traffic unicast port for a
// (domain, participant) pair.
func UserUnicastPort(domainID, participantID uint32) uint32 {
	return portBase + portDomainGain*domainID + portD3 + portParticipantGain*participantID
}

// DefaultMulticastGroup is the discovery multicast group shared by all
// domains unless overridden.
var DefaultMulticastGroup = net.IPv4(239, 255, 0, 1)

// Timestamp is the RTPS Time_t representation: seconds plus a 2^-32
// fractional part.
type Timestamp struct {
	Seconds  int32
	Fraction uint32
}

// TimestampInvalid is the INFO_TS "invalidate" sentinel.
var TimestampInvalid = Timestamp{Seconds: -1, Fraction: 0xffffffff}

// NewTimestamp converts a time.Time to wire form.
func NewTimestamp(t time.Time) Timestamp {
	ns := uint64(t.Nanosecond())
	return Timestamp{
		Seconds:  int32(t.Unix()),
		Fraction: uint32(ns * (1 << 32) / 1_000_000_000),
	}
}

// Time converts the wire form back to a time.Time.
func (ts Timestamp) Time() time.Time {
	ns := uint64(ts.Fraction) * 1_000_000_000 >> 32
	return time.Unix(int64(ts.Seconds), int64(ns))
}

// byteOrder returns the binary.ByteOrder selected by a submessage's
// endianness flag (bit 0).
func byteOrder(flags uint8) binary.ByteOrder {
	if flags&FlagEndianness != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
