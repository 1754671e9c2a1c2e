package wire

import (
	"encoding/binary"
	"fmt"
)

// ParameterID identifies one entry of an SPDP/SEDP/inline-QoS parameter
// list.
type ParameterID uint16

// Parameter ids used by discovery and inline QoS (RTPS 2.x Sec. 9.6.2,
// XTypes 1.3 Sec. 7.6.3).
const (
	PIDPad                        ParameterID = 0x0000
	PIDSentinel                   ParameterID = 0x0001
	PIDParticipantLeaseDuration   ParameterID = 0x0002
	PIDTimeBasedFilter            ParameterID = 0x0004
	PIDTopicName                  ParameterID = 0x0005
	PIDTypeName                   ParameterID = 0x0007
	PIDDomainID                   ParameterID = 0x000f
	PIDProtocolVersion            ParameterID = 0x0015
	PIDVendorID                   ParameterID = 0x0016
	PIDReliability                ParameterID = 0x001a
	PIDLiveliness                 ParameterID = 0x001b
	PIDDurability                 ParameterID = 0x001d
	PIDOwnership                  ParameterID = 0x001f
	PIDPresentation               ParameterID = 0x0021
	PIDDeadline                   ParameterID = 0x0023
	PIDDestinationOrder           ParameterID = 0x0025
	PIDLatencyBudget              ParameterID = 0x0027
	PIDPartition                  ParameterID = 0x0029
	PIDLifespan                   ParameterID = 0x002b
	PIDUserData                   ParameterID = 0x002c
	PIDGroupData                  ParameterID = 0x002d
	PIDTopicData                  ParameterID = 0x002e
	PIDUnicastLocator             ParameterID = 0x002f
	PIDMulticastLocator           ParameterID = 0x0030
	PIDDefaultUnicastLocator      ParameterID = 0x0031
	PIDMetatrafficUnicastLocator  ParameterID = 0x0032
	PIDMetatrafficMulticastLocator ParameterID = 0x0033
	PIDHistory                    ParameterID = 0x0040
	PIDResourceLimits             ParameterID = 0x0041
	PIDExpectsInlineQoS           ParameterID = 0x0043
	PIDDefaultMulticastLocator    ParameterID = 0x0048
	PIDTransportPriority          ParameterID = 0x0049
	PIDParticipantGUID            ParameterID = 0x0050
	PIDBuiltinEndpointSet         ParameterID = 0x0058
	PIDPropertyList               ParameterID = 0x0059
	PIDEndpointGUID               ParameterID = 0x005a
	PIDKeyHash                    ParameterID = 0x0070
	PIDStatusInfo                 ParameterID = 0x0071
	PIDTypeObject                 ParameterID = 0x0072
	PIDTypeInformation            ParameterID = 0x0075

	// Sentinel variants observed from other vendors; the reader is
	// liberal and accepts all of them.
	PIDSentinelVendorA ParameterID = 0x3fff
	PIDSentinelVendorB ParameterID = 0x4001
)

// IsSentinel reports whether pid terminates a parameter list. The set is
// deliberately liberal; interoperating stacks emit several variants.
func (p ParameterID) IsSentinel() bool {
	switch p {
	case PIDSentinel, PIDSentinelVendorA, PIDSentinelVendorB:
		return true
	}
	return false
}

// Parameter is one decoded parameter-list entry. Value aliases the input
// buffer.
type Parameter struct {
	ID    ParameterID
	Value []byte
}

// ParameterList is the decoded form of an SPDP/SEDP/inline-QoS list.
type ParameterList []Parameter

// Lookup returns the first parameter with the given id.
func (pl ParameterList) Lookup(id ParameterID) ([]byte, bool) {
	for _, p := range pl {
		if p.ID == id {
			return p.Value, true
		}
	}
	return nil, false
}

// LookupAll returns every parameter with the given id, preserving order.
func (pl ParameterList) LookupAll(id ParameterID) [][]byte {
	var out [][]byte
	for _, p := range pl {
		if p.ID == id {
			out = append(out, p.Value)
		}
	}
	return out
}

// IDs returns the set of parameter ids present, for dialect
// fingerprinting.
func (pl ParameterList) IDs() map[ParameterID]struct{} {
	ids := make(map[ParameterID]struct{}, len(pl))
	for _, p := range pl {
		ids[p.ID] = struct{}{}
	}
	return ids
}

// ParseParameterList decodes a parameter list starting at off, stopping at
// the first sentinel. Unknown pids are kept (callers skip what they do not
// understand); a missing sentinel or a truncated entry is an error.
func ParseParameterList(buf []byte, off int, bo binary.ByteOrder) (ParameterList, int, error) {
	var pl ParameterList
	for {
		if off+4 > len(buf) {
			return nil, off, fmt.Errorf("parameter list truncated at %d", off)
		}
		pid := ParameterID(bo.Uint16(buf[off : off+2]))
		plen := int(bo.Uint16(buf[off+2 : off+4]))
		off += 4
		if pid.IsSentinel() {
			return pl, off, nil
		}
		if off+plen > len(buf) {
			return nil, off, fmt.Errorf("parameter 0x%04x overruns buffer", uint16(pid))
		}
		pl = append(pl, Parameter{ID: pid, Value: buf[off : off+plen]})
		// Lengths are already 4-aligned on the wire.
		off += plen
	}
}

// SkipParameterList advances past a parameter list without decoding it and
// returns the offset just after the sentinel.
func SkipParameterList(buf []byte, off int, bo binary.ByteOrder) (int, error) {
	for {
		if off+4 > len(buf) {
			return off, fmt.Errorf("parameter list truncated at %d", off)
		}
		pid := ParameterID(bo.Uint16(buf[off : off+2]))
		plen := int(bo.Uint16(buf[off+2 : off+4]))
		off += 4
		if pid.IsSentinel() {
			return off, nil
		}
		off += plen
		if off > len(buf) {
			return off, fmt.Errorf("parameter 0x%04x overruns buffer", uint16(pid))
		}
	}
}

// ParameterListWriter builds a little-endian parameter list. Values are
// padded to 4-byte alignment as required on the wire.
type ParameterListWriter struct {
	buf []byte
}

// Add appends one parameter.
func (w *ParameterListWriter) Add(id ParameterID, value []byte) {
	padded := (len(value) + 3) &^ 3
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[:2], uint16(id))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(padded))
	w.buf = append(w.buf, hdr[:]...)
	w.buf = append(w.buf, value...)
	for i := len(value); i < padded; i++ {
		w.buf = append(w.buf, 0)
	}
}

// AddString appends a CDR string parameter (length-prefixed, NUL
// terminated).
func (w *ParameterListWriter) AddString(id ParameterID, s string) {
	v := make([]byte, 4+len(s)+1)
	binary.LittleEndian.PutUint32(v, uint32(len(s)+1))
	copy(v[4:], s)
	w.Add(id, v)
}

// AddUint32 appends a 4-byte little-endian parameter.
func (w *ParameterListWriter) AddUint32(id ParameterID, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Add(id, b[:])
}

// AddDuration appends an RTPS Duration_t parameter.
func (w *ParameterListWriter) AddDuration(id ParameterID, ts Timestamp) {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(ts.Seconds))
	binary.LittleEndian.PutUint32(b[4:], ts.Fraction)
	w.Add(id, b[:])
}

// AddLocator appends a Locator_t parameter (kind, port, 16-byte address).
func (w *ParameterListWriter) AddLocator(id ParameterID, loc Locator) {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(loc.Kind))
	binary.LittleEndian.PutUint32(b[4:8], loc.Port)
	copy(b[8:], loc.Addr[:])
	w.Add(id, b[:])
}

// Finish appends the sentinel and returns the encoded list.
func (w *ParameterListWriter) Finish() []byte {
	return w.FinishWith(PIDSentinel)
}

// FinishWith appends a specific sentinel variant; dialect encoders use
// this to match peer expectations.
func (w *ParameterListWriter) FinishWith(sentinel ParameterID) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[:2], uint16(sentinel))
	w.buf = append(w.buf, hdr[:]...)
	return w.buf
}

// ParseLocator decodes a Locator_t parameter value.
func ParseLocator(b []byte, bo binary.ByteOrder) (Locator, error) {
	if len(b) < 24 {
		return Locator{}, fmt.Errorf("short locator: %d bytes", len(b))
	}
	loc := Locator{
		Kind: LocatorKind(int32(bo.Uint32(b[:4]))),
		Port: bo.Uint32(b[4:8]),
	}
	copy(loc.Addr[:], b[8:24])
	return loc, nil
}

// ParseCDRString decodes a CDR string value (u32 length including NUL).
func ParseCDRString(b []byte, bo binary.ByteOrder) (string, error) {
	if len(b) < 4 {
		return "", fmt.Errorf("short CDR string header")
	}
	n := int(bo.Uint32(b[:4]))
	if n <= 0 || n > len(b)-4 {
		return "", fmt.Errorf("CDR string length %d overruns %d-byte value", n, len(b))
	}
	s := b[4 : 4+n]
	// Strip the terminating NUL.
	if s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// Encapsulation identifiers for serialized payloads.
const (
	EncapCDRBE   uint16 = 0x0000
	EncapCDRLE   uint16 = 0x0001
	EncapPLCDRBE uint16 = 0x0002
	EncapPLCDRLE uint16 = 0x0003
)

// ParseEncapsulation reads the 4-byte encapsulation header and returns the
// scheme, its byte order and the offset of the serialized body.
func ParseEncapsulation(b []byte) (uint16, binary.ByteOrder, int, error) {
	if len(b) < 4 {
		return 0, nil, 0, fmt.Errorf("short encapsulation header")
	}
	scheme := binary.BigEndian.Uint16(b[:2])
	switch scheme {
	case EncapCDRBE, EncapPLCDRBE:
		return scheme, binary.BigEndian, 4, nil
	case EncapCDRLE, EncapPLCDRLE:
		return scheme, binary.LittleEndian, 4, nil
	}
	return 0, nil, 0, fmt.Errorf("unsupported encapsulation 0x%04x", scheme)
}
