package dialect

import (
	"encoding/binary"
	"time"

	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// StandardEncoder is the native dialect: RTPS 2.3, liberal receive,
// conservative send, no TypeObject requirement.
type StandardEncoder struct{}

// NewStandard returns the native encoder.
func NewStandard() *StandardEncoder {
	return &StandardEncoder{}
}

// Name implements Encoder.
func (e *StandardEncoder) Name() string { return "standard" }

// RTPSVersion implements Encoder.
func (e *StandardEncoder) RTPSVersion() wire.ProtocolVersion { return wire.Version23 }

// VendorID implements Encoder.
func (e *StandardEncoder) VendorID() wire.VendorID { return wire.VendorHDDS }

// RequiresTypeObject implements Encoder.
func (e *StandardEncoder) RequiresTypeObject() bool { return false }

// SupportsXCDR2 implements Encoder.
func (e *StandardEncoder) SupportsXCDR2() bool { return true }

// FragmentSize implements Encoder.
func (e *StandardEncoder) FragmentSize() int { return 1200 }

// SkipSPDPBarrier implements Encoder. The native dialect waits for one
// SPDP round before SEDP.
func (e *StandardEncoder) SkipSPDPBarrier() bool { return false }

// BuildSPDP implements Encoder: protocol version, vendor, GUID, builtin
// endpoint set, locators, lease, domain, properties, sentinel.
func (e *StandardEncoder) BuildSPDP(d *SPDPData) []byte {
	var w wire.ParameterListWriter
	v := e.RTPSVersion()
	w.Add(wire.PIDProtocolVersion, []byte{v.Major, v.Minor, 0, 0})
	vid := e.VendorID()
	w.Add(wire.PIDVendorID, []byte{vid[0], vid[1], 0, 0})
	guid := d.GUID.Bytes()
	w.Add(wire.PIDParticipantGUID, guid[:])
	w.AddUint32(wire.PIDBuiltinEndpointSet, builtinEndpointSet)
	for _, loc := range d.DefaultUnicast {
		w.AddLocator(wire.PIDDefaultUnicastLocator, loc)
	}
	for _, loc := range d.MetatrafficUnicast {
		w.AddLocator(wire.PIDMetatrafficUnicastLocator, loc)
	}
	w.AddDuration(wire.PIDParticipantLeaseDuration, durationValue(d.Lease))
	w.AddUint32(wire.PIDDomainID, d.DomainID)
	if len(d.Properties) > 0 {
		w.Add(wire.PIDPropertyList, encodeProperties(d.Properties))
	}
	return append(append([]byte{}, encapPLCDRLE...), w.Finish()...)
}

// BuildSEDP implements Encoder.
func (e *StandardEncoder) BuildSEDP(d *SEDPData) []byte {
	var w wire.ParameterListWriter
	ep := d.Endpoint.Bytes()
	w.Add(wire.PIDEndpointGUID, ep[:])
	part := d.Participant.Bytes()
	w.Add(wire.PIDParticipantGUID, part[:])
	w.AddString(wire.PIDTopicName, d.Topic)
	w.AddString(wire.PIDTypeName, d.TypeName)
	for _, loc := range d.Unicast {
		w.AddLocator(wire.PIDUnicastLocator, loc)
	}
	if d.QoS != nil {
		appendQoS(&w, d.QoS)
	}
	if len(d.TypeObject) > 0 {
		w.Add(wire.PIDTypeObject, d.TypeObject)
	}
	return append(append([]byte{}, encapPLCDRLE...), w.Finish()...)
}

// BuildHeartbeat implements Encoder.
func (e *StandardEncoder) BuildHeartbeat(reader, writer wire.EntityID, first, last int64, count uint32) []byte {
	return buildHeartbeat(reader, writer, first, last, count, false)
}

// BuildAckNack implements Encoder.
func (e *StandardEncoder) BuildAckNack(reader, writer wire.EntityID, set wire.SequenceNumberSet, count uint32, final bool) []byte {
	return buildAckNack(reader, writer, set, count, final)
}

// BuildNackFrag implements Encoder.
func (e *StandardEncoder) BuildNackFrag(reader, writer wire.EntityID, seq int64, missing wire.SequenceNumberSet, count uint32) []byte {
	return buildNackFrag(reader, writer, seq, missing, count)
}

// BuildGap implements Encoder.
func (e *StandardEncoder) BuildGap(reader, writer wire.EntityID, start int64, set wire.SequenceNumberSet) []byte {
	return buildGap(reader, writer, start, set)
}

// BuildData implements Encoder.
func (e *StandardEncoder) BuildData(reader, writer wire.EntityID, seq int64, inlineQoS wire.ParameterList, payload []byte) []byte {
	return buildData(reader, writer, seq, inlineQoS, payload)
}

// BuildDataFrag implements Encoder.
func (e *StandardEncoder) BuildDataFrag(reader, writer wire.EntityID, seq int64, startingNum uint32, inSubmessage uint16, fragmentSize uint16, sampleSize uint32, payload []byte) []byte {
	return buildDataFrag(reader, writer, seq, startingNum, inSubmessage, fragmentSize, sampleSize, payload)
}

// BuildInfoTS implements Encoder.
func (e *StandardEncoder) BuildInfoTS(ts wire.Timestamp) []byte { return buildInfoTS(ts) }

// BuildInfoDst implements Encoder.
func (e *StandardEncoder) BuildInfoDst(prefix wire.GUIDPrefix) []byte { return buildInfoDst(prefix) }

// builtinEndpointSet advertises the SPDP + SEDP pub/sub endpoints.
const builtinEndpointSet uint32 = 0x0000003f

// encodeProperties encodes a key=value property list as CDR sequence of
// string pairs.
func encodeProperties(props map[string]string) []byte {
	var buf []byte
	buf = appendU32(buf, uint32(len(props)))
	appendStr := func(s string) {
		buf = appendU32(buf, uint32(len(s)+1))
		buf = append(buf, s...)
		buf = append(buf, 0)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}
	for k, v := range props {
		appendStr(k)
		appendStr(v)
	}
	return buf
}

// ParsedSPDP is the liberal decode of a participant announcement.
type ParsedSPDP struct {
	GUID               wire.GUID
	Version            wire.ProtocolVersion
	Vendor             wire.VendorID
	Lease              time.Duration
	DefaultUnicast     []wire.Locator
	MetatrafficUnicast []wire.Locator
	DomainID           uint32
	HasDomainID        bool
	PIDs               map[wire.ParameterID]struct{}
}

// ParseSPDP decodes an SPDP payload (encapsulation header + parameter
// list) from any dialect.
func ParseSPDP(payload []byte) (*ParsedSPDP, error) {
	_, bo, off, err := wire.ParseEncapsulation(payload)
	if err != nil {
		return nil, err
	}
	pl, _, err := wire.ParseParameterList(payload, off, bo)
	if err != nil {
		return nil, err
	}
	out := &ParsedSPDP{Lease: 100 * time.Second, PIDs: pl.IDs()}
	if v, ok := pl.Lookup(wire.PIDParticipantGUID); ok {
		if out.GUID, err = wire.GUIDFromBytes(v); err != nil {
			return nil, err
		}
	}
	if v, ok := pl.Lookup(wire.PIDProtocolVersion); ok && len(v) >= 2 {
		out.Version = wire.ProtocolVersion{Major: v[0], Minor: v[1]}
	}
	if v, ok := pl.Lookup(wire.PIDVendorID); ok && len(v) >= 2 {
		out.Vendor = wire.VendorID{v[0], v[1]}
	}
	if v, ok := pl.Lookup(wire.PIDParticipantLeaseDuration); ok && len(v) >= 8 {
		out.Lease = parseDuration(v, bo)
	}
	if v, ok := pl.Lookup(wire.PIDDomainID); ok && len(v) >= 4 {
		out.DomainID = bo.Uint32(v[:4])
		out.HasDomainID = true
	}
	for _, v := range pl.LookupAll(wire.PIDDefaultUnicastLocator) {
		if loc, err := wire.ParseLocator(v, bo); err == nil {
			out.DefaultUnicast = append(out.DefaultUnicast, loc)
		}
	}
	for _, v := range pl.LookupAll(wire.PIDMetatrafficUnicastLocator) {
		if loc, err := wire.ParseLocator(v, bo); err == nil {
			out.MetatrafficUnicast = append(out.MetatrafficUnicast, loc)
		}
	}
	if out.GUID.IsZero() {
		return nil, errMissingGUID
	}
	return out, nil
}

// ParsedSEDP is the liberal decode of an endpoint announcement.
type ParsedSEDP struct {
	Endpoint    wire.GUID
	Participant wire.GUID
	Topic       string
	TypeName    string
	Unicast     []wire.Locator
	QoS         qos.Profile
	TypeObject  []byte
	Disposed    bool
}

// ParseSEDP decodes an SEDP payload from any dialect. The returned
// profile starts from defaults and overlays whatever QoS PIDs were
// present.
func ParseSEDP(payload []byte) (*ParsedSEDP, error) {
	_, bo, off, err := wire.ParseEncapsulation(payload)
	if err != nil {
		return nil, err
	}
	pl, _, err := wire.ParseParameterList(payload, off, bo)
	if err != nil {
		return nil, err
	}
	out := &ParsedSEDP{QoS: qos.Default()}
	if v, ok := pl.Lookup(wire.PIDEndpointGUID); ok {
		if out.Endpoint, err = wire.GUIDFromBytes(v); err != nil {
			return nil, err
		}
	}
	if v, ok := pl.Lookup(wire.PIDParticipantGUID); ok {
		if out.Participant, err = wire.GUIDFromBytes(v); err != nil {
			return nil, err
		}
	}
	if v, ok := pl.Lookup(wire.PIDTopicName); ok {
		if out.Topic, err = wire.ParseCDRString(v, bo); err != nil {
			return nil, err
		}
	}
	if v, ok := pl.Lookup(wire.PIDTypeName); ok {
		if out.TypeName, err = wire.ParseCDRString(v, bo); err != nil {
			return nil, err
		}
	}
	for _, v := range pl.LookupAll(wire.PIDUnicastLocator) {
		if loc, err := wire.ParseLocator(v, bo); err == nil {
			out.Unicast = append(out.Unicast, loc)
		}
	}
	if v, ok := pl.Lookup(wire.PIDReliability); ok && len(v) >= 4 {
		if bo.Uint32(v[:4]) >= 2 {
			out.QoS.Reliability = qos.Reliable
		}
	}
	if v, ok := pl.Lookup(wire.PIDDurability); ok && len(v) >= 4 {
		out.QoS.Durability = qos.Durability(bo.Uint32(v[:4]))
	}
	if v, ok := pl.Lookup(wire.PIDDeadline); ok && len(v) >= 8 {
		out.QoS.Deadline = parseDuration(v, bo)
	}
	if v, ok := pl.Lookup(wire.PIDLifespan); ok && len(v) >= 8 {
		out.QoS.Lifespan = parseDuration(v, bo)
	}
	if v, ok := pl.Lookup(wire.PIDOwnership); ok && len(v) >= 4 {
		out.QoS.Ownership = qos.Ownership(bo.Uint32(v[:4]))
	}
	if v, ok := pl.Lookup(wire.PIDPartition); ok {
		out.QoS.Partition = parsePartition(v, bo)
	}
	if v, ok := pl.Lookup(wire.PIDPresentation); ok && len(v) >= 6 {
		out.QoS.Presentation = qos.Presentation{
			Scope:          qos.PresentationScope(bo.Uint32(v[:4])),
			CoherentAccess: v[4] != 0,
			OrderedAccess:  v[5] != 0,
		}
	}
	if v, ok := pl.Lookup(wire.PIDTransportPriority); ok && len(v) >= 4 {
		out.QoS.TransportPriority = int32(bo.Uint32(v[:4]))
	}
	if v, ok := pl.Lookup(wire.PIDTypeObject); ok {
		out.TypeObject = v
	}
	if v, ok := pl.Lookup(wire.PIDStatusInfo); ok && len(v) >= 4 {
		// Dispose or unregister flags retire the endpoint.
		out.Disposed = v[3]&0x03 != 0
	}
	if out.Endpoint.IsZero() {
		return nil, errMissingGUID
	}
	return out, nil
}

func parseDuration(v []byte, bo binary.ByteOrder) time.Duration {
	sec := int32(bo.Uint32(v[:4]))
	frac := bo.Uint32(v[4:8])
	if sec == 0x7fffffff {
		return qos.DurationInfinite
	}
	ns := uint64(frac) * uint64(time.Second) >> 32
	return time.Duration(sec)*time.Second + time.Duration(ns)
}

func parsePartition(v []byte, bo binary.ByteOrder) []string {
	if len(v) < 4 {
		return nil
	}
	n := int(bo.Uint32(v[:4]))
	off := 4
	var out []string
	for i := 0; i < n && off+4 <= len(v); i++ {
		slen := int(bo.Uint32(v[off : off+4]))
		off += 4
		if slen <= 0 || off+slen > len(v) {
			break
		}
		s := v[off : off+slen]
		if s[len(s)-1] == 0 {
			s = s[:len(s)-1]
		}
		out = append(out, string(s))
		off += slen
		for off%4 != 0 {
			off++
		}
	}
	return out
}
