// Package dialect hides vendor wire quirks behind a single encoder
// interface. Encoders are pure builders over byte slices; they never
// touch sockets or discovery state.
package dialect

import (
	"encoding/binary"
	"time"

	"github.com/hdds-team/hdds-go/pkg/qos"
	"github.com/hdds-team/hdds-go/pkg/wire"
)

// SPDPData is everything a participant announcement carries.
type SPDPData struct {
	GUID               wire.GUID
	DomainID           uint32
	Lease              time.Duration
	DefaultUnicast     []wire.Locator
	MetatrafficUnicast []wire.Locator
	Properties         map[string]string
}

// EndpointKind discriminates SEDP announcements.
type EndpointKind int

// Endpoint kinds.
const (
	WriterEndpoint EndpointKind = iota
	ReaderEndpoint
)

// SEDPData is everything an endpoint announcement carries.
type SEDPData struct {
	Endpoint    wire.GUID
	Participant wire.GUID
	Kind        EndpointKind
	Topic       string
	TypeName    string
	Unicast     []wire.Locator
	QoS         *qos.Profile
	TypeObject  []byte
}

// Encoder builds wire messages in one vendor's dialect.
type Encoder interface {
	Name() string
	RTPSVersion() wire.ProtocolVersion
	VendorID() wire.VendorID
	// RequiresTypeObject reports whether SEDP announcements must embed
	// the complete TypeObject for the peer to match.
	RequiresTypeObject() bool
	SupportsXCDR2() bool
	FragmentSize() int
	// SkipSPDPBarrier reports whether the peer tolerates SEDP before the
	// first SPDP round-trip.
	SkipSPDPBarrier() bool

	BuildSPDP(d *SPDPData) []byte
	BuildSEDP(d *SEDPData) []byte
	BuildHeartbeat(reader, writer wire.EntityID, first, last int64, count uint32) []byte
	BuildAckNack(reader, writer wire.EntityID, set wire.SequenceNumberSet, count uint32, final bool) []byte
	BuildGap(reader, writer wire.EntityID, start int64, set wire.SequenceNumberSet) []byte
	BuildData(reader, writer wire.EntityID, seq int64, inlineQoS wire.ParameterList, payload []byte) []byte
	BuildNackFrag(reader, writer wire.EntityID, seq int64, missing wire.SequenceNumberSet, count uint32) []byte
	BuildDataFrag(reader, writer wire.EntityID, seq int64, startingNum uint32, inSubmessage uint16, fragmentSize uint16, sampleSize uint32, payload []byte) []byte
	BuildInfoTS(ts wire.Timestamp) []byte
	BuildInfoDst(prefix wire.GUIDPrefix) []byte
}

// BuildMessage prepends the RTPS header for enc's dialect and
// concatenates the submessages.
func BuildMessage(enc Encoder, prefix wire.GUIDPrefix, submessages ...[]byte) []byte {
	n := wire.HeaderLen
	for _, s := range submessages {
		n += len(s)
	}
	buf := make([]byte, 0, n)
	v := enc.RTPSVersion()
	vid := enc.VendorID()
	buf = append(buf, 'R', 'T', 'P', 'S', v.Major, v.Minor, vid[0], vid[1])
	buf = append(buf, prefix[:]...)
	for _, s := range submessages {
		buf = append(buf, s...)
	}
	return buf
}

// submsg starts a little-endian submessage and returns the header
// position for length patching.
func submsg(buf []byte, id, flags uint8) ([]byte, int) {
	pos := len(buf)
	buf = append(buf, id, flags|wire.FlagEndianness, 0, 0)
	return buf, pos
}

// patchLen writes octetsToNextHeader for the submessage opened at pos.
func patchLen(buf []byte, pos int) []byte {
	n := len(buf) - pos - wire.SubmsgHdrLen
	binary.LittleEndian.PutUint16(buf[pos+2:pos+4], uint16(n))
	return buf
}

func appendEntity(buf []byte, e wire.EntityID) []byte {
	return append(buf, e[:]...)
}

func appendSeq(buf []byte, seq int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(seq>>32))
	binary.LittleEndian.PutUint32(b[4:], uint32(seq))
	return append(buf, b[:]...)
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// buildHeartbeat is the dialect-independent HEARTBEAT layout.
func buildHeartbeat(reader, writer wire.EntityID, first, last int64, count uint32, final bool) []byte {
	var flags uint8
	if final {
		flags |= wire.FlagFinal
	}
	buf, pos := submsg(nil, wire.SubHeartbeat, flags)
	buf = appendEntity(buf, reader)
	buf = appendEntity(buf, writer)
	buf = appendSeq(buf, first)
	buf = appendSeq(buf, last)
	buf = appendU32(buf, count)
	return patchLen(buf, pos)
}

func buildAckNack(reader, writer wire.EntityID, set wire.SequenceNumberSet, count uint32, final bool) []byte {
	var flags uint8
	if final {
		flags |= wire.FlagFinal
	}
	buf, pos := submsg(nil, wire.SubAckNack, flags)
	buf = appendEntity(buf, reader)
	buf = appendEntity(buf, writer)
	buf = set.Encode(buf)
	buf = appendU32(buf, count)
	return patchLen(buf, pos)
}

func buildNackFrag(reader, writer wire.EntityID, seq int64, missing wire.SequenceNumberSet, count uint32) []byte {
	buf, pos := submsg(nil, wire.SubNackFrag, 0)
	buf = appendEntity(buf, reader)
	buf = appendEntity(buf, writer)
	buf = appendSeq(buf, seq)
	buf = missing.Encode(buf)
	buf = appendU32(buf, count)
	return patchLen(buf, pos)
}

func buildGap(reader, writer wire.EntityID, start int64, set wire.SequenceNumberSet) []byte {
	buf, pos := submsg(nil, wire.SubGap, 0)
	buf = appendEntity(buf, reader)
	buf = appendEntity(buf, writer)
	buf = appendSeq(buf, start)
	buf = set.Encode(buf)
	return patchLen(buf, pos)
}

func buildData(reader, writer wire.EntityID, seq int64, inlineQoS wire.ParameterList, payload []byte) []byte {
	flags := wire.FlagData
	if len(inlineQoS) > 0 {
		flags |= wire.FlagInlineQoS
	}
	buf, pos := submsg(nil, wire.SubData, flags)
	buf = appendU16(buf, 0) // extraFlags
	// octetsToInlineQos: from after this field to the inline QoS (or
	// payload) start: readerId + writerId + seq.
	buf = appendU16(buf, 16)
	buf = appendEntity(buf, reader)
	buf = appendEntity(buf, writer)
	buf = appendSeq(buf, seq)
	if len(inlineQoS) > 0 {
		var w wire.ParameterListWriter
		for _, p := range inlineQoS {
			w.Add(p.ID, p.Value)
		}
		buf = append(buf, w.Finish()...)
	}
	buf = append(buf, payload...)
	return patchLen(buf, pos)
}

func buildDataFrag(reader, writer wire.EntityID, seq int64, startingNum uint32, inSubmessage uint16, fragmentSize uint16, sampleSize uint32, payload []byte) []byte {
	buf, pos := submsg(nil, wire.SubDataFrag, 0)
	buf = appendU16(buf, 0)  // extraFlags
	buf = appendU16(buf, 28) // octetsToInlineQos
	buf = appendEntity(buf, reader)
	buf = appendEntity(buf, writer)
	buf = appendSeq(buf, seq)
	buf = appendU32(buf, startingNum)
	buf = appendU16(buf, inSubmessage)
	buf = appendU16(buf, fragmentSize)
	buf = appendU32(buf, sampleSize)
	buf = append(buf, payload...)
	return patchLen(buf, pos)
}

func buildInfoTS(ts wire.Timestamp) []byte {
	buf, pos := submsg(nil, wire.SubInfoTS, 0)
	buf = appendU32(buf, uint32(ts.Seconds))
	buf = appendU32(buf, ts.Fraction)
	return patchLen(buf, pos)
}

func buildInfoDst(prefix wire.GUIDPrefix) []byte {
	buf, pos := submsg(nil, wire.SubInfoDst, 0)
	buf = append(buf, prefix[:]...)
	return patchLen(buf, pos)
}

// encapPLCDRLE is the PL_CDR_LE encapsulation header for discovery
// payloads.
var encapPLCDRLE = []byte{0x00, 0x03, 0x00, 0x00}

// durationValue encodes an RTPS Duration_t.
func durationValue(d time.Duration) wire.Timestamp {
	if d == qos.DurationInfinite {
		return wire.Timestamp{Seconds: 0x7fffffff, Fraction: 0xffffffff}
	}
	sec := d / time.Second
	frac := uint64(d%time.Second) * (1 << 32) / uint64(time.Second)
	return wire.Timestamp{Seconds: int32(sec), Fraction: uint32(frac)}
}

// appendQoS writes the RxO-relevant QoS parameters shared by both
// dialects.
func appendQoS(w *wire.ParameterListWriter, p *qos.Profile) {
	var rel [12]byte
	kind := uint32(1) // BEST_EFFORT
	if p.Reliability == qos.Reliable {
		kind = 2
	}
	binary.LittleEndian.PutUint32(rel[:4], kind)
	ts := durationValue(100 * time.Millisecond) // max_blocking_time
	binary.LittleEndian.PutUint32(rel[4:8], uint32(ts.Seconds))
	binary.LittleEndian.PutUint32(rel[8:12], ts.Fraction)
	w.Add(wire.PIDReliability, rel[:])

	w.AddUint32(wire.PIDDurability, uint32(p.Durability))
	w.AddDuration(wire.PIDDeadline, durationValue(p.Deadline))
	w.AddDuration(wire.PIDLifespan, durationValue(p.Lifespan))
	w.AddUint32(wire.PIDOwnership, uint32(p.Ownership))
	if len(p.Partition) > 0 {
		var buf []byte
		buf = appendU32(buf, uint32(len(p.Partition)))
		for _, name := range p.Partition {
			buf = appendU32(buf, uint32(len(name)+1))
			buf = append(buf, name...)
			buf = append(buf, 0)
			for len(buf)%4 != 0 {
				buf = append(buf, 0)
			}
		}
		w.Add(wire.PIDPartition, buf)
	}
	var pres [8]byte
	binary.LittleEndian.PutUint32(pres[:4], uint32(p.Presentation.Scope))
	if p.Presentation.CoherentAccess {
		pres[4] = 1
	}
	if p.Presentation.OrderedAccess {
		pres[5] = 1
	}
	w.Add(wire.PIDPresentation, pres[:])
	if p.TransportPriority != 0 {
		w.AddUint32(wire.PIDTransportPriority, uint32(p.TransportPriority))
	}
}
