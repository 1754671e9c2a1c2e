package wire

import (
	"encoding/binary"
	"fmt"
)

// RTPS message header: 4-byte magic, version, vendor id, guid prefix.
const (
	HeaderLen     = 20
	SubmsgHdrLen  = 4
	dataBodyMin   = 20 // extraFlags..writerSN
	fragBodyMin   = 32 // extraFlags..sampleSize
)

// Submessage ids (RTPS 2.x Sec. 8.3.3).
const (
	SubPad           uint8 = 0x01
	SubAckNack       uint8 = 0x06
	SubHeartbeat     uint8 = 0x07
	SubGap           uint8 = 0x08
	SubInfoTS        uint8 = 0x09
	SubInfoSrc       uint8 = 0x0c
	SubInfoReplyIP4  uint8 = 0x0d
	SubInfoDst       uint8 = 0x0e
	SubInfoReply     uint8 = 0x0f
	SubNackFrag      uint8 = 0x12
	SubHeartbeatFrag uint8 = 0x13
	SubData          uint8 = 0x15
	SubDataFrag      uint8 = 0x16
)

// Submessage flag bits.
const (
	FlagEndianness uint8 = 0x01
	FlagInlineQoS  uint8 = 0x02 // DATA Q flag
	FlagData       uint8 = 0x04 // DATA D flag
	FlagKey        uint8 = 0x08 // DATA K flag
	FlagFinal      uint8 = 0x02 // HEARTBEAT F flag
	FlagLiveliness uint8 = 0x04 // HEARTBEAT L flag
)

// PacketKind is the classifier's verdict for one submessage.
type PacketKind int

// Classifier verdicts.
const (
	KindUnknown PacketKind = iota
	KindSPDP
	KindSEDP
	KindTypeLookup
	KindData
	KindDataFrag
	KindHeartbeat
	KindAckNack
	KindGap
	KindNackFrag
	KindHeartbeatFrag
	KindInfo
)

func (k PacketKind) String() string {
	switch k {
	case KindSPDP:
		return "SPDP"
	case KindSEDP:
		return "SEDP"
	case KindTypeLookup:
		return "TypeLookup"
	case KindData:
		return "DATA"
	case KindDataFrag:
		return "DATA_FRAG"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindAckNack:
		return "ACKNACK"
	case KindGap:
		return "GAP"
	case KindNackFrag:
		return "NACK_FRAG"
	case KindHeartbeatFrag:
		return "HEARTBEAT_FRAG"
	case KindInfo:
		return "INFO"
	}
	return "UNKNOWN"
}

// Header is the fixed RTPS message header.
type Header struct {
	Version ProtocolVersion
	Vendor  VendorID
	Prefix  GUIDPrefix
}

// FragmentInfo carries the DATA_FRAG metadata needed by the reassembler.
type FragmentInfo struct {
	StartingNum  uint32
	InSubmessage uint16
	FragmentSize uint16
	SampleSize   uint32
}

// Submessage is one classified submessage with offsets into the original
// buffer. PayloadOff/PayloadLen cover the serialized payload including its
// encapsulation header; they are zero for submessages without payload.
type Submessage struct {
	Kind       PacketKind
	ID         uint8
	Flags      uint8
	Off        int // submessage header start
	Len        int // header + body
	ReaderID   EntityID
	WriterID   EntityID
	WriterGUID GUID
	Seq        int64
	PayloadOff int
	PayloadLen int
	QoSOff     int // inline QoS start; 0 when absent
	QoSLen     int
	Frag       *FragmentInfo
	Timestamp  *Timestamp
	DstPrefix  *GUIDPrefix
}

// Message is the result of classifying one RTPS datagram.
type Message struct {
	Header      Header
	Submessages []Submessage
}

// ParseHeader decodes the fixed RTPS header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("short RTPS message: %d bytes", len(buf))
	}
	if buf[0] != 'R' || buf[1] != 'T' || buf[2] != 'P' || buf[3] != 'S' {
		return Header{}, fmt.Errorf("bad RTPS magic %02x%02x%02x%02x", buf[0], buf[1], buf[2], buf[3])
	}
	h := Header{
		Version: ProtocolVersion{Major: buf[4], Minor: buf[5]},
		Vendor:  VendorID{buf[6], buf[7]},
	}
	if h.Version.Major != 2 {
		return Header{}, fmt.Errorf("unsupported RTPS version %s", h.Version)
	}
	copy(h.Prefix[:], buf[8:20])
	return h, nil
}

// Classify walks every submessage in buf and returns the classified
// message. Unknown submessage ids are skipped, not errors; malformed
// lengths terminate the walk with an error so the packet can be counted
// and dropped.
func Classify(buf []byte) (*Message, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: hdr}

	var ts *Timestamp
	var dst *GUIDPrefix
	off := HeaderLen
	for off+SubmsgHdrLen <= len(buf) {
		id := buf[off]
		flags := buf[off+1]
		bo := byteOrder(flags)
		next := int(bo.Uint16(buf[off+2 : off+4]))
		body := off + SubmsgHdrLen
		// octetsToNextHeader == 0 on the last submessage means "extends
		// to the end of the message".
		end := body + next
		if next == 0 && id != SubPad {
			end = len(buf)
		}
		if end > len(buf) {
			return nil, fmt.Errorf("submessage 0x%02x at %d overruns message (%d > %d)", id, off, end, len(buf))
		}

		sub := Submessage{ID: id, Flags: flags, Off: off, Len: end - off}
		switch id {
		case SubInfoTS:
			if flags&FlagInlineQoS == 0 && end-body >= 8 { // I flag clear: timestamp present
				t := Timestamp{
					Seconds:  int32(bo.Uint32(buf[body : body+4])),
					Fraction: bo.Uint32(buf[body+4 : body+8]),
				}
				ts = &t
			} else {
				ts = nil
			}
			off = end
			continue
		case SubInfoDst:
			if end-body >= 12 {
				var p GUIDPrefix
				copy(p[:], buf[body:body+12])
				dst = &p
			}
			off = end
			continue
		case SubPad, SubInfoSrc, SubInfoReply, SubInfoReplyIP4:
			off = end
			continue
		case SubData:
			if err := classifyData(buf, body, end, bo, flags, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		case SubDataFrag:
			if err := classifyDataFrag(buf, body, end, bo, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		case SubHeartbeat:
			sub.Kind = KindHeartbeat
			if err := readEntitiesAndSeq(buf, body, end, bo, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		case SubAckNack:
			sub.Kind = KindAckNack
			if err := readEntities(buf, body, end, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		case SubGap:
			sub.Kind = KindGap
			if err := readEntitiesAndSeq(buf, body, end, bo, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		case SubNackFrag:
			sub.Kind = KindNackFrag
			if err := readEntitiesAndSeq(buf, body, end, bo, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		case SubHeartbeatFrag:
			sub.Kind = KindHeartbeatFrag
			if err := readEntitiesAndSeq(buf, body, end, bo, hdr.Prefix, &sub); err != nil {
				return nil, err
			}
		default:
			// Unknown submessage: skip per protocol liberality.
			off = end
			continue
		}
		sub.Timestamp = ts
		sub.DstPrefix = dst
		msg.Submessages = append(msg.Submessages, sub)
		off = end
	}
	return msg, nil
}

func readEntities(buf []byte, body, end int, prefix GUIDPrefix, sub *Submessage) error {
	if end-body < 8 {
		return fmt.Errorf("submessage 0x%02x too short for entity ids", sub.ID)
	}
	copy(sub.ReaderID[:], buf[body:body+4])
	copy(sub.WriterID[:], buf[body+4:body+8])
	sub.WriterGUID = GUID{Prefix: prefix, Entity: sub.WriterID}
	return nil
}

func readEntitiesAndSeq(buf []byte, body, end int, bo binary.ByteOrder, prefix GUIDPrefix, sub *Submessage) error {
	if err := readEntities(buf, body, end, prefix, sub); err != nil {
		return err
	}
	if end-body >= 16 {
		sub.Seq = decodeSeq(bo, buf[body+8:body+16])
	}
	return nil
}

// decodeSeq decodes a SequenceNumber_t (high int32, low uint32).
func decodeSeq(bo binary.ByteOrder, b []byte) int64 {
	high := int32(bo.Uint32(b[:4]))
	low := bo.Uint32(b[4:8])
	return int64(high)<<32 | int64(low)
}

func classifyData(buf []byte, body, end int, bo binary.ByteOrder, flags uint8, prefix GUIDPrefix, sub *Submessage) error {
	if end-body < dataBodyMin {
		return fmt.Errorf("DATA submessage too short: %d bytes", end-body)
	}
	octetsToInlineQos := int(bo.Uint16(buf[body+2 : body+4]))
	copy(sub.ReaderID[:], buf[body+4:body+8])
	copy(sub.WriterID[:], buf[body+8:body+12])
	sub.Seq = decodeSeq(bo, buf[body+12:body+20])
	sub.WriterGUID = GUID{Prefix: prefix, Entity: sub.WriterID}

	switch sub.WriterID {
	case EntitySPDPWriter:
		sub.Kind = KindSPDP
	case EntitySEDPPubWriter, EntitySEDPSubWriter:
		sub.Kind = KindSEDP
	case EntityTypeLookupReqWriter, EntityTypeLookupRepWriter:
		sub.Kind = KindTypeLookup
	default:
		sub.Kind = KindData
	}

	payload := body + dataBodyMin
	if flags&FlagInlineQoS != 0 && octetsToInlineQos > 0 {
		// Inline QoS starts octetsToInlineQos bytes after the start of
		// the reader id field; scan forward to the sentinel.
		qosStart := body + 4 + octetsToInlineQos
		after, err := SkipParameterList(buf[:end], qosStart, bo)
		if err != nil {
			return fmt.Errorf("inline QoS: %w", err)
		}
		sub.QoSOff = qosStart
		sub.QoSLen = after - qosStart
		payload = after
	}
	if payload < end {
		sub.PayloadOff = payload
		sub.PayloadLen = end - payload
	}
	return nil
}

func classifyDataFrag(buf []byte, body, end int, bo binary.ByteOrder, prefix GUIDPrefix, sub *Submessage) error {
	if end-body < fragBodyMin {
		return fmt.Errorf("DATA_FRAG submessage too short: %d bytes", end-body)
	}
	copy(sub.ReaderID[:], buf[body+4:body+8])
	copy(sub.WriterID[:], buf[body+8:body+12])
	sub.Seq = decodeSeq(bo, buf[body+12:body+20])
	sub.WriterGUID = GUID{Prefix: prefix, Entity: sub.WriterID}

	switch sub.WriterID {
	case EntitySPDPWriter:
		sub.Kind = KindSPDP
	case EntitySEDPPubWriter, EntitySEDPSubWriter:
		sub.Kind = KindSEDP
	default:
		sub.Kind = KindDataFrag
	}

	sub.Frag = &FragmentInfo{
		StartingNum:  bo.Uint32(buf[body+20 : body+24]),
		InSubmessage: bo.Uint16(buf[body+24 : body+26]),
		FragmentSize: bo.Uint16(buf[body+26 : body+28]),
		SampleSize:   bo.Uint32(buf[body+28 : body+32]),
	}
	payload := body + fragBodyMin
	if payload < end {
		sub.PayloadOff = payload
		sub.PayloadLen = end - payload
	}
	return nil
}

// InlineTopic extracts the topic name from a DATA submessage's inline
// QoS, when present.
func (s *Submessage) InlineTopic(buf []byte) (string, bool) {
	if s.QoSLen == 0 {
		return "", false
	}
	bo := byteOrder(s.Flags)
	pl, _, err := ParseParameterList(buf[:s.QoSOff+s.QoSLen], s.QoSOff, bo)
	if err != nil {
		return "", false
	}
	v, ok := pl.Lookup(PIDTopicName)
	if !ok {
		return "", false
	}
	topic, err := ParseCDRString(v, bo)
	if err != nil {
		return "", false
	}
	return topic, true
}
