package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Low-bandwidth link framing: a compact frame wrapper with varint
// fields and an optional CRC for radios too lossy to trust bare
// payloads.
//
//	0xA5 | version(1) | flags(1) | frame_len(varint) |
//	session_id(varint) | frame_seq(varint) | records | CRC16(opt)
//
// frame_len counts the bytes from session_id to the end of the frame,
// CRC included.
const (
	FrameSync    byte = 0xA5
	FrameVersion byte = 1
	MaxFrameSize      = 2048
	minFrameSize      = 5
)

// Frame flag bits.
const (
	FlagCRCPresent byte = 0x01
)

// Frame errors.
var (
	ErrFrameSync     = errors.New("bad frame sync byte")
	ErrFrameVersion  = errors.New("unsupported frame version")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrFrameShort    = errors.New("frame truncated")
	ErrCRCMismatch   = errors.New("frame CRC mismatch")
)

// FrameHeader identifies one frame within a session.
type FrameHeader struct {
	SessionID uint16
	FrameSeq  uint32
	Flags     byte
}

// NewFrameHeader returns a header with CRC enabled.
func NewFrameHeader(sessionID uint16, frameSeq uint32) FrameHeader {
	return FrameHeader{SessionID: sessionID, FrameSeq: frameSeq, Flags: FlagCRCPresent}
}

// HasCRC reports whether the frame carries a trailing CRC-16.
func (h FrameHeader) HasCRC() bool {
	return h.Flags&FlagCRCPresent != 0
}

// EncodeFrame wraps records into one frame.
func EncodeFrame(h FrameHeader, records []byte) ([]byte, error) {
	body := appendUvarint(nil, uint64(h.SessionID))
	body = appendUvarint(body, uint64(h.FrameSeq))
	body = append(body, records...)
	frameLen := len(body)
	if h.HasCRC() {
		frameLen += 2
	}

	buf := []byte{FrameSync, FrameVersion, h.Flags}
	buf = appendUvarint(buf, uint64(frameLen))
	buf = append(buf, body...)
	if h.HasCRC() {
		crc := crc16CCITT(body)
		buf = append(buf, byte(crc>>8), byte(crc))
	}
	if len(buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	return buf, nil
}

// DecodedFrame is the parse result; Records aliases the input buffer.
type DecodedFrame struct {
	Header  FrameHeader
	Records []byte
	// Len is the total encoded size, for stream scanning.
	Len int
}

// DecodeFrame parses one frame from the start of buf.
func DecodeFrame(buf []byte) (*DecodedFrame, error) {
	if len(buf) < minFrameSize {
		return nil, ErrFrameShort
	}
	if buf[0] != FrameSync {
		return nil, ErrFrameSync
	}
	if buf[1] != FrameVersion {
		return nil, ErrFrameVersion
	}
	flags := buf[2]
	frameLen, n := binary.Uvarint(buf[3:])
	if n <= 0 {
		return nil, ErrFrameShort
	}
	if frameLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	bodyStart := 3 + n
	end := bodyStart + int(frameLen)
	if end > len(buf) {
		return nil, ErrFrameShort
	}
	body := buf[bodyStart:end]

	if flags&FlagCRCPresent != 0 {
		if len(body) < 2 {
			return nil, ErrFrameShort
		}
		payload := body[:len(body)-2]
		want := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])
		if crc16CCITT(payload) != want {
			return nil, ErrCRCMismatch
		}
		body = payload
	}

	sessionID, n1 := binary.Uvarint(body)
	if n1 <= 0 {
		return nil, ErrFrameShort
	}
	frameSeq, n2 := binary.Uvarint(body[n1:])
	if n2 <= 0 {
		return nil, ErrFrameShort
	}
	return &DecodedFrame{
		Header: FrameHeader{
			SessionID: uint16(sessionID),
			FrameSeq:  uint32(frameSeq),
			Flags:     flags,
		},
		Records: body[n1+n2:],
		Len:     end,
	}, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// crc16CCITT computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
