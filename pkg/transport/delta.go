package transport

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// Delta-encoded records for the low-bandwidth link: a keyframe carries
// every field, deltas carry only changed fields, and periodic redundant
// keyframes let a receiver that missed frames recover the last value.

// Record type tags.
const (
	recordFull  byte = 0x00
	recordDelta byte = 0x01
)

// DeltaConfig tunes the keyframe schedule.
type DeltaConfig struct {
	// KeyframeInterval forces a full record at this spacing even when
	// deltas would do.
	KeyframeInterval time.Duration
	// RedundantFulls re-sends the keyframe this many extra times.
	RedundantFulls int
	// RedundantSpacing separates redundant keyframes.
	RedundantSpacing time.Duration
}

// DefaultDeltaConfig mirrors the radio-link defaults.
func DefaultDeltaConfig() DeltaConfig {
	return DeltaConfig{
		KeyframeInterval: 5 * time.Second,
		RedundantFulls:   1,
		RedundantSpacing: 200 * time.Millisecond,
	}
}

// DeltaEncoder tracks field values and emits full or delta records.
type DeltaEncoder struct {
	cfg        DeltaConfig
	fields     map[uint8][]byte
	dirty      map[uint8]bool
	fullSeq    uint32
	lastFull   time.Time
	redundants int
	everPolled bool
}

// NewDeltaEncoder returns an empty encoder.
func NewDeltaEncoder(cfg DeltaConfig) *DeltaEncoder {
	return &DeltaEncoder{
		cfg:    cfg,
		fields: make(map[uint8][]byte),
		dirty:  make(map[uint8]bool),
	}
}

// UpdateField records a field's latest value; unchanged values are not
// marked dirty.
func (e *DeltaEncoder) UpdateField(id uint8, value []byte) {
	if prev, ok := e.fields[id]; ok && string(prev) == string(value) {
		return
	}
	e.fields[id] = append([]byte(nil), value...)
	e.dirty[id] = true
}

// PollRecord returns the next record to transmit at now, or nil when
// nothing is due: the first poll and every keyframe interval produce a
// full record (with configured redundant repeats), changes in between
// produce deltas.
func (e *DeltaEncoder) PollRecord(now time.Time) []byte {
	switch {
	case !e.everPolled:
		return e.emitFull(now, false)
	case e.redundants > 0 && now.Sub(e.lastFull) >= e.cfg.RedundantSpacing:
		return e.emitFull(now, true)
	case now.Sub(e.lastFull) >= e.cfg.KeyframeInterval:
		return e.emitFull(now, false)
	case len(e.dirty) > 0:
		return e.emitDelta()
	}
	return nil
}

func (e *DeltaEncoder) emitFull(now time.Time, redundant bool) []byte {
	if redundant {
		e.redundants--
	} else {
		e.fullSeq++
		e.redundants = e.cfg.RedundantFulls
	}
	e.everPolled = true
	e.lastFull = now
	for id := range e.dirty {
		delete(e.dirty, id)
	}
	return encodeRecord(recordFull, e.fullSeq, e.fields, nil)
}

func (e *DeltaEncoder) emitDelta() []byte {
	changed := make(map[uint8][]byte, len(e.dirty))
	for id := range e.dirty {
		changed[id] = e.fields[id]
		delete(e.dirty, id)
	}
	return encodeRecord(recordDelta, e.fullSeq, changed, nil)
}

func encodeRecord(kind byte, fullSeq uint32, fields map[uint8][]byte, buf []byte) []byte {
	buf = append(buf, kind)
	buf = appendUvarint(buf, uint64(fullSeq))
	ids := make([]int, 0, len(fields))
	for id := range fields {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	buf = appendUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		v := fields[uint8(id)]
		buf = append(buf, uint8(id))
		buf = appendUvarint(buf, uint64(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

// DeltaDecoder reconstructs last values from full and delta records.
type DeltaDecoder struct {
	fields  map[uint8][]byte
	fullSeq uint32
	synced  bool
}

// NewDeltaDecoder returns an unsynced decoder; deltas are ignored until
// the first full record arrives.
func NewDeltaDecoder() *DeltaDecoder {
	return &DeltaDecoder{fields: make(map[uint8][]byte)}
}

// Apply ingests one record. Deltas for a keyframe generation the
// decoder has not seen are dropped; the next keyframe resynchronizes.
func (d *DeltaDecoder) Apply(record []byte) error {
	if len(record) < 2 {
		return fmt.Errorf("record truncated")
	}
	kind := record[0]
	fullSeq, n := binary.Uvarint(record[1:])
	if n <= 0 {
		return fmt.Errorf("record seq truncated")
	}
	off := 1 + n

	switch kind {
	case recordFull:
		d.fields = make(map[uint8][]byte)
		d.fullSeq = uint32(fullSeq)
		d.synced = true
	case recordDelta:
		if !d.synced || uint32(fullSeq) != d.fullSeq {
			return nil // stale generation; wait for the next keyframe
		}
	default:
		return fmt.Errorf("unknown record type 0x%02x", kind)
	}

	count, n := binary.Uvarint(record[off:])
	if n <= 0 {
		return fmt.Errorf("record count truncated")
	}
	off += n
	for i := uint64(0); i < count; i++ {
		if off >= len(record) {
			return fmt.Errorf("record field %d truncated", i)
		}
		id := record[off]
		off++
		vlen, n := binary.Uvarint(record[off:])
		if n <= 0 || off+n+int(vlen) > len(record) {
			return fmt.Errorf("record field %d length invalid", i)
		}
		off += n
		d.fields[id] = append([]byte(nil), record[off:off+int(vlen)]...)
		off += int(vlen)
	}
	return nil
}

// Field returns the last known value for a field id.
func (d *DeltaDecoder) Field(id uint8) ([]byte, bool) {
	v, ok := d.fields[id]
	return v, ok
}
