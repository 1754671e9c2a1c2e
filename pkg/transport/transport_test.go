package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/hdds-team/hdds-go/pkg/wire"
)

func TestLoopbackRoundtrip(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	msg := []byte("hello")
	if err := a.Send(wire.Locator{}, msg); err != nil {
		t.Fatalf("send: %s", err)
	}
	buf := make([]byte, 64)
	n, _, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("recv: %s", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("got %q, want %q", buf[:n], msg)
	}
}

func TestLoopbackDropInjection(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()
	a.DropEvery = 2 // drop every second message

	for i := 0; i < 10; i++ {
		a.Send(wire.Locator{}, []byte{byte(i)})
	}
	got := 0
	buf := make([]byte, 16)
	for {
		done := make(chan struct{})
		var ok bool
		go func() {
			_, _, err := b.Recv(buf)
			ok = err == nil
			close(done)
		}()
		select {
		case <-done:
			if !ok {
				t.Fatal("recv failed")
			}
			got++
			if got == 5 {
				return
			}
		case <-time.After(200 * time.Millisecond):
			if got != 5 {
				t.Fatalf("expected 5 delivered, got %d", got)
			}
			return
		}
	}
}

func TestFrameRoundtrip(t *testing.T) {
	records := []byte{1, 2, 3, 4, 5}
	h := NewFrameHeader(42, 7)
	buf, err := EncodeFrame(h, records)
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if decoded.Header.SessionID != 42 || decoded.Header.FrameSeq != 7 {
		t.Errorf("header mismatch: %+v", decoded.Header)
	}
	if !bytes.Equal(decoded.Records, records) {
		t.Errorf("records mismatch: %v", decoded.Records)
	}
	if decoded.Len != len(buf) {
		t.Errorf("length mismatch: %d != %d", decoded.Len, len(buf))
	}
}

func TestFrameCRCDetectsCorruption(t *testing.T) {
	buf, err := EncodeFrame(NewFrameHeader(1, 1), []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-3] ^= 0xff
	if _, err := DecodeFrame(buf); err != ErrCRCMismatch {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestFrameWithoutCRC(t *testing.T) {
	h := FrameHeader{SessionID: 1, FrameSeq: 1} // no CRC flag
	buf, err := EncodeFrame(h, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if decoded.Header.HasCRC() {
		t.Error("CRC flag must be clear")
	}
}

func TestFrameErrors(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x00, 1, 0, 0, 0}); err != ErrFrameSync {
		t.Errorf("expected sync error, got %v", err)
	}
	if _, err := DecodeFrame([]byte{FrameSync, 99, 0, 0, 0}); err != ErrFrameVersion {
		t.Errorf("expected version error, got %v", err)
	}
	if _, err := EncodeFrame(NewFrameHeader(1, 1), make([]byte, MaxFrameSize)); err == nil {
		t.Error("expected oversize refusal")
	}
}

func TestDeltaFirstPollIsFull(t *testing.T) {
	e := NewDeltaEncoder(DefaultDeltaConfig())
	e.UpdateField(0, []byte("temp=25.5"))
	e.UpdateField(1, []byte("humidity=60"))

	rec := e.PollRecord(time.Now())
	if rec == nil || rec[0] != recordFull {
		t.Fatalf("expected full record, got %v", rec)
	}

	d := NewDeltaDecoder()
	if err := d.Apply(rec); err != nil {
		t.Fatalf("apply: %s", err)
	}
	if v, ok := d.Field(0); !ok || string(v) != "temp=25.5" {
		t.Errorf("field 0 = %q", v)
	}
}

func TestDeltaAfterFull(t *testing.T) {
	e := NewDeltaEncoder(DeltaConfig{KeyframeInterval: time.Hour, RedundantFulls: 0})
	e.UpdateField(0, []byte("a=1"))
	now := time.Now()
	full := e.PollRecord(now)

	e.UpdateField(0, []byte("a=2"))
	delta := e.PollRecord(now.Add(time.Millisecond))
	if delta == nil || delta[0] != recordDelta {
		t.Fatalf("expected delta record, got %v", delta)
	}

	d := NewDeltaDecoder()
	d.Apply(full)
	d.Apply(delta)
	if v, _ := d.Field(0); string(v) != "a=2" {
		t.Errorf("expected last value recovery, got %q", v)
	}
}

func TestDeltaNoChangeNoRecord(t *testing.T) {
	e := NewDeltaEncoder(DeltaConfig{KeyframeInterval: time.Hour, RedundantFulls: 0})
	e.UpdateField(0, []byte("a=1"))
	now := time.Now()
	e.PollRecord(now)
	if rec := e.PollRecord(now.Add(time.Millisecond)); rec != nil {
		t.Errorf("expected no record without changes, got %v", rec)
	}
	// Re-setting the same value is not a change.
	e.UpdateField(0, []byte("a=1"))
	if rec := e.PollRecord(now.Add(2 * time.Millisecond)); rec != nil {
		t.Errorf("expected no record for unchanged value, got %v", rec)
	}
}

func TestDeltaDecoderIgnoresStaleGeneration(t *testing.T) {
	e := NewDeltaEncoder(DeltaConfig{KeyframeInterval: time.Hour, RedundantFulls: 0})
	e.UpdateField(0, []byte("a=1"))
	now := time.Now()
	e.PollRecord(now) // keyframe gen 1, never delivered

	e.UpdateField(0, []byte("a=2"))
	delta := e.PollRecord(now.Add(time.Millisecond))

	d := NewDeltaDecoder()
	if err := d.Apply(delta); err != nil {
		t.Fatalf("apply: %s", err)
	}
	if _, ok := d.Field(0); ok {
		t.Error("unsynced decoder must ignore deltas")
	}
}

func TestTTLPresets(t *testing.T) {
	cases := []struct {
		scope string
		want  uint8
	}{
		{"", 1},
		{"site", 16},
		{"regional", 64},
		{"global", 255},
		{"bogus", 1},
	}
	for _, c := range cases {
		if got := TTLForScope(c.scope); got.Multicast != c.want {
			t.Errorf("TTLForScope(%q).Multicast = %d, want %d", c.scope, got.Multicast, c.want)
		}
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE of "123456789" is 0x29B1.
	if got := crc16CCITT([]byte("123456789")); got != 0x29b1 {
		t.Errorf("crc16 = %#x, want 0x29b1", got)
	}
}
