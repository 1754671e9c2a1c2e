package peers

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestStaticParsesHostPorts(t *testing.T) {
	s, err := NewStatic([]string{"127.0.0.1:7400", "127.0.0.1:7412"})
	if err != nil {
		t.Fatalf("NewStatic: %s", err)
	}
	locs, err := s.Peers()
	if err != nil || len(locs) != 2 {
		t.Fatalf("expected 2 locators, got %v (%v)", locs, err)
	}
	if locs[0].Port != 7400 || locs[1].Port != 7412 {
		t.Errorf("ports mismatch: %+v", locs)
	}
}

func TestStaticRejectsBadEntries(t *testing.T) {
	for _, entry := range []string{"no-port", "host:notaport", ":0x"} {
		if _, err := NewStatic([]string{entry}); err == nil {
			t.Errorf("expected error for %q", entry)
		}
	}
}

func TestStunBindingRoundtrip(t *testing.T) {
	c := NewStunClient("198.51.100.1:3478", time.Second, 1)
	req := c.BuildBindingRequest()
	if len(req) != 20 {
		t.Fatalf("request must be header-only, got %d bytes", len(req))
	}
	if binary.BigEndian.Uint16(req[0:2]) != stunBindingRequest {
		t.Error("wrong message type")
	}

	// Synthesize a success response carrying XOR-MAPPED-ADDRESS
	// 203.0.113.7:54321.
	wantIP := [4]byte{203, 0, 113, 7}
	wantPort := uint16(54321)

	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:2], stunAttrXORMapped)
	binary.BigEndian.PutUint16(attr[2:4], 8)
	attr[5] = 0x01
	binary.BigEndian.PutUint16(attr[6:8], wantPort^uint16(stunMagicCookie>>16))
	binary.BigEndian.PutUint32(attr[8:12], binary.BigEndian.Uint32(wantIP[:])^stunMagicCookie)

	resp := make([]byte, 20, 32)
	binary.BigEndian.PutUint16(resp[0:2], stunBindingSuccess)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
	copy(resp[8:20], req[8:20])
	resp = append(resp, attr...)

	ip, port, err := c.ParseBindingResponse(resp)
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if port != wantPort {
		t.Errorf("port = %d, want %d", port, wantPort)
	}
	if got := ip.To4(); got == nil || got[0] != 203 || got[3] != 7 {
		t.Errorf("ip = %s", ip)
	}
}

func TestStunRejectsWrongTransaction(t *testing.T) {
	c := NewStunClient("198.51.100.1:3478", time.Second, 1)
	c.BuildBindingRequest()

	resp := make([]byte, 20)
	binary.BigEndian.PutUint16(resp[0:2], stunBindingSuccess)
	binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
	// transaction id left zero: mismatch
	if _, _, err := c.ParseBindingResponse(resp); err == nil {
		t.Error("expected transaction mismatch error")
	}
}
