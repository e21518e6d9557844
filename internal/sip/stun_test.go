package sip

import (
	"encoding/binary"
	"net"
	"testing"
)

// buildBindingResponse constructs a minimal STUN binding success response
// carrying a single XOR-MAPPED-ADDRESS (IPv4) attribute, for testing the
// parser without a live STUN server.
func buildBindingResponse(t *testing.T, txID []byte, ip net.IP, port int) []byte {
	t.Helper()

	ip4 := ip.To4()
	if ip4 == nil {
		t.Fatalf("test ip %v is not IPv4", ip)
	}

	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], stunMagicCookie)

	xport := uint16(port) ^ uint16(stunMagicCookie>>16)
	xip := make([]byte, 4)
	for i := 0; i < 4; i++ {
		xip[i] = ip4[i] ^ cookie[i]
	}

	attrVal := make([]byte, 8)
	attrVal[0] = 0x00
	attrVal[1] = 0x01 // family IPv4
	binary.BigEndian.PutUint16(attrVal[2:4], xport)
	copy(attrVal[4:8], xip)

	attr := make([]byte, 4+len(attrVal))
	binary.BigEndian.PutUint16(attr[0:2], stunAttrXorMapped)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(attrVal)))
	copy(attr[4:], attrVal)

	msg := make([]byte, stunHeaderLen+len(attr))
	binary.BigEndian.PutUint16(msg[0:2], 0x0101) // binding success response
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	copy(msg[8:20], txID)
	copy(msg[20:], attr)

	return msg
}

func TestParseBindingResponse_XorMappedAddress(t *testing.T) {
	txID := []byte("abcdefghijkl")
	want := net.ParseIP("203.0.113.42")

	msg := buildBindingResponse(t, txID, want, 54321)

	ip, port, err := parseBindingResponse(msg, txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if ip != want.String() {
		t.Errorf("ip = %q, want %q", ip, want.String())
	}
	if port != 54321 {
		t.Errorf("port = %d, want 54321", port)
	}
}

func TestParseBindingResponse_TransactionMismatch(t *testing.T) {
	txID := []byte("abcdefghijkl")
	msg := buildBindingResponse(t, txID, net.ParseIP("203.0.113.42"), 1234)

	_, _, err := parseBindingResponse(msg, []byte("000000000000"))
	if err == nil {
		t.Fatal("expected transaction id mismatch error, got nil")
	}
}

func TestParseBindingResponse_TooShort(t *testing.T) {
	_, _, err := parseBindingResponse([]byte{0x01, 0x01}, []byte("abcdefghijkl"))
	if err == nil {
		t.Fatal("expected error for short message, got nil")
	}
}

func TestDecodeMappedAddress(t *testing.T) {
	val := []byte{0x00, 0x01, 0xd4, 0x31, 203, 0, 113, 42}
	ip, port, err := decodeMappedAddress(val)
	if err != nil {
		t.Fatalf("decodeMappedAddress: %v", err)
	}
	if ip != "203.0.113.42" {
		t.Errorf("ip = %q, want 203.0.113.42", ip)
	}
	if port != 0xd431 {
		t.Errorf("port = %d, want %d", port, 0xd431)
	}
}
