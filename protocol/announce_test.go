package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestAnnounceRoundTrip(t *testing.T) {
	payload, err := EncodeAnnounce("alice", "0102030405060708")
	if err != nil {
		t.Fatalf("EncodeAnnounce failed: %v", err)
	}

	nickname, peerID, err := DecodeAnnounce(payload)
	if err != nil {
		t.Fatalf("DecodeAnnounce failed: %v", err)
	}
	if nickname != "alice" {
		t.Errorf("Expected nickname alice, got %q", nickname)
	}
	if peerID != "0102030405060708" {
		t.Errorf("Expected peer id 0102030405060708, got %q", peerID)
	}
}

func TestAnnounceSkipsUnknownTLVs(t *testing.T) {
	payload, err := EncodeAnnounce("bob", "aabbccddeeff0011")
	if err != nil {
		t.Fatalf("EncodeAnnounce failed: %v", err)
	}

	// Prepend and append unknown TLVs
	extended := append([]byte{0x7F, 0x02, 0xDE, 0xAD}, payload...)
	extended = append(extended, 0x30, 0x01, 0x00)

	nickname, peerID, err := DecodeAnnounce(extended)
	if err != nil {
		t.Fatalf("DecodeAnnounce failed with unknown TLVs: %v", err)
	}
	if nickname != "bob" || peerID != "aabbccddeeff0011" {
		t.Errorf("Unexpected values: %q %q", nickname, peerID)
	}
}

func TestAnnounceMissingTLV(t *testing.T) {
	// Only the nickname TLV
	payload := []byte{0x01, 0x03, 'e', 'v', 'e'}
	if _, _, err := DecodeAnnounce(payload); !errors.Is(err, ErrBadAnnounce) {
		t.Errorf("Expected ErrBadAnnounce for missing peer-id TLV, got %v", err)
	}

	if _, _, err := DecodeAnnounce(nil); !errors.Is(err, ErrBadAnnounce) {
		t.Errorf("Expected ErrBadAnnounce for empty payload, got %v", err)
	}
}

func TestAnnounceTruncatedTLV(t *testing.T) {
	// Length runs past end of buffer
	payload := []byte{0x01, 0x10, 'a', 'b'}
	if _, _, err := DecodeAnnounce(payload); !errors.Is(err, ErrBadAnnounce) {
		t.Errorf("Expected ErrBadAnnounce for truncated TLV, got %v", err)
	}
}

func TestAnnounceOversizeValue(t *testing.T) {
	if _, err := EncodeAnnounce(strings.Repeat("x", 256), "0102030405060708"); !errors.Is(err, ErrBadAnnounce) {
		t.Errorf("Expected ErrBadAnnounce for 256-byte nickname, got %v", err)
	}
}
