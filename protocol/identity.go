package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

// PeerIDLen is the length of a peer identifier in hex characters (8 bytes)
const PeerIDLen = 16

// DerivePeerID derives a peer identifier from a byte source (a public key or
// device entropy): hex of the bytes, truncated to 16 characters.
func DerivePeerID(source []byte) string {
	h := hex.EncodeToString(source)
	if len(h) > PeerIDLen {
		h = h[:PeerIDLen]
	}
	return h
}

// ValidPeerID reports whether s is exactly 16 hex characters.
func ValidPeerID(s string) bool {
	if len(s) != PeerIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		hexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !hexDigit {
			return false
		}
	}
	return true
}

// CandidateIDForDevice deterministically hashes an OS device identifier into
// the peer-id space. Both sides of a discovered pair compute the same value,
// which makes the connection tie-break symmetric: only the node whose own
// peer-id is lexicographically greater than the candidate initiates.
func CandidateIDForDevice(deviceUUID string) string {
	sum := sha256.Sum256([]byte(deviceUUID))
	return DerivePeerID(sum[:])
}

// SenderIDFromPeerID converts a 16-hex-char peer id to the 8 raw bytes used
// in the packet sender field. Returns nil for invalid input.
func SenderIDFromPeerID(peerID string) []byte {
	if !ValidPeerID(peerID) {
		return nil
	}
	raw, err := hex.DecodeString(peerID)
	if err != nil {
		return nil
	}
	return raw
}
