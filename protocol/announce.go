package protocol

import (
	"errors"
	"fmt"
)

// Announce payload TLV types
const (
	tlvNickname byte = 0x01
	tlvPeerID   byte = 0x02
)

// ErrBadAnnounce indicates an announce payload missing a required TLV or
// carrying a length that runs past the end of the buffer.
var ErrBadAnnounce = errors.New("bad announce payload")

// EncodeAnnounce builds the announce payload: two TLVs in order,
// (0x01, nickname) then (0x02, peer-id). Values are limited to 255 bytes by
// the single-byte length field.
func EncodeAnnounce(nickname, peerID string) ([]byte, error) {
	if len(nickname) > 255 {
		return nil, fmt.Errorf("%w: nickname exceeds 255 bytes", ErrBadAnnounce)
	}
	if len(peerID) > 255 {
		return nil, fmt.Errorf("%w: peer id exceeds 255 bytes", ErrBadAnnounce)
	}

	out := make([]byte, 0, 4+len(nickname)+len(peerID))
	out = append(out, tlvNickname, byte(len(nickname)))
	out = append(out, nickname...)
	out = append(out, tlvPeerID, byte(len(peerID)))
	out = append(out, peerID...)
	return out, nil
}

// DecodeAnnounce parses an announce payload. Unknown TLV types are skipped.
// Both required TLVs must be present.
func DecodeAnnounce(data []byte) (nickname, peerID string, err error) {
	var haveNickname, havePeerID bool

	for i := 0; i < len(data); {
		if i+2 > len(data) {
			return "", "", fmt.Errorf("%w: truncated TLV header", ErrBadAnnounce)
		}
		tlvType := data[i]
		tlvLen := int(data[i+1])
		i += 2

		if i+tlvLen > len(data) {
			return "", "", fmt.Errorf("%w: TLV length runs past end of buffer", ErrBadAnnounce)
		}
		value := data[i : i+tlvLen]
		i += tlvLen

		switch tlvType {
		case tlvNickname:
			nickname = string(value)
			haveNickname = true
		case tlvPeerID:
			peerID = string(value)
			havePeerID = true
		default:
			// Unknown TLV, skip
		}
	}

	if !haveNickname || !havePeerID {
		return "", "", fmt.Errorf("%w: missing required TLV", ErrBadAnnounce)
	}
	return nickname, peerID, nil
}
