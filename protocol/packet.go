package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Packet types
const (
	TypeAnnounce byte = 1
	TypeMessage  byte = 2
	TypeLeave    byte = 3
	TypeFragment byte = 4
)

// Flag bits. Bits 2-7 are reserved: zero on emit, ignored on receive.
const (
	FlagHasRecipient byte = 0x01
	FlagCompressed   byte = 0x02

	flagMask = FlagHasRecipient | FlagCompressed
)

const (
	// ProtocolVersion is the only version currently spoken
	ProtocolVersion byte = 1

	// SenderIDLen is the fixed size of sender and recipient identifiers
	SenderIDLen = 8

	// HeaderLen is version + type + ttl + timestamp(8) + flags + payloadLen(2) + sender(8)
	HeaderLen = 22

	// CompressionThreshold is the payload size at which zlib is attempted
	CompressionThreshold = 256
)

var (
	// ErrMalformed indicates a packet that fails length or structural validation
	ErrMalformed = errors.New("malformed packet")

	// ErrDecompressionMismatch indicates the embedded original length disagrees
	// with the actual decompressed length
	ErrDecompressionMismatch = errors.New("decompressed length mismatch")

	// ErrInvalidField indicates encode was given a wrong-sized sender or recipient
	ErrInvalidField = errors.New("invalid packet field")
)

// Packet is the wire PDU. All multi-byte integers are big-endian on the wire.
type Packet struct {
	Version     byte
	Type        byte
	TTL         byte
	Timestamp   uint64 // milliseconds since epoch
	Flags       byte
	SenderID    []byte // exactly 8 bytes
	RecipientID []byte // nil, or exactly 8 bytes when FlagHasRecipient is set
	Payload     []byte
}

// ID returns the canonical de-duplication identifier:
// "<sender hex>-<timestamp>-<type>"
func (p *Packet) ID() string {
	return fmt.Sprintf("%s-%d-%d", hex.EncodeToString(p.SenderID), p.Timestamp, p.Type)
}

// Encode serializes a packet to wire bytes. When pad is true the payload is
// first extended to a standard block size (see Pad). Payloads at or above
// CompressionThreshold are zlib-compressed when that actually wins; the
// compressed form carries a 4-byte big-endian original-length prefix and sets
// FlagCompressed.
func Encode(p *Packet, pad bool) ([]byte, error) {
	if len(p.SenderID) != SenderIDLen {
		return nil, fmt.Errorf("%w: sender id must be %d bytes, got %d", ErrInvalidField, SenderIDLen, len(p.SenderID))
	}
	hasRecipient := len(p.RecipientID) > 0
	if hasRecipient && len(p.RecipientID) != SenderIDLen {
		return nil, fmt.Errorf("%w: recipient id must be %d bytes, got %d", ErrInvalidField, SenderIDLen, len(p.RecipientID))
	}

	payload := p.Payload
	if pad {
		payload = Pad(payload)
	}

	flags := byte(0)
	if hasRecipient {
		flags |= FlagHasRecipient
	}

	if len(payload) >= CompressionThreshold {
		if compressed, ok := compress(payload); ok {
			wire := make([]byte, 4+len(compressed))
			binary.BigEndian.PutUint32(wire[0:4], uint32(len(payload)))
			copy(wire[4:], compressed)
			payload = wire
			flags |= FlagCompressed
		}
	}

	out := make([]byte, 0, HeaderLen+SenderIDLen+len(payload))
	out = append(out, p.Version, p.Type, p.TTL)
	out = binary.BigEndian.AppendUint64(out, p.Timestamp)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, p.SenderID...)
	if hasRecipient {
		out = append(out, p.RecipientID...)
	}
	out = append(out, payload...)
	return out, nil
}

// Decode parses wire bytes into a Packet. Compressed payloads are inflated and
// FlagCompressed is cleared, so the result compares equal to the packet that
// was encoded. Padding is NOT stripped here; message consumers call Unpad when
// they expect it.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(data), HeaderLen)
	}

	p := &Packet{
		Version:   data[0],
		Type:      data[1],
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
		Flags:     data[11] & flagMask,
	}
	payloadLen := int(binary.BigEndian.Uint16(data[12:14]))

	offset := 14
	p.SenderID = append([]byte(nil), data[offset:offset+SenderIDLen]...)
	offset += SenderIDLen

	if p.Flags&FlagHasRecipient != 0 {
		if len(data) < offset+SenderIDLen {
			return nil, fmt.Errorf("%w: truncated recipient id", ErrMalformed)
		}
		p.RecipientID = append([]byte(nil), data[offset:offset+SenderIDLen]...)
		offset += SenderIDLen
	}

	if len(data) != offset+payloadLen {
		return nil, fmt.Errorf("%w: expected %d payload bytes, got %d", ErrMalformed, payloadLen, len(data)-offset)
	}
	payload := data[offset : offset+payloadLen]

	if p.Flags&FlagCompressed != 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: compressed payload missing length prefix", ErrMalformed)
		}
		originalLen := int(binary.BigEndian.Uint32(payload[0:4]))
		inflated, err := decompress(payload[4:], originalLen)
		if err != nil {
			return nil, err
		}
		p.Payload = inflated
		p.Flags &^= FlagCompressed
	} else {
		p.Payload = append([]byte(nil), payload...)
	}

	return p, nil
}

// compress returns the zlib-deflated form of data, and whether it is strictly
// smaller than the input.
func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte, expectedLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(expectedLen)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(out) != expectedLen {
		return nil, ErrDecompressionMismatch
	}
	return out, nil
}
