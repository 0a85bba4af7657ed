package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/user/echomesh/protocol"
)

const (
	// fragmentHeaderLen is id(8) + index(2) + total(2) + original type(1)
	fragmentHeaderLen = 13

	// packetOverhead is the full framing cost of a fragment packet
	packetOverhead = 30

	// minChunkSize keeps pathological write lengths from producing
	// single-byte chunks
	minChunkSize = 32
)

// Fragment pacing delays per index
const (
	fragmentDelaySmall = 20 * time.Millisecond // groups of at most 10
	fragmentDelayLarge = 30 * time.Millisecond
)

// FragmentPayload is the decoded payload of a type-4 packet
type FragmentPayload struct {
	ID           [8]byte
	Index        uint16
	Total        uint16
	OriginalType byte
	Chunk        []byte
}

// IDHex returns the fragment id as hex
func (fp *FragmentPayload) IDHex() string {
	return hex.EncodeToString(fp.ID[:])
}

// DedupKey returns the fragment-arrival dedup key for a sender
func (fp *FragmentPayload) DedupKey(senderID []byte) string {
	return fmt.Sprintf("%x:%s:%d", senderID, fp.IDHex(), fp.Index)
}

// ParseFragment decodes a fragment payload
func ParseFragment(data []byte) (*FragmentPayload, error) {
	if len(data) < fragmentHeaderLen+1 {
		return nil, fmt.Errorf("%w: fragment payload too short (%d bytes)", protocol.ErrMalformed, len(data))
	}

	fp := &FragmentPayload{
		Index:        binary.BigEndian.Uint16(data[8:10]),
		Total:        binary.BigEndian.Uint16(data[10:12]),
		OriginalType: data[12],
		Chunk:        append([]byte(nil), data[fragmentHeaderLen:]...),
	}
	copy(fp.ID[:], data[0:8])

	if fp.Total < 2 || fp.Index >= fp.Total {
		return nil, fmt.Errorf("%w: fragment index %d of %d", protocol.ErrMalformed, fp.Index, fp.Total)
	}
	if fp.OriginalType == protocol.TypeFragment {
		return nil, fmt.Errorf("%w: nested fragment", protocol.ErrMalformed)
	}
	return fp, nil
}

func encodeFragmentPayload(id [8]byte, index, total uint16, originalType byte, chunk []byte) []byte {
	out := make([]byte, 0, fragmentHeaderLen+len(chunk))
	out = append(out, id[:]...)
	out = binary.BigEndian.AppendUint16(out, index)
	out = binary.BigEndian.AppendUint16(out, total)
	out = append(out, originalType)
	out = append(out, chunk...)
	return out
}

// ChunkSize returns the fragment chunk size for an effective write length
func ChunkSize(effectiveWriteLen int) int {
	size := effectiveWriteLen - fragmentHeaderLen - packetOverhead
	if size < minChunkSize {
		size = minChunkSize
	}
	return size
}

// PaceDelay returns the per-index emission delay for a fragment group
func PaceDelay(total int) time.Duration {
	if total <= 10 {
		return fragmentDelaySmall
	}
	return fragmentDelayLarge
}

// Fragmenter splits oversize packets into fragment packets and remembers the
// fragment ids it allocated so reflected echoes can be suppressed.
//
// Owned by the engine goroutine.
type Fragmenter struct {
	sent    map[string]time.Time // fragment id hex -> time sent
	nowFunc func() time.Time
}

// NewFragmenter creates a fragmenter
func NewFragmenter() *Fragmenter {
	return &Fragmenter{
		sent:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// Split divides a packet whose encoded size exceeds the effective write
// length into fragment packets sharing the original sender, recipient,
// timestamp and TTL. The returned packets are complete and encodable by the
// codec; they are never re-fragmented.
func (f *Fragmenter) Split(p *protocol.Packet, effectiveWriteLen int) ([]*protocol.Packet, error) {
	encoded, err := protocol.Encode(p, false)
	if err != nil {
		return nil, err
	}

	chunkSize := ChunkSize(effectiveWriteLen)
	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total < 2 {
		return nil, fmt.Errorf("packet of %d bytes does not need fragmentation", len(encoded))
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("packet of %d bytes would need %d fragments", len(encoded), total)
	}

	var fragID [8]byte
	if _, err := rand.Read(fragID[:]); err != nil {
		return nil, fmt.Errorf("failed to allocate fragment id: %w", err)
	}
	f.sweepSent()
	f.sent[hex.EncodeToString(fragID[:])] = f.nowFunc()

	fragments := make([]*protocol.Packet, 0, total)
	for index := 0; index < total; index++ {
		start := index * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		fragments = append(fragments, &protocol.Packet{
			Version:     p.Version,
			Type:        protocol.TypeFragment,
			TTL:         p.TTL,
			Timestamp:   p.Timestamp,
			Flags:       p.Flags & protocol.FlagHasRecipient,
			SenderID:    p.SenderID,
			RecipientID: p.RecipientID,
			Payload:     encodeFragmentPayload(fragID, uint16(index), uint16(total), p.Type, encoded[start:end]),
		})
	}
	return fragments, nil
}

// WasSent reports whether we allocated this fragment id recently; such
// fragments are our own, reflected back by a neighboring relay.
func (f *Fragmenter) WasSent(fragIDHex string) bool {
	f.sweepSent()
	_, exists := f.sent[fragIDHex]
	return exists
}

func (f *Fragmenter) sweepSent() {
	now := f.nowFunc()
	for id, at := range f.sent {
		if now.Sub(at) > SentFragmentWindow {
			delete(f.sent, id)
		}
	}
}

// reassemblySlot accumulates chunks for one (sender, fragment id) group
type reassemblySlot struct {
	originalType byte
	total        uint16
	chunks       map[uint16][]byte
	startedAt    time.Time
}

// Reassembler rebuilds original packets from fragment groups. Incomplete
// slots self-expire after FragmentSlotLifetime.
//
// Owned by the engine goroutine.
type Reassembler struct {
	slots   map[string]*reassemblySlot // "<sender hex>:<frag id hex>" -> slot
	nowFunc func() time.Time
}

// NewReassembler creates a reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{
		slots:   make(map[string]*reassemblySlot),
		nowFunc: time.Now,
	}
}

// Store adds a fragment chunk. When the slot holds all indices the chunks
// are concatenated in index order and returned as the reassembled encoding
// of the original packet.
func (r *Reassembler) Store(senderID []byte, fp *FragmentPayload) ([]byte, bool) {
	key := fmt.Sprintf("%x:%s", senderID, fp.IDHex())

	slot, exists := r.slots[key]
	if !exists {
		slot = &reassemblySlot{
			originalType: fp.OriginalType,
			total:        fp.Total,
			chunks:       make(map[uint16][]byte),
			startedAt:    r.nowFunc(),
		}
		r.slots[key] = slot
	}
	slot.chunks[fp.Index] = fp.Chunk

	if len(slot.chunks) < int(slot.total) {
		return nil, false
	}

	size := 0
	for _, chunk := range slot.chunks {
		size += len(chunk)
	}
	assembled := make([]byte, 0, size)
	for index := uint16(0); index < slot.total; index++ {
		assembled = append(assembled, slot.chunks[index]...)
	}
	delete(r.slots, key)
	return assembled, true
}

// SlotCount returns the number of open reassembly slots
func (r *Reassembler) SlotCount() int {
	return len(r.slots)
}

// Sweep drops slots older than the lifetime window
func (r *Reassembler) Sweep() {
	now := r.nowFunc()
	for key, slot := range r.slots {
		if now.Sub(slot.startedAt) > FragmentSlotLifetime {
			delete(r.slots, key)
		}
	}
}
