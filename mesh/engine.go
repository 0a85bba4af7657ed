package mesh

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/user/echomesh/ble"
	"github.com/user/echomesh/logger"
	"github.com/user/echomesh/protocol"
)

// Events are the callbacks delivered to the upper layer. They are invoked on
// the engine goroutine and must not block.
type Events struct {
	PublicMessage    func(fromPeerID, nickname, content string, timestamp time.Time)
	PeerConnected    func(peerID string)
	PeerDisconnected func(peerID string)
	PeerListChanged  func(peerIDs []string)
}

// Config configures an Engine
type Config struct {
	// Nickname broadcast in announces
	Nickname string
	// PeerID is the 16-hex-char node identifier. Derived from fresh entropy
	// when empty.
	PeerID string
	// ServiceUUID overrides the mesh service UUID (testnet builds)
	ServiceUUID string
}

// engineQueueLen bounds the engine event queue
const engineQueueLen = 512

// Engine owns the receive pipeline: decode, dedup, dispatch, relay. It is
// single-writer: one goroutine owns the deduplicators, the reassembly slots,
// the peer table, the announce clock and the traffic trace. Radio callbacks
// and timers submit closures to that goroutine through a queue.
type Engine struct {
	peerID   string
	senderID []byte

	links   *ble.LinkManager
	scanner *AdaptiveScanner

	// State below is owned by the engine goroutine
	packetDedup  *Deduplicator
	fragDedup    *Deduplicator
	frag         *Fragmenter
	reasm        *Reassembler
	lastAnnounce time.Time
	ready        bool
	rng          *mrand.Rand

	peers  *PeerTable
	events Events

	cmds   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	nickname string
	started  bool
}

// NewEngine creates a mesh engine over the given radio
func NewEngine(cfg Config, radio ble.Radio) (*Engine, error) {
	peerID := cfg.PeerID
	if peerID == "" {
		var entropy [32]byte
		if _, err := cryptorand.Read(entropy[:]); err != nil {
			return nil, fmt.Errorf("failed to derive peer id: %w", err)
		}
		peerID = protocol.DerivePeerID(entropy[:])
	}
	if !protocol.ValidPeerID(peerID) {
		return nil, fmt.Errorf("invalid peer id %q", peerID)
	}

	serviceUUID := cfg.ServiceUUID
	if serviceUUID == "" {
		serviceUUID = ble.ServiceUUID
	}

	e := &Engine{
		peerID:      peerID,
		senderID:    protocol.SenderIDFromPeerID(peerID),
		nickname:    cfg.Nickname,
		packetDedup: NewDeduplicator(DedupWindowPackets, DedupCapPackets),
		fragDedup:   NewDeduplicator(DedupWindowFragments, DedupCapFragments),
		frag:        NewFragmenter(),
		reasm:       NewReassembler(),
		peers:       NewPeerTable(),
		rng:         mrand.New(mrand.NewSource(time.Now().UnixNano())),
		cmds:        make(chan func(), engineQueueLen),
		stopCh:      make(chan struct{}),
	}
	e.links = ble.NewLinkManager(peerID, serviceUUID, ble.CharacteristicUUID, radio)
	e.scanner = NewAdaptiveScanner(e.links, e.prefix())
	return e, nil
}

// SetEvents registers upper-layer callbacks. Must be called before Start.
func (e *Engine) SetEvents(events Events) {
	e.events = events
}

// PeerID returns the local peer identifier
func (e *Engine) PeerID() string {
	return e.peerID
}

// Nickname returns the local nickname
func (e *Engine) Nickname() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nickname
}

func (e *Engine) prefix() string {
	return fmt.Sprintf("%s Mesh", e.peerID[:8])
}

// post submits work to the engine goroutine. Never blocks: if the queue is
// full the event is dropped, which the mesh tolerates the same way it
// tolerates radio loss.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	default:
		logger.Warn(e.prefix(), "engine queue overflow, event dropped")
	}
}

// Start powers up both radio roles and begins meshing
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.links.SetHandlers(ble.LinkHandlers{
		Data: func(source string, data []byte) {
			e.post(func() { e.handleFrame(source, data, false) })
		},
		LinkUp: func(source string) {
			e.post(func() { e.onLinkUp(source) })
		},
		LinkDown: func(source, peerID string) {
			e.post(func() { e.onLinkDown(source, peerID) })
		},
		StateChanged: func() {
			e.post(func() { e.onStateChanged() })
		},
	})

	e.wg.Add(1)
	go e.loop()

	logger.Info(e.prefix(), "starting mesh services")
	return e.links.Start()
}

// Stop broadcasts a leave, tears down all links and halts the engine
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	// Give peers a chance to see us go
	done := make(chan struct{})
	e.post(func() {
		e.broadcast(&protocol.Packet{
			Version:   protocol.ProtocolVersion,
			Type:      protocol.TypeLeave,
			TTL:       MessageTTL,
			Timestamp: uint64(time.Now().UnixMilli()),
			SenderID:  e.senderID,
		})
		close(done)
	})
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}

	close(e.stopCh)
	e.wg.Wait()
	e.scanner.Stop()
	e.links.Stop()
	logger.Info(e.prefix(), "mesh services stopped")
}

// SetNickname updates the broadcast nickname and triggers a throttled
// announce.
func (e *Engine) SetNickname(nickname string) {
	e.mu.Lock()
	changed := e.nickname != nickname
	e.nickname = nickname
	e.mu.Unlock()

	if changed {
		e.post(func() { e.maybeAnnounce(false) })
	}
}

// SendMessage broadcasts a public chat message into the mesh
func (e *Engine) SendMessage(content string) {
	e.post(func() {
		e.broadcast(&protocol.Packet{
			Version:   protocol.ProtocolVersion,
			Type:      protocol.TypeMessage,
			TTL:       MessageTTL,
			Timestamp: uint64(time.Now().UnixMilli()),
			SenderID:  e.senderID,
			Payload:   []byte(content),
		})
	})
}

// ConnectedPeerIDs returns peers currently bound to live links
func (e *Engine) ConnectedPeerIDs() []string {
	return e.peers.ConnectedIDs()
}

// PeerNicknames returns a snapshot of peer-id -> nickname
func (e *Engine) PeerNicknames() map[string]string {
	return e.peers.Nicknames()
}

// --- Engine goroutine -----------------------------------------------------

func (e *Engine) loop() {
	defer e.wg.Done()

	maintenance := time.NewTicker(MaintenanceInterval)
	defer maintenance.Stop()
	periodicAnnounce := time.NewTicker(PeriodicAnnounce)
	defer periodicAnnounce.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case fn := <-e.cmds:
			fn()
		case <-maintenance.C:
			e.maintain()
		case <-periodicAnnounce.C:
			if e.links.DirectCount() > 0 {
				e.maybeAnnounce(false)
			}
		}
	}
}

func (e *Engine) onStateChanged() {
	if !e.links.Ready() || e.ready {
		return
	}
	e.ready = true

	logger.Info(e.prefix(), "radio ready, advertising and scanning")
	e.links.StartAdvertising()
	e.scanner.Start()

	// Initial announce after a short settle
	time.AfterFunc(SettleDelay, func() {
		e.post(func() { e.maybeAnnounce(true) })
	})
}

func (e *Engine) onLinkUp(source string) {
	e.scanner.SetConnections(e.links.DirectCount())
	time.AfterFunc(PostConnectAnnounceDelay, func() {
		e.post(func() { e.maybeAnnounce(false) })
	})
}

func (e *Engine) onLinkDown(source, peerID string) {
	e.scanner.SetConnections(e.links.DirectCount())
	if peerID == "" {
		return
	}
	if e.peers.Remove(peerID) {
		logger.Info(e.prefix(), "peer %s disconnected", peerID)
		if e.events.PeerDisconnected != nil {
			e.events.PeerDisconnected(peerID)
		}
		e.emitPeerList()
	}
}

// handleFrame is the receive pipeline: trace, decode, dedup, dispatch, relay.
func (e *Engine) handleFrame(source string, data []byte, wasFragmented bool) {
	e.scanner.ObservePacket()

	p, err := protocol.Decode(data)
	if err != nil {
		logger.Debug(e.prefix(), "dropping frame from %s: %v", source, err)
		return
	}

	// Fragments dedup per-arrival inside handleFragment
	if p.Type != protocol.TypeFragment {
		id := p.ID()
		if e.packetDedup.IsDuplicate(id) {
			return
		}
		e.packetDedup.MarkProcessed(id)
	}

	switch p.Type {
	case protocol.TypeAnnounce:
		e.handleAnnounce(source, p)
	case protocol.TypeMessage:
		e.handleMessage(p)
	case protocol.TypeLeave:
		e.handleLeave(p)
	case protocol.TypeFragment:
		e.handleFragment(source, p)
		return // relay decided per-fragment inside
	default:
		logger.Debug(e.prefix(), "unknown packet type %d from %s", p.Type, source)
		return
	}

	e.maybeRelay(p, wasFragmented)
}

func (e *Engine) handleAnnounce(source string, p *protocol.Packet) {
	nickname, peerID, err := protocol.DecodeAnnounce(p.Payload)
	if err != nil || !protocol.ValidPeerID(peerID) {
		logger.Debug(e.prefix(), "bad announce from %s: %v", source, err)
		return
	}
	if peerID == e.peerID {
		return
	}

	e.peers.Upsert(peerID, nickname, time.Now())

	// Only an announce that has traveled zero hops can bind the link it
	// arrived on; relayed announces describe multi-hop peers, not the
	// neighbor terminating this link.
	if p.TTL == MessageTTL && e.links.BindPeer(source, peerID) {
		e.peers.SetConnected(peerID, true)
		logger.Info(e.prefix(), "peer %s (%s) connected via %s", peerID, nickname, source)
		if e.events.PeerConnected != nil {
			e.events.PeerConnected(peerID)
		}
	}

	// Answer so the remote learns our identity too
	time.AfterFunc(ReciprocalAnnounceDelay, func() {
		e.post(func() { e.maybeAnnounce(false) })
	})

	e.emitPeerList()
}

func (e *Engine) handleMessage(p *protocol.Packet) {
	if bytes.Equal(p.SenderID, e.senderID) {
		return // our own message echoed back
	}

	fromPeerID := hex.EncodeToString(p.SenderID)
	nickname, ok := e.peers.Nickname(fromPeerID)
	if !ok || nickname == "" {
		nickname = "anon"
	}

	if e.events.PublicMessage != nil {
		e.events.PublicMessage(fromPeerID, nickname, string(p.Payload), time.UnixMilli(int64(p.Timestamp)))
	}
}

func (e *Engine) handleLeave(p *protocol.Packet) {
	peerID := hex.EncodeToString(p.SenderID)
	if peerID == e.peerID {
		return
	}

	e.links.DisconnectPeer(peerID)
	if e.peers.Remove(peerID) {
		logger.Info(e.prefix(), "peer %s left", peerID)
		if e.events.PeerDisconnected != nil {
			e.events.PeerDisconnected(peerID)
		}
		e.emitPeerList()
	}
}

func (e *Engine) handleFragment(source string, p *protocol.Packet) {
	fp, err := ParseFragment(p.Payload)
	if err != nil {
		logger.Debug(e.prefix(), "bad fragment from %s: %v", source, err)
		return
	}

	if e.frag.WasSent(fp.IDHex()) {
		return // our own fragment reflected by a relay
	}

	key := fp.DedupKey(p.SenderID)
	if e.fragDedup.IsDuplicate(key) {
		return
	}
	e.fragDedup.MarkProcessed(key)

	// Forward the raw fragment, preserving the fragmented transport
	e.maybeRelay(p, false)

	if assembled, done := e.reasm.Store(p.SenderID, fp); done {
		logger.Debug(e.prefix(), "reassembled %d-byte packet from %s", len(assembled), fp.IDHex())
		e.handleFrame(source, assembled, true)
	}
}

// maybeRelay re-broadcasts a packet with TTL-1 after a short jitter, subject
// to the density-dependent relay policy.
func (e *Engine) maybeRelay(p *protocol.Packet, wasFragmented bool) {
	if p.TTL <= 1 {
		return
	}
	if !e.relayAllowed(p.Type) {
		return
	}

	relay := *p
	relay.TTL = p.TTL - 1

	jitter := RelayJitterMin + time.Duration(e.rng.Int63n(int64(RelayJitterMax-RelayJitterMin)))
	time.AfterFunc(jitter, func() {
		e.post(func() { e.broadcast(&relay) })
	})
}

// relayAllowed applies the density-dependent relay probability
func (e *Engine) relayAllowed(packetType byte) bool {
	connected := e.links.DirectCount()
	switch {
	case connected <= 2:
		return true
	case connected > 5 && packetType == protocol.TypeAnnounce:
		return e.rng.Float64() < 0.3
	case connected > 5:
		return e.rng.Float64() < 0.5
	default:
		return true
	}
}

// broadcast is the single outbound entry: encode, pre-mark our own packet id
// so the local echo cannot loop, fragment when oversize, write everywhere.
func (e *Engine) broadcast(p *protocol.Packet) {
	data, err := protocol.Encode(p, false)
	if err != nil {
		logger.Error(e.prefix(), "encode failed: %v", err)
		return
	}
	e.packetDedup.MarkProcessed(p.ID())

	effective := e.links.EffectiveWriteLen()
	if len(data) <= effective || p.Type == protocol.TypeFragment {
		// Fragments are never re-fragmented, whatever the link MTU does
		e.links.Broadcast(data)
		return
	}

	fragments, err := e.frag.Split(p, effective)
	if err != nil {
		logger.Error(e.prefix(), "fragmentation failed: %v", err)
		return
	}

	encoded := make([][]byte, 0, len(fragments))
	for _, frag := range fragments {
		fragData, err := protocol.Encode(frag, false)
		if err != nil {
			logger.Error(e.prefix(), "fragment encode failed: %v", err)
			return
		}
		encoded = append(encoded, fragData)
	}

	delay := PaceDelay(len(encoded))
	logger.Debug(e.prefix(), "sending %d fragments, %s apart", len(encoded), delay)

	// Emission runs off the engine goroutine; index order and spacing per
	// fragment id are preserved because one goroutine owns the whole group.
	go func() {
		for i, fragData := range encoded {
			if i > 0 {
				time.Sleep(delay)
			}
			e.links.Broadcast(fragData)
		}
	}()
}

// maybeAnnounce broadcasts an announce unless inside the minimum
// inter-announce interval. force bypasses the throttle.
func (e *Engine) maybeAnnounce(force bool) {
	if !e.ready {
		return
	}
	now := time.Now()
	if !force && !e.lastAnnounce.IsZero() && now.Sub(e.lastAnnounce) < AnnounceMinInterval {
		return
	}
	e.lastAnnounce = now

	e.mu.RLock()
	nickname := e.nickname
	e.mu.RUnlock()

	payload, err := protocol.EncodeAnnounce(nickname, e.peerID)
	if err != nil {
		logger.Error(e.prefix(), "announce encode failed: %v", err)
		return
	}

	e.broadcast(&protocol.Packet{
		Version:   protocol.ProtocolVersion,
		Type:      protocol.TypeAnnounce,
		TTL:       MessageTTL,
		Timestamp: uint64(now.UnixMilli()),
		SenderID:  e.senderID,
		Payload:   payload,
	})
}

// maintain evicts stale links, expired reassembly slots and inactive peers
func (e *Engine) maintain() {
	changed := false
	for _, peerID := range e.links.EvictStale(PeerInactivity) {
		if e.peers.Remove(peerID) {
			logger.Info(e.prefix(), "peer %s evicted (inactive)", peerID)
			if e.events.PeerDisconnected != nil {
				e.events.PeerDisconnected(peerID)
			}
			changed = true
		}
	}

	e.reasm.Sweep()

	if removed := e.peers.SweepInactive(time.Now(), PeerInactivity); len(removed) > 0 {
		changed = true
	}
	if changed {
		e.emitPeerList()
	}
}

func (e *Engine) emitPeerList() {
	if e.events.PeerListChanged != nil {
		e.events.PeerListChanged(e.peers.IDs())
	}
}
