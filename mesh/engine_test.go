package mesh

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/user/echomesh/ble"
	"github.com/user/echomesh/protocol"
)

// Hashing "sim-device-b" into the peer-id space yields 563d5063...; peer-ids
// are picked around that value so exactly the intended side of each pair
// initiates and the topology is deterministic.

// recorder captures engine events for assertions
type recorder struct {
	mu           sync.Mutex
	messages     []recordedMessage
	connected    []string
	disconnected []string
}

type recordedMessage struct {
	fromPeerID string
	nickname   string
	content    string
}

func (r *recorder) events() Events {
	return Events{
		PublicMessage: func(fromPeerID, nickname, content string, timestamp time.Time) {
			r.mu.Lock()
			r.messages = append(r.messages, recordedMessage{fromPeerID, nickname, content})
			r.mu.Unlock()
		},
		PeerConnected: func(peerID string) {
			r.mu.Lock()
			r.connected = append(r.connected, peerID)
			r.mu.Unlock()
		},
		PeerDisconnected: func(peerID string) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, peerID)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) lastMessage() (recordedMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return recordedMessage{}, false
	}
	return r.messages[len(r.messages)-1], true
}

func (r *recorder) sawDisconnect(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.disconnected {
		if id == peerID {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newTestEngine(t *testing.T, bus *ble.SimBus, deviceUUID, peerID, nickname string) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{Nickname: nickname, PeerID: peerID}, bus.NewRadio(deviceUUID))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestTwoNodeExchange(t *testing.T) {
	bus := ble.NewSimBus()

	// B's peer-id beats the hash of A's device, A's yields to B's: exactly
	// one link forms, initiated by B.
	nodeA := newTestEngine(t, bus, "sim-device-a", "1111111111111111", "alice")
	nodeB := newTestEngine(t, bus, "sim-device-b", "ffffffffffffffff", "bob")

	recA, recB := &recorder{}, &recorder{}
	nodeA.SetEvents(recA.events())
	nodeB.SetEvents(recB.events())

	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA start failed: %v", err)
	}
	defer nodeA.Stop()
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB start failed: %v", err)
	}
	defer nodeB.Stop()

	// Discovery, link, reciprocal announces
	waitFor(t, 5*time.Second, "peers to bind", func() bool {
		return len(nodeA.ConnectedPeerIDs()) == 1 && len(nodeB.ConnectedPeerIDs()) == 1
	})

	if got := nodeA.ConnectedPeerIDs()[0]; got != "ffffffffffffffff" {
		t.Errorf("nodeA bound to %s", got)
	}
	if got := nodeB.ConnectedPeerIDs()[0]; got != "1111111111111111" {
		t.Errorf("nodeB bound to %s", got)
	}
	if nick := nodeB.PeerNicknames()["1111111111111111"]; nick != "alice" {
		t.Errorf("nodeB learned nickname %q", nick)
	}

	// Chat flows A -> B with the announced nickname attached
	nodeA.SendMessage("hello mesh")
	waitFor(t, 3*time.Second, "message at nodeB", func() bool {
		return recB.messageCount() == 1
	})
	msg, _ := recB.lastMessage()
	if msg.fromPeerID != "1111111111111111" || msg.nickname != "alice" || msg.content != "hello mesh" {
		t.Errorf("Unexpected message: %+v", msg)
	}

	// The sender never hears its own message, even when the remote relays it
	time.Sleep(300 * time.Millisecond)
	if recA.messageCount() != 0 {
		t.Errorf("nodeA received its own message")
	}
}

func TestTwoNodeFragmentedMessage(t *testing.T) {
	bus := ble.NewSimBus()

	nodeA := newTestEngine(t, bus, "sim-device-a", "1111111111111111", "alice")
	nodeB := newTestEngine(t, bus, "sim-device-b", "ffffffffffffffff", "bob")

	recB := &recorder{}
	nodeB.SetEvents(recB.events())

	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA start failed: %v", err)
	}
	defer nodeA.Stop()
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB start failed: %v", err)
	}
	defer nodeB.Stop()

	waitFor(t, 5*time.Second, "peers to bind", func() bool {
		return len(nodeA.ConnectedPeerIDs()) == 1 && len(nodeB.ConnectedPeerIDs()) == 1
	})

	// Hex of random bytes resists compression enough to stay oversize, so
	// the message travels as a paced fragment group.
	raw := make([]byte, 400)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	content := hex.EncodeToString(raw)

	nodeA.SendMessage(content)
	waitFor(t, 5*time.Second, "reassembled message at nodeB", func() bool {
		return recB.messageCount() == 1
	})
	msg, _ := recB.lastMessage()
	if msg.content != content {
		t.Errorf("Reassembled content differs: %d vs %d bytes", len(msg.content), len(content))
	}
}

func TestThreeNodeRelay(t *testing.T) {
	bus := ble.NewSimBus()

	// Chain topology: the ends cannot reach each other
	bus.SetReachable("sim-device-a", "sim-device-c", false)

	// A and C both beat the hash of B's device and initiate toward it; B
	// initiates nothing. Result: A-B and B-C links only.
	nodeA := newTestEngine(t, bus, "sim-device-a", "eeeeeeeeeeeeeeee", "alice")
	nodeB := newTestEngine(t, bus, "sim-device-b", "1111111111111111", "bob")
	nodeC := newTestEngine(t, bus, "sim-device-c", "dddddddddddddddd", "carol")

	recA, recC := &recorder{}, &recorder{}
	nodeA.SetEvents(recA.events())
	nodeC.SetEvents(recC.events())

	for _, node := range []*Engine{nodeA, nodeB, nodeC} {
		if err := node.Start(); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer node.Stop()
	}

	waitFor(t, 8*time.Second, "chain to form", func() bool {
		return len(nodeB.ConnectedPeerIDs()) == 2 &&
			len(nodeA.ConnectedPeerIDs()) == 1 && len(nodeC.ConnectedPeerIDs()) == 1
	})

	// The ends only see B directly
	if got := nodeA.ConnectedPeerIDs()[0]; got != "1111111111111111" {
		t.Fatalf("nodeA bound to %s", got)
	}
	if got := nodeC.ConnectedPeerIDs()[0]; got != "1111111111111111" {
		t.Fatalf("nodeC bound to %s", got)
	}

	// A's message reaches C through B's relay
	nodeA.SendMessage("across the chain")
	waitFor(t, 3*time.Second, "relayed message at nodeC", func() bool {
		return recC.messageCount() == 1
	})
	msg, _ := recC.lastMessage()
	if msg.fromPeerID != "eeeeeeeeeeeeeeee" || msg.content != "across the chain" {
		t.Errorf("Unexpected relayed message: %+v", msg)
	}

	// Dedup keeps the relay storm finite: nothing echoes back to A, and C
	// sees the message exactly once.
	time.Sleep(500 * time.Millisecond)
	if recA.messageCount() != 0 {
		t.Errorf("Relay echoed the message back to its sender")
	}
	if recC.messageCount() != 1 {
		t.Errorf("nodeC saw the message %d times", recC.messageCount())
	}

	// B has relayed C's announces to A by now. The far end is known by
	// nickname but never reported as directly connected: relayed announces
	// must not steal the link binding from B.
	if got := nodeA.ConnectedPeerIDs(); len(got) != 1 || got[0] != "1111111111111111" {
		t.Fatalf("nodeA reports a two-hop peer as directly connected: %v", got)
	}
	if nick := nodeA.PeerNicknames()["dddddddddddddddd"]; nick != "carol" {
		t.Errorf("nodeA should know the far end via relay, got %q", nick)
	}

	// C leaving removes the peer entry at A but must not tear down A's
	// direct link to B.
	nodeC.Stop()
	waitFor(t, 3*time.Second, "far-end leave at nodeA", func() bool {
		return recA.sawDisconnect("dddddddddddddddd")
	})
	if got := nodeA.ConnectedPeerIDs(); len(got) != 1 || got[0] != "1111111111111111" {
		t.Errorf("Leave of a two-hop peer dropped the direct link: %v", got)
	}
}

// frameSink is a bare radio endpoint recording every frame an engine writes
// to it
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) CentralState(ble.RadioState)             {}
func (s *frameSink) PeripheralState(ble.RadioState)          {}
func (s *frameSink) Discovered(string, int, bool)            {}
func (s *frameSink) Connected(string)                        {}
func (s *frameSink) ConnectFailed(string, error)             {}
func (s *frameSink) Disconnected(string, error)              {}
func (s *frameSink) ServiceDiscovered(string)                {}
func (s *frameSink) CharacteristicDiscovered(string, string) {}
func (s *frameSink) NotificationReceived(string, []byte)     {}
func (s *frameSink) Subscribed(string)                       {}
func (s *frameSink) Unsubscribed(string)                     {}
func (s *frameSink) ReadyToNotify()                          {}

func (s *frameSink) WriteReceived(centralUUID string, data []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
}

func (s *frameSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// findMessage returns the captured message packet with the given timestamp
func (s *frameSink) findMessage(timestamp uint64) *protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, frame := range s.frames {
		p, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		if p.Type == protocol.TypeMessage && p.Timestamp == timestamp {
			return p
		}
	}
	return nil
}

func TestRelayDecrementsTTL(t *testing.T) {
	bus := ble.NewSimBus()

	// The engine's peer-id beats the hash of the sink's device, so the
	// engine initiates and every frame it broadcasts lands in the sink.
	engine := newTestEngine(t, bus, "sim-device-a", "ffffffffffffffff", "relay")
	if err := engine.Start(); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	defer engine.Stop()

	sink := &frameSink{}
	radio := bus.NewRadio("sim-device-b")
	radio.SetEvents(sink)
	if err := radio.Start(); err != nil {
		t.Fatalf("radio start failed: %v", err)
	}
	defer radio.Stop()
	if err := radio.StartAdvertising(ble.ServiceUUID); err != nil {
		t.Fatalf("advertising failed: %v", err)
	}

	// The engine's announce marks the link usable
	waitFor(t, 5*time.Second, "link to engine", func() bool {
		return sink.frameCount() > 0
	})

	sender := []byte{0x99, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99, 0x99}
	inject := func(ttl byte, timestamp uint64) {
		data, err := protocol.Encode(&protocol.Packet{
			Version:   protocol.ProtocolVersion,
			Type:      protocol.TypeMessage,
			TTL:       ttl,
			Timestamp: timestamp,
			SenderID:  sender,
			Payload:   []byte("hop"),
		}, false)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if err := radio.PublishNotification(ble.CharacteristicUUID, data, []string{"sim-device-a"}); err != nil {
			t.Fatalf("inject failed: %v", err)
		}
	}

	// TTL 2 comes back with exactly one hop spent
	inject(2, 1000)
	var relayed *protocol.Packet
	waitFor(t, 2*time.Second, "relayed frame", func() bool {
		relayed = sink.findMessage(1000)
		return relayed != nil
	})
	if relayed.TTL != 1 {
		t.Errorf("Relayed TTL = %d, want 1", relayed.TTL)
	}
	if !bytes.Equal(relayed.SenderID, sender) {
		t.Errorf("Relay changed the sender: %x", relayed.SenderID)
	}

	// TTL 1 is consumed, never re-emitted
	inject(1, 2000)
	time.Sleep(400 * time.Millisecond)
	if sink.findMessage(2000) != nil {
		t.Errorf("TTL-1 packet was relayed")
	}
}

func TestRelayedAnnounceNeverBindsLink(t *testing.T) {
	bus := ble.NewSimBus()

	engine := newTestEngine(t, bus, "sim-device-a", "ffffffffffffffff", "relay")
	if err := engine.Start(); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	defer engine.Stop()

	sink := &frameSink{}
	radio := bus.NewRadio("sim-device-b")
	radio.SetEvents(sink)
	if err := radio.Start(); err != nil {
		t.Fatalf("radio start failed: %v", err)
	}
	defer radio.Stop()
	if err := radio.StartAdvertising(ble.ServiceUUID); err != nil {
		t.Fatalf("advertising failed: %v", err)
	}

	waitFor(t, 5*time.Second, "link to engine", func() bool {
		return sink.frameCount() > 0
	})

	announce := func(ttl byte, nickname, peerID string, timestamp uint64) {
		payload, err := protocol.EncodeAnnounce(nickname, peerID)
		if err != nil {
			t.Fatalf("announce encode failed: %v", err)
		}
		data, err := protocol.Encode(&protocol.Packet{
			Version:   protocol.ProtocolVersion,
			Type:      protocol.TypeAnnounce,
			TTL:       ttl,
			Timestamp: timestamp,
			SenderID:  protocol.SenderIDFromPeerID(peerID),
			Payload:   payload,
		}, false)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if err := radio.PublishNotification(ble.CharacteristicUUID, data, []string{"sim-device-a"}); err != nil {
			t.Fatalf("inject failed: %v", err)
		}
	}

	// A relayed announce (spent hop budget) arrives before the neighbor's
	// own: the peer becomes known but the link stays unbound.
	announce(MessageTTL-1, "carol", "dddddddddddddddd", 1000)
	waitFor(t, 2*time.Second, "relayed peer learned", func() bool {
		return engine.PeerNicknames()["dddddddddddddddd"] == "carol"
	})
	if got := engine.ConnectedPeerIDs(); len(got) != 0 {
		t.Fatalf("Relayed announce bound the link: %v", got)
	}

	// The neighbor's direct announce then takes the binding
	announce(MessageTTL, "bob", "9999999999999999", 2000)
	waitFor(t, 2*time.Second, "direct peer bound", func() bool {
		got := engine.ConnectedPeerIDs()
		return len(got) == 1 && got[0] == "9999999999999999"
	})
}

func TestLeaveRemovesPeer(t *testing.T) {
	bus := ble.NewSimBus()

	nodeA := newTestEngine(t, bus, "sim-device-a", "1111111111111111", "alice")
	nodeB := newTestEngine(t, bus, "sim-device-b", "ffffffffffffffff", "bob")

	recB := &recorder{}
	nodeB.SetEvents(recB.events())

	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA start failed: %v", err)
	}
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB start failed: %v", err)
	}
	defer nodeB.Stop()

	waitFor(t, 5*time.Second, "peers to bind", func() bool {
		return len(nodeB.ConnectedPeerIDs()) == 1
	})

	// A's shutdown broadcasts a leave; B forgets the peer without waiting
	// for the inactivity sweep.
	nodeA.Stop()
	waitFor(t, 3*time.Second, "leave to propagate", func() bool {
		return recB.sawDisconnect("1111111111111111")
	})
	if nodeB.PeerNicknames()["1111111111111111"] != "" {
		t.Errorf("nodeB still knows the departed peer")
	}
}

func TestServiceUUIDKeepsMeshesApart(t *testing.T) {
	bus := ble.NewSimBus()

	nodeA := newTestEngine(t, bus, "sim-device-a", "1111111111111111", "alice")
	nodeB, err := NewEngine(Config{
		Nickname:    "bob",
		PeerID:      "ffffffffffffffff",
		ServiceUUID: ble.ServiceUUIDTestnet,
	}, bus.NewRadio("sim-device-b"))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA start failed: %v", err)
	}
	defer nodeA.Stop()
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB start failed: %v", err)
	}
	defer nodeB.Stop()

	// A testnet node and a production node share the air but never link
	time.Sleep(1500 * time.Millisecond)
	if n := len(nodeA.ConnectedPeerIDs()); n != 0 {
		t.Errorf("Production node linked across service UUIDs: %d peers", n)
	}
	if n := len(nodeB.ConnectedPeerIDs()); n != 0 {
		t.Errorf("Testnet node linked across service UUIDs: %d peers", n)
	}
}

func TestEngineRejectsBadPeerID(t *testing.T) {
	bus := ble.NewSimBus()
	if _, err := NewEngine(Config{PeerID: "not-hex"}, bus.NewRadio("sim-device-a")); err == nil {
		t.Errorf("Expected error for invalid peer id")
	}
}

func TestEngineDerivesPeerID(t *testing.T) {
	bus := ble.NewSimBus()
	engine, err := NewEngine(Config{Nickname: "x"}, bus.NewRadio("sim-device-a"))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if len(engine.PeerID()) != 16 {
		t.Errorf("Derived peer id %q has wrong length", engine.PeerID())
	}
}
