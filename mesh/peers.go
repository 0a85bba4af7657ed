package mesh

import (
	"sort"
	"sync"
	"time"
)

// Peer is what we know about another node. A peer appears via announce or
// link establishment; the nickname is whatever the most recent announce
// carried.
type Peer struct {
	ID        string
	Nickname  string
	LastSeen  time.Time
	Connected bool // bound to a live link
}

// PeerTable tracks known peers. The engine goroutine is the only writer;
// the mutex exists so the upper-layer query API can read snapshots.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerTable creates an empty peer table
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

// Upsert records an announce from a peer. Returns true when the peer is new.
func (pt *PeerTable) Upsert(peerID, nickname string, now time.Time) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	peer, exists := pt.peers[peerID]
	if !exists {
		pt.peers[peerID] = &Peer{ID: peerID, Nickname: nickname, LastSeen: now}
		return true
	}
	peer.Nickname = nickname
	peer.LastSeen = now
	return false
}

// SetConnected marks whether a peer is bound to a live link
func (pt *PeerTable) SetConnected(peerID string, connected bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if peer, exists := pt.peers[peerID]; exists {
		peer.Connected = connected
	}
}

// Remove deletes a peer. Returns true if it existed.
func (pt *PeerTable) Remove(peerID string) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	_, exists := pt.peers[peerID]
	delete(pt.peers, peerID)
	return exists
}

// Nickname returns the peer's nickname, if known
func (pt *PeerTable) Nickname(peerID string) (string, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	peer, exists := pt.peers[peerID]
	if !exists {
		return "", false
	}
	return peer.Nickname, true
}

// Nicknames returns a snapshot of peer-id -> nickname
func (pt *PeerTable) Nicknames() map[string]string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make(map[string]string, len(pt.peers))
	for id, peer := range pt.peers {
		out[id] = peer.Nickname
	}
	return out
}

// IDs returns all known peer ids, sorted
func (pt *PeerTable) IDs() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]string, 0, len(pt.peers))
	for id := range pt.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectedIDs returns peer ids currently bound to live links, sorted
func (pt *PeerTable) ConnectedIDs() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := []string{}
	for id, peer := range pt.peers {
		if peer.Connected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of known peers
func (pt *PeerTable) Count() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}

// SweepInactive removes disconnected peers not seen within timeout. Returns
// the removed ids.
func (pt *PeerTable) SweepInactive(now time.Time, timeout time.Duration) []string {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var removed []string
	for id, peer := range pt.peers {
		if peer.Connected {
			continue
		}
		if now.Sub(peer.LastSeen) > timeout {
			delete(pt.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}
