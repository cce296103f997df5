package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"lanshare/models"
)

var (
	// ErrUnknownPeer is returned when a peer id is not in the table.
	ErrUnknownPeer = errors.New("node: unknown peer")
	// ErrInvalidTransition is returned when a connection state change is not allowed.
	ErrInvalidTransition = errors.New("node: invalid state transition")
)

// PeerTable is the node's view of discovered peers keyed by peer id.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]models.PeerDescriptor
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]models.PeerDescriptor)}
}

// Get returns the descriptor for peerID.
func (t *PeerTable) Get(peerID string) (models.PeerDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[peerID]
	return peer, ok
}

// List returns all peers ordered by display name then id.
func (t *PeerTable) List() []models.PeerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedPeers(t.peers, nil)
}

// Connected returns peers holding an established session.
func (t *PeerTable) Connected() []models.PeerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedPeers(t.peers, func(p models.PeerDescriptor) bool {
		return p.State == models.StateConnected
	})
}

// Upsert records a discovered peer. Reachability fields are refreshed and
// the existing connection state is kept.
func (t *PeerTable) Upsert(peer models.PeerDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(peer)
}

// ApplySnapshot replaces the table with a scan result. Peers with a session
// in progress or established survive even when missing from the scan.
func (t *PeerTable) ApplySnapshot(peers []models.PeerDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		seen[peer.PeerID] = struct{}{}
		t.upsertLocked(peer)
	}
	for id, peer := range t.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if peer.State == models.StateConnected || peer.State == models.StatePending {
			continue
		}
		delete(t.peers, id)
	}
}

// RemoveStale drops peerID unless it holds a session.
func (t *PeerTable) RemoveStale(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok || peer.State == models.StateConnected || peer.State == models.StatePending {
		return false
	}
	delete(t.peers, peerID)
	return true
}

// Remove drops peerID regardless of state.
func (t *PeerTable) Remove(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peerID]; !ok {
		return false
	}
	delete(t.peers, peerID)
	return true
}

// Transition moves peerID to next when the state machine allows it.
func (t *PeerTable) Transition(peerID string, next models.ConnectionState) (models.PeerDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[peerID]
	if !ok {
		return models.PeerDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if !peer.State.CanTransition(next) {
		return peer, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, peer.State, next)
	}
	peer.State = next
	t.peers[peerID] = peer
	return peer, nil
}

// Rename updates the display name of a known peer.
func (t *PeerTable) Rename(peerID, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[peerID]
	if !ok || name == "" {
		return false
	}
	peer.DisplayName = name
	t.peers[peerID] = peer
	return true
}

func (t *PeerTable) upsertLocked(peer models.PeerDescriptor) {
	if peer.PeerID == "" {
		return
	}
	existing, ok := t.peers[peer.PeerID]
	if ok {
		peer.State = existing.State
	} else if peer.State == "" {
		peer.State = models.StateNotConnected
	}
	t.peers[peer.PeerID] = peer
}

func sortedPeers(peers map[string]models.PeerDescriptor, keep func(models.PeerDescriptor) bool) []models.PeerDescriptor {
	out := make([]models.PeerDescriptor, 0, len(peers))
	for _, peer := range peers {
		if keep != nil && !keep(peer) {
			continue
		}
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}
