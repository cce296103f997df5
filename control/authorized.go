package control

import (
	"sort"
	"sync"
)

// AuthorizedPeerSet holds the peer ids currently allowed to list and fetch
// files. Membership is re-checked on every request.
type AuthorizedPeerSet struct {
	mu    sync.RWMutex
	peers map[string]struct{}
}

// NewAuthorizedPeerSet returns an empty set.
func NewAuthorizedPeerSet() *AuthorizedPeerSet {
	return &AuthorizedPeerSet{peers: make(map[string]struct{})}
}

// Add inserts id and reports whether it was newly added.
func (s *AuthorizedPeerSet) Add(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return false
	}
	s.peers[id] = struct{}{}
	return true
}

// Remove deletes id and reports whether it was present.
func (s *AuthorizedPeerSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	return true
}

// Contains reports whether id is authorized.
func (s *AuthorizedPeerSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// Snapshot returns the sorted member ids.
func (s *AuthorizedPeerSet) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear removes every member.
func (s *AuthorizedPeerSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[string]struct{})
}
