package models

import (
	"net"
	"strconv"
	"time"
)

// ConnectionState is the local view of a session with one remote peer.
type ConnectionState string

const (
	StateNotConnected ConnectionState = "not_connected"
	StatePending      ConnectionState = "pending"
	StateConnected    ConnectionState = "connected"
	StateRejected     ConnectionState = "rejected"
)

const (
	// SourceUDP marks peers found by the broadcast requester.
	SourceUDP = "udp"
	// SourceMDNS marks peers found by the mDNS browser.
	SourceMDNS = "mdns"
)

var allowedTransitions = map[ConnectionState][]ConnectionState{
	StateNotConnected: {StatePending},
	StatePending:      {StateConnected, StateRejected, StateNotConnected},
	StateConnected:    {StateNotConnected},
	StateRejected:     {StatePending},
}

// CanTransition reports whether the state machine allows moving to next.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// PeerDescriptor is the identity and reachability record of a discovered peer.
type PeerDescriptor struct {
	PeerID       string          `json:"peer_id"`
	DisplayName  string          `json:"display_name"`
	Address      string          `json:"address"`
	TransferPort int             `json:"transfer_port"`
	ControlPort  int             `json:"control_port"`
	State        ConnectionState `json:"connection_state"`
	Source       string          `json:"source"`
	LastSeen     time.Time       `json:"last_seen"`
}

// ControlAddr returns host:port of the peer's control listener.
func (p PeerDescriptor) ControlAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.ControlPort))
}

// TransferAddr returns host:port of the peer's transfer listener.
func (p PeerDescriptor) TransferAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.TransferPort))
}
