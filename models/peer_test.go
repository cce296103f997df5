package models

import "testing"

func TestConnectionStateTransitions(t *testing.T) {
	allowed := []struct {
		from, to ConnectionState
	}{
		{StateNotConnected, StatePending},
		{StatePending, StateConnected},
		{StatePending, StateRejected},
		{StateConnected, StateNotConnected},
		{StateRejected, StatePending},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to ConnectionState
	}{
		{StateNotConnected, StateConnected},
		{StateConnected, StatePending},
		{StateRejected, StateConnected},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestPeerDescriptorAddresses(t *testing.T) {
	peer := PeerDescriptor{Address: "10.0.0.7", TransferPort: 6001, ControlPort: 7001}
	if got := peer.ControlAddr(); got != "10.0.0.7:7001" {
		t.Fatalf("unexpected control addr %q", got)
	}
	if got := peer.TransferAddr(); got != "10.0.0.7:6001" {
		t.Fatalf("unexpected transfer addr %q", got)
	}
}
