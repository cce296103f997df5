package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"lanshare/models"
)

func TestPeerScannerManualRefreshUpdatesSnapshot(t *testing.T) {
	var calls int32
	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: time.Hour,
		Scan: func(ctx context.Context) ([]models.PeerDescriptor, error) {
			call := atomic.AddInt32(&calls, 1)
			peers := []models.PeerDescriptor{testPeer("peer-1", "Bob")}
			if call >= 2 {
				peers = append(peers, testPeer("peer-2", "Carol"))
			}
			return peers, nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if peers := scanner.ListPeers(); len(peers) != 2 {
		t.Fatalf("expected two peers after refresh, got %d", len(peers))
	}
}

func TestPeerScannerEmitsUpsertAndRemovalEvents(t *testing.T) {
	var calls int32
	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: time.Hour,
		Scan: func(ctx context.Context) ([]models.PeerDescriptor, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return []models.PeerDescriptor{testPeer("peer-1", "Bob"), testPeer("peer-2", "Carol")}, nil
			}
			return []models.PeerDescriptor{testPeer("peer-2", "Carol")}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	upserts := 0
	removed := ""
	timeout := time.After(time.Second)
	for upserts < 2 || removed == "" {
		select {
		case event := <-scanner.Events():
			switch event.Type {
			case EventPeerUpserted:
				upserts++
			case EventPeerRemoved:
				removed = event.Peer.PeerID
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events: upserts=%d removed=%q", upserts, removed)
		}
	}
	if removed != "peer-1" {
		t.Fatalf("expected peer-1 removal, got %q", removed)
	}
}

func TestPeerScannerRefreshReportsScanError(t *testing.T) {
	scanErr := errors.New("socket unavailable")
	var calls int32
	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: time.Hour,
		Scan: func(ctx context.Context) ([]models.PeerDescriptor, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return []models.PeerDescriptor{testPeer("peer-1", "Bob")}, nil
			}
			return nil, scanErr
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); !errors.Is(err, scanErr) {
		t.Fatalf("expected scan error, got %v", err)
	}
	if peers := scanner.ListPeers(); len(peers) != 1 {
		t.Fatalf("expected failed scan to keep previous snapshot, got %d peers", len(peers))
	}
}

func TestPeerScannerRefreshAfterStop(t *testing.T) {
	scanner, err := NewPeerScanner(ScannerConfig{
		Scan: func(ctx context.Context) ([]models.PeerDescriptor, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	scanner.Stop()

	if err := scanner.Refresh(context.Background()); !errors.Is(err, ErrScannerStopped) {
		t.Fatalf("expected ErrScannerStopped, got %v", err)
	}
}

func TestPeerScannerRefreshStartsScanner(t *testing.T) {
	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: time.Hour,
		Scan: func(ctx context.Context) ([]models.PeerDescriptor, error) {
			return []models.PeerDescriptor{testPeer("peer-1", "Bob")}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh before Start failed: %v", err)
	}
	if peers := scanner.ListPeers(); len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
}

func TestPeerScannerCannotRestartAfterStop(t *testing.T) {
	scanner, err := NewPeerScanner(ScannerConfig{
		Scan: func(ctx context.Context) ([]models.PeerDescriptor, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	scanner.Stop()
	scanner.Stop()

	if err := scanner.Start(); !errors.Is(err, ErrScannerStopped) {
		t.Fatalf("expected ErrScannerStopped, got %v", err)
	}
}

func testPeer(peerID, name string) models.PeerDescriptor {
	return models.PeerDescriptor{
		PeerID:       peerID,
		DisplayName:  name,
		Address:      "10.0.0.2",
		TransferPort: 6000,
		ControlPort:  7000,
		State:        models.StateNotConnected,
		Source:       models.SourceUDP,
	}
}
