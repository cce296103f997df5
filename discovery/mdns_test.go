package discovery

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"

	"lanshare/models"
)

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := MDNSConfig{
		SelfPeerID:   "peer-123",
		DisplayName:  "Alice Laptop",
		TransferPort: 6100,
		ControlPort:  7100,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		t.Fatalf("StartAdvertiser failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}
	advertiser.Stop()

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 7100 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=peer-123")
	assertContainsTXT(t, gotTXT, "transfer_port=6100")
	assertContainsTXT(t, gotTXT, "control_port=7100")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartAdvertiserRejectsMissingPorts(t *testing.T) {
	_, err := StartAdvertiser(MDNSConfig{SelfPeerID: "peer", DisplayName: "Peer"})
	if err == nil {
		t.Fatalf("expected error for missing ports")
	}
}

func TestBrowseMDNSFiltersSelfAndMalformedEntries(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)

	cfg := MDNSConfig{
		SelfPeerID:  "self",
		ScanTimeout: 50 * time.Millisecond,
		Clock:       mock,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self", "Self", 6000, 7000, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 6001, 7001, "10.0.0.2")
			entries <- testServiceEntry("", "Nobody", 6002, 7002, "10.0.0.3")
			entries <- testServiceEntry("peer-2", "Carol", 6003, 7003, "")
			return nil
		},
	}

	peers, err := BrowseMDNS(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BrowseMDNS failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %+v", peers)
	}

	peer := peers[0]
	if peer.PeerID != "peer-1" || peer.DisplayName != "Bob" || peer.Address != "10.0.0.2" {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if peer.TransferPort != 6001 || peer.ControlPort != 7001 {
		t.Fatalf("unexpected ports: %+v", peer)
	}
	if peer.Source != models.SourceMDNS {
		t.Fatalf("expected mdns source, got %q", peer.Source)
	}
	if !peer.LastSeen.Equal(mock.Now()) {
		t.Fatalf("expected last seen from clock, got %s", peer.LastSeen)
	}
}

func TestMergePeersPrefersPrimary(t *testing.T) {
	primary := []models.PeerDescriptor{{PeerID: "a", DisplayName: "Alpha", Source: models.SourceUDP}}
	secondary := []models.PeerDescriptor{
		{PeerID: "a", DisplayName: "Alpha (mdns)", Source: models.SourceMDNS},
		{PeerID: "b", DisplayName: "Beta", Source: models.SourceMDNS},
	}

	merged := MergePeers(primary, secondary)
	if len(merged) != 2 {
		t.Fatalf("expected two peers, got %d", len(merged))
	}
	if merged[0].PeerID != "a" || merged[0].Source != models.SourceUDP {
		t.Fatalf("expected udp entry to win, got %+v", merged[0])
	}
	if merged[1].PeerID != "b" {
		t.Fatalf("unexpected second peer: %+v", merged[1])
	}
}

func testServiceEntry(peerID, name string, transferPort, controlPort int, address string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(name, DefaultService, DefaultDomain)
	entry.Port = controlPort
	entry.Text = []string{
		"peer_id=" + peerID,
		"transfer_port=" + strconv.Itoa(transferPort),
		"control_port=" + strconv.Itoa(controlPort),
		"version=1",
	}
	if address != "" {
		entry.AddrIPv4 = []net.IP{net.ParseIP(address)}
	}
	return entry
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
