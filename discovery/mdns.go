package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"lanshare/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS advertiser and browser that supplement UDP
// broadcast discovery on networks that filter broadcasts.
type MDNSConfig struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	SelfPeerID   string
	DisplayName  string
	TransferPort int
	ControlPort  int

	Clock  clock.Clock
	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultTimeout
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.TransferPort <= 0 || c.ControlPort <= 0 {
		return errors.New("transfer and control ports must be > 0")
	}
	return nil
}

// Advertiser publishes local presence via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the local peer as an mDNS service instance.
func StartAdvertiser(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"peer_id=" + cfg.SelfPeerID,
		"transfer_port=" + strconv.Itoa(cfg.TransferPort),
		"control_port=" + strconv.Itoa(cfg.ControlPort),
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.ControlPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the mDNS registration.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// BrowseMDNS collects peers advertised over mDNS for one scan window.
func BrowseMDNS(ctx context.Context, config MDNSConfig) ([]models.PeerDescriptor, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfPeerID) == "" {
		return nil, errors.New("self peer ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]models.PeerDescriptor)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, cfg.SelfPeerID)
				if !ok {
					continue
				}
				peer.LastSeen = cfg.Clock.Now()
				found[peer.PeerID] = peer
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone
	return sortPeers(found), nil
}

// MergePeers combines scan results by peer id. Entries from primary win.
func MergePeers(primary, secondary []models.PeerDescriptor) []models.PeerDescriptor {
	merged := make(map[string]models.PeerDescriptor, len(primary)+len(secondary))
	for _, peer := range secondary {
		merged[peer.PeerID] = peer
	}
	for _, peer := range primary {
		merged[peer.PeerID] = peer
	}
	return sortPeers(merged)
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (models.PeerDescriptor, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfPeerID {
		return models.PeerDescriptor{}, false
	}
	transferPort, err := strconv.Atoi(txt["transfer_port"])
	if err != nil || transferPort <= 0 {
		return models.PeerDescriptor{}, false
	}
	controlPort, err := strconv.Atoi(txt["control_port"])
	if err != nil || controlPort <= 0 {
		controlPort = entry.Port
	}

	var address string
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil {
			address = ip.String()
			break
		}
	}
	if address == "" {
		return models.PeerDescriptor{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = peerID
	}

	return models.PeerDescriptor{
		PeerID:       peerID,
		DisplayName:  name,
		Address:      address,
		TransferPort: transferPort,
		ControlPort:  controlPort,
		State:        models.StateNotConnected,
		Source:       models.SourceMDNS,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
