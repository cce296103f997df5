package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"lanshare/models"
)

const (
	// RequestToken is the exact payload of a discovery request.
	RequestToken = "P2P_DISCOVER_REQUEST"
	// ResponseToken prefixes every discovery response.
	ResponseToken = "P2P_DISCOVER_RESPONSE"
	// DefaultTimeout bounds one discovery collection window.
	DefaultTimeout = 3 * time.Second

	maxPacketSize = 1024
)

// DefaultPorts are the candidate UDP ports. Each responder binds the first
// free one; requesters broadcast to all of them.
var DefaultPorts = []int{50000, 50001, 50002, 50003, 50004}

var (
	// ErrNoFreePort indicates every candidate port is already bound.
	ErrNoFreePort = errors.New("discovery: no free candidate port")
	// ErrMalformedResponse indicates a response that cannot be parsed.
	ErrMalformedResponse = errors.New("discovery: malformed response")
)

// ResponderConfig configures the discovery responder.
type ResponderConfig struct {
	PeerID       string
	DisplayName  func() string
	TransferPort int
	ControlPort  int
	Ports        []int
	BindAddress  string
	Logger       *zap.Logger
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	out := c
	if len(out.Ports) == 0 {
		out.Ports = append([]int(nil), DefaultPorts...)
	}
	if out.DisplayName == nil {
		out.DisplayName = func() string { return out.PeerID }
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (c ResponderConfig) validate() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer ID is required")
	}
	if c.TransferPort <= 0 || c.ControlPort <= 0 {
		return errors.New("transfer and control ports must be > 0")
	}
	return nil
}

// Responder answers discovery requests on one of the candidate ports.
type Responder struct {
	cfg    ResponderConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	port int
	done chan struct{}
	wg   sync.WaitGroup
}

// NewResponder validates cfg and returns an unstarted responder.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Responder{cfg: cfg, logger: cfg.Logger.Named("discovery")}, nil
}

// Start binds the first free candidate port and begins answering. Calling
// Start on a running responder is a no-op.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	var bindIP net.IP
	if r.cfg.BindAddress != "" {
		bindIP = net.ParseIP(r.cfg.BindAddress)
		if bindIP == nil {
			return fmt.Errorf("invalid bind address %q", r.cfg.BindAddress)
		}
	}

	var lastErr error
	for _, port := range r.cfg.Ports {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: port})
		if err != nil {
			lastErr = err
			continue
		}

		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			r.logger.Debug("control messages unavailable", zap.Error(err))
		}

		r.conn = conn
		r.port = port
		r.done = make(chan struct{})
		r.wg.Add(1)
		go r.serve(pconn, r.done)

		r.logger.Info("discovery responder listening",
			zap.Int("port", port),
			zap.String("peer_id", r.cfg.PeerID),
		)
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNoFreePort, lastErr)
}

// Port returns the bound UDP port, or 0 when stopped.
func (r *Responder) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return 0
	}
	return r.port
}

// Stop closes the socket, which unblocks and ends the receive loop.
func (r *Responder) Stop() error {
	r.mu.Lock()
	conn := r.conn
	done := r.done
	r.conn = nil
	r.port = 0
	r.mu.Unlock()
	if conn == nil {
		return nil
	}

	close(done)
	err := conn.Close()
	r.wg.Wait()
	return err
}

func (r *Responder) serve(pconn *ipv4.PacketConn, done <-chan struct{}) {
	defer r.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, cm, src, err := pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("discovery receive failed", zap.Error(err))
			continue
		}

		if strings.TrimSpace(string(buf[:n])) != RequestToken {
			continue
		}

		reply := FormatResponse(r.cfg.PeerID, r.cfg.DisplayName(), r.cfg.TransferPort, r.cfg.ControlPort)
		if _, err := pconn.WriteTo([]byte(reply), nil, src); err != nil {
			r.logger.Warn("discovery reply failed", zap.Stringer("to", src), zap.Error(err))
			continue
		}

		fields := []zap.Field{zap.Stringer("from", src)}
		if cm != nil {
			fields = append(fields, zap.Int("ifindex", cm.IfIndex), zap.Stringer("dst", cm.Dst))
		}
		r.logger.Debug("answered discovery request", fields...)
	}
}

// FormatResponse renders a discovery response. A delimiter inside the display
// name is replaced so the port fields stay addressable.
func FormatResponse(peerID, displayName string, transferPort, controlPort int) string {
	name := strings.ReplaceAll(displayName, "|", "/")
	return strings.Join([]string{
		ResponseToken,
		peerID,
		name,
		strconv.Itoa(transferPort),
		strconv.Itoa(controlPort),
	}, "|")
}

// ParseResponse parses a discovery response. The returned descriptor carries
// no address; the caller fills it from the packet source.
func ParseResponse(message string) (models.PeerDescriptor, error) {
	parts := strings.Split(strings.TrimSpace(message), "|")
	if len(parts) < 5 || parts[0] != ResponseToken {
		return models.PeerDescriptor{}, ErrMalformedResponse
	}

	n := len(parts)
	transferPort, err := strconv.Atoi(parts[n-2])
	if err != nil || transferPort <= 0 || transferPort > 65535 {
		return models.PeerDescriptor{}, fmt.Errorf("%w: transfer port %q", ErrMalformedResponse, parts[n-2])
	}
	controlPort, err := strconv.Atoi(parts[n-1])
	if err != nil || controlPort <= 0 || controlPort > 65535 {
		return models.PeerDescriptor{}, fmt.Errorf("%w: control port %q", ErrMalformedResponse, parts[n-1])
	}
	peerID := strings.TrimSpace(parts[1])
	if peerID == "" {
		return models.PeerDescriptor{}, fmt.Errorf("%w: empty peer id", ErrMalformedResponse)
	}

	return models.PeerDescriptor{
		PeerID:       peerID,
		DisplayName:  strings.Join(parts[2:n-2], "|"),
		TransferPort: transferPort,
		ControlPort:  controlPort,
		State:        models.StateNotConnected,
		Source:       models.SourceUDP,
	}, nil
}

// DiscoverConfig configures one discovery collection.
type DiscoverConfig struct {
	SelfPeerID string
	Ports      []int
	Timeout    time.Duration
	// Targets are hosts the request is sent to. When empty, the limited
	// broadcast address and each interface's directed broadcast are used.
	Targets []string
	Clock   clock.Clock
	Logger  *zap.Logger
}

func (c DiscoverConfig) withDefaults() DiscoverConfig {
	out := c
	if len(out.Ports) == 0 {
		out.Ports = append([]int(nil), DefaultPorts...)
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if len(out.Targets) == 0 {
		out.Targets = broadcastTargets()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Discover broadcasts a request to every candidate port and collects replies
// until the timeout. Partial results are success; self is excluded by id.
func Discover(ctx context.Context, cfg DiscoverConfig) ([]models.PeerDescriptor, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.Named("discovery")

	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	defer func() {
		_ = conn.Close()
	}()

	sent := 0
	for _, target := range cfg.Targets {
		ip := net.ParseIP(target)
		if ip == nil {
			logger.Debug("skip invalid discovery target", zap.String("target", target))
			continue
		}
		for _, port := range cfg.Ports {
			if _, err := conn.WriteToUDP([]byte(RequestToken), &net.UDPAddr{IP: ip, Port: port}); err != nil {
				logger.Debug("discovery send failed", zap.String("target", target), zap.Int("port", port), zap.Error(err))
				continue
			}
			sent++
		}
	}
	if sent == 0 {
		logger.Warn("discovery request reached no target")
	}

	deadline := time.Now().Add(cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set discovery deadline: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	found := make(map[string]models.PeerDescriptor)
	buf := make([]byte, maxPacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				logger.Debug("discovery receive ended", zap.Error(err))
			}
			break
		}

		peer, err := ParseResponse(string(buf[:n]))
		if err != nil {
			logger.Debug("ignore discovery packet", zap.Stringer("from", src), zap.Error(err))
			continue
		}
		if peer.PeerID == cfg.SelfPeerID {
			continue
		}
		peer.Address = src.IP.String()
		peer.LastSeen = cfg.Clock.Now()
		found[peer.PeerID] = peer
	}

	return sortPeers(found), nil
}

func sortPeers(found map[string]models.PeerDescriptor) []models.PeerDescriptor {
	out := make([]models.PeerDescriptor, 0, len(found))
	for _, peer := range found {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func broadcastTargets() []string {
	targets := []string{net.IPv4bcast.String()}
	seen := map[string]struct{}{targets[0]: {}}

	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if ip4 == nil || len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^mask[i]
			}
			if _, ok := seen[bcast.String()]; ok {
				continue
			}
			seen[bcast.String()] = struct{}{}
			targets = append(targets, bcast.String())
		}
	}
	return targets
}
