package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"lanshare/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"

	// DefaultRefreshInterval is the background rescan interval.
	DefaultRefreshInterval = 30 * time.Second
)

// ErrScannerStopped is returned by Refresh once the scanner has stopped.
var ErrScannerStopped = errors.New("discovery: peer scanner is stopped")

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for the node's peer table.
type Event struct {
	Type EventType
	Peer models.PeerDescriptor
}

// ScanFunc performs one discovery pass.
type ScanFunc func(ctx context.Context) ([]models.PeerDescriptor, error)

// ScannerConfig configures a PeerScanner.
type ScannerConfig struct {
	Scan            ScanFunc
	RefreshInterval time.Duration
	Clock           clock.Clock
	Logger          *zap.Logger
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner runs periodic and on-demand scans and diffs successive snapshots.
type PeerScanner struct {
	cfg    ScannerConfig
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]models.PeerDescriptor

	events chan Event

	lifecycle sync.Mutex
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config ScannerConfig) (*PeerScanner, error) {
	if config.Scan == nil {
		return nil, errors.New("scan func is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:             config,
		logger:          config.Logger.Named("scanner"),
		peers:           make(map[string]models.PeerDescriptor),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning. Extra calls are no-ops; a stopped
// scanner cannot be restarted.
func (s *PeerScanner) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stopped {
		return ErrScannerStopped
	}
	if !s.started {
		s.started = true
		s.wg.Add(1)
		go s.loop()
	}
	return nil
}

// Stop stops background scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.lifecycle.Lock()
	if s.stopped {
		s.lifecycle.Unlock()
		return
	}
	s.stopped = true
	s.lifecycle.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.events)
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it to finish. It starts
// the scanner when needed.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the latest snapshot ordered by name then id.
func (s *PeerScanner) ListPeers() []models.PeerDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortPeers(s.peers)
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(s.ctx)

	ticker := s.cfg.Clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if requestCtx != nil && requestCtx != s.ctx {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	peers, err := s.cfg.Scan(scanCtx)
	if err != nil {
		s.logger.Warn("peer scan failed", zap.Error(err))
		return err
	}

	next := make(map[string]models.PeerDescriptor, len(peers))
	for _, peer := range peers {
		next[peer.PeerID] = peer
	}
	s.applySnapshot(next)
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]models.PeerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Debug("dropping discovery event", zap.String("peer_id", event.Peer.PeerID))
	}
}

func peersEqual(a, b models.PeerDescriptor) bool {
	return a.PeerID == b.PeerID &&
		a.DisplayName == b.DisplayName &&
		a.Address == b.Address &&
		a.TransferPort == b.TransferPort &&
		a.ControlPort == b.ControlPort
}
