package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanshare/catalog"
	"lanshare/config"
	"lanshare/control"
	"lanshare/discovery"
	"lanshare/metrics"
	"lanshare/models"
	"lanshare/session"
	"lanshare/storage"
	"lanshare/transfer"
)

const (
	// DefaultSearchWindow is how long Search collects replies.
	DefaultSearchWindow = 3 * time.Second
	// ConnectReplyMargin keeps the outbound connect timeout longer than the
	// remote approval window.
	ConnectReplyMargin = 5 * time.Second
)

var (
	// ErrJobActive is returned when a peer already has a running or paused download.
	ErrJobActive = errors.New("node: download already active for peer")
	// ErrUnknownJob is returned when no job matches an id.
	ErrUnknownJob = errors.New("node: unknown job")
	// ErrEmptyKeyword is returned by Search for a blank keyword.
	ErrEmptyKeyword = errors.New("node: search keyword is empty")
)

// EventKind identifies asynchronous node notifications.
type EventKind string

const (
	EventApprovalRequested EventKind = "approval_requested"
	EventPeerDisconnected  EventKind = "peer_disconnected"
	EventPeerRenamed       EventKind = "peer_renamed"
	EventRemoteFileRemoved EventKind = "remote_file_removed"
	EventJobFinished       EventKind = "job_finished"
)

// Event is delivered through Options.OnEvent.
type Event struct {
	Kind   EventKind
	PeerID string
	JobID  string
	Detail string
}

// Options configures a Node.
type Options struct {
	Config *config.NodeConfig
	// ConfigPath, when set, receives display name and share folder changes.
	ConfigPath string
	// DataDir holds the database when Store is nil.
	DataDir string
	Store   *storage.Store

	// ListenHost is the bind host for the control and transfer listeners.
	ListenHost string
	// DiscoveryTargets overrides the broadcast addresses used by scans.
	DiscoveryTargets []string
	// Scan replaces the UDP and mDNS scan.
	Scan discovery.ScanFunc

	// ApprovalTimeout bounds how long an inbound connect waits for a decision.
	ApprovalTimeout time.Duration
	// ConnectTimeout bounds an outbound connect. It defaults to
	// ApprovalTimeout plus ConnectReplyMargin.
	ConnectTimeout time.Duration
	SearchWindow   time.Duration

	OnEvent func(Event)

	Logger *zap.Logger
	Stats  tally.Scope
	Clock  clock.Clock
}

// Node wires discovery, the control and transfer protocols, the download
// orchestrator and persistence into one running peer.
type Node struct {
	options Options
	logger  *zap.Logger
	clock   clock.Clock
	peerID  string

	mu         sync.RWMutex
	cfg        config.NodeConfig
	responder  *discovery.Responder
	advertiser *discovery.Advertiser

	store     *storage.Store
	ownsStore bool

	peers     *PeerTable
	approvals *approvalQueue
	catalog   *catalog.Catalog
	scanner   *discovery.PeerScanner

	controlServer  *control.Server
	controlClient  *control.Client
	transferServer *transfer.Server
	sessions       *session.Manager

	jobsMu sync.Mutex
	jobs   []*session.Job

	searchMu   sync.Mutex
	searchSeq  uint64
	collectors map[uint64]*searchCollector

	ctx       context.Context
	cancel    context.CancelFunc
	running   atomic.Bool
	recorders sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New binds the control and transfer listeners and prepares every component.
// Background work starts with Run.
func New(options Options) (*Node, error) {
	opts := options
	if opts.Config == nil {
		return nil, errors.New("node: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	opts.Stats = metrics.OrNoop(opts.Stats)
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = control.DefaultApprovalTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = opts.ApprovalTimeout + ConnectReplyMargin
	}
	if opts.SearchWindow <= 0 {
		opts.SearchWindow = DefaultSearchWindow
	}

	n := &Node{
		options:    opts,
		clock:      opts.Clock,
		peerID:     uuid.NewString(),
		cfg:        *opts.Config,
		peers:      NewPeerTable(),
		collectors: make(map[uint64]*searchCollector),
	}
	n.logger = opts.Logger.With(zap.String("self", n.peerID))
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.init(); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	opts := n.options

	switch {
	case opts.Store != nil:
		n.store = opts.Store
	case opts.DataDir != "":
		store, _, err := storage.Open(opts.DataDir, storage.WithClock(n.clock))
		if err != nil {
			return err
		}
		n.store = store
		n.ownsStore = true
	default:
		return errors.New("node: data dir or store is required")
	}

	n.catalog = catalog.New(catalog.Options{Logger: n.logger})
	if n.cfg.ShareDir != "" {
		if err := n.catalog.SetRoot(n.cfg.ShareDir); err != nil {
			return fmt.Errorf("set share folder: %w", err)
		}
	}

	n.approvals = newApprovalQueue(n.cfg.ApprovalPolicy, opts.ApprovalTimeout, n.clock, func(p PendingApproval) {
		n.emit(Event{Kind: EventApprovalRequested, PeerID: p.PeerID, Detail: p.DisplayName})
	})

	controlServer, err := control.Listen(n.listenAddr(n.cfg.ControlPort), control.ServerOptions{
		PeerID:              n.peerID,
		Approve:             n.approvals.approve,
		Catalog:             n.catalog,
		ResolvePeer:         n.peers.Get,
		OnDisconnectNotify:  n.handleRemoteDisconnect,
		OnNameUpdate:        n.handleNameUpdate,
		OnSearchHit:         n.handleSearchHit,
		OnRemoteFileRemoved: n.handleRemoteFileRemoved,
		Logger:              n.logger,
		Stats:               opts.Stats,
	})
	if err != nil {
		return err
	}
	n.controlServer = controlServer

	var authorize func(string) bool
	if n.cfg.TransferAuthRequired() {
		authorize = controlServer.IsAuthorized
	}
	transferServer, err := transfer.Listen(n.listenAddr(n.cfg.TransferPort), transfer.ServerOptions{
		Root:      n.catalog,
		ChunkSize: n.cfg.ChunkSize,
		Authorize: authorize,
		Logger:    n.logger,
		Stats:     opts.Stats,
	})
	if err != nil {
		return err
	}
	n.transferServer = transferServer

	n.controlClient = control.NewClient(control.ClientOptions{
		PeerID:          n.peerID,
		DisplayName:     n.DisplayName,
		ApprovalTimeout: opts.ConnectTimeout,
		Logger:          n.logger,
		Stats:           opts.Stats,
	})
	n.sessions = session.NewManager(session.ManagerOptions{
		Client: transfer.NewClient(transfer.ClientOptions{
			PeerID: n.peerID,
			Logger: n.logger,
			Stats:  opts.Stats,
		}),
		Progress: n.store,
		Logger:   n.logger,
		Clock:    n.clock,
	})

	scan := opts.Scan
	if scan == nil {
		scan = n.discover
	}
	scanner, err := discovery.NewPeerScanner(discovery.ScannerConfig{
		Scan:            scan,
		RefreshInterval: n.cfg.RefreshInterval(),
		Clock:           n.clock,
		Logger:          n.logger,
	})
	if err != nil {
		return err
	}
	n.scanner = scanner
	return nil
}

// Run starts discovery and background maintenance and blocks until ctx is
// done or Close is called. The node is closed on return.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		_ = n.Close()
	}()
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("node: already running")
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(n.ctx, stop)
	defer unlink()

	n.startAnnouncers()
	if err := n.scanner.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := n.catalog.Watch(gctx); err != nil {
			n.logger.Warn("share folder watcher stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		n.consumeScannerEvents(gctx)
		return nil
	})
	g.Go(func() error {
		n.drainServerErrors(gctx)
		return nil
	})

	n.logger.Info("node running",
		zap.Int("control_port", n.ControlPort()),
		zap.Int("transfer_port", n.TransferPort()),
	)
	return g.Wait()
}

// Close stops every component. Running downloads end as failed with their
// .part files kept for a later resume.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		var errs []error
		if n.scanner != nil {
			n.scanner.Stop()
		}
		n.mu.Lock()
		responder, advertiser := n.responder, n.advertiser
		n.responder, n.advertiser = nil, nil
		n.mu.Unlock()
		advertiser.Stop()
		if responder != nil {
			if err := responder.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if n.controlServer != nil {
			if err := n.controlServer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close control server: %w", err))
			}
		}
		if n.transferServer != nil {
			if err := n.transferServer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transfer server: %w", err))
			}
		}
		if n.sessions != nil {
			n.sessions.Wait()
		}
		n.recorders.Wait()
		if n.ownsStore && n.store != nil {
			if err := n.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}

// PeerID returns this process's peer id.
func (n *Node) PeerID() string {
	return n.peerID
}

// DisplayName returns the current display name.
func (n *Node) DisplayName() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.DisplayName
}

// Config returns a copy of the effective configuration.
func (n *Node) Config() config.NodeConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg
}

// ControlPort returns the bound control port.
func (n *Node) ControlPort() int {
	return n.controlServer.Port()
}

// TransferPort returns the bound transfer port.
func (n *Node) TransferPort() int {
	return n.transferServer.Port()
}

// Descriptor returns how other peers reach this node at host.
func (n *Node) Descriptor(host string) models.PeerDescriptor {
	return models.PeerDescriptor{
		PeerID:       n.peerID,
		DisplayName:  n.DisplayName(),
		Address:      host,
		TransferPort: n.TransferPort(),
		ControlPort:  n.ControlPort(),
		State:        models.StateNotConnected,
	}
}

// Peers returns the peer table.
func (n *Node) Peers() []models.PeerDescriptor {
	return n.peers.List()
}

// Scan runs a discovery pass now and applies its result to the peer table.
func (n *Node) Scan(ctx context.Context) ([]models.PeerDescriptor, error) {
	if err := n.scanner.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("scan peers: %w", err)
	}
	n.peers.ApplySnapshot(n.scanner.ListPeers())
	return n.peers.List(), nil
}

// Authorized lists peers allowed to read this node's share.
func (n *Node) Authorized() []string {
	return n.controlServer.Authorized().Snapshot()
}

// Connect requests a session with peerID and returns the resulting state.
func (n *Node) Connect(ctx context.Context, peerID string) (models.ConnectionState, error) {
	peer, err := n.peers.Transition(peerID, models.StatePending)
	if err != nil {
		return peer.State, err
	}

	accepted, err := n.controlClient.Connect(ctx, peer)
	if err != nil {
		// A peer that took the request but never answered counts as a decline.
		next := models.StateNotConnected
		if errors.Is(err, control.ErrNoResponse) {
			next = models.StateRejected
		}
		if _, terr := n.peers.Transition(peerID, next); terr != nil {
			n.logger.Debug("reset pending peer failed", zap.Error(terr))
		}
		return next, fmt.Errorf("connect to %s: %w", peerID, err)
	}

	next := models.StateRejected
	if accepted {
		next = models.StateConnected
	}
	if _, err := n.peers.Transition(peerID, next); err != nil {
		return next, err
	}
	n.logger.Info("connect finished", zap.String("peer_id", peerID), zap.String("state", string(next)))
	return next, nil
}

// Disconnect ends the session with peerID. The peer stays in the table as
// NotConnected until a rescan no longer finds it. The local state changes even
// when the peer cannot be reached.
func (n *Node) Disconnect(ctx context.Context, peerID string) error {
	peer, ok := n.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	confirmed, err := n.controlClient.Disconnect(ctx, peer, "")
	n.controlServer.Authorized().Remove(peerID)
	if peer.State == models.StateConnected {
		if _, terr := n.peers.Transition(peerID, models.StateNotConnected); terr != nil {
			n.logger.Debug("reset connected peer failed", zap.Error(terr))
		}
	}
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", peerID, err)
	}
	if !confirmed {
		n.logger.Info("disconnect not confirmed", zap.String("peer_id", peerID))
	}
	return nil
}

// ForceDisconnect revokes peerID's access and tells it so when reachable.
func (n *Node) ForceDisconnect(ctx context.Context, peerID string) error {
	peer, ok := n.peers.Get(peerID)
	if !ok {
		if n.controlServer.Authorized().Remove(peerID) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	err := n.controlServer.ForceDisconnect(ctx, peer)
	if peer.State == models.StateConnected {
		_, _ = n.peers.Transition(peerID, models.StateNotConnected)
	}
	return err
}

// ListFiles fetches peerID's share listing.
func (n *Node) ListFiles(ctx context.Context, peerID string) ([]models.SharedFile, error) {
	peer, ok := n.peers.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return n.controlClient.ListFiles(ctx, peer)
}

// LocalFiles lists this node's own share.
func (n *Node) LocalFiles() ([]models.SharedFile, error) {
	return n.catalog.ListShareableFiles()
}

// SetDisplayName persists name and announces it to session peers.
func (n *Node) SetDisplayName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("node: display name is empty")
	}

	n.mu.Lock()
	n.cfg.DisplayName = name
	n.mu.Unlock()
	if err := n.persistConfig(func(cfg *config.NodeConfig) { cfg.DisplayName = name }); err != nil {
		return err
	}
	return errors.Join(n.controlClient.UpdateName(ctx, n.sessionPeers(), name)...)
}

// SetShareRoot swaps the share folder and persists it. An empty path stops sharing.
func (n *Node) SetShareRoot(path string) error {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve share folder: %w", err)
		}
		path = abs
	}
	if err := n.catalog.SetRoot(path); err != nil {
		return err
	}

	n.mu.Lock()
	n.cfg.ShareDir = path
	n.mu.Unlock()
	return n.persistConfig(func(cfg *config.NodeConfig) { cfg.ShareDir = path })
}

// RemoveSharedFile deletes a file from the share and tells session peers.
func (n *Node) RemoveSharedFile(ctx context.Context, relativePath string) (models.SharedFile, error) {
	file, err := n.catalog.Remove(relativePath)
	if err != nil {
		return models.SharedFile{}, err
	}
	return file, errors.Join(n.controlClient.NotifyRemoved(ctx, n.sessionPeers(), file.RelativePath)...)
}

// PendingApprovals lists queued inbound connect requests, oldest first.
func (n *Node) PendingApprovals() []PendingApproval {
	return n.approvals.list()
}

// Decide answers a queued connect request.
func (n *Node) Decide(peerID string, accept bool) error {
	return n.approvals.decide(peerID, accept)
}

// History returns finished downloads, newest first.
func (n *Node) History(limit int) ([]models.HistoryEntry, error) {
	return n.store.ListHistory(limit)
}

// ClearHistory deletes all history entries.
func (n *Node) ClearHistory() (int64, error) {
	return n.store.ClearHistory()
}

func (n *Node) listenAddr(port int) string {
	return net.JoinHostPort(n.options.ListenHost, strconv.Itoa(port))
}

// persistConfig applies change to the file on disk, leaving values that were
// only overridden for this run untouched.
func (n *Node) persistConfig(change func(*config.NodeConfig)) error {
	if n.options.ConfigPath == "" {
		return nil
	}
	cfg, err := config.Load(n.options.ConfigPath)
	if err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	change(cfg)
	if err := config.Save(n.options.ConfigPath, cfg); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

// sessionPeers are known peers with a session in either direction.
func (n *Node) sessionPeers() []models.PeerDescriptor {
	authorized := n.controlServer.Authorized()
	var out []models.PeerDescriptor
	for _, peer := range n.peers.List() {
		if peer.State == models.StateConnected || authorized.Contains(peer.PeerID) {
			out = append(out, peer)
		}
	}
	return out
}

func (n *Node) startAnnouncers() {
	cfg := n.Config()

	responder, err := discovery.NewResponder(discovery.ResponderConfig{
		PeerID:       n.peerID,
		DisplayName:  n.DisplayName,
		TransferPort: n.TransferPort(),
		ControlPort:  n.ControlPort(),
		Ports:        cfg.DiscoveryPorts,
		Logger:       n.logger,
	})
	if err == nil {
		err = responder.Start()
	}
	if err != nil {
		n.logger.Warn("discovery responder unavailable", zap.Error(err))
		responder = nil
	}

	var advertiser *discovery.Advertiser
	if cfg.EnableMDNS {
		advertiser, err = discovery.StartAdvertiser(discovery.MDNSConfig{
			SelfPeerID:   n.peerID,
			DisplayName:  cfg.DisplayName,
			TransferPort: n.TransferPort(),
			ControlPort:  n.ControlPort(),
			Clock:        n.clock,
			Logger:       n.logger,
		})
		if err != nil {
			n.logger.Warn("mDNS advertiser unavailable", zap.Error(err))
			advertiser = nil
		}
	}

	n.mu.Lock()
	n.responder, n.advertiser = responder, advertiser
	n.mu.Unlock()
}

func (n *Node) discover(ctx context.Context) ([]models.PeerDescriptor, error) {
	cfg := n.Config()

	var udpPeers, mdnsPeers []models.PeerDescriptor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		peers, err := discovery.Discover(gctx, discovery.DiscoverConfig{
			SelfPeerID: n.peerID,
			Ports:      cfg.DiscoveryPorts,
			Timeout:    cfg.ScanTimeout(),
			Targets:    n.options.DiscoveryTargets,
			Clock:      n.clock,
			Logger:     n.logger,
		})
		if err != nil {
			return err
		}
		udpPeers = peers
		return nil
	})
	if cfg.EnableMDNS {
		g.Go(func() error {
			peers, err := discovery.BrowseMDNS(gctx, discovery.MDNSConfig{
				SelfPeerID:  n.peerID,
				ScanTimeout: cfg.ScanTimeout(),
				Clock:       n.clock,
				Logger:      n.logger,
			})
			if err != nil {
				n.logger.Warn("mDNS browse failed", zap.Error(err))
				return nil
			}
			mdnsPeers = peers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return discovery.MergePeers(udpPeers, mdnsPeers), nil
}

func (n *Node) consumeScannerEvents(ctx context.Context) {
	events := n.scanner.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventPeerUpserted:
				n.peers.Upsert(event.Peer)
			case discovery.EventPeerRemoved:
				n.peers.RemoveStale(event.Peer.PeerID)
			}
		}
	}
}

func (n *Node) drainServerErrors(ctx context.Context) {
	controlErrs := n.controlServer.Errors()
	transferErrs := n.transferServer.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-controlErrs:
			if !ok {
				controlErrs = nil
				continue
			}
			n.logger.Warn("control server error", zap.Error(err))
		case err, ok := <-transferErrs:
			if !ok {
				transferErrs = nil
				continue
			}
			n.logger.Warn("transfer server error", zap.Error(err))
		}
	}
}

func (n *Node) handleRemoteDisconnect(peerID string) {
	if peer, ok := n.peers.Get(peerID); ok && peer.State == models.StateConnected {
		_, _ = n.peers.Transition(peerID, models.StateNotConnected)
	}
	n.emit(Event{Kind: EventPeerDisconnected, PeerID: peerID})
}

func (n *Node) handleNameUpdate(peerID, name string) {
	if n.peers.Rename(peerID, name) {
		n.emit(Event{Kind: EventPeerRenamed, PeerID: peerID, Detail: name})
	}
}

func (n *Node) handleRemoteFileRemoved(peerID, name string) {
	n.logger.Info("peer removed shared file", zap.String("peer_id", peerID), zap.String("file", name))
	n.emit(Event{Kind: EventRemoteFileRemoved, PeerID: peerID, Detail: name})
}

func (n *Node) emit(event Event) {
	if n.options.OnEvent != nil {
		n.options.OnEvent(event)
	}
}

func fileExistsAsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
