package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"lanshare/metrics"
	"lanshare/models"
	"lanshare/protocol"
)

const (
	DefaultReadTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultNotifyTimeout = 5 * time.Second
)

// ConnectRequest describes an inbound session request awaiting a decision.
type ConnectRequest struct {
	PeerID      string
	DisplayName string
	RemoteAddr  string
}

// ApprovalFunc decides an inbound CONNECT_REQUEST. It may block, for example
// on a human decision; ctx is cancelled when the server closes.
type ApprovalFunc func(ctx context.Context, req ConnectRequest) bool

// Catalog is the local file listing served to authorized peers.
type Catalog interface {
	ListShareableFiles() ([]models.SharedFile, error)
	Search(keyword string) ([]models.SharedFile, error)
}

// ServerOptions configures a control Server.
type ServerOptions struct {
	PeerID  string
	Approve ApprovalFunc
	Catalog Catalog
	// ResolvePeer maps a requester id to its descriptor so search replies
	// can reach its control port.
	ResolvePeer func(peerID string) (models.PeerDescriptor, bool)

	OnDisconnectNotify  func(peerID string)
	OnNameUpdate        func(peerID, name string)
	OnSearchHit         func(hit models.SearchHit)
	OnRemoteFileRemoved func(peerID, name string)

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	NotifyTimeout time.Duration

	Logger *zap.Logger
	Stats  tally.Scope
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.NotifyTimeout <= 0 {
		out.NotifyTimeout = DefaultNotifyTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	out.Stats = metrics.OrNoop(out.Stats)
	return out
}

// Server accepts control connections. Each connection carries one request
// line and at most one response line.
type Server struct {
	listener net.Listener
	options  ServerOptions
	logger   *zap.Logger

	authorized *AuthorizedPeerSet

	requests  tally.Counter
	malformed tally.Counter
	denied    tally.Counter

	ctx    context.Context
	cancel context.CancelFunc

	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.PeerID) == "" {
		return nil, errors.New("peer ID is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	stats := opts.Stats.SubScope("control")
	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener:   listener,
		options:    opts,
		logger:     opts.Logger.Named("control"),
		authorized: NewAuthorizedPeerSet(),
		requests:   stats.Counter("requests"),
		malformed:  stats.Counter("malformed"),
		denied:     stats.Counter("denied"),
		ctx:        ctx,
		cancel:     cancel,
		errs:       make(chan error, 16),
		closed:     make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Authorized exposes the set shared with the transfer server.
func (s *Server) Authorized() *AuthorizedPeerSet {
	return s.authorized
}

// IsAuthorized reports whether peerID currently holds a session.
func (s *Server) IsAuthorized(peerID string) bool {
	return s.authorized.Contains(peerID)
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// ForceDisconnect revokes peer locally, then makes one best-effort attempt to
// tell it. The returned error is informational.
func (s *Server) ForceDisconnect(ctx context.Context, peer models.PeerDescriptor) error {
	s.authorized.Remove(peer.PeerID)

	err := sendLine(ctx, peer.ControlAddr(), protocol.ControlMessage{
		Command: protocol.CmdDisconnectNotify,
		From:    s.options.PeerID,
		To:      peer.PeerID,
		Payload: protocol.NoteDisconnect,
	}, s.options.NotifyTimeout)
	if err != nil {
		s.logger.Info("disconnect notify not delivered", zap.String("peer_id", peer.PeerID), zap.Error(err))
	}
	return err
}

// Close stops accepting, waits for in-flight workers and clears the set.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		s.authorized.Clear()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout)); err != nil {
		s.reportError(fmt.Errorf("set read deadline: %w", err))
		return
	}

	msg, err := protocol.ReadControlLine(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedLine) {
			s.malformed.Inc(1)
			s.logger.Debug("dropping malformed control line", zap.Stringer("from", conn.RemoteAddr()), zap.Error(err))
			return
		}
		if !errors.Is(err, io.EOF) {
			s.reportError(err)
		}
		return
	}
	s.requests.Inc(1)

	reply, ok := s.dispatch(conn, msg)
	if !ok {
		return
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
		s.reportError(fmt.Errorf("set write deadline: %w", err))
		return
	}
	if err := protocol.WriteControlLine(conn, reply); err != nil {
		s.reportError(fmt.Errorf("reply %s to %q: %w", reply.Command, msg.From, err))
	}
}

// dispatch handles one request and returns the reply, if any.
func (s *Server) dispatch(conn net.Conn, msg protocol.ControlMessage) (protocol.ControlMessage, bool) {
	self := s.options.PeerID
	logger := s.logger.With(zap.String("peer_id", msg.From), zap.String("command", string(msg.Command)))

	switch msg.Command {
	case protocol.CmdConnectRequest:
		accept := false
		if s.options.Approve != nil && msg.From != "" {
			accept = s.options.Approve(s.ctx, ConnectRequest{
				PeerID:      msg.From,
				DisplayName: msg.Payload,
				RemoteAddr:  conn.RemoteAddr().String(),
			})
		}
		if accept {
			s.authorized.Add(msg.From)
			logger.Info("peer authorized")
			return protocol.ControlMessage{Command: protocol.CmdConnectAccept, From: self, To: msg.From, Payload: protocol.NoteAccepted}, true
		}
		logger.Info("peer rejected")
		return protocol.ControlMessage{Command: protocol.CmdConnectReject, From: self, To: msg.From, Payload: protocol.NoteRejected}, true

	case protocol.CmdListFiles:
		reply := protocol.ControlMessage{Command: protocol.CmdListFilesResponse, From: self, To: msg.From}
		if !s.authorized.Contains(msg.From) {
			s.denied.Inc(1)
			logger.Debug("list denied")
			return reply, true
		}
		if s.options.Catalog == nil {
			return reply, true
		}
		files, err := s.options.Catalog.ListShareableFiles()
		if err != nil {
			logger.Warn("list shareable files failed", zap.Error(err))
			return reply, true
		}
		reply.Payload = protocol.EncodeFileRecords(files)
		return reply, true

	case protocol.CmdDisconnectRequest:
		s.authorized.Remove(msg.From)
		s.notifyDisconnect(msg.From)
		note := msg.Payload
		if note == "" {
			note = protocol.NoteDisconnect
		}
		return protocol.ControlMessage{Command: protocol.CmdDisconnectNotify, From: self, To: msg.From, Payload: note}, true

	case protocol.CmdDisconnectNotify:
		s.authorized.Remove(msg.From)
		s.notifyDisconnect(msg.From)

	case protocol.CmdUpdateName:
		if s.options.OnNameUpdate != nil && msg.From != "" {
			s.options.OnNameUpdate(msg.From, msg.Payload)
		}

	case protocol.CmdSearchRequest:
		if !s.authorized.Contains(msg.From) {
			s.denied.Inc(1)
			logger.Debug("search denied")
			return protocol.ControlMessage{}, false
		}
		s.answerSearch(conn, msg, logger)

	case protocol.CmdSearchResponse:
		if s.options.OnSearchHit == nil {
			break
		}
		file, err := protocol.DecodeFileRecord(msg.Payload)
		if err != nil {
			logger.Debug("dropping search response", zap.Error(err))
			break
		}
		s.options.OnSearchHit(models.SearchHit{PeerID: msg.From, File: file})

	case protocol.CmdRemoveFile:
		if s.options.OnRemoteFileRemoved != nil {
			s.options.OnRemoteFileRemoved(msg.From, msg.Payload)
		}

	default:
		logger.Debug("ignoring control command")
	}
	return protocol.ControlMessage{}, false
}

func (s *Server) answerSearch(conn net.Conn, msg protocol.ControlMessage, logger *zap.Logger) {
	if s.options.Catalog == nil {
		return
	}
	if s.options.ResolvePeer == nil {
		logger.Debug("no peer resolver for search reply")
		return
	}
	peer, ok := s.options.ResolvePeer(msg.From)
	if !ok || peer.ControlPort <= 0 {
		logger.Info("search requester unknown, not replying")
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = peer.Address
	}
	addr := net.JoinHostPort(host, strconv.Itoa(peer.ControlPort))

	hits, err := s.options.Catalog.Search(msg.Payload)
	if err != nil {
		logger.Warn("search failed", zap.Error(err))
		return
	}
	for _, hit := range hits {
		err := sendLine(s.ctx, addr, protocol.ControlMessage{
			Command: protocol.CmdSearchResponse,
			From:    s.options.PeerID,
			To:      msg.From,
			Payload: protocol.EncodeFileRecord(hit),
		}, s.options.NotifyTimeout)
		if err != nil {
			logger.Info("search reply not delivered", zap.String("addr", addr), zap.Error(err))
			return
		}
	}
}

func (s *Server) notifyDisconnect(peerID string) {
	if s.options.OnDisconnectNotify != nil && peerID != "" {
		s.options.OnDisconnectNotify(peerID)
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
