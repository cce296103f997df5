package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"lanshare/catalog"
	"lanshare/metrics"
	"lanshare/models"
	"lanshare/protocol"
)

const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 60 * time.Second
)

// Reasons carried in ERROR frames.
const (
	ReasonNoShareRoot   = "No share folder set"
	ReasonNotAuthorized = "Not authorized"
	ReasonNotFound      = "File not found"
	ReasonOutsideRoot   = "Access denied"
	ReasonOutOfRange    = "Chunk index out of range"
	ReasonReadFailed    = "Read failed"
)

// RootProvider yields the current share root. It is consulted on every
// request so the root can be swapped while the server runs.
type RootProvider interface {
	CurrentShareRoot() (string, bool)
}

// ServerOptions configures a transfer Server.
type ServerOptions struct {
	Root      RootProvider
	ChunkSize int
	// Authorize gates requests by the requester's peer id. Nil allows all.
	Authorize func(peerID string) bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *zap.Logger
	Stats  tally.Scope
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = models.DefaultChunkSize
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	out.Stats = metrics.OrNoop(out.Stats)
	return out
}

// Server answers FILE_META_REQUEST and GET_CHUNK, one request per
// connection.
type Server struct {
	listener net.Listener
	options  ServerOptions
	logger   *zap.Logger

	metaRequests  tally.Counter
	chunkRequests tally.Counter
	failures      tally.Counter
	chunkLatency  tally.Timer

	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the transfer listener.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Root == nil {
		return nil, errors.New("root provider is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	stats := opts.Stats.SubScope("transfer")
	server := &Server{
		listener:      listener,
		options:       opts,
		logger:        opts.Logger.Named("transfer"),
		metaRequests:  stats.Counter("meta_requests"),
		chunkRequests: stats.Counter("chunk_requests"),
		failures:      stats.Counter("errors"),
		chunkLatency:  stats.Timer("chunk_latency"),
		errs:          make(chan error, 16),
		closed:        make(chan struct{}),
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

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
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
	req, err := protocol.ReadRequest(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("dropping transfer request", zap.Stringer("from", conn.RemoteAddr()), zap.Error(err))
		}
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
		s.reportError(fmt.Errorf("set write deadline: %w", err))
		return
	}

	logger := s.logger.With(zap.String("peer_id", req.From), zap.String("file", req.FileName))

	switch req.Tag {
	case protocol.TagMetaRequest:
		s.metaRequests.Inc(1)
	case protocol.TagChunkRequest:
		s.chunkRequests.Inc(1)
	}

	if s.options.Authorize != nil && !s.options.Authorize(req.From) {
		logger.Info("transfer request denied")
		s.fail(conn, ReasonNotAuthorized)
		return
	}

	root, ok := s.options.Root.CurrentShareRoot()
	if !ok {
		s.fail(conn, ReasonNoShareRoot)
		return
	}
	path, err := catalog.ResolveShared(root, req.FileName)
	if err != nil {
		logger.Info("transfer path rejected", zap.Error(err))
		s.fail(conn, reasonFor(err))
		return
	}

	switch req.Tag {
	case protocol.TagMetaRequest:
		s.serveMetadata(conn, path, req, logger)
	case protocol.TagChunkRequest:
		s.serveChunk(conn, path, req, logger)
	}
}

func (s *Server) serveMetadata(conn net.Conn, path string, req protocol.TransferRequest, logger *zap.Logger) {
	meta, err := ComputeMetadata(path, req.FileName, s.options.ChunkSize)
	if err != nil {
		logger.Warn("compute metadata failed", zap.Error(err))
		s.fail(conn, ReasonReadFailed)
		return
	}
	if err := protocol.WriteMetadata(conn, meta); err != nil {
		s.reportError(err)
	}
}

func (s *Server) serveChunk(conn net.Conn, path string, req protocol.TransferRequest, logger *zap.Logger) {
	sw := s.chunkLatency.Start()
	defer sw.Stop()

	file, err := os.Open(path)
	if err != nil {
		logger.Warn("open shared file failed", zap.Error(err))
		s.fail(conn, ReasonReadFailed)
		return
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		s.fail(conn, ReasonReadFailed)
		return
	}
	total := models.ChunkCount(info.Size(), s.options.ChunkSize)
	if req.ChunkIndex < 0 || req.ChunkIndex >= total {
		s.fail(conn, ReasonOutOfRange)
		return
	}

	offset := int64(req.ChunkIndex) * int64(s.options.ChunkSize)
	data, err := readFileChunk(file, offset, s.options.ChunkSize)
	if err != nil {
		logger.Warn("read chunk failed", zap.Int("chunk", req.ChunkIndex), zap.Error(err))
		s.fail(conn, ReasonReadFailed)
		return
	}

	err = protocol.WriteChunk(conn, protocol.ChunkFrame{
		Index: req.ChunkIndex,
		Hash:  chunkHashHex(data),
		Data:  data,
	})
	if err != nil {
		s.reportError(err)
	}
}

func (s *Server) fail(conn net.Conn, reason string) {
	s.failures.Inc(1)
	if err := protocol.WriteError(conn, reason); err != nil {
		s.reportError(err)
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

func reasonFor(err error) string {
	switch {
	case errors.Is(err, catalog.ErrNoShareRoot):
		return ReasonNoShareRoot
	case errors.Is(err, catalog.ErrOutsideRoot):
		return ReasonOutsideRoot
	case errors.Is(err, catalog.ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonReadFailed
	}
}
