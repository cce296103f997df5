package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"lanshare/metrics"
	"lanshare/models"
	"lanshare/protocol"
)

const DefaultDialTimeout = 5 * time.Second

// ErrIndexMismatch indicates a chunk frame for a different index than asked.
var ErrIndexMismatch = errors.New("transfer: chunk index mismatch")

// ClientOptions configures a transfer Client.
type ClientOptions struct {
	PeerID      string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Logger      *zap.Logger
	Stats       tally.Scope
}

// Client fetches metadata and chunks, one connection per request.
type Client struct {
	options ClientOptions
	logger  *zap.Logger

	chunksFetched tally.Counter
	chunkRetries  tally.Counter
	failures      tally.Counter
	completed     tally.Counter
}

// NewClient creates a client with defaults applied.
func NewClient(options ClientOptions) *Client {
	opts := options
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	stats := metrics.OrNoop(opts.Stats).SubScope("download")
	return &Client{
		options:       opts,
		logger:        opts.Logger.Named("download"),
		chunksFetched: stats.Counter("chunks_fetched"),
		chunkRetries:  stats.Counter("chunk_retries"),
		failures:      stats.Counter("failures"),
		completed:     stats.Counter("completed"),
	}
}

// FetchMetadata requests metadata for name and validates it.
func (c *Client) FetchMetadata(ctx context.Context, addr, name string) (models.FileMetadata, error) {
	var meta models.FileMetadata
	err := c.roundTrip(ctx, addr, protocol.MetaRequest(c.options.PeerID, name), func(conn net.Conn) error {
		var err error
		meta, err = protocol.ReadMetadata(conn)
		return err
	})
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("fetch metadata for %q: %w", name, err)
	}
	if err := meta.Validate(); err != nil {
		return models.FileMetadata{}, fmt.Errorf("invalid metadata for %q: %w", name, err)
	}
	return meta, nil
}

// FetchChunk requests chunk index of name. Only the index is checked here.
func (c *Client) FetchChunk(ctx context.Context, addr, name string, index int) ([]byte, error) {
	var frame protocol.ChunkFrame
	err := c.roundTrip(ctx, addr, protocol.ChunkRequest(c.options.PeerID, name, index), func(conn net.Conn) error {
		var err error
		frame, err = protocol.ReadChunk(conn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d of %q: %w", index, name, err)
	}
	if frame.Index != index {
		return nil, fmt.Errorf("%w: asked %d, got %d", ErrIndexMismatch, index, frame.Index)
	}
	return frame.Data, nil
}

func (c *Client) roundTrip(ctx context.Context, addr string, req protocol.TransferRequest, read func(net.Conn) error) error {
	dialer := net.Dialer{Timeout: c.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %q: %w", addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(c.options.ReadTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return err
	}
	if err := read(conn); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
