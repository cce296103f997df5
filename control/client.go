package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanshare/metrics"
	"lanshare/models"
	"lanshare/protocol"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultApprovalTimeout = 60 * time.Second

	fanOutLimit = 16
)

// ErrNoResponse covers every way a request can end without a usable reply:
// timeout, reset, blank line or malformed line.
var ErrNoResponse = errors.New("control: no response")

// ClientOptions configures a control Client.
type ClientOptions struct {
	PeerID      string
	DisplayName func() string

	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	ApprovalTimeout time.Duration

	Logger *zap.Logger
	Stats  tally.Scope
}

// Client issues one-line control requests. Every call opens a fresh
// connection.
type Client struct {
	options ClientOptions
	logger  *zap.Logger

	sent     tally.Counter
	failures tally.Counter
}

// NewClient creates a client with defaults applied.
func NewClient(options ClientOptions) *Client {
	opts := options
	if opts.DisplayName == nil {
		peerID := opts.PeerID
		opts.DisplayName = func() string { return peerID }
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	stats := metrics.OrNoop(opts.Stats).SubScope("control_client")
	return &Client{
		options:  opts,
		logger:   opts.Logger.Named("control"),
		sent:     stats.Counter("sent"),
		failures: stats.Counter("failures"),
	}
}

// Connect asks peer for a session. It returns true only for an accept
// addressed to this node. A reject returns false without error.
func (c *Client) Connect(ctx context.Context, peer models.PeerDescriptor) (bool, error) {
	reply, err := c.exchange(ctx, peer, protocol.ControlMessage{
		Command: protocol.CmdConnectRequest,
		From:    c.options.PeerID,
		To:      peer.PeerID,
		Payload: c.options.DisplayName(),
	}, c.options.ApprovalTimeout)
	if err != nil {
		return false, err
	}

	switch reply.Command {
	case protocol.CmdConnectAccept:
		return reply.To == c.options.PeerID, nil
	case protocol.CmdConnectReject:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected %s", ErrNoResponse, reply.Command)
	}
}

// ListFiles fetches peer's catalog. An empty result means either an empty
// share or that this node is not authorized.
func (c *Client) ListFiles(ctx context.Context, peer models.PeerDescriptor) ([]models.SharedFile, error) {
	reply, err := c.exchange(ctx, peer, protocol.ControlMessage{
		Command: protocol.CmdListFiles,
		From:    c.options.PeerID,
		To:      peer.PeerID,
	}, c.options.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Command != protocol.CmdListFilesResponse {
		return nil, fmt.Errorf("%w: unexpected %s", ErrNoResponse, reply.Command)
	}
	files, err := protocol.DecodeFileRecords(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode file list from %q: %w", peer.PeerID, err)
	}
	return files, nil
}

// Disconnect ends the session with peer and reports whether it confirmed.
func (c *Client) Disconnect(ctx context.Context, peer models.PeerDescriptor, note string) (bool, error) {
	if note == "" {
		note = protocol.NoteDisconnect
	}
	reply, err := c.exchange(ctx, peer, protocol.ControlMessage{
		Command: protocol.CmdDisconnectRequest,
		From:    c.options.PeerID,
		To:      peer.PeerID,
		Payload: note,
	}, c.options.ReadTimeout)
	if err != nil {
		return false, err
	}
	return reply.Command == protocol.CmdDisconnectNotify && reply.To == c.options.PeerID, nil
}

// NotifyDisconnect sends a one-way DISCONNECT_NOTIFY.
func (c *Client) NotifyDisconnect(ctx context.Context, peer models.PeerDescriptor, note string) error {
	if note == "" {
		note = protocol.NoteDisconnect
	}
	return c.send(ctx, peer, protocol.ControlMessage{
		Command: protocol.CmdDisconnectNotify,
		From:    c.options.PeerID,
		To:      peer.PeerID,
		Payload: note,
	})
}

// UpdateName announces a new display name to peers.
func (c *Client) UpdateName(ctx context.Context, peers []models.PeerDescriptor, name string) []error {
	return c.fanOut(ctx, peers, func(models.PeerDescriptor) protocol.ControlMessage {
		return protocol.ControlMessage{Command: protocol.CmdUpdateName, From: c.options.PeerID, Payload: name}
	})
}

// Search sends keyword to peers. Hits arrive later as SEARCH_RESPONSE lines
// on this node's control server.
func (c *Client) Search(ctx context.Context, peers []models.PeerDescriptor, keyword string) []error {
	return c.fanOut(ctx, peers, func(peer models.PeerDescriptor) protocol.ControlMessage {
		return protocol.ControlMessage{Command: protocol.CmdSearchRequest, From: c.options.PeerID, To: peer.PeerID, Payload: keyword}
	})
}

// SendSearchHit sends one search result to peer.
func (c *Client) SendSearchHit(ctx context.Context, peer models.PeerDescriptor, file models.SharedFile) error {
	return c.send(ctx, peer, protocol.ControlMessage{
		Command: protocol.CmdSearchResponse,
		From:    c.options.PeerID,
		To:      peer.PeerID,
		Payload: protocol.EncodeFileRecord(file),
	})
}

// NotifyRemoved tells peers that name left this node's share.
func (c *Client) NotifyRemoved(ctx context.Context, peers []models.PeerDescriptor, name string) []error {
	return c.fanOut(ctx, peers, func(peer models.PeerDescriptor) protocol.ControlMessage {
		return protocol.ControlMessage{Command: protocol.CmdRemoveFile, From: c.options.PeerID, To: peer.PeerID, Payload: name}
	})
}

func (c *Client) fanOut(ctx context.Context, peers []models.PeerDescriptor, build func(models.PeerDescriptor) protocol.ControlMessage) []error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(fanOutLimit)

	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := c.send(ctx, peer, build(peer)); err != nil {
				c.logger.Info("control notification failed", zap.String("peer_id", peer.PeerID), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("peer %q: %w", peer.PeerID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (c *Client) send(ctx context.Context, peer models.PeerDescriptor, msg protocol.ControlMessage) error {
	c.sent.Inc(1)
	if err := sendLine(ctx, peer.ControlAddr(), msg, c.options.DialTimeout); err != nil {
		c.failures.Inc(1)
		return err
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, peer models.PeerDescriptor, msg protocol.ControlMessage, readTimeout time.Duration) (protocol.ControlMessage, error) {
	c.sent.Inc(1)
	reply, err := exchangeLine(ctx, peer.ControlAddr(), msg, c.options.DialTimeout, readTimeout)
	if err != nil {
		c.failures.Inc(1)
		c.logger.Debug("control request failed",
			zap.String("peer_id", peer.PeerID),
			zap.String("command", string(msg.Command)),
			zap.Error(err),
		)
		return protocol.ControlMessage{}, err
	}
	return reply, nil
}

// sendLine delivers one line without waiting for a reply.
func sendLine(ctx context.Context, addr string, msg protocol.ControlMessage, timeout time.Duration) error {
	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return protocol.WriteControlLine(conn, msg)
}

// exchangeLine writes one line and reads one reply line.
func exchangeLine(ctx context.Context, addr string, msg protocol.ControlMessage, dialTimeout, readTimeout time.Duration) (protocol.ControlMessage, error) {
	conn, err := dial(ctx, addr, dialTimeout)
	if err != nil {
		return protocol.ControlMessage{}, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return protocol.ControlMessage{}, fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return protocol.ControlMessage{}, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteControlLine(conn, msg); err != nil {
		return protocol.ControlMessage{}, err
	}

	reply, err := protocol.ReadControlLine(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.ControlMessage{}, ctxErr
		}
		if errors.Is(err, io.EOF) {
			return protocol.ControlMessage{}, fmt.Errorf("%w: connection closed", ErrNoResponse)
		}
		return protocol.ControlMessage{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return reply, nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("control: empty address")
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	return conn, nil
}
