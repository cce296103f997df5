package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"lanshare/config"
	"lanshare/control"
)

// ErrNoPendingApproval is returned by Decide when nothing is queued for a peer.
var ErrNoPendingApproval = errors.New("node: no pending approval")

// PendingApproval is an inbound connect request awaiting a decision.
type PendingApproval struct {
	control.ConnectRequest
	ReceivedAt time.Time
}

// approvalQueue holds prompt-mode requests until Decide or timeout.
type approvalQueue struct {
	policy  string
	timeout time.Duration
	clock   clock.Clock
	notify  func(PendingApproval)

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	request  PendingApproval
	decision chan bool
}

func newApprovalQueue(policy string, timeout time.Duration, clk clock.Clock, notify func(PendingApproval)) *approvalQueue {
	return &approvalQueue{
		policy:  policy,
		timeout: timeout,
		clock:   clk,
		notify:  notify,
		pending: make(map[string]*pendingEntry),
	}
}

// approve implements control.ApprovalFunc.
func (q *approvalQueue) approve(ctx context.Context, req control.ConnectRequest) bool {
	switch q.policy {
	case config.ApprovalAcceptAll:
		return true
	case config.ApprovalRejectAll:
		return false
	}

	timer := q.clock.Timer(q.timeout)
	defer timer.Stop()

	entry := &pendingEntry{
		request:  PendingApproval{ConnectRequest: req, ReceivedAt: q.clock.Now()},
		decision: make(chan bool, 1),
	}

	q.mu.Lock()
	if previous, ok := q.pending[req.PeerID]; ok {
		// A repeated request supersedes the earlier one.
		previous.decision <- false
	}
	q.pending[req.PeerID] = entry
	q.mu.Unlock()
	defer q.removeIfMatch(req.PeerID, entry)

	if q.notify != nil {
		q.notify(entry.request)
	}

	select {
	case accept := <-entry.decision:
		return accept
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *approvalQueue) decide(peerID string, accept bool) error {
	q.mu.Lock()
	entry, ok := q.pending[peerID]
	if ok {
		delete(q.pending, peerID)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, peerID)
	}

	select {
	case entry.decision <- accept:
		return nil
	default:
		return errors.New("node: approval decision channel is full")
	}
}

func (q *approvalQueue) list() []PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingApproval, 0, len(q.pending))
	for _, entry := range q.pending {
		out = append(out, entry.request)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

func (q *approvalQueue) removeIfMatch(peerID string, entry *pendingEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.pending[peerID]; ok && current == entry {
		delete(q.pending, peerID)
	}
}
