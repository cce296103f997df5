package node

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"lanshare/models"
	"lanshare/session"
)

// Download starts fetching relativePath from peerID. An empty destination, or
// an existing directory, resolves to the file's base name inside it (the
// download folder when empty). The job outlives ctx but keeps its values; it
// stops when the node closes.
func (n *Node) Download(ctx context.Context, peerID, relativePath, destination string) (*session.Job, error) {
	peer, ok := n.peers.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	relativePath = strings.TrimSpace(relativePath)
	if relativePath == "" {
		return nil, fmt.Errorf("node: file name is empty")
	}
	destination = n.resolveDestination(relativePath, destination)

	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	for _, job := range n.jobs {
		if job.Peer().PeerID == peerID && job.Status().Active() {
			return nil, fmt.Errorf("%w: %s (job %s)", ErrJobActive, peerID, job.ID())
		}
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(n.ctx, cancel)

	job := n.sessions.StartDownload(jobCtx, peer, relativePath, destination, nil, nil)
	n.jobs = append(n.jobs, job)

	n.recorders.Add(1)
	go func() {
		defer n.recorders.Done()
		<-job.Done()
		stop()
		cancel()
		n.recordHistory(job)
	}()
	return job, nil
}

// Job finds a job by id or unique id prefix.
func (n *Node) Job(id string) (*session.Job, error) {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()

	var match *session.Job
	for _, job := range n.jobs {
		if job.ID() == id {
			return job, nil
		}
		if id != "" && strings.HasPrefix(job.ID(), id) {
			if match != nil {
				return nil, fmt.Errorf("%w: %q is ambiguous", ErrUnknownJob, id)
			}
			match = job
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return match, nil
}

// Jobs lists every job started by this node in start order.
func (n *Node) Jobs() []session.Info {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	out := make([]session.Info, 0, len(n.jobs))
	for _, job := range n.jobs {
		out = append(out, job.Info())
	}
	return out
}

func (n *Node) resolveDestination(relativePath, destination string) string {
	base := filepath.Base(filepath.FromSlash(relativePath))
	if destination == "" {
		return filepath.Join(n.Config().DownloadDir, base)
	}
	if fileExistsAsDir(destination) {
		return filepath.Join(destination, base)
	}
	return destination
}

func (n *Node) recordHistory(job *session.Job) {
	info := job.Info()
	if info.Status == session.StatusFailed && n.ctx.Err() != nil {
		// Interrupted by shutdown; the .part file is kept for a resume.
		return
	}

	var status string
	switch info.Status {
	case session.StatusCompleted:
		status = models.HistoryStatusCompleted
	case session.StatusCancelled:
		status = models.HistoryStatusCancelled
	default:
		status = models.HistoryStatusFailed
	}

	meta := job.Result().Metadata
	entry, err := n.store.AddHistory(models.HistoryEntry{
		FileName:    info.FileName,
		Destination: info.Destination,
		PeerID:      info.PeerID,
		PeerName:    info.PeerName,
		Size:        meta.FileSize,
		WholeHash:   meta.WholeHash,
		Status:      status,
	})
	if err != nil {
		n.logger.Warn("record download history failed", zap.String("job_id", info.ID), zap.Error(err))
	} else {
		n.logger.Debug("download history recorded", zap.Int64("history_id", entry.ID))
	}

	detail := string(info.Status)
	if info.Err != nil {
		detail += ": " + info.Err.Error()
	}
	n.emit(Event{Kind: EventJobFinished, PeerID: info.PeerID, JobID: info.ID, Detail: detail})
}
