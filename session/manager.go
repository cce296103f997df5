package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanshare/models"
	"lanshare/transfer"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Client   *transfer.Client
	Progress transfer.ProgressStore

	MaxAttempts   int
	RetryInterval time.Duration

	Logger *zap.Logger
	Clock  clock.Clock
}

// Manager starts download jobs. It keeps no per-peer state; callers decide
// how many jobs may run against one peer.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewManager creates a manager with defaults applied.
func NewManager(options ManagerOptions) *Manager {
	opts := options
	if opts.Client == nil {
		opts.Client = transfer.NewClient(transfer.ClientOptions{Logger: opts.Logger})
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Progress == nil {
		opts.Progress = transfer.NewMemoryProgressStore(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{options: opts, logger: opts.Logger.Named("session")}
}

// StartDownload begins fetching relativePath from peer into destination and
// returns immediately. onProgress and onStatus may be nil.
func (m *Manager) StartDownload(
	ctx context.Context,
	peer models.PeerDescriptor,
	relativePath string,
	destination string,
	onProgress func(Progress),
	onStatus func(Status),
) *Job {
	job := newJob(uuid.NewString(), peer, relativePath, destination, m.options.Clock, onStatus)
	job.emit(StatusRunning)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, job, onProgress)
	}()
	return job
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, job *Job, onProgress func(Progress)) {
	logger := m.logger.With(
		zap.String("job_id", job.id),
		zap.String("peer_id", job.peer.PeerID),
		zap.String("file", job.fileName),
	)
	logger.Info("download started", zap.String("destination", job.destination))

	result, err := m.options.Client.Download(ctx, transfer.DownloadRequest{
		Addr:        job.peer.TransferAddr(),
		FileName:    job.fileName,
		Destination: job.destination,
	}, transfer.DownloadOptions{
		Progress:      m.options.Progress,
		Checkpoint:    job.checkpoint,
		MaxAttempts:   m.options.MaxAttempts,
		RetryInterval: m.options.RetryInterval,
		OnProgress: func(completed, total int) {
			job.setProgress(completed, total)
			if onProgress != nil {
				onProgress(job.Progress())
			}
		},
	})

	switch {
	case err == nil:
		logger.Info("download completed")
		job.finish(StatusCompleted, result, nil)
	case errors.Is(err, ErrCancelled):
		if discardErr := transfer.Discard(m.options.Progress, job.fileName, job.destination); discardErr != nil {
			logger.Warn("discard cancelled download failed", zap.Error(discardErr))
		}
		logger.Info("download cancelled")
		job.finish(StatusCancelled, result, ErrCancelled)
	default:
		logger.Warn("download failed", zap.Error(err))
		job.finish(StatusFailed, result, err)
	}
}
