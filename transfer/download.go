package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"lanshare/models"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = 200 * time.Millisecond
)

var (
	// ErrChunkFailed indicates a chunk that failed verification on every attempt.
	ErrChunkFailed = errors.New("transfer: chunk failed after retries")
	// ErrWholeHashMismatch indicates an assembled file whose hash differs from
	// the metadata.
	ErrWholeHashMismatch = errors.New("transfer: whole file hash mismatch")
	// ErrChunkHashMismatch indicates chunk bytes that do not match the metadata.
	ErrChunkHashMismatch = errors.New("transfer: chunk hash mismatch")
	// ErrChunkLength indicates chunk bytes of unexpected length.
	ErrChunkLength = errors.New("transfer: chunk length mismatch")
)

// DownloadRequest names the remote file and the local destination.
type DownloadRequest struct {
	Addr        string
	FileName    string
	Destination string
}

// DownloadOptions tunes one download.
type DownloadOptions struct {
	Progress   ProgressStore
	OnProgress func(completed, total int)
	// Checkpoint runs before each chunk fetch. It may block to pause, and a
	// non-nil error stops the download with that error.
	Checkpoint func(ctx context.Context, index int) error

	MaxAttempts   int
	RetryInterval time.Duration
}

// Result describes a finished download.
type Result struct {
	Metadata models.FileMetadata
	Path     string
	Skipped  int
	Fetched  int
}

// Download fetches req.FileName into req.Destination, resuming from a
// matching progress record and .part file when both exist.
func (c *Client) Download(ctx context.Context, req DownloadRequest, opts DownloadOptions) (Result, error) {
	if opts.Progress == nil {
		opts.Progress = NewMemoryProgressStore(nil)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	logger := c.logger.With(zap.String("file", req.FileName), zap.String("addr", req.Addr))

	meta, err := c.FetchMetadata(ctx, req.Addr, req.FileName)
	if err != nil {
		c.failures.Inc(1)
		return Result{}, err
	}

	progress, file, err := c.prepare(req, meta, opts.Progress, logger)
	if err != nil {
		c.failures.Inc(1)
		return Result{}, err
	}
	partPath := PartPath(req.Destination)
	closed := false
	defer func() {
		if !closed {
			_ = file.Close()
		}
	}()

	result := Result{Metadata: meta, Path: req.Destination, Skipped: progress.CompletedCount()}
	if opts.OnProgress != nil {
		opts.OnProgress(progress.CompletedCount(), meta.TotalChunks)
	}

	for index := 0; index < meta.TotalChunks; index++ {
		if progress.IsComplete(index) {
			continue
		}
		if opts.Checkpoint != nil {
			if err := opts.Checkpoint(ctx, index); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		data, err := c.fetchVerified(ctx, req, meta, index, opts)
		if err != nil {
			c.failures.Inc(1)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			logger.Warn("chunk failed", zap.Int("chunk", index), zap.Error(err))
			return result, fmt.Errorf("%w: chunk %d: %v", ErrChunkFailed, index, err)
		}

		if _, err := file.WriteAt(data, meta.ChunkOffset(index)); err != nil {
			c.failures.Inc(1)
			return result, fmt.Errorf("write chunk %d: %w", index, err)
		}
		progress.MarkComplete(index)
		if err := opts.Progress.SaveProgress(progress); err != nil {
			c.failures.Inc(1)
			return result, fmt.Errorf("save progress: %w", err)
		}
		c.chunksFetched.Inc(1)
		result.Fetched++
		if opts.OnProgress != nil {
			opts.OnProgress(progress.CompletedCount(), meta.TotalChunks)
		}
	}

	if err := file.Sync(); err != nil {
		return result, fmt.Errorf("sync part file: %w", err)
	}
	closed = true
	if err := file.Close(); err != nil {
		return result, fmt.Errorf("close part file: %w", err)
	}

	actual, err := fileChecksumHex(partPath)
	if err != nil {
		c.failures.Inc(1)
		return result, err
	}
	if actual != meta.WholeHash {
		c.failures.Inc(1)
		_ = Discard(opts.Progress, req.FileName, req.Destination)
		return result, fmt.Errorf("%w: expected %s, got %s", ErrWholeHashMismatch, meta.WholeHash, actual)
	}

	if err := os.Rename(partPath, req.Destination); err != nil {
		c.failures.Inc(1)
		return result, fmt.Errorf("promote part file: %w", err)
	}
	if err := opts.Progress.DeleteProgress(req.FileName, req.Destination); err != nil {
		logger.Warn("delete progress record failed", zap.Error(err))
	}
	c.completed.Inc(1)
	logger.Info("download complete",
		zap.String("destination", req.Destination),
		zap.Int("fetched", result.Fetched),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// Discard removes the .part file and progress record of a download.
func Discard(store ProgressStore, fileName, destination string) error {
	var errs []error
	if store != nil {
		if err := store.DeleteProgress(fileName, destination); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(PartPath(destination)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// prepare returns the progress record and an open .part file, reusing both
// when they match meta and starting fresh otherwise.
func (c *Client) prepare(req DownloadRequest, meta models.FileMetadata, store ProgressStore, logger *zap.Logger) (*models.DownloadProgress, *os.File, error) {
	partPath := PartPath(req.Destination)

	progress, found, err := store.LoadProgress(req.FileName, req.Destination)
	if err != nil {
		return nil, nil, fmt.Errorf("load progress: %w", err)
	}
	if found && progress.Matches(meta) && partFileSized(partPath, meta.FileSize) {
		file, err := os.OpenFile(partPath, os.O_RDWR, 0o644)
		if err == nil {
			logger.Info("resuming download", zap.Int("completed", progress.CompletedCount()), zap.Int("total", meta.TotalChunks))
			return progress, file, nil
		}
		logger.Warn("reopen part file failed, starting over", zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create destination directory: %w", err)
	}
	file, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("create part file: %w", err)
	}
	if err := file.Truncate(meta.FileSize); err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("size part file: %w", err)
	}

	progress = models.NewDownloadProgress(meta, req.Destination)
	progress.FileName = req.FileName
	if err := store.SaveProgress(progress); err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("save progress: %w", err)
	}
	return progress, file, nil
}

func (c *Client) fetchVerified(ctx context.Context, req DownloadRequest, meta models.FileMetadata, index int, opts DownloadOptions) ([]byte, error) {
	var data []byte
	operation := func() error {
		chunk, err := c.FetchChunk(ctx, req.Addr, req.FileName, index)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if len(chunk) != meta.ChunkLength(index) {
			return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkLength, index, len(chunk), meta.ChunkLength(index))
		}
		if chunkHashHex(chunk) != meta.ChunkHashes[index] {
			return fmt.Errorf("%w: chunk %d", ErrChunkHashMismatch, index)
		}
		data = chunk
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryInterval), uint64(opts.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.chunkRetries.Inc(1)
		c.logger.Debug("retrying chunk", zap.Int("chunk", index), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return data, nil
}

func partFileSized(path string, size int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() == size
}
