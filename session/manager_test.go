package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"

	"lanshare/models"
	"lanshare/transfer"
)

type staticRoot string

func (r staticRoot) CurrentShareRoot() (string, bool) {
	return string(r), true
}

// gatedServer serves shareDir and blocks the request with number holdAt
// (1-based, metadata included) until release is closed.
type gatedServer struct {
	peer     models.PeerDescriptor
	requests int32
	held     chan struct{}
	release  chan struct{}
}

func startGatedServer(t *testing.T, shareDir string, chunkSize int, holdAt int32) *gatedServer {
	t.Helper()
	gate := &gatedServer{held: make(chan struct{}), release: make(chan struct{})}
	var heldOnce sync.Once

	server, err := transfer.Listen("127.0.0.1:0", transfer.ServerOptions{
		Root:      staticRoot(shareDir),
		ChunkSize: chunkSize,
		Authorize: func(string) bool {
			if atomic.AddInt32(&gate.requests, 1) == holdAt {
				heldOnce.Do(func() { close(gate.held) })
				<-gate.release
			}
			return true
		},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		select {
		case <-gate.release:
		default:
			close(gate.release)
		}
		_ = server.Close()
	})

	gate.peer = models.PeerDescriptor{
		PeerID:       "source",
		DisplayName:  "Source",
		Address:      "127.0.0.1",
		TransferPort: server.Addr().(*net.TCPAddr).Port,
	}
	return gate
}

func TestStartDownloadCompletes(t *testing.T) {
	shareDir := t.TempDir()
	content := bytes.Repeat([]byte("lanshare"), 8)
	writeFile(t, filepath.Join(shareDir, "a.bin"), content)
	gate := startGatedServer(t, shareDir, 16, -1)

	var (
		mu       sync.Mutex
		statuses []Status
	)
	manager := NewManager(ManagerOptions{})
	dest := filepath.Join(t.TempDir(), "a.bin")
	job := manager.StartDownload(context.Background(), gate.peer, "a.bin", dest, nil, func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	waitDone(t, job)
	if job.Status() != StatusCompleted || job.Err() != nil {
		t.Fatalf("expected completion, got %s %v", job.Status(), job.Err())
	}
	if job.ID() == "" {
		t.Fatalf("expected job id")
	}
	progress := job.Progress()
	if progress.Completed != 4 || progress.Total != 4 || progress.Fraction() != 1 {
		t.Fatalf("unexpected progress %+v", progress)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusRunning || statuses[1] != StatusCompleted {
		t.Fatalf("unexpected status transitions %v", statuses)
	}
}

func TestPauseKeepsPartAndResumeFinishes(t *testing.T) {
	shareDir := t.TempDir()
	content := bytes.Repeat([]byte("0123456789"), 8)
	writeFile(t, filepath.Join(shareDir, "p.bin"), content)
	// Request 1 is metadata, request 3 is the second chunk.
	gate := startGatedServer(t, shareDir, 10, 3)

	manager := NewManager(ManagerOptions{})
	dest := filepath.Join(t.TempDir(), "p.bin")
	job := manager.StartDownload(context.Background(), gate.peer, "p.bin", dest, nil, nil)

	<-gate.held
	if !job.Pause() {
		t.Fatalf("expected Pause to succeed")
	}
	if job.Pause() {
		t.Fatalf("second Pause must report false")
	}
	close(gate.release)

	waitForCondition(t, time.Second, func() bool {
		return job.Progress().Completed == 2
	})
	time.Sleep(50 * time.Millisecond)
	if got := job.Progress().Completed; got != 2 {
		t.Fatalf("paused job kept fetching: completed=%d", got)
	}
	if job.Status() != StatusPaused {
		t.Fatalf("expected paused status, got %s", job.Status())
	}
	if _, err := os.Stat(transfer.PartPath(dest)); err != nil {
		t.Fatalf("expected part file while paused: %v", err)
	}

	if !job.Resume() {
		t.Fatalf("expected Resume to succeed")
	}
	waitDone(t, job)
	if job.Status() != StatusCompleted {
		t.Fatalf("expected completion after resume, got %s %v", job.Status(), job.Err())
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch after resume")
	}
}

func TestCancelWhilePausedDeletesPart(t *testing.T) {
	shareDir := t.TempDir()
	writeFile(t, filepath.Join(shareDir, "c.bin"), bytes.Repeat([]byte("x"), 40))
	gate := startGatedServer(t, shareDir, 10, 3)

	store := transfer.NewMemoryProgressStore(nil)
	manager := NewManager(ManagerOptions{Progress: store})
	dest := filepath.Join(t.TempDir(), "c.bin")
	job := manager.StartDownload(context.Background(), gate.peer, "c.bin", dest, nil, nil)

	<-gate.held
	job.Pause()
	close(gate.release)
	waitForCondition(t, time.Second, func() bool {
		return job.Progress().Completed == 2
	})

	if !job.Cancel() {
		t.Fatalf("expected Cancel to succeed")
	}
	waitDone(t, job)

	if job.Status() != StatusCancelled || !errors.Is(job.Err(), ErrCancelled) {
		t.Fatalf("expected cancelled job, got %s %v", job.Status(), job.Err())
	}
	if _, err := os.Stat(transfer.PartPath(dest)); !os.IsNotExist(err) {
		t.Fatalf("expected part file to be deleted, got %v", err)
	}
	if _, found, _ := store.LoadProgress("c.bin", dest); found {
		t.Fatalf("expected progress record to be deleted")
	}
	if job.Cancel() {
		t.Fatalf("cancel after terminal status must report false")
	}
}

func TestFailedDownloadReportsError(t *testing.T) {
	gate := startGatedServer(t, t.TempDir(), 10, -1)
	manager := NewManager(ManagerOptions{})

	job := manager.StartDownload(context.Background(), gate.peer, "missing.bin", filepath.Join(t.TempDir(), "m"), nil, nil)
	waitDone(t, job)
	if job.Status() != StatusFailed || job.Err() == nil {
		t.Fatalf("expected failure, got %s %v", job.Status(), job.Err())
	}
	if job.Status().Active() {
		t.Fatalf("failed job must not be active")
	}
}

func TestProgressElapsedUsesClock(t *testing.T) {
	mock := clock.NewMock()
	job := newJob("id", models.PeerDescriptor{}, "f", "d", mock, nil)
	mock.Add(5 * time.Second)
	job.setProgress(1, 4)

	progress := job.Progress()
	if progress.Elapsed != 5*time.Second {
		t.Fatalf("expected 5s elapsed, got %s", progress.Elapsed)
	}
	if progress.Fraction() != 0.25 {
		t.Fatalf("unexpected fraction %f", progress.Fraction())
	}

	job.finish(StatusCompleted, transfer.Result{}, nil)
	mock.Add(time.Minute)
	if got := job.Progress().Elapsed; got != 5*time.Second {
		t.Fatalf("elapsed must freeze at completion, got %s", got)
	}
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish, status %s", job.ID(), job.Status())
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
