package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"lanshare/models"
	"lanshare/transfer"
)

// Status is the lifecycle state of a download job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the job still holds its peer slot.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// ErrCancelled is returned by Err after Cancel took effect.
var ErrCancelled = errors.New("session: job cancelled")

// Progress is a point-in-time view of a job's progress.
type Progress struct {
	Completed int
	Total     int
	Elapsed   time.Duration
}

// Fraction returns completed/total, or 1 for an empty file.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Total)
}

// Info describes a job for listings.
type Info struct {
	ID          string
	PeerID      string
	PeerName    string
	FileName    string
	Destination string
	Status      Status
	Progress    Progress
	Err         error
}

// Job is the handle of one running download.
type Job struct {
	id          string
	peer        models.PeerDescriptor
	fileName    string
	destination string
	clock       clock.Clock
	onStatus    func(Status)

	mu        sync.Mutex
	status    Status
	resume    chan struct{}
	cancelled bool
	cancelCh  chan struct{}
	completed int
	total     int
	started   time.Time
	finished  time.Time
	result    transfer.Result
	err       error

	done chan struct{}
}

func newJob(id string, peer models.PeerDescriptor, fileName, destination string, clk clock.Clock, onStatus func(Status)) *Job {
	return &Job{
		id:          id,
		peer:        peer,
		fileName:    fileName,
		destination: destination,
		clock:       clk,
		onStatus:    onStatus,
		status:      StatusRunning,
		cancelCh:    make(chan struct{}),
		started:     clk.Now(),
		done:        make(chan struct{}),
	}
}

// ID returns the job id.
func (j *Job) ID() string {
	return j.id
}

// Peer returns the source peer.
func (j *Job) Peer() models.PeerDescriptor {
	return j.peer
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Pause stops new chunk requests at the next chunk boundary. It reports
// whether the job was running.
func (j *Job) Pause() bool {
	j.mu.Lock()
	if j.status != StatusRunning {
		j.mu.Unlock()
		return false
	}
	j.status = StatusPaused
	j.resume = make(chan struct{})
	j.mu.Unlock()

	j.emit(StatusPaused)
	return true
}

// Resume releases a paused job. It reports whether the job was paused.
func (j *Job) Resume() bool {
	j.mu.Lock()
	if j.status != StatusPaused {
		j.mu.Unlock()
		return false
	}
	j.status = StatusRunning
	close(j.resume)
	j.resume = nil
	j.mu.Unlock()

	j.emit(StatusRunning)
	return true
}

// Cancel stops the job at the next chunk boundary, or at once when paused.
// The .part file and progress record are deleted.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() || j.cancelled {
		return false
	}
	j.cancelled = true
	close(j.cancelCh)
	return true
}

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the terminal error, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Result returns the transfer result once completed.
func (j *Job) Result() transfer.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Progress returns completed and total chunks and the elapsed time.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progressLocked()
}

// Info returns a snapshot for listings.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ID:          j.id,
		PeerID:      j.peer.PeerID,
		PeerName:    j.peer.DisplayName,
		FileName:    j.fileName,
		Destination: j.destination,
		Status:      j.status,
		Progress:    j.progressLocked(),
		Err:         j.err,
	}
}

func (j *Job) progressLocked() Progress {
	end := j.finished
	if end.IsZero() {
		end = j.clock.Now()
	}
	return Progress{Completed: j.completed, Total: j.total, Elapsed: end.Sub(j.started)}
}

// checkpoint gates each chunk fetch.
func (j *Job) checkpoint(ctx context.Context, _ int) error {
	for {
		j.mu.Lock()
		if j.cancelled {
			j.mu.Unlock()
			return ErrCancelled
		}
		resume := j.resume
		j.mu.Unlock()

		if resume == nil {
			return nil
		}
		select {
		case <-resume:
		case <-j.cancelCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (j *Job) setProgress(completed, total int) {
	j.mu.Lock()
	j.completed = completed
	j.total = total
	j.mu.Unlock()
}

func (j *Job) finish(status Status, result transfer.Result, err error) {
	j.mu.Lock()
	j.status = status
	j.result = result
	j.err = err
	j.finished = j.clock.Now()
	j.mu.Unlock()

	j.emit(status)
	close(j.done)
}

func (j *Job) emit(status Status) {
	if j.onStatus != nil {
		j.onStatus(status)
	}
}
