package transfer

import (
	"sync"

	"github.com/andres-erbsen/clock"

	"lanshare/models"
)

// ProgressStore persists resumable download state keyed by
// (fileName, destination).
type ProgressStore interface {
	LoadProgress(fileName, destination string) (*models.DownloadProgress, bool, error)
	SaveProgress(progress *models.DownloadProgress) error
	DeleteProgress(fileName, destination string) error
}

type progressKey struct {
	fileName    string
	destination string
}

// MemoryProgressStore keeps progress for the lifetime of the process.
type MemoryProgressStore struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[progressKey]*models.DownloadProgress
}

// NewMemoryProgressStore returns an empty store. A nil clock uses wall time.
func NewMemoryProgressStore(clk clock.Clock) *MemoryProgressStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryProgressStore{
		clock:   clk,
		records: make(map[progressKey]*models.DownloadProgress),
	}
}

func (s *MemoryProgressStore) LoadProgress(fileName, destination string) (*models.DownloadProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[progressKey{fileName, destination}]
	if !ok {
		return nil, false, nil
	}
	return cloneProgress(record), true, nil
}

func (s *MemoryProgressStore) SaveProgress(progress *models.DownloadProgress) error {
	record := cloneProgress(progress)
	record.UpdatedAt = s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[progressKey{progress.FileName, progress.Destination}] = record
	progress.UpdatedAt = record.UpdatedAt
	return nil
}

func (s *MemoryProgressStore) DeleteProgress(fileName, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, progressKey{fileName, destination})
	return nil
}

func cloneProgress(p *models.DownloadProgress) *models.DownloadProgress {
	out := *p
	if p.Completed != nil {
		out.Completed = p.Completed.Clone()
	}
	return &out
}

var _ ProgressStore = (*MemoryProgressStore)(nil)
