package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// DefaultChunkSize is the fixed per-transfer chunk size used when none is configured.
const DefaultChunkSize = 1 << 20

// SharedFile is one entry of a peer's shareable file catalog.
type SharedFile struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
}

// FileMetadata describes one file for transfer purposes. It is computed from
// the live file on every request and never cached.
type FileMetadata struct {
	FileName    string
	FileSize    int64
	ChunkSize   int
	TotalChunks int
	WholeHash   string
	ChunkHashes []string
}

// ChunkCount returns ceil(size / chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// Validate checks the metadata invariants.
func (m FileMetadata) Validate() error {
	if m.ChunkSize <= 0 {
		return errors.New("chunk size must be > 0")
	}
	if m.FileSize < 0 {
		return errors.New("file size must be >= 0")
	}
	if want := ChunkCount(m.FileSize, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("total chunks %d does not match size %d / chunk size %d", m.TotalChunks, m.FileSize, m.ChunkSize)
	}
	if len(m.ChunkHashes) != m.TotalChunks {
		return fmt.Errorf("got %d chunk hashes for %d chunks", len(m.ChunkHashes), m.TotalChunks)
	}
	if m.WholeHash == "" {
		return errors.New("whole file hash is required")
	}
	return nil
}

// ChunkOffset returns the byte offset of chunk index.
func (m FileMetadata) ChunkOffset(index int) int64 {
	return int64(index) * int64(m.ChunkSize)
}

// ChunkLength returns the expected byte length of chunk index.
func (m FileMetadata) ChunkLength(index int) int {
	if index < 0 || index >= m.TotalChunks {
		return 0
	}
	remaining := m.FileSize - m.ChunkOffset(index)
	if remaining < int64(m.ChunkSize) {
		return int(remaining)
	}
	return m.ChunkSize
}

// DownloadProgress is the resumable client-side state of one download,
// keyed by (FileName, Destination).
type DownloadProgress struct {
	FileName          string
	Destination       string
	ExpectedSize      int64
	ChunkSize         int
	TotalChunks       int
	ExpectedWholeHash string
	Completed         *bitset.BitSet
	UpdatedAt         time.Time
}

// NewDownloadProgress starts an empty record for meta.
func NewDownloadProgress(meta FileMetadata, destination string) *DownloadProgress {
	return &DownloadProgress{
		FileName:          meta.FileName,
		Destination:       destination,
		ExpectedSize:      meta.FileSize,
		ChunkSize:         meta.ChunkSize,
		TotalChunks:       meta.TotalChunks,
		ExpectedWholeHash: meta.WholeHash,
		Completed:         bitset.New(uint(meta.TotalChunks)),
	}
}

// Matches reports whether the record was created against the same file content.
func (p *DownloadProgress) Matches(meta FileMetadata) bool {
	if p == nil || p.Completed == nil {
		return false
	}
	return p.ExpectedSize == meta.FileSize &&
		p.ChunkSize == meta.ChunkSize &&
		p.TotalChunks == meta.TotalChunks &&
		p.ExpectedWholeHash == meta.WholeHash
}

// IsComplete reports whether chunk index was verified and written.
func (p *DownloadProgress) IsComplete(index int) bool {
	return p.Completed.Test(uint(index))
}

// MarkComplete records chunk index as verified.
func (p *DownloadProgress) MarkComplete(index int) {
	p.Completed.Set(uint(index))
}

// CompletedCount returns the number of verified chunks.
func (p *DownloadProgress) CompletedCount() int {
	return int(p.Completed.Count())
}

// Fraction returns completed/total in [0,1]. A zero-chunk file reports 1.
func (p *DownloadProgress) Fraction() float64 {
	if p.TotalChunks == 0 {
		return 1
	}
	return float64(p.CompletedCount()) / float64(p.TotalChunks)
}
