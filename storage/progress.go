package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"lanshare/models"
)

// LoadProgress returns the record for (fileName, destination). The bool is
// false when none exists.
func (s *Store) LoadProgress(fileName, destination string) (*models.DownloadProgress, bool, error) {
	row := s.db.QueryRow(
		`SELECT expected_size, chunk_size, total_chunks, expected_hash, completed, updated_at
		FROM download_progress
		WHERE file_name = ? AND destination = ?`,
		fileName,
		destination,
	)

	progress := &models.DownloadProgress{FileName: fileName, Destination: destination}
	var (
		completed []byte
		updatedAt int64
	)
	err := row.Scan(
		&progress.ExpectedSize,
		&progress.ChunkSize,
		&progress.TotalChunks,
		&progress.ExpectedWholeHash,
		&completed,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load progress %q: %w", fileName, err)
	}

	set := &bitset.BitSet{}
	if err := set.UnmarshalBinary(completed); err != nil {
		return nil, false, fmt.Errorf("decode progress bitset %q: %w", fileName, err)
	}
	progress.Completed = set
	progress.UpdatedAt = fromUnixMilli(updatedAt)
	return progress, true, nil
}

// SaveProgress inserts or replaces a progress record and stamps UpdatedAt.
func (s *Store) SaveProgress(progress *models.DownloadProgress) error {
	if progress == nil || progress.Completed == nil {
		return errors.New("progress with a completed set is required")
	}
	if progress.FileName == "" || progress.Destination == "" {
		return errors.New("file_name and destination are required")
	}

	completed, err := progress.Completed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode progress bitset: %w", err)
	}
	now := s.clock.Now()

	_, err = s.db.Exec(
		`INSERT INTO download_progress (
			file_name, destination, expected_size, chunk_size, total_chunks, expected_hash, completed, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_name, destination) DO UPDATE SET
			expected_size = excluded.expected_size,
			chunk_size = excluded.chunk_size,
			total_chunks = excluded.total_chunks,
			expected_hash = excluded.expected_hash,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		progress.FileName,
		progress.Destination,
		progress.ExpectedSize,
		progress.ChunkSize,
		progress.TotalChunks,
		progress.ExpectedWholeHash,
		completed,
		unixMilli(now),
	)
	if err != nil {
		return fmt.Errorf("save progress %q: %w", progress.FileName, err)
	}
	progress.UpdatedAt = now
	return nil
}

// DeleteProgress removes a progress record. Deleting a missing record is
// not an error.
func (s *Store) DeleteProgress(fileName, destination string) error {
	if _, err := s.db.Exec(
		`DELETE FROM download_progress WHERE file_name = ? AND destination = ?`,
		fileName,
		destination,
	); err != nil {
		return fmt.Errorf("delete progress %q: %w", fileName, err)
	}
	return nil
}

// ListProgress returns every stored record, most recently updated first.
func (s *Store) ListProgress() ([]models.DownloadProgress, error) {
	rows, err := s.db.Query(
		`SELECT file_name, destination
		FROM download_progress
		ORDER BY updated_at DESC, file_name, destination`,
	)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}

	type key struct{ fileName, destination string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.fileName, &k.destination); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan progress key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	_ = rows.Close()

	out := make([]models.DownloadProgress, 0, len(keys))
	for _, k := range keys {
		progress, found, err := s.LoadProgress(k.fileName, k.destination)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, *progress)
		}
	}
	return out, nil
}
