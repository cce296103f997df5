package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanshare/models"
)

// DefaultHistoryLimit caps ListHistory when no limit is given.
const DefaultHistoryLimit = 100

// AddHistory appends an entry. A zero CompletedAt is stamped from the store
// clock. The stored entry, with its id, is returned.
func (s *Store) AddHistory(entry models.HistoryEntry) (models.HistoryEntry, error) {
	if entry.FileName == "" {
		return models.HistoryEntry{}, errors.New("file_name is required")
	}
	if entry.PeerID == "" {
		return models.HistoryEntry{}, errors.New("peer_id is required")
	}
	if err := validateHistoryStatus(entry.Status); err != nil {
		return models.HistoryEntry{}, err
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = s.clock.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT INTO download_history (
			file_name, destination, peer_id, peer_name, size, whole_hash, status, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.FileName,
		entry.Destination,
		entry.PeerID,
		entry.PeerName,
		entry.Size,
		entry.WholeHash,
		entry.Status,
		unixMilli(entry.CompletedAt),
	)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("insert history %q: %w", entry.FileName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("read history id: %w", err)
	}
	entry.ID = id
	entry.CompletedAt = fromUnixMilli(unixMilli(entry.CompletedAt))
	return entry, nil
}

// ListHistory returns up to limit entries, newest first.
func (s *Store) ListHistory(limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.Query(
		`SELECT id, file_name, destination, peer_id, peer_name, size, whole_hash, status, completed_at
		FROM download_history
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make([]models.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry       models.HistoryEntry
			completedAt int64
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.FileName,
			&entry.Destination,
			&entry.PeerID,
			&entry.PeerName,
			&entry.Size,
			&entry.WholeHash,
			&entry.Status,
			&completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.CompletedAt = fromUnixMilli(completedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// GetHistory returns one entry by id.
func (s *Store) GetHistory(id int64) (models.HistoryEntry, error) {
	var (
		entry       models.HistoryEntry
		completedAt int64
	)
	err := s.db.QueryRow(
		`SELECT id, file_name, destination, peer_id, peer_name, size, whole_hash, status, completed_at
		FROM download_history WHERE id = ?`,
		id,
	).Scan(
		&entry.ID,
		&entry.FileName,
		&entry.Destination,
		&entry.PeerID,
		&entry.PeerName,
		&entry.Size,
		&entry.WholeHash,
		&entry.Status,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.HistoryEntry{}, ErrNotFound
	}
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("get history %d: %w", id, err)
	}
	entry.CompletedAt = fromUnixMilli(completedAt)
	return entry, nil
}

// ClearHistory deletes every entry and returns how many were removed.
func (s *Store) ClearHistory() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM download_history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read cleared rows: %w", err)
	}
	return n, nil
}
