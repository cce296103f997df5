package models

import "time"

const (
	HistoryStatusCompleted = "completed"
	HistoryStatusFailed    = "failed"
	HistoryStatusCancelled = "cancelled"
)

// SearchHit is a single search result reported by a remote peer.
type SearchHit struct {
	PeerID string     `json:"peer_id"`
	File   SharedFile `json:"file"`
}

// HistoryEntry records one finished download attempt.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	FileName    string    `json:"file_name"`
	Destination string    `json:"destination"`
	PeerID      string    `json:"peer_id"`
	PeerName    string    `json:"peer_name"`
	Size        int64     `json:"size"`
	WholeHash   string    `json:"whole_hash"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}
