package storage

import (
	"errors"
	"fmt"
	"time"

	"lanshare/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

func validateHistoryStatus(status string) error {
	switch status {
	case models.HistoryStatusCompleted, models.HistoryStatusFailed, models.HistoryStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid history status %q", status)
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
