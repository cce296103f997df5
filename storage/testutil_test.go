package storage

import (
	"testing"

	"github.com/andres-erbsen/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	store, _, err := Open(t.TempDir(), WithClock(mock), WithWALCheckpointInterval(0))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store, mock
}
