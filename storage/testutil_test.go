package storage

import (
	"context"
	"path/filepath"
	"testing"

	"rollcall/models"
)

// newTestStore opens a fresh attendance database in a per-test directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), DefaultDBFileName))
	if err != nil {
		t.Fatalf("open attendance store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close attendance store: %v", err)
		}
	})

	return store
}

func seedResponded(t *testing.T, store *Store, records ...models.RespondedAttendance) {
	t.Helper()

	for i, record := range records {
		if err := store.RecordResponded(context.Background(), record); err != nil {
			t.Fatalf("seed responded record #%d: %v", i+1, err)
		}
	}
}
