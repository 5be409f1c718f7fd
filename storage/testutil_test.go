package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"netxend/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustRecordTransfer(t *testing.T, store *Store, direction, status string, finishedAt time.Time) models.Transfer {
	t.Helper()

	transfer := models.Transfer{
		TransferID:       uuid.NewString(),
		Direction:        direction,
		PeerAddress:      "192.168.1.20",
		FileName:         "a.txt",
		StoredPath:       "/tmp/a.txt",
		FileSize:         11,
		BytesTransferred: 11,
		Status:           status,
		StartedAt:        finishedAt.Add(-time.Second),
		FinishedAt:       finishedAt,
	}
	require.NoError(t, store.RecordTransfer(transfer), "record transfer %q", transfer.TransferID)
	return transfer
}
