package storage

import (
	"testing"
	"time"

	"github.com/Ebullioscopic/WaterDrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func sampleTransfer(id, peerID string, completedAtMillis int64) models.TransferItem {
	return models.TransferItem{
		ID:                 id,
		PeerID:             peerID,
		PeerName:           "Name of " + peerID,
		FileName:           id + ".bin",
		FileSizeBytes:      2048,
		Direction:          models.DirectionInbound,
		Checksum:           "abc123",
		ChecksumAlgorithm:  "sha256",
		TimestampCompleted: time.UnixMilli(completedAtMillis),
		LocalPath:          "/tmp/" + id + ".bin",
	}
}
