package romtools

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHistory(t *testing.T) *OperationHistory {
	t.Helper()
	db, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewTypeStore[OperationRecord](db, "operations")
	require.NoError(t, err)
	return NewOperationHistory(store)
}

func createTestOperation(t *testing.T, h *OperationHistory, id string, op Action) *OperationRecord {
	t.Helper()
	record, err := h.Start(id, RomOperationRequest{Operation: op, Context: OperationContext{Origin: "cli"}})
	require.NoError(t, err)
	return record
}

// ============================================================================
// Test Suite: Operation Lifecycle
// ============================================================================

func TestHistoryStartOperation(t *testing.T) {
	h := setupTestHistory(t)

	record := createTestOperation(t, h, "op1", CreateBackup{Kind: BackupKindNandroid})

	assert.Equal(t, "create-backup", record.Operation)
	assert.Equal(t, "NANDroid Backup", record.DisplayName)
	assert.Equal(t, "cli", record.Origin)
	assert.Equal(t, OperationStatusInProgress, record.Status)
	assert.Nil(t, record.Finished)

	stored, err := h.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, record.ID, stored.ID)
	assert.Equal(t, OperationStatusInProgress, stored.Status)
}

func TestHistoryUpdateProgress(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "op1", CreateBackup{Kind: BackupKindNandroid})

	require.NoError(t, h.UpdateProgress(OperationProgress{OperationID: "op1", Progress: 60, Status: "Dumped system"}))
	// progress never moves backwards
	require.NoError(t, h.UpdateProgress(OperationProgress{OperationID: "op1", Progress: 30, Status: "Retrying"}))

	stored, err := h.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, float64(60), stored.Progress)
	assert.Equal(t, "Retrying", stored.SummaryMessage)
}

func TestHistoryUpdateProgressRecordsError(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "op1", RestoreBackup{Name: "app_x"})

	require.NoError(t, h.UpdateProgress(OperationProgress{OperationID: "op1", Progress: 50, Status: "chown failed", Error: true}))

	stored, err := h.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, "chown failed", stored.ErrorMessage)
}

func TestHistoryUpdateUnknownOperation(t *testing.T) {
	h := setupTestHistory(t)
	err := h.UpdateProgress(OperationProgress{OperationID: "missing"})
	assert.Error(t, err)
}

func TestHistoryCompleteSuccess(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "op1", GenesisOptimizations{})

	record, err := h.Complete("op1", OperationResponse{Success: true, Message: "Applied 3 settings"})
	require.NoError(t, err)

	assert.Equal(t, OperationStatusCompleted, record.Status)
	assert.Equal(t, float64(100), record.Progress)
	assert.NotNil(t, record.Finished)
	assert.Equal(t, "Applied 3 settings", record.SummaryMessage)
}

func TestHistoryCompleteFailure(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "op1", FlashRom{})
	require.NoError(t, h.UpdateProgress(OperationProgress{OperationID: "op1", Progress: 10}))

	record, err := h.Complete("op1", OperationResponse{Success: false, Message: "Flash failed", Error: "no source"})
	require.NoError(t, err)

	assert.Equal(t, OperationStatusFailed, record.Status)
	assert.Equal(t, float64(10), record.Progress)
	assert.Equal(t, "no source", record.ErrorMessage)
}

func TestHistoryCompleteUnknownOperation(t *testing.T) {
	h := setupTestHistory(t)
	_, err := h.Complete("missing", OperationResponse{Success: true})
	assert.Error(t, err)
}

// ============================================================================
// Test Suite: Queries
// ============================================================================

func TestHistoryRecentNewestFirst(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "first", FlashRom{})
	time.Sleep(5 * time.Millisecond)
	createTestOperation(t, h, "second", InstallRecovery{})
	time.Sleep(5 * time.Millisecond)
	createTestOperation(t, h, "third", UnlockBootloader{})

	records, err := h.Recent(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "third", records[0].ID)
	assert.Equal(t, "second", records[1].ID)
}

func TestHistoryRecentEmpty(t *testing.T) {
	h := setupTestHistory(t)
	records, err := h.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistoryClearFinished(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "done", FlashRom{})
	createTestOperation(t, h, "running", InstallRecovery{})
	_, err := h.Complete("done", OperationResponse{Success: true})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	cleared, err := h.ClearFinished(0)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	_, err = h.Get("done")
	assert.True(t, errors.Is(err, errRecordNotFound))
	_, err = h.Get("running")
	assert.NoError(t, err)
}

func TestHistoryClearFinishedKeepsRecent(t *testing.T) {
	h := setupTestHistory(t)
	createTestOperation(t, h, "done", FlashRom{})
	_, err := h.Complete("done", OperationResponse{Success: true})
	require.NoError(t, err)

	cleared, err := h.ClearFinished(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
}

// ============================================================================
// Test Suite: Display Names
// ============================================================================

func TestDisplayName(t *testing.T) {
	cases := map[string]Action{
		"Full App Backup":         CreateBackup{Kind: BackupKindFull},
		"NANDroid Backup":         CreateBackup{},
		"Restore app_20240301":    RestoreBackup{Name: "app_20240301"},
		"Flash ROM":               FlashRom{},
		"Apply Optimizations":     GenesisOptimizations{},
		"Install Custom Recovery": InstallRecovery{},
		"Unlock Bootloader":       UnlockBootloader{},
	}
	for want, action := range cases {
		assert.Equal(t, want, DisplayName(action))
	}
}
