package romtools

import (
	"fmt"
	"sync"
	"time"
)

type OperationStatus string

const (
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
)

// OperationRecord is the persisted history entry for one facade operation.
type OperationRecord struct {
	ID             string          `json:"id"`
	Operation      string          `json:"operation"`
	DisplayName    string          `json:"displayName"`
	Origin         string          `json:"origin"`
	Started        time.Time       `json:"started"`
	Finished       *time.Time      `json:"finished"` // nil if not finished
	Progress       float64         `json:"progress"` // 0-100
	Status         OperationStatus `json:"status"`
	SummaryMessage string          `json:"summaryMessage"`
	ErrorMessage   string          `json:"errorMessage"`
}

// OperationHistory tracks operation records in a TypeStore.
type OperationHistory struct {
	store  *TypeStore[OperationRecord]
	active map[string]*OperationRecord
	mu     sync.Mutex
}

func NewOperationHistory(store *TypeStore[OperationRecord]) *OperationHistory {
	return &OperationHistory{
		store:  store,
		active: map[string]*OperationRecord{},
	}
}

func (h *OperationHistory) Start(id string, req RomOperationRequest) (*OperationRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record := &OperationRecord{
		ID:             id,
		Operation:      req.Operation.ActionName(),
		DisplayName:    DisplayName(req.Operation),
		Origin:         req.Context.Origin,
		Started:        time.Now().UTC(),
		Status:         OperationStatusInProgress,
		SummaryMessage: "Operation started",
	}
	if err := h.store.Set(id, *record); err != nil {
		return nil, fmt.Errorf("failed to store operation record: %w", err)
	}
	h.active[id] = record
	return record, nil
}

func (h *OperationHistory) UpdateProgress(p OperationProgress) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	record, ok := h.active[p.OperationID]
	if !ok {
		return fmt.Errorf("operation not active: %s", p.OperationID)
	}
	if p.Progress > record.Progress {
		record.Progress = p.Progress
	}
	record.SummaryMessage = p.Status
	if p.Error {
		record.ErrorMessage = p.Status
	}
	return h.store.Set(record.ID, *record)
}

func (h *OperationHistory) Complete(id string, resp OperationResponse) (OperationRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record, ok := h.active[id]
	if !ok {
		loaded, err := h.store.Get(id)
		if err != nil {
			return OperationRecord{}, fmt.Errorf("operation not found: %s", id)
		}
		record = &loaded
	}
	delete(h.active, id)

	now := time.Now().UTC()
	record.Finished = &now
	record.SummaryMessage = resp.Message
	if resp.Success {
		record.Status = OperationStatusCompleted
		record.Progress = 100
	} else {
		record.Status = OperationStatusFailed
		record.ErrorMessage = resp.Error
	}
	return *record, h.store.Set(id, *record)
}

func (h *OperationHistory) Get(id string) (OperationRecord, error) {
	return h.store.Get(id)
}

// Recent returns the newest records first.
func (h *OperationHistory) Recent(limit int) ([]OperationRecord, error) {
	query := fmt.Sprintf("SELECT value FROM %s ORDER BY julianday(json_extract(value, '$.started')) DESC LIMIT ?", h.store.Table)
	return h.store.Exec(query, limit)
}

// ClearFinished removes completed and failed records older than olderThan.
func (h *OperationHistory) ClearFinished(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	query := fmt.Sprintf(`DELETE FROM %s
		WHERE json_extract(value, '$.status') IN ('completed', 'failed')
		  AND json_extract(value, '$.finished') IS NOT NULL
		  AND julianday(json_extract(value, '$.finished')) < julianday(?)`, h.store.Table)
	count, err := h.store.ExecWrite(query, cutoff)
	return int(count), err
}

// DisplayName returns a human-readable label for an operation.
func DisplayName(a Action) string {
	switch op := a.(type) {
	case CreateBackup:
		if op.Kind == BackupKindFull {
			return "Full App Backup"
		}
		return "NANDroid Backup"
	case RestoreBackup:
		return fmt.Sprintf("Restore %s", op.Name)
	case FlashRom:
		return "Flash ROM"
	case GenesisOptimizations:
		return "Apply Optimizations"
	case InstallRecovery:
		return "Install Custom Recovery"
	case UnlockBootloader:
		return "Unlock Bootloader"
	default:
		return "ROM Operation"
	}
}
