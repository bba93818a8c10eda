/*
romtools architecture:

 Requests come from the CLI, the REST API or an agent and are handed to
 RomToolsManager.ProcessRomOperation, the only entry point. One operation
 runs at a time per manager.

                  ┌──────────────────────────────────────┐
  CLI ──────┐     │ RomToolsManager                      │
            │     │                                      │      Changes
  REST ─────┼───► │ dispatch ──► BackupManager ──► Shell ├───► (progress,
            │     │          ├─► RecoveryManager   (su)  │      state)
  Agent ────┘     │          ├─► RomStager               │
                  │          └─► Optimizer               │
                  └──────────────────────────────────────┘
                                │
                                ▼
                     backup root / recovery scripts

 Partition writes never happen here: restores of partition images and ROM
 flashes end in a script for a custom recovery.
*/

package romtools

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RomToolsState is the observable capability snapshot plus the last error.
type RomToolsState struct {
	Initialized  bool            `json:"initialized"`
	Capabilities RomCapabilities `json:"capabilities"`
	LastError    string          `json:"lastError,omitempty"`
}

type RomToolsManager struct {
	engine  Engine
	history *OperationHistory
	config  ServerConfig
	log     logrus.FieldLogger
	console io.Writer

	worker sync.Mutex // held for the duration of one operation

	mu       sync.RWMutex
	state    RomToolsState
	progress *OperationProgress

	subsMu sync.Mutex
	subs   map[int]chan Change
	nextID int
	seq    uint64
}

// NewRomToolsManager wires the facade. history may be nil when operation
// records should not be persisted.
func NewRomToolsManager(engine Engine, history *OperationHistory, config ServerConfig, log logrus.FieldLogger) *RomToolsManager {
	return &RomToolsManager{
		engine:  engine,
		history: history,
		config:  config,
		log:     log.WithField("component", "romtools"),
		subs:    map[int]chan Change{},
	}
}

// SetConsole sets where per-step console lines go (io.Discard under a TUI).
func (t *RomToolsManager) SetConsole(w io.Writer) {
	t.console = w
}

// Initialize probes device capabilities once.
func (t *RomToolsManager) Initialize(ctx context.Context) error {
	caps, err := t.engine.Capabilities.Probe(ctx)

	t.mu.Lock()
	t.state.Capabilities = caps
	t.state.Initialized = true
	if err != nil {
		t.state.LastError = err.Error()
	}
	state := t.state
	t.mu.Unlock()

	t.sendChange(Change{ID: "internal", Type: "state", Update: state})
	if err != nil {
		t.log.WithError(err).Warn("Capability probe incomplete")
		return err
	}
	t.log.WithFields(logrus.Fields{
		"root":       caps.HasRoot,
		"recovery":   caps.HasRecovery,
		"bootloader": caps.BootloaderUnlocked,
	}).Info("Capabilities probed")
	return nil
}

func (t *RomToolsManager) State() RomToolsState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Progress is nil until the first operation reports.
func (t *RomToolsManager) Progress() *OperationProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.progress == nil {
		return nil
	}
	p := *t.progress
	return &p
}

// Subscribe returns a channel of Changes and a function that releases it.
// Slow subscribers miss changes rather than block the operation.
func (t *RomToolsManager) Subscribe() (<-chan Change, func()) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan Change, 64)
	t.subs[id] = ch
	return ch, func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

func (t *RomToolsManager) sendChange(c Change) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	t.seq++
	c.Seq = t.seq
	c.TS = time.Now().UnixMilli()
	for _, ch := range t.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (t *RomToolsManager) setProgress(p OperationProgress) {
	t.mu.Lock()
	t.progress = &p
	t.mu.Unlock()

	if t.history != nil {
		if err := t.history.UpdateProgress(p); err != nil {
			t.log.WithError(err).Debug("Failed to record progress")
		}
	}
	t.sendChange(Change{ID: p.OperationID, Type: "progress", Update: p})
}

// ProcessRomOperation runs req to completion and returns its response.
func (t *RomToolsManager) ProcessRomOperation(ctx context.Context, req RomOperationRequest) OperationResponse {
	if req.Operation == nil {
		return failure("", "", "No operation given", ErrUnknownOperation)
	}
	if !t.worker.TryLock() {
		return failure("", req.Operation.ActionName(), "Another operation is running", ErrOperationInProgress)
	}
	defer t.worker.Unlock()
	return t.run(ctx, newOperationID(), req)
}

// SubmitRomOperation starts req in the background and returns its ID.
// The outcome is published as an "operation" Change and in the history.
func (t *RomToolsManager) SubmitRomOperation(req RomOperationRequest) (string, error) {
	if req.Operation == nil {
		return "", ErrUnknownOperation
	}
	if !t.worker.TryLock() {
		return "", ErrOperationInProgress
	}
	id := newOperationID()
	go func() {
		defer t.worker.Unlock()
		t.run(context.Background(), id, req)
	}()
	return id, nil
}

func (t *RomToolsManager) run(ctx context.Context, id string, req RomOperationRequest) OperationResponse {
	name := DisplayName(req.Operation)
	opLog := NewOperationLogger(id, name, t.config.LogDir, t.log, t.setProgress)
	if t.console != nil {
		opLog.SetConsole(t.console)
	}

	if t.history != nil {
		if _, err := t.history.Start(id, req); err != nil {
			t.log.WithError(err).Warn("Failed to record operation start")
		}
	}
	t.setProgress(OperationProgress{OperationID: id, Operation: name, Indeterminate: true, Status: "Starting"})

	resp := t.dispatch(ctx, req, opLog)
	resp.ID = id
	resp.Operation = req.Operation.ActionName()

	queue := opLog.Step("finish")
	if resp.Success {
		queue.Progress(100).Log(resp.Message)
	} else {
		queue.Err(resp.Message)
	}

	t.mu.Lock()
	if resp.Success {
		t.state.LastError = ""
	} else {
		t.state.LastError = resp.Error
	}
	t.mu.Unlock()

	if t.history != nil {
		if _, err := t.history.Complete(id, resp); err != nil {
			t.log.WithError(err).Warn("Failed to record operation result")
		}
	}
	t.sendChange(Change{ID: id, Type: "operation", Error: resp.Error, Update: resp})
	return resp
}

/* dispatch routes a request on its Action type. Every
 * branch returns a complete OperationResponse; errors
 * never escape as panics or bare errors.
 */
func (t *RomToolsManager) dispatch(ctx context.Context, req RomOperationRequest, opLog *OperationLogger) OperationResponse {
	switch a := req.Operation.(type) {
	case CreateBackup:
		return t.createBackup(ctx, a, opLog)
	case RestoreBackup:
		return t.restoreBackup(ctx, a, opLog)
	case FlashRom:
		return t.flashRom(ctx, req.SourceURI, opLog)
	case GenesisOptimizations:
		return t.optimize(ctx, opLog)
	case InstallRecovery:
		return t.installRecovery(ctx, opLog)
	case UnlockBootloader:
		return t.unlockBootloader(opLog)
	default:
		return failure("", req.Operation.ActionName(), fmt.Sprintf("Unknown operation %s", req.Operation.ActionName()), ErrUnknownOperation)
	}
}

func (t *RomToolsManager) createBackup(ctx context.Context, a CreateBackup, opLog *OperationLogger) OperationResponse {
	var info BackupInfo
	var err error
	if a.Kind == BackupKindFull {
		step := opLog.Step("full-backup")
		step.Progress(5).Log("Creating full app backup")
		info, err = t.engine.Backups.CreateFullBackup(ctx)
	} else {
		info, err = t.engine.Backups.CreateNandroidBackup(ctx, a.Name, opLog.ProgressFunc("nandroid-backup"))
	}
	if err != nil {
		return failure("", "", "Backup failed", err)
	}
	return OperationResponse{
		Success: true,
		Message: fmt.Sprintf("Backup %s created (%d bytes, %v)", info.Name, info.Size, info.Partitions),
		Data:    info,
	}
}

func (t *RomToolsManager) restoreBackup(ctx context.Context, a RestoreBackup, opLog *OperationLogger) OperationResponse {
	info, err := t.engine.Backups.FindBackup(ctx, a.Name)
	if err != nil {
		return failure("", "", fmt.Sprintf("Backup %s not found", a.Name), err)
	}

	result, err := t.engine.Backups.RestoreBackup(ctx, info, opLog.ProgressFunc("restore"))
	if err != nil {
		var scriptErr *RecoveryScriptError
		if errors.As(err, &scriptErr) {
			resp := failure("", "", fmt.Sprintf("Partition restore must run from recovery: %s", scriptErr.ScriptPath), err)
			resp.ScriptPath = scriptErr.ScriptPath
			resp.Data = result
			return resp
		}
		return failure("", "", "Restore failed", err)
	}
	return OperationResponse{
		Success: true,
		Message: fmt.Sprintf("Restored %s (%v)", info.Name, result.Restored),
		Data:    result,
	}
}

func (t *RomToolsManager) flashRom(ctx context.Context, sourceURI string, opLog *OperationLogger) OperationResponse {
	if sourceURI == "" {
		return failure("", "", "A ROM source is required", fmt.Errorf("missing source URI"))
	}
	if t.engine.Stager == nil {
		return failure("", "", "ROM staging is unavailable", ErrUnknownOperation)
	}
	staged, err := t.engine.Stager.Stage(ctx, sourceURI, opLog.ProgressFunc("stage-rom"))
	if err != nil {
		return failure("", "", "Failed to stage ROM", err)
	}
	return OperationResponse{
		Success:    true,
		Message:    fmt.Sprintf("ROM staged at %s, reboot to recovery and run %s", staged.Path, staged.ScriptPath),
		ScriptPath: staged.ScriptPath,
		Data:       staged,
	}
}

func (t *RomToolsManager) optimize(ctx context.Context, opLog *OperationLogger) OperationResponse {
	if t.engine.Optimizer == nil {
		return failure("", "", "Optimizations are unavailable", ErrUnknownOperation)
	}
	report, err := t.engine.Optimizer.Apply(ctx, opLog.ProgressFunc("optimize"))
	if err != nil {
		return failure("", "", "Failed to apply optimizations", err)
	}
	return OperationResponse{
		Success: true,
		Message: fmt.Sprintf("Applied %d optimizations, %d failed", len(report.Applied), len(report.Failed)),
		Data:    report,
	}
}

func (t *RomToolsManager) installRecovery(ctx context.Context, opLog *OperationLogger) OperationResponse {
	step := opLog.Step("install-recovery")
	step.Progress(10).Log("Checking recovery")
	if err := t.engine.Recovery.InstallCustomRecovery(ctx); err != nil {
		return failure("", "", "Failed to install recovery", err)
	}
	return OperationResponse{Success: true, Message: "Custom recovery install prepared"}
}

func (t *RomToolsManager) unlockBootloader(opLog *OperationLogger) OperationResponse {
	if t.State().Capabilities.BootloaderUnlocked {
		return OperationResponse{Success: true, Message: "Bootloader is already unlocked"}
	}
	opLog.Step("unlock-bootloader").Err("Bootloader unlock needs fastboot")
	return failure("", "", "Reboot to the bootloader and run `fastboot flashing unlock`; this wipes the device", ErrBootloaderLocked)
}

func (t *RomToolsManager) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	return t.engine.Backups.ListBackups(ctx)
}

func (t *RomToolsManager) DeleteBackup(ctx context.Context, name string) error {
	info, err := t.engine.Backups.FindBackup(ctx, name)
	if err != nil {
		return err
	}
	if err := t.engine.Backups.DeleteBackup(ctx, info); err != nil {
		return err
	}
	t.sendChange(Change{ID: "internal", Type: "backup_deleted", Update: info})
	return nil
}

// History returns recent operation records, newest first.
func (t *RomToolsManager) History(limit int) ([]OperationRecord, error) {
	if t.history == nil {
		return []OperationRecord{}, nil
	}
	return t.history.Recent(limit)
}

func failure(id string, op string, msg string, err error) OperationResponse {
	return OperationResponse{
		ID:        id,
		Operation: op,
		Success:   false,
		Message:   msg,
		Error:     err.Error(),
		err:       err,
	}
}

func newOperationID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}
