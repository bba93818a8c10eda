package romtools

import (
	"fmt"
	"time"
)

// A Change is pushed to subscribers whenever observable state moves:
// progress updates, operation start/finish and capability refreshes.
type Change struct {
	ID string `json:"id"`
	// Seq increases monotonically per manager and is assigned on emit.
	Seq    uint64 `json:"seq"`
	TS     int64  `json:"ts"`
	Error  string `json:"error"`
	Type   string `json:"type"`
	Update Update `json:"update"`
}

// Updates need to be json-marshalable types
type Update any

// OperationProgress is overwritten on every step. The last value seen when
// an operation ends stays visible until the next operation starts.
type OperationProgress struct {
	OperationID   string        `json:"operationID"`
	Operation     string        `json:"operation"`
	Progress      float64       `json:"progress"` // 0-100
	Indeterminate bool          `json:"indeterminate"`
	Step          string        `json:"step"`
	Status        string        `json:"status"`
	Error         bool          `json:"error"`
	StepTaken     time.Duration `json:"step_taken"`
}

/* Actions are the operations the facade accepts. Every
 * Action implements ActionName() to provide a stable
 * identifier used in history, logs and the REST API.
 */
type Action interface {
	ActionName() string
}

type BackupKind string

const (
	BackupKindNandroid BackupKind = "nandroid"
	BackupKindFull     BackupKind = "full"
)

// Stage a ROM package for flashing from recovery.
type FlashRom struct{}

func (FlashRom) ActionName() string { return "flash-rom" }

// Create a backup. Nandroid backups fall back to a full app
// backup when root is not available.
type CreateBackup struct {
	Name string
	Kind BackupKind
}

func (CreateBackup) ActionName() string { return "create-backup" }

type RestoreBackup struct {
	Name string
}

func (RestoreBackup) ActionName() string { return "restore-backup" }

type GenesisOptimizations struct{}

func (GenesisOptimizations) ActionName() string { return "genesis-optimizations" }

type InstallRecovery struct{}

func (InstallRecovery) ActionName() string { return "install-recovery" }

type UnlockBootloader struct{}

func (UnlockBootloader) ActionName() string { return "unlock-bootloader" }

// OperationContext carries where a request came from.
type OperationContext struct {
	Origin string `json:"origin"` // cli, api, agent
	Note   string `json:"note,omitempty"`
}

// RomOperationRequest is one-shot and never persisted as-is.
type RomOperationRequest struct {
	Operation Action
	SourceURI string
	Context   OperationContext
}

// ActionFromName maps the wire names used by the CLI and REST API to an Action.
func ActionFromName(name string, backupName string, kind string) (Action, error) {
	switch name {
	case FlashRom{}.ActionName():
		return FlashRom{}, nil
	case CreateBackup{}.ActionName():
		k := BackupKind(kind)
		if k == "" {
			k = BackupKindNandroid
		}
		if k != BackupKindNandroid && k != BackupKindFull {
			return nil, fmt.Errorf("unsupported backup kind %q", kind)
		}
		return CreateBackup{Name: backupName, Kind: k}, nil
	case RestoreBackup{}.ActionName():
		if backupName == "" {
			return nil, fmt.Errorf("backup name is required for %s", name)
		}
		return RestoreBackup{Name: backupName}, nil
	case GenesisOptimizations{}.ActionName():
		return GenesisOptimizations{}, nil
	case InstallRecovery{}.ActionName():
		return InstallRecovery{}, nil
	case UnlockBootloader{}.ActionName():
		return UnlockBootloader{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
}

// OperationResponse is the uniform result of every facade operation.
type OperationResponse struct {
	ID         string `json:"id"`
	Operation  string `json:"operation"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	ScriptPath string `json:"scriptPath,omitempty"`
	Data       any    `json:"data,omitempty"`

	err error
}

// Err returns the underlying error for callers that want errors.Is.
func (r OperationResponse) Err() error {
	return r.err
}
