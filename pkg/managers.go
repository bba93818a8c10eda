package romtools

import "context"

/*
BackupManager builds, restores and catalogs backups. It owns a backup
directory while building it; afterwards the directory is only read or
deleted.
*/
type BackupManager interface {
	CreateFullBackup(ctx context.Context) (BackupInfo, error)
	CreateNandroidBackup(ctx context.Context, name string, progress ProgressFunc) (BackupInfo, error)
	// RestoreBackup branches on the manifest: partition-level backups
	// always yield a *RecoveryScriptError.
	RestoreBackup(ctx context.Context, info BackupInfo, progress ProgressFunc) (RestoreResult, error)
	ListBackups(ctx context.Context) ([]BackupInfo, error)
	FindBackup(ctx context.Context, name string) (BackupInfo, error)
	DeleteBackup(ctx context.Context, info BackupInfo) error
}

type RecoveryManager interface {
	CheckRecoveryAccess(ctx context.Context) bool
	IsCustomRecoveryInstalled(ctx context.Context) bool
	HasRecoveryPartition(ctx context.Context) bool
	InstallCustomRecovery(ctx context.Context) error
}

type CapabilityProber interface {
	Probe(ctx context.Context) (RomCapabilities, error)
}

type StagedRom struct {
	Source     string `json:"source"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	ScriptPath string `json:"scriptPath"`
}

// RomStager copies or downloads a ROM package and writes the recovery
// script that flashes it. Nothing is flashed in-process.
type RomStager interface {
	Stage(ctx context.Context, sourceURI string, progress ProgressFunc) (StagedRom, error)
}

type OptimizationReport struct {
	Applied []string `json:"applied"`
	Failed  []string `json:"failed,omitempty"`
}

type Optimizer interface {
	Apply(ctx context.Context, progress ProgressFunc) (OptimizationReport, error)
}

// Engine bundles the collaborators the facade routes to.
type Engine struct {
	Backups      BackupManager
	Recovery     RecoveryManager
	Capabilities CapabilityProber
	Stager       RomStager
	Optimizer    Optimizer
}
