package romtools

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// UnknownAction is a test-only action type for testing unknown action handling
type UnknownAction struct{}

func (UnknownAction) ActionName() string { return "unknown" }

type fakeBackups struct {
	mu       sync.Mutex
	backups  map[string]BackupInfo
	created  []string
	deleted  []string
	restored []string

	createErr  error
	restoreErr error
	result     RestoreResult

	// block, when set, holds CreateNandroidBackup until closed
	block chan struct{}
}

func newFakeBackups(infos ...BackupInfo) *fakeBackups {
	f := &fakeBackups{backups: map[string]BackupInfo{}}
	for _, info := range infos {
		f.backups[info.Name] = info
	}
	return f
}

func (f *fakeBackups) record(kind string) BackupInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, kind)
	info := BackupInfo{Name: kind + "_20240301_120000", Size: 1024, Partitions: []string{PartitionAPK}}
	f.backups[info.Name] = info
	return info
}

func (f *fakeBackups) CreateFullBackup(ctx context.Context) (BackupInfo, error) {
	if f.createErr != nil {
		return BackupInfo{}, f.createErr
	}
	return f.record("app"), nil
}

func (f *fakeBackups) CreateNandroidBackup(ctx context.Context, name string, progress ProgressFunc) (BackupInfo, error) {
	if f.block != nil {
		<-f.block
	}
	progress.Report(10, "Checking root access")
	if f.createErr != nil {
		return BackupInfo{}, f.createErr
	}
	progress.Report(100, "Backup complete")
	return f.record("nandroid"), nil
}

func (f *fakeBackups) RestoreBackup(ctx context.Context, info BackupInfo, progress ProgressFunc) (RestoreResult, error) {
	f.mu.Lock()
	f.restored = append(f.restored, info.Name)
	f.mu.Unlock()
	progress.Report(50, "Restoring")
	return f.result, f.restoreErr
}

func (f *fakeBackups) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []BackupInfo{}
	for _, info := range f.backups {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeBackups) FindBackup(ctx context.Context, name string) (BackupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.backups[name]
	if !ok {
		return BackupInfo{}, ErrBackupNotFound
	}
	return info, nil
}

func (f *fakeBackups) DeleteBackup(ctx context.Context, info BackupInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backups, info.Name)
	f.deleted = append(f.deleted, info.Name)
	return nil
}

type fakeRecovery struct {
	installErr error
	installs   int
}

func (f *fakeRecovery) CheckRecoveryAccess(context.Context) bool       { return true }
func (f *fakeRecovery) IsCustomRecoveryInstalled(context.Context) bool { return false }
func (f *fakeRecovery) HasRecoveryPartition(context.Context) bool      { return true }
func (f *fakeRecovery) InstallCustomRecovery(context.Context) error {
	f.installs++
	return f.installErr
}

type fakeCapabilities struct {
	caps RomCapabilities
	err  error
}

func (f fakeCapabilities) Probe(context.Context) (RomCapabilities, error) {
	return f.caps, f.err
}

type fakeStager struct {
	sources []string
	err     error
}

func (f *fakeStager) Stage(ctx context.Context, sourceURI string, progress ProgressFunc) (StagedRom, error) {
	f.sources = append(f.sources, sourceURI)
	if f.err != nil {
		return StagedRom{}, f.err
	}
	progress.Report(100, "Staged")
	return StagedRom{Source: sourceURI, Path: "/sdcard/romtools/staging/rom.zip", ScriptPath: "/sdcard/romtools/staging/flash_rom.sh"}, nil
}

type fakeOptimizer struct {
	report OptimizationReport
	err    error
}

func (f fakeOptimizer) Apply(ctx context.Context, progress ProgressFunc) (OptimizationReport, error) {
	return f.report, f.err
}

func setupNullLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

type testManager struct {
	*RomToolsManager
	backups  *fakeBackups
	recovery *fakeRecovery
	stager   *fakeStager
	history  *OperationHistory
}

func setupTestManager(t *testing.T, caps RomCapabilities, backups ...BackupInfo) *testManager {
	t.Helper()
	log := setupNullLogger()

	db, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewTypeStore[OperationRecord](db, "operations")
	require.NoError(t, err)
	history := NewOperationHistory(store)

	tm := &testManager{
		backups:  newFakeBackups(backups...),
		recovery: &fakeRecovery{},
		stager:   &fakeStager{},
		history:  history,
	}
	engine := Engine{
		Backups:      tm.backups,
		Recovery:     tm.recovery,
		Capabilities: fakeCapabilities{caps: caps},
		Stager:       tm.stager,
		Optimizer:    fakeOptimizer{report: OptimizationReport{Applied: []string{"global/window_animation_scale=0.5"}}},
	}
	tm.RomToolsManager = NewRomToolsManager(engine, history, DefaultServerConfig(), log)
	tm.SetConsole(io.Discard)
	require.NoError(t, tm.Initialize(context.Background()))
	return tm
}
