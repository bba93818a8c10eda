package system

import (
	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

// NewEngine wires the device-backed implementations behind the facade.
func NewEngine(config romtools.ServerConfig, shell *Shell, log logrus.FieldLogger) romtools.Engine {
	device := NewPropDeviceProber(shell, config, log)
	partitions := NewPartitionResolver(config.ByNameDir, log)
	recovery := NewRecoveryService(shell, partitions, log)
	backups := NewBackupService(
		config,
		shell,
		device,
		partitions,
		NewCatalog(config.BackupDir, log),
		log,
	)
	return romtools.Engine{
		Backups:      backups,
		Recovery:     recovery,
		Capabilities: NewCapabilityService(shell, device, recovery, config, log),
		Stager:       NewRomStageService(config.StagingDir, log),
		Optimizer:    NewOptimizeService(shell, log),
	}
}
