package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	romtools "github.com/dogeorg/romtools/pkg"
)

// NandroidPartitions is the fixed set dumped to images. Whole-disk, modem
// and persist partitions are deliberately absent.
var NandroidPartitions = []string{"boot", "recovery", "system", "vendor", "product"}

// dalvik-cache and installed apps are regenerated. media holds internal
// storage, which is where backups are written.
var userdataExcludes = []string{"./dalvik-cache", "./app", "./media"}

// CreateNandroidBackup dumps partition images and archives userdata. Without
// root it produces a full app backup instead, with the same result shape.
func (s *BackupService) CreateNandroidBackup(ctx context.Context, name string, progress romtools.ProgressFunc) (romtools.BackupInfo, error) {
	progress.Report(10, "Checking root access")
	if !s.shell.ProbeRoot(ctx) {
		progress.Report(20, "Root unavailable, creating a full app backup instead")
		info, err := s.createFullBackup(ctx, false)
		if err != nil {
			return romtools.BackupInfo{}, err
		}
		progress.Report(100, fmt.Sprintf("Backup %s complete", info.Name))
		return info, nil
	}

	device := s.deviceInfo(ctx)
	backupName, dir, err := allocateBackupDir(s.config.BackupDir, backupPrefix("nandroid", name), s.now())
	if err != nil {
		return romtools.BackupInfo{}, romtools.NewOpError(romtools.ErrIO, "create backup directory", err)
	}
	log := s.log.WithField("backup", backupName)

	partitionMap := s.resolver.Resolve()
	progress.Report(30, fmt.Sprintf("Resolved %d partitions", len(partitionMap)))

	captured := []string{}
	for i, partition := range NandroidPartitions {
		if err := ctx.Err(); err != nil {
			s.abandon(dir)
			return romtools.BackupInfo{}, err
		}
		pct := 30 + 60*float64(i+1)/float64(len(NandroidPartitions))

		dev, ok := Lookup(partitionMap, partition, device.SlotSuffix)
		if !ok {
			log.WithError(romtools.ErrPartitionNotFound).Infof("Skipping %s", partition)
			progress.Report(pct, fmt.Sprintf("Skipped %s (not present)", partition))
			continue
		}

		image := filepath.Join(dir, partition+".img")
		if _, err := s.shell.Run(ctx, true, "dd", "if="+dev, "of="+image, "bs=4096"); err != nil {
			log.WithError(err).Warnf("Failed to dump %s", partition)
			s.shell.Run(ctx, true, "rm", "-f", image)
			os.Remove(image)
			progress.Report(pct, fmt.Sprintf("Failed to dump %s", partition))
			continue
		}
		captured = append(captured, partition)
		progress.Report(pct, fmt.Sprintf("Dumped %s", partition))
	}

	userdataDir := s.config.UserdataDir
	if userdataDir == "" {
		userdataDir = "/data"
	}
	tar := NewTarArchiver(s.shell, true, log)
	if err := tar.Pack(ctx, userdataDir, filepath.Join(dir, romtools.UserdataArchiveName), s.userdataExcludes(userdataDir)); err != nil {
		log.WithError(err).Warn("Userdata not archived")
	} else {
		captured = append(captured, romtools.PartitionUserdata)
	}
	progress.Report(95, "Writing manifest")

	created := s.now()
	size, _ := dirSize(dir)
	manifest := s.baseManifest(backupName, created, device, captured, size, romtools.BackupTypeNandroid)
	manifest.DeviceFingerprint = device.Fingerprint
	manifest.Bootloader = device.Bootloader
	manifest.SecurityPatch = device.SecurityPatch
	manifest.SlotSuffix = device.SlotSuffix
	if err := writeManifest(dir, manifest); err != nil {
		log.WithError(err).Error("Failed to write backup manifest")
	}

	size, _ = dirSize(dir)
	progress.Report(100, fmt.Sprintf("Backup %s complete", backupName))
	log.WithField("partitions", captured).Infof("NANDroid backup complete (%d bytes)", size)
	return romtools.BackupInfo{
		Name:           backupName,
		Path:           dir,
		Size:           size,
		CreatedAt:      created.UnixMilli(),
		DeviceModel:    device.Model,
		AndroidVersion: device.AndroidVersion,
		Partitions:     captured,
		Type:           romtools.BackupTypeNandroid,
	}, nil
}

// userdataExcludes adds every configured romtools directory that lives
// under userdataDir, so the archive never contains the backup being
// written or earlier backups.
func (s *BackupService) userdataExcludes(userdataDir string) []string {
	excludes := append([]string{}, userdataExcludes...)
	for _, dir := range []string{s.config.BackupDir, s.config.StagingDir, s.config.DataDir, s.config.LogDir} {
		if dir == "" || !isPathWithin(dir, userdataDir) {
			continue
		}
		rel, err := filepath.Rel(filepath.Clean(userdataDir), filepath.Clean(dir))
		if err != nil || rel == "." {
			continue
		}
		rel = filepath.ToSlash(rel)
		if isExcluded(rel, excludes) {
			continue
		}
		excludes = append(excludes, "./"+rel)
	}
	return excludes
}
