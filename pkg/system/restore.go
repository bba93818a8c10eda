package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/alessio/shellescape"

	romtools "github.com/dogeorg/romtools/pkg"
)

// RestoreBackup restores an app-level backup in place. A partition-level
// backup is never written from the running system: a recovery script is
// generated and returned inside a *romtools.RecoveryScriptError.
func (s *BackupService) RestoreBackup(ctx context.Context, info romtools.BackupInfo, progress romtools.ProgressFunc) (romtools.RestoreResult, error) {
	manifest, err := readManifest(info.Path)
	if err != nil {
		return romtools.RestoreResult{Backup: info.Name}, err
	}
	if manifest.BackupType == romtools.BackupTypeNandroid {
		return s.prepareRecoveryRestore(info, manifest, progress)
	}
	return s.restoreAppBackup(ctx, info, manifest, progress)
}

func (s *BackupService) prepareRecoveryRestore(info romtools.BackupInfo, manifest romtools.BackupManifest, progress romtools.ProgressFunc) (romtools.RestoreResult, error) {
	result := romtools.RestoreResult{Backup: info.Name, Restored: []string{}}
	progress.Report(20, "Generating recovery restore script")

	images := []string{}
	for _, p := range manifest.Partitions {
		if isRegularFile(filepath.Join(info.Path, p+".img")) {
			images = append(images, p)
		}
	}

	scriptPath := filepath.Join(info.Path, romtools.RestoreScriptName)
	script := recoveryRestoreScript(info.Name, images, manifest.HasUserdata(), manifest.SlotSuffix)
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return result, romtools.NewOpError(romtools.ErrIO, "write recovery script", err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(scriptPath, 0755); err != nil {
		return result, romtools.NewOpError(romtools.ErrIO, "write recovery script", err)
	}

	result.ScriptPath = scriptPath
	progress.Report(100, fmt.Sprintf("Reboot to recovery and run %s", scriptPath))
	s.log.WithField("backup", info.Name).Infof("Recovery restore script written to %s", scriptPath)
	return result, &romtools.RecoveryScriptError{Backup: info.Name, ScriptPath: scriptPath}
}

// byNameDirs are searched by the recovery script in this order. They match
// the directories PartitionResolver reads on the running system.
const byNameDirs = "/dev/block/by-name /dev/block/bootdevice/by-name /dev/block/platform/*/by-name"

// recoveryRestoreScript renders the script run from a custom recovery. It
// finds images next to itself, so the backup folder can be moved. Every
// target is resolved before the first dd; a partition that cannot be found
// aborts the restore with nothing written. BY_NAME_DIRS overrides the
// search directories.
func recoveryRestoreScript(backup string, partitions []string, hasUserdata bool, slotSuffix string) string {
	var b strings.Builder
	b.WriteString("#!/sbin/sh\n")
	fmt.Fprintf(&b, "# Restore %s from a custom recovery.\n", backup)
	b.WriteString("set -e\n\n")
	b.WriteString("BACKUP_DIR=\"$(cd \"$(dirname \"$0\")\" && pwd)\"\n")
	fmt.Fprintf(&b, "BY_NAME_DIRS=\"${BY_NAME_DIRS:-%s}\"\n", byNameDirs)
	fmt.Fprintf(&b, "RECORDED_SLOT=%s\n", shellescape.Quote(slotSuffix))
	b.WriteString("ACTIVE_SLOT=\"$(getprop ro.boot.slot_suffix 2>/dev/null || true)\"\n\n")
	b.WriteString("resolve_partition() {\n")
	b.WriteString("  for name in \"$1\" \"$1$ACTIVE_SLOT\" \"$1$RECORDED_SLOT\"; do\n")
	b.WriteString("    for dir in $BY_NAME_DIRS; do\n")
	b.WriteString("      if [ -e \"$dir/$name\" ]; then\n")
	b.WriteString("        readlink -f \"$dir/$name\"\n")
	b.WriteString("        return 0\n")
	b.WriteString("      fi\n")
	b.WriteString("    done\n")
	b.WriteString("  done\n")
	b.WriteString("  echo \"partition $1 not found, nothing was written\" >&2\n")
	b.WriteString("  return 1\n")
	b.WriteString("}\n\n")

	for _, p := range partitions {
		fmt.Fprintf(&b, "%s=\"$(resolve_partition %s)\" || exit 1\n", partitionVar(p), shellescape.Quote(p))
	}
	if len(partitions) > 0 {
		b.WriteString("\n")
	}
	for _, p := range partitions {
		img := shellescape.Quote(p + ".img")
		fmt.Fprintf(&b, "echo \"Restoring %s\"\n", p)
		fmt.Fprintf(&b, "dd if=\"$BACKUP_DIR\"/%s of=\"$%s\" bs=4096\n", img, partitionVar(p))
	}
	if hasUserdata {
		b.WriteString("\n# userdata is a file archive, not an image. Extract it by hand if needed:\n")
		fmt.Fprintf(&b, "#   tar -xzf \"$BACKUP_DIR\"/%s -C /data\n", romtools.UserdataArchiveName)
	}
	b.WriteString("\nsync\nreboot\n")
	return b.String()
}

// partitionVar names the script variable holding a partition's device.
func partitionVar(partition string) string {
	return "DEV_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, partition)
}

func (s *BackupService) restoreAppBackup(ctx context.Context, info romtools.BackupInfo, manifest romtools.BackupManifest, progress romtools.ProgressFunc) (romtools.RestoreResult, error) {
	result := romtools.RestoreResult{Backup: info.Name, Restored: []string{}}
	rooted := s.shell.ProbeRoot(ctx)
	device := s.deviceInfo(ctx)
	log := s.log.WithField("backup", info.Name)

	dataDir := device.DataDir
	if dataDir == "" {
		return result, romtools.NewOpError(romtools.ErrIO, "restore", fmt.Errorf("app data directory unknown"))
	}
	owner := s.dataOwner(ctx, rooted, dataDir)

	progress.Report(20, "Staging APK")
	apk := filepath.Join(info.Path, romtools.APKFileName)
	if isRegularFile(apk) {
		staged := filepath.Join(s.config.StagingDir, stagedAPKName(manifest, info))
		if _, err := copyFile(apk, staged); err != nil {
			return result, romtools.NewOpError(romtools.ErrIO, "stage apk", err)
		}
		result.StagedAPK = staged
		result.Restored = append(result.Restored, romtools.PartitionAPK)
		progress.Report(30, fmt.Sprintf("APK staged at %s", staged))
	} else {
		result.Warnings = append(result.Warnings, "backup has no APK")
		progress.Report(30, "No APK in backup")
	}

	if warning := versionWarning(manifest.AppVersion, device.AppVersion); warning != "" {
		log.Warn(warning)
		result.Warnings = append(result.Warnings, warning)
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	progress.Report(50, "Restoring app data")
	label, err := s.restoreData(ctx, rooted, info.Path, dataDir)
	if err != nil {
		return result, err
	}
	if label != "" {
		result.Restored = append(result.Restored, label)
	}

	progress.Report(70, "Restoring databases")
	if n := s.copyEach(ctx, rooted, filepath.Join(info.Path, romtools.DatabasesDirName), filepath.Join(dataDir, romtools.DatabasesDirName), log); n > 0 {
		result.Restored = append(result.Restored, romtools.PartitionDatabases)
	}

	progress.Report(85, "Restoring shared preferences")
	if n := s.copyEach(ctx, rooted, filepath.Join(info.Path, romtools.SharedPrefsDirName), filepath.Join(dataDir, romtools.SharedPrefsDirName), log); n > 0 {
		result.Restored = append(result.Restored, romtools.PartitionSharedPrefs)
	}

	progress.Report(95, "Fixing ownership")
	switch {
	case !rooted:
		result.Warnings = append(result.Warnings, "ownership not restored without root")
	case owner == "":
		result.Warnings = append(result.Warnings, "original owner unknown, ownership not restored")
	default:
		if _, err := s.shell.Run(ctx, true, "chown", "-R", owner, dataDir); err != nil {
			log.WithError(err).Warn("chown failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("chown %s failed", owner))
		}
		if _, err := s.shell.Run(ctx, true, "restorecon", "-R", dataDir); err != nil {
			log.WithError(err).Debug("restorecon failed")
		}
	}

	progress.Report(100, "Restore complete")
	log.WithField("restored", result.Restored).Info("Restore complete")
	return result, nil
}

// restoreData unpacks whichever data archive the backup holds. Missing
// archives are not an error; an archive that fails to unpack is.
func (s *BackupService) restoreData(ctx context.Context, rooted bool, backupDir string, dataDir string) (string, error) {
	tarPath := filepath.Join(backupDir, romtools.AppDataTarName)
	zipPath := filepath.Join(backupDir, romtools.AppDataZipName)

	var tarErr error
	if isRegularFile(tarPath) {
		tarErr = NewTarArchiver(s.shell, rooted, s.log).Unpack(ctx, tarPath, dataDir)
		if tarErr == nil {
			return romtools.PartitionData, nil
		}
		s.log.WithError(tarErr).Warn("tar restore failed")
	}
	if isRegularFile(zipPath) {
		if err := NewZipArchiver(s.log).Unpack(ctx, zipPath, dataDir); err != nil {
			return "", err
		}
		return romtools.PartitionDataZip, nil
	}
	return "", tarErr
}

// dataOwner returns "uid:gid" of dir, or "" when it cannot be read.
func (s *BackupService) dataOwner(ctx context.Context, rooted bool, dir string) string {
	if stat, err := os.Stat(dir); err == nil {
		if sys, ok := stat.Sys().(*syscall.Stat_t); ok {
			return strconv.FormatUint(uint64(sys.Uid), 10) + ":" + strconv.FormatUint(uint64(sys.Gid), 10)
		}
	}
	if !rooted {
		return ""
	}
	out, err := s.shell.Output(ctx, true, "stat", "-c", "%u:%g", dir)
	if err != nil {
		return ""
	}
	return out
}

func stagedAPKName(manifest romtools.BackupManifest, info romtools.BackupInfo) string {
	if manifest.AppVersion != "" {
		return fmt.Sprintf("%s-%s.apk", info.Name, sanitizeName(manifest.AppVersion))
	}
	return info.Name + ".apk"
}

// versionWarning flags restoring data written by a newer app build.
func versionWarning(backupVersion string, installedVersion string) string {
	if backupVersion == "" || installedVersion == "" {
		return ""
	}
	backup, err := semver.NewVersion(backupVersion)
	if err != nil {
		return ""
	}
	installed, err := semver.NewVersion(installedVersion)
	if err != nil {
		return ""
	}
	if backup.GreaterThan(installed) {
		return fmt.Sprintf("backup was made by app version %s, installed version is %s", backup, installed)
	}
	return ""
}
