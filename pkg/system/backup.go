package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

// Cache directories are rebuilt by the app and never archived.
var appDataExcludes = []string{"./cache", "./code_cache"}

type BackupService struct {
	config   romtools.ServerConfig
	shell    *Shell
	device   romtools.DeviceProber
	resolver *PartitionResolver
	catalog  *Catalog
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewBackupService(config romtools.ServerConfig, shell *Shell, device romtools.DeviceProber, resolver *PartitionResolver, catalog *Catalog, log logrus.FieldLogger) *BackupService {
	return &BackupService{
		config:   config,
		shell:    shell,
		device:   device,
		resolver: resolver,
		catalog:  catalog,
		log:      log.WithField("component", "backup"),
		now:      time.Now,
	}
}

func (s *BackupService) CreateFullBackup(ctx context.Context) (romtools.BackupInfo, error) {
	return s.createFullBackup(ctx, s.shell.ProbeRoot(ctx))
}

/*
createFullBackup captures the APK, the private data tree, databases and
shared preferences, in that order. Only the APK copy is fatal; every
later step that fails just leaves its label out of Partitions.
*/
func (s *BackupService) createFullBackup(ctx context.Context, rooted bool) (romtools.BackupInfo, error) {
	device := s.deviceInfo(ctx)

	name, dir, err := allocateBackupDir(s.config.BackupDir, "full_backup", s.now())
	if err != nil {
		return romtools.BackupInfo{}, romtools.NewOpError(romtools.ErrIO, "create backup directory", err)
	}
	log := s.log.WithField("backup", name)

	if device.APKPath == "" {
		s.abandon(dir)
		return romtools.BackupInfo{}, romtools.NewOpError(romtools.ErrIO, "copy apk", errors.New("apk location unknown"))
	}
	if err := s.copyPrivileged(ctx, rooted, device.APKPath, filepath.Join(dir, romtools.APKFileName)); err != nil {
		s.abandon(dir)
		return romtools.BackupInfo{}, romtools.NewOpError(romtools.ErrIO, "copy apk", err)
	}
	partitions := []string{romtools.PartitionAPK}
	reasons := map[string]string{}

	if err := ctx.Err(); err != nil {
		s.abandon(dir)
		return romtools.BackupInfo{}, err
	}

	if device.DataDir == "" {
		log.Warn("App data directory unknown, skipping data archive")
	} else {
		label, reason, err := packWithFallback(ctx, NewTarArchiver(s.shell, rooted, log), NewZipArchiver(log), device.DataDir, dir, appDataExcludes, log)
		if reason != "" {
			reasons[romtools.PartitionData] = reason
		}
		if err != nil {
			log.WithError(err).Warn("App data not archived")
		} else {
			partitions = append(partitions, label)
		}

		if n := s.copyEach(ctx, rooted, filepath.Join(device.DataDir, romtools.DatabasesDirName), filepath.Join(dir, romtools.DatabasesDirName), log); n > 0 {
			partitions = append(partitions, romtools.PartitionDatabases)
		}
		if n := s.copyEach(ctx, rooted, filepath.Join(device.DataDir, romtools.SharedPrefsDirName), filepath.Join(dir, romtools.SharedPrefsDirName), log); n > 0 {
			partitions = append(partitions, romtools.PartitionSharedPrefs)
		}
	}

	if err := ctx.Err(); err != nil {
		s.abandon(dir)
		return romtools.BackupInfo{}, err
	}

	created := s.now()
	size, _ := dirSize(dir)
	manifest := s.baseManifest(name, created, device, partitions, size, romtools.BackupTypeFullApp)
	if len(reasons) > 0 {
		manifest.FallbackReasons = reasons
	}
	if err := writeManifest(dir, manifest); err != nil {
		log.WithError(err).Error("Failed to write backup manifest")
	}

	size, _ = dirSize(dir)
	log.WithField("partitions", partitions).Infof("Full backup complete (%d bytes)", size)
	return romtools.BackupInfo{
		Name:           name,
		Path:           dir,
		Size:           size,
		CreatedAt:      created.UnixMilli(),
		DeviceModel:    device.Model,
		AndroidVersion: device.AndroidVersion,
		Partitions:     partitions,
		Type:           romtools.BackupTypeFullApp,
	}, nil
}

func (s *BackupService) ListBackups(ctx context.Context) ([]romtools.BackupInfo, error) {
	return s.catalog.List(ctx)
}

func (s *BackupService) FindBackup(ctx context.Context, name string) (romtools.BackupInfo, error) {
	return s.catalog.Get(ctx, name)
}

func (s *BackupService) DeleteBackup(ctx context.Context, info romtools.BackupInfo) error {
	return s.catalog.Delete(ctx, info)
}

func (s *BackupService) deviceInfo(ctx context.Context) romtools.DeviceInfo {
	info, err := s.device.DeviceInfo(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Device metadata incomplete")
	}
	if s.config.APKPath != "" {
		info.APKPath = s.config.APKPath
	}
	if dataDir := s.config.AppDataPath(); dataDir != "" {
		info.DataDir = dataDir
	}
	return info
}

func (s *BackupService) baseManifest(name string, created time.Time, device romtools.DeviceInfo, partitions []string, size int64, kind romtools.BackupType) romtools.BackupManifest {
	return romtools.BackupManifest{
		BackupName:         name,
		CreatedAt:          created.UnixMilli(),
		DeviceModel:        device.Model,
		DeviceManufacturer: device.Manufacturer,
		AndroidVersion:     device.AndroidVersion,
		SDKInt:             device.SDKInt,
		AppVersion:         device.AppVersion,
		AppVersionCode:     device.AppVersionCode,
		Partitions:         partitions,
		TotalSizeBytes:     size,
		BackupType:         kind,
	}
}

// copyPrivileged copies in-process and retries through su when the source
// or destination is not accessible to us.
func (s *BackupService) copyPrivileged(ctx context.Context, rooted bool, src string, dst string) error {
	_, err := copyFile(src, dst)
	if err == nil || !rooted {
		return err
	}
	s.log.WithError(err).Debugf("Direct copy of %s failed, retrying elevated", src)
	if _, mkErr := s.shell.Run(ctx, true, "mkdir", "-p", filepath.Dir(dst)); mkErr != nil {
		return errors.Join(err, mkErr)
	}
	if _, cpErr := s.shell.Run(ctx, true, "cp", "-p", src, dst); cpErr != nil {
		return errors.Join(err, cpErr)
	}
	return nil
}

// copyEach copies the regular files directly inside srcDir, one at a
// time. A failed file is logged and skipped. It returns how many copied.
func (s *BackupService) copyEach(ctx context.Context, rooted bool, srcDir string, dstDir string, log logrus.FieldLogger) int {
	names, err := s.listFiles(ctx, rooted, srcDir)
	if err != nil {
		log.WithError(err).Debugf("Nothing to copy from %s", srcDir)
		return 0
	}
	copied := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if err := s.copyPrivileged(ctx, rooted, filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			log.WithError(err).Warnf("Skipping %s", name)
			continue
		}
		copied++
	}
	return copied
}

func (s *BackupService) listFiles(ctx context.Context, rooted bool, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err == nil {
		names := []string{}
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				names = append(names, entry.Name())
			}
		}
		return names, nil
	}
	if !rooted || errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	out, runErr := s.shell.Output(ctx, true, "find", dir, "-maxdepth", "1", "-type", "f")
	if runErr != nil {
		return nil, errors.Join(err, runErr)
	}
	names := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, filepath.Base(line))
		}
	}
	return names, nil
}

// abandon removes a backup directory that never became a backup.
func (s *BackupService) abandon(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.log.WithError(err).Warnf("Failed to remove incomplete backup %s", dir)
	}
}

func backupPrefix(kind string, name string) string {
	if clean := sanitizeName(name); clean != "" {
		return fmt.Sprintf("%s_%s", kind, clean)
	}
	return kind
}
