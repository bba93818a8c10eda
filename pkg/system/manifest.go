package system

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	romtools "github.com/dogeorg/romtools/pkg"
)

func writeManifest(dir string, manifest romtools.BackupManifest) error {
	name := romtools.AppManifestName
	if manifest.BackupType == romtools.BackupTypeNandroid {
		name = romtools.NandroidManifestName
	}
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), b, 0644)
}

// findManifest returns the manifest file present in dir, preferring the
// partition-level one.
func findManifest(dir string) (string, romtools.BackupType, bool) {
	if p := filepath.Join(dir, romtools.NandroidManifestName); isRegularFile(p) {
		return p, romtools.BackupTypeNandroid, true
	}
	if p := filepath.Join(dir, romtools.AppManifestName); isRegularFile(p) {
		return p, romtools.BackupTypeFullApp, true
	}
	return "", "", false
}

func readManifest(dir string) (romtools.BackupManifest, error) {
	path, kind, ok := findManifest(dir)
	if !ok {
		return romtools.BackupManifest{}, fmt.Errorf("%w: no manifest in %s", romtools.ErrBackupNotFound, dir)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return romtools.BackupManifest{}, romtools.NewOpError(romtools.ErrIO, "read manifest", err)
	}
	var manifest romtools.BackupManifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return romtools.BackupManifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if manifest.BackupType == "" {
		manifest.BackupType = kind
	}
	return manifest, nil
}

// inferPartitions lists the partition labels whose artifacts are present
// in dir.
func inferPartitions(dir string, kind romtools.BackupType) []string {
	partitions := []string{}
	if kind == romtools.BackupTypeNandroid {
		for _, p := range NandroidPartitions {
			if isRegularFile(filepath.Join(dir, p+".img")) {
				partitions = append(partitions, p)
			}
		}
		if isRegularFile(filepath.Join(dir, romtools.UserdataArchiveName)) {
			partitions = append(partitions, romtools.PartitionUserdata)
		}
		return partitions
	}

	if isRegularFile(filepath.Join(dir, romtools.APKFileName)) {
		partitions = append(partitions, romtools.PartitionAPK)
	}
	if isRegularFile(filepath.Join(dir, romtools.AppDataTarName)) {
		partitions = append(partitions, romtools.PartitionData)
	} else if isRegularFile(filepath.Join(dir, romtools.AppDataZipName)) {
		partitions = append(partitions, romtools.PartitionDataZip)
	}
	if isDir(filepath.Join(dir, romtools.DatabasesDirName)) {
		partitions = append(partitions, romtools.PartitionDatabases)
	}
	if isDir(filepath.Join(dir, romtools.SharedPrefsDirName)) {
		partitions = append(partitions, romtools.PartitionSharedPrefs)
	}
	return partitions
}

// inferBackupType guesses the kind of backup from its artifacts.
func inferBackupType(dir string) (romtools.BackupType, bool) {
	if _, kind, ok := findManifest(dir); ok {
		return kind, true
	}
	if isRegularFile(filepath.Join(dir, romtools.UserdataArchiveName)) {
		return romtools.BackupTypeNandroid, true
	}
	for _, p := range NandroidPartitions {
		if isRegularFile(filepath.Join(dir, p+".img")) {
			return romtools.BackupTypeNandroid, true
		}
	}
	if isRegularFile(filepath.Join(dir, romtools.APKFileName)) {
		return romtools.BackupTypeFullApp, true
	}
	return "", false
}

// RepairManifest rewrites the manifest of dir from the artifacts it holds.
// Fields a previous manifest carried are kept when it still parses.
func RepairManifest(dir string) (romtools.BackupManifest, error) {
	kind, ok := inferBackupType(dir)
	if !ok {
		return romtools.BackupManifest{}, fmt.Errorf("%w: no backup artifacts in %s", romtools.ErrBackupNotFound, dir)
	}

	manifest, err := readManifest(dir)
	if err != nil {
		manifest = romtools.BackupManifest{}
	}
	manifest.BackupType = kind
	if manifest.BackupName == "" {
		manifest.BackupName = filepath.Base(dir)
	}
	if manifest.CreatedAt == 0 {
		stat, err := os.Stat(dir)
		if err != nil {
			return romtools.BackupManifest{}, romtools.NewOpError(romtools.ErrIO, "stat backup", err)
		}
		manifest.CreatedAt = stat.ModTime().UnixMilli()
	}
	manifest.Partitions = inferPartitions(dir, kind)

	size, err := dirSize(dir)
	if err != nil {
		return romtools.BackupManifest{}, romtools.NewOpError(romtools.ErrIO, "size backup", err)
	}
	manifest.TotalSizeBytes = size

	if err := writeManifest(dir, manifest); err != nil {
		return romtools.BackupManifest{}, romtools.NewOpError(romtools.ErrIO, "write manifest", err)
	}
	return manifest, nil
}
