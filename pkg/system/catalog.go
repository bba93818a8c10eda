package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

// Catalog reads and deletes finished backups under one root. It never
// writes into a backup directory.
type Catalog struct {
	root string
	log  logrus.FieldLogger
}

func NewCatalog(root string, log logrus.FieldLogger) *Catalog {
	return &Catalog{root: root, log: log.WithField("component", "catalog")}
}

func (c *Catalog) Root() string {
	return c.root
}

// List returns every backup under the root, newest first. Directories
// without a manifest are not backups and are left out.
func (c *Catalog) List(ctx context.Context) ([]romtools.BackupInfo, error) {
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []romtools.BackupInfo{}, nil
	}
	if err != nil {
		return nil, romtools.NewOpError(romtools.ErrIO, "list backups", err)
	}

	backups := []romtools.BackupInfo{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		info, ok := c.load(filepath.Join(c.root, entry.Name()))
		if !ok {
			continue
		}
		backups = append(backups, info)
	}

	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].CreatedAt == backups[j].CreatedAt {
			return backups[i].Name > backups[j].Name
		}
		return backups[i].CreatedAt > backups[j].CreatedAt
	})
	return backups, nil
}

func (c *Catalog) Get(ctx context.Context, name string) (romtools.BackupInfo, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return romtools.BackupInfo{}, fmt.Errorf("%w: invalid name %q", romtools.ErrBackupNotFound, name)
	}
	info, ok := c.load(filepath.Join(c.root, name))
	if !ok {
		return romtools.BackupInfo{}, fmt.Errorf("%w: %s", romtools.ErrBackupNotFound, name)
	}
	return info, nil
}

// Delete removes the backup directory. A missing directory is reported as
// ErrBackupNotFound.
func (c *Catalog) Delete(ctx context.Context, info romtools.BackupInfo) error {
	path := filepath.Clean(info.Path)
	if path == filepath.Clean(c.root) || !isPathWithin(path, c.root) {
		return fmt.Errorf("%w: %s is outside %s", romtools.ErrBackupNotFound, info.Path, c.root)
	}
	stat, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", romtools.ErrBackupNotFound, info.Name)
	}
	if err != nil {
		return romtools.NewOpError(romtools.ErrIO, "delete backup", err)
	}
	if !stat.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", romtools.ErrBackupNotFound, info.Path)
	}
	if err := os.RemoveAll(path); err != nil {
		return romtools.NewOpError(romtools.ErrIO, "delete backup", err)
	}
	c.log.Infof("Deleted backup %s", info.Name)
	return nil
}

// load builds a BackupInfo from the directory's manifest. A manifest that
// exists but does not parse still marks a backup; its details come from
// the directory itself.
func (c *Catalog) load(dir string) (romtools.BackupInfo, bool) {
	manifestPath, kind, ok := findManifest(dir)
	if !ok {
		return romtools.BackupInfo{}, false
	}

	info := romtools.BackupInfo{
		Name: filepath.Base(dir),
		Path: dir,
		Type: kind,
	}
	manifest, err := readManifest(dir)
	if err != nil {
		c.log.WithError(err).Warnf("Unreadable manifest in %s", dir)
		if stat, statErr := os.Stat(manifestPath); statErr == nil {
			info.CreatedAt = stat.ModTime().UnixMilli()
		}
		info.Partitions = inferPartitions(dir, kind)
	} else {
		info.CreatedAt = manifest.CreatedAt
		info.DeviceModel = manifest.DeviceModel
		info.AndroidVersion = manifest.AndroidVersion
		info.Partitions = manifest.Partitions
		if info.Partitions == nil {
			info.Partitions = []string{}
		}
	}

	size, err := dirSize(dir)
	if err != nil {
		c.log.WithError(err).Debugf("Partial size for %s", dir)
	}
	info.Size = size
	return info, true
}
