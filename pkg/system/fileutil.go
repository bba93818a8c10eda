package system

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const backupTimestampLayout = "20060102_150405"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func isPathWithin(path string, base string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// sanitizeName makes a user supplied label safe to use as one path element.
func sanitizeName(name string) string {
	clean := unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	clean = strings.Trim(clean, "._")
	if len(clean) > 48 {
		clean = clean[:48]
	}
	return clean
}

// allocateBackupDir creates a new, empty directory named
// <prefix>_<timestamp> under root. Directory creation is exclusive so two
// backups started in the same second never share a directory.
func allocateBackupDir(root string, prefix string, now time.Time) (string, string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", "", err
	}
	base := fmt.Sprintf("%s_%s", prefix, now.Format(backupTimestampLayout))
	name := base
	for i := 2; i < 100; i++ {
		dir := filepath.Join(root, name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return name, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", err
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	return "", "", fmt.Errorf("could not allocate a backup directory for %s", base)
}

func copyFile(src string, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}

// dirSize sums regular file sizes below root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
