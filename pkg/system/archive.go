package system

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

// Archiver packs a directory tree into one file and back.
//
// Exclusions are relative to the source directory. A plain name such as
// "cache" skips every path component with that name; a "./" prefix
// anchors the exclusion at the source root.
type Archiver interface {
	Name() string
	Pack(ctx context.Context, sourceDir string, destFile string, excludes []string) error
	Unpack(ctx context.Context, sourceFile string, destDir string) error
}

type TarArchiver struct {
	shell    *Shell
	elevated bool
	log      logrus.FieldLogger
}

func NewTarArchiver(shell *Shell, elevated bool, log logrus.FieldLogger) *TarArchiver {
	return &TarArchiver{shell: shell, elevated: elevated, log: log}
}

func (a *TarArchiver) Name() string { return "tar" }

// Pack needs the elevated tar binary; without root it fails so the caller
// can fall back to zip.
func (a *TarArchiver) Pack(ctx context.Context, sourceDir string, destFile string, excludes []string) error {
	if !a.elevated {
		return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "tar pack", romtools.ErrRootUnavailable)
	}
	args := []string{"-czf", destFile, "-C", sourceDir}
	for _, ex := range excludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, ".")

	if _, err := a.shell.Run(ctx, true, "tar", args...); err != nil {
		// exit 1 means files changed while being read, which is expected
		// on a live data partition
		var cmdErr *romtools.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 && fileSize(destFile) > 0 {
			a.log.WithError(err).Warnf("tar reported changed files while archiving %s", sourceDir)
			return nil
		}
		os.Remove(destFile)
		return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "tar pack", err)
	}
	return nil
}

// Unpack uses the elevated tar binary when available and extracts
// in-process otherwise.
func (a *TarArchiver) Unpack(ctx context.Context, sourceFile string, destDir string) error {
	if a.elevated {
		if _, err := a.shell.Run(ctx, true, "mkdir", "-p", destDir); err != nil {
			return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "tar unpack", err)
		}
		if _, err := a.shell.Run(ctx, true, "tar", "-xzf", sourceFile, "-C", destDir); err != nil {
			return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "tar unpack", err)
		}
		return nil
	}
	if err := extractTarGz(sourceFile, destDir); err != nil {
		return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "tar unpack", err)
	}
	return nil
}

func extractTarGz(archivePath string, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(destDir, filepath.FromSlash(header.Name))
		if !isPathWithin(targetPath, destDir) {
			return fmt.Errorf("archive entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode).Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeStream(targetPath, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			linkTarget := filepath.Join(filepath.Dir(targetPath), header.Linkname)
			if filepath.IsAbs(header.Linkname) || !isPathWithin(linkTarget, destDir) {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}
			os.Remove(targetPath)
			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return err
			}
		default:
			// devices, fifos and hard links are not part of app data
		}
	}
}

// ZipArchiver runs entirely in-process and needs no external tool.
type ZipArchiver struct {
	log logrus.FieldLogger
}

func NewZipArchiver(log logrus.FieldLogger) *ZipArchiver {
	return &ZipArchiver{log: log}
}

func (a *ZipArchiver) Name() string { return "zip" }

func (a *ZipArchiver) Pack(ctx context.Context, sourceDir string, destFile string, excludes []string) error {
	if err := a.pack(ctx, sourceDir, destFile, excludes); err != nil {
		os.Remove(destFile)
		return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "zip pack", err)
	}
	return nil
}

func (a *ZipArchiver) pack(ctx context.Context, sourceDir string, destFile string, excludes []string) error {
	if !isDir(sourceDir) {
		return fmt.Errorf("%s is not a directory", sourceDir)
	}
	out, err := os.Create(destFile)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if isExcluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			a.log.Debugf("zip: skipping non-regular file %s", rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		if d.IsDir() {
			header.Name += "/"
			header.Method = zip.Store
			_, err := zw.CreateHeader(header)
			return err
		}
		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return walkErr
	}
	return zw.Close()
}

func (a *ZipArchiver) Unpack(ctx context.Context, sourceFile string, destDir string) error {
	if err := unzip(ctx, sourceFile, destDir); err != nil {
		return romtools.NewOpError(romtools.ErrArchiveStrategyFailed, "zip unpack", err)
	}
	return nil
}

func unzip(ctx context.Context, sourceFile string, destDir string) error {
	zr, err := zip.OpenReader(sourceFile)
	if err != nil {
		return err
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		targetPath := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !isPathWithin(targetPath, destDir) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		if strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeStream(targetPath, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// packWithFallback archives sourceDir into backupDir, tar first and zip
// when tar fails. The returned label is the partition name for the
// strategy that worked and reason explains why tar was skipped.
func packWithFallback(ctx context.Context, preferred Archiver, fallback Archiver, sourceDir string, backupDir string, excludes []string, log logrus.FieldLogger) (label string, reason string, err error) {
	tarPath := filepath.Join(backupDir, romtools.AppDataTarName)
	tarErr := preferred.Pack(ctx, sourceDir, tarPath, excludes)
	if tarErr == nil {
		return romtools.PartitionData, "", nil
	}
	log.WithError(tarErr).Warnf("%s archive failed, falling back to %s", preferred.Name(), fallback.Name())

	zipPath := filepath.Join(backupDir, romtools.AppDataZipName)
	if zipErr := fallback.Pack(ctx, sourceDir, zipPath, excludes); zipErr != nil {
		return "", tarErr.Error(), errors.Join(tarErr, zipErr)
	}
	return romtools.PartitionDataZip, tarErr.Error(), nil
}

func isExcluded(rel string, excludes []string) bool {
	for _, ex := range excludes {
		if anchored, ok := strings.CutPrefix(ex, "./"); ok {
			anchored = strings.TrimSuffix(anchored, "/")
			if rel == anchored || strings.HasPrefix(rel, anchored+"/") {
				return true
			}
			continue
		}
		for _, part := range strings.Split(rel, "/") {
			if part == ex {
				return true
			}
		}
	}
	return false
}

func writeStream(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
