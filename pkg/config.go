package romtools

import (
	"fmt"
	"path/filepath"
)

type ServerConfig struct {
	// Where backups are written. Each backup is one directory.
	BackupDir string
	// Where APKs and ROM packages are staged for installation.
	StagingDir string
	// Rotating service log and per-operation logs. Empty disables file logging.
	LogDir string
	// Holds the operation history database.
	DataDir string

	PackageName    string
	APKPath        string // empty: resolved with `pm path`
	AppDataDir     string // empty: /data/data/<package>
	AppVersion     string
	AppVersionCode int64

	// Source tree archived into userdata.tar.gz
	UserdataDir string
	// Overrides the by-name symlink directory used to resolve partitions.
	ByNameDir string
	// Kernel mount table, consulted for system write access.
	MountsFile string

	Bind    string
	Port    int
	Verbose bool
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BackupDir:   "/sdcard/romtools/backups",
		StagingDir:  "/sdcard/romtools/staging",
		LogDir:      "",
		DataDir:     "/sdcard/romtools",
		UserdataDir: "/data",
		MountsFile:  "/proc/mounts",
		Bind:        "127.0.0.1",
		Port:        8089,
	}
}

// AppDataPath returns the configured private data directory, or the
// conventional location for PackageName.
func (c ServerConfig) AppDataPath() string {
	if c.AppDataDir != "" {
		return c.AppDataDir
	}
	if c.PackageName == "" {
		return ""
	}
	return filepath.Join("/data/data", c.PackageName)
}

func (c ServerConfig) Validate() error {
	paths := map[string]string{
		"backup-dir":  c.BackupDir,
		"staging-dir": c.StagingDir,
		"data-dir":    c.DataDir,
	}
	for name, p := range paths {
		if p == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}
	optional := map[string]string{
		"log-dir":      c.LogDir,
		"apk-path":     c.APKPath,
		"app-data-dir": c.AppDataDir,
		"userdata-dir": c.UserdataDir,
		"by-name-dir":  c.ByNameDir,
	}
	for name, p := range optional {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
