package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	romtools "github.com/dogeorg/romtools/pkg"
	"github.com/dogeorg/romtools/pkg/system"
)

var rootCmd = &cobra.Command{
	Use:   "romtools",
	Short: "Backup, restore and ROM maintenance for rooted Android devices",
	Long: `romtools creates full app and NANDroid backups, restores them, and
stages ROM packages and restore scripts for a custom recovery.

Every flag can also be set with a ROMTOOLS_* environment variable, for
example ROMTOOLS_BACKUP_DIR for --backup-dir.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	registerConfigFlags(rootCmd.PersistentFlags())
}

func registerConfigFlags(f *pflag.FlagSet) {
	defaults := romtools.DefaultServerConfig()
	f.String("backup-dir", defaults.BackupDir, "Directory holding one subdirectory per backup")
	f.String("staging-dir", defaults.StagingDir, "Directory where APKs and ROM packages are staged")
	f.String("log-dir", defaults.LogDir, "Directory for the rotating service log and operation logs")
	f.String("data-dir", defaults.DataDir, "Directory holding the operation history database")
	f.String("package", "", "Package name of the app to back up")
	f.String("apk-path", "", "APK path, resolved with pm path when empty")
	f.String("app-data-dir", "", "App private data directory (default /data/data/<package>)")
	f.String("app-version", "", "App version name recorded in manifests")
	f.String("userdata-dir", defaults.UserdataDir, "Tree archived into userdata.tar.gz by NANDroid backups")
	f.String("by-name-dir", "", "Override the by-name partition symlink directory")
	f.String("bind", defaults.Bind, "Address the API server binds to")
	f.Int("port", defaults.Port, "Port the API server listens on")
	f.BoolP("verbose", "v", false, "Enable debug logging")
}

// flagOrEnv returns the flag value unless it was left at its default and
// ROMTOOLS_<NAME> is set.
func flagOrEnv(flags *pflag.FlagSet, name string) string {
	fl := flags.Lookup(name)
	if fl == nil {
		return ""
	}
	if !fl.Changed {
		env := "ROMTOOLS_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok {
			return v
		}
	}
	return fl.Value.String()
}

func loadConfig(cmd *cobra.Command) (romtools.ServerConfig, error) {
	flags := cmd.Flags()
	config := romtools.ServerConfig{
		BackupDir:   flagOrEnv(flags, "backup-dir"),
		StagingDir:  flagOrEnv(flags, "staging-dir"),
		LogDir:      flagOrEnv(flags, "log-dir"),
		DataDir:     flagOrEnv(flags, "data-dir"),
		PackageName: flagOrEnv(flags, "package"),
		APKPath:     flagOrEnv(flags, "apk-path"),
		AppDataDir:  flagOrEnv(flags, "app-data-dir"),
		AppVersion:  flagOrEnv(flags, "app-version"),
		UserdataDir: flagOrEnv(flags, "userdata-dir"),
		ByNameDir:   flagOrEnv(flags, "by-name-dir"),
		Bind:        flagOrEnv(flags, "bind"),
		MountsFile:  romtools.DefaultServerConfig().MountsFile,
	}

	port, err := strconv.Atoi(flagOrEnv(flags, "port"))
	if err != nil {
		return config, fmt.Errorf("invalid port: %w", err)
	}
	config.Port = port

	verbose, err := strconv.ParseBool(flagOrEnv(flags, "verbose"))
	if err != nil {
		return config, fmt.Errorf("invalid verbose value: %w", err)
	}
	config.Verbose = verbose

	return config, config.Validate()
}

// app is everything a command needs once the config is loaded.
type app struct {
	config  romtools.ServerConfig
	log     *logrus.Logger
	manager *romtools.RomToolsManager
	history *romtools.OperationHistory
	close   func()
}

func buildApp(cmd *cobra.Command) (*app, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := NewCLILogger(config)

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := romtools.OpenStore(filepath.Join(config.DataDir, "romtools.db"))
	if err != nil {
		return nil, err
	}
	store, err := romtools.NewTypeStore[romtools.OperationRecord](db, "operations")
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := system.NewEngine(config, system.NewShell(log), log)
	history := romtools.NewOperationHistory(store)
	manager := romtools.NewRomToolsManager(engine, history, config, log)

	return &app{
		config:  config,
		log:     log,
		manager: manager,
		history: history,
		close:   func() { db.Close() },
	}, nil
}

// NewCLILogger keeps interactive output quiet unless --verbose is given.
func NewCLILogger(config romtools.ServerConfig) *logrus.Logger {
	log := romtools.NewLogger(config)
	if !config.Verbose {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}
