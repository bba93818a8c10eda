package system

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

const flashScriptName = "flash_rom.sh"

// RomStageService copies or downloads a ROM zip into the staging directory
// and writes a script that installs it from TWRP. Nothing is flashed.
type RomStageService struct {
	stagingDir string
	client     *resty.Client
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewRomStageService(stagingDir string, log logrus.FieldLogger) *RomStageService {
	client := resty.New()
	client.SetTimeout(30 * time.Minute)
	client.SetRetryCount(2)
	return &RomStageService{
		stagingDir: stagingDir,
		client:     client,
		log:        log.WithField("component", "stager"),
		now:        time.Now,
	}
}

func (r *RomStageService) Stage(ctx context.Context, sourceURI string, progress romtools.ProgressFunc) (romtools.StagedRom, error) {
	staged := romtools.StagedRom{Source: sourceURI}
	if err := os.MkdirAll(r.stagingDir, 0755); err != nil {
		return staged, romtools.NewOpError(romtools.ErrIO, "stage rom", err)
	}

	u, err := url.Parse(sourceURI)
	if err != nil {
		return staged, fmt.Errorf("invalid ROM source %q: %w", sourceURI, err)
	}

	progress.Report(10, "Fetching ROM package")
	switch u.Scheme {
	case "http", "https":
		staged.Path = filepath.Join(r.stagingDir, r.stagedName(path.Base(u.Path)))
		if err := r.download(ctx, sourceURI, staged.Path); err != nil {
			os.Remove(staged.Path)
			return staged, err
		}
	case "", "file":
		src := u.Path
		if u.Scheme == "" {
			src = sourceURI
		}
		staged.Path = filepath.Join(r.stagingDir, r.stagedName(filepath.Base(src)))
		if _, err := copyFile(src, staged.Path); err != nil {
			return staged, romtools.NewOpError(romtools.ErrIO, "stage rom", err)
		}
	default:
		return staged, fmt.Errorf("unsupported ROM source scheme %q", u.Scheme)
	}

	progress.Report(70, "Verifying ROM package")
	sum, size, err := sha256File(staged.Path)
	if err != nil {
		return staged, romtools.NewOpError(romtools.ErrIO, "hash rom", err)
	}
	staged.SHA256 = sum
	staged.Size = size
	if err := os.WriteFile(staged.Path+".sha256", []byte(fmt.Sprintf("%s  %s\n", sum, filepath.Base(staged.Path))), 0644); err != nil {
		r.log.WithError(err).Warn("Failed to write checksum file")
	}

	progress.Report(90, "Writing recovery flash script")
	staged.ScriptPath = filepath.Join(r.stagingDir, flashScriptName)
	if err := os.WriteFile(staged.ScriptPath, []byte(flashScript(staged)), 0755); err != nil {
		return staged, romtools.NewOpError(romtools.ErrIO, "write flash script", err)
	}
	os.Chmod(staged.ScriptPath, 0755)

	progress.Report(100, fmt.Sprintf("ROM staged at %s", staged.Path))
	r.log.WithFields(logrus.Fields{"path": staged.Path, "sha256": staged.SHA256}).Info("ROM staged")
	return staged, nil
}

func (r *RomStageService) download(ctx context.Context, sourceURI string, dest string) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetOutput(dest).
		Get(sourceURI)
	if err != nil {
		return romtools.NewOpError(romtools.ErrIO, "download rom", err)
	}
	if resp.IsError() {
		return romtools.NewOpError(romtools.ErrIO, "download rom", fmt.Errorf("server returned %s", resp.Status()))
	}
	return nil
}

func (r *RomStageService) stagedName(base string) string {
	name := sanitizeName(strings.TrimSuffix(base, ".zip"))
	if name == "" {
		name = "rom"
	}
	return fmt.Sprintf("%s_%s.zip", name, r.now().Format(backupTimestampLayout))
}

func flashScript(staged romtools.StagedRom) string {
	var b strings.Builder
	b.WriteString("#!/sbin/sh\n")
	fmt.Fprintf(&b, "# Flash %s from TWRP.\n", filepath.Base(staged.Path))
	b.WriteString("set -e\n\n")
	fmt.Fprintf(&b, "ROM=%s\n", shellescape.Quote(staged.Path))
	fmt.Fprintf(&b, "EXPECTED=%s\n\n", staged.SHA256)
	b.WriteString("ACTUAL=\"$(sha256sum \"$ROM\" | cut -d' ' -f1)\"\n")
	b.WriteString("if [ \"$ACTUAL\" != \"$EXPECTED\" ]; then\n")
	b.WriteString("  echo \"checksum mismatch for $ROM\" >&2\n")
	b.WriteString("  exit 1\n")
	b.WriteString("fi\n\n")
	b.WriteString("twrp install \"$ROM\"\n")
	b.WriteString("reboot\n")
	return b.String()
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
