package system

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

type fakeCall struct {
	Elevated bool
	Args     []string
	Line     string
}

type fakeHandler func(args []string, stdout io.Writer, stderr io.Writer) int

// fakeExec stands in for the process table. Elevated commands fail unless
// root is set, and commands without a handler exit 127.
type fakeExec struct {
	mu       sync.Mutex
	root     bool
	calls    []fakeCall
	handlers map[string]fakeHandler
}

func newFakeExec(root bool) *fakeExec {
	f := &fakeExec{root: root, handlers: map[string]fakeHandler{}}
	f.handle("echo", func(args []string, stdout io.Writer, _ io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args[1:], " "))
		return 0
	})
	return f
}

func (f *fakeExec) handle(name string, h fakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *fakeExec) Exec(ctx context.Context, argv []string, stdout io.Writer, stderr io.Writer) (int, error) {
	call := fakeCall{}
	if argv[0] == "su" && len(argv) == 3 && argv[1] == "-c" {
		call.Elevated = true
		call.Line = argv[2]
		call.Args = splitCommandLine(argv[2])
	} else {
		call.Args = argv
		call.Line = CommandLine(argv[0], argv[1:]...)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	h, ok := f.handlers[call.Args[0]]
	root := f.root
	f.mu.Unlock()

	if call.Elevated && !root {
		fmt.Fprintln(stderr, "su: permission denied")
		return 1, nil
	}
	if !ok {
		fmt.Fprintf(stderr, "%s: not found\n", call.Args[0])
		return 127, nil
	}
	return h(call.Args, stdout, stderr), nil
}

func (f *fakeExec) commands(name string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []fakeCall{}
	for _, c := range f.calls {
		if c.Args[0] == name {
			out = append(out, c)
		}
	}
	return out
}

// splitCommandLine undoes shellescape quoting: single quotes, and the
// '"'"' sequence for embedded quotes.
func splitCommandLine(line string) []string {
	args := []string{}
	var cur strings.Builder
	inArg := false
	quote := rune(0)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args
}

// withTar makes `tar` work against the real filesystem.
func (f *fakeExec) withTar() *fakeExec {
	f.handle("tar", func(args []string, _ io.Writer, stderr io.Writer) int {
		var archive, dir string
		excludes := []string{}
		create := false
		for i := 1; i < len(args); i++ {
			switch {
			case args[i] == "-czf" || args[i] == "-xzf":
				create = args[i] == "-czf"
				archive = args[i+1]
				i++
			case args[i] == "-C":
				dir = args[i+1]
				i++
			case strings.HasPrefix(args[i], "--exclude="):
				excludes = append(excludes, strings.TrimPrefix(args[i], "--exclude="))
			}
		}
		var err error
		if create {
			err = writeTestTarGz(dir, archive, excludes)
		} else {
			err = extractTarGz(archive, dir)
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		return 0
	})
	return f
}

// withCoreutils adds dd, cp, mkdir, rm, chown and restorecon.
func (f *fakeExec) withCoreutils() *fakeExec {
	f.handle("dd", func(args []string, _ io.Writer, stderr io.Writer) int {
		var in, out string
		for _, a := range args[1:] {
			if v, ok := strings.CutPrefix(a, "if="); ok {
				in = v
			}
			if v, ok := strings.CutPrefix(a, "of="); ok {
				out = v
			}
		}
		if _, err := copyFile(in, out); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	})
	f.handle("cp", func(args []string, _ io.Writer, stderr io.Writer) int {
		if _, err := copyFile(args[len(args)-2], args[len(args)-1]); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	})
	f.handle("mkdir", func(args []string, _ io.Writer, _ io.Writer) int {
		if err := os.MkdirAll(args[len(args)-1], 0755); err != nil {
			return 1
		}
		return 0
	})
	f.handle("rm", func(args []string, _ io.Writer, _ io.Writer) int {
		os.Remove(args[len(args)-1])
		return 0
	})
	ok := func([]string, io.Writer, io.Writer) int { return 0 }
	f.handle("chown", ok)
	f.handle("restorecon", ok)
	return f
}

func writeTestTarGz(sourceDir string, dest string, excludes []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(sourceDir, path)
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
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = "./" + rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

type staticDevice struct {
	info romtools.DeviceInfo
	err  error
}

func (s staticDevice) DeviceInfo(ctx context.Context) (romtools.DeviceInfo, error) {
	return s.info, s.err
}

type testEnv struct {
	config  romtools.ServerConfig
	exec    *fakeExec
	shell   *Shell
	service *BackupService
	apkPath string
	dataDir string
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestEnv lays out an app install (a 2 MB APK and a data directory with
// shared prefs but no databases) and a backup service over it.
func newTestEnv(t *testing.T, fe *fakeExec) *testEnv {
	t.Helper()
	root := t.TempDir()

	apkPath := filepath.Join(root, "app", "base.apk")
	mustWriteFile(t, apkPath, strings.Repeat("A", 2*1024*1024))

	dataDir := filepath.Join(root, "data", "data", "org.example.app")
	mustWriteFile(t, filepath.Join(dataDir, "files", "notes.txt"), "hello")
	mustWriteFile(t, filepath.Join(dataDir, "files", "nested", "deep.bin"), "deep")
	mustWriteFile(t, filepath.Join(dataDir, "shared_prefs", "settings.xml"), "<map/>")
	mustWriteFile(t, filepath.Join(dataDir, "cache", "tmp.bin"), "cached")
	mustWriteFile(t, filepath.Join(dataDir, "code_cache", "art.bin"), "art")

	config := romtools.DefaultServerConfig()
	config.BackupDir = filepath.Join(root, "backups")
	config.StagingDir = filepath.Join(root, "staging")
	config.DataDir = root
	config.PackageName = "org.example.app"
	config.APKPath = apkPath
	config.AppDataDir = dataDir
	config.UserdataDir = filepath.Join(root, "data")
	config.ByNameDir = filepath.Join(root, "by-name")
	config.MountsFile = filepath.Join(root, "mounts")

	log := testLogger()
	shell := NewShellWithExecutor(fe, log)
	device := staticDevice{info: romtools.DeviceInfo{
		Model:          "Pixel 7",
		Manufacturer:   "Google",
		AndroidVersion: "14",
		SDKInt:         34,
		Fingerprint:    "google/panther/panther:14/UQ1A/1:user/release-keys",
		Bootloader:     "slider-1.2",
		SecurityPatch:  "2024-01-05",
		PackageName:    "org.example.app",
		AppVersion:     "1.4.0",
		AppVersionCode: 140,
	}}
	service := NewBackupService(config, shell, device, NewPartitionResolver(config.ByNameDir, log), NewCatalog(config.BackupDir, log), log)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	return &testEnv{
		config:  config,
		exec:    fe,
		shell:   shell,
		service: service,
		apkPath: apkPath,
		dataDir: dataDir,
	}
}

func mustWriteFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

// treeOf maps each regular file below root to its contents.
func treeOf(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk %s: %v", root, err)
	}
	return out
}
