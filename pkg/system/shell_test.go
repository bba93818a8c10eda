package system

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	romtools "github.com/dogeorg/romtools/pkg"
)

type recordingExecutor struct {
	argv   [][]string
	stdout string
	stderr string
	code   int
	err    error
}

func (r *recordingExecutor) Exec(ctx context.Context, argv []string, stdout io.Writer, stderr io.Writer) (int, error) {
	r.argv = append(r.argv, argv)
	io.WriteString(stdout, r.stdout)
	io.WriteString(stderr, r.stderr)
	return r.code, r.err
}

func TestShellElevatedCommandUsesSu(t *testing.T) {
	rec := &recordingExecutor{stdout: "ok\n"}
	shell := NewShellWithExecutor(rec, testLogger())

	res, err := shell.Run(context.Background(), true, "dd", "if=/dev/block/sda1", "of=/sdcard/my backups/boot.img")
	require.NoError(t, err)

	require.Len(t, rec.argv, 1)
	assert.Equal(t, []string{"su", "-c", "dd if=/dev/block/sda1 'of=/sdcard/my backups/boot.img'"}, rec.argv[0])
	assert.Equal(t, "ok\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestShellUnelevatedCommandRunsDirectly(t *testing.T) {
	rec := &recordingExecutor{}
	shell := NewShellWithExecutor(rec, testLogger())

	_, err := shell.Run(context.Background(), false, "getprop", "ro.product.model")
	require.NoError(t, err)
	assert.Equal(t, []string{"getprop", "ro.product.model"}, rec.argv[0])
}

func TestShellQuotesHostileArguments(t *testing.T) {
	rec := &recordingExecutor{}
	shell := NewShellWithExecutor(rec, testLogger())

	_, err := shell.Run(context.Background(), true, "test", "-d", "/data/x; rm -rf /")
	require.NoError(t, err)

	line := rec.argv[0][2]
	assert.Equal(t, "test -d '/data/x; rm -rf /'", line)
	assert.Equal(t, []string{"test", "-d", "/data/x; rm -rf /"}, splitCommandLine(line))

	assert.Equal(t, []string{"echo", "it's"}, splitCommandLine(CommandLine("echo", "it's")))
}

func TestShellNonZeroExit(t *testing.T) {
	rec := &recordingExecutor{stdout: "partial", stderr: "tar: no space left\n", code: 2}
	shell := NewShellWithExecutor(rec, testLogger())

	res, err := shell.Run(context.Background(), true, "tar", "-czf", "/sdcard/x.tar.gz", ".")
	require.Error(t, err)
	assert.ErrorIs(t, err, romtools.ErrPrivilegedCommandFailed)

	var cmdErr *romtools.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 2, cmdErr.ExitCode)
	assert.Equal(t, "partial", cmdErr.Stdout)
	assert.Equal(t, "tar: no space left\n", cmdErr.Stderr)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, err.Error(), "no space left")
}

func TestShellStartFailure(t *testing.T) {
	startErr := errors.New("exec: \"su\": executable file not found in $PATH")
	rec := &recordingExecutor{code: -1, err: startErr}
	shell := NewShellWithExecutor(rec, testLogger())

	_, err := shell.Run(context.Background(), true, "echo", "root")
	require.Error(t, err)
	assert.ErrorIs(t, err, startErr)
	assert.ErrorIs(t, err, romtools.ErrPrivilegedCommandFailed)
}

func TestProbeRoot(t *testing.T) {
	assert.True(t, NewShellWithExecutor(newFakeExec(true), testLogger()).ProbeRoot(context.Background()))
	assert.False(t, NewShellWithExecutor(newFakeExec(false), testLogger()).ProbeRoot(context.Background()))

	// su that exits zero without running the command
	rec := &recordingExecutor{stdout: ""}
	assert.False(t, NewShellWithExecutor(rec, testLogger()).ProbeRoot(context.Background()))
}

func TestShellOutputTrims(t *testing.T) {
	rec := &recordingExecutor{stdout: "  panther\n"}
	out, err := NewShellWithExecutor(rec, testLogger()).Output(context.Background(), false, "getprop", "ro.product.device")
	require.NoError(t, err)
	assert.Equal(t, "panther", out)
}
