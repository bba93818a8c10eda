package system

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

// Executor starts a process from argv and waits for it. A non-zero exit is
// reported through the exit code; err is reserved for processes that
// could not be run at all.
type Executor interface {
	Exec(ctx context.Context, argv []string, stdout io.Writer, stderr io.Writer) (int, error)
}

type execExecutor struct{}

func (execExecutor) Exec(ctx context.Context, argv []string, stdout io.Writer, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type CommandResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

/*
Shell is the single place commands are built and run. Arguments are
quoted here and nowhere else; elevated commands run as

	su -c '<quoted command line>'

and unelevated commands are exec'd directly without a shell.
*/
type Shell struct {
	exec     Executor
	log      logrus.FieldLogger
	suBinary string
}

func NewShell(log logrus.FieldLogger) *Shell {
	return NewShellWithExecutor(execExecutor{}, log)
}

func NewShellWithExecutor(e Executor, log logrus.FieldLogger) *Shell {
	return &Shell{exec: e, log: log.WithField("component", "shell"), suBinary: "su"}
}

// CommandLine renders argv as one shell-safe string.
func CommandLine(name string, args ...string) string {
	return shellescape.QuoteCommand(append([]string{name}, args...))
}

// Run executes name with args, through su when elevated is set. Any
// non-zero exit is returned as a *romtools.CommandError alongside the
// captured result.
func (s *Shell) Run(ctx context.Context, elevated bool, name string, args ...string) (CommandResult, error) {
	line := CommandLine(name, args...)
	argv := append([]string{name}, args...)
	if elevated {
		argv = []string{s.suBinary, "-c", line}
	}

	var stdout, stderr bytes.Buffer
	debug := romtools.NewLineWriter(func(l string) {
		s.log.WithField("cmd", name).Debug(l)
	})
	code, err := s.exec.Exec(ctx, argv, io.MultiWriter(&stdout, debug), &stderr)
	debug.Flush()

	result := CommandResult{
		Command:  line,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}
	s.log.WithFields(logrus.Fields{"elevated": elevated, "exit": code}).Debugf("ran %s", line)

	if err != nil || code != 0 {
		return result, &romtools.CommandError{
			Command:  line,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: code,
			Err:      err,
		}
	}
	return result, nil
}

// Output is Run returning trimmed stdout.
func (s *Shell) Output(ctx context.Context, elevated bool, name string, args ...string) (string, error) {
	res, err := s.Run(ctx, elevated, name, args...)
	return strings.TrimSpace(res.Stdout), err
}

// Test reports whether a command exits zero. Used for file-existence and
// grep style probes where a failure just means "no".
func (s *Shell) Test(ctx context.Context, elevated bool, name string, args ...string) bool {
	_, err := s.Run(ctx, elevated, name, args...)
	return err == nil
}

// ProbeRoot runs a trivial elevated command. The answer is only valid for
// the operation that asked; callers pass it down rather than store it.
func (s *Shell) ProbeRoot(ctx context.Context) bool {
	out, err := s.Output(ctx, true, "echo", "root")
	if err != nil {
		s.log.WithError(err).Debug("Root probe failed")
		return false
	}
	return out == "root"
}
