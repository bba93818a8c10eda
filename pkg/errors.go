package romtools

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRootUnavailable is not a failure by itself: callers fall back to
	// the unprivileged path when they see it.
	ErrRootUnavailable               = errors.New("root unavailable")
	ErrPrivilegedCommandFailed       = errors.New("privileged command failed")
	ErrPartitionNotFound             = errors.New("partition not found")
	ErrArchiveStrategyFailed         = errors.New("archive strategy failed")
	ErrDestructiveRestoreUnsupported = errors.New("destructive restore is not supported on a running system")
	ErrIO                            = errors.New("i/o error")
	ErrBackupNotFound                = errors.New("backup not found")
	ErrOperationInProgress           = errors.New("another operation is in progress")
	ErrUnknownOperation              = errors.New("unknown operation")
	ErrBootloaderLocked              = errors.New("bootloader is locked")
)

// CommandError is returned by the shell for any command that exits
// non-zero or could not be started.
type CommandError struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Is(target error) bool {
	return target == ErrPrivilegedCommandFailed
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RecoveryScriptError is the only outcome of restoring a partition-level
// backup: the writes are left to a recovery environment and ScriptPath
// points at the script that performs them.
type RecoveryScriptError struct {
	Backup     string
	ScriptPath string
}

func (e *RecoveryScriptError) Error() string {
	return fmt.Sprintf("%v: run %s from a custom recovery to restore %s", ErrDestructiveRestoreUnsupported, e.ScriptPath, e.Backup)
}

func (e *RecoveryScriptError) Is(target error) bool {
	return target == ErrDestructiveRestoreUnsupported
}

// OpError tags an underlying error with one of the sentinel kinds above.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

func NewOpError(kind error, op string, err error) error {
	return &OpError{Kind: kind, Op: op, Err: err}
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Is(target error) bool {
	return target == e.Kind
}

func (e *OpError) Unwrap() error {
	return e.Err
}
