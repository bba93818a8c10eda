package system

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

func NewLogTailer(logDir string, log logrus.FieldLogger) LogTailer {
	return LogTailer{
		logDir:  logDir,
		log:     log.WithField("component", "logtailer"),
		wait:    30 * time.Second,
		pollGap: 100 * time.Millisecond,
	}
}

// LogTailer streams the per-operation log files written by OperationLogger.
type LogTailer struct {
	logDir  string
	log     logrus.FieldLogger
	wait    time.Duration
	pollGap time.Duration
}

// GetChan sends the existing lines of the operation log and then follows it
// until the returned cancel func is called. Without follow the channel closes
// at end of file.
func (t LogTailer) GetChan(operationID string, follow bool) (context.CancelFunc, chan string, error) {
	if t.logDir == "" {
		return nil, nil, fmt.Errorf("operation logs are disabled, set --log-dir")
	}
	if operationID == "" || strings.ContainsAny(operationID, `/\`) || strings.Contains(operationID, "..") {
		return nil, nil, fmt.Errorf("invalid operation id %q", operationID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string, 10)

	go func() {
		defer close(out)
		logFile := filepath.Join(t.logDir, "op-"+operationID)

		// Wait for the file to be created
		var file *os.File
		var err error
		deadline := time.Now().Add(t.wait)
		for {
			file, err = os.Open(logFile)
			if err == nil || !follow || time.Now().After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.pollGap):
			}
		}
		if err != nil {
			t.log.WithError(err).Debugf("Log file never appeared: %s", logFile)
			return
		}
		defer file.Close()

		reader := bufio.NewReader(file)
		var partial string
		for {
			line, err := reader.ReadString('\n')
			if err == io.EOF {
				// keep a partial line until its newline is written
				partial += line
				if !follow {
					if partial != "" {
						send(ctx, out, partial)
					}
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.pollGap):
				}
				continue
			}
			if err != nil {
				return
			}
			if !send(ctx, out, strings.TrimRight(partial+line, "\r\n")) {
				return
			}
			partial = ""
		}
	}()
	return cancel, out, nil
}

func send(ctx context.Context, out chan string, line string) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- line:
		return true
	}
}
