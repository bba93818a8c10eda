package romtools

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type SubLogger interface {
	Log(msg string)
	Logf(msg string, a ...any)
	Err(msg string)
	Errf(msg string, a ...any)
	Progress(p float64) SubLogger
}

// OperationLogger fans each step message out to the console, the
// per-operation log file, the service logger and a progress sink.
type OperationLogger struct {
	ID        string
	Operation string
	Steps     map[string]*stepLogger

	console io.Writer
	logDir  string
	log     logrus.FieldLogger
	sink    func(OperationProgress)
	mu      sync.Mutex
}

func NewOperationLogger(id string, operation string, logDir string, log logrus.FieldLogger, sink func(OperationProgress)) *OperationLogger {
	return &OperationLogger{
		ID:        id,
		Operation: operation,
		Steps:     map[string]*stepLogger{},
		console:   os.Stdout,
		logDir:    logDir,
		log:       log.WithField("operation", id),
		sink:      sink,
	}
}

// SetConsole redirects the console line, io.Discard silences it.
func (t *OperationLogger) SetConsole(w io.Writer) *OperationLogger {
	t.console = w
	return t
}

func (t *OperationLogger) Step(step string) *stepLogger {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.Steps[step]
	if !ok {
		s = &stepLogger{l: t, step: step, start: time.Now()}
		t.Steps[step] = s
	}
	return s
}

// ProgressFunc adapts a step to the callback the engine reports into.
func (t *OperationLogger) ProgressFunc(step string) ProgressFunc {
	s := t.Step(step)
	return func(progress float64, status string) {
		s.Progress(progress).Log(status)
	}
}

type stepLogger struct {
	l        *OperationLogger
	step     string
	progress float64
	start    time.Time
}

func (t *stepLogger) log(msg string, err bool) {
	p := OperationProgress{
		OperationID: t.l.ID,
		Operation:   t.l.Operation,
		Progress:    t.progress,
		Step:        t.step,
		Status:      msg,
		Error:       err,
		StepTaken:   time.Since(t.start),
	}
	symbol := "✔️"
	if p.Error {
		symbol = "⁉️"
	}

	fmt.Fprintf(t.l.console, "%s [%s:%s](%.2fs|%.0f%%): %s\n", symbol, p.OperationID, p.Step, p.StepTaken.Seconds(), p.Progress, p.Status)

	entry := t.l.log.WithFields(logrus.Fields{"step": t.step, "progress": t.progress})
	if err {
		entry.Error(msg)
	} else {
		entry.Debug(msg)
	}

	t.writeToLogFile(msg)

	if t.l.sink != nil {
		t.l.sink(p)
	}
}

func (t *stepLogger) writeToLogFile(msg string) {
	if t.l.logDir == "" {
		return
	}
	logFile := filepath.Join(t.l.logDir, "op-"+t.l.ID)
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// a missing log file never fails the operation
		return
	}
	defer file.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	_, _ = fmt.Fprintf(file, "[%s] [%s] %s\n", timestamp, t.step, msg)
}

func (t *stepLogger) Progress(p float64) SubLogger {
	t.progress = p
	return t
}

func (t *stepLogger) Log(msg string) {
	t.log(msg, false)
}

func (t *stepLogger) Logf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), false)
}

func (t *stepLogger) Err(msg string) {
	t.log(msg, true)
}

func (t *stepLogger) Errf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), true)
}

type LineWriter struct {
	receiver func(string)
	buf      bytes.Buffer
}

// implements io.Writer and calls a function for each line
func NewLineWriter(receiver func(string)) *LineWriter {
	return &LineWriter{receiver: receiver}
}

func (t *LineWriter) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(p))
	scanner.Split(bufio.ScanLines)

	var lastLine bytes.Buffer
	complete := len(p) > 0 && p[len(p)-1] == '\n'

	lines := [][]byte{}
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}

	for i, line := range lines {
		if i == len(lines)-1 && !complete {
			// hold the partial trailing line until its newline arrives
			t.buf.Write(line)
			break
		}
		lastLine.Write(t.buf.Bytes())
		t.buf.Reset()
		lastLine.Write(line)
		t.receiver(lastLine.String())
		lastLine.Reset()
	}
	return len(p), scanner.Err()
}

// Flush emits any buffered partial line.
func (t *LineWriter) Flush() {
	if t.buf.Len() > 0 {
		t.receiver(t.buf.String())
		t.buf.Reset()
	}
}
