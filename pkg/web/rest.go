package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	romtools "github.com/dogeorg/romtools/pkg"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Manager is the part of the facade the API serves.
type Manager interface {
	State() romtools.RomToolsState
	Progress() *romtools.OperationProgress
	Subscribe() (<-chan romtools.Change, func())
	ProcessRomOperation(ctx context.Context, req romtools.RomOperationRequest) romtools.OperationResponse
	SubmitRomOperation(req romtools.RomOperationRequest) (string, error)
	ListBackups(ctx context.Context) ([]romtools.BackupInfo, error)
	DeleteBackup(ctx context.Context, name string) error
	History(limit int) ([]romtools.OperationRecord, error)
}

// OperationLogs streams the log file of one operation.
type OperationLogs interface {
	GetChan(operationID string, follow bool) (context.CancelFunc, chan string, error)
}

func RESTAPI(config romtools.ServerConfig, rt Manager, logs OperationLogs, log logrus.FieldLogger) api {
	a := api{
		mux:    http.NewServeMux(),
		config: config,
		rt:     rt,
		logs:   logs,
		log:    log.WithField("component", "api"),
	}

	routes := map[string]http.HandlerFunc{
		"GET /capabilities": a.getCapabilities,
		"GET /progress":     a.getProgress,

		"GET /backups":           a.getBackups,
		"DELETE /backups/{name}": a.deleteBackup,

		"POST /operations": a.startOperation,
		"GET /operations":  a.getOperations,

		"/ws/progress":           a.getProgressSocket,
		"/ws/log/operation/{ID}": a.getOperationLogSocket,
	}

	for p, h := range routes {
		a.mux.HandleFunc(p, h)
	}
	a.log.Debugf("Loaded %d API routes", len(routes))

	return a
}

type api struct {
	mux    *http.ServeMux
	config romtools.ServerConfig
	rt     Manager
	logs   OperationLogs
	log    logrus.FieldLogger
}

func (t api) Handler() http.Handler {
	return cors.AllowAll().Handler(t.mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (t api) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", t.config.Bind, t.config.Port),
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		t.log.WithField("addr", srv.Addr).Info("Listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func sendResponse(w http.ResponseWriter, payload any) {
	sendStatusResponse(w, http.StatusOK, payload)
}

func sendStatusResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sendErrorResponse(w http.ResponseWriter, code int, message string) {
	sendStatusResponse(w, code, map[string]any{
		"success": false,
		"error":   message,
	})
}

// statusFor maps facade errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, romtools.ErrOperationInProgress):
		return http.StatusConflict
	case errors.Is(err, romtools.ErrUnknownOperation):
		return http.StatusBadRequest
	case errors.Is(err, romtools.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, romtools.ErrDestructiveRestoreUnsupported):
		return http.StatusAccepted
	case errors.Is(err, romtools.ErrRootUnavailable), errors.Is(err, romtools.ErrBootloaderLocked):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
