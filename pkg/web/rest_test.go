package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	romtools "github.com/dogeorg/romtools/pkg"
	"github.com/dogeorg/romtools/pkg/system"
)

type fakeManager struct {
	mu       sync.Mutex
	backups  []romtools.BackupInfo
	requests []romtools.RomOperationRequest
	response romtools.OperationResponse
	busy     bool
	changes  chan romtools.Change
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		backups: []romtools.BackupInfo{{Name: "nandroid_20240301_120000", Type: romtools.BackupTypeNandroid}},
		changes: make(chan romtools.Change, 8),
	}
}

func (f *fakeManager) State() romtools.RomToolsState {
	return romtools.RomToolsState{Initialized: true, Capabilities: romtools.RomCapabilities{HasRoot: true, DeviceModel: "Pixel 7"}}
}

func (f *fakeManager) Progress() *romtools.OperationProgress {
	return &romtools.OperationProgress{OperationID: "op1", Progress: 40, Status: "Dumping system"}
}

func (f *fakeManager) Subscribe() (<-chan romtools.Change, func()) {
	return f.changes, func() {}
}

func (f *fakeManager) ProcessRomOperation(ctx context.Context, req romtools.RomOperationRequest) romtools.OperationResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.response
}

func (f *fakeManager) SubmitRomOperation(req romtools.RomOperationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", romtools.ErrOperationInProgress
	}
	f.requests = append(f.requests, req)
	return "op2", nil
}

func (f *fakeManager) ListBackups(ctx context.Context) ([]romtools.BackupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]romtools.BackupInfo{}, f.backups...), nil
}

func (f *fakeManager) DeleteBackup(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.backups {
		if b.Name == name {
			f.backups = append(f.backups[:i], f.backups[i+1:]...)
			return nil
		}
	}
	return romtools.ErrBackupNotFound
}

func (f *fakeManager) History(limit int) ([]romtools.OperationRecord, error) {
	return []romtools.OperationRecord{{ID: "op1", Operation: "create-backup", Status: romtools.OperationStatusCompleted}}, nil
}

func (f *fakeManager) recorded() []romtools.RomOperationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]romtools.RomOperationRequest{}, f.requests...)
}

func newTestAPI(t *testing.T, m *fakeManager) *httptest.Server {
	t.Helper()
	log, _ := test.NewNullLogger()
	logDir := t.TempDir()
	os.WriteFile(filepath.Join(logDir, "op-op1"), []byte("[2024-03-01 12:00:00] [dump] Dumped boot\n"), 0644)
	server := httptest.NewServer(RESTAPI(romtools.DefaultServerConfig(), m, system.NewLogTailer(logDir, log), log).Handler())
	t.Cleanup(server.Close)
	return server
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postOperation(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/operations", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

// ============================================================================
// Test Suite: Read Endpoints
// ============================================================================

func TestGetCapabilities(t *testing.T) {
	server := newTestAPI(t, newFakeManager())

	resp, err := http.Get(server.URL + "/capabilities")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := decodeBody(t, resp)
	caps := body["capabilities"].(map[string]any)
	assert.Equal(t, true, caps["hasRoot"])
	assert.Equal(t, "Pixel 7", caps["deviceModel"])
}

func TestGetBackups(t *testing.T) {
	server := newTestAPI(t, newFakeManager())

	resp, err := http.Get(server.URL + "/backups")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	backups := body["backups"].([]any)
	require.Len(t, backups, 1)
	assert.Equal(t, "nandroid_20240301_120000", backups[0].(map[string]any)["name"])
}

func TestGetProgress(t *testing.T) {
	server := newTestAPI(t, newFakeManager())

	resp, err := http.Get(server.URL + "/progress")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	progress := body["progress"].(map[string]any)
	assert.Equal(t, float64(40), progress["progress"])
}

func TestGetOperations(t *testing.T) {
	server := newTestAPI(t, newFakeManager())

	resp, err := http.Get(server.URL + "/operations?limit=5")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Len(t, body["operations"], 1)
}

// ============================================================================
// Test Suite: Mutating Endpoints
// ============================================================================

func TestDeleteBackup(t *testing.T) {
	m := newFakeManager()
	server := newTestAPI(t, m)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/backups/nandroid_20240301_120000", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	backups, _ := m.ListBackups(context.Background())
	assert.Empty(t, backups)

	req, _ = http.NewRequest(http.MethodDelete, server.URL+"/backups/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartOperationSync(t *testing.T) {
	m := newFakeManager()
	m.response = romtools.OperationResponse{ID: "op1", Operation: "create-backup", Success: true, Message: "Backup created"}
	server := newTestAPI(t, m)

	resp := postOperation(t, server.URL, `{"operation":"create-backup","kind":"full","note":"before update"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])

	requests := m.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, romtools.CreateBackup{Kind: romtools.BackupKindFull}, requests[0].Operation)
	assert.Equal(t, "api", requests[0].Context.Origin)
	assert.Equal(t, "before update", requests[0].Context.Note)
}

func TestStartOperationAsync(t *testing.T) {
	m := newFakeManager()
	server := newTestAPI(t, m)

	resp := postOperation(t, server.URL, `{"operation":"flash-rom","sourceUri":"https://example.com/rom.zip","async":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "op2", decodeBody(t, resp)["id"])
	assert.Equal(t, "https://example.com/rom.zip", m.recorded()[0].SourceURI)

	m.mu.Lock()
	m.busy = true
	m.mu.Unlock()
	resp = postOperation(t, server.URL, `{"operation":"flash-rom","async":true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartOperationRejectsBadInput(t *testing.T) {
	m := newFakeManager()
	server := newTestAPI(t, m)

	resp := postOperation(t, server.URL, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postOperation(t, server.URL, `{"operation":"wipe-everything"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "unknown operation")

	assert.Empty(t, m.recorded())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(nil))
	assert.Equal(t, http.StatusConflict, statusFor(romtools.ErrOperationInProgress))
	assert.Equal(t, http.StatusAccepted, statusFor(&romtools.RecoveryScriptError{ScriptPath: "/x.sh"}))
	assert.Equal(t, http.StatusPreconditionFailed, statusFor(romtools.NewOpError(romtools.ErrRootUnavailable, "dd", nil)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&romtools.CommandError{Command: "tar", ExitCode: 2}))
}

// ============================================================================
// Test Suite: Websocket
// ============================================================================

func TestProgressSocket(t *testing.T) {
	m := newFakeManager()
	server := newTestAPI(t, m)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/progress"
	ws, err := websocket.Dial(url, "", server.URL)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetDeadline(time.Now().Add(2*time.Second)))

	var bootstrap romtools.Change
	require.NoError(t, websocket.JSON.Receive(ws, &bootstrap))
	assert.Equal(t, "bootstrap", bootstrap.Type)

	m.changes <- romtools.Change{ID: "op1", Seq: 7, Type: "progress"}
	var c romtools.Change
	require.NoError(t, websocket.JSON.Receive(ws, &c))
	assert.Equal(t, "progress", c.Type)
	assert.Equal(t, uint64(7), c.Seq)
}

func TestOperationLogSocket(t *testing.T) {
	server := newTestAPI(t, newFakeManager())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/log/operation/op1"
	ws, err := websocket.Dial(url, "", server.URL)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetDeadline(time.Now().Add(2*time.Second)))

	var line string
	require.NoError(t, websocket.JSON.Receive(ws, &line))
	assert.Equal(t, "[2024-03-01 12:00:00] [dump] Dumped boot", line)
}
