package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	romtools "github.com/dogeorg/romtools/pkg"
)

type operationRequest struct {
	Operation string `json:"operation"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	SourceURI string `json:"sourceUri"`
	Note      string `json:"note"`
	// Async returns as soon as the operation is accepted. Progress and the
	// outcome arrive over /ws/progress.
	Async bool `json:"async"`
}

func (t api) getCapabilities(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, t.rt.State())
}

// Get the progress of the running or last operation
func (t api) getProgress(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, map[string]any{
		"success":  true,
		"progress": t.rt.Progress(),
	})
}

func (t api) getBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := t.rt.ListBackups(r.Context())
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}

	sendResponse(w, map[string]any{
		"success": true,
		"backups": backups,
	})
}

func (t api) deleteBackup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Backup name required")
		return
	}

	if err := t.rt.DeleteBackup(r.Context(), name); err != nil {
		sendErrorResponse(w, statusFor(err), err.Error())
		return
	}

	sendResponse(w, map[string]any{"success": true})
}

func (t api) startOperation(w http.ResponseWriter, r *http.Request) {
	var body operationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	action, err := romtools.ActionFromName(body.Operation, body.Name, body.Kind)
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	req := romtools.RomOperationRequest{
		Operation: action,
		SourceURI: body.SourceURI,
		Context:   romtools.OperationContext{Origin: "api", Note: body.Note},
	}

	if body.Async {
		id, err := t.rt.SubmitRomOperation(req)
		if err != nil {
			sendErrorResponse(w, statusFor(err), err.Error())
			return
		}
		sendStatusResponse(w, http.StatusAccepted, map[string]any{
			"success": true,
			"id":      id,
		})
		return
	}

	resp := t.rt.ProcessRomOperation(r.Context(), req)
	sendStatusResponse(w, statusFor(resp.Err()), resp)
}

// Get recent operations, newest first
func (t api) getOperations(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50 // default
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	records, err := t.rt.History(limit)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve operations")
		return
	}

	sendResponse(w, map[string]any{
		"success":    true,
		"operations": records,
	})
}
