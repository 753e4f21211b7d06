package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kaiobarb/bazaar-ghost/backend/dispatch"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

// writeJSON encodes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleProcessVOD serves both surfaces of the processing endpoint. EventSub
// deliveries identify themselves with the message type header; everything else
// is the internal dispatch API guarded by the shared secret.
func (h *Handlers) HandleProcessVOD(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(headerMessageType) != "" {
		h.handleEventSub(w, r)
		return
	}
	h.handleInternalDispatch(w, r)
}

type dispatchRequest struct {
	VODID    int64  `json:"vod_id"`
	SourceID string `json:"source_id"`
	DryRun   bool   `json:"dry_run"`
}

// handleInternalDispatch triggers (or previews, with dry_run) chunk dispatch
// for one VOD, referenced by internal id or platform source id.
func (h *Handlers) handleInternalDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireInternalKey(w, r) {
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.VODID == 0 && req.SourceID == "" {
		http.Error(w, "vod_id or source_id required", http.StatusBadRequest)
		return
	}
	res, err := h.dispatcher.Dispatch(r.Context(), req.VODID, req.SourceID, req.DryRun)
	if err != nil {
		if errors.Is(err, dispatch.ErrVODNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "vod not found"})
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Error("dispatch failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
