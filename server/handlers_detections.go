package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kaiobarb/bazaar-ghost/backend/notify"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

type detectionRequest struct {
	VODID            int64  `json:"vod_id"`
	SourceID         string `json:"source_id"`
	Username         string `json:"username"`
	FrameTimeSeconds int    `json:"frame_time_seconds"`
}

// HandleDetections ingests a confirmed username sighting from the analysis
// workflow: persist it, then fan notifications out. Notification failures do
// not fail the ingest; the detection row is the durable record.
func (h *Handlers) HandleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireInternalKey(w, r) {
		return
	}
	var req detectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	vodID := req.VODID
	if vodID == 0 {
		if req.SourceID == "" {
			http.Error(w, "vod_id or source_id required", http.StatusBadRequest)
			return
		}
		err := h.db.QueryRowContext(ctx,
			`SELECT id FROM vods WHERE source='twitch' AND source_id=$1`, req.SourceID).Scan(&vodID)
		if err == sql.ErrNoRows {
			http.Error(w, "vod not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO detections (vod_id, username, frame_time_seconds, created_at) VALUES ($1,$2,$3,NOW())`,
		vodID, req.Username, req.FrameTimeSeconds); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	det := notify.Detection{VODID: vodID, Username: req.Username, FrameTimeSeconds: req.FrameTimeSeconds}
	if err := h.router.HandleDetection(ctx, det); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("notification fan-out failed",
			slog.String("username", req.Username), slog.Any("err", err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "vod_id": vodID})
}
