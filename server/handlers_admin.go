package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kaiobarb/bazaar-ghost/backend/catalog"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

// HandleAdminCatalogRefresh runs a category walk on demand.
func (h *Handlers) HandleAdminCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.catalog.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleAdminDiscover runs a streamer discovery sweep on demand.
func (h *Handlers) HandleAdminDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.catalog.DiscoverStreamers(r.Context()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleAdminAvailability probes stale VODs on demand.
func (h *Handlers) HandleAdminAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 1000)
	checked, lost, err := h.catalog.RefreshAvailability(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checked": checked, "lost": lost})
}

// HandleAdminStreamerProcessing toggles a streamer's processing flag and
// reconciles their webhook subscription to match.
func (h *Handlers) HandleAdminStreamerProcessing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StreamerID int64 `json:"streamer_id"`
		Enabled    bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.StreamerID == 0 {
		http.Error(w, "streamer_id required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	result, err := h.db.ExecContext(ctx,
		`UPDATE streamers SET processing_enabled=$1, updated_at=NOW() WHERE id=$2`,
		req.Enabled, req.StreamerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		http.Error(w, "streamer not found", http.StatusNotFound)
		return
	}

	st, err := catalog.GetStreamerByID(ctx, h.db, req.StreamerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	subscription := "unchanged"
	if req.Enabled {
		if err := h.catalog.EnsureWebhookSubscription(ctx, st); err != nil {
			subscription = "failed: " + err.Error()
		} else {
			subscription = "ensured"
		}
	} else if st.WebhookSubscriptionID != "" {
		if err := h.catalog.RemoveWebhookSubscription(ctx, st); err != nil {
			subscription = "failed: " + err.Error()
		} else {
			subscription = "removed"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"streamer_id":  req.StreamerID,
		"enabled":      req.Enabled,
		"subscription": subscription,
	})
}

// HandleAdminMonitor returns a monitoring summary: job timestamps, catalog and
// queue counts, and the most recent cataloger run.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	keys := []string{"job_catalog_refresh_last", "job_availability_last"}
	stats := map[string]any{}
	for _, k := range keys {
		var val string
		row := h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k)
		_ = row.Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}

	var streamers, enabled, vods, matching int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streamers`).Scan(&streamers)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streamers WHERE processing_enabled`).Scan(&enabled)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vods`).Scan(&vods)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vods WHERE ready_for_processing`).Scan(&matching)
	stats["streamers"] = streamers
	stats["streamers_enabled"] = enabled
	stats["vods"] = vods
	stats["vods_matching"] = matching

	// Chunk queue counts
	rows, err := h.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM chunks GROUP BY status`)
	if err == nil {
		chunkStats := map[string]int{}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err == nil {
				chunkStats[status] = n
			}
		}
		_ = rows.Close()
		stats["chunks"] = chunkStats
		telemetry.SetPendingChunks(chunkStats["pending"])
	}

	// Most recent cataloger run
	var runType, runStatus string
	var started time.Time
	var completed sql.NullTime
	row := h.db.QueryRowContext(ctx,
		`SELECT run_type, status, started_at, completed_at FROM cataloger_runs ORDER BY started_at DESC LIMIT 1`)
	if err := row.Scan(&runType, &runStatus, &started, &completed); err == nil {
		run := map[string]any{"run_type": runType, "status": runStatus, "started_at": started}
		if completed.Valid {
			run["completed_at"] = completed.Time
		}
		stats["last_run"] = run
	}

	writeJSON(w, http.StatusOK, stats)
}
