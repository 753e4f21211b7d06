// Package dispatch finds pending analysis chunks for a VOD, transitions them
// to queued, and hands them to the external processing workflow.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dbpkg "github.com/kaiobarb/bazaar-ghost/backend/db"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

// ErrVODNotFound is returned when neither reference resolves to a cataloged VOD.
var ErrVODNotFound = errors.New("vod not found")

// templateCutover is the template-set changeover date. Broadcasts published on
// or before it are analyzed against the old template assets.
var templateCutover = time.Date(2025, time.August, 12, 0, 0, 0, 0, time.UTC)

// WorkflowTrigger abstracts the CI call so tests can observe dispatches.
type WorkflowTrigger interface {
	TriggerWorkflow(ctx context.Context, vodSourceID string, chunkUUIDs []string, oldTemplates bool, profile Profile) (string, error)
}

// Dispatcher coordinates chunk discovery, the pending to queued transition,
// and the workflow trigger.
type Dispatcher struct {
	DB      *sql.DB
	Trigger WorkflowTrigger
}

// Result is the dispatch outcome reported to callers.
type Result struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	VODID        int64    `json:"vod_id,omitempty"`
	SourceID     string   `json:"source_id,omitempty"`
	ChunksFound  int      `json:"chunks_found"`
	ChunkUUIDs   []string `json:"chunk_uuids,omitempty"`
	GitHubRunURL string   `json:"github_run_url,omitempty"`
}

type vodRow struct {
	ID          int64
	SourceID    string
	StreamerID  sql.NullInt64
	PublishedAt sql.NullTime
	ProfileName sql.NullString
}

// resolveVOD loads the VOD by internal id when vodID > 0, otherwise by
// platform source id.
func (d *Dispatcher) resolveVOD(ctx context.Context, vodID int64, sourceID string) (*vodRow, error) {
	q := `SELECT v.id, v.source_id, v.streamer_id, v.published_at, s.profile_name
	      FROM vods v LEFT JOIN streamers s ON s.id = v.streamer_id `
	var row *sql.Row
	if vodID > 0 {
		row = d.DB.QueryRowContext(ctx, q+`WHERE v.id=$1`, vodID)
	} else {
		row = d.DB.QueryRowContext(ctx, q+`WHERE v.source='twitch' AND v.source_id=$1`, sourceID)
	}
	var v vodRow
	err := row.Scan(&v.ID, &v.SourceID, &v.StreamerID, &v.PublishedAt, &v.ProfileName)
	if err == sql.ErrNoRows {
		return nil, ErrVODNotFound
	}
	if err != nil {
		return nil, &dbpkg.PersistenceError{Op: "resolve vod", Err: err}
	}
	return &v, nil
}

// findPendingChunks returns pending chunk ids for a VOD in chunk order.
func (d *Dispatcher) findPendingChunks(ctx context.Context, vodID int64) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id FROM chunks WHERE vod_id=$1 AND status='pending' ORDER BY chunk_index`, vodID)
	if err != nil {
		return nil, &dbpkg.PersistenceError{Op: "select pending chunks", Err: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &dbpkg.PersistenceError{Op: "scan pending chunk", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbpkg.PersistenceError{Op: "iterate pending chunks", Err: err}
	}
	return ids, nil
}

// markQueued transitions chunks from pending to queued in one conditional
// statement and reports which ids actually moved. The status predicate makes
// the transition a compare-and-set, so a chunk can be claimed by at most one
// dispatch even under concurrent calls.
func (d *Dispatcher) markQueued(ctx context.Context, ids []string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx,
		`UPDATE chunks SET status='queued', queued_at=NOW(), updated_at=NOW()
		 WHERE id=ANY($1::uuid[]) AND status='pending'
		 RETURNING id`, ids)
	if err != nil {
		return nil, &dbpkg.PersistenceError{Op: "queue chunks", Err: err}
	}
	defer rows.Close()
	queued := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &dbpkg.PersistenceError{Op: "scan queued chunk", Err: err}
		}
		queued = append(queued, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &dbpkg.PersistenceError{Op: "iterate queued chunks", Err: err}
	}
	return queued, nil
}

// Dispatch runs the full flow for one VOD: resolve, discover pending chunks,
// transition them to queued, and trigger the workflow. The transition happens
// before the trigger call; if the trigger fails the chunks stay queued and an
// operator requeues them rather than risking a double dispatch. With dryRun
// set only discovery happens.
func (d *Dispatcher) Dispatch(ctx context.Context, vodID int64, sourceID string, dryRun bool) (*Result, error) {
	v, err := d.resolveVOD(ctx, vodID, sourceID)
	if err != nil {
		return nil, err
	}
	pending, err := d.findPendingChunks(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	res := &Result{VODID: v.ID, SourceID: v.SourceID, ChunksFound: len(pending), ChunkUUIDs: pending}
	if len(pending) == 0 {
		res.Success = true
		res.Message = "no pending chunks"
		return res, nil
	}
	if dryRun {
		res.Success = true
		res.Message = fmt.Sprintf("dry run: %d chunks would be dispatched", len(pending))
		return res, nil
	}
	queued, err := d.markQueued(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		// Every chunk was claimed between discovery and transition.
		res.Success = true
		res.Message = "no pending chunks"
		res.ChunksFound = 0
		res.ChunkUUIDs = nil
		return res, nil
	}
	res.ChunksFound = len(queued)
	res.ChunkUUIDs = queued
	profile, err := LoadProfile(ctx, d.DB, v.ProfileName.String)
	if err != nil {
		slog.Warn("profile load failed, using defaults", slog.Any("err", err))
		profile = defaultProfile
	}
	oldTemplates := v.PublishedAt.Valid && !v.PublishedAt.Time.After(templateCutover)
	runURL, err := d.Trigger.TriggerWorkflow(ctx, v.SourceID, queued, oldTemplates, profile)
	if err != nil {
		telemetry.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("trigger workflow for vod %s: %w", v.SourceID, err)
	}
	telemetry.DispatchesTotal.WithLabelValues("ok").Inc()
	telemetry.ChunksQueued.Add(float64(len(queued)))
	res.Success = true
	res.Message = fmt.Sprintf("dispatched %d chunks", len(queued))
	res.GitHubRunURL = runURL
	slog.Info("chunks dispatched",
		slog.String("source_id", v.SourceID),
		slog.Int("chunks", len(queued)),
		slog.Bool("old_templates", oldTemplates),
		slog.String("profile", profile.Name))
	return res, nil
}
