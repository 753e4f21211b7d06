package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaiobarb/bazaar-ghost/backend/config"
	"github.com/kaiobarb/bazaar-ghost/backend/db"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
	"github.com/kaiobarb/bazaar-ghost/backend/twitchapi"
)

// Service holds the clients and settings the catalog operations share.
type Service struct {
	DB    *sql.DB
	Helix *twitchapi.Client
	GQL   *twitchapi.GQLClient
	Cfg   *config.Config

	gameOnce sync.Once
	gameID   string
	gameErr  error
}

// GameID resolves and caches the target category id. Resolution failure is
// fatal for the calling operation; nothing else in the pipeline makes sense
// without it.
func (s *Service) GameID(ctx context.Context) (string, error) {
	s.gameOnce.Do(func() {
		s.gameID, s.gameErr = s.Helix.SearchCategoryID(ctx, s.Cfg.GameName)
	})
	if s.gameErr != nil {
		return "", fmt.Errorf("resolve category %q: %w", s.Cfg.GameName, s.gameErr)
	}
	return s.gameID, nil
}

// Streamer is the catalog's view of a broadcaster.
type Streamer struct {
	ID                    int64
	Login                 string
	DisplayName           string
	ProcessingEnabled     bool
	ProfileName           string
	WebhookSubscriptionID string
}

// GetStreamerByID looks a streamer up by platform user id. Returns nil when absent.
func GetStreamerByID(ctx context.Context, dbx *sql.DB, id int64) (*Streamer, error) {
	return getStreamer(ctx, dbx, `id=$1`, id)
}

// GetStreamerByLogin looks a streamer up by login. Returns nil when absent.
func GetStreamerByLogin(ctx context.Context, dbx *sql.DB, login string) (*Streamer, error) {
	return getStreamer(ctx, dbx, `login=$1`, login)
}

func getStreamer(ctx context.Context, dbx *sql.DB, where string, arg any) (*Streamer, error) {
	var st Streamer
	var display, profile, subID sql.NullString
	err := dbx.QueryRowContext(ctx,
		`SELECT id, login, display_name, processing_enabled, profile_name, webhook_subscription_id
		 FROM streamers WHERE `+where, arg).
		Scan(&st.ID, &st.Login, &display, &st.ProcessingEnabled, &profile, &subID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &db.PersistenceError{Op: "get streamer", Err: err}
	}
	st.DisplayName = display.String
	st.ProfileName = profile.String
	st.WebhookSubscriptionID = subID.String
	return &st, nil
}

// UpsertStreamer inserts or refreshes a streamer row. New streamers start with
// processing disabled; an operator opts them in. lastSeen refreshes
// last_seen_streaming when non-zero.
func (s *Service) UpsertStreamer(ctx context.Context, u *twitchapi.User, lastSeen time.Time) error {
	id, err := strconv.ParseInt(u.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("non-numeric user id %q: %w", u.ID, err)
	}
	var seen any
	if !lastSeen.IsZero() {
		seen = lastSeen
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO streamers (id, login, display_name, profile_image_url, last_seen_streaming, created_at)
		 VALUES ($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   login=EXCLUDED.login,
		   display_name=EXCLUDED.display_name,
		   profile_image_url=EXCLUDED.profile_image_url,
		   last_seen_streaming=COALESCE(EXCLUDED.last_seen_streaming, streamers.last_seen_streaming),
		   updated_at=NOW()`,
		id, u.Login, u.DisplayName, u.ProfileImageURL, seen)
	if err != nil {
		return &db.PersistenceError{Op: "upsert streamer", Err: err}
	}
	return nil
}

// SyncResult summarizes one streamer sync.
type SyncResult struct {
	VODsUpserted    int
	MatchingVODs    int
	UpsertedVODIDs  []int64
	ChunksCreated   int
	PerItemFailures int
}

// SyncStreamerVODs fetches a streamer's archives with chapter markers, extracts
// gameplay segments, and upserts VODs plus their pending chunks. limit > 0
// bounds the fetch to the most recent broadcasts (the stream.offline path uses
// limit 1). Per-VOD failures are logged and counted, not propagated.
func (s *Service) SyncStreamerVODs(ctx context.Context, streamerID int64, login string, limit int) (res *SyncResult, err error) {
	telemetry.TimeFunc(telemetry.SyncDuration, func() {
		res, err = s.syncStreamerVODs(ctx, streamerID, login, limit)
	})
	return res, err
}

func (s *Service) syncStreamerVODs(ctx context.Context, streamerID int64, login string, limit int) (*SyncResult, error) {
	gameID, err := s.GameID(ctx)
	if err != nil {
		return nil, err
	}
	videos, err := s.GQL.FetchUserVideos(ctx, login, limit)
	if err != nil {
		return nil, err
	}
	res := &SyncResult{}
	for _, v := range videos {
		if v.LengthSeconds < s.Cfg.MinVODSeconds {
			continue
		}
		segs := ExtractSegments(v, gameID, s.Cfg.GameName)
		vodID, err := s.upsertVOD(ctx, streamerID, v, segs)
		if err != nil {
			slog.Warn("vod upsert failed", slog.String("source_id", v.ID), slog.Any("err", err))
			res.PerItemFailures++
			continue
		}
		res.VODsUpserted++
		res.UpsertedVODIDs = append(res.UpsertedVODIDs, vodID)
		if len(segs) > 0 {
			res.MatchingVODs++
			n, err := s.createChunks(ctx, vodID, segs)
			if err != nil {
				slog.Warn("chunk creation failed", slog.Int64("vod_id", vodID), slog.Any("err", err))
				res.PerItemFailures++
				continue
			}
			res.ChunksCreated += n
		}
	}
	if err := s.refreshStreamerStats(ctx, streamerID); err != nil {
		slog.Warn("streamer stats refresh failed", slog.Int64("streamer_id", streamerID), slog.Any("err", err))
	}
	telemetry.VODsUpserted.Add(float64(res.VODsUpserted))
	return res, nil
}

// upsertVOD writes a VOD row keyed on (source, source_id) and returns the
// internal id. Re-ingesting refreshes title, duration, and segments without
// duplicating the row.
func (s *Service) upsertVOD(ctx context.Context, streamerID int64, v twitchapi.GQLVideo, segs []Segment) (int64, error) {
	var published any
	if v.PublishedAt != "" {
		t, err := time.Parse(time.RFC3339, v.PublishedAt)
		if err != nil {
			return 0, fmt.Errorf("bad published_at %q: %w", v.PublishedAt, err)
		}
		published = t.UTC()
	}
	// Segments persist as a flat [s0,e0,s1,e1,...] array.
	flat := make([]int, 0, len(segs)*2)
	for _, sg := range segs {
		flat = append(flat, sg.Start, sg.End)
	}
	segJSON, err := json.Marshal(flat)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx,
		`INSERT INTO vods (streamer_id, source, source_id, title, duration_seconds, published_at, segments, ready_for_processing, created_at)
		 VALUES ($1,'twitch',$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT (source, source_id) DO UPDATE SET
		   streamer_id=EXCLUDED.streamer_id,
		   title=EXCLUDED.title,
		   duration_seconds=EXCLUDED.duration_seconds,
		   published_at=EXCLUDED.published_at,
		   segments=EXCLUDED.segments,
		   ready_for_processing=EXCLUDED.ready_for_processing,
		   updated_at=NOW()
		 RETURNING id`,
		streamerID, v.ID, v.Title, v.LengthSeconds, published, segJSON, len(segs) > 0).Scan(&id)
	if err != nil {
		return 0, &db.PersistenceError{Op: "upsert vod", Err: err}
	}
	return id, nil
}

// createChunks materializes pending chunks for a VOD's segments. Existing
// chunks keep their id and status; only missing indices are inserted.
func (s *Service) createChunks(ctx context.Context, vodID int64, segs []Segment) (int, error) {
	spans := chunkSpans(segs, int(s.Cfg.ChunkDuration/time.Second))
	created := 0
	for i, sp := range spans {
		res, err := s.DB.ExecContext(ctx,
			`INSERT INTO chunks (id, vod_id, chunk_index, start_seconds, end_seconds, status, created_at)
			 VALUES ($1,$2,$3,$4,$5,'pending',NOW())
			 ON CONFLICT (vod_id, chunk_index) DO NOTHING`,
			uuid.NewString(), vodID, i, sp.Start, sp.End)
		if err != nil {
			return created, &db.PersistenceError{Op: "insert chunk", Err: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

func (s *Service) refreshStreamerStats(ctx context.Context, streamerID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE streamers SET
		   num_broadcasts=(SELECT COUNT(*) FROM vods WHERE streamer_id=$1),
		   num_matching_broadcasts=(SELECT COUNT(*) FROM vods WHERE streamer_id=$1 AND ready_for_processing),
		   oldest_broadcast=(SELECT MIN(published_at) FROM vods WHERE streamer_id=$1),
		   updated_at=NOW()
		 WHERE id=$1`, streamerID)
	if err != nil {
		return &db.PersistenceError{Op: "refresh streamer stats", Err: err}
	}
	return nil
}

// startRun opens a cataloger_runs row and returns its id.
func startRun(ctx context.Context, dbx *sql.DB, runType string) (string, error) {
	id := uuid.NewString()
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO cataloger_runs (id, run_type, status, started_at) VALUES ($1,$2,'running',NOW())`,
		id, runType)
	if err != nil {
		return "", &db.PersistenceError{Op: "start cataloger run", Err: err}
	}
	return id, nil
}

// finishRun closes a run with final counters. Errors here only get logged by
// callers; the run's work already happened.
func finishRun(ctx context.Context, dbx *sql.DB, id, status string, vods, streamers, checked int, runErr error) error {
	var errText any
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err := dbx.ExecContext(ctx,
		`UPDATE cataloger_runs SET status=$2, completed_at=NOW(),
		   vods_discovered=$3, streamers_discovered=$4, vods_checked=$5, errors=$6
		 WHERE id=$1`,
		id, status, vods, streamers, checked, errText)
	if err != nil {
		return &db.PersistenceError{Op: "finish cataloger run", Err: err}
	}
	return nil
}
