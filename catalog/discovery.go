package catalog

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/kaiobarb/bazaar-ghost/backend/db"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
	"github.com/kaiobarb/bazaar-ghost/backend/twitchapi"
)

// refreshPages bounds one catalog refresh at 500 recent broadcasts.
const refreshPages = 5

// Refresh walks recent archive videos in the target category, upserting
// streamers it sees (refreshing last_seen_streaming) and their VODs. Short
// broadcasts below the configured minimum are skipped. The run is recorded in
// cataloger_runs.
func (s *Service) Refresh(ctx context.Context) error {
	return s.scanGameVideos(ctx, "refresh")
}

// DiscoverStreamers performs the same category walk but exists as its own run
// type so operators can tell scheduled refreshes from explicit discovery
// sweeps looking for new broadcasters.
func (s *Service) DiscoverStreamers(ctx context.Context) error {
	return s.scanGameVideos(ctx, "discovery")
}

func (s *Service) scanGameVideos(ctx context.Context, runType string) error {
	gameID, err := s.GameID(ctx)
	if err != nil {
		return err
	}
	runID, err := startRun(ctx, s.DB, runType)
	if err != nil {
		return err
	}
	vodsSeen, newStreamers := 0, 0
	scanErr := func() error {
		cursor := ""
		seen := map[string]bool{}
		for page := 0; page < refreshPages; page++ {
			videos, next, err := s.Helix.ListGameVideos(ctx, gameID, cursor, 100)
			if err != nil {
				return err
			}
			for _, v := range videos {
				if parseTwitchDuration(v.Duration) < s.Cfg.MinVODSeconds {
					continue
				}
				created, _ := time.Parse(time.RFC3339, v.CreatedAt)
				if !seen[v.UserID] {
					seen[v.UserID] = true
					isNew, err := s.ensureStreamer(ctx, v.UserID, created)
					if err != nil {
						slog.Warn("streamer upsert failed", slog.String("user_id", v.UserID), slog.Any("err", err))
					} else if isNew {
						newStreamers++
					}
					// Spread user lookups out; this walk is not latency sensitive.
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(100 * time.Millisecond):
					}
				}
				if err := s.upsertHelixVOD(ctx, v); err != nil {
					slog.Warn("vod upsert failed", slog.String("source_id", v.ID), slog.Any("err", err))
					continue
				}
				vodsSeen++
			}
			if next == "" {
				break
			}
			cursor = next
		}
		return nil
	}()
	status := "completed"
	if scanErr != nil {
		status = "failed"
	}
	if err := finishRun(ctx, s.DB, runID, status, vodsSeen, newStreamers, 0, scanErr); err != nil {
		slog.Warn("cataloger run close failed", slog.String("run_id", runID), slog.Any("err", err))
	}
	telemetry.CatalogRuns.WithLabelValues(runType, status).Inc()
	slog.Info("catalog scan finished",
		slog.String("run_type", runType),
		slog.Int("vods", vodsSeen),
		slog.Int("new_streamers", newStreamers),
		slog.Any("err", scanErr))
	return scanErr
}

// ensureStreamer upserts the streamer behind a video, resolving profile data
// through Helix only for ids not yet cataloged. Reports whether the row is new.
func (s *Service) ensureStreamer(ctx context.Context, userID string, lastSeen time.Time) (bool, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return false, err
	}
	existing, err := GetStreamerByID(ctx, s.DB, id)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if !lastSeen.IsZero() {
			_, err := s.DB.ExecContext(ctx,
				`UPDATE streamers SET last_seen_streaming=GREATEST(COALESCE(last_seen_streaming, $2), $2), updated_at=NOW() WHERE id=$1`,
				id, lastSeen)
			if err != nil {
				return false, &db.PersistenceError{Op: "touch streamer", Err: err}
			}
		}
		return false, nil
	}
	u, err := s.Helix.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if u == nil {
		slog.Debug("video owner not resolvable", slog.String("user_id", userID))
		return false, nil
	}
	if err := s.UpsertStreamer(ctx, u, lastSeen); err != nil {
		return false, err
	}
	return true, nil
}

// upsertHelixVOD records a VOD seen during a category walk. Helix listings
// carry no chapter data, so segments are left untouched; a later per-streamer
// sync fills them in.
func (s *Service) upsertHelixVOD(ctx context.Context, v twitchapi.Video) error {
	streamerID, err := strconv.ParseInt(v.UserID, 10, 64)
	if err != nil {
		return err
	}
	var published any
	if v.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, v.PublishedAt); err == nil {
			published = t.UTC()
		}
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO vods (streamer_id, source, source_id, title, duration_seconds, published_at, availability, last_availability_check, created_at)
		 VALUES ($1,'twitch',$2,$3,$4,$5,'available',NOW(),NOW())
		 ON CONFLICT (source, source_id) DO UPDATE SET
		   title=EXCLUDED.title,
		   duration_seconds=EXCLUDED.duration_seconds,
		   availability='available',
		   last_availability_check=NOW(),
		   updated_at=NOW()`,
		streamerID, v.ID, v.Title, parseTwitchDuration(v.Duration), published)
	if err != nil {
		return &db.PersistenceError{Op: "upsert helix vod", Err: err}
	}
	return nil
}
