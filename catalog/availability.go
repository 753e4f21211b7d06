package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/kaiobarb/bazaar-ghost/backend/db"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

// availabilityRecheck is how stale a check may get before a VOD is probed again.
const availabilityRecheck = 24 * time.Hour

// RefreshAvailability probes cataloged VODs against the platform and marks
// ones that disappeared. The transition is one-directional: a VOD marked
// unavailable stays that way even if a later probe would find it again, so
// unavailable_since remains an honest high-water mark. limit bounds the rows
// considered per run (oldest checks first).
func (s *Service) RefreshAvailability(ctx context.Context, limit int) (checked, lost int, err error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source_id FROM vods
		 WHERE availability='available'
		   AND (last_availability_check IS NULL OR last_availability_check < NOW() - $1::interval)
		 ORDER BY last_availability_check ASC NULLS FIRST
		 LIMIT $2`,
		availabilityRecheck.String(), limit)
	if err != nil {
		return 0, 0, &db.PersistenceError{Op: "select stale vods", Err: err}
	}
	defer rows.Close()
	bySource := map[string]int64{}
	var sourceIDs []string
	for rows.Next() {
		var id int64
		var sourceID string
		if err := rows.Scan(&id, &sourceID); err != nil {
			return 0, 0, &db.PersistenceError{Op: "scan stale vod", Err: err}
		}
		bySource[sourceID] = id
		sourceIDs = append(sourceIDs, sourceID)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, &db.PersistenceError{Op: "iterate stale vods", Err: err}
	}
	if len(sourceIDs) == 0 {
		return 0, 0, nil
	}
	avail, err := s.Helix.CheckAvailability(ctx, sourceIDs)
	if err != nil {
		return 0, 0, err
	}
	for sourceID, ok := range avail {
		id := bySource[sourceID]
		var execErr error
		if ok {
			_, execErr = s.DB.ExecContext(ctx,
				`UPDATE vods SET last_availability_check=NOW(), updated_at=NOW() WHERE id=$1`, id)
		} else {
			_, execErr = s.DB.ExecContext(ctx,
				`UPDATE vods SET availability='unavailable', unavailable_since=NOW(),
				   last_availability_check=NOW(), updated_at=NOW()
				 WHERE id=$1 AND availability='available'`, id)
			lost++
		}
		if execErr != nil {
			slog.Warn("availability update failed", slog.Int64("vod_id", id), slog.Any("err", execErr))
			continue
		}
		checked++
	}
	telemetry.AvailabilityChecked.Add(float64(checked))
	slog.Info("availability refresh finished", slog.Int("checked", checked), slog.Int("lost", lost))
	return checked, lost, nil
}
