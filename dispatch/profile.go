package dispatch

import (
	"context"
	"database/sql"

	dbpkg "github.com/kaiobarb/bazaar-ghost/backend/db"
)

// Profile is the versioned set of analysis parameters handed to the processing
// workflow. Fields are enumerated rather than free-form so a profile row can
// never smuggle unexpected keys into the workflow input.
type Profile struct {
	Name                  string  `json:"profile_name"`
	Version               int     `json:"version"`
	MatchThreshold        float64 `json:"match_threshold"`
	SampleIntervalSeconds int     `json:"sample_interval_seconds"`
	OCREngine             string  `json:"ocr_engine"`
	ScaleFactor           float64 `json:"scale_factor"`
}

// defaultProfile is used when neither the requested profile nor the seeded
// default row exists.
var defaultProfile = Profile{
	Name:                  "default",
	Version:               1,
	MatchThreshold:        0.8,
	SampleIntervalSeconds: 2,
	OCREngine:             "tesseract",
	ScaleFactor:           1.0,
}

// LoadProfile resolves a named processing profile, falling back to the default
// row and finally to built-in defaults.
func LoadProfile(ctx context.Context, dbx *sql.DB, name string) (Profile, error) {
	if name == "" {
		name = "default"
	}
	for _, candidate := range []string{name, "default"} {
		var p Profile
		err := dbx.QueryRowContext(ctx,
			`SELECT name, version, match_threshold, sample_interval_seconds, ocr_engine, scale_factor
			 FROM processing_profiles WHERE name=$1`, candidate).
			Scan(&p.Name, &p.Version, &p.MatchThreshold, &p.SampleIntervalSeconds, &p.OCREngine, &p.ScaleFactor)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return defaultProfile, &dbpkg.PersistenceError{Op: "load profile " + candidate, Err: err}
		}
		return p, nil
	}
	return defaultProfile, nil
}
