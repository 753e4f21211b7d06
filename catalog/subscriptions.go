package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kaiobarb/bazaar-ghost/backend/db"
)

// EnsureWebhookSubscription registers a stream.offline webhook for a streamer
// and records the subscription id. Safe to call repeatedly; an existing
// subscription on the platform side resolves to its current id.
func (s *Service) EnsureWebhookSubscription(ctx context.Context, st *Streamer) error {
	if s.Cfg.EventSubCallbackURL == "" || s.Cfg.EventSubSecret == "" {
		return fmt.Errorf("eventsub not configured: require EVENTSUB_CALLBACK_URL and EVENTSUB_SECRET")
	}
	subID, err := s.Helix.SubscribeStreamOffline(ctx, strconv.FormatInt(st.ID, 10), s.Cfg.EventSubCallbackURL, s.Cfg.EventSubSecret)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, streamer_id, event_type, status, created_at)
		 VALUES ($1,$2,'stream.offline','enabled',NOW())
		 ON CONFLICT (id) DO UPDATE SET status='enabled', updated_at=NOW()`,
		subID, st.ID)
	if err != nil {
		return &db.PersistenceError{Op: "upsert webhook subscription", Err: err}
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE streamers SET webhook_subscription_id=$2, updated_at=NOW() WHERE id=$1`, st.ID, subID)
	if err != nil {
		return &db.PersistenceError{Op: "record webhook subscription", Err: err}
	}
	return nil
}

// RemoveWebhookSubscription tears a streamer's subscription down on the
// platform and clears the local record. Used when processing is disabled.
func (s *Service) RemoveWebhookSubscription(ctx context.Context, st *Streamer) error {
	if st.WebhookSubscriptionID == "" {
		return nil
	}
	if err := s.Helix.DeleteSubscription(ctx, st.WebhookSubscriptionID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET status='removed', updated_at=NOW() WHERE id=$1`,
		st.WebhookSubscriptionID)
	if err != nil {
		return &db.PersistenceError{Op: "mark webhook subscription removed", Err: err}
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE streamers SET webhook_subscription_id=NULL, updated_at=NOW() WHERE id=$1`, st.ID)
	if err != nil {
		return &db.PersistenceError{Op: "clear webhook subscription", Err: err}
	}
	return nil
}

// SyncWebhookSubscriptions reconciles subscriptions with processing flags:
// enabled streamers get one, disabled streamers lose theirs. Per-streamer
// failures are logged so one broken broadcaster cannot block the rest.
func (s *Service) SyncWebhookSubscriptions(ctx context.Context) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, login, display_name, processing_enabled, profile_name, webhook_subscription_id
		 FROM streamers
		 WHERE (processing_enabled AND webhook_subscription_id IS NULL)
		    OR (NOT processing_enabled AND webhook_subscription_id IS NOT NULL)`)
	if err != nil {
		return &db.PersistenceError{Op: "select subscription drift", Err: err}
	}
	defer rows.Close()
	var drift []Streamer
	for rows.Next() {
		var st Streamer
		var display, profile, subID sql.NullString
		if err := rows.Scan(&st.ID, &st.Login, &display, &st.ProcessingEnabled, &profile, &subID); err != nil {
			return &db.PersistenceError{Op: "scan subscription drift", Err: err}
		}
		st.DisplayName = display.String
		st.ProfileName = profile.String
		st.WebhookSubscriptionID = subID.String
		drift = append(drift, st)
	}
	if err := rows.Err(); err != nil {
		return &db.PersistenceError{Op: "iterate subscription drift", Err: err}
	}
	for i := range drift {
		st := &drift[i]
		var opErr error
		if st.ProcessingEnabled {
			opErr = s.EnsureWebhookSubscription(ctx, st)
		} else {
			opErr = s.RemoveWebhookSubscription(ctx, st)
		}
		if opErr != nil {
			slog.Warn("subscription sync failed",
				slog.Int64("streamer_id", st.ID),
				slog.Bool("enabled", st.ProcessingEnabled),
				slog.Any("err", opErr))
		}
	}
	return nil
}
