package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dbpkg "github.com/kaiobarb/bazaar-ghost/backend/db"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

// Sender is the delivery surface the router needs; DiscordClient satisfies it.
type Sender interface {
	SendDM(ctx context.Context, userID, content string) error
	SendChannelMessage(ctx context.Context, channelID, content string) error
}

// Detection is one confirmed username sighting in a broadcast.
type Detection struct {
	VODID            int64
	Username         string
	FrameTimeSeconds int
}

// Router matches detections against notification subscriptions and delivers
// messages.
type Router struct {
	DB     *sql.DB
	Sender Sender
}

// ErrInvalidDeliveryMode rejects toggle requests naming an unknown mode.
var ErrInvalidDeliveryMode = errors.New("invalid delivery mode")

// ToggleSubscription flips a subscriber's interest in a username on or off,
// creating it enabled on first use. mode and groupID are optional: when empty
// a new subscription defaults to direct delivery and an existing one keeps its
// stored settings, so a plain re-toggle never clobbers them. Returns the
// resulting enabled state.
func ToggleSubscription(ctx context.Context, dbx *sql.DB, subscriberID, username, mode, groupID string) (bool, error) {
	switch mode {
	case "", "direct", "channel", "both":
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidDeliveryMode, mode)
	}
	var group any
	if groupID != "" {
		group = groupID
	}
	var enabled bool
	err := dbx.QueryRowContext(ctx,
		`INSERT INTO notification_subscriptions (subscriber_id, username, enabled, delivery_mode, destination_group_id, created_at)
		 VALUES ($1,$2,TRUE,COALESCE(NULLIF($3,''),'direct'),$4::text,NOW())
		 ON CONFLICT (subscriber_id, username) DO UPDATE SET
		   enabled = NOT notification_subscriptions.enabled,
		   delivery_mode = COALESCE(NULLIF($3,''), notification_subscriptions.delivery_mode),
		   destination_group_id = COALESCE($4::text, notification_subscriptions.destination_group_id),
		   updated_at=NOW()
		 RETURNING enabled`,
		subscriberID, username, mode, group).Scan(&enabled)
	if err != nil {
		return false, &dbpkg.PersistenceError{Op: "toggle subscription", Err: err}
	}
	return enabled, nil
}

// ListSubscriptions returns the usernames a subscriber currently watches.
func ListSubscriptions(ctx context.Context, dbx *sql.DB, subscriberID string) ([]string, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT username FROM notification_subscriptions
		 WHERE subscriber_id=$1 AND enabled ORDER BY username`, subscriberID)
	if err != nil {
		return nil, &dbpkg.PersistenceError{Op: "list subscriptions", Err: err}
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, &dbpkg.PersistenceError{Op: "scan subscription", Err: err}
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

type recipient struct {
	SubscriberID       string
	DeliveryMode       string
	DestinationGroupID string
}

// HandleDetection records nothing itself (the caller persists the detection
// row); it builds the notification message and delivers it to every matching
// subscriber. Matching is exact and case sensitive: usernames are platform
// identities, not search terms. Delivery failures are logged per recipient and
// never fail the detection.
func (r *Router) HandleDetection(ctx context.Context, det Detection) error {
	msg, err := r.buildMessage(ctx, det)
	if err != nil {
		return err
	}
	recips, err := r.matchRecipients(ctx, det.Username)
	if err != nil {
		return err
	}
	if len(recips) == 0 {
		return nil
	}
	// channel deliveries group recipients so a shared destination gets one
	// message with everyone mentioned, not one message per watcher.
	groups := map[string][]string{}
	for _, rec := range recips {
		direct := rec.DeliveryMode == "direct" || rec.DeliveryMode == "both"
		channel := rec.DeliveryMode == "channel" || rec.DeliveryMode == "both"
		if direct {
			if err := r.Sender.SendDM(ctx, rec.SubscriberID, msg); err != nil {
				slog.Warn("dm delivery failed", slog.String("subscriber", rec.SubscriberID), slog.Any("err", err))
				telemetry.NotificationsSent.WithLabelValues("direct", "error").Inc()
			} else {
				telemetry.NotificationsSent.WithLabelValues("direct", "ok").Inc()
			}
		}
		if channel {
			if rec.DestinationGroupID == "" {
				slog.Warn("channel delivery without destination group", slog.String("subscriber", rec.SubscriberID))
				continue
			}
			groups[rec.DestinationGroupID] = append(groups[rec.DestinationGroupID], rec.SubscriberID)
		}
	}
	for channelID, members := range groups {
		mentions := make([]string, len(members))
		for i, m := range members {
			mentions[i] = "<@" + m + ">"
		}
		content := msg + "\n" + strings.Join(mentions, " ")
		if err := r.Sender.SendChannelMessage(ctx, channelID, content); err != nil {
			slog.Warn("channel delivery failed", slog.String("channel", channelID), slog.Any("err", err))
			telemetry.NotificationsSent.WithLabelValues("channel", "error").Inc()
		} else {
			telemetry.NotificationsSent.WithLabelValues("channel", "ok").Inc()
		}
	}
	return nil
}

func (r *Router) matchRecipients(ctx context.Context, username string) ([]recipient, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT subscriber_id, delivery_mode, COALESCE(destination_group_id, '')
		 FROM notification_subscriptions
		 WHERE username=$1 AND enabled`, username)
	if err != nil {
		return nil, &dbpkg.PersistenceError{Op: "match recipients", Err: err}
	}
	defer rows.Close()
	var out []recipient
	for rows.Next() {
		var rec recipient
		if err := rows.Scan(&rec.SubscriberID, &rec.DeliveryMode, &rec.DestinationGroupID); err != nil {
			return nil, &dbpkg.PersistenceError{Op: "scan recipient", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildMessage renders the single notification text shared by all deliveries
// for one detection: who appeared, where, when, and a deep link into the VOD.
func (r *Router) buildMessage(ctx context.Context, det Detection) (string, error) {
	var sourceID string
	var published sql.NullTime
	var streamer sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT v.source_id, v.published_at, COALESCE(s.display_name, s.login)
		 FROM vods v LEFT JOIN streamers s ON s.id = v.streamer_id
		 WHERE v.id=$1`, det.VODID).Scan(&sourceID, &published, &streamer)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("detection references unknown vod %d", det.VODID)
	}
	if err != nil {
		return "", &dbpkg.PersistenceError{Op: "load detection vod", Err: err}
	}
	link := fmt.Sprintf("https://www.twitch.tv/videos/%s?t=%s", sourceID, twitchTimestamp(det.FrameTimeSeconds))
	when := "at an unknown time"
	if published.Valid {
		abs := published.Time.Add(time.Duration(det.FrameTimeSeconds) * time.Second)
		when = "on " + abs.UTC().Format("Jan 2, 2006 at 15:04 UTC")
	}
	who := "a streamer"
	if streamer.Valid && streamer.String != "" {
		who = streamer.String
	}
	return fmt.Sprintf("👻 **%s** appeared in %s's broadcast %s\n%s", det.Username, who, when, link), nil
}

// twitchTimestamp formats seconds as the XhYmZs fragment Twitch VOD links use.
func twitchTimestamp(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%dh%dm%ds", h, m, s)
}
