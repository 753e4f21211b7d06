package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
	"github.com/kaiobarb/bazaar-ghost/backend/testutil"
)

type recordedSend struct {
	kind    string // dm | channel
	target  string
	content string
}

type fakeSender struct {
	sends  []recordedSend
	dmErr  map[string]error
	chnErr map[string]error
}

func (f *fakeSender) SendDM(ctx context.Context, userID, content string) error {
	if err := f.dmErr[userID]; err != nil {
		return err
	}
	f.sends = append(f.sends, recordedSend{kind: "dm", target: userID, content: content})
	return nil
}

func (f *fakeSender) SendChannelMessage(ctx context.Context, channelID, content string) error {
	if err := f.chnErr[channelID]; err != nil {
		return err
	}
	f.sends = append(f.sends, recordedSend{kind: "channel", target: channelID, content: content})
	return nil
}

// seedDetectionVOD inserts a streamer and VOD, returning the internal vod id
// and source id.
func seedDetectionVOD(t *testing.T, dbx *sql.DB) (int64, string) {
	t.Helper()
	ctx := context.Background()
	streamerID := time.Now().UnixNano()
	sourceID := fmt.Sprintf("det-%s", uuid.NewString()[:8])
	if _, err := dbx.ExecContext(ctx,
		`INSERT INTO streamers (id, login, display_name, created_at) VALUES ($1,$2,'Kripparrian',NOW())`,
		streamerID, fmt.Sprintf("streamer%d", streamerID)); err != nil {
		t.Fatalf("seed streamer: %v", err)
	}
	var vodID int64
	if err := dbx.QueryRowContext(ctx,
		`INSERT INTO vods (streamer_id, source, source_id, title, duration_seconds, published_at, created_at)
		 VALUES ($1,'twitch',$2,'seeded',7200,'2025-08-20T18:00:00Z',NOW()) RETURNING id`,
		streamerID, sourceID).Scan(&vodID); err != nil {
		t.Fatalf("seed vod: %v", err)
	}
	return vodID, sourceID
}

func subscribe(t *testing.T, dbx *sql.DB, subscriberID, username, mode, groupID string) {
	t.Helper()
	var group any
	if groupID != "" {
		group = groupID
	}
	if _, err := dbx.ExecContext(context.Background(),
		`INSERT INTO notification_subscriptions (subscriber_id, username, enabled, delivery_mode, destination_group_id, created_at)
		 VALUES ($1,$2,TRUE,$3,$4,NOW())`,
		subscriberID, username, mode, group); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func TestToggleSubscription(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	sub := "discord-" + uuid.NewString()[:8]

	enabled, err := ToggleSubscription(context.Background(), dbx, sub, "BazaarFan", "", "")
	if err != nil {
		t.Fatalf("ToggleSubscription() error = %v", err)
	}
	if !enabled {
		t.Error("first toggle should enable")
	}

	enabled, err = ToggleSubscription(context.Background(), dbx, sub, "BazaarFan", "", "")
	if err != nil {
		t.Fatalf("second ToggleSubscription() error = %v", err)
	}
	if enabled {
		t.Error("second toggle should disable")
	}

	enabled, err = ToggleSubscription(context.Background(), dbx, sub, "BazaarFan", "", "")
	if err != nil {
		t.Fatalf("third ToggleSubscription() error = %v", err)
	}
	if !enabled {
		t.Error("third toggle should re-enable")
	}

	names, err := ListSubscriptions(context.Background(), dbx, sub)
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(names) != 1 || names[0] != "BazaarFan" {
		t.Errorf("subscriptions = %v", names)
	}
}

func TestToggleSubscription_DeliverySettings(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	sub := "discord-" + uuid.NewString()[:8]

	if _, err := ToggleSubscription(ctx, dbx, sub, "BazaarFan", "channel", "chan-9"); err != nil {
		t.Fatalf("ToggleSubscription() error = %v", err)
	}
	readSettings := func() (string, string) {
		t.Helper()
		var mode string
		var group sql.NullString
		if err := dbx.QueryRowContext(ctx,
			`SELECT delivery_mode, destination_group_id FROM notification_subscriptions
			 WHERE subscriber_id=$1 AND username='BazaarFan'`, sub).Scan(&mode, &group); err != nil {
			t.Fatalf("read subscription: %v", err)
		}
		return mode, group.String
	}
	if mode, group := readSettings(); mode != "channel" || group != "chan-9" {
		t.Errorf("settings = %s/%s, want channel/chan-9", mode, group)
	}

	// A plain toggle keeps the stored delivery settings.
	if _, err := ToggleSubscription(ctx, dbx, sub, "BazaarFan", "", ""); err != nil {
		t.Fatalf("plain re-toggle error = %v", err)
	}
	if mode, group := readSettings(); mode != "channel" || group != "chan-9" {
		t.Errorf("settings after plain toggle = %s/%s, want channel/chan-9", mode, group)
	}

	// An explicit mode on re-toggle updates it.
	if _, err := ToggleSubscription(ctx, dbx, sub, "BazaarFan", "both", "chan-10"); err != nil {
		t.Fatalf("re-toggle with settings error = %v", err)
	}
	if mode, group := readSettings(); mode != "both" || group != "chan-10" {
		t.Errorf("settings after update = %s/%s, want both/chan-10", mode, group)
	}

	if _, err := ToggleSubscription(ctx, dbx, sub, "BazaarFan", "broadcast", ""); !errors.Is(err, ErrInvalidDeliveryMode) {
		t.Errorf("unknown mode error = %v, want ErrInvalidDeliveryMode", err)
	}
}

func TestHandleDetection_DeliveryModes(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	vodID, sourceID := seedDetectionVOD(t, dbx)
	username := "Player-" + uuid.NewString()[:8]

	subscribe(t, dbx, "user-direct", username, "direct", "")
	subscribe(t, dbx, "user-channel-a", username, "channel", "chan-1")
	subscribe(t, dbx, "user-channel-b", username, "channel", "chan-1")
	subscribe(t, dbx, "user-both", username, "both", "chan-2")

	sender := &fakeSender{}
	r := &Router{DB: dbx, Sender: sender}

	err := r.HandleDetection(context.Background(), Detection{
		VODID:            vodID,
		Username:         username,
		FrameTimeSeconds: 3930, // 1h5m30s
	})
	if err != nil {
		t.Fatalf("HandleDetection() error = %v", err)
	}

	var dms, channels []recordedSend
	for _, s := range sender.sends {
		if s.kind == "dm" {
			dms = append(dms, s)
		} else {
			channels = append(channels, s)
		}
	}
	if len(dms) != 2 {
		t.Errorf("got %d DMs, want 2 (direct + both)", len(dms))
	}
	if len(channels) != 2 {
		t.Fatalf("got %d channel messages, want 2 (one per destination group)", len(channels))
	}

	for _, c := range channels {
		switch c.target {
		case "chan-1":
			if !strings.Contains(c.content, "<@user-channel-a>") || !strings.Contains(c.content, "<@user-channel-b>") {
				t.Errorf("chan-1 message should mention both watchers: %q", c.content)
			}
		case "chan-2":
			if !strings.Contains(c.content, "<@user-both>") {
				t.Errorf("chan-2 message should mention user-both: %q", c.content)
			}
		default:
			t.Errorf("unexpected channel %q", c.target)
		}
	}

	// All deliveries share one message body with the deep link and timestamp.
	wantLink := fmt.Sprintf("https://www.twitch.tv/videos/%s?t=1h5m30s", sourceID)
	for _, s := range sender.sends {
		if !strings.Contains(s.content, wantLink) {
			t.Errorf("message missing vod link %q: %q", wantLink, s.content)
		}
		if !strings.Contains(s.content, username) {
			t.Errorf("message missing username: %q", s.content)
		}
		if !strings.Contains(s.content, "Kripparrian") {
			t.Errorf("message missing streamer name: %q", s.content)
		}
	}
}

func TestHandleDetection_ExactMatch(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	vodID, _ := seedDetectionVOD(t, dbx)
	username := "CasedName-" + uuid.NewString()[:8]
	subscribe(t, dbx, "user-1", strings.ToLower(username), "direct", "")

	sender := &fakeSender{}
	r := &Router{DB: dbx, Sender: sender}
	if err := r.HandleDetection(context.Background(), Detection{VODID: vodID, Username: username}); err != nil {
		t.Fatalf("HandleDetection() error = %v", err)
	}
	// Username matching is case sensitive; the lowercased watch must not fire.
	if len(sender.sends) != 0 {
		t.Errorf("expected no deliveries, got %v", sender.sends)
	}
}

func TestHandleDetection_FailureIsolation(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	vodID, _ := seedDetectionVOD(t, dbx)
	username := "Player-" + uuid.NewString()[:8]
	subscribe(t, dbx, "user-broken", username, "direct", "")
	subscribe(t, dbx, "user-ok", username, "direct", "")

	sender := &fakeSender{dmErr: map[string]error{"user-broken": errors.New("cannot send messages to this user")}}
	r := &Router{DB: dbx, Sender: sender}

	if err := r.HandleDetection(context.Background(), Detection{VODID: vodID, Username: username}); err != nil {
		t.Fatalf("HandleDetection() should not propagate delivery failures, got %v", err)
	}
	if len(sender.sends) != 1 || sender.sends[0].target != "user-ok" {
		t.Errorf("expected delivery to user-ok only, got %v", sender.sends)
	}
}

func TestHandleDetection_ChannelWithoutGroup(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	vodID, _ := seedDetectionVOD(t, dbx)
	username := "Player-" + uuid.NewString()[:8]
	subscribe(t, dbx, "user-nogroup", username, "channel", "")

	sender := &fakeSender{}
	r := &Router{DB: dbx, Sender: sender}
	if err := r.HandleDetection(context.Background(), Detection{VODID: vodID, Username: username}); err != nil {
		t.Fatalf("HandleDetection() error = %v", err)
	}
	if len(sender.sends) != 0 {
		t.Errorf("channel watch without a destination group should be skipped, got %v", sender.sends)
	}
}

func TestHandleDetection_UnknownVOD(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	telemetry.Init()

	r := &Router{DB: dbx, Sender: &fakeSender{}}
	if err := r.HandleDetection(context.Background(), Detection{VODID: -1, Username: "anyone"}); err == nil {
		t.Fatal("expected error for detection referencing unknown vod")
	}
}

func TestTwitchTimestamp(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0h0m0s"},
		{59, "0h0m59s"},
		{3930, "1h5m30s"},
		{-5, "0h0m0s"},
	}
	for _, tt := range tests {
		if got := twitchTimestamp(tt.in); got != tt.want {
			t.Errorf("twitchTimestamp(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
