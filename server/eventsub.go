package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kaiobarb/bazaar-ghost/backend/catalog"
	"github.com/kaiobarb/bazaar-ghost/backend/telemetry"
)

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
)

// verifySignature checks the HMAC-SHA256 signature over id, timestamp, and raw
// body. The comparison is constant time; the signature header carries a
// "sha256=" prefix and lower-case hex.
func verifySignature(secret, messageID, timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// seenCache remembers recently handled message ids so EventSub redeliveries do
// not re-run the pipeline. Entries expire after ten minutes, past the window
// in which Twitch retries a delivery.
type seenCache struct {
	mu  sync.Mutex
	ids map[string]time.Time
	ttl time.Duration
}

func newSeenCache(ctx context.Context) *seenCache {
	c := &seenCache{ids: make(map[string]time.Time), ttl: 10 * time.Minute}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
	return c
}

func (c *seenCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	for id, at := range c.ids {
		if at.Before(cutoff) {
			delete(c.ids, id)
		}
	}
}

// markSeen records an id, reporting whether it was already present.
func (c *seenCache) markSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return true
	}
	c.ids[id] = time.Now()
	return false
}

// forget drops an id so the retry of a failed delivery is processed again.
func (c *seenCache) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

type eventSubNotification struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Challenge string `json:"challenge"`
	Event     struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
	} `json:"event"`
}

// handleEventSub processes one EventSub delivery: verify, dedupe, then branch
// on message type. Verification failures never reveal which part failed
// beyond the status code.
func (h *Handlers) handleEventSub(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context())

	messageID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerMessageTimestamp)
	signature := r.Header.Get(headerMessageSignature)
	if messageID == "" || timestamp == "" || signature == "" {
		telemetry.WebhookAuthFailed.Inc()
		http.Error(w, "missing signature headers", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !verifySignature(h.cfg.EventSubSecret, messageID, timestamp, body, signature) {
		telemetry.WebhookAuthFailed.Inc()
		log.Warn("webhook signature rejected", slog.String("message_id", messageID))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	msgType := r.Header.Get(headerMessageType)
	telemetry.WebhooksReceived.WithLabelValues(msgType).Inc()

	var notif eventSubNotification
	if err := json.Unmarshal(body, &notif); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch msgType {
	case "webhook_callback_verification":
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(notif.Challenge))

	case "revocation":
		log.Warn("eventsub subscription revoked",
			slog.String("subscription_id", notif.Subscription.ID),
			slog.String("type", notif.Subscription.Type))
		_, err := h.db.ExecContext(r.Context(),
			`UPDATE webhook_subscriptions SET status='revoked', updated_at=NOW() WHERE id=$1`,
			notif.Subscription.ID)
		if err != nil {
			log.Warn("revocation bookkeeping failed", slog.Any("err", err))
		}
		w.WriteHeader(http.StatusNoContent)

	case "notification":
		if h.seen.markSeen(messageID) {
			log.Debug("duplicate delivery ignored", slog.String("message_id", messageID))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// A failed delivery must stay retryable; only handled ones dedupe.
		if !h.handleStreamOffline(w, r, &notif) {
			h.seen.forget(messageID)
		}

	default:
		log.Warn("unknown eventsub message type", slog.String("type", msgType))
		w.WriteHeader(http.StatusOK)
	}
}

// handleStreamOffline reacts to a broadcaster going offline: sync their newest
// VOD and, when it contains gameplay, dispatch its chunks. Accepted
// deliveries, including skips, answer 204 with no body so Twitch does not
// retry them; skip reasons live in the logs and metrics only. Returns whether
// the delivery was handled (failures answer 500 and must stay retryable).
func (h *Handlers) handleStreamOffline(w http.ResponseWriter, r *http.Request, notif *eventSubNotification) bool {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	if notif.Subscription.Type != "stream.offline" {
		telemetry.WebhooksSkipped.WithLabelValues("unexpected_type").Inc()
		log.Info("unexpected notification type", slog.String("type", notif.Subscription.Type))
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	st, err := h.lookupStreamer(ctx, notif.Event.BroadcasterUserID, notif.Event.BroadcasterUserLogin)
	if err != nil {
		log.Error("streamer lookup failed", slog.Any("err", err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return false
	}
	if st == nil {
		telemetry.WebhooksSkipped.WithLabelValues("unknown_streamer").Inc()
		log.Info("stream.offline for uncataloged streamer",
			slog.String("broadcaster_id", notif.Event.BroadcasterUserID),
			slog.String("login", notif.Event.BroadcasterUserLogin))
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	if !st.ProcessingEnabled {
		telemetry.WebhooksSkipped.WithLabelValues("processing_disabled").Inc()
		log.Info("stream.offline for disabled streamer", slog.String("login", st.Login))
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	// Only the newest broadcast matters here; the full history is the
	// catalog jobs' problem.
	res, err := h.catalog.SyncStreamerVODs(ctx, st.ID, st.Login, 1)
	if err != nil {
		log.Error("post-offline sync failed", slog.String("login", st.Login), slog.Any("err", err))
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return false
	}
	if res.MatchingVODs == 0 || len(res.UpsertedVODIDs) == 0 {
		telemetry.WebhooksSkipped.WithLabelValues("no_gameplay").Inc()
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	dispatchRes, err := h.dispatcher.Dispatch(ctx, res.UpsertedVODIDs[0], "", false)
	if err != nil {
		log.Error("post-offline dispatch failed", slog.String("login", st.Login), slog.Any("err", err))
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return false
	}
	log.Info("stream.offline processed",
		slog.String("login", st.Login),
		slog.Int("chunks", dispatchRes.ChunksFound))
	w.WriteHeader(http.StatusNoContent)
	return true
}

// lookupStreamer resolves by platform id first, then by login. EventSub
// conditions key on the id, but older catalog rows may predate an id change.
func (h *Handlers) lookupStreamer(ctx context.Context, broadcasterID, login string) (*catalog.Streamer, error) {
	if broadcasterID != "" {
		if id, err := strconv.ParseInt(broadcasterID, 10, 64); err == nil {
			st, err := catalog.GetStreamerByID(ctx, h.db, id)
			if err != nil {
				return nil, err
			}
			if st != nil {
				return st, nil
			}
		}
	}
	if login == "" {
		return nil, nil
	}
	return catalog.GetStreamerByLogin(ctx, h.db, login)
}
