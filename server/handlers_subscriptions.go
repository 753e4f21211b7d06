package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kaiobarb/bazaar-ghost/backend/notify"
)

// HandleSubscriptionToggle flips a subscriber's interest in a username. The
// bot front-end calls this for the notify slash command; toggling keeps the
// command idempotent for users who spam it.
func (h *Handlers) HandleSubscriptionToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireInternalKey(w, r) {
		return
	}
	var req struct {
		SubscriberID       string `json:"subscriber_id"`
		Username           string `json:"username"`
		DeliveryMode       string `json:"delivery_mode"`
		DestinationGroupID string `json:"destination_group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SubscriberID == "" || req.Username == "" {
		http.Error(w, "subscriber_id and username required", http.StatusBadRequest)
		return
	}
	enabled, err := notify.ToggleSubscription(r.Context(), h.db, req.SubscriberID, req.Username,
		req.DeliveryMode, req.DestinationGroupID)
	if err != nil {
		if errors.Is(err, notify.ErrInvalidDeliveryMode) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriber_id": req.SubscriberID,
		"username":      req.Username,
		"enabled":       enabled,
	})
}

// HandleSubscriptions lists a subscriber's active watches.
func (h *Handlers) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.requireInternalKey(w, r) {
		return
	}
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		http.Error(w, "subscriber_id required", http.StatusBadRequest)
		return
	}
	usernames, err := notify.ListSubscriptions(r.Context(), h.db, subscriberID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if usernames == nil {
		usernames = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriber_id": subscriberID,
		"usernames":     usernames,
	})
}
