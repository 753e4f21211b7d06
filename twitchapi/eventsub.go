package twitchapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
)

// Subscription is an EventSub subscription record.
type Subscription struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Type      string `json:"type"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
}

type subscriptionList struct {
	Data       []Subscription `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// SubscribeStreamOffline registers a webhook subscription for stream.offline
// events on the given broadcaster. A 409 means a matching subscription already
// exists; that is treated as success and the existing id is looked up and
// returned.
func (c *Client) SubscribeStreamOffline(ctx context.Context, broadcasterID, callbackURL, secret string) (string, error) {
	payload := map[string]any{
		"type":    "stream.offline",
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
		},
		"transport": map[string]string{
			"method":   "webhook",
			"callback": callbackURL,
			"secret":   secret,
		},
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "eventsub/subscriptions", nil, payload, &body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			slog.Debug("eventsub subscription already exists", slog.String("broadcaster_id", broadcasterID))
			return c.findSubscription(ctx, "stream.offline", broadcasterID)
		}
		return "", err
	}
	if len(body.Data) == 0 {
		return "", &DecodeError{Endpoint: "eventsub/subscriptions", Err: errors.New("created subscription missing from response")}
	}
	return body.Data[0].ID, nil
}

// findSubscription walks the subscription list for one matching the type and
// broadcaster. Used to recover the id after an already-exists conflict.
func (c *Client) findSubscription(ctx context.Context, subType, broadcasterID string) (string, error) {
	cursor := ""
	for {
		params := url.Values{}
		params.Set("type", subType)
		params.Set("user_id", broadcasterID)
		if cursor != "" {
			params.Set("after", cursor)
		}
		var body subscriptionList
		if err := c.get(ctx, "eventsub/subscriptions", params, &body); err != nil {
			return "", err
		}
		for _, s := range body.Data {
			if s.Type == subType && s.Condition.BroadcasterUserID == broadcasterID {
				return s.ID, nil
			}
		}
		if body.Pagination.Cursor == "" {
			return "", errors.New("conflicting eventsub subscription not found in list")
		}
		cursor = body.Pagination.Cursor
	}
}

// ListSubscriptions returns all subscriptions, following pagination.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	cursor := ""
	for {
		params := url.Values{}
		if cursor != "" {
			params.Set("after", cursor)
		}
		var body subscriptionList
		if err := c.get(ctx, "eventsub/subscriptions", params, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		cursor = body.Pagination.Cursor
	}
}

// DeleteSubscription removes a subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	params := url.Values{}
	params.Set("id", id)
	return c.do(ctx, http.MethodDelete, "eventsub/subscriptions", params, nil, nil)
}
