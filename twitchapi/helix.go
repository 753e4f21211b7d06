// Package twitchapi contains the Helix and GraphQL clients used for category
// lookup, streamer resolution, VOD listing, availability probing, and EventSub
// subscription management, all using an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const helixBase = "https://api.twitch.tv/helix"

// availabilityBatchSize is the Helix ceiling on ids per videos request.
const availabilityBatchSize = 100

// Client provides the Helix methods needed for cataloging and subscriptions.
type Client struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// do performs an authenticated Helix request and decodes the JSON response
// into out. Non-2xx responses become *APIError; undecodable bodies become
// *DecodeError.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, payload, out any) error {
	tok, err := c.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, helixBase+"/"+endpoint, body)
	if err != nil {
		return err
	}
	if params != nil {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, params, nil, out)
}

// SearchCategoryID resolves a game/category name to its Helix id. The match is
// exact on the lower-cased name; a fuzzy search hit with a different name does
// not count.
func (c *Client) SearchCategoryID(ctx context.Context, name string) (string, error) {
	params := url.Values{}
	params.Set("query", name)
	params.Set("first", "10")
	var body struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.get(ctx, "search/categories", params, &body); err != nil {
		return "", err
	}
	want := strings.ToLower(name)
	for _, d := range body.Data {
		if strings.ToLower(d.Name) == want {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("category %q not found", name)
}

// User is a Helix user record.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
	CreatedAt       string `json:"created_at"`
}

// GetUserByID fetches a user by numeric id. Returns nil when absent.
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	return c.getUser(ctx, "id", id)
}

// GetUserByLogin fetches a user by login name. Returns nil when absent.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return c.getUser(ctx, "login", login)
}

func (c *Client) getUser(ctx context.Context, key, val string) (*User, error) {
	if val == "" {
		return nil, fmt.Errorf("%s empty", key)
	}
	params := url.Values{}
	params.Set(key, val)
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.get(ctx, "users", params, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// Video is a Helix archive video record. Duration stays in Twitch's "1h2m3s"
// form; callers parse it when they need seconds.
type Video struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	Title       string `json:"title"`
	Duration    string `json:"duration"`
	CreatedAt   string `json:"created_at"`
	PublishedAt string `json:"published_at"`
}

// ListGameVideos lists archive videos for a game/category, newest first.
func (c *Client) ListGameVideos(ctx context.Context, gameID, after string, first int) ([]Video, string, error) {
	if gameID == "" {
		return nil, "", fmt.Errorf("gameID empty")
	}
	params := url.Values{}
	params.Set("game_id", gameID)
	return c.listVideos(ctx, params, after, first)
}

// ListUserVideos lists archive videos for a user, newest first.
func (c *Client) ListUserVideos(ctx context.Context, userID, after string, first int) ([]Video, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	params := url.Values{}
	params.Set("user_id", userID)
	return c.listVideos(ctx, params, after, first)
}

func (c *Client) listVideos(ctx context.Context, params url.Values, after string, first int) ([]Video, string, error) {
	if first <= 0 || first > 100 {
		first = 100
	}
	params.Set("type", "archive")
	params.Set("sort", "time")
	params.Set("first", fmt.Sprintf("%d", first))
	if after != "" {
		params.Set("after", after)
	}
	var body struct {
		Data       []Video `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := c.get(ctx, "videos", params, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

// CheckAvailability probes which of the given video ids still exist. Every id
// maps to an entry in the result; ids the platform no longer returns stay
// false. Ids are sent in batches with each id as its own query parameter
// (Helix rejects comma-joined lists), with a one second pause between batches.
// A failed batch leaves its ids false rather than failing the whole probe.
func (c *Client) CheckAvailability(ctx context.Context, ids []string) (map[string]bool, error) {
	avail := make(map[string]bool, len(ids))
	for _, id := range ids {
		avail[id] = false
	}
	for start := 0; start < len(ids); start += availabilityBatchSize {
		end := start + availabilityBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		params := url.Values{}
		for _, id := range batch {
			params.Add("id", id)
		}
		var body struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := c.get(ctx, "videos", params, &body); err != nil {
			slog.Warn("availability batch failed", slog.Int("batch_start", start), slog.Any("err", err))
		} else {
			for _, d := range body.Data {
				avail[d.ID] = true
			}
		}
		if end < len(ids) {
			select {
			case <-ctx.Done():
				return avail, ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
	return avail, nil
}
