// Package notify fans detection events out to Discord subscribers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const discordAPIBase = "https://discord.com/api/v10"

// DiscordClient is a minimal bot-token REST client: DM channel creation and
// message posting are all the router needs.
type DiscordClient struct {
	BotToken   string
	HTTPClient *http.Client
}

func (c *DiscordClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *DiscordClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, discordAPIBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.BotToken)
	req.Header.Set("Content-Type", "application/json")
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
		return fmt.Errorf("discord %s: status %d: %s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendDM opens (or reuses, Discord-side) the DM channel for a user and posts
// the message there.
func (c *DiscordClient) SendDM(ctx context.Context, userID, content string) error {
	var ch struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/users/@me/channels", map[string]string{"recipient_id": userID}, &ch); err != nil {
		return fmt.Errorf("create dm channel for %s: %w", userID, err)
	}
	return c.SendChannelMessage(ctx, ch.ID, content)
}

// SendChannelMessage posts a message to a channel.
func (c *DiscordClient) SendChannelMessage(ctx context.Context, channelID, content string) error {
	return c.post(ctx, "/channels/"+channelID+"/messages", map[string]string{"content": content}, nil)
}
