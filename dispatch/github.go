package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

const githubAPIBase = "https://api.github.com"

// CITrigger fires the external analysis workflow via the GitHub Actions
// workflow_dispatch API.
type CITrigger struct {
	Token       string
	Owner       string
	Repo        string
	Workflow    string
	Environment string
	HTTPClient  *http.Client
}

func (t *CITrigger) http() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

// branch selects the workflow ref from the deployment environment.
func (t *CITrigger) branch() string {
	if t.Environment == "dev" {
		return "dev"
	}
	return "main"
}

// TriggerWorkflow dispatches the processing workflow for a VOD's chunks and
// returns the Actions page URL for the run. GitHub answers workflow_dispatch
// with 204 and no body, so the returned URL is constructed, not reported.
func (t *CITrigger) TriggerWorkflow(ctx context.Context, vodSourceID string, chunkUUIDs []string, oldTemplates bool, profile Profile) (string, error) {
	uuidsJSON, err := json.Marshal(chunkUUIDs)
	if err != nil {
		return "", err
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"ref": t.branch(),
		"inputs": map[string]string{
			"vod_id":        vodSourceID,
			"chunk_uuids":   string(uuidsJSON),
			"old_templates": strconv.FormatBool(oldTemplates),
			"sfot_profile":  string(profileJSON),
			"environment":   t.Environment,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		githubAPIBase, t.Owner, t.Repo, t.Workflow)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	resp, err := t.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("workflow dispatch failed: status %d: %s", resp.StatusCode, string(b))
	}
	return fmt.Sprintf("https://github.com/%s/%s/actions/workflows/%s", t.Owner, t.Repo, t.Workflow), nil
}
