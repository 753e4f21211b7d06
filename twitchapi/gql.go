package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const gqlURL = "https://gql.twitch.tv/gql"

// gqlClientID is the public id the Twitch web player ships with. Chapter
// markers are not exposed through Helix, so the unofficial GraphQL endpoint is
// the only source for them.
const gqlClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

// gqlMaxPages caps an unbounded archive walk at 5000 videos.
const gqlMaxPages = 50

// Chapter is a chapter marker on an archived broadcast.
type Chapter struct {
	PositionMilliseconds int
	Type                 string
	GameID               string
	GameName             string
	GameDisplayName      string
}

// GQLVideo is an archived broadcast with its chapter markers and the
// broadcast-level game it ended on.
type GQLVideo struct {
	ID            string
	Title         string
	LengthSeconds int
	PublishedAt   string
	GameID        string
	GameName      string
	Chapters      []Chapter
}

// GQLClient talks to the unofficial GraphQL endpoint.
type GQLClient struct {
	HTTPClient *http.Client
}

func (g *GQLClient) http() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return http.DefaultClient
}

const userVideosQuery = `query UserArchiveVideos($login: String!, $first: Int!, $after: Cursor) {
  user(login: $login) {
    videos(first: $first, type: ARCHIVE, after: $after) {
      edges {
        node {
          id
          title
          publishedAt
          lengthSeconds
          game { id name displayName }
          moments(first: 25, momentRequestType: VIDEO_CHAPTER_MARKERS) {
            edges {
              node {
                positionMilliseconds
                type
                details {
                  ... on GameChangeMomentDetails {
                    game { id name displayName }
                  }
                }
              }
            }
          }
        }
      }
      pageInfo { hasNextPage endCursor }
    }
  }
}`

type gqlGame struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type gqlVideosResponse struct {
	Data *struct {
		User *struct {
			Videos struct {
				Edges []struct {
					Node struct {
						ID            string   `json:"id"`
						Title         string   `json:"title"`
						PublishedAt   string   `json:"publishedAt"`
						LengthSeconds int      `json:"lengthSeconds"`
						Game          *gqlGame `json:"game"`
						Moments       struct {
							Edges []struct {
								Node struct {
									PositionMilliseconds int    `json:"positionMilliseconds"`
									Type                 string `json:"type"`
									Details              struct {
										Game *gqlGame `json:"game"`
									} `json:"details"`
								} `json:"node"`
							} `json:"edges"`
						} `json:"moments"`
					} `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"videos"`
		} `json:"user"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchUserVideos returns archived broadcasts for a login, newest first, with
// chapter markers. When limit > 0 only a single page of up to min(limit, 100)
// videos is fetched; otherwise pages are walked until exhausted or the page
// cap is hit.
func (g *GQLClient) FetchUserVideos(ctx context.Context, login string, limit int) ([]GQLVideo, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	pageSize := 100
	maxPages := gqlMaxPages
	if limit > 0 {
		if limit < pageSize {
			pageSize = limit
		}
		maxPages = 1
	}
	var out []GQLVideo
	after := ""
	for page := 0; page < maxPages; page++ {
		resp, err := g.query(ctx, login, pageSize, after)
		if err != nil {
			return nil, err
		}
		if resp.Data == nil || resp.Data.User == nil {
			return nil, fmt.Errorf("gql: user %q not found", login)
		}
		videos := resp.Data.User.Videos
		for _, e := range videos.Edges {
			n := e.Node
			v := GQLVideo{
				ID:            n.ID,
				Title:         n.Title,
				LengthSeconds: n.LengthSeconds,
				PublishedAt:   n.PublishedAt,
			}
			if n.Game != nil {
				v.GameID = n.Game.ID
				v.GameName = n.Game.Name
			}
			for _, me := range n.Moments.Edges {
				ch := Chapter{
					PositionMilliseconds: me.Node.PositionMilliseconds,
					Type:                 me.Node.Type,
				}
				if gm := me.Node.Details.Game; gm != nil {
					ch.GameID = gm.ID
					ch.GameName = gm.Name
					ch.GameDisplayName = gm.DisplayName
				}
				v.Chapters = append(v.Chapters, ch)
			}
			out = append(out, v)
		}
		if !videos.PageInfo.HasNextPage {
			break
		}
		after = videos.PageInfo.EndCursor
	}
	return out, nil
}

func (g *GQLClient) query(ctx context.Context, login string, first int, after string) (*gqlVideosResponse, error) {
	vars := map[string]any{"login": login, "first": first}
	if after != "" {
		vars["after"] = after
	}
	reqBody, err := json.Marshal(map[string]any{
		"query":     userVideosQuery,
		"variables": vars,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", gqlClientID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	var parsed gqlVideosResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &DecodeError{Endpoint: "gql", Err: err}
	}
	if len(parsed.Errors) > 0 {
		// Chapter moments regularly come back with partial errors alongside
		// usable data. Only fail when there is no data at all.
		if parsed.Data == nil {
			return nil, fmt.Errorf("gql: %s", parsed.Errors[0].Message)
		}
		slog.Warn("gql returned partial errors", slog.String("login", login), slog.String("first_error", parsed.Errors[0].Message))
	}
	return &parsed, nil
}
