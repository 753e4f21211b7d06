package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Tokens are refreshed when less than a minute of validity remains so that a
// token handed to a caller is never on the verge of expiring mid-request.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to the Twitch id endpoint
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// SetToken seeds the cache. Intended for tests.
func (ts *TokenSource) SetToken(tok string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.token = tok
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", &AuthError{Err: errors.New("missing client id/secret for twitch app token")}
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams, // Twitch expects form params, not basic auth
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Err: errors.New("empty access_token in twitch response")}
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	return ts.token, nil
}
