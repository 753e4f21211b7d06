package twitchapi

import "fmt"

// AuthError indicates the app access token could not be acquired or refreshed.
// Callers treat it as fatal for the current operation rather than retrying.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("twitch auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// APIError is returned for non-2xx Helix responses. Body carries the raw
// response so call sites can log upstream detail without re-reading.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.Status, e.Body)
}

// DecodeError indicates a 2xx response whose body was not valid JSON for the
// expected shape.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("twitch api: invalid JSON from %s: %v", e.Endpoint, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }
