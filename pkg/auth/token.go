// Package auth implements the short code device login and the OAuth token
// lifecycle used to open interactive sessions.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrUnavailable reports that the identity service could not be reached
	// or answered with an unexpected status.
	ErrUnavailable = errors.New("auth: service unavailable")
	// ErrTimeout reports that the user did not approve the short code in
	// time, or that the code expired.
	ErrTimeout = errors.New("auth: short code timed out")
	// ErrDenied reports that the user refused the short code.
	ErrDenied = errors.New("auth: access denied")
	// ErrExpired reports that the refresh token is no longer valid. The
	// short code flow has to be started again.
	ErrExpired = errors.New("auth: refresh token expired")
)

// tokenVersion is written into serialized tokens.
const tokenVersion = 1

// Token is an access credential with the refresh token that renews it.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Authorization returns the Authorization header value.
func (t Token) Authorization() string {
	return "Bearer " + t.AccessToken
}

// Valid reports whether the token carries an access token.
func (t Token) Valid() bool {
	return t.AccessToken != ""
}

// IsStale reports whether tok is expired or will be within margin of now.
// A token expiring exactly at now+margin is stale.
func IsStale(tok Token, now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(tok.ExpiresAt)
}

type serializedToken struct {
	Version      int    `json:"version"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAtMs  int64  `json:"expires_at"`
}

// Serialize encodes the token as a self contained string the host may store
// and later hand back to ParseRefreshToken.
func (t Token) Serialize() (string, error) {
	data, err := json.Marshal(serializedToken{
		Version:      tokenVersion,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAtMs:  t.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("serializing token: %w", err)
	}
	return string(data), nil
}

// ParseRefreshToken decodes a string produced by Serialize.
func ParseRefreshToken(s string) (Token, error) {
	var st serializedToken
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return Token{}, fmt.Errorf("parsing token: %w", err)
	}
	if st.RefreshToken == "" && st.AccessToken == "" {
		return Token{}, fmt.Errorf("parsing token: no credentials present")
	}
	return Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		ExpiresAt:    time.UnixMilli(st.ExpiresAtMs),
	}, nil
}

func fromOAuth2(t *oauth2.Token) Token {
	return Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
	}
}
