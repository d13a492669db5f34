// Package exchange talks to the OAuth token endpoint on behalf of the
// account pool: refresh-token exchange plus unverified claims extraction
// for identity hydration. It owns no account state.
package exchange

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Default OAuth client used when no environment overrides are set.
const (
	DefaultClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	DefaultTokenURL = "https://auth.openai.com/oauth/token"
)

// TokenSet is the result of a refresh-token exchange. RefreshToken is only
// set when the endpoint rotated it.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Exchanger performs the token exchange. Implementations own their own
// timeouts; callers just await completion.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// OAuthExchanger refreshes tokens through golang.org/x/oauth2.
type OAuthExchanger struct {
	config *oauth2.Config
}

// NewOAuthExchanger builds an exchanger from environment overrides falling
// back to the built-in client.
func NewOAuthExchanger() *OAuthExchanger {
	clientID := os.Getenv("ROTOR_OAUTH_CLIENT_ID")
	if clientID == "" {
		clientID = DefaultClientID
	}
	tokenURL := os.Getenv("ROTOR_OAUTH_TOKEN_URL")
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return NewOAuthExchangerWith(clientID, os.Getenv("ROTOR_OAUTH_CLIENT_SECRET"), tokenURL)
}

// NewOAuthExchangerWith builds an exchanger with explicit client settings.
func NewOAuthExchangerWith(clientID, clientSecret, tokenURL string) *OAuthExchanger {
	return &OAuthExchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
}

// Refresh exchanges a refresh token for a fresh token set.
func (e *OAuthExchanger) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("empty refresh token")
	}

	source := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	ts := &TokenSet{
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
	}
	// Persist rotated refresh token if provided (RFC 6749 compliance).
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		ts.RefreshToken = token.RefreshToken
	}
	if id, ok := token.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	return ts, nil
}

// IsPermanentRefreshError reports whether a refresh failure means the grant
// is gone for good. Permanent failures should disable the account and
// require re-login; transient ones are retried later via the queue.
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
