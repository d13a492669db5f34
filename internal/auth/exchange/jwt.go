package exchange

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// JWTClaims is the claims section of a provider access or ID token.
// Identity fields may live at the top level or under the provider's auth
// namespace; IdentityClaims flattens both.
type JWTClaims struct {
	Email     string   `json:"email"`
	Exp       int64    `json:"exp"`
	Iat       int64    `json:"iat"`
	AccountID string   `json:"account_id"`
	Plan      string   `json:"plan_type"`
	AuthInfo  authInfo `json:"https://api.openai.com/auth"`
}

type authInfo struct {
	AccountID string `json:"chatgpt_account_id"`
	PlanType  string `json:"chatgpt_plan_type"`
	UserID    string `json:"chatgpt_user_id"`
}

// IdentityClaims are the flattened identity fields used for hydration.
type IdentityClaims struct {
	AccountID string
	Email     string
	Plan      string
	Exp       int64
}

// ParseJWT extracts the payload claims from a JWT without verifying the
// signature. Verification belongs to the token endpoint; this parser only
// reads identity metadata out of tokens we were just issued.
func ParseJWT(token string) (*JWTClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	payload := parts[1]
	switch len(payload) % 4 {
	case 2:
		payload += "=="
	case 3:
		payload += "="
	}

	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims JWTClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT claims: %w", err)
	}
	return &claims, nil
}

// Identity flattens the claims into the fields an Account can be hydrated
// from, preferring the namespaced values when both are present.
func (c *JWTClaims) Identity() IdentityClaims {
	id := IdentityClaims{
		AccountID: c.AccountID,
		Email:     c.Email,
		Plan:      c.Plan,
		Exp:       c.Exp,
	}
	if c.AuthInfo.AccountID != "" {
		id.AccountID = c.AuthInfo.AccountID
	}
	if c.AuthInfo.PlanType != "" {
		id.Plan = c.AuthInfo.PlanType
	}
	return id
}

// IdentityFromTokens reads identity claims from whichever of the access or
// ID token parses, merging field by field with the ID token winning.
func IdentityFromTokens(ts *TokenSet) IdentityClaims {
	var id IdentityClaims
	if ts == nil {
		return id
	}
	for _, token := range []string{ts.AccessToken, ts.IDToken} {
		if token == "" {
			continue
		}
		claims, err := ParseJWT(token)
		if err != nil {
			continue
		}
		got := claims.Identity()
		if got.AccountID != "" {
			id.AccountID = got.AccountID
		}
		if got.Email != "" {
			id.Email = got.Email
		}
		if got.Plan != "" {
			id.Plan = got.Plan
		}
		if got.Exp != 0 {
			id.Exp = got.Exp
		}
	}
	return id
}
