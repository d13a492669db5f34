package exchange

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func encodeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".signature"
}

func TestParseJWT(t *testing.T) {
	token := encodeToken(t, map[string]any{
		"email":      "user@example.com",
		"exp":        1750000000,
		"account_id": "acc-1",
		"plan_type":  "plus",
	})

	claims, err := ParseJWT(token)
	if err != nil {
		t.Fatalf("ParseJWT() error = %v", err)
	}
	if claims.Email != "user@example.com" || claims.AccountID != "acc-1" || claims.Plan != "plus" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Exp != 1750000000 {
		t.Errorf("Exp = %d", claims.Exp)
	}
}

func TestParseJWTInvalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two parts", "a.b"},
		{"four parts", "a.b.c.d"},
		{"bad base64", "header.!!!.sig"},
		{"payload not json", "header." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".sig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJWT(tt.token); err == nil {
				t.Errorf("ParseJWT(%q) expected error", tt.token)
			}
		})
	}
}

func TestIdentityPrefersNamespacedClaims(t *testing.T) {
	token := encodeToken(t, map[string]any{
		"email":      "user@example.com",
		"account_id": "top-level",
		"plan_type":  "free",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "namespaced",
			"chatgpt_plan_type":  "pro",
		},
	})

	claims, err := ParseJWT(token)
	if err != nil {
		t.Fatal(err)
	}
	id := claims.Identity()
	if id.AccountID != "namespaced" {
		t.Errorf("AccountID = %q, want namespaced value", id.AccountID)
	}
	if id.Plan != "pro" {
		t.Errorf("Plan = %q, want namespaced value", id.Plan)
	}
	if id.Email != "user@example.com" {
		t.Errorf("Email = %q", id.Email)
	}
}

func TestIdentityFromTokensIDTokenWins(t *testing.T) {
	ts := &TokenSet{
		AccessToken: encodeToken(t, map[string]any{"account_id": "from-access", "plan_type": "free"}),
		IDToken:     encodeToken(t, map[string]any{"email": "id@example.com", "plan_type": "pro"}),
	}

	id := IdentityFromTokens(ts)
	if id.AccountID != "from-access" {
		t.Errorf("AccountID = %q, fields absent from the ID token come from the access token", id.AccountID)
	}
	if id.Plan != "pro" {
		t.Errorf("Plan = %q, want ID token to win", id.Plan)
	}
	if id.Email != "id@example.com" {
		t.Errorf("Email = %q", id.Email)
	}
}

func TestIdentityFromTokensNil(t *testing.T) {
	if id := IdentityFromTokens(nil); id != (IdentityClaims{}) {
		t.Errorf("IdentityFromTokens(nil) = %+v, want zero", id)
	}
	// Unparseable tokens contribute nothing rather than failing.
	id := IdentityFromTokens(&TokenSet{AccessToken: "not-a-jwt"})
	if id != (IdentityClaims{}) {
		t.Errorf("IdentityFromTokens(garbage) = %+v, want zero", id)
	}
}
