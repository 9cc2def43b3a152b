package authadapter

import (
	"net/http"
	"strings"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// GoogleAdapter recognizes either a Google OAuth bearer token or an
// x-goog-api-key API key (AIza…).
type GoogleAdapter struct{}

// NewGoogleAdapter builds the Google adapter.
func NewGoogleAdapter() *GoogleAdapter {
	return &GoogleAdapter{}
}

// ID implements Adapter.
func (g *GoogleAdapter) ID() string { return "google-oauth" }

// Matches reports a >= 100 char bearer in the Google token alphabet, or an
// x-goog-api-key header with an AIza key of >= 35 chars.
func (g *GoogleAdapter) Matches(headers map[string][]string) bool {
	if tok := bearerToken(headers); len(tok) >= 100 && isGoogleTokenShape(tok) {
		return true
	}
	key := headerValue(headers, "x-goog-api-key")
	return strings.HasPrefix(key, "AIza") && len(key) >= 35
}

// Extract implements Adapter.
func (g *GoogleAdapter) Extract(headers map[string][]string) *core.AuthInfo {
	if tok := bearerToken(headers); len(tok) >= 100 && isGoogleTokenShape(tok) {
		return &core.AuthInfo{
			Provider: "google",
			Type:     "bearer",
			Token:    tok,
			UserID:   DeriveUserID(headers, tok),
		}
	}
	if key := headerValue(headers, "x-goog-api-key"); strings.HasPrefix(key, "AIza") && len(key) >= 35 {
		return &core.AuthInfo{
			Provider: "google",
			Type:     "apikey",
			Token:    key,
			UserID:   DeriveUserID(headers, key),
		}
	}
	return nil
}

// Apply keeps bearer tokens in the header; API keys go into the key= query
// parameter per the Gemini wire contract.
func (g *GoogleAdapter) Apply(req *http.Request, auth *core.AuthInfo) {
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "apikey":
		q := req.URL.Query()
		q.Set("key", auth.Token)
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Content-Type", "application/json")
}

// Validate checks the token shape.
func (g *GoogleAdapter) Validate(token string) bool {
	if strings.HasPrefix(token, "AIza") && len(token) >= 35 {
		return true
	}
	return len(token) >= 100 && isGoogleTokenShape(token)
}

func isGoogleTokenShape(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '/' || r == '-':
		default:
			return false
		}
	}
	return len(s) > 0
}
