package authadapter

import (
	"net/http"
	"strings"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// AnthropicVersion is the required anthropic-version header value.
const AnthropicVersion = "2023-06-01"

// AnthropicAdapter recognizes Anthropic OAuth bearer tokens: an `ant-`
// prefix or a long base64url-shaped opaque token.
type AnthropicAdapter struct{}

// NewAnthropicAdapter builds the Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

// ID implements Adapter.
func (a *AnthropicAdapter) ID() string { return "anthropic-oauth" }

// Matches reports an Authorization bearer with an ant- prefix or a
// >= 50 char base64url token.
func (a *AnthropicAdapter) Matches(headers map[string][]string) bool {
	tok := bearerToken(headers)
	if tok == "" {
		return false
	}
	if strings.HasPrefix(tok, "ant-") {
		return true
	}
	return len(tok) >= 50 && isBase64URL(tok)
}

// Extract implements Adapter.
func (a *AnthropicAdapter) Extract(headers map[string][]string) *core.AuthInfo {
	tok := bearerToken(headers)
	if tok == "" {
		return nil
	}
	return &core.AuthInfo{
		Provider: "anthropic",
		Type:     "bearer",
		Token:    tok,
		UserID:   DeriveUserID(headers, tok),
	}
}

// Apply sets the bearer credential plus the required Anthropic headers.
func (a *AnthropicAdapter) Apply(req *http.Request, auth *core.AuthInfo) {
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	req.Header.Set("anthropic-version", AnthropicVersion)
	req.Header.Set("Content-Type", "application/json")
}

// Validate checks the token shape.
func (a *AnthropicAdapter) Validate(token string) bool {
	return strings.HasPrefix(token, "ant-") || (len(token) >= 50 && isBase64URL(token))
}
