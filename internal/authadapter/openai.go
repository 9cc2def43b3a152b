package authadapter

import (
	"net/http"
	"strings"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// OpenAIAdapter recognizes an x-openai-api-key header or an sk- bearer.
type OpenAIAdapter struct{}

// NewOpenAIAdapter builds the OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{}
}

// ID implements Adapter.
func (o *OpenAIAdapter) ID() string { return "openai-key" }

// Matches reports an x-openai-api-key header or a bearer starting with sk-
// of length >= 40.
func (o *OpenAIAdapter) Matches(headers map[string][]string) bool {
	if headerValue(headers, "x-openai-api-key") != "" {
		return true
	}
	tok := bearerToken(headers)
	return strings.HasPrefix(tok, "sk-") && len(tok) >= 40
}

// Extract implements Adapter.
func (o *OpenAIAdapter) Extract(headers map[string][]string) *core.AuthInfo {
	key := headerValue(headers, "x-openai-api-key")
	if key == "" {
		tok := bearerToken(headers)
		if strings.HasPrefix(tok, "sk-") && len(tok) >= 40 {
			key = tok
		}
	}
	if key == "" {
		return nil
	}
	return &core.AuthInfo{
		Provider: "openai",
		Type:     "apikey",
		Token:    key,
		UserID:   DeriveUserID(headers, key),
	}
}

// Apply sets the standard OpenAI bearer credential.
func (o *OpenAIAdapter) Apply(req *http.Request, auth *core.AuthInfo) {
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	req.Header.Set("Content-Type", "application/json")
}

// Validate checks the key shape.
func (o *OpenAIAdapter) Validate(token string) bool {
	return strings.HasPrefix(token, "sk-") && len(token) >= 40
}
