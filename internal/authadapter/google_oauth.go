package authadapter

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// googleTokenURL is the OAuth token endpoint.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// googleAuthURL is the OAuth consent endpoint.
const googleAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"

// GoogleOAuthConfig identifies the OAuth client.
type GoogleOAuthConfig struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// TokenSet is one user's cached access/refresh pair.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token needs a refresh.
func (t TokenSet) Expired() bool {
	return !t.ExpiresAt.After(time.Now().Add(30 * time.Second))
}

// GoogleOAuthFlow implements the PKCE authorization-code flow (RFC 7636)
// with a per-user token cache.
type GoogleOAuthFlow struct {
	cfg    GoogleOAuthConfig
	client *http.Client

	mu        sync.Mutex
	tokens    map[string]TokenSet // keyed by user id
	verifiers map[string]string   // keyed by state, pending exchanges
}

// NewGoogleOAuthFlow builds a flow for the client config.
func NewGoogleOAuthFlow(cfg GoogleOAuthConfig) *GoogleOAuthFlow {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"https://www.googleapis.com/auth/generative-language"}
	}
	return &GoogleOAuthFlow{
		cfg:       cfg,
		client:    &http.Client{Timeout: 15 * time.Second},
		tokens:    make(map[string]TokenSet),
		verifiers: make(map[string]string),
	}
}

// GenerateVerifier returns a PKCE code verifier of at least 43 characters.
func GenerateVerifier() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	v := base64.RawURLEncoding.EncodeToString(buf)
	if len(v) < 43 {
		return "", errors.New("verifier too short")
	}
	return v, nil
}

// Challenge derives the S256 code challenge from a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// BeginAuth builds the consent URL for the user. The state embeds the user
// id as <state>_<user_id> so the callback can recover it.
func (f *GoogleOAuthFlow) BeginAuth(userID string) (authURL string, state string, err error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", err
	}
	state = base64.RawURLEncoding.EncodeToString(nonce) + "_" + userID

	f.mu.Lock()
	f.verifiers[state] = verifier
	f.mu.Unlock()

	q := url.Values{}
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", f.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(f.cfg.Scopes, " "))
	q.Set("code_challenge", Challenge(verifier))
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	q.Set("access_type", "offline")
	return googleAuthURL + "?" + q.Encode(), state, nil
}

// UserFromState recovers the user id embedded in the state value.
func UserFromState(state string) (string, error) {
	i := strings.Index(state, "_")
	if i < 0 || i == len(state)-1 {
		return "", errors.New("malformed state")
	}
	return state[i+1:], nil
}

// Exchange trades an authorization code for tokens and caches them for the
// state's user.
func (f *GoogleOAuthFlow) Exchange(ctx context.Context, state, code string) (TokenSet, error) {
	userID, err := UserFromState(state)
	if err != nil {
		return TokenSet{}, err
	}

	f.mu.Lock()
	verifier, ok := f.verifiers[state]
	delete(f.verifiers, state)
	f.mu.Unlock()
	if !ok {
		return TokenSet{}, errors.New("unknown state")
	}

	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	form.Set("redirect_uri", f.cfg.RedirectURI)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)

	tokens, err := f.tokenRequest(ctx, form)
	if err != nil {
		return TokenSet{}, err
	}

	f.mu.Lock()
	f.tokens[userID] = tokens
	f.mu.Unlock()
	return tokens, nil
}

// TokenFor returns the cached access token for user, refreshing when
// expired.
func (f *GoogleOAuthFlow) TokenFor(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	tokens, ok := f.tokens[userID]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no tokens cached for user %s", userID)
	}
	if !tokens.Expired() {
		return tokens.AccessToken, nil
	}
	if tokens.RefreshToken == "" {
		return "", errors.New("access token expired with no refresh token")
	}

	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tokens.RefreshToken)

	refreshed, err := f.tokenRequest(ctx, form)
	if err != nil {
		return "", err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}

	f.mu.Lock()
	f.tokens[userID] = refreshed
	f.mu.Unlock()
	return refreshed.AccessToken, nil
}

func (f *GoogleOAuthFlow) tokenRequest(ctx context.Context, form url.Values) (TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return TokenSet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return TokenSet{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenSet{}, err
	}
	return TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
