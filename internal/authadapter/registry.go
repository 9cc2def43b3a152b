// Package authadapter identifies the credential type on an incoming request
// and shapes the outgoing provider credential.
package authadapter

import (
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Adapter recognizes one credential family. Matches and Extract read the
// incoming headers; Apply shapes an outgoing provider request in place.
type Adapter interface {
	// ID returns the adapter's stable identifier.
	ID() string

	// Matches reports whether the headers carry this adapter's credential.
	Matches(headers map[string][]string) bool

	// Extract pulls the credential out of the headers, or nil when absent.
	Extract(headers map[string][]string) *core.AuthInfo

	// Apply shapes the outgoing request with the credential.
	Apply(req *http.Request, auth *core.AuthInfo)
}

// Validator is optionally implemented by adapters that can check a token's
// shape beyond matching.
type Validator interface {
	Validate(token string) bool
}

// Registry manages auth adapters in registration order.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	byID     map[string]Adapter
	logger   *log.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Adapter),
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// Register appends an adapter. Registration order is match priority.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[a.ID()]; exists {
		return fmt.Errorf("adapter %q already registered", a.ID())
	}
	r.adapters = append(r.adapters, a)
	r.byID[a.ID()] = a
	r.logger.Printf("Registered auth adapter: %s", a.ID())
	return nil
}

// FindMatch scans adapters in registration order and returns the first that
// matches, or nil.
func (r *Registry) FindMatch(headers map[string][]string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.adapters {
		if a.Matches(headers) {
			return a
		}
	}
	return nil
}

// GetEnabled returns adapters in the caller-supplied order, allowing
// duplicates. Unknown ids are silently dropped.
func (r *Registry) GetEnabled(ids []string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.byID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// headerValue returns the first value for a header, case-insensitively.
func headerValue(headers map[string][]string, name string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// bearerToken strips the Bearer prefix from an Authorization value.
func bearerToken(headers map[string][]string) string {
	auth := headerValue(headers, "Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// DeriveUserID returns the explicit x-user-id header when present, else a
// stable FNV-1a hash of the token. The hash identifies, it does not
// authenticate.
func DeriveUserID(headers map[string][]string, token string) string {
	if uid := headerValue(headers, "x-user-id"); uid != "" {
		return uid
	}
	if token == "" {
		return ""
	}
	h := fnv.New64a()
	h.Write([]byte(token))
	return fmt.Sprintf("u%x", h.Sum64())
}

// isBase64URL reports whether s consists solely of base64url characters.
func isBase64URL(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return len(s) > 0
}
