package executor

import (
	"log"
	"sync"
	"time"
)

// Cooldown is one active per-user rate-limit window.
type Cooldown struct {
	UserID            string    `json:"user_id"`
	ExpiresAt         time.Time `json:"expires_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
	Reason            string    `json:"reason"`
}

// CooldownTable tracks per-user Anthropic cooldowns. Entries expire lazily
// on access and eagerly when listing.
type CooldownTable struct {
	mu         sync.Mutex
	entries    map[string]Cooldown
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *log.Logger

	now func() time.Time
}

// NewCooldownTable builds a table with the given default (unparseable
// retry-after) and maximum cooldown durations.
func NewCooldownTable(defaultTTL, maxTTL time.Duration) *CooldownTable {
	if defaultTTL <= 0 {
		defaultTTL = 3 * time.Minute
	}
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	return &CooldownTable{
		entries:    make(map[string]Cooldown),
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		logger:     log.New(log.Writer(), "[COOLDOWN] ", log.LstdFlags),
		now:        time.Now,
	}
}

// Apply records a cooldown for user after an upstream 429. retryAfterSeconds
// <= 0 means the header was absent or unparseable; the duration is capped at
// the table maximum. When an entry already exists the later expiry wins.
func (t *CooldownTable) Apply(userID string, retryAfterSeconds int, reason string) Cooldown {
	ttl := t.defaultTTL
	if retryAfterSeconds > 0 {
		ttl = time.Duration(retryAfterSeconds) * time.Second
	}
	if ttl > t.maxTTL {
		ttl = t.maxTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := Cooldown{
		UserID:            userID,
		ExpiresAt:         t.now().Add(ttl),
		RetryAfterSeconds: int(ttl / time.Second),
		Reason:            reason,
	}
	if existing, ok := t.entries[userID]; ok && existing.ExpiresAt.After(entry.ExpiresAt) {
		entry = existing
	}
	t.entries[userID] = entry
	t.logger.Printf("⚠️ Cooldown applied for user %s: %ds (%s)", userID, entry.RetryAfterSeconds, reason)
	return entry
}

// Check returns the active cooldown for user, if any. An expired entry is
// removed on access.
func (t *CooldownTable) Check(userID string) (Cooldown, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return Cooldown{}, false
	}
	if !entry.ExpiresAt.After(t.now()) {
		delete(t.entries, userID)
		return Cooldown{}, false
	}
	return entry, true
}

// Clear removes a user's cooldown regardless of expiry.
func (t *CooldownTable) Clear(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[userID]
	delete(t.entries, userID)
	return ok
}

// Active returns all unexpired cooldowns, eagerly pruning expired ones.
func (t *CooldownTable) Active() []Cooldown {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Cooldown, 0, len(t.entries))
	for user, entry := range t.entries {
		if !entry.ExpiresAt.After(now) {
			delete(t.entries, user)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Count returns the number of unexpired cooldowns.
func (t *CooldownTable) Count() int {
	return len(t.Active())
}
