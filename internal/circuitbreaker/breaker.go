// Package circuitbreaker implements the circuit breaker pattern protecting
// outbound provider calls from cascading failures.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when an open breaker short-circuits a call.
var ErrCircuitOpen = errors.New("circuit_open")

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold int

	// ResetTimeout is the period of open state before the next call
	// attempt transitions to half-open.
	ResetTimeout time.Duration

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(key string, from State, to State)
}

// DefaultConfig returns the provider-call defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker is one circuit, keyed by (component, operation).
type Breaker struct {
	key string
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
}

// newBreaker creates a closed breaker.
func newBreaker(key string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &Breaker{key: key, cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed transitions to half-open and admits the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.cfg.ResetTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the breaker toward closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure counts a failure; at the threshold the breaker opens.
// A half-open failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's observable state.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Key:                 b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
	}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	if next == StateClosed {
		b.consecutiveFailures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, prev, next)
	}
}

// Stats contains the observable state of a single breaker.
type Stats struct {
	Key                 string    `json:"key"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager manages breakers keyed by (component, operation).
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *log.Logger
}

// NewManager creates a breaker manager with a default config for new keys.
func NewManager(cfg Config) *Manager {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
	if m.cfg.OnStateChange == nil {
		m.cfg.OnStateChange = func(key string, from, to State) {
			m.logger.Printf("State change: %s %s -> %s", key, from, to)
		}
	}
	return m
}

// Get returns the breaker for key, creating it if necessary.
func (m *Manager) Get(component, operation string) *Breaker {
	key := component + ":" + operation

	m.mu.RLock()
	b, exists := m.breakers[key]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = m.breakers[key]; exists {
		return b
	}
	b = newBreaker(key, m.cfg)
	m.breakers[key] = b
	return b
}

// Stats returns snapshots for all breakers.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.breakers))
	for key, b := range m.breakers {
		s := b.Snapshot()
		s.StateName = s.State.String()
		out[key] = s
	}
	return out
}

// AnyOpen reports whether any breaker is currently open.
func (m *Manager) AnyOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}
