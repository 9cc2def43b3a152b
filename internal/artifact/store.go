package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when no source (remote, disk, memory) could
// produce an artifact and the emergency default had to be synthesized.
var ErrUnavailable = errors.New("artifact_unavailable")

// StoreConfig configures the artifact store.
type StoreConfig struct {
	// URL of the remote artifact. Schemes: file://, http(s)://, gs:// or
	// s3:// (object stores are fetched over their public HTTPS endpoints).
	URL string
	// CacheDir holds the on-disk copy (latest.json).
	CacheDir string
	// MaxMemoryAge bounds how long the in-memory copy satisfies load(false).
	MaxMemoryAge time.Duration
	// ReloadEvery drives the background hot-reload ticker.
	ReloadEvery time.Duration
	// Candidates is the union of bucket candidate lists, for validation.
	Candidates []string
}

// Store owns the current routing artifact.
type Store struct {
	cfg    StoreConfig
	client *http.Client
	logger *log.Logger

	mu       sync.RWMutex
	current  *Artifact
	loadedAt time.Time
	degraded bool

	// Backups hold demoted prior artifacts, newest first, bounded.
	backups []*Artifact

	stop chan struct{}
	once sync.Once
}

const backupLimit = 3

// NewStore creates an artifact store. Call Load or Run to populate it.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxMemoryAge == 0 {
		cfg.MaxMemoryAge = 10 * time.Minute
	}
	if cfg.ReloadEvery == 0 {
		cfg.ReloadEvery = 5 * time.Minute
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./.cache/artifacts"
	}
	return &Store{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.New(log.Writer(), "[ARTIFACT] ", log.LstdFlags),
		stop:   make(chan struct{}),
	}
}

// Current returns the artifact snapshot in force, or nil before first load.
// The returned pointer is never mutated after publication.
func (s *Store) Current() *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Degraded reports whether the store is serving the emergency artifact.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Backups returns the demoted prior artifacts, newest first.
func (s *Store) Backups() []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Artifact, len(s.backups))
	copy(out, s.backups)
	return out
}

// Load resolves an artifact through the cache chain:
// in-memory (if fresh and !forceRefresh) → remote fetch → on-disk copy →
// emergency default. It never returns a nil artifact; the error, when
// non-nil, wraps ErrUnavailable and signals degraded mode.
func (s *Store) Load(ctx context.Context, forceRefresh bool) (*Artifact, error) {
	s.mu.RLock()
	if !forceRefresh && s.current != nil && !s.degraded && time.Since(s.loadedAt) < s.cfg.MaxMemoryAge {
		a := s.current
		s.mu.RUnlock()
		return a, nil
	}
	s.mu.RUnlock()

	a, err := s.fetchRemote(ctx)
	if err == nil {
		if verr := a.Validate(s.cfg.Candidates); verr != nil {
			s.logger.Printf("⚠️  Rejected remote artifact: %v", verr)
			err = verr
		} else {
			s.publish(a, false)
			s.writeDiskCopy(a)
			return a, nil
		}
	}
	if err != nil && s.cfg.URL != "" {
		s.logger.Printf("⚠️  Remote artifact load failed: %v", err)
	}

	// Keep serving the in-memory copy even past its freshness window
	// rather than failing the request path.
	s.mu.RLock()
	if s.current != nil && !s.degraded {
		a := s.current
		s.mu.RUnlock()
		return a, nil
	}
	s.mu.RUnlock()

	if a, derr := s.readDiskCopy(); derr == nil {
		if verr := a.Validate(s.cfg.Candidates); verr == nil {
			s.publish(a, false)
			s.logger.Printf("Recovered artifact %s from disk cache", a.Version)
			return a, nil
		}
	}

	em := Emergency()
	s.publish(em, true)
	s.logger.Printf("🚨 No artifact available, serving emergency defaults")
	return em, fmt.Errorf("%w: remote and disk cache failed", ErrUnavailable)
}

// Invalidate forces the next Load to hit the remote source and demotes the
// current artifact to the backup list. Used by the catalog refresher when a
// significant catalog change lands.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.degraded {
		s.backups = append([]*Artifact{s.current}, s.backups...)
		if len(s.backups) > backupLimit {
			s.backups = s.backups[:backupLimit]
		}
	}
	s.loadedAt = time.Time{}
}

// Publish installs a new artifact directly (canary promotion path).
func (s *Store) Publish(a *Artifact) error {
	if err := a.Validate(s.cfg.Candidates); err != nil {
		return err
	}
	s.Invalidate()
	s.publish(a, false)
	s.writeDiskCopy(a)
	s.logger.Printf("📦 Published artifact %s", a.Version)
	return nil
}

// Run drives the hot-reload ticker until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReloadEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.Load(ctx, false); err != nil {
				s.logger.Printf("⚠️  Hot reload: %v", err)
			}
		}
	}
}

// Close stops the hot-reload loop.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) publish(a *Artifact, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = a
	s.loadedAt = time.Now()
	s.degraded = degraded
}

// fetchRemote loads the artifact from the configured source, distinguished
// by URL scheme.
func (s *Store) fetchRemote(ctx context.Context) (*Artifact, error) {
	url := s.cfg.URL
	if url == "" {
		return nil, errors.New("no artifact URL configured")
	}

	switch {
	case strings.HasPrefix(url, "file://"):
		return s.readFile(strings.TrimPrefix(url, "file://"))
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return s.fetchHTTP(ctx, url)
	case strings.HasPrefix(url, "gs://"):
		rest := strings.TrimPrefix(url, "gs://")
		return s.fetchHTTP(ctx, "https://storage.googleapis.com/"+rest)
	case strings.HasPrefix(url, "s3://"):
		rest := strings.TrimPrefix(url, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed s3 URL %q", url)
		}
		return s.fetchHTTP(ctx, fmt.Sprintf("https://%s.s3.amazonaws.com/%s", parts[0], parts[1]))
	default:
		// Bare paths are treated as local files.
		return s.readFile(url)
	}
}

func (s *Store) fetchHTTP(ctx context.Context, url string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	return decode(body)
}

func (s *Store) readFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}

func (s *Store) diskPath() string {
	return filepath.Join(s.cfg.CacheDir, "latest.json")
}

func (s *Store) writeDiskCopy(a *Artifact) {
	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		s.logger.Printf("⚠️  Cache dir: %v", err)
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	tmp := s.diskPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Printf("⚠️  Cache write: %v", err)
		return
	}
	if err := os.Rename(tmp, s.diskPath()); err != nil {
		s.logger.Printf("⚠️  Cache rename: %v", err)
	}
}

func (s *Store) readDiskCopy() (*Artifact, error) {
	data, err := os.ReadFile(s.diskPath())
	if err != nil {
		return nil, err
	}
	return decode(data)
}
