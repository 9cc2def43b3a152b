package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catalogFixture serves GET /models and GET /models/{slug} from a mutable
// model list.
type catalogFixture struct {
	mu     sync.Mutex
	models map[string]ModelInfo
	srv    *httptest.Server
}

func newCatalogFixture(models ...ModelInfo) *catalogFixture {
	f := &catalogFixture{models: make(map[string]ModelInfo)}
	for _, m := range models {
		f.models[m.Slug] = m
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.URL.Path == "/models" {
			list := make([]ModelInfo, 0, len(f.models))
			for _, m := range f.models {
				list = append(list, m)
			}
			json.NewEncoder(w).Encode(list)
			return
		}
		slug := strings.TrimPrefix(r.URL.Path, "/models/")
		if m, ok := f.models[slug]; ok {
			json.NewEncoder(w).Encode(m)
			return
		}
		http.NotFound(w, r)
	}))
	return f
}

func (f *catalogFixture) set(m ModelInfo) {
	f.mu.Lock()
	f.models[m.Slug] = m
	f.mu.Unlock()
}

func TestFullRefreshRecordsChangesAgainstPriorSnapshot(t *testing.T) {
	fix := newCatalogFixture(
		ModelInfo{Slug: "openai/gpt-5", PromptPrice: 1.00, ContextWindow: 200000},
		ModelInfo{Slug: "deepseek/deepseek-chat", PromptPrice: 0.10, ContextWindow: 64000},
	)
	defer fix.srv.Close()

	r := NewCatalogRefresher(CatalogRefresherConfig{BaseURL: fix.srv.URL}, testStore(t, "v1"))
	ctx := context.Background()

	// First refresh seeds the snapshot; nothing to diff against.
	require.NoError(t, r.FullRefresh(ctx))
	assert.Empty(t, r.Changes())
	assert.False(t, r.LastFullRefresh().IsZero())

	// A 10% price move is recorded but not significant.
	fix.set(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 1.10, ContextWindow: 200000})
	require.NoError(t, r.FullRefresh(ctx))

	changes := r.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "openai/gpt-5", changes[0].Slug)
	assert.Equal(t, "prompt_price", changes[0].Field)
	assert.InDelta(t, 0.10, changes[0].Magnitude, 1e-9)
	assert.False(t, changes[0].Significant(0.3))
}

func TestSignificantChangeInvalidatesArtifact(t *testing.T) {
	fix := newCatalogFixture(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 1.00, ContextWindow: 200000})
	defer fix.srv.Close()

	store := testStore(t, "v1")
	r := NewCatalogRefresher(CatalogRefresherConfig{BaseURL: fix.srv.URL}, store)
	ctx := context.Background()
	require.NoError(t, r.FullRefresh(ctx))
	require.Empty(t, store.Backups())

	// A 50% price move crosses the 0.3 invalidation threshold.
	fix.set(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 1.50, ContextWindow: 200000})
	require.NoError(t, r.FullRefresh(ctx))

	// The prior artifact was demoted and a fresh copy loaded.
	require.Len(t, store.Backups(), 1)
	assert.Equal(t, "v1", store.Backups()[0].Version)
	require.NotNil(t, store.Current())
	assert.False(t, store.Degraded())
}

func TestDriftCheckEscalatesToFullRefresh(t *testing.T) {
	fix := newCatalogFixture(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 1.00, ContextWindow: 200000})
	defer fix.srv.Close()

	store := testStore(t, "v1")
	r := NewCatalogRefresher(CatalogRefresherConfig{BaseURL: fix.srv.URL}, store)
	ctx := context.Background()
	require.NoError(t, r.FullRefresh(ctx))
	firstFull := r.LastFullRefresh()

	// Light drift stays put.
	fix.set(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 1.20, ContextWindow: 200000})
	require.NoError(t, r.DriftCheck(ctx))
	assert.Equal(t, firstFull, r.LastFullRefresh())

	// Heavy drift forces an immediate full refresh, which also diffs.
	fix.set(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 2.50, ContextWindow: 200000})
	require.NoError(t, r.DriftCheck(ctx))
	assert.True(t, r.LastFullRefresh().After(firstFull) || len(r.Changes()) > 0)
	require.Len(t, store.Backups(), 1)
}

func TestDriftCheckIgnoresUnknownModels(t *testing.T) {
	fix := newCatalogFixture(ModelInfo{Slug: "openai/gpt-5", PromptPrice: 9.99, ContextWindow: 1})
	defer fix.srv.Close()

	r := NewCatalogRefresher(CatalogRefresherConfig{BaseURL: fix.srv.URL}, testStore(t, "v1"))

	// No snapshot yet, so even wild prices cannot register drift.
	require.NoError(t, r.DriftCheck(context.Background()))
	assert.True(t, r.LastFullRefresh().IsZero())
}

func TestRelativeDelta(t *testing.T) {
	assert.InDelta(t, 0.5, relativeDelta(1.0, 1.5), 1e-9)
	assert.InDelta(t, 0.5, relativeDelta(1.0, 0.5), 1e-9)
	// Zero baseline does not divide by zero.
	assert.Greater(t, relativeDelta(0, 1), 1.0)
}
