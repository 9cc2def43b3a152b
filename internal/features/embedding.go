package features

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// EmbeddingDim is the nominal embedding dimension.
const EmbeddingDim = 384

// Embedder produces a fixed-dimension embedding for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPEmbedder calls an external embedding service, with a per-text LRU
// cache keyed by content hash.
type HTTPEmbedder struct {
	url    string
	client *http.Client
	cache  *lru.Cache
}

// NewHTTPEmbedder builds an embedder over the given service URL.
// cacheSize is clamped to at least 1000 entries.
func NewHTTPEmbedder(url string, timeout time.Duration, cacheSize int) (*HTTPEmbedder, error) {
	if cacheSize < 1000 {
		cacheSize = 1000
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = DefaultDeadline
	}
	return &HTTPEmbedder{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cache:  cache,
	}, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding for text, serving repeats from cache.
func (h *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := contentHash(text)
	if v, ok := h.cache.Get(key); ok {
		return v.([]float64), nil
	}

	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out embedResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned empty vector")
	}

	h.cache.Add(key, out.Embedding)
	return out.Embedding, nil
}

// CacheLen reports the number of cached embeddings.
func (h *HTTPEmbedder) CacheLen() int {
	return h.cache.Len()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
