package features

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// Index is the nearest-neighbour index contract: given a query vector,
// return up to n centroid ids and their distances, ascending.
type Index interface {
	Nearest(ctx context.Context, vec []float64, n int) (ids []int, distances []float64, err error)
}

// CentroidIndex is a brute-force cosine-distance centroid index. It stands
// in for an external ANN service so the gateway runs standalone; any Index
// implementation can be injected instead.
type CentroidIndex struct {
	mu        sync.RWMutex
	centroids [][]float64
	norms     []float64
}

// NewCentroidIndex builds an index over the given centroid vectors.
func NewCentroidIndex(centroids [][]float64) *CentroidIndex {
	idx := &CentroidIndex{}
	idx.Replace(centroids)
	return idx
}

// Replace swaps in a new centroid set (artifact hot-reload path).
func (c *CentroidIndex) Replace(centroids [][]float64) {
	norms := make([]float64, len(centroids))
	for i, v := range centroids {
		norms[i] = norm(v)
	}
	c.mu.Lock()
	c.centroids = centroids
	c.norms = norms
	c.mu.Unlock()
}

// K returns the number of centroids.
func (c *CentroidIndex) K() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.centroids)
}

// Nearest returns the n closest centroids by cosine distance.
func (c *CentroidIndex) Nearest(_ context.Context, vec []float64, n int) ([]int, []float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.centroids) == 0 {
		return nil, nil, errors.New("index is empty")
	}
	if n <= 0 {
		n = 1
	}

	type pair struct {
		id   int
		dist float64
	}
	pairs := make([]pair, 0, len(c.centroids))
	qn := norm(vec)
	for i, cent := range c.centroids {
		pairs = append(pairs, pair{id: i, dist: cosineDistance(vec, cent, qn, c.norms[i])})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	if n > len(pairs) {
		n = len(pairs)
	}
	ids := make([]int, n)
	dists := make([]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = pairs[i].id
		dists[i] = pairs[i].dist
	}
	return ids, dists, nil
}

func cosineDistance(a, b []float64, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 1.0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dot := 0.0
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	return 1.0 - dot/(na*nb)
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
