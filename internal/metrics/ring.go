// Package metrics records per-request outcomes and derives the dashboard,
// SLO, and control-plane views from them.
package metrics

import (
	"sync"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// DefaultRingCapacity bounds the in-memory metric buffer.
const DefaultRingCapacity = 50000

// ring is a bounded buffer of metric records that drops the oldest entry on
// overflow. Single writer, snapshot readers.
type ring struct {
	mu    sync.RWMutex
	buf   []core.MetricRecord
	head  int // next write position
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 || capacity > DefaultRingCapacity {
		capacity = DefaultRingCapacity
	}
	return &ring{buf: make([]core.MetricRecord, capacity)}
}

// push appends a record, overwriting the oldest when full.
func (r *ring) push(rec core.MetricRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the records oldest-first.
func (r *ring) snapshot() []core.MetricRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.MetricRecord, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// len returns the number of stored records.
func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
