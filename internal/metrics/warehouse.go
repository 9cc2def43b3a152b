package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

const defaultWarehouseQueue = 1024

// WarehouseEmitter POSTs metric records to a warehouse endpoint on a
// background worker. Emission is best-effort behind a bounded queue; on
// overflow the oldest pending record is dropped and counted.
type WarehouseEmitter struct {
	url     string
	client  *http.Client
	queue   chan core.MetricRecord
	dropped atomic.Uint64
	logger  *log.Logger
}

// NewWarehouseEmitter builds an emitter for the endpoint. An empty URL
// returns nil; callers treat a nil emitter as disabled.
func NewWarehouseEmitter(url string, queueSize int) *WarehouseEmitter {
	if url == "" {
		return nil
	}
	if queueSize <= 0 {
		queueSize = defaultWarehouseQueue
	}
	return &WarehouseEmitter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan core.MetricRecord, queueSize),
		logger: log.New(log.Writer(), "[WAREHOUSE] ", log.LstdFlags),
	}
}

// Enqueue adds a record for emission without blocking. When the queue is
// full the oldest pending record is evicted.
func (w *WarehouseEmitter) Enqueue(rec core.MetricRecord) {
	for {
		select {
		case w.queue <- rec:
			return
		default:
		}
		select {
		case <-w.queue:
			w.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the count of evicted records.
func (w *WarehouseEmitter) Dropped() uint64 {
	return w.dropped.Load()
}

// Run drains the queue until the context ends.
func (w *WarehouseEmitter) Run(ctx context.Context) {
	w.logger.Printf("Warehouse emitter started: %s", w.url)
	for {
		select {
		case <-ctx.Done():
			w.logger.Println("Warehouse emitter stopped")
			return
		case rec := <-w.queue:
			w.emit(ctx, rec)
		}
	}
}

func (w *WarehouseEmitter) emit(ctx context.Context, rec core.MetricRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.logger.Printf("⚠️ Failed to encode metric record: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Printf("⚠️ Failed to build warehouse request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Printf("⚠️ Warehouse emission failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Printf("⚠️ Warehouse emission rejected: status %d", resp.StatusCode)
	}
}
