package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultNotifyQueue    = 64
	defaultNotifyCooldown = 15 * time.Minute
)

// AlertNotifier POSTs firing alerts to a webhook on a background worker.
// Each rule name is delivered at most once per cooldown window so a
// condition that stays firing does not flood the channel.
type AlertNotifier struct {
	url      string
	client   *http.Client
	queue    chan Alert
	cooldown time.Duration
	dropped  atomic.Uint64
	logger   *log.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewAlertNotifier builds a notifier for the webhook endpoint. An empty URL
// returns nil; callers treat a nil notifier as disabled.
func NewAlertNotifier(url string, cooldown time.Duration) *AlertNotifier {
	if url == "" {
		return nil
	}
	if cooldown <= 0 {
		cooldown = defaultNotifyCooldown
	}
	return &AlertNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan Alert, defaultNotifyQueue),
		cooldown: cooldown,
		logger:   log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify enqueues the alerts that are outside their cooldown window and
// returns how many were accepted. Enqueueing never blocks; a full queue
// drops the alert and counts it.
func (n *AlertNotifier) Notify(alerts []Alert) int {
	accepted := 0
	for _, a := range alerts {
		if !n.shouldSend(a.Name) {
			continue
		}
		select {
		case n.queue <- a:
			accepted++
		default:
			n.dropped.Add(1)
		}
	}
	return accepted
}

func (n *AlertNotifier) shouldSend(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[name]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[name] = now
	return true
}

// Dropped returns the count of alerts lost to a full queue.
func (n *AlertNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Run drains the queue until the context ends.
func (n *AlertNotifier) Run(ctx context.Context) {
	n.logger.Printf("Alert notifier started: %s", n.url)
	for {
		select {
		case <-ctx.Done():
			n.logger.Println("Alert notifier stopped")
			return
		case a := <-n.queue:
			n.deliver(ctx, a)
		}
	}
}

func (n *AlertNotifier) deliver(ctx context.Context, a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		n.logger.Printf("⚠️ Failed to encode alert: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Printf("⚠️ Failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Printf("⚠️ Webhook delivery failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Printf("⚠️ Webhook rejected alert %s: status %d", a.Name, resp.StatusCode)
	}
	if a.Severity == SeverityCritical {
		n.logger.Printf("🚨 Delivered critical alert %s: %s", a.Name, a.Message)
	}
}

// Watch evaluates the rules against the engine snapshot on an interval and
// forwards anything firing.
func (n *AlertNotifier) Watch(ctx context.Context, engine *Engine, rules []AlertRule, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			firing := EvaluateAlerts(rules, engine.Snapshot(0))
			if len(firing) > 0 {
				n.Notify(firing)
			}
		}
	}
}
