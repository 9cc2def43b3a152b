package metrics

import (
	"log"
	"math"
	"sort"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

const (
	// DefaultWindow is the snapshot window when none is requested.
	DefaultWindow = 24 * time.Hour
	// MinWindow is the smallest accepted snapshot window.
	MinWindow = 5 * time.Minute
)

// CostStats aggregates cost over a record set.
type CostStats struct {
	Mean float64 `json:"mean"`
	P95  float64 `json:"p95"`
}

// LatencyStats aggregates latency over a record set.
type LatencyStats struct {
	MeanMs float64 `json:"mean_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// ProviderHealth summarizes one provider's recent behavior.
type ProviderHealth struct {
	Requests     int       `json:"requests"`
	Availability float64   `json:"availability"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	LastSuccess  time.Time `json:"last_success"`
}

// TrendPoint is one hourly bucket of the 24-point trend.
type TrendPoint struct {
	Hour       time.Time `json:"hour"`
	Requests   int       `json:"requests"`
	ErrorRate  float64   `json:"error_rate"`
	MeanCost   float64   `json:"mean_cost"`
	P95Latency float64   `json:"p95_latency_ms"`
}

// Dashboard is the full snapshot served to the status surface.
type Dashboard struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	Window        time.Duration `json:"window"`
	TotalRequests int           `json:"total_requests"`

	RouteShare map[core.Bucket]float64 `json:"route_share"`

	CostOverall   CostStats                `json:"cost_overall"`
	CostPerBucket map[core.Bucket]CostStats `json:"cost_per_bucket"`

	LatencyOverall     LatencyStats                        `json:"latency_overall"`
	LatencyPerProvider map[core.ProviderKind]LatencyStats  `json:"latency_per_provider"`

	Anthropic429Rate     float64 `json:"anthropic_429_rate"`
	Anthropic429LastHour int     `json:"anthropic_429_last_hour"`
	CooldownUsers        int     `json:"cooldown_users"`

	WinRateOverall   float64                 `json:"win_rate_overall"`
	WinRatePerBucket map[core.Bucket]float64 `json:"win_rate_per_bucket"`

	HourlyTrend []TrendPoint `json:"hourly_trend"`

	ProviderHealth map[core.ProviderKind]ProviderHealth `json:"provider_health"`

	SLO SLOStatus `json:"slo"`
}

// Engine records metric outcomes and computes derived views. Safe for
// concurrent use.
type Engine struct {
	ring      *ring
	warehouse *WarehouseEmitter
	journal   *Journal
	prom      *PromMetrics
	slo       SLOThresholds
	logger    *log.Logger

	cooldownCount func() int
	degraded      func() bool

	startTime time.Time
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWarehouse attaches an async warehouse emitter.
func WithWarehouse(w *WarehouseEmitter) EngineOption {
	return func(e *Engine) { e.warehouse = w }
}

// WithJournal attaches a JSON-lines journal for the tuning pipeline.
func WithJournal(j *Journal) EngineOption {
	return func(e *Engine) { e.journal = j }
}

// WithPrometheus attaches Prometheus collectors.
func WithPrometheus(p *PromMetrics) EngineOption {
	return func(e *Engine) { e.prom = p }
}

// WithCooldownCount supplies the live cooldown-user counter.
func WithCooldownCount(fn func() int) EngineOption {
	return func(e *Engine) { e.cooldownCount = fn }
}

// WithDegradedCheck supplies the artifact-store degraded flag.
func WithDegradedCheck(fn func() bool) EngineOption {
	return func(e *Engine) { e.degraded = fn }
}

// NewEngine builds a metrics engine with the given ring capacity and SLO
// thresholds.
func NewEngine(capacity int, slo SLOThresholds, opts ...EngineOption) *Engine {
	e := &Engine{
		ring:      newRing(capacity),
		slo:       slo.withDefaults(),
		logger:    log.New(log.Writer(), "[METRICS] ", log.LstdFlags),
		startTime: time.Now(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Record stores one completed request's outcome. Never blocks on emission.
func (e *Engine) Record(rec core.MetricRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	e.ring.push(rec)
	if e.prom != nil {
		e.prom.Observe(rec)
	}
	if e.journal != nil {
		e.journal.Append(rec)
	}
	if e.warehouse != nil {
		e.warehouse.Enqueue(rec)
	}
}

// Records returns all buffered records in the window, oldest first.
func (e *Engine) Records(window time.Duration) []core.MetricRecord {
	window = clampWindow(window)
	cutoff := e.now().Add(-window)
	all := e.ring.snapshot()
	out := all[:0:0]
	for _, rec := range all {
		if rec.Timestamp.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// BufferLen returns the number of buffered records.
func (e *Engine) BufferLen() int { return e.ring.len() }

// Snapshot computes the dashboard view over the window.
func (e *Engine) Snapshot(window time.Duration) Dashboard {
	window = clampWindow(window)
	now := e.now()
	recs := e.Records(window)

	d := Dashboard{
		GeneratedAt:        now,
		Window:             window,
		TotalRequests:      len(recs),
		RouteShare:         make(map[core.Bucket]float64),
		CostPerBucket:      make(map[core.Bucket]CostStats),
		LatencyPerProvider: make(map[core.ProviderKind]LatencyStats),
		WinRatePerBucket:   make(map[core.Bucket]float64),
		ProviderHealth:     make(map[core.ProviderKind]ProviderHealth),
	}
	if e.cooldownCount != nil {
		d.CooldownUsers = e.cooldownCount()
	}
	if len(recs) == 0 {
		d.HourlyTrend = e.hourlyTrend(recs, now)
		d.SLO = e.evaluateSLO(recs)
		return d
	}

	var (
		costs        []float64
		latencies    []float64
		bucketCosts  = make(map[core.Bucket][]float64)
		bucketCounts = make(map[core.Bucket]int)
		bucketWins   = make(map[core.Bucket]float64)
		provLat      = make(map[core.ProviderKind][]float64)
		winSum       float64

		anthropicCalls int
		anthropic429s  int
		last429Hour    int
	)
	hourAgo := now.Add(-time.Hour)

	for _, rec := range recs {
		costs = append(costs, rec.CostEstimate)
		latencies = append(latencies, rec.ExecutionTimeMs)
		bucketCosts[rec.Bucket] = append(bucketCosts[rec.Bucket], rec.CostEstimate)
		bucketCounts[rec.Bucket]++
		bucketWins[rec.Bucket] += rec.WinRateVsBaseline
		winSum += rec.WinRateVsBaseline
		provLat[rec.Provider] = append(provLat[rec.Provider], rec.ExecutionTimeMs)

		if rec.Provider == core.ProviderAnthropic {
			anthropicCalls++
		}
		if rec.Anthropic429 {
			anthropic429s++
			if rec.Timestamp.After(hourAgo) {
				last429Hour++
			}
		}

		h := d.ProviderHealth[rec.Provider]
		h.Requests++
		if rec.Success {
			if rec.Timestamp.After(h.LastSuccess) {
				h.LastSuccess = rec.Timestamp
			}
		}
		d.ProviderHealth[rec.Provider] = h
	}

	total := float64(len(recs))
	for bucket, n := range bucketCounts {
		d.RouteShare[bucket] = float64(n) / total
		d.WinRatePerBucket[bucket] = bucketWins[bucket] / float64(n)
	}
	d.WinRateOverall = winSum / total

	d.CostOverall = CostStats{Mean: mean(costs), P95: percentile(costs, 0.95)}
	for bucket, bc := range bucketCosts {
		d.CostPerBucket[bucket] = CostStats{Mean: mean(bc), P95: percentile(bc, 0.95)}
	}

	d.LatencyOverall = LatencyStats{
		MeanMs: mean(latencies),
		P95Ms:  percentile(latencies, 0.95),
		P99Ms:  percentile(latencies, 0.99),
	}
	for prov, pl := range provLat {
		d.LatencyPerProvider[prov] = LatencyStats{
			MeanMs: mean(pl),
			P95Ms:  percentile(pl, 0.95),
			P99Ms:  percentile(pl, 0.99),
		}
	}

	if anthropicCalls > 0 {
		d.Anthropic429Rate = float64(anthropic429s) / float64(anthropicCalls)
	}
	d.Anthropic429LastHour = last429Hour

	// Second pass for provider error rates and latency averages.
	provErrors := make(map[core.ProviderKind]int)
	for _, rec := range recs {
		if !rec.Success {
			provErrors[rec.Provider]++
		}
	}
	for prov, h := range d.ProviderHealth {
		if h.Requests > 0 {
			errRate := float64(provErrors[prov]) / float64(h.Requests)
			h.ErrorRate = errRate
			h.Availability = 1 - errRate
			h.AvgLatencyMs = mean(provLat[prov])
		}
		d.ProviderHealth[prov] = h
	}

	d.HourlyTrend = e.hourlyTrend(recs, now)
	d.SLO = e.evaluateSLO(recs)
	return d
}

// hourlyTrend buckets the records into 24 hourly points, most recent last.
func (e *Engine) hourlyTrend(recs []core.MetricRecord, now time.Time) []TrendPoint {
	points := make([]TrendPoint, 24)
	base := now.Truncate(time.Hour).Add(-23 * time.Hour)
	perHour := make([][]core.MetricRecord, 24)

	for _, rec := range recs {
		idx := int(rec.Timestamp.Sub(base) / time.Hour)
		if idx < 0 || idx > 23 {
			continue
		}
		perHour[idx] = append(perHour[idx], rec)
	}
	for i := range points {
		points[i].Hour = base.Add(time.Duration(i) * time.Hour)
		hourRecs := perHour[i]
		points[i].Requests = len(hourRecs)
		if len(hourRecs) == 0 {
			continue
		}
		var errs int
		var costs, lats []float64
		for _, rec := range hourRecs {
			if !rec.Success {
				errs++
			}
			costs = append(costs, rec.CostEstimate)
			lats = append(lats, rec.ExecutionTimeMs)
		}
		points[i].ErrorRate = float64(errs) / float64(len(hourRecs))
		points[i].MeanCost = mean(costs)
		points[i].P95Latency = percentile(lats, 0.95)
	}
	return points
}

func clampWindow(w time.Duration) time.Duration {
	if w <= 0 {
		return DefaultWindow
	}
	if w < MinWindow {
		return MinWindow
	}
	return w
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile uses nearest-rank on a sorted copy.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
