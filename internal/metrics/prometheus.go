package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// PromMetrics holds the Prometheus collectors for the request path.
type PromMetrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	FailuresTotal       *prometheus.CounterVec
	FallbacksTotal      prometheus.Counter
	Anthropic429Total   prometheus.Counter
	FeatureTimeouts     prometheus.Counter
	EmergencyEscalation prometheus.Counter
	CooldownShorts      prometheus.Counter
	BreakerOpens        prometheus.Counter
	LatencyMs           *prometheus.HistogramVec
	CostPerRequest      *prometheus.HistogramVec
}

// NewPromMetrics registers the router collectors on a fresh registry.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	p := &PromMetrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Completed routing requests by bucket and provider.",
		}, []string{"bucket", "provider"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_failures_total",
			Help: "Failed requests by provider.",
		}, []string{"provider"}),
		FallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_fallbacks_total",
			Help: "Requests that used the fallback provider.",
		}),
		Anthropic429Total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_anthropic_429_total",
			Help: "Upstream Anthropic rate-limit responses.",
		}),
		FeatureTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_feature_timeouts_total",
			Help: "Feature extractions that exceeded the soft deadline.",
		}),
		EmergencyEscalation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_emergency_escalations_total",
			Help: "Guardrail escalations past the hard tier capacity.",
		}),
		CooldownShorts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_cooldown_short_circuits_total",
			Help: "Requests rejected locally by an active user cooldown.",
		}),
		BreakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_breaker_open_total",
			Help: "Requests rejected by an open circuit breaker.",
		}),
		LatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_latency_ms",
			Help:    "Provider call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider"}),
		CostPerRequest: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_cost_per_request_dollars",
			Help:    "Estimated request cost in dollars.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"bucket"}),
	}
	reg.MustRegister(
		p.RequestsTotal,
		p.FailuresTotal,
		p.FallbacksTotal,
		p.Anthropic429Total,
		p.FeatureTimeouts,
		p.EmergencyEscalation,
		p.CooldownShorts,
		p.BreakerOpens,
		p.LatencyMs,
		p.CostPerRequest,
	)
	return p
}

// Registry returns the underlying registry for the exposition handler.
func (p *PromMetrics) Registry() *prometheus.Registry { return p.registry }

// RegisterWarehouseDrops exposes the warehouse queue's eviction counter.
func (p *PromMetrics) RegisterWarehouseDrops(dropped func() uint64) {
	p.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "router_warehouse_drops_total",
		Help: "Metric records evicted from the warehouse queue.",
	}, func() float64 { return float64(dropped()) }))
}

// snapshotCollector exposes the derived dashboard gauges. One engine
// snapshot per scrape.
type snapshotCollector struct {
	engine *Engine

	routeShare   *prometheus.Desc
	meanCost     *prometheus.Desc
	p95Latency   *prometheus.Desc
	p99Latency   *prometheus.Desc
	providerUp   *prometheus.Desc
	winRate      *prometheus.Desc
	rate429      *prometheus.Desc
	cooldownUser *prometheus.Desc
	sloCompliant *prometheus.Desc
}

// RegisterSnapshotCollector adds the dashboard gauges to the registry.
func (p *PromMetrics) RegisterSnapshotCollector(engine *Engine) {
	c := &snapshotCollector{
		engine:       engine,
		routeShare:   prometheus.NewDesc("router_route_share", "Traffic share per bucket.", []string{"bucket"}, nil),
		meanCost:     prometheus.NewDesc("router_mean_cost_dollars", "Mean cost per bucket.", []string{"bucket"}, nil),
		p95Latency:   prometheus.NewDesc("router_p95_latency_ms", "P95 latency per provider.", []string{"provider"}, nil),
		p99Latency:   prometheus.NewDesc("router_p99_latency_ms", "P99 latency per provider.", []string{"provider"}, nil),
		providerUp:   prometheus.NewDesc("router_provider_availability", "Provider availability.", []string{"provider"}, nil),
		winRate:      prometheus.NewDesc("router_win_rate", "Win rate vs baseline per bucket.", []string{"bucket"}, nil),
		rate429:      prometheus.NewDesc("router_anthropic_429_rate", "Anthropic 429 rate.", nil, nil),
		cooldownUser: prometheus.NewDesc("router_cooldown_users", "Users currently in cooldown.", nil, nil),
		sloCompliant: prometheus.NewDesc("router_slo_compliant", "1 when every SLO holds over the window.", nil, nil),
	}
	p.registry.MustRegister(c)
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.routeShare
	ch <- c.meanCost
	ch <- c.p95Latency
	ch <- c.p99Latency
	ch <- c.providerUp
	ch <- c.winRate
	ch <- c.rate429
	ch <- c.cooldownUser
	ch <- c.sloCompliant
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	d := c.engine.Snapshot(DefaultWindow)
	for bucket, share := range d.RouteShare {
		ch <- prometheus.MustNewConstMetric(c.routeShare, prometheus.GaugeValue, share, string(bucket))
	}
	for bucket, cost := range d.CostPerBucket {
		ch <- prometheus.MustNewConstMetric(c.meanCost, prometheus.GaugeValue, cost.Mean, string(bucket))
	}
	for prov, lat := range d.LatencyPerProvider {
		ch <- prometheus.MustNewConstMetric(c.p95Latency, prometheus.GaugeValue, lat.P95Ms, string(prov))
		ch <- prometheus.MustNewConstMetric(c.p99Latency, prometheus.GaugeValue, lat.P99Ms, string(prov))
	}
	for prov, health := range d.ProviderHealth {
		ch <- prometheus.MustNewConstMetric(c.providerUp, prometheus.GaugeValue, health.Availability, string(prov))
	}
	for bucket, wr := range d.WinRatePerBucket {
		ch <- prometheus.MustNewConstMetric(c.winRate, prometheus.GaugeValue, wr, string(bucket))
	}
	ch <- prometheus.MustNewConstMetric(c.rate429, prometheus.GaugeValue, d.Anthropic429Rate)
	ch <- prometheus.MustNewConstMetric(c.cooldownUser, prometheus.GaugeValue, float64(d.CooldownUsers))
	compliant := 0.0
	if d.SLO.Compliant {
		compliant = 1
	}
	ch <- prometheus.MustNewConstMetric(c.sloCompliant, prometheus.GaugeValue, compliant)
}

// Observe updates the collectors from one metric record.
func (p *PromMetrics) Observe(rec core.MetricRecord) {
	p.RequestsTotal.WithLabelValues(string(rec.Bucket), string(rec.Provider)).Inc()
	if !rec.Success {
		p.FailuresTotal.WithLabelValues(string(rec.Provider)).Inc()
	}
	if rec.FallbackUsed {
		p.FallbacksTotal.Inc()
	}
	if rec.Anthropic429 {
		p.Anthropic429Total.Inc()
	}
	switch rec.ErrorKind {
	case "rate_limit_cooldown":
		p.CooldownShorts.Inc()
	case "circuit_open":
		p.BreakerOpens.Inc()
	}
	p.LatencyMs.WithLabelValues(string(rec.Provider)).Observe(rec.ExecutionTimeMs)
	p.CostPerRequest.WithLabelValues(string(rec.Bucket)).Observe(rec.CostEstimate)
}
