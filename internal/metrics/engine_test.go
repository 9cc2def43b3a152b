package metrics

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

func record(provider core.ProviderKind, bucket core.Bucket, success bool, latencyMs, cost float64) core.MetricRecord {
	return core.MetricRecord{
		Timestamp:         time.Now(),
		RequestID:         fmt.Sprintf("req-%d", time.Now().UnixNano()),
		Bucket:            bucket,
		Provider:          provider,
		Model:             "test/model",
		Success:           success,
		ExecutionTimeMs:   latencyMs,
		CostEstimate:      cost,
		WinRateVsBaseline: 1.0,
	}
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.push(core.MetricRecord{RequestID: fmt.Sprintf("r%d", i)})
	}
	recs := r.snapshot()
	require.Len(t, recs, 3)
	assert.Equal(t, "r2", recs[0].RequestID)
	assert.Equal(t, "r4", recs[2].RequestID)
	assert.Equal(t, 3, r.len())
}

func TestRingCapacityIsBounded(t *testing.T) {
	r := newRing(0)
	assert.Equal(t, DefaultRingCapacity, len(r.buf))

	r = newRing(DefaultRingCapacity + 1)
	assert.Equal(t, DefaultRingCapacity, len(r.buf))
}

func TestSnapshotComputesShares(t *testing.T) {
	e := NewEngine(100, SLOThresholds{})
	for i := 0; i < 6; i++ {
		e.Record(record(core.ProviderOpenAI, core.BucketCheap, true, 100, 0.001))
	}
	for i := 0; i < 3; i++ {
		e.Record(record(core.ProviderAnthropic, core.BucketMid, true, 200, 0.01))
	}
	e.Record(record(core.ProviderGoogle, core.BucketHard, false, 900, 0.05))

	d := e.Snapshot(time.Hour)
	assert.Equal(t, 10, d.TotalRequests)
	assert.InDelta(t, 0.6, d.RouteShare[core.BucketCheap], 1e-9)
	assert.InDelta(t, 0.3, d.RouteShare[core.BucketMid], 1e-9)
	assert.InDelta(t, 0.1, d.RouteShare[core.BucketHard], 1e-9)

	assert.InDelta(t, 1.0, d.ProviderHealth[core.ProviderOpenAI].Availability, 1e-9)
	assert.InDelta(t, 0.0, d.ProviderHealth[core.ProviderGoogle].Availability, 1e-9)
	assert.Len(t, d.HourlyTrend, 24)
}

func TestSnapshotIsIdempotent(t *testing.T) {
	e := NewEngine(100, SLOThresholds{})
	for i := 0; i < 20; i++ {
		e.Record(record(core.ProviderOpenAI, core.BucketMid, true, float64(100+i), 0.002))
	}
	a := e.Snapshot(time.Hour)
	b := e.Snapshot(time.Hour)
	assert.Equal(t, a.TotalRequests, b.TotalRequests)
	assert.Equal(t, a.LatencyOverall, b.LatencyOverall)
	assert.Equal(t, a.CostOverall, b.CostOverall)
}

func TestAnthropic429Rate(t *testing.T) {
	e := NewEngine(100, SLOThresholds{})
	for i := 0; i < 4; i++ {
		e.Record(record(core.ProviderAnthropic, core.BucketMid, true, 100, 0.01))
	}
	r := record(core.ProviderAnthropic, core.BucketMid, false, 50, 0)
	r.Anthropic429 = true
	e.Record(r)

	d := e.Snapshot(time.Hour)
	assert.InDelta(t, 0.2, d.Anthropic429Rate, 1e-9)
	assert.Equal(t, 1, d.Anthropic429LastHour)
}

func TestCheckSLOFlagsViolations(t *testing.T) {
	e := NewEngine(1000, SLOThresholds{})
	for i := 0; i < 100; i++ {
		e.Record(record(core.ProviderOpenAI, core.BucketMid, true, 5000, 0.5))
	}

	status := e.CheckSLO(time.Hour)
	require.False(t, status.Compliant)

	names := make(map[string]bool)
	for _, v := range status.Violations {
		names[v.Name] = true
	}
	assert.True(t, names["p95_latency"])
	assert.True(t, names["mean_cost"])
	assert.False(t, names["uptime"], "all requests succeeded")
}

func TestCheckSLOCompliantOnHealthyTraffic(t *testing.T) {
	e := NewEngine(1000, SLOThresholds{})
	for i := 0; i < 100; i++ {
		e.Record(record(core.ProviderOpenAI, core.BucketCheap, true, 300, 0.005))
	}
	status := e.CheckSLO(time.Hour)
	assert.True(t, status.Compliant)
	assert.Empty(t, status.Violations)
}

func TestDeploymentReadinessBlocksOnDegradedArtifact(t *testing.T) {
	degraded := true
	e := NewEngine(100, SLOThresholds{}, WithDegradedCheck(func() bool { return degraded }))

	r := e.DeploymentReadiness()
	require.False(t, r.Ready)
	assert.Contains(t, r.Blockers, "artifact_unavailable")

	degraded = false
	r = e.DeploymentReadiness()
	assert.True(t, r.Ready)
}

func TestWindowIsClamped(t *testing.T) {
	assert.Equal(t, DefaultWindow, clampWindow(0))
	assert.Equal(t, MinWindow, clampWindow(time.Second))
	assert.Equal(t, time.Hour, clampWindow(time.Hour))
}

func TestPercentileNearestRank(t *testing.T) {
	xs := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.Equal(t, 100.0, percentile(xs, 0.99))
	assert.Equal(t, 100.0, percentile(xs, 0.95))
	assert.Equal(t, 50.0, percentile(xs, 0.5))
	assert.Equal(t, 0.0, percentile(nil, 0.95))
}

func TestWarehouseEnqueueDropsOldest(t *testing.T) {
	w := NewWarehouseEmitter("http://example.invalid/metrics", 2)
	for i := 0; i < 5; i++ {
		w.Enqueue(core.MetricRecord{RequestID: fmt.Sprintf("r%d", i)})
	}
	assert.EqualValues(t, 3, w.Dropped())

	// The two newest records remain queued.
	first := <-w.queue
	second := <-w.queue
	assert.Equal(t, "r3", first.RequestID)
	assert.Equal(t, "r4", second.RequestID)
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	j, err := NewJournal(path)
	require.NoError(t, err)

	j.Append(record(core.ProviderOpenAI, core.BucketCheap, true, 120, 0.001))
	j.Append(record(core.ProviderGoogle, core.BucketHard, false, 2500, 0.08))
	require.NoError(t, j.Close())

	recs, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, core.ProviderOpenAI, recs[0].Provider)
	assert.Equal(t, core.BucketHard, recs[1].Bucket)
}

func TestNilJournalIsDisabled(t *testing.T) {
	j, err := NewJournal("")
	require.NoError(t, err)
	assert.Nil(t, j)

	assert.Nil(t, NewWarehouseEmitter("", 0))
}
