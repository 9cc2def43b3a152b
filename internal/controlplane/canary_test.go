package controlplane

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
)

func testController() (*CanaryController, *time.Time) {
	c := NewCanaryController(CanaryConfig{
		EvalInterval:       time.Minute,
		MinSamplesPerStage: 10,
		MinStageDuration:   15 * time.Minute,
	})
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func healthyBaseline() StageMetrics {
	return StageMetrics{Samples: 1000, ErrorRate: 0.01, WinRate: 0.90, MeanCost: 0.01, P95LatencyMs: 800}
}

func feed(c *CanaryController, n int, success bool, cost, latency, win float64) {
	for i := 0; i < n; i++ {
		c.RecordResult(success, cost, latency, win)
	}
}

func TestOnlyOneRolloutRunsAtATime(t *testing.T) {
	c, _ := testController()

	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)

	_, err = c.Start(testArtifact("v3"), healthyBaseline())
	assert.ErrorIs(t, err, ErrRolloutInProgress)
}

func TestStartRejectsNilCandidate(t *testing.T) {
	c, _ := testController()
	_, err := c.Start(nil, healthyBaseline())
	assert.Error(t, err)
}

func TestStageProgressionPromotesAtFinalStage(t *testing.T) {
	c, now := testController()
	var promoted []string
	c.SetPromoteFunc(func(a *artifact.Artifact) error {
		promoted = append(promoted, a.Version)
		return nil
	})
	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)

	for stage := 0; stage < 4; stage++ {
		// Earlier stages must not publish anything.
		assert.Empty(t, promoted, "stage %d", stage+1)
		feed(c, 20, true, 0.01, 700, 0.92)
		*now = now.Add(16 * time.Minute)
		c.Evaluate()
	}

	assert.Equal(t, []string{"v2"}, promoted)
	assert.Nil(t, c.Active())
	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, RolloutCompleted, history[0].Status)
	for i, st := range history[0].Stages {
		assert.True(t, st.Passed, "stage %d", i+1)
		assert.Equal(t, stagePercents[i], st.Percent)
	}
}

func TestPromotionFailureMarksRolloutFailed(t *testing.T) {
	c, now := testController()
	c.SetPromoteFunc(func(a *artifact.Artifact) error {
		return errors.New("store rejected artifact")
	})
	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)

	for stage := 0; stage < 4; stage++ {
		feed(c, 20, true, 0.01, 700, 0.92)
		*now = now.Add(16 * time.Minute)
		c.Evaluate()
	}

	assert.Nil(t, c.Active())
	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, RolloutFailed, history[0].Status)
	assert.Contains(t, history[0].Reason, "promotion failed")
	assert.Nil(t, c.ArtifactFor("any"))
}

func TestStageHoldsWithoutEnoughSamplesOrTime(t *testing.T) {
	c, now := testController()
	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)

	// Plenty of time but too few samples.
	feed(c, 5, true, 0.01, 700, 0.92)
	*now = now.Add(time.Hour)
	c.Evaluate()
	require.NotNil(t, c.Active())
	assert.Equal(t, 0, c.Active().CurrentStage)

	// Enough samples now.
	feed(c, 10, true, 0.01, 700, 0.92)
	c.Evaluate()
	assert.Equal(t, 1, c.Active().CurrentStage)
}

func TestErrorSpikeTriggersImmediateRollback(t *testing.T) {
	c, _ := testController()
	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)

	feed(c, 8, true, 0.01, 700, 0.92)
	feed(c, 2, false, 0.01, 700, 0.92)
	c.Evaluate()

	assert.Nil(t, c.Active())
	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, RolloutRolledBack, history[0].Status)
	assert.Contains(t, history[0].Reason, "error rate spike")
}

func TestWinRateDropTriggersRollback(t *testing.T) {
	c, _ := testController()
	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)

	// Baseline win rate 0.90; observed 0.75 is a >10pp drop.
	feed(c, 20, true, 0.01, 700, 0.75)
	c.Evaluate()

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, RolloutRolledBack, history[0].Status)
	assert.Contains(t, history[0].Reason, "win rate drop")
}

func TestCostAndLatencyRollbackTriggers(t *testing.T) {
	c, _ := testController()
	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)
	feed(c, 20, true, 0.02, 700, 0.92) // cost 2x baseline
	c.Evaluate()
	require.Len(t, c.History(), 1)
	assert.Contains(t, c.History()[0].Reason, "cost increase")

	c2, _ := testController()
	_, err = c2.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)
	feed(c2, 20, true, 0.01, 1500, 0.92) // latency ~1.9x baseline p95
	c2.Evaluate()
	require.Len(t, c2.History(), 1)
	assert.Contains(t, c2.History()[0].Reason, "latency increase")
}

func TestTrafficSplitIsDeterministicAndBounded(t *testing.T) {
	c, _ := testController()
	candidate := testArtifact("v2")
	_, err := c.Start(candidate, healthyBaseline())
	require.NoError(t, err)

	// Stage 1 carries 5% of traffic; canary-slice requests see the
	// candidate, the rest see nothing.
	canaryCount := 0
	total := 2000
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("req-%d", i)
		first := c.ArtifactFor(id)
		assert.Equal(t, first, c.ArtifactFor(id), "split must be stable per request id")
		if first != nil {
			assert.Equal(t, "v2", first.Version)
			canaryCount++
		}
	}
	share := float64(canaryCount) / float64(total)
	assert.InDelta(t, 0.05, share, 0.03)
}

func TestRollbackDropsCandidateArtifact(t *testing.T) {
	c, _ := testController()
	assert.Nil(t, c.ArtifactFor("any"))
	assert.False(t, c.ShouldRouteCanary("any"))

	_, err := c.Start(testArtifact("v2"), healthyBaseline())
	require.NoError(t, err)
	require.NoError(t, c.Rollback("manual"))

	// Rollback never touched the promote path; the baseline keeps serving
	// everything.
	assert.Nil(t, c.ArtifactFor("any"))
	assert.False(t, c.ShouldRouteCanary("any"))
}

func TestManualRollbackRequiresRunningRollout(t *testing.T) {
	c, _ := testController()
	assert.Error(t, c.Rollback("nothing running"))
}
