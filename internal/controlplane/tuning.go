package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
	"github.com/sibyllinesoft/heimdall-sub002/internal/metrics"
)

// ErrTrainerUnavailable is returned when no external training process is
// wired in.
var ErrTrainerUnavailable = errors.New("trainer unavailable")

// ErrInsufficientSamples rejects a tuning run below the sample floor.
var ErrInsufficientSamples = errors.New("insufficient samples for tuning")

// Trainer runs the external training process over balanced samples and
// parses its result into an artifact candidate.
type Trainer interface {
	Train(ctx context.Context, samples []core.MetricRecord) (*artifact.Artifact, error)
}

// noopTrainer is the default when no training process is configured.
type noopTrainer struct{}

func (noopTrainer) Train(context.Context, []core.MetricRecord) (*artifact.Artifact, error) {
	return nil, ErrTrainerUnavailable
}

// TuningConfig tunes the weekly schedule and the sample floor.
type TuningConfig struct {
	Weekday    time.Weekday
	HourUTC    int
	MinSamples int
	LogsPath   string
}

func (c TuningConfig) withDefaults() TuningConfig {
	if c.HourUTC < 0 || c.HourUTC > 23 {
		c.HourUTC = 3
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 1000
	}
	return c
}

// TuningPipeline schedules the weekly retraining run: gather samples,
// balance by bucket, train, and hand the candidate to the canary.
type TuningPipeline struct {
	cfg     TuningConfig
	engine  *metrics.Engine
	store   *artifact.Store
	canary  *CanaryController
	trainer Trainer
	logger  *log.Logger

	mu         sync.Mutex
	inProgress bool
	lastRun    time.Time
	lastErr    error

	now func() time.Time
}

// NewTuningPipeline builds the pipeline. A nil trainer installs the
// unavailable default.
func NewTuningPipeline(cfg TuningConfig, engine *metrics.Engine, store *artifact.Store, canary *CanaryController, trainer Trainer) *TuningPipeline {
	if trainer == nil {
		trainer = noopTrainer{}
	}
	return &TuningPipeline{
		cfg:     cfg.withDefaults(),
		engine:  engine,
		store:   store,
		canary:  canary,
		trainer: trainer,
		logger:  log.New(log.Writer(), "[TUNING] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Run fires the pipeline on the weekly schedule until the context ends.
func (p *TuningPipeline) Run(ctx context.Context) error {
	p.logger.Printf("🚀 Tuning pipeline scheduled: %s %02d:00 UTC", p.cfg.Weekday, p.cfg.HourUTC)
	timer := time.NewTimer(p.untilNextRun())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Printf("⚠️ Tuning run skipped: %v", err)
			}
			timer.Reset(p.untilNextRun())
		}
	}
}

func (p *TuningPipeline) untilNextRun() time.Duration {
	now := p.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), p.cfg.HourUTC, 0, 0, 0, time.UTC)
	for next.Weekday() != p.cfg.Weekday || !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// RunOnce executes one tuning cycle. Concurrent runs are rejected.
func (p *TuningPipeline) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	if p.inProgress {
		p.mu.Unlock()
		return errors.New("tuning run already in progress")
	}
	p.inProgress = true
	p.mu.Unlock()

	err := p.run(ctx)

	p.mu.Lock()
	p.inProgress = false
	p.lastRun = p.now()
	p.lastErr = err
	p.mu.Unlock()
	return err
}

func (p *TuningPipeline) run(ctx context.Context) error {
	samples := p.gatherSamples()
	if len(samples) < p.cfg.MinSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(samples), p.cfg.MinSamples)
	}

	balanced := balanceByBucket(samples)
	p.logger.Printf("Tuning run: %d samples (%d after balancing)", len(samples), len(balanced))

	candidate, err := p.trainer.Train(ctx, balanced)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if err := candidate.Validate(nil); err != nil {
		return fmt.Errorf("candidate rejected: %w", err)
	}

	// The candidate stays with the canary; the store keeps serving the
	// baseline until the final stage promotes it.
	baseline := p.baselineMetrics()
	if _, err := p.canary.Start(candidate, baseline); err != nil {
		return fmt.Errorf("canary: %w", err)
	}
	p.logger.Printf("✅ Candidate artifact %s staged behind canary", candidate.Version)
	return nil
}

// gatherSamples merges the in-memory ring with the on-disk journal,
// deduplicating by request id.
func (p *TuningPipeline) gatherSamples() []core.MetricRecord {
	samples := p.engine.Records(7 * 24 * time.Hour)
	if p.cfg.LogsPath == "" {
		return samples
	}
	journal, err := metrics.ReadAll(p.cfg.LogsPath)
	if err != nil {
		p.logger.Printf("⚠️ Failed to read journal: %v", err)
		return samples
	}
	seen := make(map[string]bool, len(samples))
	for _, s := range samples {
		seen[s.RequestID] = true
	}
	for _, rec := range journal {
		if rec.RequestID != "" && seen[rec.RequestID] {
			continue
		}
		samples = append(samples, rec)
	}
	return samples
}

// balanceByBucket truncates each bucket's samples to the smallest non-empty
// bucket size so the trainer sees an even class distribution.
func balanceByBucket(samples []core.MetricRecord) []core.MetricRecord {
	byBucket := make(map[core.Bucket][]core.MetricRecord)
	for _, s := range samples {
		byBucket[s.Bucket] = append(byBucket[s.Bucket], s)
	}

	min := -1
	for _, group := range byBucket {
		if min < 0 || len(group) < min {
			min = len(group)
		}
	}
	if min <= 0 {
		return samples
	}

	out := make([]core.MetricRecord, 0, min*len(byBucket))
	for _, bucket := range []core.Bucket{core.BucketCheap, core.BucketMid, core.BucketHard} {
		group := byBucket[bucket]
		if len(group) > min {
			group = group[len(group)-min:]
		}
		out = append(out, group...)
	}
	return out
}

func (p *TuningPipeline) baselineMetrics() StageMetrics {
	d := p.engine.Snapshot(metrics.DefaultWindow)
	var errRate float64
	if d.TotalRequests > 0 {
		var failures float64
		for _, h := range d.ProviderHealth {
			failures += h.ErrorRate * float64(h.Requests)
		}
		errRate = failures / float64(d.TotalRequests)
	}
	return StageMetrics{
		Samples:      d.TotalRequests,
		ErrorRate:    errRate,
		WinRate:      d.WinRateOverall,
		MeanCost:     d.CostOverall.Mean,
		P95LatencyMs: d.LatencyOverall.P95Ms,
	}
}

// Status reports the pipeline's last run outcome.
func (p *TuningPipeline) Status() (inProgress bool, lastRun time.Time, lastErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inProgress, p.lastRun, p.lastErr
}
