package controlplane

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/sibyllinesoft/heimdall-sub002/internal/artifact"
)

// Plane supervises the four background activities plus the artifact
// store's reload ticker.
type Plane struct {
	Store       *artifact.Store
	Catalog     *CatalogRefresher
	Canary      *CanaryController
	Tuning      *TuningPipeline
	Recommender *Recommender

	logger *log.Logger
}

// NewPlane wires the control-plane activities together.
func NewPlane(store *artifact.Store, catalog *CatalogRefresher, canary *CanaryController, tuning *TuningPipeline, rec *Recommender) *Plane {
	return &Plane{
		Store:       store,
		Catalog:     catalog,
		Canary:      canary,
		Tuning:      tuning,
		Recommender: rec,
		logger:      log.New(log.Writer(), "[CONTROL] ", log.LstdFlags),
	}
}

// Run starts every activity and blocks until the context ends or one of
// them fails.
func (p *Plane) Run(ctx context.Context) error {
	p.logger.Println("🚀 Control plane starting")
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.Store.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error { return p.Catalog.Run(ctx) })
	g.Go(func() error { return p.Canary.Run(ctx) })
	g.Go(func() error { return p.Tuning.Run(ctx) })
	g.Go(func() error { return p.Recommender.Run(ctx) })

	err := g.Wait()
	p.logger.Println("Control plane stopped")
	return err
}
