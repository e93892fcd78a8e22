package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loader brings the engine into memory from a resolved model directory.
type Loader func(ctx context.Context, modelDir string) (Engine, error)

// Artifacts resolves the local model directory, fetching it first if needed.
type Artifacts interface {
	Ensure(ctx context.Context) (string, error)
}

// Gateway hands out the process-wide engine handle. The first call performs
// artifact resolution and loading exactly once; every later call, concurrent
// or not, observes the same handle or the same fatal error.
type Gateway struct {
	artifacts Artifacts
	load      Loader
	modelDir  string
	logger    *slog.Logger

	once   sync.Once
	engine Engine
	err    error
	ready  atomic.Bool
	failed atomic.Bool
}

// NewGateway builds a gateway. artifacts may be nil, in which case modelDir
// is handed to load as-is.
func NewGateway(artifacts Artifacts, modelDir string, load Loader, logger *slog.Logger) *Gateway {
	return &Gateway{
		artifacts: artifacts,
		load:      load,
		modelDir:  modelDir,
		logger:    logger.With(slog.String("component", "engine-gateway")),
	}
}

// Engine returns the memoized engine, initializing it on first use. Errors
// wrap ErrFatal.
func (g *Gateway) Engine(ctx context.Context) (Engine, error) {
	g.once.Do(func() {
		g.engine, g.err = g.initialize(context.WithoutCancel(ctx))
		g.ready.Store(g.err == nil)
		g.failed.Store(g.err != nil)
	})
	return g.engine, g.err
}

// Loaded reports whether initialization has completed successfully.
func (g *Gateway) Loaded() bool {
	return g.ready.Load()
}

// Failed reports whether initialization was attempted and failed, or the
// loaded engine reports itself broken. The gateway never retries
// initialization.
func (g *Gateway) Failed() bool {
	if g.failed.Load() {
		return true
	}
	if !g.ready.Load() {
		return false
	}
	b, ok := g.engine.(interface{ Broken() bool })
	return ok && b.Broken()
}

func (g *Gateway) initialize(ctx context.Context) (Engine, error) {
	start := time.Now()
	dir := g.modelDir
	if g.artifacts != nil {
		resolved, err := g.artifacts.Ensure(ctx)
		if err != nil {
			g.logger.Error("model artifacts unavailable", slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		dir = resolved
	}
	eng, err := g.load(ctx, dir)
	if err != nil {
		g.logger.Error("engine load failed", slog.String("model_dir", dir), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	g.logger.Info("engine ready",
		slog.String("model_dir", dir),
		slog.Int("sample_rate", eng.SampleRate()),
		slog.Int("speakers", len(eng.Speakers())),
		slog.Duration("latency", time.Since(start)))
	return eng, nil
}

// Close tears down the engine if it was loaded.
func (g *Gateway) Close() error {
	if g.Loaded() {
		return g.engine.Close()
	}
	return nil
}

// Speakers initializes the engine if needed and lists its built-in voices.
func (g *Gateway) Speakers(ctx context.Context) ([]string, error) {
	eng, err := g.Engine(ctx)
	if err != nil {
		return nil, err
	}
	return eng.Speakers(), nil
}
