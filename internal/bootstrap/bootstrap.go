// Package bootstrap wires configuration into a running engine. It is shared by the
// gRPC service and the offline CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/engine"
	"github.com/miradorstack/mirador-risk/internal/explain"
	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/planner"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// Runtime holds the wired components.
type Runtime struct {
	Engine   *engine.Engine
	Topology engine.TopologyProvider
	// Fixture is set when telemetry is served from the local fixture directory.
	Fixture *ingest.Fixture
	Cache   cache.Provider
	Params  *model.FileParamsLoader

	cfg    *config.Config
	logger *slog.Logger
}

// WindowConfig converts the features section.
func WindowConfig(cfg config.FeaturesConfig) features.WindowConfig {
	return features.WindowConfig{Windows: cfg.Windows, Metrics: cfg.Metrics}
}

// NewCache returns the Valkey provider when enabled and reachable, the noop provider otherwise.
func NewCache(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NoopProvider{}
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
		KeyPrefix:    cfg.KeyPrefix,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable", slog.Any("error", err))
		return cache.NoopProvider{}
	}
	return provider
}

// NewRegistry loads the rule pack and builds the strategies. Learned parameters are
// loaded when present; their absence only disables the learned and hybrid strategies.
func NewRegistry(ctx context.Context, cfg config.ModelConfig, loader model.ParamsLoader, logger *slog.Logger) (*model.Registry, error) {
	pack, err := model.LoadRulePack(cfg.RulesPath, logger)
	if err != nil {
		return nil, err
	}
	reg, err := model.NewRegistry(model.Options{
		RulePack:        pack,
		DefaultStrategy: models.Strategy(cfg.DefaultStrategy),
		Blend:           cfg.Blend,
		TopN:            cfg.TopFactors,
		HybridMode:      cfg.HybridMode,
		HybridWeight:    cfg.HybridWeight,
	}, loader, logger)
	if err != nil {
		return nil, err
	}
	if err := reg.Reload(ctx); err != nil {
		if !model.IsNotReady(err) {
			return nil, fmt.Errorf("load learned parameters: %w", err)
		}
		logger.Warn("learned strategy not ready", slog.Any("reason", err))
	}
	return reg, nil
}

// New wires telemetry, topology, the model registry and the engine from cfg, then
// loads the initial topology.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{cfg: cfg, logger: logger, Params: model.NewFileParamsLoader(cfg.Data.ModelDir)}
	rt.Cache = NewCache(cfg.Cache, logger)

	var tel telemetry.Source
	if cfg.Clients.Core.BaseURL != "" {
		core := cfg.Clients.Core
		client := telemetry.NewClient(core.BaseURL, core.SamplesPath, core.LastPath, core.IncidentsPath, core.TopologyPath,
			core.Timeout, rt.Cache, cfg.Cache.TopologyTTL).WithLogger(logger)
		tel, rt.Topology = client, client
	} else {
		fx, store, err := ingest.LoadStore(cfg.Data.FixtureDir)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("load fixtures from %s: %w", cfg.Data.FixtureDir, err)
		}
		logger.Info("fixtures loaded", slog.String("dir", cfg.Data.FixtureDir),
			slog.Int("samples", store.Len()), slog.Int("incidents", len(fx.Incidents)))
		rt.Fixture = &fx
		tel, rt.Topology = store, fx
	}

	reg, err := NewRegistry(ctx, cfg.Model, rt.Params, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	pl := planner.New(planner.Options{
		MaxCandidates: cfg.Planner.MaxCandidates,
		MaxPathHops:   cfg.Planner.MaxPathHops,
		MaxExpansions: cfg.Planner.MaxExpansions,
		Parallelism:   cfg.Planner.Parallelism,
	}, logger)
	rt.Engine, err = engine.New(logger, topology.NewStore(), tel, reg,
		explain.New(cfg.Planner.MaxExplain), pl, cache.NewScoreCache(rt.Cache, cfg.Cache.ScoreTTL),
		engine.Options{
			Windows:         WindowConfig(cfg.Features),
			Horizon:         cfg.Features.Horizon,
			ImpactThreshold: cfg.Planner.ImpactThreshold,
			Parallelism:     cfg.Features.Parallelism,
		})
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.Refresh(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Refresh fetches and swaps in the topology.
func (r *Runtime) Refresh(ctx context.Context) error {
	snap, err := r.Engine.RefreshTopology(ctx, r.Topology)
	if err != nil {
		return err
	}
	metrics.SetTopologyGeneration(snap.Generation)
	return nil
}

// CriticalFlows returns the fixture's critical flows, if any.
func (r *Runtime) CriticalFlows() []models.Flow {
	if r.Fixture == nil {
		return nil
	}
	return r.Fixture.CriticalFlows
}

// RefreshLoop re-ingests the topology every interval until ctx ends. A failed
// refresh keeps the current snapshot.
func (r *Runtime) RefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("topology refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Close releases the cache connection.
func (r *Runtime) Close() error {
	if r.Cache == nil {
		return nil
	}
	return r.Cache.Close()
}
