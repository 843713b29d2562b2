// Package engine exposes the risk operations over shared, read-only state: the
// current topology snapshot, telemetry and the model registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/explain"
	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/planner"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// TopologyProvider fetches the raw network graph.
type TopologyProvider interface {
	FetchTopology(ctx context.Context) (models.Topology, error)
}

// Options configure defaults applied to requests that leave them out. Zero values
// select the package defaults; configuration rejects a zero impact threshold.
type Options struct {
	Windows         features.WindowConfig
	Horizon         time.Duration
	ImpactThreshold float64
	Parallelism     int
}

// Engine wires the feature store, model registry, explainer, planner and simulator.
type Engine struct {
	logger    *slog.Logger
	topology  *topology.Store
	telemetry telemetry.Source
	features  *features.Store
	registry  *model.Registry
	explainer *explain.Explainer
	planner   *planner.Planner
	simulator *planner.Simulator
	scores    *cache.ScoreCache
	opts      Options
}

// New constructs an engine. scores may be nil to disable memoization.
func New(
	logger *slog.Logger,
	topo *topology.Store,
	tel telemetry.Source,
	registry *model.Registry,
	explainer *explain.Explainer,
	pl *planner.Planner,
	scores *cache.ScoreCache,
	opts Options,
) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if topo == nil || tel == nil || registry == nil {
		return nil, fmt.Errorf("engine needs a topology store, telemetry and a model registry")
	}
	windows, err := opts.Windows.Normalize()
	if err != nil {
		return nil, err
	}
	opts.Windows = windows
	if opts.Horizon <= 0 {
		opts.Horizon = planner.DefaultHorizon
	}
	if opts.ImpactThreshold <= 0 {
		opts.ImpactThreshold = planner.ImpactThreshold
	}
	if explainer == nil {
		explainer = explain.New(0)
	}
	if pl == nil {
		pl = planner.New(planner.Options{Parallelism: opts.Parallelism}, logger)
	}
	if scores == nil {
		scores = cache.NewScoreCache(nil, 0)
	}
	storeOpts := []features.Option{features.WithLogger(logger), features.WithParallelism(opts.Parallelism)}
	if inc, ok := tel.(features.IncidentSource); ok {
		storeOpts = append(storeOpts, features.WithIncidents(inc))
	}
	return &Engine{
		logger:    logger,
		topology:  topo,
		telemetry: tel,
		features:  features.NewStore(tel, storeOpts...),
		registry:  registry,
		explainer: explainer,
		planner:   pl,
		simulator: planner.NewSimulator(pl, opts.Parallelism, logger),
		scores:    scores,
		opts:      opts,
	}, nil
}

// Windows returns the default window configuration.
func (e *Engine) Windows() features.WindowConfig { return e.opts.Windows }

// Horizon returns the default prediction horizon.
func (e *Engine) Horizon() time.Duration { return e.opts.Horizon }

// Registry exposes the model registry.
func (e *Engine) Registry() *model.Registry { return e.registry }

// IngestTopology validates t and swaps it in atomically.
func (e *Engine) IngestTopology(t models.Topology) (*topology.Snapshot, error) {
	snap, err := e.topology.Swap(t)
	if err != nil {
		return nil, err
	}
	e.logger.Info("topology ingested",
		slog.Uint64("generation", snap.Generation),
		slog.Int("nodes", len(t.Nodes)),
		slog.Int("links", len(t.Links)))
	return snap, nil
}

// RefreshTopology pulls the graph from provider and ingests it.
func (e *Engine) RefreshTopology(ctx context.Context, provider TopologyProvider) (*topology.Snapshot, error) {
	t, err := provider.FetchTopology(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch topology: %w", err)
	}
	return e.IngestTopology(t)
}

// ReloadModel fetches learned parameters through the registry's loader.
func (e *Engine) ReloadModel(ctx context.Context) error {
	return e.registry.Reload(ctx)
}

// Status summarises the shared state.
type Status struct {
	TopologyGeneration uint64          `json:"topology_generation"`
	DefaultStrategy    models.Strategy `json:"default_strategy"`
	LearnedReady       bool            `json:"learned_ready"`
	ModelVersion       string          `json:"model_version"`
}

// Status reports topology generation and model readiness.
func (e *Engine) Status() Status {
	return Status{
		TopologyGeneration: e.topology.Generation(),
		DefaultStrategy:    e.registry.Default(),
		LearnedReady:       e.registry.Learned().Ready(),
		ModelVersion:       e.registry.Version(),
	}
}

// FeatureImportance ranks the learned classifier's features by coefficient magnitude.
func (e *Engine) FeatureImportance() (string, []model.FeatureImportance, error) {
	p, ok := e.registry.Learned().Params()
	if !ok {
		return "", nil, &models.ModelNotReadyError{Strategy: models.StrategyLearned, Reason: "no trained parameters loaded"}
	}
	return p.Version, p.Importance(), nil
}

// Topology returns the live snapshot.
func (e *Engine) Topology() (*topology.Snapshot, error) {
	return e.topology.Snapshot()
}

// currentGraph returns the live snapshot, or nil before the first ingestion.
func (e *Engine) currentGraph() *topology.Graph {
	g, err := e.topology.Graph()
	if err != nil {
		return nil
	}
	return g
}

// checkEntity validates id against g; a nil graph accepts any id.
func checkEntity(g *topology.Graph, id string) error {
	if id == "" {
		return fmt.Errorf("%w: entity id is required", models.ErrInvalidRequest)
	}
	if g != nil && !g.Has(id) {
		return fmt.Errorf("%w: %s", models.ErrUnknownEntity, id)
	}
	return nil
}

// ExtractFeatures computes the feature vector of an entity. A zero window config uses
// the engine defaults.
func (e *Engine) ExtractFeatures(ctx context.Context, entityID string, at time.Time, cfg features.WindowConfig) (models.FeatureVector, error) {
	return e.extractOn(ctx, e.currentGraph(), entityID, at, cfg)
}

func (e *Engine) extractOn(ctx context.Context, g *topology.Graph, entityID string, at time.Time, cfg features.WindowConfig) (models.FeatureVector, error) {
	if err := checkEntity(g, entityID); err != nil {
		return models.FeatureVector{}, err
	}
	if at.IsZero() {
		return models.FeatureVector{}, fmt.Errorf("%w: timestamp is required", models.ErrInvalidRequest)
	}
	if len(cfg.Windows) == 0 && len(cfg.Metrics) == 0 {
		cfg = e.opts.Windows
	}
	return e.features.Extract(ctx, entityID, at, cfg)
}

// Predict scores a feature vector with the selected strategy.
func (e *Engine) Predict(_ context.Context, entityID string, fv models.FeatureVector, horizon time.Duration, strategy models.Strategy) (models.RiskScore, error) {
	if entityID == "" {
		entityID = fv.EntityID
	}
	if entityID == "" {
		return models.RiskScore{}, fmt.Errorf("%w: entity id is required", models.ErrInvalidRequest)
	}
	if horizon <= 0 {
		horizon = e.opts.Horizon
	}
	s, err := e.registry.Get(strategy)
	if err != nil {
		return models.RiskScore{}, err
	}
	return s.Predict(entityID, fv, horizon)
}

// Score extracts and predicts, memoizing by feature content and model version.
func (e *Engine) Score(ctx context.Context, entityID string, at time.Time, horizon time.Duration, strategy models.Strategy) (models.RiskScore, models.FeatureVector, error) {
	return e.scoreOn(ctx, e.currentGraph(), entityID, at, horizon, strategy)
}

// scoreOn scores against a fixed snapshot so one request never sees two generations.
func (e *Engine) scoreOn(ctx context.Context, g *topology.Graph, entityID string, at time.Time, horizon time.Duration, strategy models.Strategy) (models.RiskScore, models.FeatureVector, error) {
	fv, err := e.extractOn(ctx, g, entityID, at, features.WindowConfig{})
	if err != nil {
		return models.RiskScore{}, models.FeatureVector{}, err
	}
	if horizon <= 0 {
		horizon = e.opts.Horizon
	}
	if strategy == "" {
		strategy = e.registry.Default()
	}
	key := cache.ScoreKey(fv, horizon, strategy, e.registry.Version())
	if rs, ok, err := e.scores.Get(ctx, key); err != nil {
		e.logger.Warn("score cache read failed", slog.Any("error", err))
	} else if ok {
		return rs, fv, nil
	}
	rs, err := e.Predict(ctx, entityID, fv, horizon, strategy)
	if err != nil {
		return models.RiskScore{}, fv, err
	}
	if err := e.scores.Put(ctx, key, rs); err != nil {
		e.logger.Warn("score cache write failed", slog.Any("error", err))
	}
	return rs, fv, nil
}

// Explain renders a risk score.
func (e *Engine) Explain(rs models.RiskScore) explain.Explanation {
	return e.explainer.Explain(rs)
}

// PlanRequest asks for a plan at a reference time. Scores are computed for the
// impacted entities; with an empty impacted list every entity scoring at or above
// the impact threshold is addressed.
type PlanRequest struct {
	Objectives  []models.Objective
	Constraints models.Constraints
	Context     models.PlanContext
	At          time.Time
	Horizon     time.Duration
	Strategy    models.Strategy
}

// Plan scores the impacted entities and runs the planner on the current snapshot.
// Entities that cannot be scored become diagnostics; a strategy that is not ready
// fails the whole request.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) (models.Plan, error) {
	g, err := e.topology.Graph()
	if err != nil {
		return models.Plan{}, err
	}
	if req.At.IsZero() {
		return models.Plan{}, fmt.Errorf("%w: timestamp is required", models.ErrInvalidRequest)
	}
	explicit := len(req.Context.Impacted) > 0
	candidates := req.Context.Impacted
	if !explicit {
		candidates = g.EntityIDs()
	}

	scores := make(map[string]models.RiskScore, len(candidates))
	var impacted []string
	var diags []models.Diagnostic
	for _, id := range dedup(candidates) {
		if !g.Has(id) {
			impacted = append(impacted, id)
			continue
		}
		rs, _, err := e.scoreOn(ctx, g, id, req.At, req.Horizon, req.Strategy)
		var gap *models.DataGapError
		switch {
		case err == nil:
		case errors.As(err, &gap):
			if explicit {
				diags = append(diags, models.Diagnostic{EntityID: id, Code: models.DiagnosticDataGap, Message: err.Error()})
			}
			continue
		default:
			return models.Plan{}, err
		}
		scores[id] = rs
		if explicit || rs.Score >= e.opts.ImpactThreshold {
			impacted = append(impacted, id)
		}
	}

	pctx := req.Context
	pctx.Impacted = impacted
	if pctx.Utilization == nil {
		util, err := planner.CollectUtilization(ctx, e.telemetry, g, req.At)
		if err != nil {
			return models.Plan{}, err
		}
		pctx.Utilization = util
	}
	plan, err := e.planner.Plan(ctx, g, scores, planner.Request{
		Objectives:  req.Objectives,
		Constraints: req.Constraints,
		Context:     pctx,
	})
	if err != nil {
		return models.Plan{}, err
	}
	if len(diags) > 0 {
		plan.Diagnostics = append(diags, plan.Diagnostics...)
		sort.SliceStable(plan.Diagnostics, func(i, j int) bool { return plan.Diagnostics[i].EntityID < plan.Diagnostics[j].EntityID })
	}
	return plan, nil
}

// Simulate runs a what-if scenario against the current snapshot. Live state is
// never modified.
func (e *Engine) Simulate(ctx context.Context, req models.SimulationRequest) (models.SimulationOutcome, error) {
	g, err := e.topology.Graph()
	if err != nil {
		return models.SimulationOutcome{}, err
	}
	if req.At.IsZero() {
		return models.SimulationOutcome{}, fmt.Errorf("%w: timestamp is required", models.ErrInvalidRequest)
	}
	if req.Horizon <= 0 {
		req.Horizon = e.opts.Horizon
	}
	s, err := e.registry.Get(req.Strategy)
	if err != nil {
		return models.SimulationOutcome{}, err
	}
	req.Strategy = s.Kind()
	return e.simulator.Simulate(ctx, planner.Scenario{
		Graph:     g,
		Telemetry: e.telemetry,
		Strategy:  s,
		Windows:   e.opts.Windows,
		Request:   req,
	})
}

func dedup(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
