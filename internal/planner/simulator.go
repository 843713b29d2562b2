package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// Simulation constants.
const (
	// FailoverFactor scales the load metrics of entities adjacent to a failure.
	FailoverFactor = 1.15
	// ImpactThreshold selects the entities a replan addresses.
	ImpactThreshold = 0.6
	// DefaultHorizon applies when a request carries none.
	DefaultHorizon = time.Hour
)

// DefaultReplanObjectives are used when a replan request names none.
var DefaultReplanObjectives = []models.Objective{models.ObjectiveMinimizeRisk, models.ObjectivePreserveCriticalFlows}

// Scenario binds a simulation request to the state it runs against. The graph and
// telemetry are read, never written.
type Scenario struct {
	Graph     *topology.Graph
	Telemetry telemetry.Source
	Strategy  model.Strategy
	Windows   features.WindowConfig
	Request   models.SimulationRequest
}

// Simulator runs what-if scenarios over overlays of the live state.
type Simulator struct {
	planner     *Planner
	parallelism int
	logger      *slog.Logger
}

// NewSimulator returns a simulator that replans with p.
func NewSimulator(p *Planner, parallelism int, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{planner: p, parallelism: parallelism, logger: logger}
}

// Simulate removes failed entities from a copy of the graph, perturbs the latest
// telemetry through an overlay, rescores affected entities and reports what happens
// to every critical flow. With Replan set it also plans against the perturbed state
// with the failures marked unavailable.
func (s *Simulator) Simulate(ctx context.Context, sc Scenario) (models.SimulationOutcome, error) {
	g := sc.Graph
	req := sc.Request
	if g == nil {
		return models.SimulationOutcome{}, models.ErrNoTopology
	}
	if sc.Strategy == nil || sc.Telemetry == nil {
		return models.SimulationOutcome{}, fmt.Errorf("simulation needs a strategy and telemetry")
	}
	if req.At.IsZero() {
		return models.SimulationOutcome{}, fmt.Errorf("%w: simulation needs a reference time", models.ErrInvalidRequest)
	}
	if req.Horizon <= 0 {
		req.Horizon = DefaultHorizon
	}
	windows, err := sc.Windows.Normalize()
	if err != nil {
		return models.SimulationOutcome{}, err
	}
	if err := models.ValidateVariations(req.Variations); err != nil {
		return models.SimulationOutcome{}, err
	}
	failures := dedupSorted(req.Failures)
	failed := make(map[string]bool, len(failures))
	for _, id := range failures {
		if !g.Has(id) {
			return models.SimulationOutcome{}, fmt.Errorf("%w: failure %s", models.ErrUnknownEntity, id)
		}
		failed[id] = true
	}

	overlay := telemetry.NewOverlay(sc.Telemetry, req.At.Add(-windows.Longest()))
	affected := make(map[string]struct{})
	for _, id := range failures {
		affected[id] = struct{}{}
		for _, adj := range g.Adjacent(id) {
			if failed[adj] {
				continue
			}
			affected[adj] = struct{}{}
			for _, m := range models.LoadMetrics {
				overlay.Scale(adj, m, FailoverFactor)
			}
		}
	}
	keys := make([]string, 0, len(req.Variations))
	for k := range req.Variations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entity, metric := models.SplitVariationKey(key)
		if !g.Has(entity) && g.Has(key) {
			entity, metric = key, ""
		}
		if !g.Has(entity) {
			return models.SimulationOutcome{}, fmt.Errorf("%w: variation target %s", models.ErrUnknownEntity, key)
		}
		overlay.Scale(entity, metric, req.Variations[key])
		affected[entity] = struct{}{}
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	before, err := s.score(ctx, sc.Telemetry, sc, windows, req, ids)
	if err != nil {
		return models.SimulationOutcome{}, err
	}
	after, err := s.score(ctx, overlay, sc, windows, req, ids)
	if err != nil {
		return models.SimulationOutcome{}, err
	}

	outcome := models.SimulationOutcome{
		Scenario: req.Scenario,
		Failures: failures,
		Deltas:   make([]models.EntityDelta, 0, len(ids)),
	}
	replanScores := make(map[string]models.RiskScore, len(ids))
	for _, id := range ids {
		d := models.EntityDelta{EntityID: id, Before: before[id].score.Score}
		switch {
		case failed[id]:
			d.After = 1
			d.Failed = true
			replanScores[id] = failedScore(id, req, sc.Strategy.Kind())
		case after[id].note != "":
			d.Note = after[id].note
		default:
			d.After = after[id].score.Score
			replanScores[id] = after[id].score
		}
		if d.Note == "" && before[id].note != "" {
			d.Note = before[id].note
		}
		d.Delta = round6(d.After - d.Before)
		outcome.Deltas = append(outcome.Deltas, d)
	}

	reduced := g.Without(failures...)
	outcome.Disconnected = reduced.Stranded()
	flows, err := s.flowStatus(g, reduced, failed, req.CriticalFlows)
	if err != nil {
		return models.SimulationOutcome{}, err
	}
	outcome.Flows = flows

	if req.Replan {
		plan, err := s.replan(ctx, g, overlay, replanScores, req, failures)
		if err != nil {
			return models.SimulationOutcome{}, err
		}
		outcome.Plan = &plan
	}
	s.logger.Debug("simulation complete",
		slog.String("scenario", req.Scenario),
		slog.Int("failures", len(failures)),
		slog.Int("affected", len(ids)),
		slog.Int("disconnected", len(outcome.Disconnected)))
	return outcome, nil
}

type scored struct {
	score models.RiskScore
	note  string
}

// score extracts and predicts every id against tel. Data gaps become notes; a model
// that is not ready aborts the simulation.
func (s *Simulator) score(ctx context.Context, tel telemetry.Source, sc Scenario, windows features.WindowConfig, req models.SimulationRequest, ids []string) (map[string]scored, error) {
	opts := []features.Option{features.WithLogger(s.logger), features.WithParallelism(s.parallelism)}
	if inc, ok := tel.(features.IncidentSource); ok {
		opts = append(opts, features.WithIncidents(inc))
	}
	store := features.NewStore(tel, opts...)
	results, err := store.ExtractMany(ctx, ids, req.At, windows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]scored, len(ids))
	for _, res := range results {
		if res.Err != nil {
			var gap *models.DataGapError
			if errors.As(res.Err, &gap) {
				out[res.EntityID] = scored{note: "no telemetry at or before the scenario time"}
				continue
			}
			return nil, res.Err
		}
		rs, err := sc.Strategy.Predict(res.EntityID, res.Vector, req.Horizon)
		if err != nil {
			return nil, err
		}
		out[res.EntityID] = scored{score: rs}
	}
	return out, nil
}

func failedScore(id string, req models.SimulationRequest, kind models.Strategy) models.RiskScore {
	return models.RiskScore{
		EntityID:  id,
		Timestamp: req.At,
		Horizon:   req.Horizon,
		Score:     1,
		Band:      models.BandFor(1),
		Strategy:  kind,
		Factors:   []models.Factor{},
	}
}

// flowStatus checks every critical flow against the reduced graph.
func (s *Simulator) flowStatus(live, reduced *topology.Graph, failed map[string]bool, flows []models.Flow) ([]models.FlowStatus, error) {
	sorted := append([]models.Flow(nil), flows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	out := make([]models.FlowStatus, 0, len(sorted))
	for _, f := range sorted {
		route, err := live.ResolveFlow(f)
		if err != nil {
			return nil, err
		}
		st := models.FlowStatus{FlowID: f.ID}
		if reduced.RouteIntact(route) {
			st.Intact = true
			st.LatencyMs, _ = live.PathLatency(route.Links)
			out = append(out, st)
			continue
		}
		st.Broken = true
		if !failed[route.Source()] && !failed[route.Target()] {
			path, ok := reduced.ShortestPath(topology.PathQuery{
				From:          route.Source(),
				To:            route.Target(),
				MaxHops:       s.planner.opts.MaxPathHops,
				MaxExpansions: s.planner.opts.MaxExpansions,
			})
			if ok {
				st.Reroutable = true
				st.Via = path.Links
				st.LatencyMs = path.LatencyMs
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Simulator) replan(ctx context.Context, g *topology.Graph, tel telemetry.Source, scores map[string]models.RiskScore, req models.SimulationRequest, failures []string) (models.Plan, error) {
	objectives := req.Objectives
	if len(objectives) == 0 {
		objectives = DefaultReplanObjectives
	}
	var impacted []string
	for id, rs := range scores {
		if rs.Score >= ImpactThreshold {
			impacted = append(impacted, id)
		}
	}
	sort.Strings(impacted)
	utilization, err := CollectUtilization(ctx, tel, g, req.At)
	if err != nil {
		return models.Plan{}, err
	}
	return s.planner.Plan(ctx, g, scores, Request{
		Objectives:  objectives,
		Constraints: req.Constraints,
		Context: models.PlanContext{
			Impacted:      impacted,
			CriticalFlows: req.CriticalFlows,
			Utilization:   utilization,
			Unavailable:   failures,
		},
	})
}
