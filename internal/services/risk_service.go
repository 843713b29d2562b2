package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/api"
	"github.com/miradorstack/mirador-risk/internal/engine"
	"github.com/miradorstack/mirador-risk/internal/metrics"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// Operation names used for latency tracking and error wrapping.
const (
	OpExtract  = "extract_features"
	OpPredict  = "predict"
	OpExplain  = "explain"
	OpPlan     = "plan"
	OpSimulate = "simulate"

	OpImportance = "feature_importance"
	OpTopology   = "get_topology"
	OpIngest     = "ingest_topology"
)

// RiskService implements the gRPC RiskEngine service.
type RiskService struct {
	api.UnimplementedRiskEngineServer

	logger    *slog.Logger
	engine    *engine.Engine
	latencies *utils.LatencyTracker
}

// NewRiskService constructs the service facade.
func NewRiskService(logger *slog.Logger, eng *engine.Engine) *RiskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskService{
		logger:    logger,
		engine:    eng,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// StatusFor maps domain errors onto gRPC status codes.
func StatusFor(err error) codes.Code {
	var gap *models.DataGapError
	var notReady *models.ModelNotReadyError
	var infeasible *models.InfeasibleConstraintError
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, models.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, models.ErrUnknownEntity):
		return codes.NotFound
	case errors.As(err, &gap), errors.As(err, &infeasible), errors.Is(err, models.ErrNoTopology):
		return codes.FailedPrecondition
	case errors.As(err, &notReady):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func (s *RiskService) fail(op string, err error) error {
	err = utils.Wrap(op, "request failed", err)
	code := StatusFor(err)
	if code == codes.Internal {
		s.logger.Error("risk operation failed", slog.String("op", op), slog.Any("error", err))
	} else {
		s.logger.Debug("risk request rejected", slog.String("op", op), slog.String("code", code.String()), slog.Any("error", err))
	}
	return status.Error(code, err.Error())
}

func (s *RiskService) ready() error {
	if s.engine == nil {
		return status.Error(codes.FailedPrecondition, "engine not configured")
	}
	return nil
}

func (s *RiskService) observe(op string, d time.Duration) {
	s.latencies.Observe(op, d)
	if count := s.latencies.Count(op); count >= 50 && count%50 == 0 {
		s.logger.Info("operation latency", slog.String("op", op),
			slog.Duration("p95", s.latencies.Percentile(op, 95)), slog.Int("samples", count))
	}
}

func (s *RiskService) respond(op string, v any) (*structpb.Struct, error) {
	out, err := api.EncodeStruct(v)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

// ExtractFeatures returns the feature vector of one entity.
func (s *RiskService) ExtractFeatures(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var req api.ExtractFeaturesRequest
	if err := api.DecodeStruct(in, &req); err != nil {
		return nil, s.fail(OpExtract, err)
	}
	id, at, cfg, err := req.ToDomain()
	if err != nil {
		return nil, s.fail(OpExtract, err)
	}
	start := time.Now()
	fv, err := s.engine.ExtractFeatures(ctx, id, at, cfg)
	s.observe(OpExtract, time.Since(start))
	if err != nil {
		return nil, s.fail(OpExtract, err)
	}
	return s.respond(OpExtract, fv)
}

func (s *RiskService) score(ctx context.Context, in *structpb.Struct) (models.RiskScore, error) {
	var req api.ScoreRequest
	if err := api.DecodeStruct(in, &req); err != nil {
		return models.RiskScore{}, err
	}
	input, err := req.ToDomain()
	if err != nil {
		return models.RiskScore{}, err
	}
	strategy := input.Strategy
	if strategy == "" {
		strategy = s.engine.Registry().Default()
	}

	start := time.Now()
	var rs models.RiskScore
	if input.Vector != nil {
		rs, err = s.engine.Predict(ctx, input.EntityID, *input.Vector, input.Horizon, strategy)
	} else {
		rs, _, err = s.engine.Score(ctx, input.EntityID, input.At, input.Horizon, strategy)
	}
	duration := time.Since(start)
	s.observe(OpPredict, duration)
	if err != nil {
		metrics.ObservePrediction(string(strategy), "", duration, metrics.OutcomeError)
		return models.RiskScore{}, err
	}
	metrics.ObservePrediction(string(rs.Strategy), string(rs.Band), duration, metrics.OutcomeSuccess)
	return rs, nil
}

// Predict scores an entity from telemetry or from caller supplied features.
func (s *RiskService) Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rs, err := s.score(ctx, in)
	if err != nil {
		return nil, s.fail(OpPredict, err)
	}
	return s.respond(OpPredict, rs)
}

// Explain scores an entity and renders the result for operators.
func (s *RiskService) Explain(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rs, err := s.score(ctx, in)
	if err != nil {
		return nil, s.fail(OpExplain, err)
	}
	return s.respond(OpExplain, s.engine.Explain(rs))
}

// Plan builds a mitigation plan against the current topology.
func (s *RiskService) Plan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var req api.PlanRequest
	if err := api.DecodeStruct(in, &req); err != nil {
		return nil, s.fail(OpPlan, err)
	}
	domainReq, err := req.ToDomain()
	if err != nil {
		return nil, s.fail(OpPlan, err)
	}

	start := time.Now()
	plan, err := s.engine.Plan(ctx, domainReq)
	duration := time.Since(start)
	s.observe(OpPlan, duration)
	if err != nil {
		metrics.ObservePlan(duration, metrics.OutcomeError, nil)
		return nil, s.fail(OpPlan, err)
	}
	diagnostics := make(map[string]int)
	for _, d := range plan.Diagnostics {
		diagnostics[string(d.Code)]++
	}
	metrics.ObservePlan(duration, metrics.OutcomeSuccess, diagnostics)
	s.logger.Debug("plan served", slog.String("plan_id", plan.ID),
		slog.Int("actions", len(plan.Actions)), slog.Int("diagnostics", len(plan.Diagnostics)))
	return s.respond(OpPlan, plan)
}

// Simulate runs a what-if scenario.
func (s *RiskService) Simulate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var req api.SimulateRequest
	if err := api.DecodeStruct(in, &req); err != nil {
		return nil, s.fail(OpSimulate, err)
	}
	domainReq, err := req.ToDomain()
	if err != nil {
		return nil, s.fail(OpSimulate, err)
	}

	start := time.Now()
	out, err := s.engine.Simulate(ctx, domainReq)
	s.observe(OpSimulate, time.Since(start))
	if err != nil {
		metrics.ObserveSimulation(metrics.OutcomeError)
		return nil, s.fail(OpSimulate, err)
	}
	metrics.ObserveSimulation(metrics.OutcomeSuccess)
	return s.respond(OpSimulate, out)
}

// FeatureImportance ranks the learned model's features. Unavailable until trained
// parameters are loaded.
func (s *RiskService) FeatureImportance(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var req struct{}
	if err := api.DecodeStruct(in, &req); err != nil {
		return nil, s.fail(OpImportance, err)
	}
	version, ranked, err := s.engine.FeatureImportance()
	if err != nil {
		return nil, s.fail(OpImportance, err)
	}
	return s.respond(OpImportance, api.FeatureImportanceResponse{ModelVersion: version, Features: ranked})
}

// GetTopology returns the served snapshot.
func (s *RiskService) GetTopology(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var req struct{}
	if err := api.DecodeStruct(in, &req); err != nil {
		return nil, s.fail(OpTopology, err)
	}
	snap, err := s.engine.Topology()
	if err != nil {
		return nil, s.fail(OpTopology, err)
	}
	return s.respond(OpTopology, api.NewTopologyResponse(snap.Generation, snap.LoadedAt, snap.Graph.Topology(), true))
}

// IngestTopology validates and swaps in a new topology.
func (s *RiskService) IngestTopology(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var req api.IngestTopologyRequest
	if err := api.DecodeStruct(in, &req); err != nil {
		return nil, s.fail(OpIngest, err)
	}
	t, err := req.ToDomain()
	if err != nil {
		return nil, s.fail(OpIngest, err)
	}
	snap, err := s.engine.IngestTopology(t)
	if err != nil {
		return nil, s.fail(OpIngest, err)
	}
	metrics.SetTopologyGeneration(snap.Generation)
	return s.respond(OpIngest, api.NewTopologyResponse(snap.Generation, snap.LoadedAt, t, false))
}

// HealthCheck reports serving state, topology generation and model readiness.
func (s *RiskService) HealthCheck(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := api.HealthResponse{Status: "SERVING"}
	if s.engine == nil {
		resp.Status = "NOT_SERVING"
		return s.respond("health", resp)
	}
	resp.Engine = s.engine.Status()
	metrics.SetTopologyGeneration(resp.Engine.TopologyGeneration)
	if resp.Engine.TopologyGeneration == 0 {
		resp.Status = "NO_TOPOLOGY"
	}
	ops := s.latencies.Operations()
	if len(ops) > 0 {
		resp.LatencyP95 = make(map[string]string, len(ops))
		for _, op := range ops {
			resp.LatencyP95[op] = s.LatencyP95(op).String()
		}
	}
	return s.respond("health", resp)
}

// LatencyP95 returns the current p95 latency of op.
func (s *RiskService) LatencyP95(op string) time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(op, 95)
}
