package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/engine"
	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// DecodeStruct maps a Struct payload onto out. Unknown fields are rejected.
func DecodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return fmt.Errorf("%w: request is nil", models.ErrInvalidRequest)
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", models.ErrInvalidRequest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", models.ErrInvalidRequest, err)
	}
	return nil
}

// EncodeStruct renders v through its JSON form as a Struct.
func EncodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

func parseAt(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", models.ErrInvalidRequest)
	}
	at, err := utils.ParseTimestamp(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return at, nil
}

func parseHorizon(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := utils.ParseWindow(value)
	if err != nil {
		return 0, fmt.Errorf("%w: horizon: %v", models.ErrInvalidRequest, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: horizon must be positive", models.ErrInvalidRequest)
	}
	return d, nil
}

func parseStrategy(value string) (models.Strategy, error) {
	if value == "" {
		return "", nil
	}
	return models.ParseStrategy(strings.ToLower(value))
}

// ExtractFeaturesRequest asks for the feature vector of one entity.
type ExtractFeaturesRequest struct {
	EntityID  string   `json:"entity_id"`
	Timestamp string   `json:"timestamp"`
	Windows   []string `json:"windows,omitempty"`
	Metrics   []string `json:"metrics,omitempty"`
}

// ToDomain validates the request.
func (r ExtractFeaturesRequest) ToDomain() (string, time.Time, features.WindowConfig, error) {
	if r.EntityID == "" {
		return "", time.Time{}, features.WindowConfig{}, fmt.Errorf("%w: entity_id is required", models.ErrInvalidRequest)
	}
	at, err := parseAt(r.Timestamp)
	if err != nil {
		return "", time.Time{}, features.WindowConfig{}, err
	}
	windows, err := utils.ParseWindows(r.Windows)
	if err != nil {
		return "", time.Time{}, features.WindowConfig{}, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return r.EntityID, at, features.WindowConfig{Windows: windows, Metrics: r.Metrics}, nil
}

// ScoreRequest drives Predict and Explain. With Features set the vector is scored as
// given; otherwise it is extracted at Timestamp.
type ScoreRequest struct {
	EntityID  string             `json:"entity_id"`
	Timestamp string             `json:"timestamp,omitempty"`
	Horizon   string             `json:"horizon,omitempty"`
	Strategy  string             `json:"strategy,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`
	Stale     []string           `json:"stale,omitempty"`
}

// ScoreInput is a validated ScoreRequest.
type ScoreInput struct {
	EntityID string
	At       time.Time
	Horizon  time.Duration
	Strategy models.Strategy
	// Vector is set when the caller supplied features.
	Vector *models.FeatureVector
}

// ToDomain validates the request.
func (r ScoreRequest) ToDomain() (ScoreInput, error) {
	if r.EntityID == "" {
		return ScoreInput{}, fmt.Errorf("%w: entity_id is required", models.ErrInvalidRequest)
	}
	horizon, err := parseHorizon(r.Horizon)
	if err != nil {
		return ScoreInput{}, err
	}
	strategy, err := parseStrategy(r.Strategy)
	if err != nil {
		return ScoreInput{}, err
	}
	in := ScoreInput{EntityID: r.EntityID, Horizon: horizon, Strategy: strategy}
	if r.Timestamp != "" {
		if in.At, err = parseAt(r.Timestamp); err != nil {
			return ScoreInput{}, err
		}
	}
	if len(r.Features) == 0 {
		if in.At.IsZero() {
			return ScoreInput{}, fmt.Errorf("%w: timestamp or features are required", models.ErrInvalidRequest)
		}
		return in, nil
	}
	stale := make(map[string]bool, len(r.Stale))
	for _, name := range r.Stale {
		stale[name] = true
	}
	fv := models.NewFeatureVector(r.EntityID, in.At)
	for name, v := range r.Features {
		fv.Set(name, v, stale[name])
	}
	in.Vector = &fv
	return in, nil
}

// PlanRequest asks for a mitigation plan.
type PlanRequest struct {
	Objectives  []string           `json:"objectives,omitempty"`
	Constraints map[string]float64 `json:"constraints,omitempty"`
	Context     models.PlanContext `json:"context"`
	Timestamp   string             `json:"timestamp"`
	Horizon     string             `json:"horizon,omitempty"`
	Strategy    string             `json:"strategy,omitempty"`
}

// ToDomain validates the request.
func (r PlanRequest) ToDomain() (engine.PlanRequest, error) {
	objectives, err := models.ParseObjectives(r.Objectives)
	if err != nil {
		return engine.PlanRequest{}, err
	}
	at, err := parseAt(r.Timestamp)
	if err != nil {
		return engine.PlanRequest{}, err
	}
	horizon, err := parseHorizon(r.Horizon)
	if err != nil {
		return engine.PlanRequest{}, err
	}
	strategy, err := parseStrategy(r.Strategy)
	if err != nil {
		return engine.PlanRequest{}, err
	}
	return engine.PlanRequest{
		Objectives:  objectives,
		Constraints: models.Constraints(r.Constraints),
		Context:     r.Context,
		At:          at,
		Horizon:     horizon,
		Strategy:    strategy,
	}, nil
}

// SimulateRequest describes a what-if scenario.
type SimulateRequest struct {
	Scenario      string             `json:"scenario,omitempty"`
	Failures      []string           `json:"failures,omitempty"`
	Variations    map[string]float64 `json:"variations,omitempty"`
	Timestamp     string             `json:"timestamp"`
	Horizon       string             `json:"horizon,omitempty"`
	Strategy      string             `json:"strategy,omitempty"`
	Replan        bool               `json:"replan,omitempty"`
	Objectives    []string           `json:"objectives,omitempty"`
	Constraints   map[string]float64 `json:"constraints,omitempty"`
	CriticalFlows []models.Flow      `json:"critical_flows,omitempty"`
}

// ToDomain validates the request.
func (r SimulateRequest) ToDomain() (models.SimulationRequest, error) {
	at, err := parseAt(r.Timestamp)
	if err != nil {
		return models.SimulationRequest{}, err
	}
	horizon, err := parseHorizon(r.Horizon)
	if err != nil {
		return models.SimulationRequest{}, err
	}
	strategy, err := parseStrategy(r.Strategy)
	if err != nil {
		return models.SimulationRequest{}, err
	}
	var objectives []models.Objective
	if len(r.Objectives) > 0 {
		if objectives, err = models.ParseObjectives(r.Objectives); err != nil {
			return models.SimulationRequest{}, err
		}
	}
	return models.SimulationRequest{
		Scenario:      r.Scenario,
		Failures:      r.Failures,
		Variations:    r.Variations,
		At:            at,
		Horizon:       horizon,
		Strategy:      strategy,
		Replan:        r.Replan,
		Objectives:    objectives,
		Constraints:   models.Constraints(r.Constraints),
		CriticalFlows: r.CriticalFlows,
	}, nil
}

// IngestTopologyRequest replaces the served topology.
type IngestTopologyRequest struct {
	Nodes []models.Node `json:"nodes"`
	Links []models.Link `json:"links"`
}

// ToDomain validates the request shape; graph validation happens on ingestion.
func (r IngestTopologyRequest) ToDomain() (models.Topology, error) {
	if len(r.Nodes) == 0 {
		return models.Topology{}, fmt.Errorf("%w: topology has no nodes", models.ErrInvalidRequest)
	}
	return models.Topology{Nodes: r.Nodes, Links: r.Links}, nil
}

// TopologyResponse describes one topology snapshot.
type TopologyResponse struct {
	Generation uint64        `json:"generation"`
	LoadedAt   string        `json:"loaded_at"`
	Nodes      []models.Node `json:"nodes"`
	Links      []models.Link `json:"links"`
}

// NewTopologyResponse renders a snapshot. withGraph controls whether nodes and links are included.
func NewTopologyResponse(gen uint64, loadedAt time.Time, t models.Topology, withGraph bool) TopologyResponse {
	resp := TopologyResponse{
		Generation: gen,
		LoadedAt:   loadedAt.UTC().Format(time.RFC3339Nano),
		Nodes:      []models.Node{},
		Links:      []models.Link{},
	}
	if withGraph {
		resp.Nodes = t.Nodes
		resp.Links = t.Links
	}
	return resp
}

// FeatureImportanceResponse lists the learned classifier's features by weight.
type FeatureImportanceResponse struct {
	ModelVersion string                    `json:"model_version"`
	Features     []model.FeatureImportance `json:"features"`
}

// HealthResponse reports serving state with the engine status.
type HealthResponse struct {
	Status     string            `json:"status"`
	Engine     engine.Status     `json:"engine"`
	LatencyP95 map[string]string `json:"latency_p95,omitempty"`
}
