package api

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/models"
)

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestDecodeExtractFeaturesRequest(t *testing.T) {
	in := mustStruct(t, map[string]any{
		"entity_id": "N1",
		"timestamp": "2024-05-01T10:30:00Z",
		"windows":   []any{"5m", "15"},
	})
	var req ExtractFeaturesRequest
	if err := DecodeStruct(in, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, at, cfg, err := req.ToDomain()
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if id != "N1" || !at.Equal(time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected request %s %s", id, at)
	}
	if len(cfg.Windows) != 2 || cfg.Windows[1] != 15*time.Minute {
		t.Fatalf("unexpected windows %v", cfg.Windows)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	in := mustStruct(t, map[string]any{"entity": "N1"})
	var req ExtractFeaturesRequest
	err := DecodeStruct(in, &req)
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if err := DecodeStruct(nil, &req); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for nil payload, got %v", err)
	}
}

func TestScoreRequestWithFeatures(t *testing.T) {
	in := mustStruct(t, map[string]any{
		"entity_id": "N1",
		"horizon":   "2h",
		"strategy":  "RULE",
		"features":  map[string]any{"cpu_current": 0.9, "cpu_mean_5m": 0.8},
		"stale":     []any{"cpu_mean_5m"},
	})
	var req ScoreRequest
	if err := DecodeStruct(in, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := req.ToDomain()
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if got.Vector == nil || got.Horizon != 2*time.Hour || got.Strategy != models.StrategyRule {
		t.Fatalf("unexpected input %+v", got)
	}
	if !got.Vector.IsStale("cpu_mean_5m") || got.Vector.IsStale("cpu_current") {
		t.Fatalf("stale flags not applied: %v", got.Vector.Stale)
	}
}

func TestScoreRequestNeedsTimestampOrFeatures(t *testing.T) {
	_, err := ScoreRequest{EntityID: "N1"}.ToDomain()
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	_, err = ScoreRequest{EntityID: "N1", Timestamp: "1714559400", Strategy: "oracle"}.ToDomain()
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected unknown strategy to be rejected, got %v", err)
	}
}

func TestPlanRequestToDomain(t *testing.T) {
	req := PlanRequest{
		Objectives:  []string{"preserve_critical_flows", "minimize_risk"},
		Constraints: map[string]float64{"max_latency_ms": 20},
		Context:     models.PlanContext{Impacted: []string{"B"}},
		Timestamp:   "2024-05-01T10:30:00Z",
	}
	got, err := req.ToDomain()
	if err != nil {
		t.Fatalf("to domain: %v", err)
	}
	if len(got.Objectives) != 2 || got.Objectives[0] != models.ObjectivePreserveCriticalFlows {
		t.Fatalf("objective order not preserved: %v", got.Objectives)
	}
	if v, _ := got.Constraints.Get("max_latency_ms"); v != 20 {
		t.Fatalf("unexpected constraints %v", got.Constraints)
	}

	req.Objectives = []string{"maximize_profit"}
	if _, err := req.ToDomain(); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid objective, got %v", err)
	}
}

func TestEncodeStructUsesJSONForm(t *testing.T) {
	rs := models.RiskScore{EntityID: "N1", Horizon: time.Hour, Score: 0.8, Band: models.BandHigh, ETA: 12 * time.Minute, Strategy: models.StrategyRule}
	out, err := EncodeStruct(rs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fields := out.GetFields()
	if fields["horizon"].GetStringValue() != "1h0m0s" || fields["eta"].GetStringValue() != "12m0s" {
		t.Fatalf("unexpected durations %v", fields)
	}
	if fields["score"].GetNumberValue() != 0.8 {
		t.Fatalf("unexpected score %v", fields["score"])
	}
}
