package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-risk/internal/api"
	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/engine"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store := telemetry.NewMemoryStore()
	var samples []models.MetricSample
	for i := 0; i <= 30; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		samples = append(samples,
			models.MetricSample{EntityID: "A", Metric: models.MetricCPU, Value: 0.3, Timestamp: ts},
			models.MetricSample{EntityID: "B", Metric: models.MetricCPU, Value: 0.99, Timestamp: ts},
			models.MetricSample{EntityID: "C", Metric: models.MetricCPU, Value: 0.3, Timestamp: ts},
			models.MetricSample{EntityID: "L1", Metric: models.MetricIfUtil, Value: 0.2, Timestamp: ts},
			models.MetricSample{EntityID: "L2", Metric: models.MetricIfUtil, Value: 0.2, Timestamp: ts},
			models.MetricSample{EntityID: "L3", Metric: models.MetricIfUtil, Value: 0.2, Timestamp: ts},
		)
	}
	if err := store.AppendSorted(samples); err != nil {
		t.Fatalf("append: %v", err)
	}
	reg, err := model.NewRegistry(model.Options{}, model.StaticParamsLoader{}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := engine.New(nil, topology.NewStore(), store, reg, nil, nil, nil, engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	// Triangle: A-B-C with a direct A-C bypass.
	_, err = eng.IngestTopology(models.Topology{
		Nodes: []models.Node{{ID: "A", CPUCapacity: 8}, {ID: "B", CPUCapacity: 8}, {ID: "C", CPUCapacity: 8}},
		Links: []models.Link{
			{ID: "L1", Source: "A", Target: "B", BandwidthMbps: 1000, LatencyMs: 2},
			{ID: "L2", Source: "B", Target: "C", BandwidthMbps: 1000, LatencyMs: 2},
			{ID: "L3", Source: "A", Target: "C", BandwidthMbps: 1000, LatencyMs: 10},
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return eng
}

func dial(t *testing.T, service api.RiskEngineServer) api.RiskEngineClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerWithListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, service)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewRiskEngineClient(conn)
}

func payload(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestRoundTripOverGRPC(t *testing.T) {
	client := dial(t, NewRiskService(nil, testEngine(t)))
	ctx := context.Background()
	at := base.Add(30 * time.Minute).Format(time.RFC3339)

	health, err := client.HealthCheck(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := health.GetFields()["status"].GetStringValue(); got != "SERVING" {
		t.Fatalf("unexpected health status %q", got)
	}

	pred, err := client.Predict(ctx, payload(t, map[string]any{"entity_id": "B", "timestamp": at}))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if band := pred.GetFields()["band"].GetStringValue(); band != string(models.BandCritical) {
		t.Fatalf("unexpected band %q", band)
	}

	ex, err := client.Explain(ctx, payload(t, map[string]any{"entity_id": "B", "timestamp": at}))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(ex.GetFields()["factors"].GetListValue().GetValues()) == 0 {
		t.Fatal("expected explanation factors")
	}

	plan, err := client.Plan(ctx, payload(t, map[string]any{
		"timestamp": at,
		"context": map[string]any{
			"critical_flows": []any{map[string]any{"id": "F1", "links": []any{"L1", "L2"}}},
		},
	}))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.GetFields()["id"].GetStringValue() == "" {
		t.Fatal("expected a plan id")
	}
	if len(plan.GetFields()["actions"].GetListValue().GetValues()) == 0 {
		t.Fatal("expected actions for the hot transit node")
	}

	sim, err := client.Simulate(ctx, payload(t, map[string]any{
		"timestamp":      at,
		"failures":       []any{"L1"},
		"critical_flows": []any{map[string]any{"id": "F1", "links": []any{"L1", "L2"}}},
	}))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	flows := sim.GetFields()["flows"].GetListValue().GetValues()
	if len(flows) != 1 || !flows[0].GetStructValue().GetFields()["reroutable"].GetBoolValue() {
		t.Fatalf("expected F1 to be reroutable, got %v", flows)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	client := dial(t, NewRiskService(nil, testEngine(t)))
	ctx := context.Background()
	at := base.Add(30 * time.Minute).Format(time.RFC3339)

	cases := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"unknown entity", func() error {
			_, err := client.ExtractFeatures(ctx, payload(t, map[string]any{"entity_id": "Z", "timestamp": at}))
			return err
		}, codes.NotFound},
		{"learned not ready", func() error {
			_, err := client.Predict(ctx, payload(t, map[string]any{"entity_id": "B", "timestamp": at, "strategy": "learned"}))
			return err
		}, codes.Unavailable},
		{"data gap", func() error {
			_, err := client.Predict(ctx, payload(t, map[string]any{"entity_id": "B", "timestamp": base.Add(-time.Hour).Format(time.RFC3339)}))
			return err
		}, codes.FailedPrecondition},
		{"bad timestamp", func() error {
			_, err := client.Simulate(ctx, payload(t, map[string]any{"timestamp": "yesterday"}))
			return err
		}, codes.InvalidArgument},
		{"unknown field", func() error {
			_, err := client.Plan(ctx, payload(t, map[string]any{"timestamp": at, "budget": 3.0}))
			return err
		}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := status.Code(tc.call()); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]codes.Code{
		nil: codes.OK,
		fmt.Errorf("wrap: %w", models.ErrInvalidRequest):                       codes.InvalidArgument,
		models.ErrNoTopology:                                                   codes.FailedPrecondition,
		&models.InfeasibleConstraintError{EntityID: "B"}:                       codes.FailedPrecondition,
		&models.ModelNotReadyError{Strategy: models.StrategyHybrid}:            codes.Unavailable,
		fmt.Errorf("score: %w", &models.DataGapError{EntityID: "B", At: base}): codes.FailedPrecondition,
		context.DeadlineExceeded:                                               codes.DeadlineExceeded,
		errors.New("boom"):                                                     codes.Internal,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("StatusFor(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestServiceWithoutEngine(t *testing.T) {
	svc := NewRiskService(nil, nil)
	_, err := svc.Plan(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	resp, err := svc.HealthCheck(context.Background(), nil)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := resp.GetFields()["status"].GetStringValue(); got != "NOT_SERVING" {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestFeatureImportanceOverGRPC(t *testing.T) {
	eng := testEngine(t)
	client := dial(t, NewRiskService(nil, eng))
	ctx := context.Background()

	_, err := client.FeatureImportance(ctx, &structpb.Struct{})
	if got := status.Code(err); got != codes.Unavailable {
		t.Fatalf("untrained model: got %v, want Unavailable (%v)", got, err)
	}

	err = eng.Registry().Learned().Load(model.LearnedParams{
		Version:      "2024-05-01",
		Features:     []string{"cpu_current", "mem_current", "if_util_current"},
		Means:        []float64{0.4, 0.5, 0.3},
		Stds:         []float64{0.1, 0.1, 0.1},
		Coefficients: []float64{1.5, 0.25, -3},
		AnomalyScale: 1,
	})
	if err != nil {
		t.Fatalf("load params: %v", err)
	}
	out, err := client.FeatureImportance(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("feature importance: %v", err)
	}
	if v := out.GetFields()["model_version"].GetStringValue(); v != "2024-05-01" {
		t.Fatalf("unexpected model version %q", v)
	}
	var names []string
	for _, v := range out.GetFields()["features"].GetListValue().GetValues() {
		names = append(names, v.GetStructValue().GetFields()["feature"].GetStringValue())
	}
	want := []string{"if_util_current", "cpu_current", "mem_current"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("ranking = %v, want %v", names, want)
	}
}

func TestTopologyOverGRPC(t *testing.T) {
	client := dial(t, NewRiskService(nil, testEngine(t)))
	ctx := context.Background()

	got, err := client.GetTopology(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("get topology: %v", err)
	}
	if gen := got.GetFields()["generation"].GetNumberValue(); gen != 1 {
		t.Fatalf("generation = %v, want 1", gen)
	}
	if n := len(got.GetFields()["links"].GetListValue().GetValues()); n != 3 {
		t.Fatalf("links = %d, want 3", n)
	}

	ingested, err := client.IngestTopology(ctx, payload(t, map[string]any{
		"nodes": []any{map[string]any{"id": "A"}, map[string]any{"id": "B"}},
		"links": []any{map[string]any{"id": "L1", "src": "A", "dst": "B", "bandwidth_mbps": 100.0, "latency_ms": 1.0}},
	}))
	if err != nil {
		t.Fatalf("ingest topology: %v", err)
	}
	if gen := ingested.GetFields()["generation"].GetNumberValue(); gen != 2 {
		t.Fatalf("generation after ingest = %v, want 2", gen)
	}

	got, err = client.GetTopology(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("get topology: %v", err)
	}
	if n := len(got.GetFields()["nodes"].GetListValue().GetValues()); n != 2 {
		t.Fatalf("nodes after ingest = %d, want 2", n)
	}

	cases := map[string]map[string]any{
		"disconnected": {
			"nodes": []any{map[string]any{"id": "A"}, map[string]any{"id": "B"}},
		},
		"unknown field": {
			"nodes":  []any{map[string]any{"id": "A"}},
			"routes": []any{},
		},
		"empty": {},
	}
	for name, body := range cases {
		_, err := client.IngestTopology(ctx, payload(t, body))
		if got := status.Code(err); got != codes.InvalidArgument {
			t.Fatalf("%s: got %v, want InvalidArgument (%v)", name, got, err)
		}
	}
	got, err = client.GetTopology(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("get topology: %v", err)
	}
	if gen := got.GetFields()["generation"].GetNumberValue(); gen != 2 {
		t.Fatalf("rejected ingestion changed generation to %v", gen)
	}
}

func TestGetTopologyBeforeIngestion(t *testing.T) {
	reg, err := model.NewRegistry(model.Options{}, model.StaticParamsLoader{}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := engine.New(nil, topology.NewStore(), telemetry.NewMemoryStore(), reg, nil, nil, nil, engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	_, err = dial(t, NewRiskService(nil, eng)).GetTopology(context.Background(), &structpb.Struct{})
	if got := status.Code(err); got != codes.FailedPrecondition {
		t.Fatalf("got %v, want FailedPrecondition", got)
	}
}
