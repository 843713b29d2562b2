package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestObservePrediction(t *testing.T) {
	before := testutil.ToFloat64(predictionsTotal.WithLabelValues("rule", "HIGH", OutcomeSuccess))
	ObservePrediction("rule", "HIGH", 3*time.Millisecond, "anything")
	after := testutil.ToFloat64(predictionsTotal.WithLabelValues("rule", "HIGH", OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected one success, got %v", after-before)
	}

	ObservePrediction("learned", "", -time.Second, OutcomeError)
	if v := testutil.ToFloat64(predictionsTotal.WithLabelValues("learned", "none", OutcomeError)); v < 1 {
		t.Fatalf("expected failed prediction under band none, got %v", v)
	}
}

func TestObservePlanCountsDiagnostics(t *testing.T) {
	before := testutil.ToFloat64(infeasibleEntitiesTotal.WithLabelValues("infeasible_constraint"))
	ObservePlan(10*time.Millisecond, OutcomeSuccess, map[string]int{"infeasible_constraint": 2})
	after := testutil.ToFloat64(infeasibleEntitiesTotal.WithLabelValues("infeasible_constraint"))
	if after-before != 2 {
		t.Fatalf("expected two infeasible entities, got %v", after-before)
	}
}

func TestTopologyGeneration(t *testing.T) {
	SetTopologyGeneration(7)
	expected := `
# HELP mirador_risk_topology_generation Generation of the topology snapshot currently served.
# TYPE mirador_risk_topology_generation gauge
mirador_risk_topology_generation 7
`
	if err := testutil.CollectAndCompare(topologyGeneration, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected gauge: %v", err)
	}
}

func TestObserveSimulation(t *testing.T) {
	before := testutil.ToFloat64(simulationsTotal.WithLabelValues(OutcomeError))
	ObserveSimulation(OutcomeError)
	if got := testutil.ToFloat64(simulationsTotal.WithLabelValues(OutcomeError)); got-before != 1 {
		t.Fatalf("expected one failed simulation, got %v", got-before)
	}
}
