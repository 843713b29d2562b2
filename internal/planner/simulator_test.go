package planner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

var simStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// chain: A - N0 - B - C, N0 is a cut vertex for flow F (A to B).
func chain(t *testing.T) *topology.Graph {
	t.Helper()
	g, err := topology.New(models.Topology{
		Nodes: []models.Node{
			{ID: "A", Site: "ams1", CPUCapacity: 8},
			{ID: "N0", Site: "ams1", CPUCapacity: 8, Role: models.RoleCritical},
			{ID: "B", Site: "ams1", CPUCapacity: 8},
			{ID: "C", Site: "ams1", CPUCapacity: 8},
		},
		Links: []models.Link{
			{ID: "LA", Source: "A", Target: "N0", BandwidthMbps: 1000, LatencyMs: 5},
			{ID: "LB", Source: "N0", Target: "B", BandwidthMbps: 1000, LatencyMs: 5},
			{ID: "LC", Source: "B", Target: "C", BandwidthMbps: 1000, LatencyMs: 5},
		},
	})
	require.NoError(t, err)
	return g
}

var flowF = models.Flow{ID: "F", Links: []string{"LA", "LB"}}

func chainTelemetry(t *testing.T) *telemetry.MemoryStore {
	t.Helper()
	s := telemetry.NewMemoryStore()
	levels := []struct {
		entity, metric string
		value          float64
	}{
		{"A", models.MetricCPU, 0.3},
		{"N0", models.MetricCPU, 0.5},
		{"B", models.MetricCPU, 0.6},
		{"LA", models.MetricIfUtil, 0.4},
		{"LB", models.MetricIfUtil, 0.4},
		{"LC", models.MetricIfUtil, 0.3},
	}
	var samples []models.MetricSample
	for i := 0; i <= 30; i++ {
		for _, l := range levels {
			samples = append(samples, models.MetricSample{
				EntityID: l.entity, Metric: l.metric, Value: l.value,
				Timestamp: simStart.Add(time.Duration(i) * time.Minute),
			})
		}
	}
	require.NoError(t, s.AppendSorted(samples))
	return s
}

func ruleStrategy(t *testing.T) model.Strategy {
	t.Helper()
	rule, err := model.NewRuleStrategy(model.DefaultRulePack())
	require.NoError(t, err)
	return rule
}

func deltaFor(t *testing.T, o models.SimulationOutcome, id string) models.EntityDelta {
	t.Helper()
	for _, d := range o.Deltas {
		if d.EntityID == id {
			return d
		}
	}
	t.Fatalf("no delta for %s", id)
	return models.EntityDelta{}
}

func TestSimulateCutVertexBreaksCriticalFlow(t *testing.T) {
	g := chain(t)
	tel := chainTelemetry(t)
	p := New(Options{}, nil)
	sim := NewSimulator(p, 4, nil)

	outcome, err := sim.Simulate(context.Background(), Scenario{
		Graph:     g,
		Telemetry: tel,
		Strategy:  ruleStrategy(t),
		Request: models.SimulationRequest{
			Scenario:      "n0-down",
			Failures:      []string{"N0"},
			Variations:    map[string]float64{"B.cpu": 1.5, "C": 2},
			At:            simStart.Add(30 * time.Minute),
			CriticalFlows: []models.Flow{flowF},
			Replan:        true,
		},
	})
	require.NoError(t, err)

	status, ok := outcome.FlowStatusFor("F")
	require.True(t, ok)
	assert.True(t, status.Broken)
	assert.False(t, status.Reroutable)
	assert.Empty(t, status.Via)
	assert.Equal(t, []string{"A"}, outcome.Disconnected)

	ids := make([]string, 0, len(outcome.Deltas))
	for _, d := range outcome.Deltas {
		ids = append(ids, d.EntityID)
	}
	assert.Equal(t, []string{"A", "B", "C", "LA", "LB", "N0"}, ids)

	n0 := deltaFor(t, outcome, "N0")
	assert.True(t, n0.Failed)
	assert.Equal(t, 1.0, n0.After)

	b := deltaFor(t, outcome, "B")
	assert.Equal(t, 0.0, b.Before)
	assert.Equal(t, 1.0, b.After, "cpu 0.6 x 1.15 failover x 1.5 saturates")
	assert.Equal(t, 1.0, b.Delta)

	assert.NotEmpty(t, deltaFor(t, outcome, "C").Note)

	require.NotNil(t, outcome.Plan)
	diag, ok := outcome.Plan.DiagnosticFor("N0")
	require.True(t, ok)
	assert.Equal(t, models.DiagnosticInfeasible, diag.Code)
	assert.Equal(t, []string{"F"}, diag.Flows)
	actions := outcome.Plan.ActionsFor("B")
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionReallocate, actions[0].Kind)
	assert.Equal(t, "C", actions[0].Donor)
	assert.Equal(t, []string{"N0"}, outcome.Plan.Context.Unavailable)
}

func TestSimulateLeavesLiveStateUntouched(t *testing.T) {
	g := chain(t)
	tel := chainTelemetry(t)
	p := New(Options{}, nil)
	sim := NewSimulator(p, 2, nil)
	at := simStart.Add(30 * time.Minute)

	planJSON := func() string {
		util, err := CollectUtilization(context.Background(), tel, g, at)
		require.NoError(t, err)
		plan, err := p.Plan(context.Background(), g, scoresOf(map[string]float64{"B": 0.7, "LC": 0.65}), Request{
			Objectives: []models.Objective{models.ObjectiveBalanceLoad},
			Context: models.PlanContext{
				Impacted:      []string{"B", "LC"},
				CriticalFlows: []models.Flow{flowF},
				Utilization:   util,
			},
		})
		require.NoError(t, err)
		out, err := json.Marshal(plan)
		require.NoError(t, err)
		return string(out)
	}
	before := planJSON()
	samplesBefore := tel.Len()
	topoBefore, err := json.Marshal(g.Topology())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := sim.Simulate(context.Background(), Scenario{
			Graph:     g,
			Telemetry: tel,
			Strategy:  ruleStrategy(t),
			Windows:   features.WindowConfig{Windows: []time.Duration{5 * time.Minute}},
			Request: models.SimulationRequest{
				Failures:      []string{"N0", "LC"},
				Variations:    map[string]float64{"B": 3},
				At:            at,
				CriticalFlows: []models.Flow{flowF},
				Replan:        true,
			},
		})
		require.NoError(t, err)
	}

	assert.Equal(t, before, planJSON())
	assert.Equal(t, samplesBefore, tel.Len())
	topoAfter, err := json.Marshal(g.Topology())
	require.NoError(t, err)
	assert.JSONEq(t, string(topoBefore), string(topoAfter))
	last, ok, err := tel.Last(context.Background(), "B", models.MetricCPU, at)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.6, last.Value)
}

func TestSimulateReroutableFlow(t *testing.T) {
	g, err := topology.New(models.Topology{
		Nodes: []models.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Links: []models.Link{
			{ID: "AB", Source: "A", Target: "B", BandwidthMbps: 100, LatencyMs: 2},
			{ID: "AC", Source: "A", Target: "C", BandwidthMbps: 100, LatencyMs: 3},
			{ID: "CB", Source: "C", Target: "B", BandwidthMbps: 100, LatencyMs: 3},
		},
	})
	require.NoError(t, err)
	tel := telemetry.NewMemoryStore()
	require.NoError(t, tel.Append(models.MetricSample{EntityID: "A", Metric: models.MetricCPU, Timestamp: simStart, Value: 0.2}))

	outcome, err := NewSimulator(New(Options{}, nil), 1, nil).Simulate(context.Background(), Scenario{
		Graph:     g,
		Telemetry: tel,
		Strategy:  ruleStrategy(t),
		Request: models.SimulationRequest{
			Failures:      []string{"AB"},
			At:            simStart.Add(time.Minute),
			CriticalFlows: []models.Flow{{ID: "F", Links: []string{"AB"}}},
		},
	})
	require.NoError(t, err)
	status, ok := outcome.FlowStatusFor("F")
	require.True(t, ok)
	assert.True(t, status.Broken)
	assert.True(t, status.Reroutable)
	assert.Equal(t, []string{"AC", "CB"}, status.Via)
	assert.Equal(t, 6.0, status.LatencyMs)
	assert.Nil(t, outcome.Plan)
	assert.Empty(t, outcome.Disconnected)
}

func TestSimulateValidates(t *testing.T) {
	g := chain(t)
	sim := NewSimulator(New(Options{}, nil), 1, nil)
	base := Scenario{Graph: g, Telemetry: chainTelemetry(t), Strategy: ruleStrategy(t)}

	sc := base
	sc.Request = models.SimulationRequest{Failures: []string{"Q"}, At: simStart}
	_, err := sim.Simulate(context.Background(), sc)
	assert.ErrorIs(t, err, models.ErrUnknownEntity)

	sc.Request = models.SimulationRequest{Variations: map[string]float64{"B": -1}, At: simStart}
	_, err = sim.Simulate(context.Background(), sc)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	sc.Request = models.SimulationRequest{Failures: []string{"N0"}}
	_, err = sim.Simulate(context.Background(), sc)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
