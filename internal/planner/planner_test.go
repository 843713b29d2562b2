package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// diamond: A-B-D is the fast path (10 ms), A-C-D the slow one (100 ms), E hangs off D.
func diamond(t *testing.T) *topology.Graph {
	t.Helper()
	node := func(id string) models.Node {
		return models.Node{ID: id, Site: "par1", Role: models.RoleStandard, CPUCapacity: 10, MemCapacity: 32}
	}
	link := func(id, a, b string, ms float64) models.Link {
		return models.Link{ID: id, Source: a, Target: b, BandwidthMbps: 1000, LatencyMs: ms}
	}
	g, err := topology.New(models.Topology{
		Nodes: []models.Node{node("A"), node("B"), node("C"), node("D"), node("E")},
		Links: []models.Link{
			link("L1", "A", "B", 5),
			link("L2", "B", "D", 5),
			link("L3", "A", "C", 50),
			link("L4", "C", "D", 50),
			link("L5", "D", "E", 10),
		},
	})
	require.NoError(t, err)
	return g
}

var flowF1 = models.Flow{ID: "F1", Links: []string{"L1", "L2"}}

func scoresOf(values map[string]float64) map[string]models.RiskScore {
	out := make(map[string]models.RiskScore, len(values))
	for id, v := range values {
		out[id] = models.RiskScore{EntityID: id, Score: v, Band: models.BandFor(v), Strategy: models.StrategyRule}
	}
	return out
}

func TestPlanReportsInfeasibleLatencyAndContinues(t *testing.T) {
	p := New(Options{}, nil)
	plan, err := p.Plan(context.Background(), diamond(t), scoresOf(map[string]float64{"B": 0.9, "C": 0.7}), Request{
		Objectives:  []models.Objective{models.ObjectiveMinimizeRisk},
		Constraints: models.Constraints{models.ConstraintMaxLatencyMs: 40},
		Context: models.PlanContext{
			Impacted:      []string{"C", "B"},
			CriticalFlows: []models.Flow{flowF1},
			Utilization:   map[string]float64{"A": 0.2, "B": 0.5, "C": 0.9, "D": 0.2, "E": 0.2},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, plan.ActionsFor("B"))
	diag, ok := plan.DiagnosticFor("B")
	require.True(t, ok)
	assert.Equal(t, models.DiagnosticInfeasible, diag.Code)
	assert.Equal(t, models.ConstraintMaxLatencyMs, diag.Constraint)
	assert.Equal(t, []string{"F1"}, diag.Flows)

	var infeasible *models.InfeasibleConstraintError
	require.True(t, errors.As(diag.Err(), &infeasible))
	assert.Equal(t, "B", infeasible.EntityID)

	actions := plan.ActionsFor("C")
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionIsolate, actions[0].Kind)
	assert.InDelta(t, -0.7, actions[0].ExpectedRiskDelta, 1e-9)
	assert.InDelta(t, -0.7, plan.EstimatedGain.RiskDelta, 1e-9)
	assert.Equal(t, 0, plan.EstimatedGain.SLAViolationsAvoided)
	assert.Len(t, plan.Rationale, 2)
}

func TestPlanObjectiveOrderSelectsAction(t *testing.T) {
	g := diamond(t)
	req := func(obj models.Objective) Request {
		return Request{
			Objectives: []models.Objective{obj},
			Context:    models.PlanContext{Impacted: []string{"B"}, CriticalFlows: []models.Flow{flowF1}},
		}
	}
	scores := scoresOf(map[string]float64{"B": 0.9})
	p := New(Options{}, nil)

	plan, err := p.Plan(context.Background(), g, scores, req(models.ObjectivePreserveCriticalFlows))
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	a := plan.Actions[0]
	assert.Equal(t, models.ActionReroute, a.Kind)
	assert.Equal(t, "F1", a.Flow)
	assert.Equal(t, []string{"L3", "L4"}, a.Via)
	assert.Equal(t, 90.0, a.ConstraintCosts["added_latency_ms"])
	assert.InDelta(t, -0.72, a.ExpectedRiskDelta, 1e-9)
	assert.Equal(t, 1, plan.EstimatedGain.SLAViolationsAvoided)

	plan, err = p.Plan(context.Background(), g, scores, req(models.ObjectiveMinimizeRisk))
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2, "isolating a transit node reroutes its flows first")
	assert.Equal(t, models.ActionReroute, plan.Actions[0].Kind)
	assert.Equal(t, 0.0, plan.Actions[0].ExpectedRiskDelta)
	assert.Equal(t, models.ActionIsolate, plan.Actions[1].Kind)
	assert.Equal(t, []string{"B"}, plan.Actions[1].Targets)
}

func TestPlanShiftsLinkTrafficAndSkipsBridges(t *testing.T) {
	p := New(Options{}, nil)
	plan, err := p.Plan(context.Background(), diamond(t), scoresOf(map[string]float64{"L3": 0.7, "L5": 0.65}), Request{
		Objectives: []models.Objective{models.ObjectivePreserveCriticalFlows},
		Context:    models.PlanContext{Impacted: []string{"L3", "L5"}},
	})
	require.NoError(t, err)

	actions := plan.ActionsFor("L3")
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionReroute, actions[0].Kind)
	assert.Empty(t, actions[0].Flow)
	assert.Equal(t, []string{"L1", "L2", "L4"}, actions[0].Via)

	diag, ok := plan.DiagnosticFor("L5")
	require.True(t, ok)
	assert.Equal(t, models.DiagnosticNoCandidate, diag.Code, "isolating a bridge strands E")
}

func TestPlanKeepsShiftedTrafficPathInService(t *testing.T) {
	p := New(Options{}, nil)
	plan, err := p.Plan(context.Background(), diamond(t), scoresOf(map[string]float64{"L3": 0.9, "B": 0.8}), Request{
		Objectives: []models.Objective{models.ObjectivePreserveCriticalFlows},
		Context:    models.PlanContext{Impacted: []string{"L3", "B"}},
	})
	require.NoError(t, err)

	shift := plan.ActionsFor("L3")
	require.Len(t, shift, 1)
	assert.Equal(t, models.ActionReroute, shift[0].Kind)
	assert.Equal(t, []string{"L1", "L2", "L4"}, shift[0].Via)

	actions := plan.ActionsFor("B")
	require.Len(t, actions, 1, "B carries the shifted L3 traffic and cannot be isolated")
	assert.Equal(t, models.ActionReallocate, actions[0].Kind)
	assert.Equal(t, "A", actions[0].Donor)
}

func TestLedgerRejectsIsolatingShiftPath(t *testing.T) {
	g := diamond(t)
	l := NewLedger(g, nil, models.PlanContext{}, nil)
	require.NoError(t, l.commit(&candidate{
		key:    "shift:L3",
		kind:   models.ActionReroute,
		target: "L3",
		reroutes: []reroute{{route: topology.Route{
			Nodes: []string{"A", "B", "D", "C"},
			Links: []string{"L1", "L2", "L4"},
		}}},
	}))
	assert.Equal(t, []string{"L3"}, l.ShiftedThrough("L2"))
	assert.Empty(t, l.ShiftedThrough("L5"))

	err := l.commit(&candidate{key: "isolate:B", kind: models.ActionIsolate, target: "B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "L3")
	assert.False(t, l.Unusable("B"))
	require.NoError(t, l.commit(&candidate{key: "isolate:L5", kind: models.ActionIsolate, target: "L5"}))
}

func star(t *testing.T) *topology.Graph {
	t.Helper()
	g, err := topology.New(models.Topology{
		Nodes: []models.Node{
			{ID: "H", Site: "lyo1", CPUCapacity: 10},
			{ID: "S1", Site: "lyo1", CPUCapacity: 10},
			{ID: "S2", Site: "lyo1", CPUCapacity: 10},
			{ID: "S3", Site: "lyo1", CPUCapacity: 10},
			{ID: "D", Site: "lyo1", CPUCapacity: 4},
		},
		Links: []models.Link{
			{ID: "K1", Source: "H", Target: "S1", BandwidthMbps: 100, LatencyMs: 1},
			{ID: "K2", Source: "H", Target: "S2", BandwidthMbps: 100, LatencyMs: 1},
			{ID: "K3", Source: "H", Target: "S3", BandwidthMbps: 100, LatencyMs: 1},
			{ID: "K4", Source: "H", Target: "D", BandwidthMbps: 100, LatencyMs: 1},
		},
	})
	require.NoError(t, err)
	return g
}

func TestPlanNeverOverdrawsDonorSlack(t *testing.T) {
	g := star(t)
	constraints := models.Constraints{models.ConstraintReservePct: 20}
	pctx := models.PlanContext{
		Impacted: []string{"S1", "S2", "S3"},
		CriticalFlows: []models.Flow{
			{ID: "F1", Links: []string{"K1"}},
			{ID: "F2", Links: []string{"K2"}},
			{ID: "F3", Links: []string{"K3"}},
		},
		Utilization: map[string]float64{"H": 1, "S1": 0.95, "S2": 0.95, "S3": 0.95, "D": 0.5},
	}
	plan, err := New(Options{}, nil).Plan(context.Background(), g, scoresOf(map[string]float64{"S1": 0.95, "S2": 0.9, "S3": 0.85}), Request{
		Objectives:  []models.Objective{models.ObjectiveBalanceLoad},
		Constraints: constraints,
		Context:     pctx,
	})
	require.NoError(t, err)

	declared := NewLedger(g, constraints, pctx, nil).DeclaredSlack("D")
	assert.InDelta(t, 1.2, declared, 1e-9)
	donated := 0.0
	for _, a := range plan.Actions {
		require.Equal(t, models.ActionReallocate, a.Kind)
		if a.Donor == "D" {
			donated += a.Amount
		}
	}
	assert.LessOrEqual(t, donated, declared+1e-9)
	require.Len(t, plan.ActionsFor("S1"), 1, "highest score is served first")
	assert.InDelta(t, 1.2, plan.ActionsFor("S1")[0].Amount, 1e-9)

	for _, id := range []string{"S2", "S3"} {
		diag, ok := plan.DiagnosticFor(id)
		require.True(t, ok, id)
		assert.Equal(t, models.DiagnosticInfeasible, diag.Code)
	}
}

func TestPlanRespectsActionBudget(t *testing.T) {
	plan, err := New(Options{}, nil).Plan(context.Background(), diamond(t), scoresOf(map[string]float64{"B": 0.9, "C": 0.7}), Request{
		Objectives:  []models.Objective{models.ObjectivePreserveCriticalFlows},
		Constraints: models.Constraints{models.ConstraintMaxActions: 1},
		Context:     models.PlanContext{Impacted: []string{"B", "C"}, CriticalFlows: []models.Flow{flowF1}},
	})
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 1)
	diag, ok := plan.DiagnosticFor("C")
	require.True(t, ok)
	assert.Equal(t, models.DiagnosticBudget, diag.Code)
}

func TestPlanBandwidthConstraint(t *testing.T) {
	plan, err := New(Options{}, nil).Plan(context.Background(), diamond(t), scoresOf(map[string]float64{"B": 0.9}), Request{
		Constraints: models.Constraints{models.ConstraintMinBandwidthMbps: 500},
		Context: models.PlanContext{
			Impacted:      []string{"B"},
			CriticalFlows: []models.Flow{flowF1},
			Utilization:   map[string]float64{"L3": 0.8},
		},
	})
	require.NoError(t, err)
	diag, ok := plan.DiagnosticFor("B")
	require.True(t, ok)
	assert.Equal(t, models.ConstraintMinBandwidthMbps, diag.Constraint)
}

func TestPlanAvoidsUnavailableEntities(t *testing.T) {
	plan, err := New(Options{}, nil).Plan(context.Background(), diamond(t), scoresOf(map[string]float64{"B": 0.9}), Request{
		Context: models.PlanContext{
			Impacted:      []string{"B", "Z"},
			CriticalFlows: []models.Flow{flowF1},
			Unavailable:   []string{"C"},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
	diag, _ := plan.DiagnosticFor("B")
	assert.Equal(t, models.DiagnosticInfeasible, diag.Code)
	diag, _ = plan.DiagnosticFor("Z")
	assert.Equal(t, models.DiagnosticUnknownEntity, diag.Code)
}

func TestPlanIsDeterministic(t *testing.T) {
	g := diamond(t)
	scores := scoresOf(map[string]float64{"B": 0.9, "C": 0.7, "L5": 0.7})
	build := func(impacted []string) []byte {
		plan, err := New(Options{Parallelism: 8}, nil).Plan(context.Background(), g, scores, Request{
			Objectives: []models.Objective{models.ObjectiveMinimizeRisk, models.ObjectiveBalanceLoad},
			Context: models.PlanContext{
				Impacted:      impacted,
				CriticalFlows: []models.Flow{flowF1},
				Utilization:   map[string]float64{"C": 0.9, "A": 0.1},
			},
		})
		require.NoError(t, err)
		out, err := json.Marshal(plan)
		require.NoError(t, err)
		return out
	}
	first := build([]string{"B", "C", "L5"})
	for i := 0; i < 10; i++ {
		assert.JSONEq(t, string(first), string(build([]string{"L5", "C", "B"})))
	}
}

func TestPlanValidatesRequest(t *testing.T) {
	g := diamond(t)
	p := New(Options{}, nil)
	_, err := p.Plan(context.Background(), g, nil, Request{Objectives: []models.Objective{"maximize_fun"}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = p.Plan(context.Background(), g, nil, Request{Constraints: models.Constraints{models.ConstraintReservePct: 150}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = p.Plan(context.Background(), g, nil, Request{Context: models.PlanContext{CriticalFlows: []models.Flow{{ID: "F9", Links: []string{"L99"}}}}})
	assert.ErrorIs(t, err, models.ErrUnknownEntity)
	_, err = p.Plan(context.Background(), nil, nil, Request{})
	assert.ErrorIs(t, err, models.ErrNoTopology)
}
