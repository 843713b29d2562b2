// Package planner builds mitigation plans with a greedy single-pass heuristic and
// runs what-if simulations over copies of the live state.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// Defaults for Options.
const (
	DefaultMaxCandidates = 16
	DefaultParallelism   = 4
)

var planNamespace = uuid.MustParse("6f1c2a5e-4b7d-5c3e-9a8f-2d1e0b7c4a91")

// Options bound the per-entity search.
type Options struct {
	MaxCandidates int
	MaxPathHops   int
	MaxExpansions int
	Parallelism   int
}

func (o *Options) normalize() {
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = DefaultMaxCandidates
	}
	if o.MaxPathHops <= 0 {
		o.MaxPathHops = topology.DefaultMaxHops
	}
	if o.MaxExpansions <= 0 {
		o.MaxExpansions = topology.DefaultMaxExpansions
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
}

// Request is the input of one planning call.
type Request struct {
	Objectives  []models.Objective
	Constraints models.Constraints
	Context     models.PlanContext
}

// Planner is stateless between calls and safe for concurrent use.
type Planner struct {
	opts   Options
	logger *slog.Logger
}

// New returns a planner.
func New(opts Options, logger *slog.Logger) *Planner {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{opts: opts, logger: logger}
}

// Options returns the effective options.
func (p *Planner) Options() Options { return p.opts }

// Plan processes impacted entities in descending score order (ties by id) and commits
// at most one candidate per entity. A committed candidate is never revisited. Entities
// without a feasible candidate are reported as diagnostics and never abort the plan.
func (p *Planner) Plan(ctx context.Context, g *topology.Graph, scores map[string]models.RiskScore, req Request) (models.Plan, error) {
	if g == nil {
		return models.Plan{}, models.ErrNoTopology
	}
	objectives, err := normalizeObjectives(req.Objectives)
	if err != nil {
		return models.Plan{}, err
	}
	if err := req.Constraints.Validate(); err != nil {
		return models.Plan{}, err
	}
	pctx, routes, err := canonicalContext(g, req.Context)
	if err != nil {
		return models.Plan{}, err
	}

	ledger := NewLedger(g, req.Constraints, pctx, routes)
	run := &pass{
		planner:     p,
		graph:       g,
		ledger:      ledger,
		scores:      scores,
		objectives:  objectives,
		constraints: req.Constraints,
		impacted:    make(map[string]bool, len(pctx.Impacted)),
	}
	for _, id := range pctx.Impacted {
		run.impacted[id] = true
	}

	plan := models.Plan{
		Objectives:  objectives,
		Constraints: req.Constraints,
		Context:     pctx,
		Actions:     []models.Action{},
	}
	protected := make(map[string]struct{})

	for _, id := range orderImpacted(pctx.Impacted, scores) {
		if err := ctx.Err(); err != nil {
			return models.Plan{}, err
		}
		chosen, diag := run.entity(ctx, id, len(plan.Actions))
		if diag != nil {
			plan.Diagnostics = append(plan.Diagnostics, *diag)
			plan.Rationale = append(plan.Rationale, fmt.Sprintf("%s: %s", id, diag.Message))
			continue
		}
		if err := ledger.commit(chosen); err != nil {
			return models.Plan{}, fmt.Errorf("commit %s: %w", chosen.key, err)
		}
		plan.Actions = append(plan.Actions, chosen.actions...)
		for _, f := range chosen.protects {
			protected[f] = struct{}{}
		}
		plan.Rationale = append(plan.Rationale, fmt.Sprintf("%s (risk %.2f): %s", id, scores[id].Score, chosen.describe()))
	}

	for _, a := range plan.Actions {
		plan.EstimatedGain.RiskDelta += a.ExpectedRiskDelta
	}
	plan.EstimatedGain.RiskDelta = round6(plan.EstimatedGain.RiskDelta)
	plan.EstimatedGain.SLAViolationsAvoided = len(protected)

	plan.ID, err = planID(g, scores, objectives, req.Constraints, pctx)
	if err != nil {
		return models.Plan{}, err
	}
	p.logger.Debug("plan built",
		slog.String("plan_id", plan.ID),
		slog.Int("impacted", len(pctx.Impacted)),
		slog.Int("actions", len(plan.Actions)),
		slog.Int("diagnostics", len(plan.Diagnostics)))
	return plan, nil
}

func normalizeObjectives(in []models.Objective) ([]models.Objective, error) {
	if len(in) == 0 {
		return []models.Objective{models.ObjectiveMinimizeRisk}, nil
	}
	raw := make([]string, len(in))
	for i, o := range in {
		raw[i] = string(o)
	}
	return models.ParseObjectives(raw)
}

// canonicalContext validates the context against g and returns a normalised copy
// together with the resolved route of every critical flow.
func canonicalContext(g *topology.Graph, in models.PlanContext) (models.PlanContext, map[string]topology.Route, error) {
	out := models.PlanContext{
		Impacted:    dedupSorted(in.Impacted),
		Unavailable: dedupSorted(in.Unavailable),
		Utilization: make(map[string]float64, len(in.Utilization)),
	}
	for id, u := range in.Utilization {
		if math.IsNaN(u) || math.IsInf(u, 0) || u < 0 {
			return models.PlanContext{}, nil, fmt.Errorf("%w: utilization of %s must be a finite non-negative number", models.ErrInvalidRequest, id)
		}
		out.Utilization[id] = u
	}
	for _, id := range out.Unavailable {
		if !g.Has(id) {
			return models.PlanContext{}, nil, fmt.Errorf("%w: unavailable entity %s", models.ErrUnknownEntity, id)
		}
	}
	routes := make(map[string]topology.Route, len(in.CriticalFlows))
	flows := append([]models.Flow(nil), in.CriticalFlows...)
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	for _, f := range flows {
		if f.ID == "" {
			return models.PlanContext{}, nil, fmt.Errorf("%w: critical flow without id", models.ErrInvalidRequest)
		}
		if _, dup := routes[f.ID]; dup {
			return models.PlanContext{}, nil, fmt.Errorf("%w: duplicate critical flow %s", models.ErrInvalidRequest, f.ID)
		}
		r, err := g.ResolveFlow(f)
		if err != nil {
			return models.PlanContext{}, nil, err
		}
		routes[f.ID] = r
		out.CriticalFlows = append(out.CriticalFlows, models.Flow{ID: f.ID, Links: append([]string(nil), f.Links...)})
	}
	return out, routes, nil
}

func orderImpacted(ids []string, scores map[string]models.RiskScore) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i]].Score, scores[out[j]].Score
		if si != sj {
			return si > sj
		}
		return out[i] < out[j]
	})
	return out
}

type canonicalScore struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// planID derives a name-based UUID from every planning input.
func planID(g *topology.Graph, scores map[string]models.RiskScore, objectives []models.Objective, constraints models.Constraints, pctx models.PlanContext) (string, error) {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cs := make([]canonicalScore, 0, len(ids))
	for _, id := range ids {
		cs = append(cs, canonicalScore{ID: id, Score: scores[id].Score})
	}
	payload, err := json.Marshal(struct {
		Objectives  []models.Objective `json:"objectives"`
		Constraints models.Constraints `json:"constraints"`
		Context     models.PlanContext `json:"context"`
		Scores      []canonicalScore   `json:"scores"`
		Topology    models.Topology    `json:"topology"`
	}{objectives, constraints, pctx, cs, g.Topology()})
	if err != nil {
		return "", fmt.Errorf("encode plan inputs: %w", err)
	}
	return uuid.NewSHA1(planNamespace, payload).String(), nil
}

// pass is the state of one Plan call.
type pass struct {
	planner     *Planner
	graph       *topology.Graph
	ledger      *Ledger
	scores      map[string]models.RiskScore
	objectives  []models.Objective
	constraints models.Constraints
	impacted    map[string]bool
}

// entity evaluates every candidate for id in parallel and picks the best admissible one.
func (r *pass) entity(ctx context.Context, id string, committed int) (*candidate, *models.Diagnostic) {
	if !r.graph.Has(id) {
		return nil, &models.Diagnostic{EntityID: id, Code: models.DiagnosticUnknownEntity, Message: "entity is not in the current topology"}
	}
	rs, ok := r.scores[id]
	if !ok {
		return nil, &models.Diagnostic{EntityID: id, Code: models.DiagnosticNoCandidate, Message: "no risk score available"}
	}
	budget := math.MaxInt
	if maxActions, ok := r.constraints.Get(models.ConstraintMaxActions); ok {
		budget = int(maxActions) - committed
		if budget <= 0 {
			return nil, &models.Diagnostic{
				EntityID:   id,
				Code:       models.DiagnosticBudget,
				Message:    fmt.Sprintf("action budget of %d exhausted", int(maxActions)),
				Constraint: models.ConstraintMaxActions,
			}
		}
	}

	view := r.view(id, rs.Score)
	proposals := r.proposals(view)
	results := make([]evaluation, len(proposals))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.planner.opts.Parallelism)
	for i, s := range proposals {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.evaluate(view, s)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, &models.Diagnostic{EntityID: id, Code: models.DiagnosticNoCandidate, Message: err.Error()}
	}

	var admissible []*candidate
	var rejections []rejection
	overBudget := false
	for i, res := range results {
		if res.candidate != nil {
			res.candidate.order = i
		}
		switch {
		case res.rejected != nil:
			rejections = append(rejections, *res.rejected)
		case res.candidate.net() <= 0:
			rejections = append(rejections, rejection{reason: res.candidate.key + " does not reduce risk"})
		case len(res.candidate.actions) > budget:
			overBudget = true
			rejections = append(rejections, rejection{constraint: models.ConstraintMaxActions, reason: res.candidate.key + " exceeds the action budget"})
		default:
			admissible = append(admissible, res.candidate)
		}
	}
	if len(admissible) == 0 {
		return nil, r.diagnose(view, rejections, overBudget)
	}
	sort.SliceStable(admissible, func(i, j int) bool { return better(admissible[i], admissible[j]) })
	return admissible[0], nil
}

func (r *pass) diagnose(view entityView, rejections []rejection, overBudget bool) *models.Diagnostic {
	reasons := make([]string, 0, len(rejections))
	constraint := ""
	for _, rj := range rejections {
		reasons = append(reasons, rj.reason)
		if constraint == "" && rj.constraint != "" {
			constraint = rj.constraint
		}
	}
	msg := "no candidate action"
	if len(reasons) > 0 {
		msg = strings.Join(reasons, "; ")
	}
	switch {
	case len(view.flows) > 0:
		return &models.Diagnostic{
			EntityID:   view.id,
			Code:       models.DiagnosticInfeasible,
			Message:    msg,
			Flows:      append([]string(nil), view.flows...),
			Constraint: constraint,
		}
	case overBudget:
		return &models.Diagnostic{EntityID: view.id, Code: models.DiagnosticBudget, Message: msg, Constraint: models.ConstraintMaxActions}
	default:
		return &models.Diagnostic{EntityID: view.id, Code: models.DiagnosticNoCandidate, Message: msg, Constraint: constraint}
	}
}

func dedupSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
