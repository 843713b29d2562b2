package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// Scoring constants. Reductions are fractions of the entity's risk score; penalties
// and bonuses share the same scale.
const (
	rerouteReduction    = 0.8
	reallocateReduction = 0.6
	isolateReduction    = 1.0

	latencyPenaltyPerMs    = 0.001
	latencyObjectiveFactor = 5
	impactedPathPenalty    = 0.1
	crossSitePenalty       = 0.05
	isolateBasePenalty     = 0.25
	strandedNodePenalty    = 0.5
	objectiveBonus         = 0.1

	// relief target: a reallocation aims to bring utilisation back under this level.
	reliefTarget = 0.6
	minRelief    = 0.1
)

var kindRank = map[models.ActionKind]int{
	models.ActionReroute:    0,
	models.ActionReallocate: 1,
	models.ActionIsolate:    2,
}

var affinity = map[models.Objective]models.ActionKind{
	models.ObjectiveMinimizeRisk:          models.ActionIsolate,
	models.ObjectivePreserveCriticalFlows: models.ActionReroute,
	models.ObjectiveBalanceLoad:           models.ActionReallocate,
}

// entityView is the read-only picture of an impacted entity at evaluation time.
type entityView struct {
	id          string
	score       float64
	isNode      bool
	unavailable bool
	flows       []string
	transit     []string
	endpoint    []string
}

type proposalKind int

const (
	propRerouteFlows proposalKind = iota
	propRerouteLink
	propReallocate
	propIsolate
)

type proposal struct {
	kind  proposalKind
	donor string
}

type rejection struct {
	constraint string
	reason     string
}

type evaluation struct {
	candidate *candidate
	rejected  *rejection
}

type reroute struct {
	flow    string
	route   topology.Route
	latency float64
	added   float64
	demand  float64
}

type candidate struct {
	key       string
	kind      models.ActionKind
	target    string
	reroutes  []reroute
	donor     string
	amount    float64
	stranded  []string
	reduction float64
	penalty   float64
	bonus     float64
	prefRank  int
	order     int
	actions   []models.Action
	protects  []string
}

func (c *candidate) net() float64   { return c.reduction - c.penalty }
func (c *candidate) value() float64 { return c.net() + c.bonus }

// better orders candidates by value, then objective preference, then action kind,
// then enumeration order (donor preference), then key.
func better(a, b *candidate) bool {
	if va, vb := a.value(), b.value(); va != vb {
		return va > vb
	}
	if a.prefRank != b.prefRank {
		return a.prefRank < b.prefRank
	}
	if ka, kb := kindRank[a.kind], kindRank[b.kind]; ka != kb {
		return ka < kb
	}
	if a.order != b.order {
		return a.order < b.order
	}
	return a.key < b.key
}

func (c *candidate) describe() string {
	switch c.kind {
	case models.ActionReallocate:
		return fmt.Sprintf("reallocate %.2f CPU from %s", c.amount, c.donor)
	case models.ActionIsolate:
		return fmt.Sprintf("isolate (%d flows rerouted, %d nodes stranded)", len(c.reroutes), len(c.stranded))
	}
	parts := make([]string, 0, len(c.reroutes))
	for _, rr := range c.reroutes {
		name := rr.flow
		if name == "" {
			name = "traffic"
		}
		parts = append(parts, fmt.Sprintf("reroute %s via %s (+%.1f ms)", name, strings.Join(rr.route.Links, ","), rr.added))
	}
	return strings.Join(parts, "; ")
}

func (r *pass) view(id string, score float64) entityView {
	v := entityView{
		id:          id,
		score:       score,
		isNode:      r.graph.IsNode(id),
		unavailable: r.ledger.Unavailable(id),
		flows:       r.ledger.FlowsTouching(id),
	}
	for _, f := range v.flows {
		route, _ := r.ledger.Route(f)
		if route.Terminates(id) {
			v.endpoint = append(v.endpoint, f)
		} else {
			v.transit = append(v.transit, f)
		}
	}
	return v
}

// proposals enumerates candidate shapes for an entity, capped at MaxCandidates.
func (r *pass) proposals(v entityView) []proposal {
	var out []proposal
	if len(v.transit) > 0 {
		out = append(out, proposal{kind: propRerouteFlows})
	}
	if v.unavailable {
		return out
	}
	if !v.isNode && len(v.flows) == 0 {
		out = append(out, proposal{kind: propRerouteLink})
	}
	if len(v.endpoint) == 0 {
		out = append(out, proposal{kind: propIsolate})
	}
	if v.isNode && len(v.transit) == 0 {
		for _, d := range r.donors(v.id) {
			out = append(out, proposal{kind: propReallocate, donor: d})
		}
	}
	if len(out) > r.planner.opts.MaxCandidates {
		out = out[:r.planner.opts.MaxCandidates]
	}
	return out
}

// donors lists nodes with remaining slack: same site first, then most slack, then id.
func (r *pass) donors(target string) []string {
	tn, _ := r.graph.Node(target)
	type donor struct {
		id        string
		sameSite  bool
		remaining float64
	}
	var ds []donor
	for _, id := range r.graph.NodeIDs() {
		if id == target || r.impacted[id] || r.ledger.Unusable(id) {
			continue
		}
		rem := r.ledger.RemainingSlack(id)
		if rem <= 0 {
			continue
		}
		n, _ := r.graph.Node(id)
		ds = append(ds, donor{id: id, sameSite: n.Site == tn.Site, remaining: rem})
	}
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].sameSite != ds[j].sameSite {
			return ds[i].sameSite
		}
		if ds[i].remaining != ds[j].remaining {
			return ds[i].remaining > ds[j].remaining
		}
		return ds[i].id < ds[j].id
	})
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.id
	}
	return out
}

func (r *pass) evaluate(v entityView, s proposal) evaluation {
	var c *candidate
	var rj *rejection
	switch s.kind {
	case propRerouteFlows:
		c, rj = r.evalRerouteFlows(v)
	case propRerouteLink:
		c, rj = r.evalRerouteLink(v)
	case propReallocate:
		c, rj = r.evalReallocate(v, s.donor)
	case propIsolate:
		c, rj = r.evalIsolate(v)
	}
	if rj != nil {
		return evaluation{rejected: rj}
	}
	c.bonus, c.prefRank = r.objectiveBonus(c.kind)
	return evaluation{candidate: c}
}

func (r *pass) objectiveBonus(kind models.ActionKind) (float64, int) {
	n := len(r.objectives)
	bonus := 0.0
	rank := n
	for i, obj := range r.objectives {
		if affinity[obj] != kind {
			continue
		}
		bonus += objectiveBonus * float64(n-i) / float64(n)
		if i < rank {
			rank = i
		}
	}
	return bonus, rank
}

func (r *pass) latencyPenalty(addedMs float64) float64 {
	weight := latencyPenaltyPerMs
	for _, obj := range r.objectives {
		if obj == models.ObjectiveMinimizeLatency {
			weight *= latencyObjectiveFactor
		}
	}
	return weight * addedMs
}

// impactedOnPath penalises new paths through other impacted entities.
func (r *pass) impactedOnPath(target string, reroutes []reroute) float64 {
	seen := make(map[string]struct{})
	penalty := 0.0
	for _, rr := range reroutes {
		ids := append(append([]string(nil), rr.route.Nodes...), rr.route.Links...)
		for _, id := range ids {
			if id == target || !r.impacted[id] {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			penalty += impactedPathPenalty * r.scores[id].Score
		}
	}
	return penalty
}

// rerouteAround finds alternate paths for flows that avoid target, charging each
// path's demand against a local copy so the flows of one candidate share capacity.
func (r *pass) rerouteAround(target string, flows []string) ([]reroute, *rejection) {
	avoidNodes, avoidLinks := r.ledger.avoid(target)
	demand := r.ledger.Demand()
	maxLatency, latencyBound := r.constraints.Get(models.ConstraintMaxLatencyMs)
	local := make(map[string]float64)
	out := make([]reroute, 0, len(flows))
	for _, f := range flows {
		current, _ := r.ledger.Route(f)
		q := topology.PathQuery{
			From:          current.Source(),
			To:            current.Target(),
			AvoidNodes:    avoidNodes,
			AvoidLinks:    avoidLinks,
			MaxHops:       r.planner.opts.MaxPathHops,
			MaxExpansions: r.planner.opts.MaxExpansions,
			MinBandwidth:  demand,
			Available: func(link string) float64 {
				return r.ledger.AvailableBandwidth(link) - local[link]
			},
		}
		path, ok := r.graph.ShortestPath(q)
		if !ok {
			if demand > 0 {
				q.MinBandwidth = 0
				if _, loose := r.graph.ShortestPath(q); loose {
					return nil, &rejection{
						constraint: models.ConstraintMinBandwidthMbps,
						reason:     fmt.Sprintf("no path for %s around %s keeps %.1f Mbps available", f, target, demand),
					}
				}
			}
			return nil, &rejection{reason: fmt.Sprintf("no alternate path for %s avoids %s within %d hops", f, target, r.planner.opts.MaxPathHops)}
		}
		if latencyBound && path.LatencyMs > maxLatency {
			return nil, &rejection{
				constraint: models.ConstraintMaxLatencyMs,
				reason:     fmt.Sprintf("best path for %s around %s takes %.1f ms, limit %.1f ms", f, target, path.LatencyMs, maxLatency),
			}
		}
		before, _ := r.graph.PathLatency(current.Links)
		for _, link := range path.Links {
			local[link] += demand
		}
		out = append(out, reroute{
			flow:    f,
			route:   topology.Route{Nodes: path.Nodes, Links: path.Links},
			latency: path.LatencyMs,
			added:   math.Max(0, path.LatencyMs-before),
			demand:  demand,
		})
	}
	return out, nil
}

func (r *pass) rerouteActions(target string, reroutes []reroute, delta float64) []models.Action {
	actions := make([]models.Action, 0, len(reroutes))
	for _, rr := range reroutes {
		costs := map[string]float64{
			"latency_ms":       round6(rr.latency),
			"added_latency_ms": round6(rr.added),
		}
		if rr.demand > 0 {
			costs["bandwidth_mbps"] = rr.demand
		}
		actions = append(actions, models.Action{
			Kind:              models.ActionReroute,
			Targets:           []string{target},
			Flow:              rr.flow,
			Via:               append([]string(nil), rr.route.Links...),
			ExpectedRiskDelta: round6(delta),
			ConstraintCosts:   costs,
		})
	}
	return actions
}

func sumAdded(reroutes []reroute) float64 {
	total := 0.0
	for _, rr := range reroutes {
		total += rr.added
	}
	return total
}

func (r *pass) evalRerouteFlows(v entityView) (*candidate, *rejection) {
	reroutes, rj := r.rerouteAround(v.id, v.transit)
	if rj != nil {
		return nil, rj
	}
	c := &candidate{
		key:       "reroute:" + v.id,
		kind:      models.ActionReroute,
		target:    v.id,
		reroutes:  reroutes,
		reduction: v.score * rerouteReduction * float64(len(v.transit)) / float64(len(v.flows)),
		protects:  append([]string(nil), v.transit...),
	}
	c.penalty = r.latencyPenalty(sumAdded(reroutes)) + r.impactedOnPath(v.id, reroutes)
	c.actions = r.rerouteActions(v.id, reroutes, -c.reduction/float64(len(reroutes)))
	return c, nil
}

// evalRerouteLink shifts the traffic of a link that carries no declared flow onto a
// parallel path between its endpoints.
func (r *pass) evalRerouteLink(v entityView) (*candidate, *rejection) {
	link, _ := r.graph.Link(v.id)
	demand := math.Max(r.ledger.Demand(), link.BandwidthMbps*r.ledger.Utilization(v.id))
	avoidNodes, avoidLinks := r.ledger.avoid(v.id)
	path, ok := r.graph.ShortestPath(topology.PathQuery{
		From:          link.Source,
		To:            link.Target,
		AvoidNodes:    avoidNodes,
		AvoidLinks:    avoidLinks,
		MaxHops:       r.planner.opts.MaxPathHops,
		MaxExpansions: r.planner.opts.MaxExpansions,
		MinBandwidth:  demand,
		Available:     r.ledger.AvailableBandwidth,
	})
	if !ok {
		return nil, &rejection{reason: fmt.Sprintf("no parallel path for %s carries %.1f Mbps", v.id, demand)}
	}
	if maxLatency, bound := r.constraints.Get(models.ConstraintMaxLatencyMs); bound && path.LatencyMs > maxLatency {
		return nil, &rejection{
			constraint: models.ConstraintMaxLatencyMs,
			reason:     fmt.Sprintf("parallel path for %s takes %.1f ms, limit %.1f ms", v.id, path.LatencyMs, maxLatency),
		}
	}
	rr := reroute{
		route:   topology.Route{Nodes: path.Nodes, Links: path.Links},
		latency: path.LatencyMs,
		added:   math.Max(0, path.LatencyMs-link.LatencyMs),
		demand:  demand,
	}
	c := &candidate{
		key:       "shift:" + v.id,
		kind:      models.ActionReroute,
		target:    v.id,
		reroutes:  []reroute{rr},
		reduction: v.score * rerouteReduction,
	}
	c.penalty = r.latencyPenalty(rr.added) + r.impactedOnPath(v.id, c.reroutes)
	c.actions = r.rerouteActions(v.id, c.reroutes, -c.reduction)
	return c, nil
}

func (r *pass) evalReallocate(v entityView, donor string) (*candidate, *rejection) {
	node, _ := r.graph.Node(v.id)
	need := node.CPUCapacity * math.Max(r.ledger.Utilization(v.id)-reliefTarget, minRelief)
	if need <= 0 {
		return nil, &rejection{reason: fmt.Sprintf("%s declares no CPU capacity", v.id)}
	}
	remaining := r.ledger.RemainingSlack(donor)
	if remaining <= 0 {
		return nil, &rejection{reason: fmt.Sprintf("donor %s has no slack left", donor)}
	}
	amount := math.Min(need, remaining)
	c := &candidate{
		key:       "reallocate:" + v.id + ":" + donor,
		kind:      models.ActionReallocate,
		target:    v.id,
		donor:     donor,
		amount:    amount,
		reduction: v.score * reallocateReduction * amount / need,
		protects:  append([]string(nil), v.endpoint...),
	}
	if dn, _ := r.graph.Node(donor); dn.Site != node.Site {
		c.penalty = crossSitePenalty
	}
	c.actions = []models.Action{{
		Kind:              models.ActionReallocate,
		Targets:           []string{v.id},
		Donor:             donor,
		Amount:            round6(amount),
		ExpectedRiskDelta: round6(-c.reduction),
		ConstraintCosts: map[string]float64{
			"need":                  round6(need),
			"donor_slack_before":    round6(remaining),
			"donor_slack_remaining": round6(remaining - amount),
		},
	}}
	return c, nil
}

func (r *pass) evalIsolate(v entityView) (*candidate, *rejection) {
	if shifted := r.ledger.ShiftedThrough(v.id); len(shifted) > 0 {
		return nil, &rejection{reason: fmt.Sprintf("%s carries traffic shifted from %s", v.id, strings.Join(shifted, ","))}
	}
	reroutes, rj := r.rerouteAround(v.id, v.transit)
	if rj != nil {
		return nil, rj
	}
	unusable := r.ledger.unusableIDs()
	before := make(map[string]struct{})
	for _, id := range r.graph.Without(unusable...).Stranded() {
		before[id] = struct{}{}
	}
	var stranded []string
	for _, id := range r.graph.Without(append(unusable, v.id)...).Stranded() {
		if _, already := before[id]; !already {
			stranded = append(stranded, id)
		}
	}
	c := &candidate{
		key:       "isolate:" + v.id,
		kind:      models.ActionIsolate,
		target:    v.id,
		reroutes:  reroutes,
		stranded:  stranded,
		reduction: v.score * isolateReduction,
		protects:  append([]string(nil), v.transit...),
	}
	c.penalty = isolateBasePenalty + strandedNodePenalty*float64(len(stranded)) +
		r.latencyPenalty(sumAdded(reroutes)) + r.impactedOnPath(v.id, reroutes)
	c.actions = append(r.rerouteActions(v.id, reroutes, 0), models.Action{
		Kind:              models.ActionIsolate,
		Targets:           []string{v.id},
		ExpectedRiskDelta: round6(-c.reduction),
		ConstraintCosts:   map[string]float64{"stranded_nodes": float64(len(stranded))},
	})
	return c, nil
}
