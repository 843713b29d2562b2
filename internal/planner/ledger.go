package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// Ledger records the commitments of one planning pass. It is owned by a single Plan
// call and only mutated between candidate evaluations, so readers never race.
type Ledger struct {
	graph   *topology.Graph
	reserve float64

	utilization map[string]float64
	donated     map[string]float64
	received    map[string]float64
	linkUsed    map[string]float64
	isolated    map[string]bool
	unavailable map[string]bool

	routes      map[string]topology.Route
	flowIDs     []string
	reservation map[string][]string
	demand      float64
	// shifted maps an entity to the links whose traffic was shifted through it.
	shifted map[string][]string
}

// NewLedger seeds a ledger from the request context.
func NewLedger(g *topology.Graph, constraints models.Constraints, pctx models.PlanContext, routes map[string]topology.Route) *Ledger {
	reserve, _ := constraints.Get(models.ConstraintReservePct)
	demand, _ := constraints.Get(models.ConstraintMinBandwidthMbps)
	l := &Ledger{
		graph:       g,
		reserve:     reserve / 100,
		utilization: make(map[string]float64, len(pctx.Utilization)),
		donated:     make(map[string]float64),
		received:    make(map[string]float64),
		linkUsed:    make(map[string]float64),
		isolated:    make(map[string]bool),
		unavailable: make(map[string]bool, len(pctx.Unavailable)),
		routes:      make(map[string]topology.Route, len(routes)),
		reservation: make(map[string][]string),
		demand:      demand,
		shifted:     make(map[string][]string),
	}
	for id, u := range pctx.Utilization {
		l.utilization[id] = u
	}
	for _, id := range pctx.Unavailable {
		l.unavailable[id] = true
	}
	for id, r := range routes {
		l.routes[id] = r
		l.flowIDs = append(l.flowIDs, id)
	}
	sort.Strings(l.flowIDs)
	return l
}

// Utilization returns the known utilisation of an entity; unknown counts as idle.
func (l *Ledger) Utilization(id string) float64 {
	return l.utilization[id]
}

// DeclaredSlack is the CPU capacity a node can donate before any commitment:
// capacity * max(0, 1 - utilisation - reserve).
func (l *Ledger) DeclaredSlack(nodeID string) float64 {
	n, ok := l.graph.Node(nodeID)
	if !ok {
		return 0
	}
	return n.CPUCapacity * math.Max(0, 1-l.Utilization(nodeID)-l.reserve)
}

// RemainingSlack is the declared slack minus what the node already donated.
func (l *Ledger) RemainingSlack(nodeID string) float64 {
	return math.Max(0, l.DeclaredSlack(nodeID)-l.donated[nodeID])
}

// Donated returns the capacity committed from a donor.
func (l *Ledger) Donated(nodeID string) float64 { return l.donated[nodeID] }

// Received returns the capacity committed to a node.
func (l *Ledger) Received(nodeID string) float64 { return l.received[nodeID] }

// AvailableBandwidth is a link's spare bandwidth after utilisation, reserve and
// reservations made earlier in the pass.
func (l *Ledger) AvailableBandwidth(linkID string) float64 {
	link, ok := l.graph.Link(linkID)
	if !ok {
		return 0
	}
	return link.BandwidthMbps*(1-l.Utilization(linkID)-l.reserve) - l.linkUsed[linkID]
}

// Demand is the bandwidth reserved for every rerouted flow.
func (l *Ledger) Demand() float64 { return l.demand }

// Unusable reports whether id is isolated by this plan or unavailable on input.
func (l *Ledger) Unusable(id string) bool {
	return l.isolated[id] || l.unavailable[id]
}

// Unavailable reports whether id was unavailable on input.
func (l *Ledger) Unavailable(id string) bool { return l.unavailable[id] }

// Isolated lists entities isolated so far, sorted.
func (l *Ledger) Isolated() []string {
	out := make([]string, 0, len(l.isolated))
	for id := range l.isolated {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ShiftedThrough lists the links whose traffic this plan shifted onto a path through id.
func (l *Ledger) ShiftedThrough(id string) []string {
	return append([]string(nil), l.shifted[id]...)
}

// Route returns the current route of a flow.
func (l *Ledger) Route(flowID string) (topology.Route, bool) {
	r, ok := l.routes[flowID]
	return r, ok
}

// FlowsTouching lists flows whose current route depends on id, sorted.
func (l *Ledger) FlowsTouching(id string) []string {
	var out []string
	for _, f := range l.flowIDs {
		if l.routes[f].Touches(id) {
			out = append(out, f)
		}
	}
	return out
}

// avoid builds the node and link exclusion sets for a path search around target.
func (l *Ledger) avoid(target string) (map[string]bool, map[string]bool) {
	nodes := make(map[string]bool)
	links := make(map[string]bool)
	mark := func(id string) {
		if l.graph.IsNode(id) {
			nodes[id] = true
		} else {
			links[id] = true
		}
	}
	mark(target)
	for id := range l.isolated {
		mark(id)
	}
	for id := range l.unavailable {
		mark(id)
	}
	return nodes, links
}

// unusableIDs lists isolated and unavailable entities, sorted.
func (l *Ledger) unusableIDs() []string {
	seen := make(map[string]struct{}, len(l.isolated)+len(l.unavailable))
	for id := range l.isolated {
		seen[id] = struct{}{}
	}
	for id := range l.unavailable {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// commit applies a candidate. It re-checks every bound so a stale candidate can
// never over-commit a donor or a link.
func (l *Ledger) commit(c *candidate) error {
	for _, rr := range c.reroutes {
		for _, link := range rr.route.Links {
			if rr.demand > 0 && l.AvailableBandwidth(link)+l.reserved(rr.flow, link)*rr.demand < rr.demand-1e-9 {
				return fmt.Errorf("link %s cannot carry %.1f Mbps for %s", link, rr.demand, c.key)
			}
		}
	}
	if c.kind == models.ActionIsolate && len(l.shifted[c.target]) > 0 {
		return fmt.Errorf("%s carries traffic shifted from %s", c.target, strings.Join(l.shifted[c.target], ","))
	}
	if c.donor != "" && c.amount > l.RemainingSlack(c.donor)+1e-9 {
		return fmt.Errorf("donor %s has %.3f slack, %.3f requested", c.donor, l.RemainingSlack(c.donor), c.amount)
	}

	for _, rr := range c.reroutes {
		if rr.flow != "" {
			for _, link := range l.reservation[rr.flow] {
				l.linkUsed[link] -= rr.demand
			}
			l.routes[rr.flow] = rr.route
			l.reservation[rr.flow] = append([]string(nil), rr.route.Links...)
		} else {
			for _, id := range append(append([]string(nil), rr.route.Nodes...), rr.route.Links...) {
				l.shifted[id] = append(l.shifted[id], c.target)
			}
		}
		for _, link := range rr.route.Links {
			l.linkUsed[link] += rr.demand
		}
	}
	if c.donor != "" {
		l.donated[c.donor] += c.amount
		l.received[c.target] += c.amount
	}
	if c.kind == models.ActionIsolate {
		l.isolated[c.target] = true
	}
	return nil
}

// reserved returns 1 when the flow already holds a reservation on link, else 0.
func (l *Ledger) reserved(flow, link string) float64 {
	for _, id := range l.reservation[flow] {
		if id == link {
			return 1
		}
	}
	return 0
}
