// Package topology holds immutable network graph snapshots and the search
// routines the planner runs over them.
package topology

import (
	"fmt"
	"sort"

	"github.com/miradorstack/mirador-risk/internal/models"
)

type adjacency struct {
	link string
	peer string
}

// Graph is a validated, read-only view of a topology. Methods never mutate it.
type Graph struct {
	nodes   map[string]models.Node
	links   map[string]models.Link
	nodeIDs []string
	linkIDs []string
	adj     map[string][]adjacency
}

// New validates t and builds a graph: ids must be unique across nodes and links,
// link endpoints must exist and the graph must be connected.
func New(t models.Topology) (*Graph, error) {
	g, err := build(t)
	if err != nil {
		return nil, err
	}
	if len(g.nodeIDs) == 0 {
		return nil, fmt.Errorf("%w: topology has no nodes", models.ErrInvalidRequest)
	}
	if comps := g.Components(); len(comps) > 1 {
		return nil, fmt.Errorf("%w: topology has %d disconnected components", models.ErrInvalidRequest, len(comps))
	}
	return g, nil
}

func build(t models.Topology) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]models.Node, len(t.Nodes)),
		links: make(map[string]models.Link, len(t.Links)),
		adj:   make(map[string][]adjacency, len(t.Nodes)),
	}
	for _, n := range t.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node without id", models.ErrInvalidRequest)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", models.ErrInvalidRequest, n.ID)
		}
		if n.Role == "" {
			n.Role = models.RoleStandard
		}
		g.nodes[n.ID] = n
		g.nodeIDs = append(g.nodeIDs, n.ID)
	}
	for _, l := range t.Links {
		if l.ID == "" {
			return nil, fmt.Errorf("%w: link without id", models.ErrInvalidRequest)
		}
		if _, dup := g.links[l.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate link %s", models.ErrInvalidRequest, l.ID)
		}
		if _, clash := g.nodes[l.ID]; clash {
			return nil, fmt.Errorf("%w: id %s used by both a node and a link", models.ErrInvalidRequest, l.ID)
		}
		if _, ok := g.nodes[l.Source]; !ok {
			return nil, fmt.Errorf("%w: link %s references unknown node %s", models.ErrInvalidRequest, l.ID, l.Source)
		}
		if _, ok := g.nodes[l.Target]; !ok {
			return nil, fmt.Errorf("%w: link %s references unknown node %s", models.ErrInvalidRequest, l.ID, l.Target)
		}
		if l.Source == l.Target {
			return nil, fmt.Errorf("%w: link %s is a self loop", models.ErrInvalidRequest, l.ID)
		}
		if l.LatencyMs < 0 || l.BandwidthMbps < 0 {
			return nil, fmt.Errorf("%w: link %s has negative attributes", models.ErrInvalidRequest, l.ID)
		}
		g.links[l.ID] = l
		g.linkIDs = append(g.linkIDs, l.ID)
	}
	g.index()
	return g, nil
}

func (g *Graph) index() {
	sort.Strings(g.nodeIDs)
	sort.Strings(g.linkIDs)
	for _, id := range g.linkIDs {
		l := g.links[id]
		g.adj[l.Source] = append(g.adj[l.Source], adjacency{link: l.ID, peer: l.Target})
		g.adj[l.Target] = append(g.adj[l.Target], adjacency{link: l.ID, peer: l.Source})
	}
}

// Node returns a node by id.
func (g *Graph) Node(id string) (models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Link returns a link by id.
func (g *Graph) Link(id string) (models.Link, bool) {
	l, ok := g.links[id]
	return l, ok
}

// IsNode reports whether id names a node.
func (g *Graph) IsNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// IsLink reports whether id names a link.
func (g *Graph) IsLink(id string) bool {
	_, ok := g.links[id]
	return ok
}

// Has reports whether id names any entity.
func (g *Graph) Has(id string) bool {
	return g.IsNode(id) || g.IsLink(id)
}

// NodeIDs returns node ids in lexical order.
func (g *Graph) NodeIDs() []string { return append([]string(nil), g.nodeIDs...) }

// LinkIDs returns link ids in lexical order.
func (g *Graph) LinkIDs() []string { return append([]string(nil), g.linkIDs...) }

// EntityIDs returns nodes then links, each in lexical order.
func (g *Graph) EntityIDs() []string {
	out := make([]string, 0, len(g.nodeIDs)+len(g.linkIDs))
	out = append(out, g.nodeIDs...)
	return append(out, g.linkIDs...)
}

// IncidentLinks returns the ids of links touching a node, in lexical order.
func (g *Graph) IncidentLinks(nodeID string) []string {
	adj := g.adj[nodeID]
	out := make([]string, 0, len(adj))
	for _, a := range adj {
		out = append(out, a.link)
	}
	return out
}

// Neighbors returns the distinct nodes adjacent to nodeID in lexical order.
func (g *Graph) Neighbors(nodeID string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(g.adj[nodeID]))
	for _, a := range g.adj[nodeID] {
		if _, ok := seen[a.peer]; ok {
			continue
		}
		seen[a.peer] = struct{}{}
		out = append(out, a.peer)
	}
	sort.Strings(out)
	return out
}

// Adjacent returns the entities that absorb load when id goes away: for a node its
// links and neighbouring nodes, for a link its endpoints and the links sharing them.
func (g *Graph) Adjacent(id string) []string {
	set := make(map[string]struct{})
	if g.IsNode(id) {
		for _, a := range g.adj[id] {
			set[a.link] = struct{}{}
			set[a.peer] = struct{}{}
		}
	} else if l, ok := g.links[id]; ok {
		for _, end := range []string{l.Source, l.Target} {
			set[end] = struct{}{}
			for _, a := range g.adj[end] {
				if a.link != id {
					set[a.link] = struct{}{}
				}
			}
		}
	}
	delete(set, id)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Without returns a copy of the graph with the named nodes (and their links) and links removed.
// Unknown ids are ignored. The result is not required to be connected.
func (g *Graph) Without(ids ...string) *Graph {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := &Graph{
		nodes: make(map[string]models.Node, len(g.nodes)),
		links: make(map[string]models.Link, len(g.links)),
		adj:   make(map[string][]adjacency, len(g.nodes)),
	}
	for _, id := range g.nodeIDs {
		if _, gone := drop[id]; gone {
			continue
		}
		out.nodes[id] = g.nodes[id]
		out.nodeIDs = append(out.nodeIDs, id)
	}
	for _, id := range g.linkIDs {
		l := g.links[id]
		if _, gone := drop[id]; gone {
			continue
		}
		if _, ok := out.nodes[l.Source]; !ok {
			continue
		}
		if _, ok := out.nodes[l.Target]; !ok {
			continue
		}
		out.links[id] = l
		out.linkIDs = append(out.linkIDs, id)
	}
	out.index()
	return out
}

// Components returns connected components, each sorted, ordered by their smallest id.
func (g *Graph) Components() [][]string {
	seen := make(map[string]bool, len(g.nodeIDs))
	var comps [][]string
	for _, start := range g.nodeIDs {
		if seen[start] {
			continue
		}
		comp := []string{}
		queue := []string{start}
		seen[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			for _, a := range g.adj[cur] {
				if !seen[a.peer] {
					seen[a.peer] = true
					queue = append(queue, a.peer)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}
	return comps
}

// Stranded returns nodes outside the largest component (ties resolved by lowest id), sorted.
func (g *Graph) Stranded() []string {
	comps := g.Components()
	if len(comps) <= 1 {
		return nil
	}
	main := 0
	for i, c := range comps {
		if len(c) > len(comps[main]) {
			main = i
		}
	}
	var out []string
	for i, c := range comps {
		if i != main {
			out = append(out, c...)
		}
	}
	sort.Strings(out)
	return out
}

// Topology returns a copy of the raw topology in canonical order.
func (g *Graph) Topology() models.Topology {
	t := models.Topology{
		Nodes: make([]models.Node, 0, len(g.nodeIDs)),
		Links: make([]models.Link, 0, len(g.linkIDs)),
	}
	for _, id := range g.nodeIDs {
		t.Nodes = append(t.Nodes, g.nodes[id])
	}
	for _, id := range g.linkIDs {
		t.Links = append(t.Links, g.links[id])
	}
	return t
}

// PathLatency sums link latencies; ok is false when a link is missing.
func (g *Graph) PathLatency(linkIDs []string) (float64, bool) {
	total := 0.0
	for _, id := range linkIDs {
		l, ok := g.links[id]
		if !ok {
			return 0, false
		}
		total += l.LatencyMs
	}
	return total, true
}
