package topology

import (
	"fmt"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Route is a flow resolved against a graph: the ordered nodes it visits and the links between them.
type Route struct {
	Nodes []string
	Links []string
}

// Source is the first node of the route.
func (r Route) Source() string { return r.Nodes[0] }

// Target is the last node of the route.
func (r Route) Target() string { return r.Nodes[len(r.Nodes)-1] }

// Traverses reports whether the route uses the entity as a link or an interior node.
func (r Route) Traverses(id string) bool {
	for _, l := range r.Links {
		if l == id {
			return true
		}
	}
	for i := 1; i < len(r.Nodes)-1; i++ {
		if r.Nodes[i] == id {
			return true
		}
	}
	return false
}

// Terminates reports whether id is one of the route's endpoints.
func (r Route) Terminates(id string) bool {
	return r.Source() == id || r.Target() == id
}

// Touches reports whether the route depends on id in any way.
func (r Route) Touches(id string) bool {
	return r.Traverses(id) || r.Terminates(id)
}

// ResolveRoute walks links in order and returns the visited nodes. Links must exist and be contiguous.
func (g *Graph) ResolveRoute(links []string) (Route, error) {
	if len(links) == 0 {
		return Route{}, fmt.Errorf("%w: empty route", models.ErrInvalidRequest)
	}
	first, ok := g.links[links[0]]
	if !ok {
		return Route{}, fmt.Errorf("%w: route references unknown link %s", models.ErrUnknownEntity, links[0])
	}
	start := first.Source
	if len(links) > 1 {
		if second, ok := g.links[links[1]]; ok && second.Other(first.Source) != "" && second.Other(first.Target) == "" {
			start = first.Target
		}
	}
	route := Route{Nodes: []string{start}, Links: append([]string(nil), links...)}
	cur := start
	for _, id := range links {
		l, ok := g.links[id]
		if !ok {
			return Route{}, fmt.Errorf("%w: route references unknown link %s", models.ErrUnknownEntity, id)
		}
		next := l.Other(cur)
		if next == "" {
			return Route{}, fmt.Errorf("%w: link %s does not continue the route at %s", models.ErrInvalidRequest, id, cur)
		}
		route.Nodes = append(route.Nodes, next)
		cur = next
	}
	return route, nil
}

// ResolveFlow resolves a critical flow's declared path.
func (g *Graph) ResolveFlow(f models.Flow) (Route, error) {
	r, err := g.ResolveRoute(f.Links)
	if err != nil {
		return Route{}, fmt.Errorf("flow %s: %w", f.ID, err)
	}
	return r, nil
}

// RouteIntact reports whether every node and link of the route is still present.
func (g *Graph) RouteIntact(r Route) bool {
	for _, n := range r.Nodes {
		if !g.IsNode(n) {
			return false
		}
	}
	for _, l := range r.Links {
		if !g.IsLink(l) {
			return false
		}
	}
	return true
}
