package topology

import (
	"container/heap"
)

// Default search bounds keep path enumeration finite on pathological graphs.
const (
	DefaultMaxHops       = 8
	DefaultMaxExpansions = 4096
)

// PathQuery describes a bounded shortest-path search weighted by link latency.
type PathQuery struct {
	From          string
	To            string
	AvoidNodes    map[string]bool
	AvoidLinks    map[string]bool
	MaxHops       int
	MaxExpansions int
	// MinBandwidth, when positive, admits only links whose Available bandwidth reaches it.
	MinBandwidth float64
	Available    func(linkID string) float64
}

// Path is a search result.
type Path struct {
	Nodes     []string
	Links     []string
	LatencyMs float64
}

type searchState struct {
	node    string
	link    string
	latency float64
	hops    int
	seq     int
	prev    *searchState
}

type stateHeap []*searchState

func (h stateHeap) Len() int { return len(h) }
func (h stateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.latency != b.latency {
		return a.latency < b.latency
	}
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	if a.node != b.node {
		return a.node < b.node
	}
	return a.seq < b.seq
}
func (h stateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *stateHeap) Push(x any)   { *h = append(*h, x.(*searchState)) }
func (h *stateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ShortestPath returns the lowest-latency path within the hop cap. Ties go to fewer
// hops, then to lexically smaller node and link ids, so results are reproducible.
// The search stops after MaxExpansions settled states.
func (g *Graph) ShortestPath(q PathQuery) (Path, bool) {
	if !g.IsNode(q.From) || !g.IsNode(q.To) || q.AvoidNodes[q.From] || q.AvoidNodes[q.To] {
		return Path{}, false
	}
	maxHops := q.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	maxExpansions := q.MaxExpansions
	if maxExpansions <= 0 {
		maxExpansions = DefaultMaxExpansions
	}
	if q.From == q.To {
		return Path{Nodes: []string{q.From}}, true
	}

	// bestHops holds the fewest hops with which a node has been settled; any later,
	// costlier arrival needs strictly fewer hops to be worth expanding.
	bestHops := make(map[string]int)
	seq := 0
	h := &stateHeap{{node: q.From}}
	expansions := 0
	for h.Len() > 0 {
		cur := heap.Pop(h).(*searchState)
		if hops, ok := bestHops[cur.node]; ok && cur.hops >= hops {
			continue
		}
		bestHops[cur.node] = cur.hops
		if cur.node == q.To {
			return unwind(cur), true
		}
		expansions++
		if expansions > maxExpansions {
			return Path{}, false
		}
		if cur.hops >= maxHops {
			continue
		}
		for _, a := range g.adj[cur.node] {
			if q.AvoidLinks[a.link] || q.AvoidNodes[a.peer] || onPath(cur, a.peer) {
				continue
			}
			if q.MinBandwidth > 0 {
				avail := g.links[a.link].BandwidthMbps
				if q.Available != nil {
					avail = q.Available(a.link)
				}
				if avail < q.MinBandwidth {
					continue
				}
			}
			seq++
			heap.Push(h, &searchState{
				node:    a.peer,
				link:    a.link,
				latency: cur.latency + g.links[a.link].LatencyMs,
				hops:    cur.hops + 1,
				seq:     seq,
				prev:    cur,
			})
		}
	}
	return Path{}, false
}

func onPath(s *searchState, node string) bool {
	for ; s != nil; s = s.prev {
		if s.node == node {
			return true
		}
	}
	return false
}

func unwind(s *searchState) Path {
	p := Path{LatencyMs: s.latency}
	for ; s != nil; s = s.prev {
		p.Nodes = append(p.Nodes, s.node)
		if s.link != "" {
			p.Links = append(p.Links, s.link)
		}
	}
	reverse(p.Nodes)
	reverse(p.Links)
	return p
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
