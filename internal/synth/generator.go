// Package synth generates deterministic network fixtures: a multi-site topology,
// critical flows between sites, metric histories with a daily cycle and incidents
// preceded by a load ramp.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// Node tiers.
const (
	TierCore = "core"
	TierAgg  = "agg"
	TierEdge = "edge"
)

// Options control the generated fixture. Zero fields take the defaults below.
type Options struct {
	Seed         uint64
	Sites        int
	NodesPerSite int
	Start        time.Time
	Duration     time.Duration
	Step         time.Duration
	IncidentRate float64
	// Precursor is how long load ramps up before an incident starts.
	Precursor time.Duration
}

// DefaultOptions is five sites of three nodes over one day at one-minute resolution.
func DefaultOptions() Options {
	return Options{
		Seed:         42,
		Sites:        5,
		NodesPerSite: 3,
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Duration:     24 * time.Hour,
		Step:         time.Minute,
		IncidentRate: 0.002,
		Precursor:    15 * time.Minute,
	}
}

func (o Options) normalize() (Options, error) {
	def := DefaultOptions()
	if o.Sites == 0 {
		o.Sites = def.Sites
	}
	if o.NodesPerSite == 0 {
		o.NodesPerSite = def.NodesPerSite
	}
	if o.Start.IsZero() {
		o.Start = def.Start
	}
	if o.Duration == 0 {
		o.Duration = def.Duration
	}
	if o.Step == 0 {
		o.Step = def.Step
	}
	if o.IncidentRate == 0 {
		o.IncidentRate = def.IncidentRate
	}
	if o.Precursor == 0 {
		o.Precursor = def.Precursor
	}
	switch {
	case o.Sites < 1 || o.Sites > 26:
		return Options{}, fmt.Errorf("%w: sites must be within [1, 26]", models.ErrInvalidRequest)
	case o.NodesPerSite < 1:
		return Options{}, fmt.Errorf("%w: nodes per site must be positive", models.ErrInvalidRequest)
	case o.Duration < o.Step || o.Step <= 0:
		return Options{}, fmt.Errorf("%w: duration must cover at least one step", models.ErrInvalidRequest)
	case o.IncidentRate < 0 || o.IncidentRate > 1:
		return Options{}, fmt.Errorf("%w: incident rate must be within [0, 1]", models.ErrInvalidRequest)
	}
	return o, nil
}

// Generator produces fixtures from a seeded PCG source. The same options always
// yield the same fixture.
type Generator struct {
	opts Options
	rng  *rand.Rand
}

// New validates opts and seeds the generator.
func New(opts Options) (*Generator, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Generate builds the complete fixture.
func (g *Generator) Generate() (ingest.Fixture, error) {
	topo := g.topology()
	graph, err := topology.New(topo)
	if err != nil {
		return ingest.Fixture{}, fmt.Errorf("generated topology: %w", err)
	}
	fx := ingest.Fixture{Topology: topo, CriticalFlows: g.flows(graph, topo)}
	fx.Metrics, fx.Incidents = g.history(topo)
	return fx, nil
}

func (g *Generator) uniform(lo, hi float64) float64 { return lo + g.rng.Float64()*(hi-lo) }

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func (g *Generator) topology() models.Topology {
	var topo models.Topology
	var cores []models.Node
	for s := 0; s < g.opts.Sites; s++ {
		site := fmt.Sprintf("SITE_%c", 'A'+s)
		for i := 0; i < g.opts.NodesPerSite; i++ {
			n := models.Node{ID: fmt.Sprintf("N%d", len(topo.Nodes)), Site: site, Role: models.RoleStandard}
			switch {
			case i == 0:
				n.Tier, n.Role = TierCore, models.RoleCritical
				n.CapacityMbps = float64(5000 + g.rng.IntN(5000))
				n.CPUCapacity, n.MemCapacity = 32, 128
			case i == g.opts.NodesPerSite-1:
				n.Tier = TierEdge
				n.CapacityMbps = float64(500 + g.rng.IntN(1500))
				n.CPUCapacity, n.MemCapacity = 8, 32
			default:
				n.Tier = TierAgg
				n.CapacityMbps = float64(2000 + g.rng.IntN(3000))
				n.CPUCapacity, n.MemCapacity = 16, 64
			}
			topo.Nodes = append(topo.Nodes, n)
			if n.Tier == TierCore {
				cores = append(cores, n)
			}
		}
	}

	linked := make(map[[2]string]bool)
	addLink := func(a, b models.Node, latLo, latHi float64) {
		key := [2]string{a.ID, b.ID}
		if a.ID > b.ID {
			key = [2]string{b.ID, a.ID}
		}
		if a.ID == b.ID || linked[key] {
			return
		}
		linked[key] = true
		topo.Links = append(topo.Links, models.Link{
			ID:            fmt.Sprintf("L%d", len(topo.Links)),
			Source:        a.ID,
			Target:        b.ID,
			BandwidthMbps: math.Min(a.CapacityMbps, b.CapacityMbps),
			LatencyMs:     round(g.uniform(latLo, latHi), 2),
		})
	}

	for s := 0; s < g.opts.Sites; s++ {
		base := s * g.opts.NodesPerSite
		for i := 0; i < g.opts.NodesPerSite-1; i++ {
			addLink(topo.Nodes[base+i], topo.Nodes[base+i+1], 1, 10)
		}
	}
	for i := 0; i+1 < len(cores); i++ {
		l := len(topo.Links)
		addLink(cores[i], cores[i+1], 10, 50)
		if len(topo.Links) > l {
			topo.Links[l].Critical = true
		}
	}
	for i := 0; i < max(1, g.opts.Sites/2); i++ {
		a := topo.Nodes[g.rng.IntN(len(topo.Nodes))]
		b := topo.Nodes[g.rng.IntN(len(topo.Nodes))]
		addLink(a, b, 5, 30)
	}
	return topo
}

// flows connects the edge of each site to the edge of the next one along the
// lowest latency path.
func (g *Generator) flows(graph *topology.Graph, topo models.Topology) []models.Flow {
	var edges []string
	for _, n := range topo.Nodes {
		if n.Tier == TierEdge {
			edges = append(edges, n.ID)
		}
	}
	var flows []models.Flow
	for i := 0; i+1 < len(edges); i++ {
		path, ok := graph.ShortestPath(topology.PathQuery{From: edges[i], To: edges[i+1], MaxHops: 2 * (g.opts.NodesPerSite + 2)})
		if !ok || len(path.Links) == 0 {
			continue
		}
		flows = append(flows, models.Flow{ID: fmt.Sprintf("F%d", len(flows)), Links: path.Links})
	}
	return flows
}

type baseline struct {
	cpu, mem, ifUtil float64
}

var tierBaseline = map[string]baseline{
	TierCore: {cpu: 0.60, mem: 0.65, ifUtil: 0.70},
	TierAgg:  {cpu: 0.50, mem: 0.55, ifUtil: 0.60},
	TierEdge: {cpu: 0.40, mem: 0.45, ifUtil: 0.50},
}

var severities = []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh}

func (g *Generator) steps() []time.Time {
	n := int(g.opts.Duration / g.opts.Step)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = g.opts.Start.Add(time.Duration(i) * g.opts.Step)
	}
	return out
}

// incidents draws incident start steps for one entity and returns a per-step load
// boost: a linear ramp over the precursor window and a spike while the incident lasts.
func (g *Generator) incidents(entityID, kind string, rate float64, steps []time.Time, out *[]models.Incident) []float64 {
	boost := make([]float64, len(steps))
	ramp := int(g.opts.Precursor / g.opts.Step)
	for i := range steps {
		if g.rng.Float64() >= rate {
			continue
		}
		length := 1 + g.rng.IntN(5)
		*out = append(*out, models.Incident{
			ID:       fmt.Sprintf("INC-%05d", len(*out)),
			EntityID: entityID,
			Start:    steps[i],
			End:      steps[i].Add(time.Duration(length) * g.opts.Step),
			Severity: severities[g.rng.IntN(len(severities))],
			Type:     kind,
		})
		for k := 1; k <= ramp && i-k >= 0; k++ {
			boost[i-k] = math.Max(boost[i-k], 0.3*float64(ramp-k+1)/float64(ramp+1))
		}
		for k := 0; k < length && i+k < len(boost); k++ {
			boost[i+k] = math.Max(boost[i+k], g.uniform(0.3, 0.45))
		}
	}
	return boost
}

func daily(ts time.Time, amplitude float64) float64 {
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	return amplitude * math.Sin(2*math.Pi*hour/24)
}

func clip01(v float64) float64 { return math.Min(1, math.Max(0, v)) }

func (g *Generator) history(topo models.Topology) ([]models.MetricSample, []models.Incident) {
	steps := g.steps()
	var samples []models.MetricSample
	var incidents []models.Incident
	emit := func(id, metric string, ts time.Time, v float64, digits int) {
		samples = append(samples, models.MetricSample{EntityID: id, Metric: metric, Timestamp: ts, Value: round(v, digits)})
	}

	for _, n := range topo.Nodes {
		base := tierBaseline[n.Tier]
		boost := g.incidents(n.ID, "anomaly", g.opts.IncidentRate, steps, &incidents)
		for i, ts := range steps {
			cycle := daily(ts, 0.3)
			trend := 0.05 * math.Sin(2*math.Pi*float64(i)/float64(len(steps)))
			emit(n.ID, models.MetricCPU, ts, clip01(base.cpu+cycle+trend+g.rng.NormFloat64()*0.05+boost[i]), 4)
			emit(n.ID, models.MetricMem, ts, clip01(base.mem+trend+g.rng.NormFloat64()*0.03+0.6*boost[i]), 4)
			emit(n.ID, models.MetricIfUtil, ts, clip01(base.ifUtil+cycle+g.rng.NormFloat64()*0.08+0.8*boost[i]), 4)
			emit(n.ID, models.MetricPktErr, ts, clip01(0.001+g.rng.ExpFloat64()*0.002+0.15*boost[i]), 4)
		}
	}
	for _, l := range topo.Links {
		boost := g.incidents(l.ID, "congestion", g.opts.IncidentRate/2, steps, &incidents)
		for i, ts := range steps {
			latency := l.LatencyMs + g.rng.NormFloat64()*l.LatencyMs*0.1 + 200*boost[i]
			emit(l.ID, models.MetricIfUtil, ts, clip01(0.5+daily(ts, 0.2)+g.rng.NormFloat64()*0.08+boost[i]), 4)
			emit(l.ID, models.MetricPktErr, ts, clip01(0.0005+g.rng.ExpFloat64()*0.001+0.1*boost[i]), 4)
			emit(l.ID, models.MetricLatencyMs, ts, math.Max(0, latency), 2)
		}
	}
	return samples, incidents
}
