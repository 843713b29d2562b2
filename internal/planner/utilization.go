package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
)

// CollectUtilization reads the latest CPU of every node and interface utilisation of
// every link at or before at. Entities without a sample are left out.
func CollectUtilization(ctx context.Context, tel features.Telemetry, g *topology.Graph, at time.Time) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, id := range g.EntityIDs() {
		metric := models.MetricIfUtil
		if g.IsNode(id) {
			metric = models.MetricCPU
		}
		s, ok, err := tel.Last(ctx, id, metric, at)
		if err != nil {
			return nil, fmt.Errorf("utilization of %s: %w", id, err)
		}
		if ok {
			out[id] = s.Value
		}
	}
	return out, nil
}
