package explain

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-risk/internal/models"
)

var metricLabels = map[string]string{
	models.MetricCPU:       "CPU",
	models.MetricMem:       "Memory",
	models.MetricIfUtil:    "Interface utilisation",
	models.MetricPktErr:    "Packet error rate",
	models.MetricLatencyMs: "Latency",
}

// metricPrefixes is ordered so that longer names match first.
var metricPrefixes = []string{
	models.MetricLatencyMs,
	models.MetricIfUtil,
	models.MetricPktErr,
	models.MetricCPU,
	models.MetricMem,
}

var aggLabels = map[string]string{
	"mean":  "mean",
	"max":   "peak",
	"std":   "variability",
	"trend": "trend",
}

// HumanizeFeature turns a feature name into an operator label, e.g.
// "cpu_mean_5m" into "CPU mean over 5m".
func HumanizeFeature(name string) string {
	switch {
	case name == "incident_open":
		return "Open incident"
	case strings.HasPrefix(name, "incident_count_"):
		return "Incidents over " + strings.TrimPrefix(name, "incident_count_")
	}
	metric, rest, ok := splitMetric(name)
	if !ok {
		return strings.ReplaceAll(name, "_", " ")
	}
	label := metricLabels[metric]
	parts := strings.Split(rest, "_")
	switch {
	case rest == "current":
		return label + " (latest)"
	case parts[0] == "accel" && len(parts) == 3:
		return fmt.Sprintf("%s acceleration (%s vs %s)", label, parts[1], parts[2])
	}
	agg, known := aggLabels[parts[0]]
	if !known {
		return label + " " + strings.Join(parts, " ")
	}
	if len(parts) == 2 {
		return fmt.Sprintf("%s %s over %s", label, agg, parts[1])
	}
	return label + " " + agg
}

// FormatValue renders a feature value in its natural unit.
func FormatValue(feature string, v float64) string {
	metric, rest, ok := splitMetric(feature)
	if !ok {
		return fmt.Sprintf("%.3g", v)
	}
	agg := strings.SplitN(rest, "_", 2)[0]
	switch agg {
	case "accel":
		return fmt.Sprintf("%.2fx", v)
	case "std", "trend":
		if metric == models.MetricLatencyMs {
			return fmt.Sprintf("%.1f ms", v)
		}
		return fmt.Sprintf("%.3f", v)
	}
	if models.IsRatioMetric(metric) {
		return fmt.Sprintf("%.1f%%", v*100)
	}
	return fmt.Sprintf("%.1f ms", v)
}

func splitMetric(name string) (metric, rest string, ok bool) {
	for _, m := range metricPrefixes {
		if strings.HasPrefix(name, m+"_") {
			return m, name[len(m)+1:], true
		}
	}
	return "", "", false
}
