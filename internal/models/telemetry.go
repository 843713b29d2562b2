package models

import (
	"fmt"
	"math"
	"time"
)

// Metric names understood by the feature store.
const (
	MetricCPU       = "cpu"
	MetricMem       = "mem"
	MetricIfUtil    = "if_util"
	MetricPktErr    = "pkt_err"
	MetricLatencyMs = "latency_ms"
)

// Metrics lists the default metric vocabulary in canonical order.
var Metrics = []string{MetricCPU, MetricMem, MetricIfUtil, MetricPktErr, MetricLatencyMs}

// LoadMetrics are the metrics that grow when traffic shifts onto an entity.
var LoadMetrics = []string{MetricCPU, MetricMem, MetricIfUtil}

// MetricSample is a single telemetry reading for a node or link.
type MetricSample struct {
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// IsRatioMetric reports whether the metric is a utilisation or ratio bounded to [0,1].
func IsRatioMetric(metric string) bool {
	switch metric {
	case MetricCPU, MetricMem, MetricIfUtil, MetricPktErr:
		return true
	}
	return false
}

// ValidateMetricValue checks a value against the physical domain of its metric.
func ValidateMetricValue(metric string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s value %v is not finite", ErrInvalidRequest, metric, value)
	}
	if IsRatioMetric(metric) && (value < 0 || value > 1) {
		return fmt.Errorf("%w: %s value %v outside [0,1]", ErrInvalidRequest, metric, value)
	}
	if value < 0 {
		return fmt.Errorf("%w: %s value %v is negative", ErrInvalidRequest, metric, value)
	}
	return nil
}

// ClampMetricValue forces a value into the domain of its metric.
func ClampMetricValue(metric string, value float64) float64 {
	if value < 0 {
		return 0
	}
	if IsRatioMetric(metric) && value > 1 {
		return 1
	}
	return value
}

// Incident is a historical failure or degradation window on an entity.
type Incident struct {
	ID       string    `json:"id"`
	EntityID string    `json:"entity_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end,omitempty"`
	Severity Severity  `json:"severity"`
	Type     string    `json:"type"`
}

// Open reports whether the incident has no recorded end.
func (i Incident) Open() bool { return i.End.IsZero() }

// ActiveAt reports whether the incident covers t.
func (i Incident) ActiveAt(t time.Time) bool {
	if t.Before(i.Start) {
		return false
	}
	return i.Open() || t.Before(i.End)
}

// StartsWithin reports whether the incident starts in (from, to].
func (i Incident) StartsWithin(from, to time.Time) bool {
	return i.Start.After(from) && !i.Start.After(to)
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)
