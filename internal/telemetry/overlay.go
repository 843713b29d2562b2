package telemetry

import (
	"context"
	"sort"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// IncidentSource is implemented by backends that also serve incident history.
type IncidentSource interface {
	Incidents(ctx context.Context, entityID string, from, to time.Time) ([]models.Incident, error)
}

// Overlay is a copy-on-read view of a Source with multiplicative perturbations.
// Samples at or after From, and the latest known value, are scaled and clamped to
// their metric domain. The base source is never written.
type Overlay struct {
	base    Source
	from    time.Time
	factors map[string]map[string]float64
}

// NewOverlay wraps base; perturbations apply to samples timestamped at or after from.
func NewOverlay(base Source, from time.Time) *Overlay {
	return &Overlay{base: base, from: from, factors: make(map[string]map[string]float64)}
}

// Scale composes a factor for one metric of an entity, or every metric when metric is "".
func (o *Overlay) Scale(entityID, metric string, factor float64) {
	m, ok := o.factors[entityID]
	if !ok {
		m = make(map[string]float64)
		o.factors[entityID] = m
	}
	if cur, ok := m[metric]; ok {
		factor *= cur
	}
	m[metric] = factor
}

// Perturbed lists entities with at least one factor, sorted.
func (o *Overlay) Perturbed() []string {
	out := make([]string, 0, len(o.factors))
	for id := range o.factors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Factor returns the combined multiplier for an entity metric.
func (o *Overlay) Factor(entityID, metric string) float64 {
	m, ok := o.factors[entityID]
	if !ok {
		return 1
	}
	f := 1.0
	if all, ok := m[""]; ok {
		f *= all
	}
	if specific, ok := m[metric]; ok {
		f *= specific
	}
	return f
}

// Samples returns perturbed copies of the base samples.
func (o *Overlay) Samples(ctx context.Context, entityID, metric string, from, to time.Time) ([]models.MetricSample, error) {
	samples, err := o.base.Samples(ctx, entityID, metric, from, to)
	if err != nil {
		return nil, err
	}
	f := o.Factor(entityID, metric)
	if f == 1 || len(samples) == 0 {
		return samples, nil
	}
	out := make([]models.MetricSample, len(samples))
	for i, s := range samples {
		if !s.Timestamp.Before(o.from) {
			s.Value = models.ClampMetricValue(metric, s.Value*f)
		}
		out[i] = s
	}
	return out, nil
}

// Last returns the perturbed latest sample.
func (o *Overlay) Last(ctx context.Context, entityID, metric string, at time.Time) (models.MetricSample, bool, error) {
	s, ok, err := o.base.Last(ctx, entityID, metric, at)
	if err != nil || !ok {
		return s, ok, err
	}
	if f := o.Factor(entityID, metric); f != 1 {
		s.Value = models.ClampMetricValue(metric, s.Value*f)
	}
	return s, true, nil
}

// Incidents forwards to the base source when it serves incidents.
func (o *Overlay) Incidents(ctx context.Context, entityID string, from, to time.Time) ([]models.Incident, error) {
	if inc, ok := o.base.(IncidentSource); ok {
		return inc.Incidents(ctx, entityID, from, to)
	}
	return nil, nil
}
