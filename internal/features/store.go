// Package features turns raw metric history into windowed feature vectors.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// Telemetry is the metric history the store reads. Samples are ordered by time and
// include both bounds.
type Telemetry interface {
	Samples(ctx context.Context, entityID, metric string, from, to time.Time) ([]models.MetricSample, error)
	Last(ctx context.Context, entityID, metric string, at time.Time) (models.MetricSample, bool, error)
}

// IncidentSource supplies incident history for the optional incident features.
type IncidentSource interface {
	Incidents(ctx context.Context, entityID string, from, to time.Time) ([]models.Incident, error)
}

// Feature name suffixes.
const (
	AggCurrent = "current"
	AggMean    = "mean"
	AggMax     = "max"
	AggStd     = "std"
	AggTrend   = "trend"
	AggAccel   = "accel"

	FeatureIncidentOpen  = "incident_open"
	FeatureIncidentCount = "incident_count"
)

// WindowConfig selects trailing windows and metrics.
type WindowConfig struct {
	Windows []time.Duration
	Metrics []string
}

// DefaultWindowConfig is 5/15/30 minute windows over every known metric.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Windows: []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
		Metrics: append([]string(nil), models.Metrics...),
	}
}

// Normalize sorts and de-duplicates windows and metrics, filling defaults when empty.
func (c WindowConfig) Normalize() (WindowConfig, error) {
	def := DefaultWindowConfig()
	out := WindowConfig{}
	windows := c.Windows
	if len(windows) == 0 {
		windows = def.Windows
	}
	seen := make(map[time.Duration]struct{}, len(windows))
	for _, w := range windows {
		if w <= 0 {
			return WindowConfig{}, fmt.Errorf("%w: window %s must be positive", models.ErrInvalidRequest, w)
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out.Windows = append(out.Windows, w)
	}
	sort.Slice(out.Windows, func(i, j int) bool { return out.Windows[i] < out.Windows[j] })

	metrics := c.Metrics
	if len(metrics) == 0 {
		metrics = def.Metrics
	}
	mseen := make(map[string]struct{}, len(metrics))
	for _, m := range metrics {
		if m == "" {
			return WindowConfig{}, fmt.Errorf("%w: empty metric name", models.ErrInvalidRequest)
		}
		if _, dup := mseen[m]; dup {
			continue
		}
		mseen[m] = struct{}{}
		out.Metrics = append(out.Metrics, m)
	}
	sort.Strings(out.Metrics)
	return out, nil
}

// Longest returns the longest window.
func (c WindowConfig) Longest() time.Duration {
	if len(c.Windows) == 0 {
		return 0
	}
	return c.Windows[len(c.Windows)-1]
}

// Name builds "<metric>_<agg>_<window>".
func Name(metric, agg string, window time.Duration) string {
	return metric + "_" + agg + "_" + utils.WindowLabel(window)
}

// CurrentName builds "<metric>_current".
func CurrentName(metric string) string {
	return metric + "_" + AggCurrent
}

// AccelName builds "<metric>_accel_<short>_<long>".
func AccelName(metric string, short, long time.Duration) string {
	return metric + "_" + AggAccel + "_" + utils.WindowLabel(short) + "_" + utils.WindowLabel(long)
}

// Store computes feature vectors. It holds no mutable state of its own.
type Store struct {
	telemetry   Telemetry
	incidents   IncidentSource
	logger      *slog.Logger
	parallelism int
}

// Option customises a Store.
type Option func(*Store)

// WithIncidents enables incident-derived features.
func WithIncidents(src IncidentSource) Option {
	return func(s *Store) { s.incidents = src }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithParallelism bounds ExtractMany fan-out.
func WithParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// NewStore builds a feature store over a telemetry source.
func NewStore(telemetry Telemetry, opts ...Option) *Store {
	s := &Store{telemetry: telemetry, logger: slog.Default(), parallelism: 8}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extract computes the feature vector of entityID at at.
//
// Per metric with history it emits <m>_current and, per window, mean, max, std
// and trend over [at-w, at], plus short/long mean ratios. A window without samples
// carries the last known value forward and flags the window's features stale.
// An entity without any sample at or before at yields DataGapError.
func (s *Store) Extract(ctx context.Context, entityID string, at time.Time, cfg WindowConfig) (models.FeatureVector, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return models.FeatureVector{}, err
	}
	if entityID == "" {
		return models.FeatureVector{}, fmt.Errorf("%w: entity id is required", models.ErrInvalidRequest)
	}
	if at.IsZero() {
		return models.FeatureVector{}, fmt.Errorf("%w: reference timestamp is required", models.ErrInvalidRequest)
	}

	fv := models.NewFeatureVector(entityID, at)
	found := false
	for _, metric := range cfg.Metrics {
		ok, err := s.extractMetric(ctx, fv, metric, at, cfg)
		if err != nil {
			return models.FeatureVector{}, err
		}
		found = found || ok
	}
	if !found {
		return models.FeatureVector{}, &models.DataGapError{EntityID: entityID, At: at}
	}
	if s.incidents != nil {
		if err := s.extractIncidents(ctx, fv, at, cfg.Longest()); err != nil {
			return models.FeatureVector{}, err
		}
	}
	return fv, nil
}

type windowStats struct {
	mean  float64
	stale bool
}

func (s *Store) extractMetric(ctx context.Context, fv models.FeatureVector, metric string, at time.Time, cfg WindowConfig) (bool, error) {
	last, ok, err := s.telemetry.Last(ctx, fv.EntityID, metric, at)
	if err != nil {
		return false, fmt.Errorf("last %s for %s: %w", metric, fv.EntityID, err)
	}
	if !ok {
		return false, nil
	}
	fv.Set(CurrentName(metric), last.Value, at.Sub(last.Timestamp) > cfg.Windows[0])

	history, err := s.telemetry.Samples(ctx, fv.EntityID, metric, at.Add(-cfg.Longest()), at)
	if err != nil {
		return false, fmt.Errorf("samples %s for %s: %w", metric, fv.EntityID, err)
	}

	stats := make([]windowStats, len(cfg.Windows))
	for i, w := range cfg.Windows {
		start := at.Add(-w)
		idx := sort.Search(len(history), func(j int) bool { return !history[j].Timestamp.Before(start) })
		stats[i] = aggregate(fv, metric, w, history[idx:], last.Value)
	}

	for i := 0; i < len(cfg.Windows); i++ {
		for j := i + 1; j < len(cfg.Windows); j++ {
			long := stats[j]
			if long.mean == 0 {
				continue
			}
			fv.Set(AccelName(metric, cfg.Windows[i], cfg.Windows[j]), stats[i].mean/long.mean, stats[i].stale || long.stale)
		}
	}
	return true, nil
}

func aggregate(fv models.FeatureVector, metric string, w time.Duration, window []models.MetricSample, carry float64) windowStats {
	if len(window) == 0 {
		fv.Set(Name(metric, AggMean, w), carry, true)
		fv.Set(Name(metric, AggMax, w), carry, true)
		fv.Set(Name(metric, AggStd, w), 0, true)
		fv.Set(Name(metric, AggTrend, w), 0, true)
		return windowStats{mean: carry, stale: true}
	}

	values := make([]float64, len(window))
	max := window[0].Value
	for i, sample := range window {
		values[i] = sample.Value
		if sample.Value > max {
			max = sample.Value
		}
	}
	mean := stat.Mean(values, nil)
	std := 0.0
	if len(values) > 1 {
		std = stat.StdDev(values, nil)
	}
	fv.Set(Name(metric, AggMean, w), mean, false)
	fv.Set(Name(metric, AggMax, w), max, false)
	fv.Set(Name(metric, AggStd, w), std, false)
	fv.Set(Name(metric, AggTrend, w), values[len(values)-1]-values[0], false)
	return windowStats{mean: mean}
}

func (s *Store) extractIncidents(ctx context.Context, fv models.FeatureVector, at time.Time, lookback time.Duration) error {
	from := at.Add(-lookback)
	incidents, err := s.incidents.Incidents(ctx, fv.EntityID, from, at)
	if err != nil {
		return fmt.Errorf("incidents for %s: %w", fv.EntityID, err)
	}
	open, count := 0.0, 0.0
	for _, inc := range incidents {
		if inc.ActiveAt(at) {
			open = 1
		}
		if inc.StartsWithin(from, at) {
			count++
		}
	}
	fv.Set(FeatureIncidentOpen, open, false)
	fv.Set(FeatureIncidentCount+"_"+utils.WindowLabel(lookback), count, false)
	return nil
}

// Result is one entity's outcome from ExtractMany.
type Result struct {
	EntityID string
	Vector   models.FeatureVector
	Err      error
}

// ExtractMany extracts vectors for several entities concurrently. Per-entity
// failures are reported in the result; the returned error is reserved for
// cancellation. Results follow the order of entityIDs.
func (s *Store) ExtractMany(ctx context.Context, entityIDs []string, at time.Time, cfg WindowConfig) ([]Result, error) {
	results := make([]Result, len(entityIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, id := range entityIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fv, err := s.Extract(gctx, id, at, cfg)
			results[i] = Result{EntityID: id, Vector: fv, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
