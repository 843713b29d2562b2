package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
)

var ref = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func cpuStore(t *testing.T, points map[time.Duration]float64) *telemetry.MemoryStore {
	t.Helper()
	s := telemetry.NewMemoryStore()
	var samples []models.MetricSample
	for ago, v := range points {
		samples = append(samples, models.MetricSample{EntityID: "N1", Metric: models.MetricCPU, Timestamp: ref.Add(-ago), Value: v})
	}
	require.NoError(t, s.AppendSorted(samples))
	return s
}

func TestExtractMarksEmptyWindowStale(t *testing.T) {
	store := NewStore(cpuStore(t, map[time.Duration]float64{
		20 * time.Minute: 0.5,
		12 * time.Minute: 0.6,
		8 * time.Minute:  0.8,
	}))
	cfg := WindowConfig{Windows: []time.Duration{5 * time.Minute, 15 * time.Minute}, Metrics: []string{models.MetricCPU}}

	fv, err := store.Extract(context.Background(), "N1", ref, cfg)
	require.NoError(t, err)

	for _, agg := range []string{AggMean, AggMax, AggStd, AggTrend} {
		assert.True(t, fv.IsStale("cpu_"+agg+"_5m"), "cpu_%s_5m should be stale", agg)
		assert.False(t, fv.IsStale("cpu_"+agg+"_15m"), "cpu_%s_15m should be fresh", agg)
	}
	assert.Equal(t, 0.8, fv.Values["cpu_mean_5m"], "carried forward")
	assert.Equal(t, 0.0, fv.Values["cpu_std_5m"])

	assert.InDelta(t, 0.7, fv.Values["cpu_mean_15m"], 1e-12)
	assert.Equal(t, 0.8, fv.Values["cpu_max_15m"])
	assert.InDelta(t, 0.141421356, fv.Values["cpu_std_15m"], 1e-6)
	assert.InDelta(t, 0.2, fv.Values["cpu_trend_15m"], 1e-12)

	assert.Equal(t, 0.8, fv.Values["cpu_current"])
	assert.True(t, fv.IsStale("cpu_current"), "8 minutes old against a 5 minute window")

	assert.InDelta(t, 0.8/0.7, fv.Values["cpu_accel_5m_15m"], 1e-12)
	assert.True(t, fv.IsStale("cpu_accel_5m_15m"))
}

func TestExtractDataGap(t *testing.T) {
	store := NewStore(cpuStore(t, map[time.Duration]float64{-5 * time.Minute: 0.5}))

	_, err := store.Extract(context.Background(), "N1", ref, DefaultWindowConfig())
	var gap *models.DataGapError
	require.True(t, errors.As(err, &gap), "sample after the reference time does not count")
	assert.Equal(t, "N1", gap.EntityID)

	_, err = store.Extract(context.Background(), "N404", ref, DefaultWindowConfig())
	assert.True(t, errors.As(err, &gap))
}

func TestExtractIsDeterministic(t *testing.T) {
	store := NewStore(cpuStore(t, map[time.Duration]float64{
		29 * time.Minute: 0.31,
		14 * time.Minute: 0.47,
		4 * time.Minute:  0.52,
		1 * time.Minute:  0.61,
	}))
	first, err := store.Extract(context.Background(), "N1", ref, DefaultWindowConfig())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := store.Extract(context.Background(), "N1", ref, DefaultWindowConfig())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Contains(t, first.Values, "cpu_accel_5m_30m")
	assert.Contains(t, first.Values, "cpu_accel_15m_30m")
	assert.NotContains(t, first.Values, "mem_current", "metrics without history are omitted")
}

func TestWindowConfigNormalize(t *testing.T) {
	cfg, err := WindowConfig{Windows: []time.Duration{15 * time.Minute, 5 * time.Minute, 15 * time.Minute}}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute}, cfg.Windows)
	assert.Len(t, cfg.Metrics, len(models.Metrics))

	_, err = WindowConfig{Windows: []time.Duration{0}}.Normalize()
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestExtractIncidentFeatures(t *testing.T) {
	tel := cpuStore(t, map[time.Duration]float64{time.Minute: 0.5})
	require.NoError(t, tel.AddIncidents(
		models.Incident{ID: "i1", EntityID: "N1", Start: ref.Add(-10 * time.Minute), End: ref.Add(-2 * time.Minute)},
		models.Incident{ID: "i2", EntityID: "N1", Start: ref.Add(-time.Minute)},
	))
	store := NewStore(tel, WithIncidents(tel))

	fv, err := store.Extract(context.Background(), "N1", ref, DefaultWindowConfig())
	require.NoError(t, err)
	assert.Equal(t, 1.0, fv.Values[FeatureIncidentOpen])
	assert.Equal(t, 2.0, fv.Values["incident_count_30m"])
}

func TestExtractMany(t *testing.T) {
	store := NewStore(cpuStore(t, map[time.Duration]float64{time.Minute: 0.5}), WithParallelism(2))
	results, err := store.ExtractMany(context.Background(), []string{"N1", "N2", "N1"}, ref, DefaultWindowConfig())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "N2", results[1].EntityID)
	var gap *models.DataGapError
	assert.True(t, errors.As(results[1].Err, &gap))
	assert.Equal(t, results[0].Vector, results[2].Vector)
}
