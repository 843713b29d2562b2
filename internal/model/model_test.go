package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/models"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func vector(values map[string]float64) models.FeatureVector {
	fv := models.NewFeatureVector("N1", at)
	for k, v := range values {
		fv.Set(k, v, false)
	}
	return fv
}

func TestRuleStrategyMarginForCPUMean(t *testing.T) {
	rule, err := NewRuleStrategy(RulePack{Thresholds: []Threshold{{ID: "CPU_HIGH", Feature: "cpu_mean", Threshold: 0.85}}})
	require.NoError(t, err)

	rs, err := rule.Predict("N1", vector(map[string]float64{"cpu_mean": 0.90}), time.Hour)
	require.NoError(t, err)
	assert.Greater(t, rs.Score, 0.0)
	require.Len(t, rs.Factors, 1)
	assert.Equal(t, "cpu_mean", rs.Factors[0].Feature)
	assert.InDelta(t, 0.0588, rs.Factors[0].Weight, 1e-3)
	assert.Equal(t, 0.85, rs.Factors[0].Reference)
	assert.Equal(t, models.FactorThreshold, rs.Factors[0].Kind)
}

func TestRuleStrategyMatchesWindowVariants(t *testing.T) {
	rule, err := NewRuleStrategy(DefaultRulePack())
	require.NoError(t, err)

	factors, err := rule.ExplainFactors(vector(map[string]float64{
		"cpu_mean_5m":       0.95,
		"cpu_mean_15m":      0.90,
		"cpu_mean_extra":    5,
		"cpu_current":       0.5,
		"latency_ms_max_5m": 500,
	}))
	require.NoError(t, err)
	names := make([]string, 0, len(factors))
	for _, f := range factors {
		names = append(names, f.Feature)
	}
	assert.Equal(t, []string{"cpu_mean_5m", "cpu_mean_15m"}, names, "sorted by margin, unrelated suffixes ignored")
}

func TestRuleStrategyIsMonotonicAndBounded(t *testing.T) {
	rule, err := NewRuleStrategy(DefaultRulePack())
	require.NoError(t, err)

	base := map[string]float64{
		"cpu_current": 0.7, "cpu_mean_5m": 0.8, "mem_current": 0.5,
		"if_util_mean_15m": 0.85, "latency_ms_current": 90, "cpu_trend_5m": 0.1,
	}
	for name := range base {
		prev := -1.0
		for step := 0; step < 40; step++ {
			values := map[string]float64{}
			for k, v := range base {
				values[k] = v
			}
			values[name] = base[name] * (1 + 0.1*float64(step))
			rs, err := rule.Predict("N1", vector(values), time.Hour)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, rs.Score, prev, "feature %s step %d", name, step)
			assert.LessOrEqual(t, rs.Score, 1.0)
			assert.GreaterOrEqual(t, rs.Score, 0.0)
			prev = rs.Score
		}
	}
}

func TestRuleStrategyIgnoresHorizon(t *testing.T) {
	rule, err := NewRuleStrategy(DefaultRulePack())
	require.NoError(t, err)
	fv := vector(map[string]float64{"cpu_current": 0.95})
	short, err := rule.Predict("N1", fv, 5*time.Minute)
	require.NoError(t, err)
	long, err := rule.Predict("N1", fv, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, short.Score, long.Score)
	assert.Equal(t, short.Factors, long.Factors)
}

func TestRuleStrategyFlagsStaleInputs(t *testing.T) {
	rule, err := NewRuleStrategy(DefaultRulePack())
	require.NoError(t, err)
	fv := models.NewFeatureVector("N1", at)
	fv.Set("cpu_mean_5m", 0.95, true)
	rs, err := rule.Predict("N1", fv, time.Hour)
	require.NoError(t, err)
	assert.True(t, rs.Stale)
	require.NotEmpty(t, rs.Factors)
	assert.True(t, rs.Factors[0].Stale)
}

func TestNewRuleStrategyValidates(t *testing.T) {
	_, err := NewRuleStrategy(RulePack{Thresholds: []Threshold{{ID: "bad", Feature: "cpu_current", Threshold: 0}}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = NewRuleStrategy(RulePack{Aggregation: "median", Thresholds: DefaultRulePack().Thresholds})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestRuleStrategyMaxAggregation(t *testing.T) {
	rule, err := NewRuleStrategy(RulePack{Aggregation: AggregateMax, Thresholds: []Threshold{
		{ID: "a", Feature: "cpu_current", Threshold: 0.5},
		{ID: "b", Feature: "mem_current", Threshold: 0.5},
	}})
	require.NoError(t, err)
	rs, err := rule.Predict("N1", vector(map[string]float64{"cpu_current": 0.6, "mem_current": 0.7}), time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, rs.Score, 1e-9)
}

func TestLoadRulePack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`aggregation: max
thresholds:
  - id: CPU_HIGH
    feature: cpu_current
    threshold: 0.8
    weight: 2
`), 0o644))

	pack, err := LoadRulePack(path, nil)
	require.NoError(t, err)
	assert.Equal(t, AggregateMax, pack.Aggregation)
	require.Len(t, pack.Thresholds, 1)
	assert.Equal(t, 2.0, pack.Thresholds[0].Weight)

	missing, err := LoadRulePack(filepath.Join(dir, "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRulePack(), missing)
}

func TestShippedRulePackMatchesDefaults(t *testing.T) {
	pack, err := LoadRulePack(filepath.Join("..", "..", "configs", "rules", "thresholds.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRulePack(), pack)
}

func oneFeatureParams() LearnedParams {
	return LearnedParams{
		Version:      "test",
		Features:     []string{"cpu_current", "mem_current"},
		Means:        []float64{0, 0.5},
		Stds:         []float64{1, 0},
		Coefficients: []float64{1, 3},
		Intercept:    0,
		AnomalyScale: 1,
	}
}

func TestLearnedStrategyNotReady(t *testing.T) {
	learned, err := NewLearnedStrategy(DefaultBlend, 3)
	require.NoError(t, err)
	_, err = learned.Predict("N1", vector(map[string]float64{"cpu_current": 0.9}), time.Hour)
	var nr *models.ModelNotReadyError
	require.True(t, errors.As(err, &nr))
	assert.Equal(t, models.StrategyLearned, nr.Strategy)
}

func TestLearnedStrategyBlend(t *testing.T) {
	learned, err := NewLearnedStrategy(DefaultBlend, 3)
	require.NoError(t, err)
	require.NoError(t, learned.Load(oneFeatureParams()))

	rs, err := learned.Predict("N1", vector(map[string]float64{"cpu_current": 0, "mem_current": 0.5}), time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, rs.Score, 1e-9, "p=0.5, anomaly=0")
	assert.Empty(t, rs.Factors)

	rs, err = learned.Predict("N1", vector(map[string]float64{"cpu_current": 2, "mem_current": 0.5}), time.Hour)
	require.NoError(t, err)
	prob := 1 / (1 + math.Exp(-2))
	anomaly := math.Tanh(math.Sqrt(4.0 / 2))
	assert.InDelta(t, 0.6*prob+0.4*anomaly, rs.Score, 1e-9)
	require.Len(t, rs.Factors, 1)
	assert.Equal(t, "cpu_current", rs.Factors[0].Feature)
	assert.Equal(t, models.FactorLearned, rs.Factors[0].Kind)
	assert.InDelta(t, 2.0, rs.Factors[0].Weight, 1e-9)
}

func TestLearnedStrategyRanksByContribution(t *testing.T) {
	learned, err := NewLearnedStrategy(0.5, 1)
	require.NoError(t, err)
	require.NoError(t, learned.Load(oneFeatureParams()))

	factors, err := learned.ExplainFactors(vector(map[string]float64{"cpu_current": 0.2, "mem_current": 0.9}))
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, "mem_current", factors[0].Feature, "3*(0.9-0.5) outweighs 1*(0.2-0)")
}

func TestLearnedParamsValidate(t *testing.T) {
	p := oneFeatureParams()
	p.Stds = p.Stds[:1]
	assert.Error(t, p.Validate())
	p = oneFeatureParams()
	p.AnomalyScale = 0
	assert.Error(t, p.Validate())
	_, err := NewLearnedStrategy(1.5, 1)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestLearnedParamsImportance(t *testing.T) {
	p := LearnedParams{
		Features:     []string{"net_current", "cpu_current", "mem_current", "disk_current"},
		Means:        []float64{0.1, 0.2, 0.3, 0.4},
		Stds:         []float64{1, 1, 1, 1},
		Coefficients: []float64{0.5, -2, 0.5, 1},
		AnomalyScale: 1,
	}
	ranked := p.Importance()
	require.Len(t, ranked, 4)
	names := make([]string, len(ranked))
	for i, fi := range ranked {
		names[i] = fi.Feature
	}
	assert.Equal(t, []string{"cpu_current", "disk_current", "mem_current", "net_current"}, names)
	assert.Equal(t, -2.0, ranked[0].Coefficient, "sign is kept")
	assert.Equal(t, 2.0, ranked[0].Magnitude)
	assert.Equal(t, 0.2, ranked[0].Mean)
}

func TestHybridStrategy(t *testing.T) {
	rule, err := NewRuleStrategy(RulePack{Thresholds: []Threshold{{ID: "CPU_HIGH", Feature: "cpu_current", Threshold: 0.5, Weight: 1}}})
	require.NoError(t, err)
	learned, err := NewLearnedStrategy(DefaultBlend, 5)
	require.NoError(t, err)
	hybrid, err := NewHybridStrategy(rule, learned, HybridMax, 0)
	require.NoError(t, err)

	fv := vector(map[string]float64{"cpu_current": 0.9, "mem_current": 0.9})
	_, err = hybrid.Predict("N1", fv, time.Hour)
	var nr *models.ModelNotReadyError
	require.True(t, errors.As(err, &nr))
	assert.Equal(t, models.StrategyHybrid, nr.Strategy)

	require.NoError(t, learned.Load(oneFeatureParams()))
	rs, err := hybrid.Predict("N1", fv, time.Hour)
	require.NoError(t, err)
	ruleScore, _ := rule.Predict("N1", fv, time.Hour)
	learnedScore, _ := learned.Predict("N1", fv, time.Hour)
	assert.Equal(t, math.Max(ruleScore.Score, learnedScore.Score), rs.Score)
	assert.Equal(t, models.StrategyHybrid, rs.Strategy)

	seen := map[string]models.Strategy{}
	for _, f := range rs.Factors {
		_, dup := seen[f.Feature]
		assert.False(t, dup, "duplicate factor %s", f.Feature)
		seen[f.Feature] = f.Strategy
	}
	assert.Equal(t, models.StrategyLearned, seen["mem_current"])
	assert.Contains(t, seen, "cpu_current")

	blend, err := NewHybridStrategy(rule, learned, HybridBlend, 0.25)
	require.NoError(t, err)
	rs, err = blend.Predict("N1", fv, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.25*learnedScore.Score+0.75*ruleScore.Score, rs.Score, 1e-9)
}

func TestRegistryDispatchAndReload(t *testing.T) {
	blob, err := EncodeLearnedParams(oneFeatureParams())
	require.NoError(t, err)
	loader := StaticParamsLoader{}
	reg, err := NewRegistry(Options{Blend: DefaultBlend}, loader, nil)
	require.NoError(t, err)

	s, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyRule, s.Kind())

	_, err = reg.Get("neural")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	assert.True(t, IsNotReady(reg.Reload(context.Background())))
	learned, err := reg.Get(models.StrategyLearned)
	require.NoError(t, err)
	_, err = learned.Predict("N1", vector(map[string]float64{"cpu_current": 0.99}), time.Hour)
	assert.True(t, IsNotReady(err), "no silent fallback to the rule strategy")

	loader[models.StrategyLearned] = blob
	require.NoError(t, reg.Reload(context.Background()))
	assert.Equal(t, "test", reg.Version())
	rs, err := learned.Predict("N1", vector(map[string]float64{"cpu_current": 0.99}), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyLearned, rs.Strategy)
}

func TestFileParamsLoader(t *testing.T) {
	loader := NewFileParamsLoader(filepath.Join(t.TempDir(), "params"))
	_, err := loader.LoadParams(context.Background(), models.StrategyLearned)
	assert.True(t, IsNotReady(err))

	blob, err := EncodeLearnedParams(oneFeatureParams())
	require.NoError(t, err)
	require.NoError(t, loader.SaveParams(models.StrategyLearned, blob))

	got, err := loader.LoadParams(context.Background(), models.StrategyLearned)
	require.NoError(t, err)
	params, err := DecodeLearnedParams(got)
	require.NoError(t, err)
	assert.Equal(t, oneFeatureParams().Features, params.Features)
}
