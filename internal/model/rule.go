package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Aggregation modes for rule margins.
const (
	AggregateSum = "sum"
	AggregateMax = "max"
)

// Threshold is one rule of the threshold table. Feature names a base feature
// ("cpu_current", "cpu_mean") and also matches its windowed variants ("cpu_mean_5m").
type Threshold struct {
	ID        string  `yaml:"id"`
	Feature   string  `yaml:"feature"`
	Threshold float64 `yaml:"threshold"`
	Weight    float64 `yaml:"weight"`
}

// RulePack is the YAML root of a threshold table.
type RulePack struct {
	Aggregation string      `yaml:"aggregation"`
	Thresholds  []Threshold `yaml:"thresholds"`
}

var defaultLimits = []struct {
	metric string
	limit  float64
}{
	{models.MetricCPU, 0.85},
	{models.MetricMem, 0.90},
	{models.MetricIfUtil, 0.80},
	{models.MetricPktErr, 0.05},
	{models.MetricLatencyMs, 100},
}

// DefaultRulePack returns the built-in table used when no rule file is configured.
func DefaultRulePack() RulePack {
	pack := RulePack{Aggregation: AggregateSum}
	for _, d := range defaultLimits {
		pack.Thresholds = append(pack.Thresholds,
			Threshold{ID: strings.ToUpper(d.metric) + "_HIGH", Feature: d.metric + "_current", Threshold: d.limit, Weight: 3},
			Threshold{ID: strings.ToUpper(d.metric) + "_SUSTAINED", Feature: d.metric + "_mean", Threshold: d.limit, Weight: 2},
		)
	}
	pack.Thresholds = append(pack.Thresholds, Threshold{ID: "CPU_RISING", Feature: "cpu_trend", Threshold: 0.2, Weight: 0.5})
	return pack
}

// LoadRulePack reads a YAML rule pack. An empty path or a missing file yields the default pack.
func LoadRulePack(path string, logger *slog.Logger) (RulePack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return DefaultRulePack(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule pack not found, using defaults", slog.String("path", path))
			return DefaultRulePack(), nil
		}
		return RulePack{}, fmt.Errorf("read rule pack: %w", err)
	}
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return RulePack{}, fmt.Errorf("parse rule pack: %w", err)
	}
	return pack, nil
}

// RuleStrategy scores by normalised threshold violation margins. It ignores the
// horizon: the same thresholds apply to any look-ahead.
type RuleStrategy struct {
	thresholds  []Threshold
	aggregation string
}

// NewRuleStrategy validates a rule pack.
func NewRuleStrategy(pack RulePack) (*RuleStrategy, error) {
	agg := strings.ToLower(pack.Aggregation)
	if agg == "" {
		agg = AggregateSum
	}
	if agg != AggregateSum && agg != AggregateMax {
		return nil, fmt.Errorf("%w: unknown aggregation %q", models.ErrInvalidRequest, pack.Aggregation)
	}
	if len(pack.Thresholds) == 0 {
		return nil, fmt.Errorf("%w: rule pack has no thresholds", models.ErrInvalidRequest)
	}
	out := make([]Threshold, 0, len(pack.Thresholds))
	for _, th := range pack.Thresholds {
		if th.Feature == "" {
			return nil, fmt.Errorf("%w: rule %s has no feature", models.ErrInvalidRequest, th.ID)
		}
		if th.Threshold <= 0 {
			return nil, fmt.Errorf("%w: rule %s threshold must be positive", models.ErrInvalidRequest, th.ID)
		}
		if th.Weight < 0 {
			return nil, fmt.Errorf("%w: rule %s weight must not be negative", models.ErrInvalidRequest, th.ID)
		}
		if th.Weight == 0 {
			th.Weight = 1
		}
		out = append(out, th)
	}
	return &RuleStrategy{thresholds: out, aggregation: agg}, nil
}

// Kind implements Strategy.
func (r *RuleStrategy) Kind() models.Strategy { return models.StrategyRule }

// Thresholds returns a copy of the active table.
func (r *RuleStrategy) Thresholds() []Threshold {
	return append([]Threshold(nil), r.thresholds...)
}

// Predict implements Strategy.
func (r *RuleStrategy) Predict(entityID string, fv models.FeatureVector, horizon time.Duration) (models.RiskScore, error) {
	evals := r.evaluate(fv)
	score := 0.0
	stale := false
	factors := make([]models.Factor, 0, len(evals))
	for _, e := range evals {
		stale = stale || e.factor.Stale
		contribution := e.weight * e.factor.Weight
		switch r.aggregation {
		case AggregateMax:
			if contribution > score {
				score = contribution
			}
		default:
			score += contribution
		}
		if e.factor.Weight > 0 {
			factors = append(factors, e.factor)
		}
	}
	sortFactors(factors)
	return newScore(models.StrategyRule, entityID, fv, horizon, score, factors, stale), nil
}

// ExplainFactors implements Strategy: every violated feature sorted by margin.
func (r *RuleStrategy) ExplainFactors(fv models.FeatureVector) ([]models.Factor, error) {
	evals := r.evaluate(fv)
	factors := make([]models.Factor, 0, len(evals))
	for _, e := range evals {
		if e.factor.Weight > 0 {
			factors = append(factors, e.factor)
		}
	}
	sortFactors(factors)
	return factors, nil
}

type evaluation struct {
	factor models.Factor
	weight float64
}

// evaluate returns one evaluation per matched feature, keeping the rule with the largest margin.
func (r *RuleStrategy) evaluate(fv models.FeatureVector) []evaluation {
	var out []evaluation
	for _, name := range fv.Names() {
		value := fv.Values[name]
		var best *evaluation
		for _, th := range r.thresholds {
			if !matchesBase(name, th.Feature) {
				continue
			}
			margin := (value - th.Threshold) / th.Threshold
			if margin < 0 {
				margin = 0
			}
			if best == nil || margin*th.Weight > best.factor.Weight*best.weight {
				best = &evaluation{
					factor: models.Factor{
						Feature:   name,
						Weight:    margin,
						Value:     value,
						Reference: th.Threshold,
						Kind:      models.FactorThreshold,
						Strategy:  models.StrategyRule,
						Stale:     fv.IsStale(name),
					},
					weight: th.Weight,
				}
			}
		}
		if best != nil {
			out = append(out, *best)
		}
	}
	return out
}

// matchesBase reports whether name is base or base followed by a window label such as "_5m".
func matchesBase(name, base string) bool {
	if name == base {
		return true
	}
	if !strings.HasPrefix(name, base+"_") {
		return false
	}
	return isWindowLabel(name[len(base)+1:])
}

func isWindowLabel(s string) bool {
	if len(s) < 2 {
		return false
	}
	unit := s[len(s)-1]
	if unit != 'm' && unit != 's' {
		return false
	}
	for _, c := range s[:len(s)-1] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
