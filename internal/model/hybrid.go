package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Hybrid combination modes.
const (
	HybridMax   = "max"
	HybridBlend = "blend"
)

// HybridStrategy combines the rule and learned strategies. It needs trained
// parameters just like the learned strategy.
type HybridStrategy struct {
	rule    *RuleStrategy
	learned *LearnedStrategy
	mode    string
	weight  float64
}

// NewHybridStrategy combines two strategies. weight is the learned share in blend mode.
func NewHybridStrategy(rule *RuleStrategy, learned *LearnedStrategy, mode string, weight float64) (*HybridStrategy, error) {
	if rule == nil || learned == nil {
		return nil, fmt.Errorf("hybrid strategy needs both rule and learned strategies")
	}
	if mode == "" {
		mode = HybridMax
	}
	if mode != HybridMax && mode != HybridBlend {
		return nil, fmt.Errorf("%w: unknown hybrid mode %q", models.ErrInvalidRequest, mode)
	}
	if weight < 0 || weight > 1 {
		return nil, fmt.Errorf("%w: hybrid weight %v outside [0,1]", models.ErrInvalidRequest, weight)
	}
	return &HybridStrategy{rule: rule, learned: learned, mode: mode, weight: weight}, nil
}

// Kind implements Strategy.
func (h *HybridStrategy) Kind() models.Strategy { return models.StrategyHybrid }

// Predict implements Strategy.
func (h *HybridStrategy) Predict(entityID string, fv models.FeatureVector, horizon time.Duration) (models.RiskScore, error) {
	learned, err := h.learned.Predict(entityID, fv, horizon)
	if err != nil {
		return models.RiskScore{}, hybridNotReady(err)
	}
	rule, err := h.rule.Predict(entityID, fv, horizon)
	if err != nil {
		return models.RiskScore{}, err
	}
	score := rule.Score
	switch h.mode {
	case HybridBlend:
		score = h.weight*learned.Score + (1-h.weight)*rule.Score
	default:
		if learned.Score > score {
			score = learned.Score
		}
	}
	factors := mergeFactors(rule.Factors, learned.Factors)
	return newScore(models.StrategyHybrid, entityID, fv, horizon, score, factors, rule.Stale || learned.Stale), nil
}

// ExplainFactors implements Strategy.
func (h *HybridStrategy) ExplainFactors(fv models.FeatureVector) ([]models.Factor, error) {
	learned, err := h.learned.ExplainFactors(fv)
	if err != nil {
		return nil, hybridNotReady(err)
	}
	rule, err := h.rule.ExplainFactors(fv)
	if err != nil {
		return nil, err
	}
	return mergeFactors(rule, learned), nil
}

// mergeFactors unions factor lists by feature name. On a clash the factor with the
// larger absolute weight wins; each keeps the tag of the strategy that produced it.
func mergeFactors(lists ...[]models.Factor) []models.Factor {
	byName := make(map[string]models.Factor)
	order := make([]string, 0)
	for _, list := range lists {
		for _, f := range list {
			existing, ok := byName[f.Feature]
			if !ok {
				order = append(order, f.Feature)
				byName[f.Feature] = f
				continue
			}
			if abs(f.Weight) > abs(existing.Weight) {
				byName[f.Feature] = f
			}
		}
	}
	out := make([]models.Factor, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	sortFactors(out)
	return out
}

func hybridNotReady(err error) error {
	var nr *models.ModelNotReadyError
	if errors.As(err, &nr) {
		return &models.ModelNotReadyError{Strategy: models.StrategyHybrid, Reason: nr.Reason}
	}
	return err
}
