// Package model scores feature vectors with interchangeable risk strategies.
package model

import (
	"sort"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Strategy is the capability every risk model exposes. Implementations are
// immutable for the duration of a request and safe for concurrent use.
type Strategy interface {
	Kind() models.Strategy
	Predict(entityID string, fv models.FeatureVector, horizon time.Duration) (models.RiskScore, error)
	ExplainFactors(fv models.FeatureVector) ([]models.Factor, error)
}

func newScore(kind models.Strategy, entityID string, fv models.FeatureVector, horizon time.Duration, score float64, factors []models.Factor, stale bool) models.RiskScore {
	score = clamp01(score)
	return models.RiskScore{
		EntityID:  entityID,
		Timestamp: fv.Timestamp,
		Horizon:   horizon,
		Score:     score,
		Band:      models.BandFor(score),
		ETA:       models.ETAFor(score, horizon),
		Strategy:  kind,
		Factors:   factors,
		Stale:     stale,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// sortFactors orders by absolute weight descending, then feature name.
func sortFactors(factors []models.Factor) {
	sort.SliceStable(factors, func(i, j int) bool {
		wi, wj := abs(factors[i].Weight), abs(factors[j].Weight)
		if wi != wj {
			return wi > wj
		}
		return factors[i].Feature < factors[j].Feature
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
