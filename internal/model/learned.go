package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// DefaultBlend weights the classifier probability against the anomaly score.
const DefaultBlend = 0.6

// LearnedParams are the trained parameters of the learned strategy. Coefficients
// apply to raw feature deviations (x - mean); Stds define the anomaly z-scores.
type LearnedParams struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trained_at"`
	Features     []string  `json:"features"`
	Means        []float64 `json:"means"`
	Stds         []float64 `json:"stds"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	AnomalyScale float64   `json:"anomaly_scale"`
	Samples      int       `json:"samples"`
	Positives    int       `json:"positives"`
}

// Validate checks shape and numeric sanity.
func (p LearnedParams) Validate() error {
	n := len(p.Features)
	if n == 0 {
		return fmt.Errorf("learned params have no features")
	}
	if len(p.Means) != n || len(p.Stds) != n || len(p.Coefficients) != n {
		return fmt.Errorf("learned params shape mismatch: %d features, %d means, %d stds, %d coefficients",
			n, len(p.Means), len(p.Stds), len(p.Coefficients))
	}
	if p.AnomalyScale <= 0 {
		return fmt.Errorf("learned params anomaly scale must be positive")
	}
	for _, v := range [][]float64{p.Means, p.Stds, p.Coefficients, {p.Intercept}} {
		if floats.HasNaN(v) {
			return fmt.Errorf("learned params contain NaN")
		}
	}
	return nil
}

// FeatureImportance is one feature's weight in the trained classifier.
type FeatureImportance struct {
	Feature     string  `json:"feature"`
	Coefficient float64 `json:"coefficient"`
	Magnitude   float64 `json:"magnitude"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
}

// Importance ranks features by absolute coefficient, ties broken by name.
func (p LearnedParams) Importance() []FeatureImportance {
	out := make([]FeatureImportance, 0, len(p.Features))
	for i, name := range p.Features {
		fi := FeatureImportance{Feature: name}
		if i < len(p.Coefficients) {
			fi.Coefficient = p.Coefficients[i]
			fi.Magnitude = math.Abs(fi.Coefficient)
		}
		if i < len(p.Means) {
			fi.Mean = p.Means[i]
		}
		if i < len(p.Stds) {
			fi.Std = p.Stds[i]
		}
		out = append(out, fi)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Magnitude != out[j].Magnitude {
			return out[i].Magnitude > out[j].Magnitude
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// DecodeLearnedParams parses an opaque parameter blob.
func DecodeLearnedParams(blob []byte) (LearnedParams, error) {
	var p LearnedParams
	if err := json.Unmarshal(blob, &p); err != nil {
		return LearnedParams{}, fmt.Errorf("decode learned params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return LearnedParams{}, err
	}
	return p, nil
}

// EncodeLearnedParams renders parameters as an indented JSON blob.
func EncodeLearnedParams(p LearnedParams) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// LearnedStrategy blends a logistic classifier with a z-score anomaly detector.
// Parameters are published atomically; a request sees one parameter set throughout.
type LearnedStrategy struct {
	params atomic.Pointer[LearnedParams]
	blend  float64
	topN   int
}

// NewLearnedStrategy creates an unloaded strategy. blend is the classifier weight in [0,1].
func NewLearnedStrategy(blend float64, topN int) (*LearnedStrategy, error) {
	if blend < 0 || blend > 1 || math.IsNaN(blend) {
		return nil, fmt.Errorf("%w: blend %v outside [0,1]", models.ErrInvalidRequest, blend)
	}
	if topN <= 0 {
		topN = 5
	}
	return &LearnedStrategy{blend: blend, topN: topN}, nil
}

// Load validates and publishes parameters.
func (s *LearnedStrategy) Load(p LearnedParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := p
	s.params.Store(&cp)
	return nil
}

// Params returns the active parameters, if any.
func (s *LearnedStrategy) Params() (LearnedParams, bool) {
	p := s.params.Load()
	if p == nil {
		return LearnedParams{}, false
	}
	return *p, true
}

// Ready reports whether parameters are loaded.
func (s *LearnedStrategy) Ready() bool { return s.params.Load() != nil }

// Kind implements Strategy.
func (s *LearnedStrategy) Kind() models.Strategy { return models.StrategyLearned }

// Predict implements Strategy.
func (s *LearnedStrategy) Predict(entityID string, fv models.FeatureVector, horizon time.Duration) (models.RiskScore, error) {
	p := s.params.Load()
	if p == nil {
		return models.RiskScore{}, &models.ModelNotReadyError{Strategy: models.StrategyLearned, Reason: "no trained parameters loaded"}
	}
	score, factors, stale := s.evaluate(p, fv)
	return newScore(models.StrategyLearned, entityID, fv, horizon, score, factors, stale), nil
}

// ExplainFactors implements Strategy.
func (s *LearnedStrategy) ExplainFactors(fv models.FeatureVector) ([]models.Factor, error) {
	p := s.params.Load()
	if p == nil {
		return nil, &models.ModelNotReadyError{Strategy: models.StrategyLearned, Reason: "no trained parameters loaded"}
	}
	_, factors, _ := s.evaluate(p, fv)
	return factors, nil
}

// Components exposes the classifier probability and anomaly score separately.
func (s *LearnedStrategy) Components(fv models.FeatureVector) (prob, anomaly float64, err error) {
	p := s.params.Load()
	if p == nil {
		return 0, 0, &models.ModelNotReadyError{Strategy: models.StrategyLearned}
	}
	prob, anomaly, _, _ = components(p, fv)
	return prob, anomaly, nil
}

func (s *LearnedStrategy) evaluate(p *LearnedParams, fv models.FeatureVector) (float64, []models.Factor, bool) {
	prob, anomaly, contributions, stale := components(p, fv)
	score := s.blend*prob + (1-s.blend)*anomaly

	factors := make([]models.Factor, 0, len(p.Features))
	for i, name := range p.Features {
		value, ok := fv.Values[name]
		if !ok || contributions[i] == 0 {
			continue
		}
		factors = append(factors, models.Factor{
			Feature:   name,
			Weight:    contributions[i],
			Value:     value,
			Reference: p.Means[i],
			Kind:      models.FactorLearned,
			Strategy:  models.StrategyLearned,
			Stale:     fv.IsStale(name),
		})
	}
	sortFactors(factors)
	if len(factors) > s.topN {
		factors = factors[:s.topN]
	}
	return score, factors, stale
}

// components computes the classifier probability, the anomaly score and per-feature
// contributions coef*(x-mean). Missing features are imputed with their mean.
func components(p *LearnedParams, fv models.FeatureVector) (float64, float64, []float64, bool) {
	n := len(p.Features)
	deviations := make([]float64, n)
	zs := make([]float64, n)
	stale := false
	for i, name := range p.Features {
		value, ok := fv.Values[name]
		if !ok {
			continue
		}
		stale = stale || fv.IsStale(name)
		deviations[i] = value - p.Means[i]
		if p.Stds[i] > 0 {
			zs[i] = deviations[i] / p.Stds[i]
		}
	}
	contributions := make([]float64, n)
	floats.MulTo(contributions, p.Coefficients, deviations)

	logit := p.Intercept + floats.Sum(contributions)
	prob := 1 / (1 + math.Exp(-logit))

	rms := math.Sqrt(floats.Dot(zs, zs) / float64(n))
	anomaly := math.Tanh(rms / p.AnomalyScale)
	return prob, anomaly, contributions, stale
}
