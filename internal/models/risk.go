package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy names a risk model implementation.
type Strategy string

const (
	StrategyRule    Strategy = "rule"
	StrategyLearned Strategy = "learned"
	StrategyHybrid  Strategy = "hybrid"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRule, StrategyLearned, StrategyHybrid:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, s)
}

// FactorKind tells the explainer which template applies to a factor.
type FactorKind string

const (
	FactorThreshold FactorKind = "threshold"
	FactorLearned   FactorKind = "learned"
)

// Factor is one contributing feature of a risk score.
//
// Weight holds the violation margin for threshold factors and the signed
// contribution for learned factors. Reference is the threshold or the
// training-time mean respectively.
type Factor struct {
	Feature   string     `json:"feature"`
	Weight    float64    `json:"weight"`
	Value     float64    `json:"value"`
	Reference float64    `json:"reference"`
	Kind      FactorKind `json:"kind"`
	Strategy  Strategy   `json:"strategy"`
	Stale     bool       `json:"stale,omitempty"`
}

// Band buckets a score for operators.
type Band string

const (
	BandLow      Band = "LOW"
	BandMedium   Band = "MEDIUM"
	BandHigh     Band = "HIGH"
	BandCritical Band = "CRITICAL"
)

// BandFor maps a score onto its band.
func BandFor(score float64) Band {
	switch {
	case score < 0.3:
		return BandLow
	case score < 0.6:
		return BandMedium
	case score < 0.85:
		return BandHigh
	default:
		return BandCritical
	}
}

// ETAThreshold is the score above which a time-to-failure estimate is attached.
const ETAThreshold = 0.7

// ETAFor estimates the time until failure, or zero when the score is not alarming.
func ETAFor(score float64, horizon time.Duration) time.Duration {
	if score <= ETAThreshold || horizon <= 0 {
		return 0
	}
	return time.Duration((1 - score) * float64(horizon)).Round(time.Second)
}

// RiskScore is the output of a single prediction.
type RiskScore struct {
	EntityID  string
	Timestamp time.Time
	Horizon   time.Duration
	Score     float64
	Band      Band
	ETA       time.Duration
	Strategy  Strategy
	Factors   []Factor
	Stale     bool
}

type riskScoreJSON struct {
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Horizon   string    `json:"horizon"`
	Score     float64   `json:"score"`
	Band      Band      `json:"band"`
	ETA       string    `json:"eta,omitempty"`
	Strategy  Strategy  `json:"strategy"`
	Factors   []Factor  `json:"factors"`
	Stale     bool      `json:"stale,omitempty"`
}

// MarshalJSON renders durations in Go duration notation.
func (r RiskScore) MarshalJSON() ([]byte, error) {
	out := riskScoreJSON{
		EntityID:  r.EntityID,
		Timestamp: r.Timestamp,
		Horizon:   r.Horizon.String(),
		Score:     r.Score,
		Band:      r.Band,
		Strategy:  r.Strategy,
		Factors:   r.Factors,
		Stale:     r.Stale,
	}
	if out.Factors == nil {
		out.Factors = []Factor{}
	}
	if r.ETA > 0 {
		out.ETA = r.ETA.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON representation.
func (r *RiskScore) UnmarshalJSON(data []byte) error {
	var in riskScoreJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	horizon, err := parseOptionalDuration(in.Horizon)
	if err != nil {
		return fmt.Errorf("horizon: %w", err)
	}
	eta, err := parseOptionalDuration(in.ETA)
	if err != nil {
		return fmt.Errorf("eta: %w", err)
	}
	*r = RiskScore{
		EntityID:  in.EntityID,
		Timestamp: in.Timestamp,
		Horizon:   horizon,
		Score:     in.Score,
		Band:      in.Band,
		ETA:       eta,
		Strategy:  in.Strategy,
		Factors:   in.Factors,
		Stale:     in.Stale,
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
