// Package explain renders risk scores as ranked, human-readable explanations.
package explain

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// DefaultMaxFactors bounds the rendered factor list.
const DefaultMaxFactors = 10

// Line is one ranked factor of an explanation.
type Line struct {
	Rank      int               `json:"rank"`
	Feature   string            `json:"feature"`
	Label     string            `json:"label"`
	Text      string            `json:"text"`
	Value     float64           `json:"value"`
	Reference float64           `json:"reference"`
	Weight    float64           `json:"weight"`
	Kind      models.FactorKind `json:"kind"`
	Strategy  models.Strategy   `json:"strategy"`
	Stale     bool              `json:"stale,omitempty"`
}

// Explanation is the presentation form of a RiskScore.
type Explanation struct {
	EntityID  string          `json:"entity_id"`
	Timestamp time.Time       `json:"timestamp"`
	Horizon   string          `json:"horizon"`
	Score     float64         `json:"score"`
	Band      models.Band     `json:"band"`
	Strategy  models.Strategy `json:"strategy"`
	ETA       string          `json:"eta,omitempty"`
	Summary   string          `json:"summary"`
	Factors   []Line          `json:"factors"`
	Stale     bool            `json:"stale,omitempty"`
}

// Explainer is stateless apart from its factor cap.
type Explainer struct {
	maxFactors int
}

// New returns an explainer rendering at most maxFactors lines.
func New(maxFactors int) *Explainer {
	if maxFactors <= 0 {
		maxFactors = DefaultMaxFactors
	}
	return &Explainer{maxFactors: maxFactors}
}

// Explain renders rs. It reads nothing but rs, so equal scores give equal output.
func (e *Explainer) Explain(rs models.RiskScore) Explanation {
	out := Explanation{
		EntityID:  rs.EntityID,
		Timestamp: rs.Timestamp,
		Horizon:   rs.Horizon.String(),
		Score:     rs.Score,
		Band:      rs.Band,
		Strategy:  rs.Strategy,
		Stale:     rs.Stale,
		Factors:   []Line{},
	}
	if rs.ETA > 0 {
		out.ETA = rs.ETA.String()
	}
	for i, f := range rs.Factors {
		if i == e.maxFactors {
			break
		}
		out.Factors = append(out.Factors, Line{
			Rank:      i + 1,
			Feature:   f.Feature,
			Label:     HumanizeFeature(f.Feature),
			Text:      factorText(f),
			Value:     f.Value,
			Reference: f.Reference,
			Weight:    f.Weight,
			Kind:      f.Kind,
			Strategy:  f.Strategy,
			Stale:     f.Stale,
		})
	}
	out.Summary = summary(rs, out.Factors)
	return out
}

func factorText(f models.Factor) string {
	label := HumanizeFeature(f.Feature)
	var text string
	switch f.Kind {
	case models.FactorLearned:
		text = fmt.Sprintf("%s is %s against an expected %s, contributing %+.3f to the risk logit",
			label, FormatValue(f.Feature, f.Value), FormatValue(f.Feature, f.Reference), f.Weight)
	default:
		text = fmt.Sprintf("%s is %s, %.1f%% above the %s threshold",
			label, FormatValue(f.Feature, f.Value), f.Weight*100, FormatValue(f.Feature, f.Reference))
	}
	if f.Stale {
		text += " (stale: no recent samples, last value carried forward)"
	}
	return text
}

func summary(rs models.RiskScore, lines []Line) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is at %s risk (%.2f) over the next %s", rs.EntityID, rs.Band, rs.Score, rs.Horizon)
	if len(lines) == 0 {
		b.WriteString("; no feature exceeds its reference")
	} else {
		fmt.Fprintf(&b, "; top driver: %s", lines[0].Label)
		if len(lines) > 1 {
			fmt.Fprintf(&b, " (+%d more)", len(lines)-1)
		}
	}
	b.WriteString(".")
	if rs.ETA > 0 {
		fmt.Fprintf(&b, " Estimated time to failure: %s.", rs.ETA)
	}
	if rs.Stale {
		b.WriteString(" Some inputs are stale.")
	}
	return b.String()
}
