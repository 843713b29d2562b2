// Package training builds labelled datasets from telemetry history and fits the
// learned strategy's parameters.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/models"
)

// Default pseudo-labelling rule, used when incident history is single-class.
const (
	DefaultPseudoLabelFeature   = "cpu_current"
	DefaultPseudoLabelThreshold = 0.85
)

// Example is one labelled feature vector.
type Example struct {
	EntityID string
	At       time.Time
	Vector   models.FeatureVector
	Label    bool
}

// Dataset is a labelled sample set over a fixed feature list.
type Dataset struct {
	Features       []string
	Examples       []Example
	Positives      int
	PseudoLabelled bool
}

// DatasetOptions control sampling.
type DatasetOptions struct {
	Entities []string
	From     time.Time
	To       time.Time
	Step     time.Duration
	Horizon  time.Duration
	Windows  features.WindowConfig

	PseudoLabelFeature   string
	PseudoLabelThreshold float64
}

func (o *DatasetOptions) normalize() error {
	if len(o.Entities) == 0 {
		return fmt.Errorf("%w: no entities to sample", models.ErrInvalidRequest)
	}
	if !o.To.After(o.From) {
		return fmt.Errorf("%w: empty sampling range", models.ErrInvalidRequest)
	}
	if o.Step <= 0 {
		o.Step = 5 * time.Minute
	}
	if o.Horizon <= 0 {
		o.Horizon = time.Hour
	}
	if o.PseudoLabelFeature == "" {
		o.PseudoLabelFeature = DefaultPseudoLabelFeature
	}
	if o.PseudoLabelThreshold <= 0 {
		o.PseudoLabelThreshold = DefaultPseudoLabelThreshold
	}
	return nil
}

// BuildDataset samples every entity at each step in [From, To]. An example is positive
// when an incident on the entity starts within (t, t+Horizon]. Entities without
// history at a step are skipped. When incidents yield a single class the labels fall
// back to PseudoLabelFeature > PseudoLabelThreshold.
//
// The feature list is the set of features present in every example so the trainer
// never sees an imputed column.
func BuildDataset(ctx context.Context, store *features.Store, incidents features.IncidentSource, opts DatasetOptions, logger *slog.Logger) (Dataset, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := opts.normalize(); err != nil {
		return Dataset{}, err
	}
	entities := append([]string(nil), opts.Entities...)
	sort.Strings(entities)

	var ds Dataset
	for at := opts.From; !at.After(opts.To); at = at.Add(opts.Step) {
		results, err := store.ExtractMany(ctx, entities, at, opts.Windows)
		if err != nil {
			return Dataset{}, err
		}
		for _, res := range results {
			if res.Err != nil {
				var gap *models.DataGapError
				if errors.As(res.Err, &gap) {
					continue
				}
				return Dataset{}, fmt.Errorf("extract %s at %s: %w", res.EntityID, at.Format(time.RFC3339), res.Err)
			}
			label, err := incidentLabel(ctx, incidents, res.EntityID, at, opts.Horizon)
			if err != nil {
				return Dataset{}, err
			}
			ds.Examples = append(ds.Examples, Example{EntityID: res.EntityID, At: at, Vector: res.Vector, Label: label})
		}
	}
	if len(ds.Examples) == 0 {
		return Dataset{}, fmt.Errorf("%w: no telemetry in sampling range", models.ErrInvalidRequest)
	}

	ds.Features = commonFeatures(ds.Examples)
	if len(ds.Features) == 0 {
		return Dataset{}, fmt.Errorf("%w: examples share no features", models.ErrInvalidRequest)
	}
	ds.Positives = countPositives(ds.Examples)

	if ds.Positives == 0 || ds.Positives == len(ds.Examples) {
		logger.Warn("incident labels are single-class, using pseudo-labels",
			slog.Int("examples", len(ds.Examples)),
			slog.Int("positives", ds.Positives),
			slog.String("feature", opts.PseudoLabelFeature),
			slog.Float64("threshold", opts.PseudoLabelThreshold))
		for i := range ds.Examples {
			v, _ := ds.Examples[i].Vector.Get(opts.PseudoLabelFeature)
			ds.Examples[i].Label = v > opts.PseudoLabelThreshold
		}
		ds.Positives = countPositives(ds.Examples)
		ds.PseudoLabelled = true
	}
	return ds, nil
}

func incidentLabel(ctx context.Context, src features.IncidentSource, entityID string, at time.Time, horizon time.Duration) (bool, error) {
	if src == nil {
		return false, nil
	}
	incidents, err := src.Incidents(ctx, entityID, at, at.Add(horizon))
	if err != nil {
		return false, fmt.Errorf("incidents for %s: %w", entityID, err)
	}
	for _, inc := range incidents {
		if inc.StartsWithin(at, at.Add(horizon)) {
			return true, nil
		}
	}
	return false, nil
}

func commonFeatures(examples []Example) []string {
	counts := make(map[string]int)
	for _, ex := range examples {
		for name := range ex.Vector.Values {
			counts[name]++
		}
	}
	out := make([]string, 0, len(counts))
	for name, n := range counts {
		if n == len(examples) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func countPositives(examples []Example) int {
	n := 0
	for _, ex := range examples {
		if ex.Label {
			n++
		}
	}
	return n
}
