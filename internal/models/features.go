package models

import (
	"sort"
	"time"
)

// FeatureVector is the derived model input for one entity at one instant.
type FeatureVector struct {
	EntityID  string             `json:"entity_id"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
	Stale     map[string]bool    `json:"stale,omitempty"`
}

// NewFeatureVector returns an empty vector ready for population.
func NewFeatureVector(entityID string, ts time.Time) FeatureVector {
	return FeatureVector{
		EntityID:  entityID,
		Timestamp: ts,
		Values:    make(map[string]float64),
		Stale:     make(map[string]bool),
	}
}

// Set records a feature value and its staleness.
func (fv FeatureVector) Set(name string, value float64, stale bool) {
	fv.Values[name] = value
	if stale {
		fv.Stale[name] = true
	}
}

// Get returns a feature value.
func (fv FeatureVector) Get(name string) (float64, bool) {
	v, ok := fv.Values[name]
	return v, ok
}

// IsStale reports whether the named feature was carried forward.
func (fv FeatureVector) IsStale(name string) bool {
	return fv.Stale[name]
}

// Names returns feature names in lexical order.
func (fv FeatureVector) Names() []string {
	names := make([]string, 0, len(fv.Values))
	for name := range fv.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StaleNames returns the stale feature names in lexical order.
func (fv FeatureVector) StaleNames() []string {
	names := make([]string, 0, len(fv.Stale))
	for name, stale := range fv.Stale {
		if stale {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (fv FeatureVector) Clone() FeatureVector {
	out := NewFeatureVector(fv.EntityID, fv.Timestamp)
	for k, v := range fv.Values {
		out.Values[k] = v
	}
	for k, v := range fv.Stale {
		if v {
			out.Stale[k] = true
		}
	}
	return out
}
