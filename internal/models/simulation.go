package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SimulationRequest describes a what-if scenario.
//
// Variations are keyed by entity id (every metric) or "entity.metric" and hold
// multiplicative factors applied to the latest known values.
type SimulationRequest struct {
	Scenario      string
	Failures      []string
	Variations    map[string]float64
	At            time.Time
	Horizon       time.Duration
	Strategy      Strategy
	Replan        bool
	Objectives    []Objective
	Constraints   Constraints
	CriticalFlows []Flow
}

// SplitVariationKey separates "entity.metric" keys; metric is empty for entity-wide keys.
func SplitVariationKey(key string) (entity, metric string) {
	idx := strings.LastIndex(key, ".")
	if idx <= 0 || idx == len(key)-1 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

// ValidateVariations checks factors are finite and non-negative.
func ValidateVariations(variations map[string]float64) error {
	for key, factor := range variations {
		if factor < 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
			return fmt.Errorf("%w: variation %s must be a non-negative factor", ErrInvalidRequest, key)
		}
	}
	return nil
}

// EntityDelta is the before/after risk of one affected entity.
type EntityDelta struct {
	EntityID string  `json:"entity_id"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Delta    float64 `json:"delta"`
	Failed   bool    `json:"failed,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// FlowStatus reports what a scenario does to a critical flow.
type FlowStatus struct {
	FlowID     string   `json:"flow_id"`
	Intact     bool     `json:"intact"`
	Broken     bool     `json:"broken"`
	Reroutable bool     `json:"reroutable"`
	Via        []string `json:"via,omitempty"`
	LatencyMs  float64  `json:"latency_ms,omitempty"`
}

// SimulationOutcome is the result of one what-if run.
type SimulationOutcome struct {
	Scenario     string        `json:"scenario"`
	Failures     []string      `json:"failures"`
	Deltas       []EntityDelta `json:"deltas"`
	Flows        []FlowStatus  `json:"flows,omitempty"`
	Disconnected []string      `json:"disconnected,omitempty"`
	Plan         *Plan         `json:"plan,omitempty"`
}

// FlowStatusFor returns the status for a flow id.
func (o SimulationOutcome) FlowStatusFor(flowID string) (FlowStatus, bool) {
	for _, f := range o.Flows {
		if f.FlowID == flowID {
			return f, true
		}
	}
	return FlowStatus{}, false
}
