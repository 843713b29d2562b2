package models

import (
	"fmt"
	"math"
	"sort"
)

// Objective is a planning goal; order in a request sets tie-break priority.
type Objective string

const (
	ObjectiveMinimizeRisk          Objective = "minimize_risk"
	ObjectivePreserveCriticalFlows Objective = "preserve_critical_flows"
	ObjectiveBalanceLoad           Objective = "balance_load"
	ObjectiveMinimizeLatency       Objective = "minimize_latency"
)

// ParseObjectives validates and de-duplicates an ordered objective list.
func ParseObjectives(values []string) ([]Objective, error) {
	out := make([]Objective, 0, len(values))
	seen := make(map[Objective]struct{}, len(values))
	for _, v := range values {
		obj := Objective(v)
		switch obj {
		case ObjectiveMinimizeRisk, ObjectivePreserveCriticalFlows, ObjectiveBalanceLoad, ObjectiveMinimizeLatency:
		default:
			return nil, fmt.Errorf("%w: unknown objective %q", ErrInvalidRequest, v)
		}
		if _, dup := seen[obj]; dup {
			continue
		}
		seen[obj] = struct{}{}
		out = append(out, obj)
	}
	return out, nil
}

// Constraint keys recognised by the planner.
const (
	ConstraintMaxLatencyMs     = "max_latency_ms"
	ConstraintReservePct       = "reserve_pct"
	ConstraintMinBandwidthMbps = "min_bandwidth_mbps"
	ConstraintMaxActions       = "max_actions"
)

// Constraints maps named numeric bounds; an absent key is unconstrained.
type Constraints map[string]float64

// Get returns a bound and whether it is set.
func (c Constraints) Get(key string) (float64, bool) {
	v, ok := c[key]
	return v, ok
}

// Validate rejects unknown keys and out-of-range bounds.
func (c Constraints) Validate() error {
	for _, key := range c.Keys() {
		v := c[key]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: constraint %s must be a finite number", ErrInvalidRequest, key)
		}
		switch key {
		case ConstraintMaxLatencyMs, ConstraintMinBandwidthMbps, ConstraintMaxActions:
			if v < 0 {
				return fmt.Errorf("%w: constraint %s must be >= 0", ErrInvalidRequest, key)
			}
		case ConstraintReservePct:
			if v < 0 || v > 100 {
				return fmt.Errorf("%w: constraint %s must be within [0,100]", ErrInvalidRequest, key)
			}
		default:
			return fmt.Errorf("%w: unknown constraint %q", ErrInvalidRequest, key)
		}
	}
	return nil
}

// Keys returns constraint names in lexical order.
func (c Constraints) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PlanContext names what the plan must address.
type PlanContext struct {
	Impacted      []string           `json:"impacted"`
	CriticalFlows []Flow             `json:"critical_flows,omitempty"`
	Utilization   map[string]float64 `json:"utilization,omitempty"`
	Unavailable   []string           `json:"unavailable,omitempty"`
}

// ActionKind enumerates mitigation actions.
type ActionKind string

const (
	ActionReroute    ActionKind = "reroute"
	ActionReallocate ActionKind = "reallocate"
	ActionIsolate    ActionKind = "isolate"
)

// Action is one committed mitigation step.
type Action struct {
	Kind              ActionKind         `json:"kind"`
	Targets           []string           `json:"targets"`
	Flow              string             `json:"flow,omitempty"`
	Via               []string           `json:"via,omitempty"`
	Donor             string             `json:"donor,omitempty"`
	Amount            float64            `json:"amount,omitempty"`
	ExpectedRiskDelta float64            `json:"expected_risk_delta"`
	ConstraintCosts   map[string]float64 `json:"constraint_costs,omitempty"`
}

// DiagnosticCode classifies why an impacted entity received no action.
type DiagnosticCode string

const (
	DiagnosticInfeasible    DiagnosticCode = "infeasible_constraint"
	DiagnosticNoCandidate   DiagnosticCode = "no_candidate"
	DiagnosticUnknownEntity DiagnosticCode = "unknown_entity"
	DiagnosticDataGap       DiagnosticCode = "data_gap"
	DiagnosticModelNotReady DiagnosticCode = "model_not_ready"
	DiagnosticBudget        DiagnosticCode = "action_budget_exhausted"
)

// Diagnostic records a per-entity planning failure without aborting the plan.
type Diagnostic struct {
	EntityID   string         `json:"entity_id"`
	Code       DiagnosticCode `json:"code"`
	Message    string         `json:"message"`
	Flows      []string       `json:"flows,omitempty"`
	Constraint string         `json:"constraint,omitempty"`
}

// Err reconstructs the typed error for infeasible diagnostics.
func (d Diagnostic) Err() error {
	if d.Code != DiagnosticInfeasible {
		return nil
	}
	return &InfeasibleConstraintError{EntityID: d.EntityID, Flows: d.Flows, Constraint: d.Constraint, Reason: d.Message}
}

// EstimatedGain summarises the expected effect of a plan.
type EstimatedGain struct {
	RiskDelta            float64 `json:"risk_delta"`
	SLAViolationsAvoided int     `json:"sla_violations_avoided"`
}

// Plan is the stateless output of one planning call.
type Plan struct {
	ID            string        `json:"id"`
	Objectives    []Objective   `json:"objectives"`
	Constraints   Constraints   `json:"constraints,omitempty"`
	Context       PlanContext   `json:"context"`
	Actions       []Action      `json:"actions"`
	Diagnostics   []Diagnostic  `json:"diagnostics,omitempty"`
	Rationale     []string      `json:"rationale,omitempty"`
	EstimatedGain EstimatedGain `json:"estimated_gain"`
}

// ActionsFor returns the actions whose targets include entityID.
func (p Plan) ActionsFor(entityID string) []Action {
	var out []Action
	for _, a := range p.Actions {
		for _, t := range a.Targets {
			if t == entityID {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// DiagnosticFor returns the diagnostic recorded for entityID.
func (p Plan) DiagnosticFor(entityID string) (Diagnostic, bool) {
	for _, d := range p.Diagnostics {
		if d.EntityID == entityID {
			return d, true
		}
	}
	return Diagnostic{}, false
}
