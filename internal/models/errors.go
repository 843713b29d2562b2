package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest marks malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownEntity marks an identifier absent from the current topology.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrNoTopology is returned before the first topology ingestion.
	ErrNoTopology = errors.New("topology not loaded")
)

// DataGapError signals that an entity has no telemetry at or before the requested instant.
type DataGapError struct {
	EntityID string
	At       time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no telemetry for %s at or before %s", e.EntityID, e.At.UTC().Format(time.RFC3339))
}

// ModelNotReadyError signals that a strategy was selected without trained parameters.
type ModelNotReadyError struct {
	Strategy Strategy
	Reason   string
}

func (e *ModelNotReadyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("model %s not ready", e.Strategy)
	}
	return fmt.Sprintf("model %s not ready: %s", e.Strategy, e.Reason)
}

// InfeasibleConstraintError reports that no candidate action could protect an entity's critical flows.
type InfeasibleConstraintError struct {
	EntityID   string
	Flows      []string
	Constraint string
	Reason     string
}

func (e *InfeasibleConstraintError) Error() string {
	msg := fmt.Sprintf("no feasible action for %s", e.EntityID)
	if e.Constraint != "" {
		msg += fmt.Sprintf(" under %s", e.Constraint)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
