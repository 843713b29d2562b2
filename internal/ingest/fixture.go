// Package ingest reads and writes fixture directories: topology.json (nodes, links
// and critical flows), metrics.json and incidents.json.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
)

// File names inside a fixture directory.
const (
	TopologyFile  = "topology.json"
	MetricsFile   = "metrics.json"
	IncidentsFile = "incidents.json"
)

// Fixture is the full content of a fixture directory.
type Fixture struct {
	Topology      models.Topology
	CriticalFlows []models.Flow
	Metrics       []models.MetricSample
	Incidents     []models.Incident
}

// FetchTopology serves the fixture topology, so a loaded fixture can stand in for
// the remote topology API.
func (fx Fixture) FetchTopology(context.Context) (models.Topology, error) {
	return fx.Topology, nil
}

type topologyDoc struct {
	Nodes         []models.Node `json:"nodes"`
	Links         []models.Link `json:"links"`
	CriticalFlows []models.Flow `json:"critical_flows,omitempty"`
}

// LoadDir reads a fixture directory. topology.json is required; the other files
// are optional and default to empty.
func LoadDir(dir string) (Fixture, error) {
	var fx Fixture
	var doc topologyDoc
	if err := readJSON(filepath.Join(dir, TopologyFile), &doc); err != nil {
		return Fixture{}, err
	}
	fx.Topology = models.Topology{Nodes: doc.Nodes, Links: doc.Links}
	fx.CriticalFlows = doc.CriticalFlows

	if err := readOptional(filepath.Join(dir, MetricsFile), &fx.Metrics); err != nil {
		return Fixture{}, err
	}
	if err := readOptional(filepath.Join(dir, IncidentsFile), &fx.Incidents); err != nil {
		return Fixture{}, err
	}
	return fx, nil
}

// WriteDir writes fx into dir, creating it when needed. Metrics are written in
// time order.
func WriteDir(dir string, fx Fixture) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	doc := topologyDoc{Nodes: fx.Topology.Nodes, Links: fx.Topology.Links, CriticalFlows: fx.CriticalFlows}
	if err := writeJSON(filepath.Join(dir, TopologyFile), doc); err != nil {
		return err
	}
	metrics := append([]models.MetricSample(nil), fx.Metrics...)
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Timestamp.Before(metrics[j].Timestamp) })
	if metrics == nil {
		metrics = []models.MetricSample{}
	}
	if err := writeJSON(filepath.Join(dir, MetricsFile), metrics); err != nil {
		return err
	}
	incidents := fx.Incidents
	if incidents == nil {
		incidents = []models.Incident{}
	}
	return writeJSON(filepath.Join(dir, IncidentsFile), incidents)
}

// Populate loads metrics and incidents into store.
func Populate(store *telemetry.MemoryStore, fx Fixture) error {
	if err := store.AppendSorted(fx.Metrics); err != nil {
		return fmt.Errorf("load metrics: %w", err)
	}
	if err := store.AddIncidents(fx.Incidents...); err != nil {
		return fmt.Errorf("load incidents: %w", err)
	}
	return nil
}

// LoadStore reads dir into a fresh memory store.
func LoadStore(dir string) (Fixture, *telemetry.MemoryStore, error) {
	fx, err := LoadDir(dir)
	if err != nil {
		return Fixture{}, nil, err
	}
	store := telemetry.NewMemoryStore()
	if err := Populate(store, fx); err != nil {
		return Fixture{}, nil, err
	}
	return fx, store, nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", models.ErrInvalidRequest, filepath.Base(path), err)
	}
	return nil
}

func readOptional(path string, out any) error {
	err := readJSON(path, out)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
