package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/telemetry"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func fixture() Fixture {
	return Fixture{
		Topology: models.Topology{
			Nodes: []models.Node{{ID: "A", Site: "ams1", CPUCapacity: 8}, {ID: "B", Site: "ams1", CPUCapacity: 8}},
			Links: []models.Link{{ID: "L1", Source: "A", Target: "B", BandwidthMbps: 1000, LatencyMs: 2}},
		},
		CriticalFlows: []models.Flow{{ID: "F1", Links: []string{"L1"}}},
		Metrics: []models.MetricSample{
			{EntityID: "A", Metric: models.MetricCPU, Timestamp: t0.Add(time.Minute), Value: 0.5},
			{EntityID: "A", Metric: models.MetricCPU, Timestamp: t0, Value: 0.4},
		},
		Incidents: []models.Incident{{ID: "I1", EntityID: "A", Start: t0, Severity: models.SeverityHigh, Type: "anomaly"}},
	}
}

func TestWriteAndLoadDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fx")
	require.NoError(t, WriteDir(dir, fixture()))

	fx, store, err := LoadStore(dir)
	require.NoError(t, err)
	assert.Equal(t, fixture().Topology, fx.Topology)
	assert.Equal(t, fixture().CriticalFlows, fx.CriticalFlows)
	require.Len(t, fx.Metrics, 2)
	assert.True(t, fx.Metrics[0].Timestamp.Before(fx.Metrics[1].Timestamp), "metrics are written in time order")

	last, ok, err := store.Last(context.Background(), "A", models.MetricCPU, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.5, last.Value)

	incidents, err := store.Incidents(context.Background(), "A", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.True(t, incidents[0].Open())
}

func TestLoadDirOptionalFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TopologyFile), []byte(`{"nodes":[{"id":"A"}],"links":[]}`), 0o644))

	fx, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, fx.Topology.Nodes, 1)
	assert.Empty(t, fx.Metrics)
	assert.Empty(t, fx.Incidents)
}

func TestLoadDirErrors(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TopologyFile), []byte(`{"nodes":`), 0o644))
	_, err = LoadDir(dir)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestPopulateRejectsOutOfDomainValues(t *testing.T) {
	fx := fixture()
	fx.Metrics = append(fx.Metrics, models.MetricSample{EntityID: "B", Metric: models.MetricCPU, Timestamp: t0, Value: 1.5})
	err := Populate(telemetry.NewMemoryStore(), fx)
	assert.Error(t, err)
}
