// Package telemetry provides metric and incident sources for the feature store:
// an in-memory store, an HTTP client for a remote collector and a read-only
// what-if overlay.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Source is the read side shared by every telemetry backend.
type Source interface {
	Samples(ctx context.Context, entityID, metric string, from, to time.Time) ([]models.MetricSample, error)
	Last(ctx context.Context, entityID, metric string, at time.Time) (models.MetricSample, bool, error)
}

type seriesKey struct {
	entity string
	metric string
}

// MemoryStore keeps append-only metric series and incidents in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[seriesKey][]models.MetricSample
	incidents map[string][]models.Incident
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:    make(map[seriesKey][]models.MetricSample),
		incidents: make(map[string][]models.Incident),
	}
}

// Append adds samples. Each sample must lie in its metric's domain and be strictly
// later than the last sample of its (entity, metric) series. The batch is applied
// only if every sample is valid.
func (m *MemoryStore) Append(samples ...models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tails := make(map[seriesKey]time.Time)
	for i, s := range samples {
		if s.EntityID == "" || s.Metric == "" {
			return fmt.Errorf("%w: sample %d lacks entity or metric", models.ErrInvalidRequest, i)
		}
		if err := models.ValidateMetricValue(s.Metric, s.Value); err != nil {
			return fmt.Errorf("sample %d for %s: %w", i, s.EntityID, err)
		}
		key := seriesKey{entity: s.EntityID, metric: s.Metric}
		tail, seen := tails[key]
		if !seen {
			if existing := m.series[key]; len(existing) > 0 {
				tail, seen = existing[len(existing)-1].Timestamp, true
			}
		}
		if seen && !s.Timestamp.After(tail) {
			return fmt.Errorf("%w: %s/%s timestamp %s not after %s", models.ErrInvalidRequest,
				s.EntityID, s.Metric, s.Timestamp.Format(time.RFC3339), tail.Format(time.RFC3339))
		}
		tails[key] = s.Timestamp
	}
	for _, s := range samples {
		key := seriesKey{entity: s.EntityID, metric: s.Metric}
		m.series[key] = append(m.series[key], s)
	}
	return nil
}

// AppendSorted orders samples by timestamp per series before appending, for bulk loads.
func (m *MemoryStore) AppendSorted(samples []models.MetricSample) error {
	sorted := append([]models.MetricSample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return m.Append(sorted...)
}

// Samples returns a copy of the samples with from <= timestamp <= to.
func (m *MemoryStore) Samples(_ context.Context, entityID, metric string, from, to time.Time) ([]models.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[seriesKey{entity: entityID, metric: metric}]
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(from) })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(to) })
	if lo >= hi {
		return nil, nil
	}
	return append([]models.MetricSample(nil), series[lo:hi]...), nil
}

// Last returns the latest sample at or before at.
func (m *MemoryStore) Last(_ context.Context, entityID, metric string, at time.Time) (models.MetricSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[seriesKey{entity: entityID, metric: metric}]
	idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(at) })
	if idx == 0 {
		return models.MetricSample{}, false, nil
	}
	return series[idx-1], true, nil
}

// AddIncidents records incidents; they are kept ordered by start time per entity.
func (m *MemoryStore) AddIncidents(incidents ...models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range incidents {
		if inc.EntityID == "" {
			return fmt.Errorf("%w: incident %s lacks entity", models.ErrInvalidRequest, inc.ID)
		}
		if !inc.Open() && inc.End.Before(inc.Start) {
			return fmt.Errorf("%w: incident %s ends before it starts", models.ErrInvalidRequest, inc.ID)
		}
	}
	for _, inc := range incidents {
		list := append(m.incidents[inc.EntityID], inc)
		sort.SliceStable(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
		m.incidents[inc.EntityID] = list
	}
	return nil
}

// Incidents returns incidents of an entity that overlap [from, to].
func (m *MemoryStore) Incidents(_ context.Context, entityID string, from, to time.Time) ([]models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Incident
	for _, inc := range m.incidents[entityID] {
		if inc.Start.After(to) {
			break
		}
		if !inc.Open() && inc.End.Before(from) {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// Entities returns every entity with at least one sample, sorted.
func (m *MemoryStore) Entities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{})
	for key := range m.series {
		set[key.entity] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Span returns the earliest and latest sample timestamps across all series.
func (m *MemoryStore) Span() (time.Time, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first, last time.Time
	found := false
	for _, series := range m.series {
		if len(series) == 0 {
			continue
		}
		if !found || series[0].Timestamp.Before(first) {
			first = series[0].Timestamp
		}
		if !found || series[len(series)-1].Timestamp.After(last) {
			last = series[len(series)-1].Timestamp
		}
		found = true
	}
	return first, last, found
}

// Len returns the total sample count.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.series {
		n += len(s)
	}
	return n
}
