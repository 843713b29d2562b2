package topology

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Snapshot pairs a graph with the generation that produced it.
type Snapshot struct {
	Graph      *Graph
	Generation uint64
	LoadedAt   time.Time
}

// Store publishes topology snapshots. Readers never lock; a re-ingestion replaces the
// whole snapshot so a request sees either the old graph or the new one.
type Store struct {
	current atomic.Pointer[Snapshot]
	swapMu  sync.Mutex
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Swap validates t and publishes it as the next generation.
func (s *Store) Swap(t models.Topology) (*Snapshot, error) {
	g, err := New(t)
	if err != nil {
		return nil, err
	}
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	var gen uint64 = 1
	if prev := s.current.Load(); prev != nil {
		gen = prev.Generation + 1
	}
	snap := &Snapshot{Graph: g, Generation: gen, LoadedAt: s.now()}
	s.current.Store(snap)
	return snap, nil
}

// Snapshot returns the current snapshot or ErrNoTopology.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, models.ErrNoTopology
	}
	return snap, nil
}

// Graph returns the current graph or ErrNoTopology.
func (s *Store) Graph() (*Graph, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Graph, nil
}

// Generation returns the current generation, zero before the first swap.
func (s *Store) Generation() uint64 {
	if snap := s.current.Load(); snap != nil {
		return snap.Generation
	}
	return 0
}
