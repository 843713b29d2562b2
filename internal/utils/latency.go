package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded ring of recent durations per operation and computes percentiles.
type LatencyTracker struct {
	mu      sync.RWMutex
	rings   map[string]*ring
	maxSize int
}

type ring struct {
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyTracker creates a tracker storing up to maxSize samples per operation.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize, rings: make(map[string]*ring)}
}

// Observe records a duration for op, overwriting the oldest sample once full.
func (l *LatencyTracker) Observe(op string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rings[op]
	if !ok {
		r = &ring{samples: make([]time.Duration, l.maxSize)}
		l.rings[op] = r
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % l.maxSize
	if r.next == 0 {
		r.full = true
	}
}

// Percentile returns the percentile (0-100) duration for op. Returns zero if no samples.
func (l *LatencyTracker) Percentile(op string, p float64) time.Duration {
	l.mu.RLock()
	snapshot := l.snapshot(op)
	l.mu.RUnlock()

	if len(snapshot) == 0 {
		return 0
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })
	switch {
	case p <= 0:
		return snapshot[0]
	case p >= 100:
		return snapshot[len(snapshot)-1]
	}
	index := int((p / 100.0) * float64(len(snapshot)-1))
	return snapshot[index]
}

// Count returns number of samples retained for op.
func (l *LatencyTracker) Count(op string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rings[op]
	if !ok {
		return 0
	}
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Operations lists tracked operation names in lexical order.
func (l *LatencyTracker) Operations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ops := make([]string, 0, len(l.rings))
	for op := range l.rings {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (l *LatencyTracker) snapshot(op string) []time.Duration {
	r, ok := l.rings[op]
	if !ok {
		return nil
	}
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	return append([]time.Duration(nil), r.samples[:n]...)
}
