// Package telemetry implements the append-only, insertion-ordered,
// K-bounded ring of completed TestResults (spec.md §4.F), plus an optional
// signed outbound webhook mirror.
package telemetry

import (
	"sync"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

// StoreConfig configures the ring's capacity and idempotence window.
type StoreConfig struct {
	// RingSize is K: the maximum number of TestResults retained.
	RingSize int
	// IdempotenceWindow bounds how long a duplicate submit() for the same
	// test-id is treated as last-write-wins rather than a new row
	// (spec.md §4.F).
	IdempotenceWindow time.Duration
}

// DefaultStoreConfig returns the spec's default ring size of 1000 and a
// 5-minute idempotence window.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{RingSize: 1000, IdempotenceWindow: 5 * time.Minute}
}

// entry pairs a TestResult with the wall-clock time it was submitted, used
// to enforce the idempotence window.
type entry struct {
	result     types.TestResult
	submittedAt time.Time
}

// Store is the Telemetry Store of spec.md §4.F: ring-bounded, insertion
// ordered, queryable by recency or by client address. Grounded on the
// teacher's per-run telemetry ring (runOrder-slice eviction), generalized
// from "per-run operation cap" to "global K-bounded TestResult ring".
type Store struct {
	mu     sync.RWMutex
	config StoreConfig

	byTestID map[string]*entry
	order    []string // insertion order, oldest first

	totalSubmitted int64
	gradeHistogram map[string]int64
}

// NewStore builds an empty Store.
func NewStore(config StoreConfig) *Store {
	if config.RingSize <= 0 {
		config.RingSize = DefaultStoreConfig().RingSize
	}
	if config.IdempotenceWindow <= 0 {
		config.IdempotenceWindow = DefaultStoreConfig().IdempotenceWindow
	}
	return &Store{
		config:         config,
		byTestID:       make(map[string]*entry),
		order:          make([]string, 0, config.RingSize),
		gradeHistogram: make(map[string]int64),
	}
}

// Submit is idempotent on test-id within the idempotence window: a second
// submit for the same test-id inside the window overwrites the stored row
// (last-write-wins) rather than appending a new one (spec.md §4.F, §8
// round-trip law).
func (s *Store) Submit(result types.TestResult, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTestID[result.TestID]; ok && now.Sub(existing.submittedAt) <= s.config.IdempotenceWindow {
		s.gradeHistogram[existing.result.Grade.Overall]--
		existing.result = result
		existing.submittedAt = now
		s.gradeHistogram[result.Grade.Overall]++
		return
	}

	s.evictIfNeeded()

	s.byTestID[result.TestID] = &entry{result: result, submittedAt: now}
	s.order = append(s.order, result.TestID)
	s.totalSubmitted++
	s.gradeHistogram[result.Grade.Overall]++
}

// evictIfNeeded discards the oldest result by insertion order while the
// ring is at or over capacity. Preserves invariant 7 of spec.md §8: count
// never exceeds K.
func (s *Store) evictIfNeeded() {
	for len(s.order) >= s.config.RingSize && len(s.order) > 0 {
		oldestID := s.order[0]
		s.order = s.order[1:]
		if e, ok := s.byTestID[oldestID]; ok {
			s.gradeHistogram[e.result.Grade.Overall]--
			delete(s.byTestID, oldestID)
		}
	}
}

// Recent returns the newest-first results, capped at limit (spec.md §4.F:
// limit <= 200 is enforced by the caller, not here).
func (s *Store) Recent(limit int) []types.TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.TestResult, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		if e, ok := s.byTestID[s.order[i]]; ok {
			out = append(out, e.result)
		}
	}
	return out
}

// ByClient returns the newest-first results with an exact client-address
// match, capped at limit.
func (s *Store) ByClient(address string, limit int) []types.TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.TestResult, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		e, ok := s.byTestID[s.order[i]]
		if !ok || e.result.ClientAddress != address {
			continue
		}
		out = append(out, e.result)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats is the §4.F stats() response payload.
type Stats struct {
	Count           int              `json:"count"`
	TotalSubmitted  int64            `json:"total_submitted"`
	GradeHistogram  map[string]int64 `json:"grade_histogram"`
	ForcedTeardowns int64            `json:"forced_teardowns"`
}

// Stats returns counts and the grade histogram. ForcedTeardowns is always
// 0: the store does not receive teardown events (the forced-teardown count
// is exposed by internal/metrics' /metrics instead).
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := make(map[string]int64, len(s.gradeHistogram))
	for k, v := range s.gradeHistogram {
		if v > 0 {
			hist[k] = v
		}
	}
	return Stats{
		Count:          len(s.order),
		TotalSubmitted: s.totalSubmitted,
		GradeHistogram: hist,
	}
}

// Len reports the number of rows currently retained (test hook).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
