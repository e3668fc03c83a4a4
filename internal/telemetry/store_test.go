package telemetry

import (
	"testing"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

func result(testID, client, grade string) types.TestResult {
	return types.TestResult{
		TestID:        testID,
		ClientAddress: client,
		Grade:         types.GradeSummary{Overall: grade},
	}
}

func TestStoreEvictsOldestBeyondRingSize(t *testing.T) {
	s := NewStore(StoreConfig{RingSize: 2, IdempotenceWindow: time.Minute})
	now := time.Now()
	s.Submit(result("t1", "1.1.1.1", "A"), now)
	s.Submit(result("t2", "1.1.1.1", "B"), now)
	s.Submit(result("t3", "1.1.1.1", "C"), now)

	if s.Len() != 2 {
		t.Fatalf("expected ring bounded at 2, got %d", s.Len())
	}
	recent := s.Recent(10)
	if len(recent) != 2 || recent[0].TestID != "t3" || recent[1].TestID != "t2" {
		t.Fatalf("expected newest-first [t3, t2], got %+v", recent)
	}
}

func TestStoreSubmitIsIdempotentWithinWindow(t *testing.T) {
	s := NewStore(StoreConfig{RingSize: 10, IdempotenceWindow: 5 * time.Minute})
	now := time.Now()
	s.Submit(result("t1", "1.1.1.1", "A"), now)
	s.Submit(result("t1", "1.1.1.1", "F"), now.Add(time.Second))

	if s.Len() != 1 {
		t.Fatalf("expected one row after idempotent resubmit, got %d", s.Len())
	}
	recent := s.Recent(10)
	if recent[0].Grade.Overall != "F" {
		t.Fatalf("expected last-write-wins grade F, got %s", recent[0].Grade.Overall)
	}
}

func TestStoreByClientFiltersExactMatch(t *testing.T) {
	s := NewStore(DefaultStoreConfig())
	now := time.Now()
	s.Submit(result("t1", "1.1.1.1", "A"), now)
	s.Submit(result("t2", "2.2.2.2", "B"), now)

	got := s.ByClient("1.1.1.1", 10)
	if len(got) != 1 || got[0].TestID != "t1" {
		t.Fatalf("expected only t1, got %+v", got)
	}
}

func TestStoreStatsCountsGradeHistogram(t *testing.T) {
	s := NewStore(DefaultStoreConfig())
	now := time.Now()
	s.Submit(result("t1", "1.1.1.1", "A"), now)
	s.Submit(result("t2", "1.1.1.1", "A"), now)

	stats := s.Stats()
	if stats.Count != 2 || stats.TotalSubmitted != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.GradeHistogram["A"] != 2 {
		t.Fatalf("expected grade A count 2, got %+v", stats.GradeHistogram)
	}
}
