package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

func TestCanTransitionSingleUserLinearOrder(t *testing.T) {
	if !CanTransitionSingleUser(types.PhaseNone, types.PhaseBaseline) {
		t.Fatal("expected the pre-start sentinel -> baseline to be valid")
	}
	if !CanTransitionSingleUser(types.PhaseBaseline, types.PhaseDLWarmup) {
		t.Fatal("expected baseline -> dl-warmup to be valid")
	}
	if CanTransitionSingleUser(types.PhaseBaseline, types.PhaseULSaturation) {
		t.Fatal("expected baseline -> ul-saturation (skipping phases) to be invalid")
	}
	if !CanTransitionSingleUser(types.PhaseDLWarmup, types.PhaseComplete) {
		t.Fatal("expected any phase -> complete (abort path) to be valid")
	}
}

func TestGradeThresholds(t *testing.T) {
	cases := []struct {
		delta float64
		want  string
	}{
		{4, "A+"}, {10, "A"}, {45, "B"}, {150, "C"}, {300, "D"}, {500, "F"},
	}
	for _, c := range cases {
		if got := Grade(c.delta); got != c.want {
			t.Errorf("Grade(%v) = %q, want %q", c.delta, got, c.want)
		}
	}
}

func TestHouseholdOverallGradeAveragesGamingAndVideoCall(t *testing.T) {
	if got := HouseholdOverallGrade("A+", "A"); got != "A" {
		t.Errorf("expected A (rounded average of A+/A), got %s", got)
	}
	if got := HouseholdOverallGrade("F", "F"); got != "F" {
		t.Errorf("expected F, got %s", got)
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	phases []types.Phase
}

func (b *recordingBroadcaster) BroadcastPhase(testID string, phase types.Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phases = append(b.phases, phase)
}

func TestSingleUserDriverEntersBaselineBeforeAborting(t *testing.T) {
	test := types.NewTest("t1", types.KindSingleUser, "1.2.3.4", time.Now())
	broadcaster := &recordingBroadcaster{}

	// A hard deadline shorter than baseline's own duration forces the
	// abort path to fire from inside the first loop iteration's select,
	// which only happens if baseline was actually entered — catching a
	// regression of the PhaseNone -> PhaseBaseline transition.
	driver := NewSingleUserDriver(test, broadcaster, nil, nil)
	driver.Run(context.Background(), 10*time.Millisecond)

	if test.GetStatus() != types.TestStatusAborted {
		t.Fatalf("expected aborted status on hard deadline, got %s", test.GetStatus())
	}
	if test.AbortReason != "hard_deadline_exceeded" {
		t.Fatalf("expected hard_deadline_exceeded abort reason (not invalid_transition), got %q", test.AbortReason)
	}
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if len(broadcaster.phases) == 0 || broadcaster.phases[0] != types.PhaseBaseline {
		t.Fatalf("expected baseline to be broadcast first, got %+v", broadcaster.phases)
	}
}

func TestSingleUserDriverClientDisconnectAborts(t *testing.T) {
	test := types.NewTest("t2", types.KindSingleUser, "1.2.3.4", time.Now())
	broadcaster := &recordingBroadcaster{}

	driver := NewSingleUserDriver(test, broadcaster, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // immediately cancelled: exercises the client-disconnect abort path

	driver.Run(ctx, time.Minute)

	if test.GetStatus() != types.TestStatusAborted {
		t.Fatalf("expected aborted status on immediate cancel, got %s", test.GetStatus())
	}
	if test.AbortReason != "client_disconnect" {
		t.Fatalf("expected client_disconnect abort reason, got %q", test.AbortReason)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}
	if got := percentile(samples, 0.80); got != 40 {
		t.Fatalf("expected 80th percentile 40, got %v", got)
	}
	if got := percentile(nil, 0.8); got != 0 {
		t.Fatalf("expected 0 for empty samples, got %v", got)
	}
}
