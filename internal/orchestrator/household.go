package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

const (
	// householdSaturationDuration is the fixed phase-2 duration (spec.md
	// §4.E: "Duration is fixed (30 s by default)").
	householdSaturationDuration = 30 * time.Second
	speedProbeDuration           = 5 * time.Second
	speedProbePercentile         = 0.80
)

// BulkRateSetter receives the measured speed-probe target rate so the bulk
// persona's worker can pace to it during household saturation.
type BulkRateSetter interface {
	SetBulkTargetRate(testID string, bytesPerSecond float64)
}

// HouseholdDriver runs the two-phase adaptive household test (spec.md
// §4.E): a short download speed probe followed by a fixed-duration
// multi-persona saturation phase.
type HouseholdDriver struct {
	test        *types.Test
	broadcaster PhaseBroadcaster
	rateSetter  BulkRateSetter
	logger      *slog.Logger
}

// NewHouseholdDriver builds a driver for test.
func NewHouseholdDriver(test *types.Test, broadcaster PhaseBroadcaster, rateSetter BulkRateSetter, logger *slog.Logger) *HouseholdDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HouseholdDriver{test: test, broadcaster: broadcaster, rateSetter: rateSetter, logger: logger}
}

// Run executes the speed probe, computes its 80th-percentile throughput
// sample, hands that rate to the bulk persona, then runs the fixed
// saturation window. samples is a channel the caller feeds with download
// throughput samples (bytes/sec) for the duration of the probe phase.
func (d *HouseholdDriver) Run(ctx context.Context, samples <-chan float64) {
	d.test.SetHouseholdPhase(types.HouseholdPhaseSpeedProbe)
	if d.broadcaster != nil {
		d.broadcaster.BroadcastPhase(d.test.TestID, types.PhaseBaseline)
	}

	probeDeadline := time.NewTimer(speedProbeDuration)
	defer probeDeadline.Stop()
	var observed []float64
collect:
	for {
		select {
		case s, ok := <-samples:
			if !ok {
				break collect
			}
			observed = append(observed, s)
		case <-probeDeadline.C:
			break collect
		case <-ctx.Done():
			d.test.Finish(types.TestStatusAborted, "client_disconnect", time.Now())
			return
		}
	}

	target := percentile(observed, speedProbePercentile)
	if d.rateSetter != nil {
		d.rateSetter.SetBulkTargetRate(d.test.TestID, target)
	}

	if !CanTransitionHousehold(d.test.GetHouseholdPhase(), types.HouseholdPhaseSaturation) {
		d.logger.Error("invalid household phase transition", "test_id", d.test.TestID)
		d.test.Finish(types.TestStatusAborted, "invalid_transition", time.Now())
		return
	}
	d.test.SetHouseholdPhase(types.HouseholdPhaseSaturation)
	if d.broadcaster != nil {
		d.broadcaster.BroadcastPhase(d.test.TestID, types.PhaseDLSaturation)
	}

	select {
	case <-time.After(householdSaturationDuration):
	case <-ctx.Done():
		d.test.Finish(types.TestStatusAborted, "client_disconnect", time.Now())
		return
	}

	d.test.SetHouseholdPhase(types.HouseholdPhaseComplete)
	if d.broadcaster != nil {
		d.broadcaster.BroadcastPhase(d.test.TestID, types.PhaseComplete)
	}
	d.test.Finish(types.TestStatusCompleted, "", time.Now())
}

// percentile returns the p-th percentile (0..1) of samples using
// the nearest-rank method; returns 0 for an empty sample set.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
