package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

// teardownGrace is how long the orchestrator waits for StreamRegistry(test)
// to drain to empty after broadcasting "complete" before escalating to a
// forced teardown (spec.md §4.E).
const teardownGrace = 5 * time.Second

// PhaseBroadcaster is notified of every phase transition so worker
// connections can react.
type PhaseBroadcaster interface {
	BroadcastPhase(testID string, phase types.Phase)
}

// ForceCloser forcibly tears down any stream left in a test's registry
// once the teardown grace period expires.
type ForceCloser interface {
	ForceCloseAll(testID string)
}

// SingleUserDriver runs the wall-clock phase sequence of a single-user
// test (spec.md §4.E), advancing types.Test.CurrentPhase on a timer chain
// grounded on the teacher's per-stage duration timers in
// runmanager/stages.go.
type SingleUserDriver struct {
	test        *types.Test
	broadcaster PhaseBroadcaster
	closer      ForceCloser
	logger      *slog.Logger
}

// NewSingleUserDriver builds a driver for test.
func NewSingleUserDriver(test *types.Test, broadcaster PhaseBroadcaster, closer ForceCloser, logger *slog.Logger) *SingleUserDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingleUserDriver{test: test, broadcaster: broadcaster, closer: closer, logger: logger}
}

// Run advances through types.SingleUserPhaseOrder on wall-clock timers
// until complete, an abort is requested via ctx, or the hard per-test
// deadline (spec.md §5: 5 minutes) is exceeded.
func (d *SingleUserDriver) Run(ctx context.Context, hardDeadline time.Duration) {
	deadline := time.NewTimer(hardDeadline)
	defer deadline.Stop()

	for _, step := range types.SingleUserPhaseOrder {
		if step.Phase == types.PhaseComplete {
			break
		}
		if !CanTransitionSingleUser(d.test.GetPhase(), step.Phase) {
			d.logger.Error("invalid single-user phase transition attempted",
				"test_id", d.test.TestID, "from", d.test.GetPhase(), "to", step.Phase)
			d.abort(ctx, "invalid_transition")
			return
		}
		d.test.SetPhase(step.Phase)
		if d.broadcaster != nil {
			d.broadcaster.BroadcastPhase(d.test.TestID, step.Phase)
		}

		select {
		case <-time.After(step.Duration):
		case <-ctx.Done():
			d.abort(ctx, "client_disconnect")
			return
		case <-deadline.C:
			d.abort(ctx, "hard_deadline_exceeded")
			return
		}
	}

	d.complete()
}

// complete broadcasts the terminal phase and waits for StreamRegistry to
// drain, escalating to a forced teardown if the grace period expires
// (spec.md §4.E, §7).
func (d *SingleUserDriver) complete() {
	d.test.SetPhase(types.PhaseComplete)
	if d.broadcaster != nil {
		d.broadcaster.BroadcastPhase(d.test.TestID, types.PhaseComplete)
	}

	deadline := time.Now().Add(teardownGrace)
	for d.test.Registry.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if d.test.Registry.Len() > 0 {
		d.logger.Warn("stream registry failed to drain within grace period, forcing teardown",
			"test_id", d.test.TestID, "remaining", d.test.Registry.Len())
		if d.closer != nil {
			d.closer.ForceCloseAll(d.test.TestID)
		}
	}
	d.test.Finish(types.TestStatusCompleted, "", time.Now())
}

// abort marks the test aborted, broadcasts completion so workers drain,
// and force-closes anything left after the grace period (spec.md §4.E:
// "a client drops mid-test... records a partial result").
func (d *SingleUserDriver) abort(ctx context.Context, reason string) {
	d.test.SetPhase(types.PhaseComplete)
	if d.broadcaster != nil {
		d.broadcaster.BroadcastPhase(d.test.TestID, types.PhaseComplete)
	}
	deadline := time.Now().Add(teardownGrace)
	for d.test.Registry.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if d.test.Registry.Len() > 0 && d.closer != nil {
		d.closer.ForceCloseAll(d.test.TestID)
	}
	d.test.Finish(types.TestStatusAborted, reason, time.Now())
}
