// Package orchestrator implements the Test Orchestrator of spec.md §4.E:
// the single-user phase-driven state machine and the household two-phase
// adaptive test, plus the pure grading function. Grounded on the teacher's
// runmanager state machine (an explicit allowed-transitions table checked
// by CanTransition), generalized from run lifecycle states to measurement
// phases.
package orchestrator

import "github.com/loopqueue/bufferbloat-server/internal/types"

var allowedSingleUserTransitions = map[types.Phase]map[types.Phase]struct{}{
	types.PhaseNone: {
		types.PhaseBaseline: {}, // test start
	},
	types.PhaseBaseline: {
		types.PhaseDLWarmup: {},
		types.PhaseComplete: {}, // abort path
	},
	types.PhaseDLWarmup: {
		types.PhaseDLSaturation: {},
		types.PhaseComplete:     {},
	},
	types.PhaseDLSaturation: {
		types.PhaseULWarmup: {},
		types.PhaseComplete: {},
	},
	types.PhaseULWarmup: {
		types.PhaseULSaturation: {},
		types.PhaseComplete:     {},
	},
	types.PhaseULSaturation: {
		types.PhaseBidirectional: {},
		types.PhaseComplete:      {},
	},
	types.PhaseBidirectional: {
		types.PhaseComplete: {},
	},
	types.PhaseComplete: {},
}

// CanTransitionSingleUser reports whether a single-user phase transition is
// valid: the linear phase order, or a direct jump to complete (the abort
// path — spec.md §4.E "a client drops mid-test").
func CanTransitionSingleUser(from, to types.Phase) bool {
	allowed, ok := allowedSingleUserTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

var allowedHouseholdTransitions = map[types.HouseholdPhase]map[types.HouseholdPhase]struct{}{
	types.HouseholdPhaseSpeedProbe: {
		types.HouseholdPhaseSaturation: {},
		types.HouseholdPhaseComplete:   {},
	},
	types.HouseholdPhaseSaturation: {
		types.HouseholdPhaseComplete: {},
	},
	types.HouseholdPhaseComplete: {},
}

// CanTransitionHousehold reports whether a household phase transition is
// valid.
func CanTransitionHousehold(from, to types.HouseholdPhase) bool {
	allowed, ok := allowedHouseholdTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
