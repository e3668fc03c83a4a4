package orchestrator

import "github.com/loopqueue/bufferbloat-server/internal/types"

// defaultGradeThresholds are the Δ-ms boundaries from spec.md §4.E used
// when no persona-specific table applies (the household overall grade is
// computed on already-graded persona scores, not thresholds).
var defaultGradeThresholds = [5]float64{5, 30, 60, 200, 400}

var gradeOrder = []string{"A+", "A", "B", "C", "D", "F"}

// Grade is a pure function of Δ = loaded_rtt_ms - baseline_rtt_ms using the
// spec.md §4.E default thresholds.
func Grade(deltaMs float64) string {
	return gradeFromThresholds(deltaMs, defaultGradeThresholds)
}

// GradePersona grades Δ using persona's specific thresholds (spec.md §6).
func GradePersona(deltaMs float64, persona types.Persona) string {
	spec := types.PersonaTable[persona]
	t := spec.GradeThresholdsMs
	return gradeFromThresholds(deltaMs, [5]float64{t[0], t[1], t[2], t[2] * 2, t[2] * 4})
}

func gradeFromThresholds(deltaMs float64, t [5]float64) string {
	switch {
	case deltaMs < t[0]:
		return "A+"
	case deltaMs < t[1]:
		return "A"
	case deltaMs < t[2]:
		return "B"
	case deltaMs < t[3]:
		return "C"
	case deltaMs < t[4]:
		return "D"
	default:
		return "F"
	}
}

var gradeRank = map[string]int{"A+": 0, "A": 1, "B": 2, "C": 3, "D": 4, "F": 5}

// HouseholdOverallGrade is the arithmetic-mean-then-rounded of the gaming
// and video-call persona sub-grades (streaming and bulk excluded, spec.md
// §4.E: "intentionally excluded because they tolerate high latency").
func HouseholdOverallGrade(gamingGrade, videoCallGrade string) string {
	gi, ok1 := gradeRank[gamingGrade]
	vi, ok2 := gradeRank[videoCallGrade]
	if !ok1 || !ok2 {
		return "F"
	}
	avg := float64(gi+vi) / 2.0
	rounded := int(avg + 0.5)
	if rounded >= len(gradeOrder) {
		rounded = len(gradeOrder) - 1
	}
	return gradeOrder[rounded]
}
