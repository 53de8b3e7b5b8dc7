// Package safety holds the pure phase-threshold evaluator.
package safety

import (
	"fmt"
	"strings"

	"saunactl/types"
)

// Offender is one phase over the limit.
type Offender struct {
	Phase string
	Amps  float64
}

// CheckThresholds reports every phase strictly above threshold, in fixed
// L1, L2, L3 order. Equality does not trigger. Deterministic, side-effect
// free.
func CheckThresholds(r types.PhaseReading, threshold float64) []Offender {
	var out []Offender
	if r.L1 > threshold {
		out = append(out, Offender{Phase: "L1", Amps: r.L1})
	}
	if r.L2 > threshold {
		out = append(out, Offender{Phase: "L2", Amps: r.L2})
	}
	if r.L3 > threshold {
		out = append(out, Offender{Phase: "L3", Amps: r.L3})
	}
	return out
}

// FormatOffenders renders "L1 (26A), L3 (28A)". The amperage prints as an
// integer, as received; no rounding beyond the adapter's.
func FormatOffenders(offenders []Offender) string {
	parts := make([]string, 0, len(offenders))
	for _, o := range offenders {
		parts = append(parts, fmt.Sprintf("%s (%dA)", o.Phase, int(o.Amps)))
	}
	return strings.Join(parts, ", ")
}
