package calibration

import (
	"fmt"
	"math"
)

// DefaultBreakpoint is the commanded torque of the overlap point in the
// default setpoint table.
const DefaultBreakpoint = 10.0

// Coefficients is the two-segment sensor correction curve: quadratic
// A1·x² + B1·x + C1 up to Breakpoint, linear A2·x + B2 above it. The curve
// is applied to |x| and the sign restored, so negative torque mirrors
// positive torque.
type Coefficients struct {
	A1         float64 `json:"a1"`
	B1         float64 `json:"b1"`
	C1         float64 `json:"c1"`
	A2         float64 `json:"a2"`
	B2         float64 `json:"b2"`
	Breakpoint float64 `json:"breakpoint"`
}

// Identity is the pass-through curve.
func Identity() Coefficients {
	return Coefficients{B1: 1, A2: 1, Breakpoint: DefaultBreakpoint}
}

// Apply corrects a sensor torque.
func (c Coefficients) Apply(x float64) float64 {
	m := math.Abs(x)
	var y float64
	if m <= c.Breakpoint {
		y = c.A1*m*m + c.B1*m + c.C1
	} else {
		y = c.A2*m + c.B2
	}
	if x < 0 {
		return -y
	}
	return y
}

// IsIdentity reports whether c is the pass-through curve.
func (c Coefficients) IsIdentity() bool {
	return c.A1 == 0 && c.B1 == 1 && c.C1 == 0 && c.A2 == 1 && c.B2 == 0
}

// Finite reports whether every coefficient is a finite number.
func (c Coefficients) Finite() bool {
	for _, v := range c.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Values returns the coefficients in device order: A1, B1, C1, A2, B2,
// Breakpoint.
func (c Coefficients) Values() []float64 {
	return []float64{c.A1, c.B1, c.C1, c.A2, c.B2, c.Breakpoint}
}

func (c Coefficients) String() string {
	return fmt.Sprintf("A1=%.6g B1=%.6g C1=%.6g A2=%.6g B2=%.6g @%.4g", c.A1, c.B1, c.C1, c.A2, c.B2, c.Breakpoint)
}
