package calibration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Subset sizes of the two curve segments. The segments share one point.
const (
	lowPoints  = 6
	highPoints = 5
)

// FitResult is the outcome of Compute. Coefficients is what should be
// installed: the fit when Accepted, the identity curve otherwise. Raw is
// the fit as computed, kept for the audit trail.
type FitResult struct {
	Coefficients Coefficients `json:"coefficients"`
	Raw          Coefficients `json:"raw"`
	Accepted     bool         `json:"accepted"`
	Reason       string       `json:"reason,omitempty"`
}

// Fitter fits the correction curve and guards its plausibility.
type Fitter struct {
	B1Tolerance    float64 // max |B1 - 1|
	SlopeTolerance float64 // min |A2|, exclusive
}

// NewFitter returns a Fitter with the given plausibility bounds.
func NewFitter(b1Tolerance, slopeTolerance float64) *Fitter {
	return &Fitter{B1Tolerance: b1Tolerance, SlopeTolerance: slopeTolerance}
}

// Compute fits reference readings against commanded torque. The lowest
// six points get a quadratic, the highest five a line; the sixth point
// belongs to both and sets the breakpoint. An implausible or singular fit
// is never an error: it returns the identity curve with Accepted false.
func (f *Fitter) Compute(points []Point) (FitResult, error) {
	if len(points) != PointCount {
		return FitResult{}, fmt.Errorf("expected %d calibration points, got %d", PointCount, len(points))
	}
	for _, p := range points {
		if !p.Fixed {
			return FitResult{}, fmt.Errorf("point %d: %w", p.Index, ErrNotAllFixed)
		}
	}

	sorted := append([]Point(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CommandedSetpoint < sorted[j].CommandedSetpoint
	})
	low := sorted[:lowPoints]
	high := sorted[PointCount-highPoints:]
	breakpoint := low[lowPoints-1].CommandedSetpoint

	reject := func(raw Coefficients, reason string) FitResult {
		id := Identity()
		id.Breakpoint = breakpoint
		return FitResult{Coefficients: id, Raw: raw, Accepted: false, Reason: reason}
	}

	quad, err := polyfit(low, 2)
	if err != nil {
		return reject(Identity(), fmt.Sprintf("low segment: %v", err)), nil
	}
	lin, err := polyfit(high, 1)
	if err != nil {
		return reject(Identity(), fmt.Sprintf("high segment: %v", err)), nil
	}

	raw := Coefficients{
		A1: quad[0], B1: quad[1], C1: quad[2],
		A2: lin[0], B2: lin[1],
		Breakpoint: breakpoint,
	}
	switch {
	case !raw.Finite():
		return reject(raw, "fit produced non-finite coefficients"), nil
	case math.Abs(raw.B1-1) > f.B1Tolerance:
		return reject(raw, fmt.Sprintf("low segment slope B1=%.4g deviates from 1 by more than %.4g", raw.B1, f.B1Tolerance)), nil
	case math.Abs(raw.A2) <= f.SlopeTolerance:
		return reject(raw, fmt.Sprintf("high segment slope A2=%.4g is not above %.4g", raw.A2, f.SlopeTolerance)), nil
	}
	return FitResult{Coefficients: raw, Raw: raw, Accepted: true}, nil
}

// polyfit solves the least-squares polynomial of the given degree through
// (commanded setpoint, fixed reference). Coefficients are returned highest
// power first.
func polyfit(points []Point, degree int) ([]float64, error) {
	n := len(points)
	cols := degree + 1
	if n < cols {
		return nil, fmt.Errorf("%d points cannot fit degree %d", n, degree)
	}

	a := mat.NewDense(n, cols, nil)
	y := mat.NewVecDense(n, nil)
	for i, p := range points {
		x := p.CommandedSetpoint
		for j := 0; j < cols; j++ {
			a.Set(i, j, math.Pow(x, float64(degree-j)))
		}
		y.SetVec(i, p.FixedReference)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(a, y); err != nil {
		// mat reports both exact and near singularity as errors
		return nil, fmt.Errorf("singular system: %w", err)
	}
	out := make([]float64, cols)
	for j := range out {
		out[j] = beta.AtVec(j)
	}
	return out, nil
}
