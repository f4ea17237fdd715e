package calibration

import (
	"errors"
	"math"
	"testing"
)

func fixedPoints(reference func(x float64) float64) []Point {
	points := make([]Point, PointCount)
	for i, x := range DefaultSetpoints {
		points[i] = Point{
			Index:             i,
			CommandedSetpoint: x,
			FixedActual:       x,
			FixedReference:    reference(x),
			Fixed:             true,
		}
	}
	return points
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCompute_IdealSensorIsIdentity(t *testing.T) {
	f := NewFitter(0.5, 0.1)
	res, err := f.Compute(fixedPoints(func(x float64) float64 { return x }))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("expected accepted fit, got rejection: %s", res.Reason)
	}
	c := res.Coefficients
	if !near(c.A1, 0) || !near(c.B1, 1) || !near(c.C1, 0) || !near(c.A2, 1) || !near(c.B2, 0) {
		t.Errorf("expected identity, got %v", c)
	}
	if c.Breakpoint != 10 {
		t.Errorf("expected breakpoint 10, got %v", c.Breakpoint)
	}
}

func TestCompute_RecoversTwoSegmentCurve(t *testing.T) {
	// quadratic below 10, line above, meeting at the overlap point
	curve := func(x float64) float64 {
		if x <= 10 {
			return 0.002*x*x + 0.95*x + 0.01
		}
		return 1.02*x - 0.49
	}
	res, err := NewFitter(0.5, 0.1).Compute(fixedPoints(curve))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("expected accepted fit, got rejection: %s", res.Reason)
	}
	c := res.Coefficients
	if !near(c.A1, 0.002) || !near(c.B1, 0.95) || !near(c.C1, 0.01) {
		t.Errorf("unexpected low segment %v", c)
	}
	if !near(c.A2, 1.02) || !near(c.B2, -0.49) {
		t.Errorf("unexpected high segment %v", c)
	}
	if !near(c.Apply(20), curve(20)) || !near(c.Apply(-4.5), -curve(4.5)) {
		t.Errorf("curve does not reproduce input: %v, %v", c.Apply(20), c.Apply(-4.5))
	}
}

func TestCompute_ImplausibleFallsBackToIdentity(t *testing.T) {
	tests := []struct {
		name      string
		reference func(x float64) float64
	}{
		{"reference disconnected", func(float64) float64 { return 0 }},
		{"low slope too steep", func(x float64) float64 { return 2 * x }},
		{"flat high segment", func(x float64) float64 {
			if x <= 10 {
				return x
			}
			return 10
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewFitter(0.5, 0.1).Compute(fixedPoints(tt.reference))
			if err != nil {
				t.Fatal(err)
			}
			if res.Accepted || res.Reason == "" {
				t.Fatalf("expected rejection with reason, got %+v", res)
			}
			if !res.Coefficients.IsIdentity() {
				t.Errorf("expected identity fallback, got %v", res.Coefficients)
			}
			if res.Raw.IsIdentity() {
				t.Error("expected the raw fit kept for audit")
			}
		})
	}
}

func TestCompute_SingularSystemIsRejected(t *testing.T) {
	points := fixedPoints(func(x float64) float64 { return x })
	for i := range points {
		points[i].CommandedSetpoint = 5
	}
	res, err := NewFitter(0.5, 0.1).Compute(points)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || !res.Coefficients.IsIdentity() {
		t.Errorf("expected identity fallback for singular fit, got %+v", res)
	}
}

func TestCompute_RequiresAllFixed(t *testing.T) {
	points := fixedPoints(func(x float64) float64 { return x })
	points[3].Fixed = false
	if _, err := NewFitter(0.5, 0.1).Compute(points); !errors.Is(err, ErrNotAllFixed) {
		t.Errorf("expected ErrNotAllFixed, got %v", err)
	}
	if _, err := NewFitter(0.5, 0.1).Compute(points[:9]); err == nil {
		t.Error("expected error for nine points")
	}
}

func TestCompute_OrderIndependent(t *testing.T) {
	points := fixedPoints(func(x float64) float64 { return 1.01*x + 0.02 })
	reversed := make([]Point, len(points))
	for i := range points {
		reversed[len(points)-1-i] = points[i]
	}
	a, _ := NewFitter(0.5, 0.1).Compute(points)
	b, _ := NewFitter(0.5, 0.1).Compute(reversed)
	if !near(a.Coefficients.B1, b.Coefficients.B1) || !near(a.Coefficients.A2, b.Coefficients.A2) {
		t.Errorf("expected same fit regardless of order, got %v and %v", a.Coefficients, b.Coefficients)
	}
}

func TestCoefficients_Apply(t *testing.T) {
	c := Coefficients{A1: 0.01, B1: 1, C1: 0, A2: 1.1, B2: 0, Breakpoint: 10}
	if got := c.Apply(2); !near(got, 2.04) {
		t.Errorf("expected 2.04, got %v", got)
	}
	if got := c.Apply(-2); !near(got, -2.04) {
		t.Errorf("expected -2.04, got %v", got)
	}
	if got := c.Apply(20); !near(got, 22) {
		t.Errorf("expected 22, got %v", got)
	}
	if got := Identity().Apply(-7.5); got != -7.5 {
		t.Errorf("expected identity to pass -7.5, got %v", got)
	}
	if (Coefficients{B1: math.NaN()}).Finite() {
		t.Error("expected NaN coefficient to be non-finite")
	}
}
