package calibration

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/relabs-tech/torsion_stand/internal/stand"
)

type fakeActuator struct {
	holds   []float64
	halts   int
	holdErr error
}

func (f *fakeActuator) EnterTorqueHold(setpoint float64) error {
	if f.holdErr != nil {
		return f.holdErr
	}
	f.holds = append(f.holds, setpoint)
	return nil
}

func (f *fakeActuator) Halt() error { f.halts++; return nil }

func (f *fakeActuator) Jog(stand.Direction, float64) error { return nil }

func (f *fakeActuator) SetMode(stand.Mode) error { return nil }

func TestSession_EngageMirrorDisengage(t *testing.T) {
	act := &fakeActuator{}
	s := NewSession(act, 50, nil)

	if err := s.Engage(5); err != nil {
		t.Fatal(err)
	}
	if len(act.holds) != 1 || act.holds[0] != 10 {
		t.Errorf("expected torque hold at 10, got %v", act.holds)
	}
	s.Mirror(9.8, 9.9)
	s.Mirror(9.95, 10.02)

	if err := s.Disengage(5); err != nil {
		t.Fatal(err)
	}
	if act.halts != 1 {
		t.Errorf("expected one halt, got %d", act.halts)
	}
	p := s.Points()[5]
	if !p.Fixed || p.FixedActual != 9.95 || p.FixedReference != 10.02 {
		t.Errorf("expected fixed point with last mirrored values, got %+v", p)
	}
	if _, ok := s.Active(); ok {
		t.Error("expected no active point")
	}

	// mirroring without an active point changes nothing
	s.Mirror(1, 1)
	if s.Points()[5].LiveActual != 9.95 {
		t.Error("mirror touched an inactive point")
	}
}

func TestSession_ConflictLeavesStateUnchanged(t *testing.T) {
	act := &fakeActuator{}
	s := NewSession(act, 50, nil)
	s.Engage(2)
	before := s.Points()

	err := s.Engage(7)
	if !errors.Is(err, ErrPointActive) {
		t.Fatalf("expected ErrPointActive, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Active != 2 || ce.Requested != 7 {
		t.Errorf("unexpected conflict detail %#v", err)
	}
	if err := s.Disengage(7); !errors.Is(err, ErrPointActive) {
		t.Errorf("expected conflict disengaging 7, got %v", err)
	}
	after := s.Points()
	if after[7] != before[7] {
		t.Errorf("point 7 mutated: %+v -> %+v", before[7], after[7])
	}
	if len(act.holds) != 1 {
		t.Errorf("expected only one torque hold command, got %v", act.holds)
	}
}

func TestSession_SingleActiveUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewSession(&fakeActuator{}, 50, nil)
	for step := 0; step < 5000; step++ {
		i := rng.Intn(PointCount)
		before := s.Points()
		active, wasActive := s.Active()

		var err error
		if rng.Intn(2) == 0 {
			err = s.Engage(i)
		} else {
			err = s.Disengage(i)
		}

		now, ok := s.Active()
		if ok && now < 0 {
			t.Fatalf("step %d: invalid active index %d", step, now)
		}
		if wasActive && active != i {
			if err == nil {
				t.Fatalf("step %d: operation on %d succeeded while %d active", step, i, active)
			}
			if s.Points()[i] != before[i] || now != active {
				t.Fatalf("step %d: rejected operation mutated state", step)
			}
		}
	}
}

func TestSession_ResetAll(t *testing.T) {
	act := &fakeActuator{}
	s := NewSession(act, 50, nil)
	for i := 0; i < PointCount; i++ {
		s.Engage(i)
		s.Mirror(float64(i), float64(i)+0.1)
		s.Disengage(i)
	}
	if !s.AllFixed() {
		t.Fatal("expected all fixed")
	}
	s.Engage(3)
	haltsBefore := act.halts

	if err := s.ResetAll(); err != nil {
		t.Fatal(err)
	}
	if act.halts != haltsBefore+1 {
		t.Error("expected reset to halt the active point")
	}
	if s.AllFixed() {
		t.Error("expected no point fixed after reset")
	}
	if _, ok := s.Active(); ok {
		t.Error("expected no active point after reset")
	}
	if got := s.Points()[4].FixedReference; got != 4.1 {
		t.Errorf("expected numeric fields kept, got %v", got)
	}
}

func TestSession_SetSetpoint(t *testing.T) {
	s := NewSession(&fakeActuator{}, 50, nil)

	if err := s.SetSetpoint(1, 0.75); err != nil {
		t.Fatal(err)
	}
	if s.Points()[1].CommandedSetpoint != 0.75 {
		t.Errorf("expected 0.75, got %v", s.Points()[1].CommandedSetpoint)
	}
	if err := s.SetSetpoint(1, 51); !errors.Is(err, ErrSetpointRange) {
		t.Errorf("expected ErrSetpointRange, got %v", err)
	}
	if err := s.SetSetpoint(1, -1); !errors.Is(err, ErrSetpointRange) {
		t.Errorf("expected ErrSetpointRange, got %v", err)
	}
	if err := s.SetSetpoint(10, 1); !errors.Is(err, ErrPointIndex) {
		t.Errorf("expected ErrPointIndex, got %v", err)
	}

	s.Engage(1)
	if err := s.SetSetpoint(1, 0.5); !errors.Is(err, ErrPointActive) {
		t.Errorf("expected ErrPointActive, got %v", err)
	}
	if err := s.SetSetpoint(2, 1.5); err != nil {
		t.Errorf("expected editing another point to work, got %v", err)
	}
	s.Disengage(1)
	if err := s.SetSetpoint(1, 0.5); !errors.Is(err, ErrPointFixed) {
		t.Errorf("expected ErrPointFixed, got %v", err)
	}
}

func TestSession_EngageFailureKeepsIdle(t *testing.T) {
	s := NewSession(&fakeActuator{holdErr: errors.New("bad setpoint")}, 50, nil)
	if err := s.Engage(0); err == nil {
		t.Fatal("expected engage error")
	}
	if _, ok := s.Active(); ok {
		t.Error("failed engage left a point active")
	}
	if err := s.Disengage(0); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestSession_Restore(t *testing.T) {
	s := NewSession(&fakeActuator{}, 50, nil)
	saved := []Point{
		{Index: 0, CommandedSetpoint: 0.1, FixedActual: 0.11, FixedReference: 0.12, Fixed: true},
		{Index: 12, CommandedSetpoint: 99},
	}
	if err := s.Restore(saved); err != nil {
		t.Fatal(err)
	}
	p := s.Points()[0]
	if p.CommandedSetpoint != 0.1 || p.FixedActual != 0.11 || p.FixedReference != 0.12 || p.Fixed {
		t.Errorf("unexpected restored point %+v", p)
	}

	s.Engage(1)
	if err := s.Restore(saved); !errors.Is(err, ErrPointActive) {
		t.Errorf("expected restore refused during engagement, got %v", err)
	}
}
