// Package calibration runs the ten-point torque sensor calibration: the
// operator session that holds each point under closed-loop torque, the
// two-segment curve fit, and persistence of the result.
package calibration

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"

	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// PointCount is the number of calibration points.
const PointCount = 10

// DefaultSetpoints are denser near zero where the sensor curve bends.
var DefaultSetpoints = [PointCount]float64{0, 0.5, 1, 2, 4.5, 10, 15, 25, 35, 50}

var (
	ErrPointActive   = errors.New("another calibration point is active")
	ErrNotActive     = errors.New("calibration point is not active")
	ErrPointFixed    = errors.New("calibration point is fixed")
	ErrNotAllFixed   = errors.New("not all calibration points are fixed")
	ErrPointIndex    = errors.New("calibration point index out of range")
	ErrSetpointRange = errors.New("calibration setpoint out of range")
)

// ConflictError is returned when an operation targets a point other than
// the active one. Nothing was changed.
type ConflictError struct {
	Requested int
	Active    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("point %d is active, fix it before using point %d", e.Active, e.Requested)
}

func (e *ConflictError) Is(target error) bool { return target == ErrPointActive }

// Point is one calibration point. Live fields follow the stand while the
// point is active; Fixed fields are what the fit uses.
type Point struct {
	Index             int     `json:"index"`
	CommandedSetpoint float64 `json:"commanded_setpoint"`
	LiveActual        float64 `json:"live_actual"`
	LiveReference     float64 `json:"live_reference"`
	FixedActual       float64 `json:"fixed_actual"`
	FixedReference    float64 `json:"fixed_reference"`
	Fixed             bool    `json:"fixed"`
}

// Session owns the points and the single active index.
type Session struct {
	mu        sync.Mutex
	act       stand.Actuator
	points    [PointCount]Point
	active    int // -1 when no point is active
	maxTorque float64
	log       *log.Logger
}

// NewSession starts a session at the default setpoints with no point fixed.
func NewSession(act stand.Actuator, maxTorque float64, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Session{act: act, active: -1, maxTorque: maxTorque, log: logger}
	for i := range s.points {
		s.points[i] = Point{Index: i, CommandedSetpoint: DefaultSetpoints[i]}
	}
	return s
}

// Engage makes point i active and commands torque hold at its setpoint.
func (s *Session) Engage(i int) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == i {
		return nil
	}
	if s.active >= 0 {
		return &ConflictError{Requested: i, Active: s.active}
	}
	setpoint := s.points[i].CommandedSetpoint
	if err := s.act.EnterTorqueHold(setpoint); err != nil {
		return fmt.Errorf("engage point %d: %w", i, err)
	}
	s.active = i
	s.log.Printf("calibration: point %d engaged at %.3f N·m", i, setpoint)
	return nil
}

// Disengage halts the stand and fixes the last mirrored values of the
// active point i.
func (s *Session) Disengage(i int) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active < 0 {
		return fmt.Errorf("point %d: %w", i, ErrNotActive)
	}
	if s.active != i {
		return &ConflictError{Requested: i, Active: s.active}
	}
	if err := s.act.Halt(); err != nil {
		return fmt.Errorf("disengage point %d: %w", i, err)
	}
	p := &s.points[i]
	p.FixedActual = p.LiveActual
	p.FixedReference = p.LiveReference
	p.Fixed = true
	s.active = -1
	s.log.Printf("calibration: point %d fixed, actual %.4f reference %.4f", i, p.FixedActual, p.FixedReference)
	return nil
}

// Mirror copies the current sensor and reference readings into the active
// point. It does nothing while no point is active.
func (s *Session) Mirror(actual, reference float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < 0 {
		return
	}
	s.points[s.active].LiveActual = actual
	s.points[s.active].LiveReference = reference
}

// ResetAll unfixes every point for a new calibration. An active point is
// released and the stand halted. Numeric fields are kept.
func (s *Session) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.active >= 0 {
		err = s.act.Halt()
		s.active = -1
	}
	for i := range s.points {
		s.points[i].Fixed = false
	}
	s.log.Printf("calibration: new calibration started")
	return err
}

// SetSetpoint edits the commanded torque of an unfixed, inactive point.
func (s *Session) SetSetpoint(i int, v float64) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	if math.IsNaN(v) || v < 0 || v > s.maxTorque {
		return fmt.Errorf("%w: %v not in 0..%v N·m", ErrSetpointRange, v, s.maxTorque)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == i {
		return fmt.Errorf("point %d is engaged: %w", i, ErrPointActive)
	}
	if s.points[i].Fixed {
		return fmt.Errorf("point %d: %w", i, ErrPointFixed)
	}
	s.points[i].CommandedSetpoint = v
	return nil
}

// Restore loads saved numeric fields. Points are always restored unfixed.
func (s *Session) Restore(points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= 0 {
		return &ConflictError{Requested: -1, Active: s.active}
	}
	for _, p := range points {
		if checkIndex(p.Index) != nil {
			continue
		}
		dst := &s.points[p.Index]
		dst.CommandedSetpoint = p.CommandedSetpoint
		dst.FixedActual = p.FixedActual
		dst.FixedReference = p.FixedReference
		dst.Fixed = false
	}
	return nil
}

// Points returns a copy of all points.
func (s *Session) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, PointCount)
	copy(out, s.points[:])
	return out
}

// Active returns the active point index.
func (s *Session) Active() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active >= 0
}

// AllFixed reports whether compute is allowed.
func (s *Session) AllFixed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.points {
		if !p.Fixed {
			return false
		}
	}
	return true
}

func checkIndex(i int) error {
	if i < 0 || i >= PointCount {
		return fmt.Errorf("%w: %d", ErrPointIndex, i)
	}
	return nil
}
