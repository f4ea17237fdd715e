package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// ReferenceSource supplies the reference instrument reading. ok is false
// while no current reading is available.
type ReferenceSource interface {
	Value() (float64, bool)
}

// ResultPublisher announces calibration results.
type ResultPublisher interface {
	PublishCalibration(res calibration.FitResult)
}

// Service ties the acquisition loop to the calibration workflow. It is the
// backend of the web server and the terminal calibration tool.
type Service struct {
	Loop      *acquisition.Loop
	Commander *stand.Commander
	Session   *calibration.Session
	Fitter    *calibration.Fitter
	Store     *calibration.Store

	log        *log.Logger
	reference  ReferenceSource
	publishers []ResultPublisher

	mu         sync.RWMutex
	lastResult *calibration.FitResult
}

// ServiceConfig collects the parts of a Service.
type ServiceConfig struct {
	Loop      *acquisition.Loop
	Commander *stand.Commander
	Session   *calibration.Session
	Fitter    *calibration.Fitter
	Store     *calibration.Store
	Reference ReferenceSource // nil reads zero
	Logger    *log.Logger
}

// NewService wires the session to the loop: every fresh update mirrors
// the uncalibrated torque and the reference reading into the active point.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Service{
		Loop:      cfg.Loop,
		Commander: cfg.Commander,
		Session:   cfg.Session,
		Fitter:    cfg.Fitter,
		Store:     cfg.Store,
		log:       logger,
		reference: cfg.Reference,
	}
	s.Loop.AddHandler(acquisition.UpdateHandlerFunc(s.mirror))
	return s
}

// AddPublisher registers p for every compute result.
func (s *Service) AddPublisher(p ResultPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

// Restore loads the last snapshot into the session. Points come back
// unfixed.
func (s *Service) Restore() error {
	points, err := s.Store.Load()
	if err != nil {
		return err
	}
	if points == nil {
		return nil
	}
	if err := s.Session.Restore(points); err != nil {
		return err
	}
	s.log.Printf("calibration: restored %d points from snapshot", len(points))
	return nil
}

func (s *Service) mirror(u acquisition.Update) {
	if !u.Fresh() {
		return
	}
	var ref float64
	if s.reference != nil {
		// A missing or stale reference mirrors as zero, which the fit
		// rejects.
		if v, ok := s.reference.Value(); ok {
			ref = v
		}
	}
	s.Session.Mirror(u.Live.RawTorque, ref)
}

// Compute fits the fixed points, persists the result, and installs it in
// the loop. The installed curve is the accepted fit or identity. A
// persistence or push failure is returned after the curve is installed.
func (s *Service) Compute(ctx context.Context) (calibration.FitResult, error) {
	points := s.Session.Points()
	res, err := s.Fitter.Compute(points)
	if err != nil {
		return calibration.FitResult{}, err
	}
	if !res.Accepted {
		s.log.Printf("calibration: fit rejected (%s), installing identity", res.Reason)
	}

	s.Loop.SetCoefficients(res.Coefficients)

	s.mu.Lock()
	s.lastResult = &res
	pubs := append([]ResultPublisher(nil), s.publishers...)
	s.mu.Unlock()
	for _, p := range pubs {
		p.PublishCalibration(res)
	}

	if err := s.Store.Save(ctx, points, res.Coefficients); err != nil {
		return res, fmt.Errorf("save calibration: %w", err)
	}
	return res, nil
}

// LastResult returns the result of the most recent Compute.
func (s *Service) LastResult() (calibration.FitResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil {
		return calibration.FitResult{}, false
	}
	return *s.lastResult, true
}
