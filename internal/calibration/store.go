package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/config"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// SnapshotVersion is written into every snapshot file.
const SnapshotVersion = 1

// ErrPersistence matches every *PersistenceError.
var ErrPersistence = errors.New("calibration persistence failure")

// PersistenceError reports a snapshot or configuration file failure. The
// calibration is still held in memory.
type PersistenceError struct {
	Op   string // "write snapshot", "read snapshot", "update config"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Snapshot is the audit file of one calibration run.
type Snapshot struct {
	Version      int             `json:"version"`
	Timestamp    time.Time       `json:"timestamp"`
	Points       []SnapshotPoint `json:"points"`
	Coefficients Coefficients    `json:"coefficients"`
}

// SnapshotPoint is one point as written to the snapshot.
type SnapshotPoint struct {
	Index            int     `json:"index"`
	CommandedTorque  float64 `json:"commanded_torque"`
	FixedActual      float64 `json:"fixed_actual"`
	ReferenceReading float64 `json:"reference_reading"`
	Fixed            bool    `json:"fixed"`
}

// RegisterWriter pushes registers to the controller.
type RegisterWriter interface {
	Write(ctx context.Context, address uint16, values []uint16) error
}

// Mirror receives saved coefficients in addition to the files.
type Mirror interface {
	MirrorCoefficients(ctx context.Context, c Coefficients) error
}

// StoreConfig configures a Store. Empty paths and a nil Device disable the
// corresponding step.
type StoreConfig struct {
	SnapshotPath string
	ConfigPath   string
	CoeffAddress uint16
	Device       RegisterWriter
	Logger       *log.Logger
}

// Store persists calibration results.
type Store struct {
	cfg     StoreConfig
	log     *log.Logger
	mirrors []Mirror
	now     func() time.Time
}

// NewStore returns a Store for cfg.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{cfg: cfg, log: logger, now: time.Now}
}

// AddMirror registers an additional coefficient sink.
func (s *Store) AddMirror(m Mirror) {
	s.mirrors = append(s.mirrors, m)
}

// Save writes the snapshot, updates the coefficient keys in the config
// file, feeds the mirrors, and pushes the coefficients to the controller.
// File failures stop the save with a *PersistenceError. Mirror failures are
// logged. A failed push is returned after the files were written.
func (s *Store) Save(ctx context.Context, points []Point, c Coefficients) error {
	if s.cfg.SnapshotPath != "" {
		snap := Snapshot{
			Version:      SnapshotVersion,
			Timestamp:    s.now().UTC(),
			Points:       make([]SnapshotPoint, len(points)),
			Coefficients: c,
		}
		for i, p := range points {
			snap.Points[i] = SnapshotPoint{
				Index:            p.Index,
				CommandedTorque:  p.CommandedSetpoint,
				FixedActual:      p.FixedActual,
				ReferenceReading: p.FixedReference,
				Fixed:            p.Fixed,
			}
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return &PersistenceError{Op: "write snapshot", Path: s.cfg.SnapshotPath, Err: err}
		}
		if err := config.WriteFileAtomic(s.cfg.SnapshotPath, append(data, '\n')); err != nil {
			return &PersistenceError{Op: "write snapshot", Path: s.cfg.SnapshotPath, Err: err}
		}
	}

	if s.cfg.ConfigPath != "" {
		if err := config.UpdateFile(s.cfg.ConfigPath, ConfigValues(c)); err != nil {
			return &PersistenceError{Op: "update config", Path: s.cfg.ConfigPath, Err: err}
		}
	}

	for _, m := range s.mirrors {
		if err := m.MirrorCoefficients(ctx, c); err != nil {
			s.log.Printf("calibration: coefficient mirror failed: %v", err)
		}
	}

	if s.cfg.Device != nil {
		if err := s.cfg.Device.Write(ctx, s.cfg.CoeffAddress, stand.Float32Registers(c.Values()...)); err != nil {
			return fmt.Errorf("push coefficients: %w", err)
		}
	}
	s.log.Printf("calibration: saved %v", c)
	return nil
}

// Load reads the snapshot and returns its points with Fixed cleared. A
// missing snapshot returns no points and no error.
func (s *Store) Load() ([]Point, error) {
	if s.cfg.SnapshotPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.cfg.SnapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read snapshot", Path: s.cfg.SnapshotPath, Err: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &PersistenceError{Op: "read snapshot", Path: s.cfg.SnapshotPath, Err: err}
	}
	if snap.Version != SnapshotVersion {
		return nil, &PersistenceError{Op: "read snapshot", Path: s.cfg.SnapshotPath,
			Err: fmt.Errorf("unsupported snapshot version %d", snap.Version)}
	}

	points := make([]Point, 0, len(snap.Points))
	for _, sp := range snap.Points {
		points = append(points, Point{
			Index:             sp.Index,
			CommandedSetpoint: sp.CommandedTorque,
			FixedActual:       sp.FixedActual,
			FixedReference:    sp.ReferenceReading,
		})
	}
	return points, nil
}

// ConfigValues maps coefficients to their configuration keys.
func ConfigValues(c Coefficients) map[string]string {
	return map[string]string{
		"CALIB_A1":         config.FormatFloat(c.A1),
		"CALIB_B1":         config.FormatFloat(c.B1),
		"CALIB_C1":         config.FormatFloat(c.C1),
		"CALIB_A2":         config.FormatFloat(c.A2),
		"CALIB_B2":         config.FormatFloat(c.B2),
		"CALIB_BREAKPOINT": config.FormatFloat(c.Breakpoint),
	}
}

// FromConfig returns the coefficients stored in cfg.
func FromConfig(cfg *config.Config) Coefficients {
	return Coefficients{
		A1:         cfg.CalibA1,
		B1:         cfg.CalibB1,
		C1:         cfg.CalibC1,
		A2:         cfg.CalibA2,
		B2:         cfg.CalibB2,
		Breakpoint: cfg.CalibBreakpoint,
	}
}
