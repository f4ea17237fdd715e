package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/calibration"
	"github.com/relabs-tech/torsion_stand/internal/link"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// Poller performs one read/write transaction with the controller.
type Poller interface {
	Poll(ctx context.Context, req link.Request) ([]uint16, error)
}

// ImageSource supplies the control image sent with every poll.
type ImageSource interface {
	Image() []uint16
}

// State is the loop's connection state machine.
type State int

const (
	StateDisconnected State = iota // not running
	StatePolling
)

func (s State) String() string {
	if s == StatePolling {
		return "polling"
	}
	return "disconnected"
}

// Quantity names one of the observable scalars.
type Quantity int

const (
	QuantityTorque Quantity = iota
	QuantityAngle
	QuantityVelocity
)

var quantityNames = map[Quantity]string{
	QuantityTorque:   "torque",
	QuantityAngle:    "angle",
	QuantityVelocity: "velocity",
}

func (q Quantity) String() string {
	if name, ok := quantityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quantity(%d)", int(q))
}

// ParseQuantity maps a quantity name to a Quantity.
func ParseQuantity(s string) (Quantity, error) {
	for q, name := range quantityNames {
		if name == s {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown quantity %q", s)
}

// Live is the derived scalar snapshot of one successful tick.
type Live struct {
	Torque    float64   `json:"torque"`     // calibrated, N·m
	RawTorque float64   `json:"raw_torque"` // uncorrected sensor torque, N·m
	Angle     float64   `json:"angle"`      // degrees
	Velocity  float64   `json:"velocity"`   // torque rate of change, N·m/s
	Status    uint16    `json:"status"`
	Time      time.Time `json:"time"`
}

// Value returns the scalar for q.
func (lv Live) Value(q Quantity) float64 {
	switch q {
	case QuantityAngle:
		return lv.Angle
	case QuantityVelocity:
		return lv.Velocity
	default:
		return lv.Torque
	}
}

// Update is emitted after every tick, failed or not.
type Update struct {
	Time      time.Time
	Healthy   bool
	Registers []uint16 // nil on failure
	Live      Live
	Appended  int
	Err       error // transaction failure
	Hazard    error // reconciliation problem, samples may be missing
	// Rejected is set when the block was read but failed reconciliation.
	// Live then repeats the previous tick and must not be taken as a
	// fresh reading.
	Rejected bool
}

// Fresh reports whether u carries a reading taken on this tick.
func (u Update) Fresh() bool {
	return u.Healthy && !u.Rejected
}

// UpdateHandler consumes loop updates. Handlers run on the loop goroutine.
type UpdateHandler interface {
	HandleUpdate(u Update)
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(u Update)

func (f UpdateHandlerFunc) HandleUpdate(u Update) { f(u) }

// Config holds the loop parameters.
type Config struct {
	ReadAddress       uint16
	WriteAddress      uint16
	RingCapacity      int
	RetentionCapacity int
	PollInterval      time.Duration
	DevicePeriod      time.Duration
	FullScale         float64
	CountsPerDeg      float64
	Logger            *log.Logger
}

// Loop polls the controller on a fixed period and maintains the retained
// series and live scalars.
type Loop struct {
	cfg    Config
	log    *log.Logger
	poller Poller
	image  ImageSource
	now    func() time.Time

	buf *RetentionBuffer
	rec *Reconciler

	coeffs atomic.Pointer[calibration.Coefficients]

	mu          sync.RWMutex
	state       State
	healthy     bool
	live        Live
	lastSuccess time.Time

	handlersMu sync.RWMutex
	handlers   []UpdateHandler
}

// NewLoop builds a loop with identity calibration.
func NewLoop(cfg Config, poller Poller, image ImageSource) (*Loop, error) {
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cfg.FullScale <= 0 || cfg.CountsPerDeg <= 0 {
		return nil, fmt.Errorf("torque full scale and angle counts must be positive")
	}
	buf := NewRetentionBuffer(cfg.RetentionCapacity)
	rec, err := NewReconciler(buf, cfg.RingCapacity, cfg.DevicePeriod)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	l := &Loop{
		cfg:    cfg,
		log:    logger,
		poller: poller,
		image:  image,
		now:    time.Now,
		buf:    buf,
		rec:    rec,
	}
	l.SetCoefficients(calibration.Identity())
	return l, nil
}

// AddHandler registers h for every subsequent update.
func (l *Loop) AddHandler(h UpdateHandler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, h)
}

// SetCoefficients installs the correction curve used from the next tick.
func (l *Loop) SetCoefficients(c calibration.Coefficients) {
	l.coeffs.Store(&c)
}

// Coefficients returns the installed correction curve.
func (l *Loop) Coefficients() calibration.Coefficients {
	return *l.coeffs.Load()
}

// Retention returns the retained series.
func (l *Loop) Retention() *RetentionBuffer { return l.buf }

// State returns the connection state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Healthy reports whether the last transaction succeeded.
func (l *Loop) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.healthy
}

// Live returns the scalars of the last successful tick.
func (l *Loop) Live() Live {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.live
}

// Run ticks until ctx is done. The first tick runs immediately; a failed
// tick is simply retried on the next one.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StatePolling)
	defer l.setState(StateDisconnected)
	l.log.Printf("acquisition: polling every %v", l.cfg.PollInterval)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Printf("acquisition: stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one poll, reconciles it and notifies handlers.
func (l *Loop) Tick(ctx context.Context) Update {
	now := l.now()
	regs, err := l.poller.Poll(ctx, link.Request{
		ReadAddress:  l.cfg.ReadAddress,
		ReadCount:    uint16(stand.HeaderRegisters + l.cfg.RingCapacity),
		WriteAddress: l.cfg.WriteAddress,
		WriteValues:  l.image.Image(),
	})
	var block stand.Block
	if err == nil {
		block, err = stand.DecodeBlock(regs, l.cfg.RingCapacity)
	}
	if err != nil {
		l.setHealthy(false, err)
		u := Update{Time: now, Err: err}
		l.emit(u)
		return u
	}
	wasHealthy := l.setHealthy(true, nil)

	coeffs := l.coeffs.Load()
	snapshot := make([]Sample, len(block.Ring))
	for i, raw := range block.Ring {
		snapshot[i] = Sample(coeffs.Apply(stand.TorqueFromRaw(raw, l.cfg.FullScale)))
	}

	l.mu.RLock()
	var elapsed time.Duration
	if !l.lastSuccess.IsZero() {
		elapsed = now.Sub(l.lastSuccess)
	}
	l.mu.RUnlock()

	// After an outage longer than one ring rotation the cursor no longer
	// says how much was produced, so start over from this block.
	gap := l.rec.Overrun(elapsed)
	if !wasHealthy && gap != nil {
		l.rec.Reset()
	}

	appended, hazard := l.rec.Apply(snapshot, block.Cursor, elapsed)
	if !wasHealthy && gap != nil && hazard == nil {
		hazard = gap
	}
	if hazard != nil && !errors.Is(hazard, ErrRingOverrun) {
		l.log.Printf("acquisition: rejected ring snapshot: %v", hazard)
		l.mu.RLock()
		live := l.live
		l.mu.RUnlock()
		u := Update{
			Time:      now,
			Healthy:   true,
			Registers: block.Registers,
			Live:      live,
			Hazard:    hazard,
			Rejected:  true,
		}
		l.emit(u)
		return u
	}
	if hazard != nil {
		l.log.Printf("acquisition: %v", hazard)
	}

	n := len(block.Ring)
	raw := stand.TorqueFromRaw(block.Ring[(block.Cursor-1+n)%n], l.cfg.FullScale)
	live := Live{
		Torque:    coeffs.Apply(raw),
		RawTorque: raw,
		Angle:     stand.AngleFromRaw(block.AngleRaw, l.cfg.CountsPerDeg),
		Status:    block.Status,
		Time:      now,
	}
	if latest, previous, ok := l.buf.Last(); ok && l.cfg.DevicePeriod > 0 {
		live.Velocity = float64(latest-previous) / l.cfg.DevicePeriod.Seconds()
	}

	l.mu.Lock()
	l.live = live
	l.lastSuccess = now
	l.mu.Unlock()

	u := Update{
		Time:      now,
		Healthy:   true,
		Registers: block.Registers,
		Live:      live,
		Appended:  appended,
		Hazard:    hazard,
	}
	l.emit(u)
	return u
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// setHealthy logs only on transitions so a dead link does not flood the
// log. It returns the previous health.
func (l *Loop) setHealthy(healthy bool, cause error) bool {
	l.mu.Lock()
	was := l.healthy
	l.healthy = healthy
	l.mu.Unlock()
	if was == healthy {
		return was
	}
	if healthy {
		l.log.Printf("acquisition: controller connection restored")
	} else {
		l.log.Printf("acquisition: controller connection lost: %v", cause)
	}
	return was
}

func (l *Loop) emit(u Update) {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	for _, h := range l.handlers {
		h.HandleUpdate(u)
	}
}
