// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package plcsim simulates the stand controller: a sample ring filled at the
// device rate, the polled header registers, and a crude torque-hold plant.
// It speaks enough Modbus TCP (functions 3, 16 and 23) for the stand tools.
package plcsim

import (
	"context"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// Config describes the simulated register map.
type Config struct {
	RingCapacity int
	ReadAddress  uint16
	WriteAddress uint16
	CoeffAddress uint16
	SamplePeriod time.Duration
	FullScale    float64
	CountsPerDeg float64
	UnitID       byte
	Logger       *log.Logger
}

// SampleFunc produces the raw ring value for device sample n given the
// plant torque. Tests use it to emit a known sequence.
type SampleFunc func(n uint64, torque float64) int16

// Device is the simulated controller state.
type Device struct {
	mu     sync.Mutex
	cfg    Config
	log    *log.Logger
	regs   []uint16
	cursor int
	n      uint64

	torque     float64 // N·m
	torqueZero float64 // sensor zero set by the reset-torque bit
	angle      float64 // counts, kept fractional
	sample SampleFunc

	transactions uint64
}

// New builds a Device with an idle plant.
func New(cfg Config) *Device {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 50
	}
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = time.Millisecond
	}
	if cfg.FullScale <= 0 {
		cfg.FullScale = 50
	}
	if cfg.CountsPerDeg <= 0 {
		cfg.CountsPerDeg = 768
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &Device{
		cfg:  cfg,
		log:  logger,
		regs: make([]uint16, 1<<16),
	}
	d.sample = func(_ uint64, torque float64) int16 {
		return stand.RawFromTorque(torque, d.cfg.FullScale)
	}
	return d
}

// SetSampleFunc replaces the ring generator.
func (d *Device) SetSampleFunc(f SampleFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sample = f
}

// Step produces one device sample: advances the plant, writes the ring slot
// at the cursor and moves the cursor.
func (d *Device) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stepLocked()
}

// StepN produces n samples.
func (d *Device) StepN(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.stepLocked()
	}
}

func (d *Device) stepLocked() {
	ctrl := d.regs[int(d.cfg.WriteAddress)+stand.WriteCtrl]
	setpoint := stand.TorqueFromRaw(int16(d.regs[int(d.cfg.WriteAddress)+stand.WriteTorqueSV]), d.cfg.FullScale)
	velocity := float64(d.regs[int(d.cfg.WriteAddress)+stand.WriteVelocitySV]) / 100

	switch stand.DecodeCommand(ctrl) {
	case stand.CmdTorqueHold:
		d.torque += (setpoint - d.torque) * 0.02
		d.angle += (setpoint - d.torque) * 0.5
	case stand.CmdJogCW:
		d.angle += velocity * 0.1
	case stand.CmdJogCCW:
		d.angle -= velocity * 0.1
	case stand.CmdStop:
		d.torque *= 0.98
	}
	if ctrl&(1<<stand.BitResetTorque) != 0 {
		d.torqueZero = d.torque
	}
	if ctrl&(1<<stand.BitResetAngle) != 0 {
		d.angle = 0
	}

	base := int(d.cfg.ReadAddress)
	d.regs[base+stand.RegRingStart+d.cursor] = uint16(d.sample(d.n, d.torque-d.torqueZero))
	d.n++
	d.cursor = (d.cursor + 1) % d.cfg.RingCapacity

	counts := uint32(int32(math.Round(d.angle)))
	d.regs[base+stand.RegAngleLow] = uint16(counts)
	d.regs[base+stand.RegAngleHigh] = uint16(counts >> 16)
	d.regs[base+stand.RegCursor] = uint16(d.cursor)
	d.regs[base+stand.RegStatus] = ctrl & 0x01 // echo power bit
}

// Run steps the device at its sample period until ctx is done. Ticker
// coalescing is compensated from wall time so the sample rate holds.
func (d *Device) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SamplePeriod)
	defer ticker.Stop()

	start := time.Now()
	var produced uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due := uint64(now.Sub(start) / d.cfg.SamplePeriod)
			if due > produced {
				d.StepN(int(due - produced))
				produced = due
			}
		}
	}
}

// Samples returns how many samples the device has produced.
func (d *Device) Samples() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Torque returns the plant torque in N·m.
func (d *Device) Torque() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.torque
}

// Registers copies n registers starting at addr.
func (d *Device) Registers(addr uint16, n int) []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, n)
	copy(out, d.regs[int(addr):])
	return out
}

// ControlImage returns the last control image written by the host.
func (d *Device) ControlImage() []uint16 {
	return d.Registers(d.cfg.WriteAddress, stand.WriteRegisters)
}

// Coefficients decodes the calibration block written by the host.
func (d *Device) Coefficients(count int) []float64 {
	return stand.RegistersFloat32(d.Registers(d.cfg.CoeffAddress, 2*count))
}

// Transactions counts served Modbus requests.
func (d *Device) Transactions() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transactions
}
