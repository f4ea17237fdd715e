// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package lamp drives the controller-link indicator on the stand panel.
package lamp

import (
	"fmt"
	"io"
	"log"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
)

// Pin is the output side of a GPIO pin.
type Pin interface {
	Out(l gpio.Level) error
}

// Lamp is lit while the controller link is healthy.
type Lamp struct {
	pin Pin
	log *log.Logger

	mu    sync.Mutex
	known bool
	lit   bool
}

// Open initializes periph and claims the named pin, starting dark.
func Open(pinName string, logger *log.Logger) (*Lamp, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("lamp: periph host init: %w", err)
	}
	p := gpioreg.ByName(pinName)
	if p == nil {
		return nil, fmt.Errorf("lamp: pin %q not found", pinName)
	}
	l := New(p, logger)
	if err := l.set(false); err != nil {
		return nil, err
	}
	l.log.Printf("lamp: health lamp on %s", p)
	return l, nil
}

// New wraps an already configured pin.
func New(pin Pin, logger *log.Logger) *Lamp {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Lamp{pin: pin, log: logger}
}

// HandleUpdate follows the link health; the pin is only written on change.
func (l *Lamp) HandleUpdate(u acquisition.Update) {
	if err := l.set(u.Healthy); err != nil {
		l.log.Printf("lamp: %v", err)
	}
}

// Off darkens the lamp.
func (l *Lamp) Off() error {
	return l.set(false)
}

func (l *Lamp) set(lit bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.known && l.lit == lit {
		return nil
	}
	if err := l.pin.Out(gpio.Level(lit)); err != nil {
		return fmt.Errorf("set pin: %w", err)
	}
	l.known = true
	l.lit = lit
	return nil
}
