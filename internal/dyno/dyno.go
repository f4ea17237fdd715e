// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package dyno reads the reference dynamometer used during calibration. The
// instrument streams fixed 17-byte ASCII packets over RS-232.
package dyno

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// PacketSize is the length of one instrument packet.
const PacketSize = 17

// the reading sits in bytes 5..15, e.g. "   12.34KN"
var valuePattern = regexp.MustCompile(`\s+(\d+\.\d+)KN`)

// Parser splits the byte stream into packets and extracts readings.
type Parser struct {
	buf     []byte
	resyncs int
}

// Feed appends data and returns every reading completed by it. A packet
// without a reading discards everything buffered so the next read starts
// on a fresh boundary.
func (p *Parser) Feed(data []byte) []float64 {
	p.buf = append(p.buf, data...)
	var out []float64
	for len(p.buf) >= PacketSize {
		packet := p.buf[:PacketSize]
		m := valuePattern.FindSubmatch(packet[5:15])
		if m == nil {
			p.buf = p.buf[:0]
			p.resyncs++
			return out
		}
		p.buf = p.buf[PacketSize:]
		v, err := strconv.ParseFloat(string(m[1]), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Resyncs counts discarded buffers.
func (p *Parser) Resyncs() int { return p.resyncs }

// Config selects the instrument port.
type Config struct {
	PortName   string
	BaudRate   uint
	Scale      float64       // reading units to N·m
	StaleAfter time.Duration // readings older than this are not reported; zero keeps them
	Logger     *log.Logger
}

// Reader keeps the latest scaled reading.
type Reader struct {
	port       io.ReadCloser
	scale      float64
	staleAfter time.Duration
	log        *log.Logger
	now        func() time.Time

	value   atomic.Uint64 // float64 bits
	valid   atomic.Bool
	mu      sync.Mutex
	updated time.Time
}

// Open opens the serial port 8N1 at cfg.BaudRate.
func Open(cfg Config) (*Reader, error) {
	opts := serial.OpenOptions{
		PortName:              cfg.PortName,
		BaudRate:              cfg.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dyno: open %s: %w", cfg.PortName, err)
	}
	r := NewReader(port, cfg)
	r.log.Printf("dyno: serial port opened on %s at %d baud", cfg.PortName, cfg.BaudRate)
	return r, nil
}

// NewReader wraps an already open stream. PortName and BaudRate of cfg are
// ignored.
func NewReader(port io.ReadCloser, cfg Config) *Reader {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	scale := cfg.Scale
	if scale == 0 {
		scale = 1
	}
	return &Reader{port: port, scale: scale, staleAfter: cfg.StaleAfter, log: logger, now: time.Now}
}

// Run reads until the port fails or ctx is done. The port is closed on
// return and the last reading is withdrawn.
func (r *Reader) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.port.Close() })
	defer stop()
	defer r.port.Close()
	defer r.valid.Store(false)

	var parser Parser
	buf := make([]byte, 64)
	for {
		n, err := r.port.Read(buf)
		for _, v := range parser.Feed(buf[:n]) {
			r.store(v * r.scale)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			r.log.Printf("dyno: read error: %v", err)
			return err
		}
	}
}

func (r *Reader) store(v float64) {
	r.mu.Lock()
	r.updated = r.now()
	r.mu.Unlock()
	r.value.Store(math.Float64bits(v))
	r.valid.Store(true)
}

// Value returns the latest scaled reading. ok is false before the first
// packet, after Run has returned, and once the reading is older than
// StaleAfter.
func (r *Reader) Value() (float64, bool) {
	if !r.valid.Load() {
		return 0, false
	}
	if r.staleAfter > 0 && r.Age() > r.staleAfter {
		return 0, false
	}
	return math.Float64frombits(r.value.Load()), true
}

// Age returns how long ago the last reading arrived.
func (r *Reader) Age() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updated.IsZero() {
		return 0
	}
	return r.now().Sub(r.updated)
}
