// Package link is the controller's register transport: one Modbus TCP
// connection per transaction, nothing kept open between calls.
package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// ErrConnection matches every transaction failure.
var ErrConnection = errors.New("controller connection failure")

// ConnectionError describes a failed transaction. The caller treats it as
// "no data this tick".
type ConnectionError struct {
	Op   string // "dial", "poll", "write"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Request is one combined read/write transaction.
type Request struct {
	ReadAddress  uint16
	ReadCount    uint16
	WriteAddress uint16
	WriteValues  []uint16
}

// Config selects the controller endpoint.
type Config struct {
	Addr    string // host:port
	UnitID  byte
	Timeout time.Duration
}

// Link is stateless apart from its endpoint configuration.
type Link struct {
	cfg Config
}

// New returns a Link for the given endpoint.
func New(cfg Config) *Link {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Link{cfg: cfg}
}

// Addr returns the controller endpoint.
func (l *Link) Addr() string { return l.cfg.Addr }

// Poll performs one function-23 read/write transaction and returns the read
// registers. Every failure is a *ConnectionError.
func (l *Link) Poll(ctx context.Context, req Request) ([]uint16, error) {
	if req.ReadCount == 0 || req.ReadCount > 125 {
		return nil, &ConnectionError{Op: "poll", Addr: l.cfg.Addr, Err: fmt.Errorf("read count %d out of range 1-125", req.ReadCount)}
	}
	if len(req.WriteValues) == 0 || len(req.WriteValues) > 121 {
		return nil, &ConnectionError{Op: "poll", Addr: l.cfg.Addr, Err: fmt.Errorf("write count %d out of range 1-121", len(req.WriteValues))}
	}

	var regs []uint16
	err := l.transact(ctx, "poll", func(client modbus.Client) error {
		data, err := client.ReadWriteMultipleRegisters(
			req.ReadAddress, req.ReadCount,
			req.WriteAddress, uint16(len(req.WriteValues)),
			encode(req.WriteValues),
		)
		if err != nil {
			return err
		}
		if len(data) != 2*int(req.ReadCount) {
			return fmt.Errorf("expected %d bytes, got %d", 2*int(req.ReadCount), len(data))
		}
		regs = decode(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// Read performs one function-3 read without touching the control image.
func (l *Link) Read(ctx context.Context, address, count uint16) ([]uint16, error) {
	if count == 0 || count > 125 {
		return nil, &ConnectionError{Op: "read", Addr: l.cfg.Addr, Err: fmt.Errorf("read count %d out of range 1-125", count)}
	}
	var regs []uint16
	err := l.transact(ctx, "read", func(client modbus.Client) error {
		data, err := client.ReadHoldingRegisters(address, count)
		if err != nil {
			return err
		}
		if len(data) != 2*int(count) {
			return fmt.Errorf("expected %d bytes, got %d", 2*int(count), len(data))
		}
		regs = decode(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// Write performs one function-16 write transaction.
func (l *Link) Write(ctx context.Context, address uint16, values []uint16) error {
	if len(values) == 0 || len(values) > 123 {
		return &ConnectionError{Op: "write", Addr: l.cfg.Addr, Err: fmt.Errorf("write count %d out of range 1-123", len(values))}
	}
	return l.transact(ctx, "write", func(client modbus.Client) error {
		_, err := client.WriteMultipleRegisters(address, uint16(len(values)), encode(values))
		return err
	})
}

// transact opens a connection, runs fn, and closes the connection. The
// deadline is the earlier of the link timeout and ctx's deadline.
func (l *Link) transact(ctx context.Context, op string, fn func(modbus.Client) error) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: op, Addr: l.cfg.Addr, Err: err}
	}

	timeout := l.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
		if timeout <= 0 {
			return &ConnectionError{Op: op, Addr: l.cfg.Addr, Err: context.DeadlineExceeded}
		}
	}

	handler := modbus.NewTCPClientHandler(l.cfg.Addr)
	handler.Timeout = timeout
	handler.SlaveId = l.cfg.UnitID
	if err := handler.Connect(); err != nil {
		return &ConnectionError{Op: "dial", Addr: l.cfg.Addr, Err: err}
	}
	defer handler.Close()

	if err := fn(modbus.NewClient(handler)); err != nil {
		return &ConnectionError{Op: op, Addr: l.cfg.Addr, Err: err}
	}
	return nil
}

func encode(values []uint16) []byte {
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

func decode(data []byte) []uint16 {
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return regs
}
