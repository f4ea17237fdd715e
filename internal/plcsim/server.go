package plcsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// Modbus function codes served by the simulator.
const (
	fcReadHolding   = 0x03
	fcWriteMultiple = 0x10
	fcReadWrite     = 0x17
)

// Modbus exception codes.
const (
	excIllegalFunction = 0x01
	excIllegalAddress  = 0x02
	excIllegalValue    = 0x03
)

const mbapHeaderLen = 7

// ListenAndServe listens on addr and serves until ctx is done.
func (d *Device) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("plcsim: listen %s: %w", addr, err)
	}
	return d.Serve(ctx, ln)
}

// Serve accepts Modbus TCP connections on ln until ctx is done. Each
// connection is handled on its own goroutine; requests on one connection
// are answered in order.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	d.log.Printf("plcsim: serving on %s", ln.Addr())
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("plcsim: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

func (d *Device) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	header := make([]byte, mbapHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				d.log.Printf("plcsim: read header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 || length > 254 {
			d.log.Printf("plcsim: bad MBAP length %d from %s", length, conn.RemoteAddr())
			return
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			d.log.Printf("plcsim: read pdu from %s: %v", conn.RemoteAddr(), err)
			return
		}

		resp := d.handlePDU(pdu)

		out := make([]byte, mbapHeaderLen+len(resp))
		copy(out[0:2], header[0:2]) // transaction id
		binary.BigEndian.PutUint16(out[4:6], uint16(len(resp)+1))
		out[6] = header[6]
		copy(out[mbapHeaderLen:], resp)
		if _, err := conn.Write(out); err != nil {
			d.log.Printf("plcsim: write to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// handlePDU executes one request PDU and returns the response PDU.
func (d *Device) handlePDU(pdu []byte) []byte {
	fc := pdu[0]
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transactions++

	switch fc {
	case fcReadHolding:
		if len(pdu) != 5 {
			return exception(fc, excIllegalValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:])
		qty := binary.BigEndian.Uint16(pdu[3:])
		if qty == 0 || qty > 125 {
			return exception(fc, excIllegalValue)
		}
		if int(addr)+int(qty) > len(d.regs) {
			return exception(fc, excIllegalAddress)
		}
		return d.readResponse(fc, addr, qty)

	case fcWriteMultiple:
		if len(pdu) < 6 {
			return exception(fc, excIllegalValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:])
		qty := binary.BigEndian.Uint16(pdu[3:])
		count := int(pdu[5])
		if qty == 0 || qty > 123 || count != 2*int(qty) || len(pdu) != 6+count {
			return exception(fc, excIllegalValue)
		}
		if int(addr)+int(qty) > len(d.regs) {
			return exception(fc, excIllegalAddress)
		}
		d.writeLocked(addr, pdu[6:])
		resp := make([]byte, 5)
		resp[0] = fc
		binary.BigEndian.PutUint16(resp[1:], addr)
		binary.BigEndian.PutUint16(resp[3:], qty)
		return resp

	case fcReadWrite:
		if len(pdu) < 10 {
			return exception(fc, excIllegalValue)
		}
		readAddr := binary.BigEndian.Uint16(pdu[1:])
		readQty := binary.BigEndian.Uint16(pdu[3:])
		writeAddr := binary.BigEndian.Uint16(pdu[5:])
		writeQty := binary.BigEndian.Uint16(pdu[7:])
		count := int(pdu[9])
		if readQty == 0 || readQty > 125 || writeQty == 0 || writeQty > 121 ||
			count != 2*int(writeQty) || len(pdu) != 10+count {
			return exception(fc, excIllegalValue)
		}
		if int(readAddr)+int(readQty) > len(d.regs) || int(writeAddr)+int(writeQty) > len(d.regs) {
			return exception(fc, excIllegalAddress)
		}
		// the write is applied before the read
		d.writeLocked(writeAddr, pdu[10:])
		return d.readResponse(fc, readAddr, readQty)

	default:
		return exception(fc, excIllegalFunction)
	}
}

// must hold d.mu
func (d *Device) readResponse(fc byte, addr, qty uint16) []byte {
	resp := make([]byte, 2+2*int(qty))
	resp[0] = fc
	resp[1] = byte(2 * qty)
	for i := 0; i < int(qty); i++ {
		binary.BigEndian.PutUint16(resp[2+2*i:], d.regs[int(addr)+i])
	}
	return resp
}

// must hold d.mu
func (d *Device) writeLocked(addr uint16, data []byte) {
	for i := 0; i+1 < len(data); i += 2 {
		d.regs[int(addr)+i/2] = binary.BigEndian.Uint16(data[i:])
	}
	if addr == d.cfg.CoeffAddress && len(data) >= 4 {
		d.log.Printf("plcsim: calibration block written: %v", stand.RegistersFloat32(d.regs[addr:int(addr)+len(data)/2]))
	}
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}
