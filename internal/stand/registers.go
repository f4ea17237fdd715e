// Package stand describes the controller's register map: the polled block,
// its conversions, and the control image written back every poll.
package stand

import (
	"fmt"
	"math"
)

// Offsets inside the polled block.
const (
	RegStatus    = 0 // discrete status word
	RegAngleLow  = 1
	RegAngleHigh = 2
	RegCursor    = 3 // next write index of the ring
	RegRingStart = 4

	HeaderRegisters = RegRingStart
)

// Block is one decoded read of the controller's polled registers.
type Block struct {
	Status    uint16
	AngleRaw  int32
	Cursor    int
	Ring      []int16  // ring in device order, len == ring capacity
	Registers []uint16 // the raw registers as read
}

// DecodeBlock splits a raw register read into header fields and ring.
func DecodeBlock(regs []uint16, ringCapacity int) (Block, error) {
	if ringCapacity <= 0 {
		return Block{}, fmt.Errorf("ring capacity must be positive, got %d", ringCapacity)
	}
	if len(regs) != HeaderRegisters+ringCapacity {
		return Block{}, fmt.Errorf("expected %d registers, got %d", HeaderRegisters+ringCapacity, len(regs))
	}

	ring := make([]int16, ringCapacity)
	for i := range ring {
		ring[i] = int16(regs[RegRingStart+i])
	}

	return Block{
		Status:    regs[RegStatus],
		AngleRaw:  int32(uint32(regs[RegAngleHigh])<<16 | uint32(regs[RegAngleLow])),
		Cursor:    int(regs[RegCursor]),
		Ring:      ring,
		Registers: append([]uint16(nil), regs...),
	}, nil
}

// Chronological returns the ring ordered oldest to newest. Cursor is the
// slot the device writes next, so ring[Cursor] is the oldest sample. A
// cursor outside the ring returns nil.
func (b Block) Chronological() []int16 {
	n := len(b.Ring)
	if b.Cursor < 0 || b.Cursor >= n {
		return nil
	}
	out := make([]int16, 0, n)
	out = append(out, b.Ring[b.Cursor:]...)
	out = append(out, b.Ring[:b.Cursor]...)
	return out
}

// StatusBit reports bit n of the status word.
func (b Block) StatusBit(n uint) bool {
	return b.Status&(1<<n) != 0
}

// TorqueFromRaw scales a signed raw sample to N·m.
func TorqueFromRaw(raw int16, fullScale float64) float64 {
	return fullScale * float64(raw) / 32768.0
}

// RawFromTorque is the inverse of TorqueFromRaw, saturating at int16 limits.
func RawFromTorque(torque, fullScale float64) int16 {
	v := math.Round(torque * 32768.0 / fullScale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// AngleFromRaw converts the 32-bit angle counter to degrees.
func AngleFromRaw(raw int32, countsPerDeg float64) float64 {
	return float64(raw) / countsPerDeg
}

// Float32Registers encodes values as big-endian IEEE-754 words, high word
// first, the layout the controller expects for REAL tags.
func Float32Registers(values ...float64) []uint16 {
	regs := make([]uint16, 0, 2*len(values))
	for _, v := range values {
		bits := math.Float32bits(float32(v))
		regs = append(regs, uint16(bits>>16), uint16(bits))
	}
	return regs
}

// RegistersFloat32 decodes what Float32Registers produced.
func RegistersFloat32(regs []uint16) []float64 {
	out := make([]float64, 0, len(regs)/2)
	for i := 0; i+1 < len(regs); i += 2 {
		bits := uint32(regs[i])<<16 | uint32(regs[i+1])
		out = append(out, float64(math.Float32frombits(bits)))
	}
	return out
}
