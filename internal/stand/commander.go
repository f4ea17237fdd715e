package stand

import (
	"fmt"
	"math"
	"sync"
)

// Control image layout, written at WRITE_ADDRESS every poll.
const (
	WriteCtrl       = 0 // control word
	WriteTorqueSV   = 1 // torque setpoint, raw torque units
	WriteVelocitySV = 2 // velocity setpoint, 0.01 % of max per LSB
	WriteDQCtrl     = 3 // direct discrete outputs
	WriteUZCtrl     = 4 // direct drive control
	WriteAux        = 5

	WriteRegisters = 6
)

var registerNames = map[string]int{
	"ctrl":        WriteCtrl,
	"torque_sv":   WriteTorqueSV,
	"velocity_sv": WriteVelocitySV,
	"dq_ctrl":     WriteDQCtrl,
	"uz_ctrl":     WriteUZCtrl,
	"aux":         WriteAux,
}

// ParseRegister maps a control image register name to its index.
func ParseRegister(name string) (int, error) {
	if i, ok := registerNames[name]; ok {
		return i, nil
	}
	return 0, fmt.Errorf("unknown control register %q", name)
}

// Control word bits.
const (
	BitPowerOn     = 0
	BitResetTorque = 4
	BitResetAngle  = 5
	BitWriteRetain = 6
	BitResetError  = 7
	BitResetAlarm  = 8
)

// flagBits are every single-bit flag of the control word.
var flagBits = [...]uint{BitPowerOn, BitResetTorque, BitResetAngle, BitWriteRetain, BitResetError, BitResetAlarm}

const (
	commandShift = 1
	commandMask  = uint16(0b111) << commandShift
	modeShift    = 13
	modeMask     = uint16(0b111) << modeShift
)

// Command is the motion command field of the control word (bits 1-3).
type Command uint16

const (
	CmdHalt        Command = 0b000
	CmdJogCW       Command = 0b001
	CmdJogCCW      Command = 0b010
	CmdTorqueHold  Command = 0b011
	CmdMoveToAngle Command = 0b100
	CmdStop        Command = 0b111
)

func (c Command) String() string {
	switch c {
	case CmdHalt:
		return "halt"
	case CmdJogCW:
		return "jog_cw"
	case CmdJogCCW:
		return "jog_ccw"
	case CmdTorqueHold:
		return "torque_hold"
	case CmdMoveToAngle:
		return "move_to_angle"
	case CmdStop:
		return "stop"
	default:
		return fmt.Sprintf("command(%d)", uint16(c))
	}
}

// Mode is the operating mode field of the control word (bits 13-15).
type Mode uint16

const (
	ModeHand            Mode = 0b000
	ModeAuto            Mode = 0b010
	ModeService         Mode = 0b100
	ModeHandCalibration Mode = 0b101
)

func (m Mode) String() string {
	switch m {
	case ModeHand:
		return "hand"
	case ModeAuto:
		return "auto"
	case ModeService:
		return "service"
	case ModeHandCalibration:
		return "hand_calibration"
	default:
		return fmt.Sprintf("mode(%d)", uint16(m))
	}
}

// ParseMode maps an operator mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hand":
		return ModeHand, nil
	case "auto":
		return ModeAuto, nil
	case "service":
		return ModeService, nil
	case "hand_calibration":
		return ModeHandCalibration, nil
	default:
		return 0, fmt.Errorf("unsupported stand mode: %q", s)
	}
}

// Direction selects jog rotation.
type Direction int

const (
	DirectionCW Direction = iota
	DirectionCCW
)

// Actuator is the command surface used by calibration and operator tools.
type Actuator interface {
	EnterTorqueHold(setpoint float64) error
	Halt() error
	Jog(dir Direction, velocity float64) error
	SetMode(mode Mode) error
}

// Commander owns the control image. Commands only change the image; the
// acquisition loop ships it with the next poll.
type Commander struct {
	mu        sync.Mutex
	regs      [WriteRegisters]uint16
	fullScale float64
}

var _ Actuator = (*Commander)(nil)

// NewCommander returns a Commander converting setpoints with the given
// torque full scale (N·m at raw 32768).
func NewCommander(fullScale float64) *Commander {
	return &Commander{fullScale: fullScale}
}

// EnterTorqueHold loads the torque setpoint and selects closed-loop hold.
func (c *Commander) EnterTorqueHold(setpoint float64) error {
	if math.IsNaN(setpoint) || math.IsInf(setpoint, 0) {
		return fmt.Errorf("invalid torque setpoint %v", setpoint)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[WriteTorqueSV] = uint16(RawFromTorque(setpoint, c.fullScale))
	c.setCommand(CmdTorqueHold)
	return nil
}

// Halt stops motion and keeps setpoints.
func (c *Commander) Halt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCommand(CmdHalt)
	return nil
}

// Stop stops motion and zeroes both setpoints.
func (c *Commander) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[WriteTorqueSV] = 0
	c.regs[WriteVelocitySV] = 0
	c.setCommand(CmdStop)
	return nil
}

// Jog rotates at velocity percent of maximum (0..100).
func (c *Commander) Jog(dir Direction, velocity float64) error {
	if velocity < 0 || velocity > 100 || math.IsNaN(velocity) {
		return fmt.Errorf("jog velocity must be 0-100 %%, got %v", velocity)
	}
	cmd := CmdJogCW
	switch dir {
	case DirectionCW:
	case DirectionCCW:
		cmd = CmdJogCCW
	default:
		return fmt.Errorf("unknown jog direction %d", dir)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[WriteVelocitySV] = uint16(math.Round(velocity * 100))
	c.setCommand(cmd)
	return nil
}

// SetMode replaces the mode field of the control word.
func (c *Commander) SetMode(mode Mode) error {
	switch mode {
	case ModeHand, ModeAuto, ModeService, ModeHandCalibration:
	default:
		return fmt.Errorf("unsupported stand mode: %v", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[WriteCtrl] = c.regs[WriteCtrl]&^modeMask | uint16(mode)<<modeShift
	return nil
}

// SetControlBit sets one of the Bit* flags.
func (c *Commander) SetControlBit(bit uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[WriteCtrl] |= 1 << bit
}

// ClearControlBit clears one of the Bit* flags.
func (c *Commander) ClearControlBit(bit uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[WriteCtrl] &^= 1 << bit
}

// ClearControlBits clears every flag bit, power included. Command and
// mode are kept.
func (c *Commander) ClearControlBits() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bit := range flagBits {
		c.regs[WriteCtrl] &^= 1 << bit
	}
}

// ResetError acknowledges a servo drive error.
func (c *Commander) ResetError() { c.SetControlBit(BitResetError) }

// ResetAlarm silences the controller alarm.
func (c *Commander) ResetAlarm() { c.SetControlBit(BitResetAlarm) }

// ZeroTorque makes the controller take the current torque as zero.
func (c *Commander) ZeroTorque() { c.SetControlBit(BitResetTorque) }

// ZeroAngle makes the controller take the current angle as zero.
func (c *Commander) ZeroAngle() { c.SetControlBit(BitResetAngle) }

// SetRetain selects whether the controller keeps written setpoints in
// retentive memory.
func (c *Commander) SetRetain(on bool) {
	if on {
		c.SetControlBit(BitWriteRetain)
	} else {
		c.ClearControlBit(BitWriteRetain)
	}
}

// SetRegister writes a raw value into the image.
func (c *Commander) SetRegister(index int, value uint16) error {
	if index < 0 || index >= WriteRegisters {
		return fmt.Errorf("control register %d out of range", index)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[index] = value
	return nil
}

// Image returns a copy of the control image.
func (c *Commander) Image() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint16, WriteRegisters)
	copy(out, c.regs[:])
	return out
}

// Command returns the motion command currently in the image.
func (c *Commander) Command() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Command((c.regs[WriteCtrl] & commandMask) >> commandShift)
}

// must hold c.mu
func (c *Commander) setCommand(cmd Command) {
	c.regs[WriteCtrl] = c.regs[WriteCtrl]&^commandMask | uint16(cmd)<<commandShift
}

// DecodeCommand extracts the command field from a control word.
func DecodeCommand(ctrl uint16) Command {
	return Command((ctrl & commandMask) >> commandShift)
}

// DecodeMode extracts the mode field from a control word.
func DecodeMode(ctrl uint16) Mode {
	return Mode((ctrl & modeMask) >> modeShift)
}
