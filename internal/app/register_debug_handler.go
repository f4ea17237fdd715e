// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/relabs-tech/torsion_stand/internal/config"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// RegisterReader is a side-effect free register read.
type RegisterReader interface {
	Read(ctx context.Context, address, count uint16) ([]uint16, error)
}

// coefficientRegisters is six float32 values, two registers each.
const coefficientRegisters = 12

// DumpRegisters reads the polled block, the control image and the
// coefficient block once and writes them decoded to w.
func DumpRegisters(ctx context.Context, cfg *config.Config, r RegisterReader, w io.Writer) error {
	regs, err := r.Read(ctx, cfg.ReadAddress, cfg.ReadCount())
	if err != nil {
		return fmt.Errorf("read block: %w", err)
	}
	block, err := stand.DecodeBlock(regs, cfg.RingCapacity)
	if err != nil {
		return err
	}
	image, err := r.Read(ctx, cfg.WriteAddress, stand.WriteRegisters)
	if err != nil {
		return fmt.Errorf("read control image: %w", err)
	}
	coeffRegs, err := r.Read(ctx, cfg.CoeffAddress, coefficientRegisters)
	if err != nil {
		return fmt.Errorf("read coefficients: %w", err)
	}

	fmt.Fprintf(w, "== block @%d (%d registers)\n", cfg.ReadAddress, len(regs))
	fmt.Fprintf(w, "status   %04X  power=%v\n", block.Status, block.StatusBit(stand.BitPowerOn))
	fmt.Fprintf(w, "angle    %d raw  %.3f deg\n", block.AngleRaw, stand.AngleFromRaw(block.AngleRaw, cfg.AngleCountsPerDeg))
	fmt.Fprintf(w, "cursor   %d / %d\n", block.Cursor, cfg.RingCapacity)

	fmt.Fprintln(w, "ring (oldest first, N·m)")
	chrono := block.Chronological()
	var line []string
	for i, raw := range chrono {
		line = append(line, fmt.Sprintf("%8.3f", stand.TorqueFromRaw(raw, cfg.TorqueFullScale)))
		if len(line) == 8 || i == len(chrono)-1 {
			fmt.Fprintln(w, "  "+strings.Join(line, " "))
			line = line[:0]
		}
	}
	if chrono == nil {
		fmt.Fprintln(w, "  cursor outside ring, not decoded")
	}

	ctrl := image[stand.WriteCtrl]
	fmt.Fprintf(w, "== control image @%d\n", cfg.WriteAddress)
	fmt.Fprintf(w, "ctrl     %04X  command=%v mode=%v power=%v retain=%v\n", ctrl, stand.DecodeCommand(ctrl), stand.DecodeMode(ctrl),
		ctrl&(1<<stand.BitPowerOn) != 0, ctrl&(1<<stand.BitWriteRetain) != 0)
	fmt.Fprintf(w, "torqueSV %.3f N·m\n", stand.TorqueFromRaw(int16(image[stand.WriteTorqueSV]), cfg.TorqueFullScale))
	fmt.Fprintf(w, "velSV    %.2f %%\n", float64(image[stand.WriteVelocitySV])/100)
	fmt.Fprintf(w, "dq=%04X uz=%04X aux=%04X\n", image[stand.WriteDQCtrl], image[stand.WriteUZCtrl], image[stand.WriteAux])

	c := stand.RegistersFloat32(coeffRegs)
	fmt.Fprintf(w, "== coefficients @%d\n", cfg.CoeffAddress)
	fmt.Fprintf(w, "A1=%g B1=%g C1=%g A2=%g B2=%g breakpoint=%g\n", c[0], c[1], c[2], c[3], c[4], c[5])
	return nil
}
