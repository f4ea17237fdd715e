// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/config"
	"github.com/relabs-tech/torsion_stand/internal/plcsim"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// RunMockPLC serves a simulated controller on SIM_LISTEN_ADDR using the
// configured register map, printing the plant state once a second.
func RunMockPLC(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	dev := plcsim.New(plcsim.Config{
		RingCapacity: cfg.RingCapacity,
		ReadAddress:  cfg.ReadAddress,
		WriteAddress: cfg.WriteAddress,
		CoeffAddress: cfg.CoeffAddress,
		SamplePeriod: cfg.DeviceSamplePeriod(),
		FullScale:    cfg.TorqueFullScale,
		CountsPerDeg: cfg.AngleCountsPerDeg,
		UnitID:       cfg.ModbusUnitID,
		Logger:       log.Default(),
	})
	go dev.Run(ctx)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ctrl := dev.ControlImage()[stand.WriteCtrl]
				fmt.Printf(
					"TORQUE=%8.3f  CMD=%v  MODE=%v  SAMPLES=%d  TX=%d\n",
					dev.Torque(), stand.DecodeCommand(ctrl), stand.DecodeMode(ctrl), dev.Samples(), dev.Transactions(),
				)
			}
		}
	}()

	return dev.ListenAndServe(ctx, cfg.SimListenAddr)
}
