// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/calibration/main.go
//
// Guided ten-point torque sensor calibration from a terminal.
//
// For each point the stand is put in closed-loop torque hold at the
// commanded setpoint. The operator watches the live sensor and reference
// readings and presses ENTER once both are steady; the point is then fixed
// and the stand halted. After the tenth point the two-segment curve is
// fitted, saved to the snapshot and config file, and pushed to the
// controller.
//
// Run:
//
//	go run ./cmd/calibration -config torsion_config.txt
//
// Notes:
//   - Do not run this while cmd/stand is polling the same controller.
//   - Points restored from the last snapshot keep their setpoints; use
//     -setpoints to override them.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/app"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
	"github.com/relabs-tech/torsion_stand/internal/config"
)

const (
	readoutPeriod = 200 * time.Millisecond
	// readings kept for the stability figure shown while holding
	stabilityWindow = 15
)

func main() {
	in := bufio.NewReader(os.Stdin)

	configPath := flag.String("config", "torsion_config.txt", "Path to configuration file")
	setpoints := flag.String("setpoints", "", "Comma separated setpoints in N·m for the ten points")
	flag.Parse()

	fmt.Println("=== Guided Torque Calibration (10 points) ===")
	fmt.Println()

	if err := config.InitGlobal(*configPath); err != nil {
		fatal(fmt.Errorf("load config from %s: %w", *configPath, err))
	}
	if err := run(in, *configPath, *setpoints); err != nil {
		fatal(err)
	}
	fmt.Println("\nCalibration complete.")
}

func run(in *bufio.Reader, configPath, setpoints string) error {
	cfg := config.Get()
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ref app.ReferenceSource
	reader, err := app.StartReference(ctx, cfg, &wg)
	if err != nil {
		return err
	}
	if reader != nil {
		ref = reader
	} else {
		fmt.Println("WARNING: no reference dynamometer configured, reference readings will be 0")
		fmt.Println("         and the fit will be rejected.")
	}

	svc, err := app.BuildService(cfg, configPath, app.NewLink(cfg), ref)
	if err != nil {
		return err
	}
	if setpoints != "" {
		if err := applySetpoints(svc.Session, setpoints); err != nil {
			return err
		}
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		svc.Loop.Run(loopCtx)
		close(loopDone)
	}()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			svc.Commander.Halt()
			stopLoop()
			<-loopDone
			// one more transaction ships the halt
			svc.Loop.Tick(context.Background())
		})
	}
	defer shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\ninterrupted, halting stand")
			shutdown()
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	if err := svc.Session.ResetAll(); err != nil {
		return err
	}

	for _, p := range svc.Session.Points() {
		fmt.Printf("\nPoint %d/%d: %.3f N·m\n", p.Index+1, calibration.PointCount, p.CommandedSetpoint)
		waitEnter(in, "Press ENTER to engage torque hold...")
		if err := svc.Session.Engage(p.Index); err != nil {
			return err
		}
		holdUntilEnter(in, svc)
		if err := svc.Session.Disengage(p.Index); err != nil {
			return err
		}
		fixed := svc.Session.Points()[p.Index]
		fmt.Printf("Fixed: actual=%.4f reference=%.4f\n", fixed.FixedActual, fixed.FixedReference)
	}

	fmt.Println("\nFitting correction curve...")
	res, err := svc.Compute(ctx)
	if res.Accepted {
		fmt.Printf("Accepted: %v\n", res.Coefficients)
	} else if res.Reason != "" {
		fmt.Printf("Rejected: %s\n", res.Reason)
		fmt.Printf("Raw fit:  %v\n", res.Raw)
		fmt.Println("Identity curve installed.")
	}
	return err
}

// holdUntilEnter prints the live readings and their spread until ENTER.
func holdUntilEnter(in *bufio.Reader, svc *app.Service) {
	fmt.Println("Holding. Press ENTER when the readings are steady.")
	stopCh := make(chan struct{}, 1)
	go func() {
		_, _ = in.ReadString('\n')
		stopCh <- struct{}{}
	}()

	ticker := time.NewTicker(readoutPeriod)
	defer ticker.Stop()

	var actual []float64
	for {
		select {
		case <-stopCh:
			fmt.Println()
			return
		case <-ticker.C:
			i, ok := svc.Session.Active()
			if !ok {
				continue
			}
			p := svc.Session.Points()[i]
			actual = append(actual, p.LiveActual)
			if len(actual) > stabilityWindow {
				actual = actual[1:]
			}
			_, sd := meanStd(actual)
			link := "ok"
			if !svc.Loop.Healthy() {
				link = "DOWN"
			}
			fmt.Printf("\r  sensor=%9.4f  reference=%9.4f  spread=%7.4f  link=%-4s",
				p.LiveActual, p.LiveReference, sd, link)
		}
	}
}

func applySetpoints(s *calibration.Session, list string) error {
	parts := strings.Split(list, ",")
	if len(parts) != calibration.PointCount {
		return fmt.Errorf("expected %d setpoints, got %d", calibration.PointCount, len(parts))
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return fmt.Errorf("setpoint %d: %w", i, err)
		}
		if err := s.SetSetpoint(i, v); err != nil {
			return err
		}
	}
	return nil
}

// ---------- Console helpers ----------

func waitEnter(in *bufio.Reader, prompt string) {
	fmt.Print(prompt)
	_, _ = in.ReadString('\n')
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}

func meanStd(xs []float64) (mean float64, sd float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		sd += d * d
	}
	sd = math.Sqrt(sd / float64(len(xs)))
	return mean, sd
}
