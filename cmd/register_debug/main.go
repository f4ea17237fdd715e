// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/app"
	"github.com/relabs-tech/torsion_stand/internal/config"
)

func main() {
	configPath := flag.String("config", "torsion_config.txt", "Path to configuration file")
	watch := flag.Duration("watch", 0, "Repeat the dump at this interval (0 dumps once)")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	lnk := app.NewLink(cfg)
	log.Printf("register debug: reading %s", lnk.Addr())

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := app.DumpRegisters(ctx, cfg, lnk, os.Stdout)
		cancel()
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
	}
}
