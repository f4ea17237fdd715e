package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
	"github.com/relabs-tech/torsion_stand/internal/config"
	"github.com/relabs-tech/torsion_stand/internal/dyno"
	"github.com/relabs-tech/torsion_stand/internal/ipc"
	"github.com/relabs-tech/torsion_stand/internal/lamp"
	"github.com/relabs-tech/torsion_stand/internal/link"
	"github.com/relabs-tech/torsion_stand/internal/publish"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// NewLink returns the controller link described by cfg.
func NewLink(cfg *config.Config) *link.Link {
	return link.New(link.Config{
		Addr:    cfg.ModbusAddr(),
		UnitID:  cfg.ModbusUnitID,
		Timeout: cfg.ModbusTimeout(),
	})
}

// BuildService assembles loop, commander, session, fitter and store over
// lnk. The installed curve is taken from the config file and the points
// from the last snapshot. ref may be nil.
func BuildService(cfg *config.Config, configPath string, lnk *link.Link, ref ReferenceSource) (*Service, error) {
	logger := log.Default()
	cmd := stand.NewCommander(cfg.TorqueFullScale)

	loop, err := acquisition.NewLoop(acquisition.Config{
		ReadAddress:       cfg.ReadAddress,
		WriteAddress:      cfg.WriteAddress,
		RingCapacity:      cfg.RingCapacity,
		RetentionCapacity: cfg.RetentionCapacity(),
		PollInterval:      cfg.PollInterval(),
		DevicePeriod:      cfg.DeviceSamplePeriod(),
		FullScale:         cfg.TorqueFullScale,
		CountsPerDeg:      cfg.AngleCountsPerDeg,
		Logger:            logger,
	}, lnk, cmd)
	if err != nil {
		return nil, fmt.Errorf("acquisition loop: %w", err)
	}
	coeffs := calibration.FromConfig(cfg)
	loop.SetCoefficients(coeffs)
	log.Printf("stand: calibration curve %v", coeffs)

	store := calibration.NewStore(calibration.StoreConfig{
		SnapshotPath: cfg.CalibSnapshotPath,
		ConfigPath:   configPath,
		CoeffAddress: cfg.CoeffAddress,
		Device:       lnk,
		Logger:       logger,
	})

	svc := NewService(ServiceConfig{
		Loop:      loop,
		Commander: cmd,
		Session:   calibration.NewSession(cmd, cfg.MaxCalibTorque, logger),
		Fitter:    calibration.NewFitter(cfg.FitB1Tolerance, cfg.FitSlopeTolerance),
		Store:     store,
		Reference: ref,
		Logger:    logger,
	})
	if err := svc.Restore(); err != nil {
		log.Printf("stand: snapshot not restored: %v", err)
	}
	return svc, nil
}

// StartReference opens the reference dynamometer when one is configured
// and reads it until ctx is done. It returns nil when none is configured.
func StartReference(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup) (*dyno.Reader, error) {
	if cfg.DynoSerialPort == "" {
		log.Println("stand: no reference dynamometer configured")
		return nil, nil
	}
	r, err := dyno.Open(dyno.Config{
		PortName:   cfg.DynoSerialPort,
		BaudRate:   uint(cfg.DynoBaudRate),
		Scale:      cfg.DynoScale,
		StaleAfter: cfg.DynoStaleAfter(),
		Logger:     log.Default(),
	})
	if err != nil {
		return nil, err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Run(ctx); err != nil {
			log.Printf("dyno: reader stopped: %v", err)
		}
	}()
	return r, nil
}

// RunStand runs the acquisition service with every configured output and
// the web server until ctx is done.
func RunStand(ctx context.Context, configPath string) error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("config not loaded")
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ref ReferenceSource
	reader, err := StartReference(ctx, cfg, &wg)
	if err != nil {
		return fmt.Errorf("reference dynamometer: %w", err)
	}
	if reader != nil {
		ref = reader
	}

	lnk := NewLink(cfg)
	svc, err := BuildService(cfg, configPath, lnk, ref)
	if err != nil {
		return err
	}

	if cfg.MQTTBroker != "" {
		client, err := publish.Connect(cfg.MQTTBroker, cfg.MQTTClientIDStand, log.Default())
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		pub := publish.NewMQTT(client, publish.Topics{
			Live:        cfg.TopicLive,
			Health:      cfg.TopicHealth,
			Calibration: cfg.TopicCalibration,
		}, cfg.PublishInterval(), svc.Loop.Retention().Len, log.Default())
		svc.Loop.AddHandler(pub)
		svc.AddPublisher(pub)
	}

	if cfg.RedisAddr != "" {
		client, err := ipc.Connect(ctx, cfg.RedisAddr, log.Default())
		if err != nil {
			return err
		}
		defer client.Close()
		tx := ipc.NewTx(client, cfg.PublishInterval(), log.Default())
		svc.Loop.AddHandler(tx)
		svc.Store.AddMirror(tx)
	}

	if cfg.HealthLEDPin != "" {
		l, err := lamp.Open(cfg.HealthLEDPin, log.Default())
		if err != nil {
			return err
		}
		defer l.Off()
		svc.Loop.AddHandler(l)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: svc.Routes("web", cfg.DeviceSamplePeriod()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("web server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("web: server error: %v", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("stand: polling controller at %s", lnk.Addr())
	if err := svc.Loop.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
