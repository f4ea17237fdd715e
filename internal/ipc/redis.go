// Package ipc mirrors stand state into redis hashes for other processes on
// the stand computer, and announces changes on redis channels.
package ipc

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
)

// Hash and channel names.
const (
	KeyStand           = "torsion-stand"
	KeyCalibration     = "torsion-calibration"
	ChannelHealth      = "torsion-stand health"
	ChannelCalibration = "torsion-calibration coefficients"
)

// Connect creates a client and checks the server is reachable.
func Connect(ctx context.Context, addr string, logger *log.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	logger.Printf("ipc: connecting to redis at %s", addr)
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Tx writes stand state to redis. Live fields are refreshed at most once
// per interval; health changes are written and published immediately.
type Tx struct {
	log      *log.Logger
	redis    *redis.Client
	interval time.Duration

	mu         sync.Mutex
	lastLive   time.Time
	haveHealth bool
	healthy    bool
}

// NewTx returns a Tx over client.
func NewTx(client *redis.Client, interval time.Duration, logger *log.Logger) *Tx {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tx{log: logger, redis: client, interval: interval}
}

// HandleUpdate mirrors one loop update.
func (tx *Tx) HandleUpdate(u acquisition.Update) {
	tx.mu.Lock()
	healthChanged := !tx.haveHealth || tx.healthy != u.Healthy
	tx.haveHealth = true
	tx.healthy = u.Healthy
	sendLive := u.Fresh() && u.Time.Sub(tx.lastLive) >= tx.interval
	if sendLive {
		tx.lastLive = u.Time
	}
	tx.mu.Unlock()

	if !healthChanged && !sendLive {
		return
	}

	// bounded so a stalled server cannot hold up the acquisition tick
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	pipe := tx.redis.Pipeline()
	if sendLive {
		pipe.HSet(ctx, KeyStand, LiveFields(u.Live))
	}
	if healthChanged {
		pipe.HSet(ctx, KeyStand, "healthy", boolString(u.Healthy))
		pipe.Publish(ctx, ChannelHealth, boolString(u.Healthy))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		tx.log.Printf("ipc: failed to mirror update: %v", err)
	}
}

// MirrorCoefficients stores the installed calibration curve.
func (tx *Tx) MirrorCoefficients(ctx context.Context, c calibration.Coefficients) error {
	pipe := tx.redis.Pipeline()
	pipe.HSet(ctx, KeyCalibration, CoefficientFields(c))
	pipe.Publish(ctx, ChannelCalibration, c.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror coefficients: %w", err)
	}
	return nil
}

// LiveFields maps live scalars to hash fields.
func LiveFields(lv acquisition.Live) map[string]interface{} {
	return map[string]interface{}{
		"torque":     formatFloat(lv.Torque),
		"raw-torque": formatFloat(lv.RawTorque),
		"angle":      formatFloat(lv.Angle),
		"velocity":   formatFloat(lv.Velocity),
		"status":     fmt.Sprintf("%04X", lv.Status),
		"updated":    lv.Time.UTC().Format(time.RFC3339Nano),
	}
}

// CoefficientFields maps coefficients to hash fields.
func CoefficientFields(c calibration.Coefficients) map[string]interface{} {
	return map[string]interface{}{
		"a1":         formatFloat(c.A1),
		"b1":         formatFloat(c.B1),
		"c1":         formatFloat(c.C1),
		"a2":         formatFloat(c.A2),
		"b2":         formatFloat(c.B2),
		"breakpoint": formatFloat(c.Breakpoint),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolString(b bool) string {
	return map[bool]string{true: "true", false: "false"}[b]
}
