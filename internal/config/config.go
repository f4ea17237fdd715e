package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/torsion_stand/internal/stand"
)

// MaxRetentionSamples bounds the local series (128 MiB of float64).
const MaxRetentionSamples = 1 << 24

// Config holds all stand configuration values.
type Config struct {
	// Controller link (Modbus TCP)
	ModbusHost      string
	ModbusPort      int
	ModbusUnitID    byte
	ModbusTimeoutMS int

	// Register map
	ReadAddress  uint16 // start of status word, angle pair, cursor, ring
	WriteAddress uint16 // start of the 6-register control image
	CoeffAddress uint16 // start of the calibration coefficient block

	// Timing
	PollIntervalMS       int // host poll period
	DeviceSamplePeriodUS int // controller's internal sampling period
	RingCapacity         int // controller ring buffer length, in samples
	RetentionWindowMin   int // local history length, in minutes

	// Conversions
	TorqueFullScale   float64 // N·m at raw 32768
	AngleCountsPerDeg float64
	MaxCalibTorque    float64

	// Fit plausibility
	FitB1Tolerance    float64
	FitSlopeTolerance float64

	// Calibration
	CalibSnapshotPath string
	CalibA1           float64
	CalibB1           float64
	CalibC1           float64
	CalibA2           float64
	CalibB2           float64
	CalibBreakpoint   float64

	// MQTT
	MQTTBroker            string
	MQTTClientIDStand     string
	MQTTClientIDConsole   string
	TopicLive             string
	TopicHealth           string
	TopicCalibration      string
	MQTTPublishIntervalMS int

	// Reference dynamometer
	DynoSerialPort string
	DynoBaudRate   int
	DynoScale      float64 // reference reading -> N·m
	DynoStaleMS    int     // a reading older than this counts as missing

	// Optional outputs
	RedisAddr    string // empty disables the redis mirror
	HealthLEDPin string // empty disables the GPIO lamp

	// Web Server
	WebServerPort int

	// Simulator
	SimListenAddr string
}

// Package-level singleton state. InitGlobal is the only writer; Get takes a
// read lock so any goroutine can call it.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// defaults returns a Config with every optional key populated.
func defaults() *Config {
	return &Config{
		ModbusPort:            502,
		ModbusUnitID:          1,
		ModbusTimeoutMS:       100,
		ReadAddress:           0,
		WriteAddress:          200,
		CoeffAddress:          300,
		PollIntervalMS:        25,
		DeviceSamplePeriodUS:  1000,
		RingCapacity:          50,
		RetentionWindowMin:    60,
		TorqueFullScale:       50.0,
		AngleCountsPerDeg:     768.0,
		MaxCalibTorque:        50.0,
		FitB1Tolerance:        0.5,
		FitSlopeTolerance:     0.1,
		CalibSnapshotPath:     "calibration.json",
		CalibB1:               1.0,
		CalibA2:               1.0,
		CalibBreakpoint:       10.0,
		MQTTClientIDStand:     "torsion-stand",
		MQTTClientIDConsole:   "torsion-console",
		TopicLive:             "torsion/live",
		TopicHealth:           "torsion/health",
		TopicCalibration:      "torsion/calibration",
		MQTTPublishIntervalMS: 100,
		DynoBaudRate:          9600,
		DynoScale:             1.0,
		DynoStaleMS:           1000,
		WebServerPort:         8080,
		SimListenAddr:         "127.0.0.1:5020",
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		key, value, ok, err := parseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("invalid config line %d: %w", lineNum, err)
		}
		if !ok {
			continue
		}
		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseLine splits a KEY=VALUE line. ok is false for blank lines and comments.
func parseLine(raw string) (key, value string, ok bool, err error) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", false, fmt.Errorf("%q is not KEY=VALUE", line)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true, nil
}

func parseInt(key, value string, min, max int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, min, max, v)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseAddress(key, value string) (uint16, error) {
	v, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return uint16(v), nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Controller link
	case "MODBUS_HOST":
		c.ModbusHost = value
	case "MODBUS_PORT":
		c.ModbusPort, err = parseInt(key, value, 1, 65535)
	case "MODBUS_UNIT_ID":
		var id int
		id, err = parseInt(key, value, 0, 255)
		c.ModbusUnitID = byte(id)
	case "MODBUS_TIMEOUT_MS":
		c.ModbusTimeoutMS, err = parseInt(key, value, 1, 60000)

	// Register map
	case "READ_ADDRESS":
		c.ReadAddress, err = parseAddress(key, value)
	case "WRITE_ADDRESS":
		c.WriteAddress, err = parseAddress(key, value)
	case "COEFF_ADDRESS":
		c.CoeffAddress, err = parseAddress(key, value)

	// Timing
	case "POLL_INTERVAL_MS":
		c.PollIntervalMS, err = parseInt(key, value, 1, 10000)
	case "DEVICE_SAMPLE_PERIOD_US":
		c.DeviceSamplePeriodUS, err = parseInt(key, value, 1, 1000000)
	case "RING_CAPACITY":
		// 4 header registers + ring must fit one function-23 read (125 regs).
		c.RingCapacity, err = parseInt(key, value, 1, 121)
	case "RETENTION_WINDOW_MIN":
		c.RetentionWindowMin, err = parseInt(key, value, 1, 24*60)

	// Conversions
	case "TORQUE_FULL_SCALE":
		c.TorqueFullScale, err = parseFloat(key, value)
	case "ANGLE_COUNTS_PER_DEG":
		c.AngleCountsPerDeg, err = parseFloat(key, value)
	case "MAX_CALIB_TORQUE":
		c.MaxCalibTorque, err = parseFloat(key, value)

	// Fit plausibility
	case "FIT_B1_TOLERANCE":
		c.FitB1Tolerance, err = parseFloat(key, value)
	case "FIT_SLOPE_TOLERANCE":
		c.FitSlopeTolerance, err = parseFloat(key, value)

	// Calibration
	case "CALIB_SNAPSHOT_PATH":
		c.CalibSnapshotPath = value
	case "CALIB_A1":
		c.CalibA1, err = parseFloat(key, value)
	case "CALIB_B1":
		c.CalibB1, err = parseFloat(key, value)
	case "CALIB_C1":
		c.CalibC1, err = parseFloat(key, value)
	case "CALIB_A2":
		c.CalibA2, err = parseFloat(key, value)
	case "CALIB_B2":
		c.CalibB2, err = parseFloat(key, value)
	case "CALIB_BREAKPOINT":
		c.CalibBreakpoint, err = parseFloat(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_STAND":
		c.MQTTClientIDStand = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "TOPIC_LIVE":
		c.TopicLive = value
	case "TOPIC_HEALTH":
		c.TopicHealth = value
	case "TOPIC_CALIBRATION":
		c.TopicCalibration = value
	case "MQTT_PUBLISH_INTERVAL_MS":
		c.MQTTPublishIntervalMS, err = parseInt(key, value, 1, 60000)

	// Reference dynamometer
	case "DYNO_SERIAL_PORT":
		c.DynoSerialPort = value
	case "DYNO_BAUD_RATE":
		c.DynoBaudRate, err = parseInt(key, value, 300, 921600)
	case "DYNO_SCALE":
		c.DynoScale, err = parseFloat(key, value)
	case "DYNO_STALE_MS":
		c.DynoStaleMS, err = parseInt(key, value, 0, 60000)

	// Optional outputs
	case "REDIS_ADDR":
		c.RedisAddr = value
	case "HEALTH_LED_PIN":
		c.HealthLEDPin = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value, 1, 65535)

	// Simulator
	case "SIM_LISTEN_ADDR":
		c.SimListenAddr = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that all required fields are set and that derived sizes
// are consistent.
func (c *Config) validate() error {
	if c.ModbusHost == "" {
		return fmt.Errorf("MODBUS_HOST is required")
	}
	if c.TorqueFullScale <= 0 {
		return fmt.Errorf("TORQUE_FULL_SCALE must be positive")
	}
	if c.AngleCountsPerDeg <= 0 {
		return fmt.Errorf("ANGLE_COUNTS_PER_DEG must be positive")
	}
	if c.MaxCalibTorque <= 0 {
		return fmt.Errorf("MAX_CALIB_TORQUE must be positive")
	}
	if c.RetentionCapacity() < 3*c.RingCapacity {
		return fmt.Errorf("retention window holds %d samples, need at least %d (3 x RING_CAPACITY)",
			c.RetentionCapacity(), 3*c.RingCapacity)
	}
	if c.RetentionCapacity() > MaxRetentionSamples {
		return fmt.Errorf("retention window holds %d samples, limit is %d; shorten RETENTION_WINDOW_MIN or raise DEVICE_SAMPLE_PERIOD_US",
			c.RetentionCapacity(), MaxRetentionSamples)
	}
	return nil
}

// RetentionCapacity is the retention window expressed in device samples.
func (c *Config) RetentionCapacity() int {
	window := time.Duration(c.RetentionWindowMin) * time.Minute
	return int(window / c.DeviceSamplePeriod())
}

// ReadCount is the number of registers read per poll.
func (c *Config) ReadCount() uint16 {
	return uint16(stand.HeaderRegisters + c.RingCapacity)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) DeviceSamplePeriod() time.Duration {
	return time.Duration(c.DeviceSamplePeriodUS) * time.Microsecond
}

func (c *Config) ModbusTimeout() time.Duration {
	return time.Duration(c.ModbusTimeoutMS) * time.Millisecond
}

func (c *Config) DynoStaleAfter() time.Duration {
	return time.Duration(c.DynoStaleMS) * time.Millisecond
}

func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.MQTTPublishIntervalMS) * time.Millisecond
}

// ModbusAddr returns host:port for the controller.
func (c *Config) ModbusAddr() string {
	return fmt.Sprintf("%s:%d", c.ModbusHost, c.ModbusPort)
}

// InitGlobal loads the global configuration once; later calls return the
// first call's error.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
