// Package publish forwards acquisition updates and calibration results to
// the MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
)

// LiveMessage is published on the live topic.
type LiveMessage struct {
	Time      time.Time `json:"time"`
	Torque    float64   `json:"torque"`
	RawTorque float64   `json:"raw_torque"`
	Angle     float64   `json:"angle"`
	Velocity  float64   `json:"velocity"`
	Status    uint16    `json:"status"`
	Retained  int       `json:"retained"`
}

// HealthMessage is published, retained, whenever link health changes.
type HealthMessage struct {
	Time    time.Time `json:"time"`
	Healthy bool      `json:"healthy"`
	Error   string    `json:"error,omitempty"`
}

// CalibrationMessage is published, retained, after every compute.
type CalibrationMessage struct {
	Time   time.Time             `json:"time"`
	Result calibration.FitResult `json:"result"`
}

// Publisher is the part of mqtt.Client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Topics names the destination topics.
type Topics struct {
	Live        string
	Health      string
	Calibration string
}

// MQTT publishes loop updates. Live messages are throttled to one per
// interval; health is sent on change only.
type MQTT struct {
	pub      Publisher
	topics   Topics
	interval time.Duration
	retained func() int
	log      *log.Logger

	mu         sync.Mutex
	lastLive   time.Time
	haveHealth bool
	healthy    bool
}

// Connect dials the broker with automatic reconnect.
func Connect(broker, clientID string, logger *log.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Printf("mqtt: connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, token.Error())
	}
	logger.Printf("mqtt: connected to %s as %s", broker, clientID)
	return client, nil
}

// NewMQTT returns a publisher. retained may be nil; it reports the
// retention length included in live messages.
func NewMQTT(pub Publisher, topics Topics, interval time.Duration, retained func() int, logger *log.Logger) *MQTT {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MQTT{pub: pub, topics: topics, interval: interval, retained: retained, log: logger}
}

// HandleUpdate publishes health transitions and throttled live values.
func (m *MQTT) HandleUpdate(u acquisition.Update) {
	m.mu.Lock()
	healthChanged := !m.haveHealth || m.healthy != u.Healthy
	m.haveHealth = true
	m.healthy = u.Healthy
	sendLive := u.Fresh() && u.Time.Sub(m.lastLive) >= m.interval
	if sendLive {
		m.lastLive = u.Time
	}
	m.mu.Unlock()

	if healthChanged {
		msg := HealthMessage{Time: u.Time, Healthy: u.Healthy}
		if u.Err != nil {
			msg.Error = u.Err.Error()
		}
		m.send(m.topics.Health, true, msg)
	}
	if sendLive {
		msg := LiveMessage{
			Time:      u.Time,
			Torque:    u.Live.Torque,
			RawTorque: u.Live.RawTorque,
			Angle:     u.Live.Angle,
			Velocity:  u.Live.Velocity,
			Status:    u.Live.Status,
		}
		if m.retained != nil {
			msg.Retained = m.retained()
		}
		m.send(m.topics.Live, false, msg)
	}
}

// PublishCalibration announces a fit result.
func (m *MQTT) PublishCalibration(res calibration.FitResult) {
	m.send(m.topics.Calibration, true, CalibrationMessage{Time: time.Now(), Result: res})
}

// send does not wait for the broker; the loop goroutine must not block.
func (m *MQTT) send(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.log.Printf("mqtt: marshal for %s: %v", topic, err)
		return
	}
	token := m.pub.Publish(topic, 0, retained, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			m.log.Printf("mqtt: publish to %s: %v", topic, token.Error())
		}
	}()
}
