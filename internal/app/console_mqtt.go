package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/torsion_stand/internal/config"
	"github.com/relabs-tech/torsion_stand/internal/publish"
)

// RunConsoleMQTT prints every stand message until interrupted.
func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg == nil || cfg.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is not configured")
	}

	client, err := publish.Connect(cfg.MQTTBroker, cfg.MQTTClientIDConsole, log.Default())
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	subs := map[string]mqtt.MessageHandler{
		cfg.TopicLive:        printMessage(os.Stdout, formatLive),
		cfg.TopicHealth:      printMessage(os.Stdout, formatHealth),
		cfg.TopicCalibration: printMessage(os.Stdout, formatCalibration),
	}
	for topic, handler := range subs {
		token := client.Subscribe(topic, 0, handler)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("console: subscribed to %s", topic)
	}

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	return nil
}

func printMessage(w io.Writer, format func([]byte) (string, error)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		line, err := format(msg.Payload())
		if err != nil {
			log.Printf("console: %s unmarshal error: %v", msg.Topic(), err)
			return
		}
		fmt.Fprintln(w, line)
	}
}

func formatLive(payload []byte) (string, error) {
	var m publish.LiveMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"[LIVE] torque=%8.3f raw=%8.3f angle=%9.3f rate=%9.2f status=%04X retained=%d",
		m.Torque, m.RawTorque, m.Angle, m.Velocity, m.Status, m.Retained,
	), nil
}

func formatHealth(payload []byte) (string, error) {
	var m publish.HealthMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", err
	}
	if m.Healthy {
		return fmt.Sprintf("[LINK] up at %s", m.Time.Format("15:04:05.000")), nil
	}
	return fmt.Sprintf("[LINK] down at %s: %s", m.Time.Format("15:04:05.000"), m.Error), nil
}

func formatCalibration(payload []byte) (string, error) {
	var m publish.CalibrationMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", err
	}
	verdict := "accepted"
	if !m.Result.Accepted {
		verdict = "rejected (" + m.Result.Reason + ")"
	}
	return fmt.Sprintf("[CAL ] %s %v", verdict, m.Result.Coefficients), nil
}
