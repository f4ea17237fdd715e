// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/torsion_stand/internal/acquisition"
	"github.com/relabs-tech/torsion_stand/internal/calibration"
	"github.com/relabs-tech/torsion_stand/internal/stand"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // stand network only
	},
}

// pointsInterval paces the live point table pushed to the operator page.
const pointsInterval = 250 * time.Millisecond

// WSMessage is an operator action.
//
// Calibration: points, engage, disengage, reset, setpoint, compute.
// Stand: jog, halt, stop, mode, power, retain, zero_torque, zero_angle,
// reset_error, reset_alarm, clear_bits, register.
type WSMessage struct {
	Action    string  `json:"action"`
	Index     int     `json:"index"`
	Value     float64 `json:"value,omitempty"`
	Direction string  `json:"direction,omitempty"` // cw, ccw
	Mode      string  `json:"mode,omitempty"`
	On        bool    `json:"on,omitempty"`
	Register  string  `json:"register,omitempty"` // ctrl, torque_sv, velocity_sv, dq_ctrl, uz_ctrl, aux
}

// WSResponse is pushed to the operator page.
type WSResponse struct {
	Type     string                 `json:"type"` // points, notice, complete, error
	Points   []calibration.Point    `json:"points,omitempty"`
	Active   *int                   `json:"active,omitempty"`
	AllFixed bool                   `json:"all_fixed,omitempty"`
	Healthy  bool                   `json:"healthy,omitempty"`
	Live     *acquisition.Live      `json:"live,omitempty"`
	Result   *calibration.FitResult `json:"result,omitempty"`
	Message  string                 `json:"message,omitempty"`
}

// wsConn serializes writes; the pusher and the reader both send.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(resp WSResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.conn.WriteJSON(resp)
}

// HandleCalibrationWS runs one operator connection: point table pushes
// plus the actions of WSMessage.
func (s *Service) HandleCalibrationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("calibration: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.send(s.pointsMessage()); err != nil {
		return
	}
	go s.pushPoints(ctx, c)

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("calibration: websocket read error: %v", err)
			}
			return
		}
		s.handleAction(ctx, c, msg)
	}
}

func (s *Service) pushPoints(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pointsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(s.pointsMessage()); err != nil {
				return
			}
		}
	}
}

func (s *Service) handleAction(ctx context.Context, c *wsConn, msg WSMessage) {
	var err error
	switch msg.Action {
	case "points":
	case "engage":
		err = s.Session.Engage(msg.Index)
	case "disengage":
		err = s.Session.Disengage(msg.Index)
	case "reset":
		err = s.Session.ResetAll()
	case "setpoint":
		err = s.Session.SetSetpoint(msg.Index, msg.Value)
	case "compute":
		s.handleCompute(ctx, c)
	case "jog":
		var dir stand.Direction
		dir, err = parseDirection(msg.Direction)
		if err == nil {
			err = s.holdFree(msg.Action)
		}
		if err == nil {
			err = s.Commander.Jog(dir, msg.Value)
		}
	case "halt":
		err = s.Commander.Halt()
	case "stop":
		if err = s.holdFree(msg.Action); err == nil {
			err = s.Commander.Stop()
		}
	case "mode":
		var mode stand.Mode
		mode, err = stand.ParseMode(msg.Mode)
		if err == nil {
			err = s.holdFree(msg.Action)
		}
		if err == nil {
			err = s.Commander.SetMode(mode)
		}
	case "power":
		if msg.On {
			s.Commander.SetControlBit(stand.BitPowerOn)
		} else {
			s.Commander.ClearControlBit(stand.BitPowerOn)
		}
	case "retain":
		s.Commander.SetRetain(msg.On)
	case "reset_error":
		s.Commander.ResetError()
	case "reset_alarm":
		s.Commander.ResetAlarm()
	case "zero_torque":
		if err = s.holdFree(msg.Action); err == nil {
			s.Commander.ZeroTorque()
		}
	case "zero_angle":
		if err = s.holdFree(msg.Action); err == nil {
			s.Commander.ZeroAngle()
		}
	case "clear_bits":
		if err = s.holdFree(msg.Action); err == nil {
			s.Commander.ClearControlBits()
		}
	case "register":
		err = s.writeRegister(msg.Register, msg.Value)
	default:
		err = fmt.Errorf("unknown action %q", msg.Action)
	}

	if err != nil {
		c.send(errorMessage(err))
	}
	c.send(s.pointsMessage())
}

// holdFree refuses actions that would replace the torque hold of an
// engaged calibration point.
func (s *Service) holdFree(action string) error {
	if i, ok := s.Session.Active(); ok {
		return fmt.Errorf("%s refused, point %d is engaged: %w", action, i, calibration.ErrPointActive)
	}
	return nil
}

func (s *Service) writeRegister(name string, value float64) error {
	index, err := stand.ParseRegister(name)
	if err != nil {
		return err
	}
	if value < 0 || value > math.MaxUint16 || value != math.Trunc(value) {
		return fmt.Errorf("register value must be an integer 0-65535, got %v", value)
	}
	if err := s.holdFree("register"); err != nil {
		return err
	}
	return s.Commander.SetRegister(index, uint16(value))
}

func (s *Service) handleCompute(ctx context.Context, c *wsConn) {
	res, err := s.Compute(ctx)
	if errors.Is(err, calibration.ErrNotAllFixed) {
		c.send(WSResponse{Type: "notice", Message: "fix all ten points before computing"})
		return
	}
	msg := WSResponse{Type: "complete", Result: &res}
	if !res.Accepted {
		msg.Message = "fit rejected, identity installed: " + res.Reason
	}
	c.send(msg)
	if err != nil {
		c.send(errorMessage(err))
	}
}

func (s *Service) pointsMessage() WSResponse {
	st := s.calibrationState()
	live := s.Loop.Live()
	return WSResponse{
		Type:     "points",
		Points:   st.Points,
		Active:   st.Active,
		AllFixed: st.AllFixed,
		Healthy:  s.Loop.Healthy(),
		Live:     &live,
	}
}

// errorMessage turns calibration conflicts into operator notices.
func errorMessage(err error) WSResponse {
	if errors.Is(err, calibration.ErrPointActive) || errors.Is(err, calibration.ErrPointFixed) {
		return WSResponse{Type: "notice", Message: err.Error()}
	}
	return WSResponse{Type: "error", Message: err.Error()}
}

func parseDirection(s string) (stand.Direction, error) {
	switch s {
	case "cw":
		return stand.DirectionCW, nil
	case "ccw":
		return stand.DirectionCCW, nil
	default:
		return 0, fmt.Errorf("unknown jog direction %q", s)
	}
}
