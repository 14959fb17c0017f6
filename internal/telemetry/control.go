package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rjboer/GoScope/internal/logging"
)

// ErrNoController is returned when a control message arrives and no
// Controller is attached.
var ErrNoController = errors.New("no controller attached")

// Controller is the subset of acquisition controls exposed to browsers.
type Controller interface {
	AddTimeOffset(delta int)
	SetAutoFrequency(on bool)
	SetAutoMeasure(on bool)
	SetVoltageRange(idx int) error
	SetTimebase(idx int) error
}

// ControlMessage is a single control request, sent as JSON over
// /api/control or the websocket.
type ControlMessage struct {
	Type    string `json:"type"`
	Delta   int    `json:"delta,omitempty"`
	Index   int    `json:"index,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func applyControl(c Controller, msg ControlMessage) error {
	if c == nil {
		return ErrNoController
	}
	switch msg.Type {
	case "offset":
		c.AddTimeOffset(msg.Delta)
	case "autoFreq":
		if msg.Enabled == nil {
			return errors.New("autoFreq requires enabled")
		}
		c.SetAutoFrequency(*msg.Enabled)
	case "autoMeasure":
		if msg.Enabled == nil {
			return errors.New("autoMeasure requires enabled")
		}
		c.SetAutoMeasure(*msg.Enabled)
	case "range":
		return c.SetVoltageRange(msg.Index)
	case "timebase":
		return c.SetTimebase(msg.Index)
	default:
		return fmt.Errorf("unknown control type %q", msg.Type)
	}
	return nil
}

// Control applies msg to the attached Controller.
func (h *Hub) Control(msg ControlMessage) error {
	h.mu.RLock()
	c := h.controller
	h.mu.RUnlock()
	if err := applyControl(c, msg); err != nil {
		h.logger.Warn("control rejected", logging.F("type", msg.Type), logging.Err(err))
		return err
	}
	h.logger.Debug("control applied", logging.F("type", msg.Type))
	return nil
}

func (h *Hub) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("invalid control payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.Control(msg); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrNoController) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
