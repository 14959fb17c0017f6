package telemetry

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjboer/GoScope/internal/logging"
)

const wsWriteWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

type wsClient struct {
	conn    *websocket.Conn
	samples chan Sample
	replies chan any
	done    chan struct{}
}

// handleWebSocket streams samples as JSON text messages and accepts
// ControlMessages from the client.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}
	h.logger.Debug("websocket client connected", logging.F("remote", r.RemoteAddr))

	ch, cancel := h.Subscribe()
	client := &wsClient{conn: conn, samples: ch, replies: make(chan any, 8), done: make(chan struct{})}
	go client.writePump()

	defer func() {
		cancel()
		<-client.done
		h.logger.Debug("websocket client disconnected", logging.F("remote", r.RemoteAddr))
	}()

	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				client.reply(map[string]any{"type": "error", "error": err.Error()})
				continue
			}
			return
		}
		if err := h.Control(msg); err != nil {
			client.reply(map[string]any{"type": "error", "control": msg.Type, "error": err.Error()})
			continue
		}
		client.reply(map[string]any{"type": "ack", "control": msg.Type})
	}
}

func (c *wsClient) reply(v any) {
	select {
	case c.replies <- v:
	default:
	}
}

// writePump owns all writes to the connection.
func (c *wsClient) writePump() {
	defer close(c.done)
	defer c.conn.Close()
	for {
		select {
		case sample, ok := <-c.samples:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(sample); err != nil {
				return
			}
		case reply := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}
