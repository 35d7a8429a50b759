package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	readWait      = 120 * time.Second
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendQueueSize = 64
)

// client is one WebSocket connection. participantID and pin are written only
// by the connection's own read goroutine; session membership is owned by the
// hub's room table.
type client struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	participantID string
	pin           string
}

func newClient(h *Hub, ws *websocket.Conn) *client {
	return &client{hub: h, ws: ws, send: make(chan []byte, sendQueueSize)}
}

// enqueue hands a frame to the write pump without blocking; a slow consumer
// drops frames rather than stalling the relay.
func (c *client) enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.hub.handle(c, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
