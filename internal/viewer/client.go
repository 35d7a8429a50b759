package viewer

import (
	"github.com/gorilla/websocket"

	"github.com/anrak-dev/anrak/internal/protocol"
)

// event is one frame (or terminal read error) from the server.
type event struct {
	msg protocol.ServerMessage
	err error
}

type wsClient struct {
	ws     *websocket.Conn
	events chan event
}

func dial(url string) (*wsClient, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsClient{ws: ws, events: make(chan event, 32)}
	go c.readLoop()
	return c, nil
}

func (c *wsClient) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.events <- event{err: err}
			return
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			// Skip frames this build does not understand.
			continue
		}
		c.events <- event{msg: msg}
	}
}

func (c *wsClient) send(kind protocol.Kind, payload any) error {
	b, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsClient) close() {
	_ = c.ws.Close()
}
