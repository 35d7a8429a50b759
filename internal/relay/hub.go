// Package relay is the fan-out point for every live session: it owns the
// WebSocket connections, dispatches inbound frames against the protocol
// union, and broadcasts session events in call order. One room per PIN, one
// broadcast lock per room, so every recipient observes the same order.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/anrak-dev/anrak/internal/agent"
	"github.com/anrak-dev/anrak/internal/protocol"
	"github.com/anrak-dev/anrak/internal/session"
)

type room struct {
	mu      sync.Mutex
	clients map[string]*client
	cancel  context.CancelFunc
}

type Hub struct {
	reg       *session.Registry
	driver    agent.Driver
	logger    *log.Logger
	publicURL string
	pace      time.Duration
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*room
}

type Options struct {
	// PublicURL is the externally reachable base for join links (QR codes).
	PublicURL string
	// TurnPace is the delay between consecutive agent turns.
	TurnPace time.Duration
	Logger   *log.Logger
}

func NewHub(reg *session.Registry, driver agent.Driver, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.TurnPace <= 0 {
		opts.TurnPace = 2 * time.Second
	}
	return &Hub{
		reg:       reg,
		driver:    driver,
		logger:    opts.Logger,
		publicURL: opts.PublicURL,
		pace:      opts.TurnPace,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Router wires the HTTP surface: health, the WebSocket endpoint and a PNG
// QR code for sharing a session's join URL.
func (h *Hub) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.GET("/ws", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		h.serveWS(w, req)
	})
	r.GET("/session/:pin/qr", h.qrHandler)
	return r
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Println("ws upgrade error:", err)
		return
	}
	c := newClient(h, ws)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pin := ps.ByName("pin")
	if _, err := h.reg.Get(pin); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	const qrSize = 320
	png, err := qrcode.Encode(base+"/join/"+pin, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

/* room bookkeeping */

func (h *Hub) roomFor(pin string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[pin]
	if !ok {
		rm = &room{clients: make(map[string]*client)}
		h.rooms[pin] = rm
	}
	return rm
}

func (h *Hub) lookupRoom(pin string) (*room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rm, ok := h.rooms[pin]
	return rm, ok
}

func (h *Hub) attach(pin string, c *client) {
	rm := h.roomFor(pin)
	rm.mu.Lock()
	rm.clients[c.participantID] = c
	rm.mu.Unlock()
}

// detach runs when a connection drops. A participant disconnect is a leave
// broadcast; a host disconnect ends the whole session.
func (h *Hub) detach(c *client) {
	if c.pin == "" || c.participantID == "" {
		return
	}
	rm, ok := h.lookupRoom(c.pin)
	if !ok {
		return
	}
	rm.mu.Lock()
	if rm.clients[c.participantID] == c {
		delete(rm.clients, c.participantID)
	}
	rm.mu.Unlock()

	sess, err := h.reg.Get(c.pin)
	if err != nil {
		return
	}
	if sess.Leave(c.participantID) {
		h.endSession(c.pin, "host_disconnected")
		return
	}
	h.broadcast(c.pin, protocol.KindParticipantLeft, protocol.ParticipantLeft{ParticipantID: c.participantID})
}

// endSession fans out session_ended, stops the conversation runner and drops
// the session from the registry and the room table.
func (h *Hub) endSession(pin, reason string) {
	h.broadcast(pin, protocol.KindSessionEnded, protocol.SessionEnded{Reason: reason})

	h.mu.Lock()
	rm, ok := h.rooms[pin]
	delete(h.rooms, pin)
	h.mu.Unlock()

	if ok {
		rm.mu.Lock()
		if rm.cancel != nil {
			rm.cancel()
		}
		rm.clients = make(map[string]*client)
		rm.mu.Unlock()
	}
	h.reg.Remove(pin)
	h.logger.Printf("session %s ended: %s", pin, reason)
}

/* broadcast */

// broadcast delivers one frame to every connected client of the session.
// The room mutex is held across the enqueue loop, so concurrent broadcasts
// to the same session cannot interleave per recipient.
func (h *Hub) broadcast(pin string, kind protocol.Kind, payload any) {
	h.broadcastExcept(pin, "", kind, payload)
}

func (h *Hub) broadcastExcept(pin, exceptID string, kind protocol.Kind, payload any) {
	rm, ok := h.lookupRoom(pin)
	if !ok {
		return
	}
	b, err := protocol.Encode(kind, payload)
	if err != nil {
		h.logger.Printf("encode %s: %v", kind, err)
		return
	}
	rm.mu.Lock()
	for id, c := range rm.clients {
		if id == exceptID {
			continue
		}
		c.enqueue(b)
	}
	rm.mu.Unlock()
}

func (h *Hub) sendTo(c *client, kind protocol.Kind, payload any) {
	b, err := protocol.Encode(kind, payload)
	if err != nil {
		h.logger.Printf("encode %s: %v", kind, err)
		return
	}
	c.enqueue(b)
}

func (h *Hub) sendErr(c *client, code, msg string) {
	h.sendTo(c, protocol.KindError, protocol.ErrorPayload{Code: code, Message: msg})
}

/* agent sink */

// PublishTurn implements agent.Sink: an agent turn enters the transcript of
// every connected participant and viewer.
func (h *Hub) PublishTurn(pin string, msg session.Message) {
	h.broadcast(pin, protocol.KindTurnMessage, protocol.TurnMessage{Message: msg})
}

// ConversationEnded implements agent.Sink.
func (h *Hub) ConversationEnded(pin string, reason string) {
	h.logger.Printf("session %s conversation stopped: %s", pin, reason)
}
