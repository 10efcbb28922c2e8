package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/VigilPay/server/internal/metrics"
)

// Write and read deadlines follow the usual gorilla pairing: pings go out
// well inside the read deadline the pong handler keeps extending.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// EventPaymentUpdate is broadcast when a payment changes status.
const EventPaymentUpdate = "payment-update"

// PaymentRoom names the broadcast room for one payment's watchers.
func PaymentRoom(reference string) string {
	return "payment-" + reference
}

// Envelope is the frame pushed to subscribers.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub fans events out to websocket sessions grouped into rooms. Checkout
// pages subscribe to their payment's room; the monitor publishes status
// changes into it. Publishing never blocks: a session whose send buffer is
// full is dropped instead of stalling the fanout.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	rooms  map[string]map[*session]struct{}
	closed bool
}

type session struct {
	hub  *Hub
	conn *websocket.Conn
	room string
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Status pages are embedded on merchant storefronts across
			// arbitrary origins; the reference in the URL is the access
			// credential, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[*session]struct{}),
	}
}

// Serve upgrades the request and subscribes the session to the room. It
// blocks until the peer goes away, which suits a per-request handler.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", room).Msg("websocket upgrade failed")
		return
	}

	s := &session{hub: h, conn: conn, room: room, send: make(chan []byte, sendBuffer)}
	if !h.register(s) {
		conn.Close()
		return
	}
	h.logger.Debug().Str("room", room).Msg("live subscriber connected")

	go s.writePump()
	s.readPump()
}

// Publish broadcasts an event to every session in the room.
func (h *Hub) Publish(room, event string, payload interface{}) {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("room", room).
			Str("event", event).
			Msg("failed to marshal live event")
		return
	}

	var dropped []*session
	h.mu.RLock()
	for s := range h.rooms[room] {
		select {
		case s.send <- data:
		default:
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dropped {
		h.logger.Warn().Str("room", room).Msg("dropping slow live subscriber")
		h.removeSession(s)
		s.conn.Close()
	}

	if h.metrics != nil {
		h.metrics.ObserveLiveBroadcast(event)
	}
}

// Subscribers returns the session count in a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close drops every session and rejects future subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*session
	for room, sessions := range h.rooms {
		for s := range sessions {
			all = append(all, s)
			close(s.send)
			if h.metrics != nil {
				h.metrics.LiveConnectionsActive.Dec()
			}
		}
		delete(h.rooms, room)
	}
	h.mu.Unlock()

	for _, s := range all {
		s.conn.Close()
	}
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	sessions, ok := h.rooms[s.room]
	if !ok {
		sessions = make(map[*session]struct{})
		h.rooms[s.room] = sessions
	}
	sessions[s] = struct{}{}
	if h.metrics != nil {
		h.metrics.LiveConnectionsActive.Inc()
	}
	return true
}

// removeSession pulls the session out of its room and closes its send
// channel. The close happens under the same lock that guards Publish, so
// the channel can never be written after it closes.
func (h *Hub) removeSession(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.rooms[s.room]
	if !ok {
		return
	}
	if _, present := sessions[s]; !present {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(h.rooms, s.room)
	}
	close(s.send)
	if h.metrics != nil {
		h.metrics.LiveConnectionsActive.Dec()
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump services control frames and detects the peer going away.
// Subscribers do not send commands; inbound payloads are discarded.
func (s *session) readPump() {
	defer func() {
		s.hub.removeSession(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Debug().Err(err).Str("room", s.room).Msg("live subscriber read error")
			}
			return
		}
	}
}
