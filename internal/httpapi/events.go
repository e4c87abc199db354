package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"LocalChat/internal/chatbot"
)

const writeWait = 5 * time.Second

// Event is one websocket frame
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func stateEvent(v chatbot.View) Event {
	return Event{Type: "state", Data: v}
}

// subscriber is one websocket connection; writes are serialized by mu
type subscriber struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}

// Hub fans events out to every connected websocket.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Len returns the number of connected subscribers
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast sends ev to every subscriber. Subscribers that fail a write are dropped.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.write(payload); err != nil {
			h.logger.Warn("dropping websocket subscriber", "error", err)
			h.remove(s)
		}
	}
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
}

// ServeWS upgrades the request, sends initial() as the first frame and
// keeps the subscriber until the peer goes away.
func (h *Hub) ServeWS(initial func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		s := &subscriber{conn: conn}
		payload, err := json.Marshal(initial())
		if err == nil {
			err = s.write(payload)
		}
		if err != nil {
			h.logger.Warn("failed to send initial state", "error", err)
			s.close()
			return
		}

		h.mu.Lock()
		h.subs[s] = struct{}{}
		h.mu.Unlock()
		h.logger.Info("websocket subscriber connected", "remote", r.RemoteAddr)

		// inbound frames are ignored; reading surfaces the peer's close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.remove(s)
		h.logger.Info("websocket subscriber disconnected", "remote", r.RemoteAddr)
	}
}
