package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Session is one subscribed WebSocket connection. Writes are serialized
// because gorilla/websocket allows a single concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub delivers envelopes to WebSocket subscribers keyed by channel name.
// It implements Publisher so single-instance deployments can skip Redis.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{channels: make(map[string]map[*Session]struct{}), logger: logger}
}

func (h *Hub) Subscribe(channel string, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Session]struct{})
		h.channels[channel] = subs
	}
	subs[s] = struct{}{}
	return s
}

func (h *Hub) Unsubscribe(channel string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.Forward(channel, b)
	return nil
}

// Forward delivers an already-encoded envelope; the Redis bridge feeds
// messages from other instances through here. Dead sessions are dropped.
func (h *Hub) Forward(channel string, raw []byte) {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(raw); err != nil {
			if h.logger != nil {
				h.logger.Debug("dropping dead subscriber", "channel", channel, "error", err)
			}
			h.Unsubscribe(channel, s)
			_ = s.conn.Close()
		}
	}
}

// SubscriberCount is used by tests and the health endpoint.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
