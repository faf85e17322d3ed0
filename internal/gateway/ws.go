package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dayuer/agentbus/internal/bus"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex for thread safety.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

// wsFrame is a client → gateway control frame.
//
//	{"type":"subscribe",   "topics":["workspace:ws_123"]}
//	{"type":"unsubscribe", "topics":["workspace:ws_123"]}
//	{"type":"send",        "to":"a2", "content":{...}, "messageType":"request", "mode":"queue"}
//	{"type":"ack",         "messageId":"msg_..."}
type wsFrame struct {
	Type        string          `json:"type"`
	Topics      []string        `json:"topics,omitempty"`
	To          string          `json:"to,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	MessageType string          `json:"messageType,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
}

// handleWS is the connection-tracking relay: an agent sandbox connects with
// ?agent_id=...&topics=..., the gateway subscribes it and relays live topic
// traffic (its private direct topic plus subscribed topics) down the socket.
// Messages published while nobody is connected are simply not delivered —
// that is the pub/sub contract; durable delivery goes through the inbox.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if s.apiKey != "" && r.URL.Query().Get("token") != s.apiKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}
	s.router.Subscribe(agentID, topics...)
	s.trackAgent(agentID)

	listener, err := s.router.Listen(r.Context(), agentID)
	if err != nil {
		log.Printf("[WS] ⚠️ Listen failed for %s: %v", agentID, err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		listener.Close()
		log.Printf("[WS] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	log.Printf("[WS] 🔗 Connected: %s ✅", agentID)

	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	defer func() {
		listener.Close()
		raw.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		log.Printf("[WS] 🔌 Disconnected: %s", agentID)
	}()

	// Relay loop: live topic traffic → socket.
	go func() {
		for msg := range listener.Messages() {
			if err := conn.WriteJSONSafe(msg); err != nil {
				return
			}
		}
	}()

	// Keepalive: a relay-only client never sends frames, so the server pings
	// and the pong extends the read deadline. The ticker exits with the
	// connection — WritePing fails once the socket is closed.
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WritePing(); err != nil {
				return
			}
		}
	}()

	raw.SetReadDeadline(time.Now().Add(s.readTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] ⚠️ Error: %v", err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(s.readTimeout))

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.WriteJSONSafe(map[string]string{"error": "invalid frame"})
			continue
		}
		s.handleWSFrame(conn, agentID, frame, listener)
	}
}

func (s *Server) handleWSFrame(conn *wsConn, agentID string, frame wsFrame, listener *bus.Listener) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch frame.Type {
	case "subscribe":
		s.router.Subscribe(agentID, frame.Topics...)
		if err := listener.AddTopics(ctx, frame.Topics...); err != nil {
			conn.WriteJSONSafe(map[string]string{"error": err.Error()})
			return
		}
		conn.WriteJSONSafe(map[string]any{"type": "subscribed", "topics": s.router.Subscriptions(agentID)})
	case "unsubscribe":
		s.router.Unsubscribe(agentID, frame.Topics...)
		conn.WriteJSONSafe(map[string]any{"type": "unsubscribed", "topics": s.router.Subscriptions(agentID)})
	case "send":
		mode := bus.DeliverQueue
		if frame.Mode != "" {
			mode = bus.DeliveryMode(frame.Mode)
		}
		id, err := s.router.SendDirect(ctx, agentID, frame.To, frame.Content,
			bus.MessageType(frame.MessageType), mode)
		if err != nil {
			conn.WriteJSONSafe(map[string]string{"error": err.Error()})
			return
		}
		s.trackAgent(frame.To)
		conn.WriteJSONSafe(map[string]any{"type": "sent", "messageId": id})
	case "ack":
		ok, err := s.router.Acknowledge(ctx, agentID, frame.MessageID)
		if err != nil {
			conn.WriteJSONSafe(map[string]string{"error": err.Error()})
			return
		}
		conn.WriteJSONSafe(map[string]any{"type": "acked", "messageId": frame.MessageID, "ok": ok})
	default:
		conn.WriteJSONSafe(map[string]string{"error": "unknown frame type: " + frame.Type})
	}
}

func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConns {
		conn.mu.Lock()
		conn.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Conn.Close()
		conn.mu.Unlock()
	}
	s.wsConns = make(map[*wsConn]bool)
}
