// Package gateway provides the HTTP API and WebSocket relay in front of the
// message bus: REST endpoints for send/broadcast/inspection, a system-health
// endpoint backed by the HealthChecker, and a connection-tracking relay that
// pushes live topic traffic to agent sandboxes over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dayuer/agentbus/internal/bus"
)

// Server is the agentbus HTTP + WebSocket gateway.
type Server struct {
	port   int
	apiKey string
	router *bus.MessageRouter
	health *bus.HealthChecker

	healthInterval time.Duration
	lease          time.Duration // 0 disables the processing sweep
	sweepInterval  time.Duration
	pingInterval   time.Duration
	readTimeout    time.Duration

	// Agents whose inboxes this gateway has touched; the lease sweeper only
	// covers these.
	agentsMu    sync.Mutex
	knownAgents map[string]struct{}

	// WebSocket relay connections
	wsMu    sync.Mutex
	wsConns map[*wsConn]bool

	totalRequests atomic.Int64
	startTime     time.Time

	mux *http.ServeMux
	srv *http.Server
}

// ServerConfig configures the gateway Server.
type ServerConfig struct {
	Port           int
	APIKey         string
	Router         *bus.MessageRouter
	Health         *bus.HealthChecker
	HealthInterval time.Duration
	Lease          time.Duration
	SweepInterval  time.Duration
	PingInterval   time.Duration // WS keepalive ping cadence (default 20s)
	ReadTimeout    time.Duration // WS read deadline, extended on any frame or pong (default 60s)
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		port:           cfg.Port,
		apiKey:         cfg.APIKey,
		router:         cfg.Router,
		health:         cfg.Health,
		healthInterval: cfg.HealthInterval,
		lease:          cfg.Lease,
		sweepInterval:  cfg.SweepInterval,
		pingInterval:   cfg.PingInterval,
		readTimeout:    cfg.ReadTimeout,
		knownAgents:    make(map[string]struct{}),
		wsConns:        make(map[*wsConn]bool),
		startTime:      time.Now(),
		mux:            http.NewServeMux(),
	}
	if s.healthInterval == 0 {
		s.healthInterval = 30 * time.Second
	}
	if s.sweepInterval == 0 {
		s.sweepInterval = time.Minute
	}
	if s.pingInterval == 0 {
		s.pingInterval = 20 * time.Second
	}
	if s.readTimeout == 0 {
		s.readTimeout = 60 * time.Second
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/ping", s.handleHealthPing)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/messages", s.withAuth(s.handleSend))
	s.mux.HandleFunc("/api/broadcast", s.withAuth(s.handleBroadcast))
	s.mux.HandleFunc("/api/agents/", s.withAuth(s.handleAgent))

	return s
}

// Start starts the HTTP server, background health probe, and lease sweeper.
// Blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler: s.mux,
	}

	log.Printf("[Gateway] ✅ HTTP API → http://0.0.0.0:%d", s.port)
	log.Printf("[Gateway] ✅ WebSocket → ws://0.0.0.0:%d/ws", s.port)

	go s.health.Run(ctx, s.healthInterval)
	if s.lease > 0 {
		go s.sweepLoop(ctx)
	}

	go func() {
		<-ctx.Done()
		s.closeAllWS()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the server gracefully.
func (s *Server) Stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

// Handler exposes the mux. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) trackAgent(agentID string) {
	s.agentsMu.Lock()
	s.knownAgents[agentID] = struct{}{}
	s.agentsMu.Unlock()
}

// sweepLoop periodically returns expired processing entries to pending for
// every inbox this gateway knows about.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.agentsMu.Lock()
			agents := make([]string, 0, len(s.knownAgents))
			for id := range s.knownAgents {
				agents = append(agents, id)
			}
			s.agentsMu.Unlock()

			for _, id := range agents {
				moved, err := s.router.RequeueExpired(ctx, id, s.lease)
				if err != nil {
					log.Printf("[Gateway] ⚠️ Lease sweep failed for %s: %v", id, err)
					continue
				}
				if moved > 0 {
					log.Printf("[Gateway] ♻️ Requeued %d expired entries for %s", moved, id)
				}
			}
		}
	}
}

// --- Auth middleware ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		s.totalRequests.Add(1)
		handler(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := s.health.Check(r.Context())
	writeJSON(w, map[string]any{
		"status":        result.Status,
		"latencyMs":     result.LatencyMS,
		"timestamp":     result.Timestamp,
		"uptime":        int(time.Since(s.startTime).Seconds()),
		"totalRequests": s.totalRequests.Load(),
	})
}

func (s *Server) handleHealthPing(w http.ResponseWriter, r *http.Request) {
	result := s.health.CheckPing(r.Context())
	writeJSON(w, map[string]any{
		"status":  result.Status,
		"message": result.Message,
		"latency": s.health.LatencyStats(),
	})
}

// sendRequest is the JSON body for POST /api/messages.
type sendRequest struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Content     json.RawMessage `json:"content"`
	MessageType string          `json:"messageType"`
	Mode        string          `json:"mode"` // "queue" (default) or "direct"
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.From == "" || req.To == "" {
		writeJSONError(w, "from and to are required", http.StatusBadRequest)
		return
	}
	if len(req.Content) == 0 {
		writeJSONError(w, "content is required", http.StatusBadRequest)
		return
	}

	mode := bus.DeliverQueue
	if req.Mode != "" {
		mode = bus.DeliveryMode(req.Mode)
	}

	id, err := s.router.SendDirect(r.Context(), req.From, req.To, req.Content,
		bus.MessageType(req.MessageType), mode)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.trackAgent(req.To)

	writeJSON(w, map[string]any{"messageId": id, "mode": mode})
}

// broadcastRequest is the JSON body for POST /api/broadcast.
type broadcastRequest struct {
	From        string          `json:"from"`
	WorkspaceID string          `json:"workspaceId"`
	Content     json.RawMessage `json:"content"`
	MessageType string          `json:"messageType"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.From == "" || req.WorkspaceID == "" {
		writeJSONError(w, "from and workspaceId are required", http.StatusBadRequest)
		return
	}

	count, err := s.router.Broadcast(r.Context(), req.From, req.WorkspaceID,
		req.Content, bus.MessageType(req.MessageType))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	// The bus reports fact; rejecting an empty workspace is gateway policy.
	if count == 0 {
		writeJSONError(w, "no active subscribers in workspace "+req.WorkspaceID,
			http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, map[string]any{"recipients": count})
}

// handleAgent serves /api/agents/{id}/pending, /api/agents/{id}/stats, and
// /api/agents/{id}/subscriptions.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	agentID, action, ok := strings.Cut(rest, "/")
	if !ok || agentID == "" {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}

	switch action {
	case "pending":
		msgs, err := s.router.Pending(r.Context(), agentID)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"messages": msgs, "total": len(msgs)})
	case "stats":
		stats, err := s.router.Stats(r.Context(), agentID)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, stats)
	case "subscriptions":
		writeJSON(w, map[string]any{"topics": s.router.Subscriptions(agentID)})
	default:
		writeJSONError(w, "not found", http.StatusNotFound)
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
