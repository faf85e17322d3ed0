package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/agentbus/internal/bus"
	"github.com/dayuer/agentbus/internal/store"
)

func newTestGatewayWithConfig(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server, *bus.MessageRouter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewWithClient(client)
	cfg.Router = bus.NewMessageRouter(st)
	cfg.Health = bus.NewHealthChecker(st, bus.HealthOptions{})

	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, cfg.Router
}

func newTestGateway(t *testing.T, apiKey string) (*Server, *httptest.Server, *bus.MessageRouter) {
	t.Helper()
	return newTestGatewayWithConfig(t, ServerConfig{APIKey: apiKey})
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	return resp
}

func TestGateway_Health(t *testing.T) {
	_, ts, _ := newTestGateway(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status        string  `json:"status"`
		LatencyMs     float64 `json:"latencyMs"`
		TotalRequests int64   `json:"totalRequests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.GreaterOrEqual(t, body.LatencyMs, 0.0)
	assert.Zero(t, body.TotalRequests, "no API calls made yet")
}

func TestGateway_HealthCountsAPIRequests(t *testing.T) {
	_, ts, _ := newTestGateway(t, "")

	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/agents/a1/stats")
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		TotalRequests int64 `json:"totalRequests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(3), body.TotalRequests)
}

func TestGateway_HealthPing(t *testing.T) {
	_, ts, _ := newTestGateway(t, "")

	resp, err := http.Get(ts.URL + "/health/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Message string `json:"message"`
		Latency struct {
			Count int `json:"count"`
		} `json:"latency"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Message, "PING")
	assert.GreaterOrEqual(t, body.Latency.Count, 1)
}

func TestGateway_SendAndPending(t *testing.T) {
	_, ts, _ := newTestGateway(t, "")

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{
		"from":        "a1",
		"to":          "a2",
		"content":     map[string]any{"task": "review"},
		"messageType": "request",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sent struct {
		MessageID string `json:"messageId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	assert.True(t, strings.HasPrefix(sent.MessageID, "msg_"))

	resp2, err := http.Get(ts.URL + "/api/agents/a2/pending")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var pending struct {
		Total    int                `json:"total"`
		Messages []bus.AgentMessage `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&pending))
	assert.Equal(t, 1, pending.Total)
	assert.Equal(t, sent.MessageID, pending.Messages[0].MessageID)
}

func TestGateway_SendValidation(t *testing.T) {
	_, ts, _ := newTestGateway(t, "")

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{"from": "a1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_BroadcastZeroRecipients(t *testing.T) {
	_, ts, _ := newTestGateway(t, "")

	resp := postJSON(t, ts.URL+"/api/broadcast", map[string]any{
		"from":        "a1",
		"workspaceId": "ws_empty",
		"content":     map[string]any{},
	})
	defer resp.Body.Close()
	// Bus reports count 0; rejecting it is this layer's policy.
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGateway_AuthRequired(t *testing.T) {
	_, ts, _ := newTestGateway(t, "secret")

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{
		"from": "a1", "to": "a2", "content": map[string]any{},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/agents/a2/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestGateway_WSRelayBroadcast(t *testing.T) {
	_, ts, router := newTestGateway(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?agent_id=a1&topics=workspace:ws_1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The relay subscribes before upgrading, so the listener is live here.
	count, err := router.Broadcast(context.Background(), "a0", "ws_1",
		json.RawMessage(`{"note":"hello"}`), bus.TypeNotification)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg bus.AgentMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ws_1", msg.WorkspaceID)
	assert.Equal(t, `{"note":"hello"}`, string(msg.Content))
}

func TestGateway_WSIdleConnectionSurvivesReadTimeout(t *testing.T) {
	// A relay-only client never sends frames; the server's keepalive pings
	// must hold the connection open past the read deadline.
	_, ts, router := newTestGatewayWithConfig(t, ServerConfig{
		PingInterval: 50 * time.Millisecond,
		ReadTimeout:  250 * time.Millisecond,
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?agent_id=a1&topics=workspace:ws_1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Passive receiver: reading pumps pong replies to the server's pings.
	received := make(chan bus.AgentMessage, 1)
	go func() {
		var msg bus.AgentMessage
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	// Idle well past the read deadline.
	time.Sleep(time.Second)

	count, err := router.Broadcast(context.Background(), "a0", "ws_1",
		json.RawMessage(`{"still":"here"}`), bus.TypeNotification)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "idle connection was dropped")

	select {
	case msg := <-received:
		assert.Equal(t, `{"still":"here"}`, string(msg.Content))
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection no longer relays broadcasts")
	}
}

func TestGateway_WSSendFrame(t *testing.T) {
	_, ts, router := newTestGateway(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?agent_id=a1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":        "send",
		"to":          "a2",
		"content":     map[string]any{"x": 1},
		"messageType": "request",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "sent", reply.Type)

	pending, err := router.Pending(context.Background(), "a2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, reply.MessageID, pending[0].MessageID)
}
