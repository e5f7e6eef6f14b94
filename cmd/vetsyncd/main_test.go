package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetpulse/vetsync/internal/app"
	"github.com/vetpulse/vetsync/internal/config"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/services"
	syncpkg "github.com/vetpulse/vetsync/internal/sync"
	"github.com/vetpulse/vetsync/internal/sync/scheduler"
)

func setupTestServer(t *testing.T) (*httptest.Server, *WSHub) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.API.BaseURL = "http://127.0.0.1:1/api"

	a, err := app.New(cfg, app.Options{Online: false})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	hub := NewWSHub()
	t.Cleanup(hub.Close)
	a.Engine.SetEventHandler(hub)
	a.Entities.SetOnChange(hub.OnEntityChange)

	sched := scheduler.NewScheduler(a.Engine, a.Queue, a.Session, nil)
	srv := httptest.NewServer(newServer(a, sched, hub))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Routes(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/api/health", http.StatusOK, `"service":"vetsyncd"`},
		{"/metrics", http.StatusOK, "vetsync_"},
		{"/api/session", http.StatusOK, `"active":false`},
		{"/api/nowhere", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var sb strings.Builder
			buf := make([]byte, 4096)
			for {
				n, err := resp.Body.Read(buf)
				sb.Write(buf[:n])
				if err != nil {
					break
				}
			}
			assert.Contains(t, sb.String(), tt.body)
		})
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	srv, hub := setupTestServer(t)
	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, "pong", msg["action"])
}

func TestWebSocket_BroadcastsSyncEvents(t *testing.T) {
	srv, hub := setupTestServer(t)
	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.OnSyncEvent(syncpkg.SyncEvent{
		Type:      syncpkg.SyncEventStarted,
		TenantID:  "clinic-a",
		Timestamp: time.Now(),
	})

	msg := readEnvelope(t, conn)
	assert.Equal(t, "sync.started", msg["type"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "clinic-a", data["tenant_id"])
}

func TestWebSocket_SubscriptionFilter(t *testing.T) {
	srv, hub := setupTestServer(t)
	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventEntityQueued},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventProgress})
	hub.OnEntityChange(services.Change{
		Kind:       services.ChangeQueued,
		EntityType: models.EntityPets,
		EntityID:   "tmp-1",
		Operation:  &models.SyncOperation{ID: 7, Operation: models.OperationCreate, Priority: models.PriorityHigh},
	})

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventEntityQueued, msg["type"])
	raw, err := json.Marshal(msg["data"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity_type":"pets","entity_id":"tmp-1","operation_id":7,"operation":"create","priority":"high"}`, string(raw))
}

func TestWebSocket_RejectsForeignHost(t *testing.T) {
	srv, _ := setupTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Host = "clinic.example.com"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSHub_CloseDisconnects(t *testing.T) {
	srv, hub := setupTestServer(t)
	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.Close()
	waitForClients(t, hub, 0)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Broadcasting after close is a no-op.
	hub.Broadcast("sync.started", nil)
}
