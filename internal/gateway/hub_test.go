package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/gateway"
	"github.com/advisoros/pulse/pkg/models"
)

// stubHandler records subscription calls and serves canned snapshots.
type stubHandler struct {
	mu        sync.Mutex
	subs      map[string][]string // subID -> scope keys
	snapshots map[string]map[string]*models.RealtimeMetric
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		subs:      make(map[string][]string),
		snapshots: make(map[string]map[string]*models.RealtimeMetric),
	}
}

func (s *stubHandler) Subscribe(ctx context.Context, subID string, scope models.TenantScope, metricNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[subID] = append(s.subs[subID], scope.Key())
	return nil
}

func (s *stubHandler) Unsubscribe(subID string, scope models.TenantScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.subs[subID][:0]
	for _, k := range s.subs[subID] {
		if k != scope.Key() {
			keys = append(keys, k)
		}
	}
	s.subs[subID] = keys
}

func (s *stubHandler) DropSubscriber(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subID)
}

func (s *stubHandler) Snapshot(ctx context.Context, scope models.TenantScope) (map[string]*models.RealtimeMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[scope.Key()], nil
}

func newTestHub(t *testing.T) (*gateway.Hub, *stubHandler, string) {
	t.Helper()
	handler := newStubHandler()
	hub := gateway.NewHub(handler, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, handler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readTyped reads messages until one of the wanted type arrives, skipping
// anything else (e.g. a broadcast interleaved with a reply).
func readTyped(t *testing.T, ws *websocket.Conn, wantType string) map[string]json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		var typ string
		require.NoError(t, json.Unmarshal(msg["type"], &typ))
		if typ == wantType {
			return msg
		}
	}
}

func subscribe(t *testing.T, ws *websocket.Conn, scope models.TenantScope, names ...string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":    "subscribe_metrics",
		"scope":   scope,
		"metrics": names,
	}))
	readTyped(t, ws, "current_metrics")
}

func TestConnectSendsConnectionMessage(t *testing.T) {
	_, _, url := newTestHub(t)
	ws := dial(t, url)

	msg := readTyped(t, ws, "connection")
	var id string
	require.NoError(t, json.Unmarshal(msg["connectionId"], &id))
	assert.NotEmpty(t, id)
}

func TestSubscribeReturnsCurrentMetrics(t *testing.T) {
	_, handler, url := newTestHub(t)
	scope := models.TenantScope{OrganizationID: "org1", ClientID: "client1"}
	handler.snapshots[scope.Key()] = map[string]*models.RealtimeMetric{
		"revenue": {
			ID:        uuid.New(),
			Name:      "revenue",
			Value:     decimal.NewFromInt(1500),
			Timestamp: time.Now(),
			Scope:     scope,
		},
	}

	ws := dial(t, url)
	readTyped(t, ws, "connection")

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":  "subscribe_metrics",
		"scope": scope,
	}))
	msg := readTyped(t, ws, "current_metrics")

	var data map[string]*models.RealtimeMetric
	require.NoError(t, json.Unmarshal(msg["data"], &data))
	require.Contains(t, data, "revenue")
	assert.True(t, decimal.NewFromInt(1500).Equal(data["revenue"].Value))
}

func TestMetricBroadcastIsScoped(t *testing.T) {
	hub, _, url := newTestHub(t)
	scopeX := models.TenantScope{OrganizationID: "org1", ClientID: "clientX"}
	scopeY := models.TenantScope{OrganizationID: "org1", ClientID: "clientY"}

	wsX := dial(t, url)
	readTyped(t, wsX, "connection")
	subscribe(t, wsX, scopeX)

	wsY := dial(t, url)
	readTyped(t, wsY, "connection")
	subscribe(t, wsY, scopeY)

	hub.BroadcastMetric(&models.RealtimeMetric{
		ID:        uuid.New(),
		Name:      "expenses",
		Value:     decimal.NewFromInt(42),
		Timestamp: time.Now(),
		Scope:     scopeX,
	})

	msg := readTyped(t, wsX, "metric_update")
	var m models.RealtimeMetric
	require.NoError(t, json.Unmarshal(msg["data"], &m))
	assert.Equal(t, "expenses", m.Name)
	assert.Equal(t, scopeX, m.Scope)

	// The other client's connection must stay silent.
	wsY.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := wsY.ReadMessage()
	assert.Error(t, err, "unsubscribed connection received a scoped update")
}

func TestAlertBroadcastReachesAllConnections(t *testing.T) {
	hub, _, url := newTestHub(t)

	wsA := dial(t, url)
	readTyped(t, wsA, "connection")
	subscribe(t, wsA, models.TenantScope{OrganizationID: "org1"})

	wsB := dial(t, url)
	readTyped(t, wsB, "connection")
	// wsB has no subscriptions at all.

	alert := &models.RealtimeAlert{
		ID:          uuid.New(),
		Kind:        models.AlertKindThreshold,
		Severity:    models.SeverityCritical,
		Message:     "burn_rate critical",
		Scope:       models.TenantScope{OrganizationID: "org1", ClientID: "client9"},
		TriggeredAt: time.Now(),
	}
	hub.BroadcastAlert(alert)

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		msg := readTyped(t, ws, "alert")
		var got models.RealtimeAlert
		require.NoError(t, json.Unmarshal(msg["data"], &got))
		assert.Equal(t, alert.ID, got.ID)
	}
}

func TestMalformedMessageGetsErrorReply(t *testing.T) {
	_, _, url := newTestHub(t)
	ws := dial(t, url)
	readTyped(t, ws, "connection")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readTyped(t, ws, "error")

	// Connection survives the bad message.
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":  "get_current_metrics",
		"scope": models.TenantScope{OrganizationID: "org1"},
	}))
	readTyped(t, ws, "current_metrics")
}

func TestSubscribeWithoutOrganizationRejected(t *testing.T) {
	_, handler, url := newTestHub(t)
	ws := dial(t, url)
	readTyped(t, ws, "connection")

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":  "subscribe_metrics",
		"scope": models.TenantScope{},
	}))
	readTyped(t, ws, "error")

	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, keys := range handler.subs {
		assert.Empty(t, keys)
	}
}

func TestDisconnectDropsSubscriber(t *testing.T) {
	hub, handler, url := newTestHub(t)
	ws := dial(t, url)
	readTyped(t, ws, "connection")
	subscribe(t, ws, models.TenantScope{OrganizationID: "org1"})

	ws.Close()

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.subs)
}
