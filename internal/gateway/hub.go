// Package gateway manages dashboard transport connections, their
// subscriptions to tenant scopes, and fan-out of metric and alert events.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/metrics"
	"github.com/advisoros/pulse/pkg/models"
)

// SubscriptionHandler is the engine-side contract behind the gateway:
// stream lifecycle and snapshot reads live there, not in the transport.
type SubscriptionHandler interface {
	Subscribe(ctx context.Context, subID string, scope models.TenantScope, metricNames []string) error
	Unsubscribe(subID string, scope models.TenantScope)
	DropSubscriber(subID string)
	Snapshot(ctx context.Context, scope models.TenantScope) (map[string]*models.RealtimeMetric, error)
}

// Hub is the connection registry and fan-out point. One mutex serializes
// the subscriber-set maps; connect/disconnect and subscribe/unsubscribe
// race with broadcast iteration otherwise.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	scopes map[string]*scopeSubs

	handler  SubscriptionHandler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type scopeSubs struct {
	scope models.TenantScope
	conns map[string]struct{}
}

// Conn is one transport connection. Its send channel preserves the order
// in which the hub processed events for this connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	scopes map[string]models.TenantScope // guarded by hub.mu
}

func NewHub(handler SubscriptionHandler, logger *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		scopes:  make(map[string]*scopeSubs),
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and runs the connection's read loop until
// the client goes away. Tenant auth happens upstream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		scopes: make(map[string]models.TenantScope),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	h.logger.Debug("client connected", zap.String("connection_id", c.id))

	c.enqueueJSON(h.logger, connectionMessage{
		Type:         msgConnection,
		ConnectionID: c.id,
		Timestamp:    time.Now(),
	})

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) readPump(c *Conn) {
	defer h.disconnect(c)
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(c, raw)
	}
}

// handleMessage dispatches one inbound message. Malformed input gets an
// error reply; the connection stays open.
func (h *Hub) handleMessage(c *Conn, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueueJSON(h.logger, errorMessage{Type: msgError, Message: "malformed message"})
		return
	}
	if msg.Type != "" && msg.Scope.OrganizationID == "" {
		c.enqueueJSON(h.logger, errorMessage{Type: msgError, Message: "scope.organizationId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case msgSubscribeMetrics:
		if err := h.subscribe(ctx, c, msg.Scope, msg.Metrics); err != nil {
			h.logger.Error("subscribe failed",
				zap.String("connection_id", c.id),
				zap.String("scope", msg.Scope.Key()),
				zap.Error(err))
			c.enqueueJSON(h.logger, errorMessage{Type: msgError, Message: "subscription failed"})
			return
		}
		h.sendSnapshot(ctx, c, msg.Scope)
	case msgUnsubscribeMetrics:
		h.unsubscribe(c, msg.Scope)
	case msgGetCurrentMetrics:
		h.sendSnapshot(ctx, c, msg.Scope)
	default:
		c.enqueueJSON(h.logger, errorMessage{Type: msgError, Message: "unknown message type"})
	}
}

func (h *Hub) subscribe(ctx context.Context, c *Conn, scope models.TenantScope, metricNames []string) error {
	if err := h.handler.Subscribe(ctx, c.id, scope, metricNames); err != nil {
		return err
	}
	key := scope.Key()
	h.mu.Lock()
	ss, ok := h.scopes[key]
	if !ok {
		ss = &scopeSubs{scope: scope, conns: make(map[string]struct{})}
		h.scopes[key] = ss
	}
	ss.conns[c.id] = struct{}{}
	c.scopes[key] = scope
	h.mu.Unlock()
	return nil
}

func (h *Hub) unsubscribe(c *Conn, scope models.TenantScope) {
	key := scope.Key()
	h.mu.Lock()
	if ss, ok := h.scopes[key]; ok {
		delete(ss.conns, c.id)
		if len(ss.conns) == 0 {
			delete(h.scopes, key)
		}
	}
	delete(c.scopes, key)
	h.mu.Unlock()
	h.handler.Unsubscribe(c.id, scope)
}

func (h *Hub) sendSnapshot(ctx context.Context, c *Conn, scope models.TenantScope) {
	snapshot, err := h.handler.Snapshot(ctx, scope)
	if err != nil {
		h.logger.Error("snapshot read failed",
			zap.String("scope", scope.Key()),
			zap.Error(err))
		c.enqueueJSON(h.logger, errorMessage{Type: msgError, Message: "failed to read current metrics"})
		return
	}
	c.enqueueJSON(h.logger, currentMetricsMessage{Type: msgCurrentMetrics, Scope: scope, Data: snapshot})
}

func (h *Hub) disconnect(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for key := range c.scopes {
		if ss, ok := h.scopes[key]; ok {
			delete(ss.conns, c.id)
			if len(ss.conns) == 0 {
				delete(h.scopes, key)
			}
		}
	}
	close(c.closed)
	h.mu.Unlock()

	h.handler.DropSubscriber(c.id)
	c.ws.Close()
	metrics.WSConnections.Dec()
	h.logger.Debug("client disconnected", zap.String("connection_id", c.id))
}

// BroadcastMetric delivers a metric update to connections subscribed to
// its scope only.
func (h *Hub) BroadcastMetric(m *models.RealtimeMetric) {
	start := time.Now()
	payload, err := json.Marshal(metricUpdateMessage{Type: msgMetricUpdate, Data: m})
	if err != nil {
		h.logger.Error("marshal metric update", zap.Error(err))
		return
	}
	h.mu.RLock()
	if ss, ok := h.scopes[m.Scope.Key()]; ok {
		for id := range ss.conns {
			if c, ok := h.conns[id]; ok {
				h.trySend(c, payload)
			}
		}
	}
	h.mu.RUnlock()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// BroadcastAlert delivers an alert to every connection regardless of
// subscription; alerts are operationally urgent and cross-cutting.
func (h *Hub) BroadcastAlert(a *models.RealtimeAlert) {
	start := time.Now()
	payload, err := json.Marshal(alertMessage{Type: msgAlert, Data: a})
	if err != nil {
		h.logger.Error("marshal alert", zap.Error(err))
		return
	}
	h.mu.RLock()
	for _, c := range h.conns {
		h.trySend(c, payload)
	}
	h.mu.RUnlock()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// trySend never blocks the fan-out path: a slow client's message is
// dropped with a warning rather than stalling every other connection.
func (h *Hub) trySend(c *Conn, payload []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		metrics.WSMessagesDropped.Inc()
		h.logger.Warn("dropping message for slow client",
			zap.String("connection_id", c.id))
	}
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection. Part of process shutdown, after the
// queue drains and before the store closes.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		h.disconnect(c)
	}
}

func (c *Conn) enqueueJSON(logger *zap.Logger, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	select {
	case <-c.closed:
	case c.send <- payload:
	default:
		metrics.WSMessagesDropped.Inc()
	}
}

// writePump sends queued messages and heartbeats to the client.
func (c *Conn) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() { ticker.Stop(); c.ws.Close() }()
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
