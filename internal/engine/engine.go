// Package engine wires the realtime components into one explicit instance:
// ingestion queue, per-scope metric streams, metric store, alert engine and
// fan-out gateway. No global registries; everything hangs off the Engine
// constructed at process start.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/alerts"
	"github.com/advisoros/pulse/internal/config"
	"github.com/advisoros/pulse/internal/dashboard"
	"github.com/advisoros/pulse/internal/gateway"
	"github.com/advisoros/pulse/internal/ingest"
	"github.com/advisoros/pulse/internal/metricstore"
	"github.com/advisoros/pulse/internal/stream"
	"github.com/advisoros/pulse/pkg/metrics"
	"github.com/advisoros/pulse/pkg/models"
)

// Engine is the realtime metrics and alerting engine.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store      metricstore.Store
	ledger     *Ledger
	calc       stream.Calculator
	alerts     *alerts.Engine
	streams    *stream.Manager
	hub        *gateway.Hub
	queue      *ingest.Queue
	workers    *ingest.Workers
	dashboards *dashboard.Registry
	kafka      *ingest.KafkaSource
}

// New builds a fully wired engine. The calculator defaults to the
// reference ledger calculator when calc is nil.
func New(cfg *config.Config, store metricstore.Store, calc stream.Calculator, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		ledger:     NewLedger(),
		dashboards: dashboard.NewRegistry(),
	}
	if calc == nil {
		calc = NewLedgerCalculator(e.ledger)
	}
	e.calc = calc

	e.hub = gateway.NewHub(e, logger)
	e.alerts = alerts.NewEngine(store, alerts.NewDispatchNotifier(logger), e.hub, cfg.Notify.Timeout, logger)
	e.streams = stream.NewManager(
		cfg.Stream.TickInterval,
		cfg.Stream.CoalesceWindow,
		cfg.Stream.CalcTimeout,
		calc, e, logger,
	)

	queue, err := ingest.NewQueue(cfg.Queue.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("create ingestion queue: %w", err)
	}
	e.queue = queue

	e.workers = ingest.NewWorkers(queue, cfg.Queue.Workers, cfg.Queue.RetryMax, cfg.Queue.RetryBackoff, logger)
	e.workers.Register(ingest.JobProcessFinancialData, e.handleProcessFinancialData)
	e.workers.Register(ingest.JobCalculateMetrics, e.handleCalculateMetrics)
	e.workers.Register(ingest.JobCheckAlerts, e.handleCheckAlerts)

	if cfg.Kafka.Enabled {
		e.kafka = ingest.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, e.ProcessFinancialData, logger)
	}
	return e, nil
}

// Hub exposes the transport gateway for HTTP wiring.
func (e *Engine) Hub() *gateway.Hub { return e.hub }

// Start launches the worker pool and, when configured, the Kafka source.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.workers.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if e.kafka != nil {
		go func() {
			if err := e.kafka.Run(ctx); err != nil {
				e.logger.Error("kafka source stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// Shutdown stops the engine in dependency order: streams first so nothing
// recomputes, then workers and queue, then transport connections, and the
// store last so no component writes after it closes.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.streams.StopAll()
	e.workers.Stop()
	if e.kafka != nil {
		e.kafka.Close()
	}
	var errs []error
	if err := e.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	e.hub.CloseAll()
	e.alerts.Wait()
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// ---- ingestion ----

type calculatePayload struct {
	Scope models.TenantScope `json:"scope"`
}

type checkAlertsPayload struct {
	Scope   models.TenantScope       `json:"scope"`
	Metrics []*models.RealtimeMetric `json:"metrics"`
}

// ProcessFinancialData is the sole entry point for feeding new financial
// facts into the engine. The event is queued; heavy work happens off the
// hot path.
func (e *Engine) ProcessFinancialData(ctx context.Context, event models.AnalyticsEvent) error {
	if event.Scope.OrganizationID == "" {
		return errors.New("engine: event scope requires an organization")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := e.queue.Enqueue(ctx, ingest.Job{Kind: ingest.JobProcessFinancialData, Payload: payload}); err != nil {
		return err
	}
	metrics.EventsIngested.Inc()
	return nil
}

func (e *Engine) handleProcessFinancialData(ctx context.Context, job ingest.Job) error {
	var event models.AnalyticsEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	e.ledger.Record(event)

	scopes := []models.TenantScope{event.Scope}
	if event.Scope.ClientID != "" {
		scopes = append(scopes, models.TenantScope{OrganizationID: event.Scope.OrganizationID})
	}
	for _, scope := range scopes {
		// Running streams get an immediate, coalesced recompute; the queue
		// job covers scopes nobody is streaming yet.
		e.streams.Poke(scope)
		payload, err := json.Marshal(calculatePayload{Scope: scope})
		if err != nil {
			return fmt.Errorf("marshal calculate payload: %w", err)
		}
		if err := e.queue.Enqueue(ctx, ingest.Job{Kind: ingest.JobCalculateMetrics, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleCalculateMetrics(ctx context.Context, job ingest.Job) error {
	var p calculatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal calculate payload: %w", err)
	}

	computed := make([]*models.RealtimeMetric, 0, len(DefaultMetricNames()))
	for _, name := range DefaultMetricNames() {
		value, err := e.calc.Calculate(ctx, p.Scope, name)
		if errors.Is(err, stream.ErrUnknownMetric) {
			continue
		}
		if err != nil {
			// One metric's computation failure never blocks the others.
			e.logger.Warn("metric computation failed",
				zap.String("scope", p.Scope.Key()),
				zap.String("metric", name),
				zap.Error(err))
			continue
		}
		m := &models.RealtimeMetric{
			ID:        uuid.New(),
			Name:      name,
			Value:     value,
			Timestamp: time.Now(),
			Scope:     p.Scope,
		}
		if err := e.putAndBroadcast(ctx, m); err != nil {
			return err
		}
		computed = append(computed, m)
	}
	if len(computed) == 0 {
		return nil
	}

	payload, err := json.Marshal(checkAlertsPayload{Scope: p.Scope, Metrics: computed})
	if err != nil {
		return fmt.Errorf("marshal check payload: %w", err)
	}
	return e.queue.Enqueue(ctx, ingest.Job{Kind: ingest.JobCheckAlerts, Payload: payload})
}

func (e *Engine) handleCheckAlerts(ctx context.Context, job ingest.Job) error {
	var p checkAlertsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal check payload: %w", err)
	}
	for _, m := range p.Metrics {
		if _, err := e.alerts.CheckMetric(ctx, m); err != nil {
			e.logger.Error("alert check failed",
				zap.String("scope", m.Scope.Key()),
				zap.String("metric", m.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) putAndBroadcast(ctx context.Context, m *models.RealtimeMetric) error {
	if err := e.store.Put(ctx, m); err != nil {
		if errors.Is(err, metricstore.ErrStaleWrite) {
			return nil
		}
		return fmt.Errorf("store metric %s: %w", m.Name, err)
	}
	e.hub.BroadcastMetric(m)
	return nil
}

// ---- stream.Sink ----

// EmitMetric receives every stream-computed metric: persist, evaluate
// alerts, broadcast. Failures stay local to this metric and scope.
func (e *Engine) EmitMetric(ctx context.Context, m *models.RealtimeMetric) {
	if err := e.store.Put(ctx, m); err != nil {
		if !errors.Is(err, metricstore.ErrStaleWrite) {
			e.logger.Error("store metric failed",
				zap.String("scope", m.Scope.Key()),
				zap.String("metric", m.Name),
				zap.Error(err))
		}
		return
	}
	if _, err := e.alerts.CheckMetric(ctx, m); err != nil {
		e.logger.Error("alert check failed",
			zap.String("scope", m.Scope.Key()),
			zap.String("metric", m.Name),
			zap.Error(err))
	}
	e.hub.BroadcastMetric(m)
}

// ---- gateway.SubscriptionHandler ----

func (e *Engine) Subscribe(ctx context.Context, subID string, scope models.TenantScope, metricNames []string) error {
	if len(metricNames) == 0 {
		metricNames = DefaultMetricNames()
	}
	return e.streams.Subscribe(subID, scope, metricNames)
}

func (e *Engine) Unsubscribe(subID string, scope models.TenantScope) {
	e.streams.Unsubscribe(subID, scope)
}

func (e *Engine) DropSubscriber(subID string) {
	e.streams.DropSubscriber(subID)
}

func (e *Engine) Snapshot(ctx context.Context, scope models.TenantScope) (map[string]*models.RealtimeMetric, error) {
	return e.store.GetAll(ctx, scope)
}

// ---- operator API ----

// CreateAlertRule registers an enabled rule and returns its ID.
func (e *Engine) CreateAlertRule(scope models.TenantScope, metricName string, t models.ThresholdConfig, n models.NotificationConfig) uuid.UUID {
	return e.alerts.AddRule(&models.AlertRule{
		Scope:        scope,
		MetricName:   metricName,
		Threshold:    t,
		Notification: n,
		Enabled:      true,
		CreatedAt:    time.Now(),
	})
}

// DisableAlertRule marks a rule disabled; configuration history remains.
func (e *Engine) DisableAlertRule(id uuid.UUID) error {
	return e.alerts.DisableRule(id)
}

// RaiseAnomaly accepts a pattern-based alert from an external detector.
func (e *Engine) RaiseAnomaly(ctx context.Context, alert *models.RealtimeAlert, notify *models.NotificationConfig) error {
	return e.alerts.RaiseAnomaly(ctx, alert, notify)
}

// Acknowledge flips an alert's acknowledged flag, idempotently.
func (e *Engine) Acknowledge(ctx context.Context, organizationID string, alertID uuid.UUID) error {
	return e.alerts.Acknowledge(ctx, organizationID, alertID)
}

// Alerts lists unexpired alerts for an organization.
func (e *Engine) Alerts(ctx context.Context, organizationID string) ([]*models.RealtimeAlert, error) {
	return e.store.GetAlerts(ctx, organizationID)
}

// CreateDashboard subscribes a pull-based aggregation to the scope's
// stream and returns its ID.
func (e *Engine) CreateDashboard(ctx context.Context, scope models.TenantScope, metricNames []string) (uuid.UUID, error) {
	if len(metricNames) == 0 {
		metricNames = DefaultMetricNames()
	}
	d := e.dashboards.Create(scope, metricNames)
	if err := e.streams.Subscribe(d.SubscriberID(), scope, metricNames); err != nil {
		e.dashboards.Remove(d.ID)
		return uuid.Nil, err
	}
	return d.ID, nil
}

// DashboardMetrics returns the dashboard's current snapshot.
func (e *Engine) DashboardMetrics(ctx context.Context, id uuid.UUID) ([]*models.RealtimeMetric, error) {
	d, ok := e.dashboards.Get(id)
	if !ok {
		return nil, fmt.Errorf("dashboard not found: %s", id)
	}
	snapshot, err := e.store.GetAll(ctx, d.Scope)
	if err != nil {
		return nil, err
	}
	out := make([]*models.RealtimeMetric, 0, len(d.MetricNames))
	for _, name := range d.MetricNames {
		if m, ok := snapshot[name]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// CloseDashboard removes a dashboard and releases its stream subscription.
func (e *Engine) CloseDashboard(id uuid.UUID) {
	if d, ok := e.dashboards.Remove(id); ok {
		e.streams.Unsubscribe(d.SubscriberID(), d.Scope)
	}
}
