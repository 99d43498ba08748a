// Package alerts owns alert-rule configuration, evaluates metrics against
// rules, deduplicates on severity transitions and dispatches notifications.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/metricstore"
	"github.com/advisoros/pulse/internal/threshold"
	"github.com/advisoros/pulse/pkg/metrics"
	"github.com/advisoros/pulse/pkg/models"
)

// Broadcaster receives every fired alert for fan-out to connected clients.
type Broadcaster interface {
	BroadcastAlert(a *models.RealtimeAlert)
}

// Engine evaluates incoming metrics against the enabled rule set. It fires
// an alert only on transition into a violation state or to a different
// severity; a persisting condition does not re-fire on every tick.
type Engine struct {
	mu    sync.RWMutex
	rules map[uuid.UUID]*models.AlertRule
	last  map[string]models.Severity // scope|metric -> last known severity

	store         metricstore.Store
	notifier      Notifier
	broadcaster   Broadcaster
	logger        *zap.Logger
	notifyTimeout time.Duration

	wg sync.WaitGroup
}

func NewEngine(store metricstore.Store, notifier Notifier, broadcaster Broadcaster, notifyTimeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		rules:         make(map[uuid.UUID]*models.AlertRule),
		last:          make(map[string]models.Severity),
		store:         store,
		notifier:      notifier,
		broadcaster:   broadcaster,
		logger:        logger,
		notifyTimeout: notifyTimeout,
	}
}

// AddRule registers an enabled rule and returns its ID.
func (e *Engine) AddRule(rule *models.AlertRule) uuid.UUID {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	return rule.ID
}

// DisableRule marks a rule disabled; the rule itself is retained.
func (e *Engine) DisableRule(id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("alert rule not found: %s", id)
	}
	rule.Enabled = false
	return nil
}

// Rules returns a copy of the current rule set.
func (e *Engine) Rules() []*models.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	}
	return 0
}

// ruleMatches reports whether a rule applies to the metric: exact scope
// match, or an org-wide rule (empty ClientID) for the same organization.
func ruleMatches(rule *models.AlertRule, m *models.RealtimeMetric) bool {
	if !rule.Enabled || rule.MetricName != m.Name {
		return false
	}
	if rule.Scope == m.Scope {
		return true
	}
	return rule.Scope.ClientID == "" && rule.Scope.OrganizationID == m.Scope.OrganizationID
}

// CheckMetric evaluates a freshly computed metric. The returned alert is
// nil when no severity transition occurred. When several enabled rules
// match, the alert carries the highest severity found and notifications
// go to that winning rule's config only; lower-severity rules for the
// same metric do not dispatch.
func (e *Engine) CheckMetric(ctx context.Context, m *models.RealtimeMetric) (*models.RealtimeAlert, error) {
	severity := models.SeverityNone
	var notify *models.NotificationConfig

	e.mu.Lock()
	for _, rule := range e.rules {
		if !ruleMatches(rule, m) {
			continue
		}
		if s := threshold.Evaluate(m.Value, rule.Threshold); severityRank(s) > severityRank(severity) {
			severity = s
			cfg := rule.Notification
			notify = &cfg
		}
	}
	// Metrics can carry their own threshold from the calculator; it
	// participates in evaluation but has no notification target.
	if m.Threshold != nil {
		if s := threshold.Evaluate(m.Value, *m.Threshold); severityRank(s) > severityRank(severity) {
			severity = s
			notify = nil
		}
	}

	key := m.Scope.Key() + "|" + m.Name
	if e.last[key] == severity {
		e.mu.Unlock()
		return nil, nil
	}
	e.last[key] = severity
	e.mu.Unlock()

	if severity == models.SeverityNone {
		return nil, nil
	}

	alert := &models.RealtimeAlert{
		ID:              uuid.New(),
		Kind:            models.AlertKindThreshold,
		Severity:        severity,
		Message:         fmt.Sprintf("%s is %s at %s", m.Name, severity, m.Value.String()),
		AffectedMetrics: []string{m.Name},
		Scope:           m.Scope,
		TriggeredAt:     time.Now(),
	}

	if err := e.store.PutAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}
	metrics.AlertsFired.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	if e.broadcaster != nil {
		e.broadcaster.BroadcastAlert(alert)
	}
	if notify != nil {
		e.dispatch(alert, *notify)
	}
	return alert, nil
}

// RaiseAnomaly handles a pattern-based alert from an external detector:
// persist, broadcast and notify only, no threshold logic.
func (e *Engine) RaiseAnomaly(ctx context.Context, alert *models.RealtimeAlert, notify *models.NotificationConfig) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	alert.Kind = models.AlertKindAnomaly
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = time.Now()
	}
	if err := e.store.PutAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist anomaly alert: %w", err)
	}
	metrics.AlertsFired.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	if e.broadcaster != nil {
		e.broadcaster.BroadcastAlert(alert)
	}
	if notify != nil {
		e.dispatch(alert, *notify)
	}
	return nil
}

// Acknowledge flips an alert's acknowledged flag, idempotently.
func (e *Engine) Acknowledge(ctx context.Context, organizationID string, alertID uuid.UUID) error {
	return e.store.AckAlert(ctx, organizationID, alertID)
}

// dispatch delivers notifications without blocking metric processing.
// Failures are logged; the alert record stands regardless.
func (e *Engine) dispatch(alert *models.RealtimeAlert, cfg models.NotificationConfig) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Send(ctx, alert, cfg); err != nil {
			e.logger.Error("alert notification failed",
				zap.String("alert_id", alert.ID.String()),
				zap.String("scope", alert.Scope.Key()),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight notification dispatches finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}
