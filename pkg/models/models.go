// Package models defines the shared data model of the realtime engine:
// tenant scopes, metrics, thresholds, alerts, alert rules and the
// normalized analytics event envelope.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TenantScope identifies which tenant a stream, metric or alert belongs to.
// An empty ClientID means "all clients of this organization" and is a
// distinct scope from any specific client.
type TenantScope struct {
	OrganizationID string `json:"organizationId"`
	ClientID       string `json:"clientId,omitempty"`
}

// Key returns the canonical string form used as a map/store key.
func (s TenantScope) Key() string {
	if s.ClientID == "" {
		return s.OrganizationID
	}
	return s.OrganizationID + ":" + s.ClientID
}

// ThresholdOperator defines the direction of a threshold comparison.
type ThresholdOperator string

const (
	OperatorGT ThresholdOperator = "gt"
	OperatorLT ThresholdOperator = "lt"
	OperatorEQ ThresholdOperator = "eq"
)

// ThresholdConfig defines warning and critical bounds for a metric.
// Ordering of the bounds is a configuration-time concern; the evaluator
// does not validate it.
type ThresholdConfig struct {
	Warning  decimal.Decimal   `json:"warning"`
	Critical decimal.Decimal   `json:"critical"`
	Operator ThresholdOperator `json:"operator"`
}

// Severity classifies a threshold violation.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RealtimeMetric is one computed metric value for a tenant scope. Metrics
// are immutable; a newer computation for the same (scope, name) supersedes
// the previous one rather than mutating it. Value is an arbitrary-precision
// decimal because it may represent currency.
type RealtimeMetric struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	Value     decimal.Decimal  `json:"value"`
	Timestamp time.Time        `json:"timestamp"`
	Scope     TenantScope      `json:"scope"`
	Threshold *ThresholdConfig `json:"threshold,omitempty"`
}

// AlertKind distinguishes threshold violations from pattern-based anomalies.
type AlertKind string

const (
	AlertKindThreshold AlertKind = "threshold"
	AlertKindAnomaly   AlertKind = "anomaly"
)

// RealtimeAlert is a live-operations signal with bounded retention. Only
// Acknowledged ever changes after creation, and only false -> true.
type RealtimeAlert struct {
	ID              uuid.UUID   `json:"id"`
	Kind            AlertKind   `json:"kind"`
	Severity        Severity    `json:"severity"`
	Message         string      `json:"message"`
	AffectedMetrics []string    `json:"affectedMetrics"`
	Scope           TenantScope `json:"scope"`
	TriggeredAt     time.Time   `json:"triggeredAt"`
	Acknowledged    bool        `json:"acknowledged"`
}

// NotificationChannel names a delivery mechanism for alert notifications.
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelWebhook NotificationChannel = "webhook"
	ChannelSMS     NotificationChannel = "sms"
)

// NotificationConfig describes where an alert rule's notifications go.
type NotificationConfig struct {
	Channels   []NotificationChannel `json:"channels"`
	WebhookURL string                `json:"webhookUrl,omitempty"`
	Recipients []string              `json:"recipients,omitempty"`
}

// AlertRule binds a threshold to a metric within a tenant scope. A rule
// with an empty ClientID applies to every client of the organization.
// Rules are disabled rather than deleted so configuration history remains.
type AlertRule struct {
	ID           uuid.UUID          `json:"id"`
	Scope        TenantScope        `json:"scope"`
	MetricName   string             `json:"metricName"`
	Threshold    ThresholdConfig    `json:"threshold"`
	Notification NotificationConfig `json:"notification"`
	Enabled      bool               `json:"enabled"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// FinancialKind classifies the raw financial datum carried by an event.
type FinancialKind string

const (
	FinancialIncome  FinancialKind = "income"
	FinancialExpense FinancialKind = "expense"
)

// FinancialData is the raw financial payload of an analytics event.
type FinancialData struct {
	Amount   decimal.Decimal `json:"amount"`
	Category string          `json:"category"`
	Kind     FinancialKind   `json:"kind"`
}

// AnalyticsEvent is the normalized envelope placed on the ingestion queue.
// ID makes redelivered or replayed events detectable by handlers.
type AnalyticsEvent struct {
	ID        uuid.UUID     `json:"id"`
	Type      string        `json:"type"`
	Scope     TenantScope   `json:"scope"`
	Payload   FinancialData `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source"`
}
