package gateway

import (
	"time"

	"github.com/advisoros/pulse/pkg/models"
)

// Client -> server message types.
const (
	msgSubscribeMetrics   = "subscribe_metrics"
	msgUnsubscribeMetrics = "unsubscribe_metrics"
	msgGetCurrentMetrics  = "get_current_metrics"
)

// Server -> client message types.
const (
	msgConnection     = "connection"
	msgMetricUpdate   = "metric_update"
	msgAlert          = "alert"
	msgCurrentMetrics = "current_metrics"
	msgError          = "error"
)

type inboundMessage struct {
	Type    string             `json:"type"`
	Scope   models.TenantScope `json:"scope"`
	Metrics []string           `json:"metrics,omitempty"`
}

type connectionMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type metricUpdateMessage struct {
	Type string                 `json:"type"`
	Data *models.RealtimeMetric `json:"data"`
}

type alertMessage struct {
	Type string                `json:"type"`
	Data *models.RealtimeAlert `json:"data"`
}

type currentMetricsMessage struct {
	Type  string                            `json:"type"`
	Scope models.TenantScope                `json:"scope"`
	Data  map[string]*models.RealtimeMetric `json:"data"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
