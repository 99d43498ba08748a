package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsIngested counts analytics events accepted by the engine.
var EventsIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pulse_events_ingested_total",
		Help: "Total number of analytics events accepted for processing",
	},
)

// JobsProcessed counts queue jobs by kind and outcome (ok/failed/dead).
var JobsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pulse_queue_jobs_total",
		Help: "Total number of ingestion queue jobs by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// AlertsFired counts alerts by kind and severity.
var AlertsFired = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pulse_alerts_fired_total",
		Help: "Total number of alerts fired by kind and severity",
	},
	[]string{"kind", "severity"},
)

// StreamsRunning tracks the number of live metric streams.
var StreamsRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pulse_streams_running",
		Help: "Number of metric streams currently running",
	},
)

// WSConnections tracks currently connected dashboard clients.
var WSConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pulse_ws_connections",
		Help: "Number of connected WebSocket clients",
	},
)

// WSMessagesDropped counts messages dropped for slow clients.
var WSMessagesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pulse_ws_messages_dropped_total",
		Help: "Total number of outbound messages dropped for slow clients",
	},
)

// BroadcastLatency records fan-out latency distribution.
var BroadcastLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pulse_broadcast_latency_seconds",
		Help:    "Latency in seconds to fan a message out to subscribers",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(EventsIngested, JobsProcessed, AlertsFired)
	prometheus.MustRegister(StreamsRunning, WSConnections, WSMessagesDropped, BroadcastLatency)
}
