// Package metricstore persists the latest metric snapshot per tenant scope
// and recent alert records, both under a TTL so stale scopes self-expire.
package metricstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/advisoros/pulse/pkg/models"
)

// ErrStaleWrite is returned when a metric write carries a timestamp older
// than the value already stored for that (scope, name). It is an expected
// concurrency-control outcome under out-of-order delivery, not a failure.
var ErrStaleWrite = errors.New("metricstore: stale write rejected")

// ErrAlertNotFound is returned when acknowledging an unknown alert.
var ErrAlertNotFound = errors.New("metricstore: alert not found")

// Store holds the latest value of every metric per tenant scope and recent
// alert records. Implementations must be safe for concurrent use; each Put
// is a full replacement resolved by last-write-wins on timestamp.
type Store interface {
	// Put upserts the metric at (scope, name) and refreshes its TTL.
	// Writes older than the stored value return ErrStaleWrite.
	Put(ctx context.Context, m *models.RealtimeMetric) error

	// GetAll returns the latest snapshot for a scope, keyed by metric name.
	GetAll(ctx context.Context, scope models.TenantScope) (map[string]*models.RealtimeMetric, error)

	// PutAlert appends a write-once alert record with its own TTL.
	PutAlert(ctx context.Context, a *models.RealtimeAlert) error

	// GetAlerts returns unexpired alerts for an organization.
	GetAlerts(ctx context.Context, organizationID string) ([]*models.RealtimeAlert, error)

	// AckAlert flips Acknowledged false -> true, idempotently.
	AckAlert(ctx context.Context, organizationID string, alertID uuid.UUID) error

	Close() error
}
