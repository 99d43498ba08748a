package metricstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/metricstore"
	"github.com/advisoros/pulse/pkg/models"
)

func newMetric(scope models.TenantScope, name string, value string, ts time.Time) *models.RealtimeMetric {
	return &models.RealtimeMetric{
		ID:        uuid.New(),
		Name:      name,
		Value:     decimal.RequireFromString(value),
		Timestamp: ts,
		Scope:     scope,
	}
}

func TestStaleWriteRejected(t *testing.T) {
	store := metricstore.NewMemoryStore(time.Hour, 24*time.Hour, zap.NewNop())
	ctx := context.Background()
	scope := models.TenantScope{OrganizationID: "org1"}

	t1 := time.Now()
	t0 := t1.Add(-time.Minute)

	require.NoError(t, store.Put(ctx, newMetric(scope, "revenue", "200", t1)))
	err := store.Put(ctx, newMetric(scope, "revenue", "100", t0))
	assert.ErrorIs(t, err, metricstore.ErrStaleWrite)

	snapshot, err := store.GetAll(ctx, scope)
	require.NoError(t, err)
	require.Contains(t, snapshot, "revenue")
	assert.True(t, snapshot["revenue"].Value.Equal(decimal.RequireFromString("200")))
}

func TestConcurrentNamesNeverConflict(t *testing.T) {
	store := metricstore.NewMemoryStore(time.Hour, 24*time.Hour, zap.NewNop())
	ctx := context.Background()
	scope := models.TenantScope{OrganizationID: "org1", ClientID: "c1"}
	now := time.Now()

	require.NoError(t, store.Put(ctx, newMetric(scope, "revenue", "10", now)))
	require.NoError(t, store.Put(ctx, newMetric(scope, "expenses", "5", now)))

	snapshot, err := store.GetAll(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestScopesAreDistinct(t *testing.T) {
	store := metricstore.NewMemoryStore(time.Hour, 24*time.Hour, zap.NewNop())
	ctx := context.Background()
	orgWide := models.TenantScope{OrganizationID: "org1"}
	client := models.TenantScope{OrganizationID: "org1", ClientID: "c1"}

	require.NoError(t, store.Put(ctx, newMetric(orgWide, "revenue", "100", time.Now())))

	snapshot, err := store.GetAll(ctx, client)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestMetricTTLExpires(t *testing.T) {
	store := metricstore.NewMemoryStore(time.Millisecond, 24*time.Hour, zap.NewNop())
	ctx := context.Background()
	scope := models.TenantScope{OrganizationID: "org1"}

	require.NoError(t, store.Put(ctx, newMetric(scope, "revenue", "100", time.Now())))
	time.Sleep(5 * time.Millisecond)

	snapshot, err := store.GetAll(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestAckAlertIdempotent(t *testing.T) {
	store := metricstore.NewMemoryStore(time.Hour, 24*time.Hour, zap.NewNop())
	ctx := context.Background()
	alert := &models.RealtimeAlert{
		ID:              uuid.New(),
		Kind:            models.AlertKindThreshold,
		Severity:        models.SeverityCritical,
		Message:         "burn_rate is critical",
		AffectedMetrics: []string{"burn_rate"},
		Scope:           models.TenantScope{OrganizationID: "org1"},
		TriggeredAt:     time.Now(),
	}
	require.NoError(t, store.PutAlert(ctx, alert))

	require.NoError(t, store.AckAlert(ctx, "org1", alert.ID))
	require.NoError(t, store.AckAlert(ctx, "org1", alert.ID))

	alerts, err := store.GetAlerts(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)

	assert.ErrorIs(t, store.AckAlert(ctx, "org1", uuid.New()), metricstore.ErrAlertNotFound)
}
