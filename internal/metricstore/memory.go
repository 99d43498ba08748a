package metricstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/models"
)

// MemoryStore is an in-process Store used by tests and redis-less
// deployments. TTLs are honored lazily on read.
type MemoryStore struct {
	mu        sync.RWMutex
	metrics   map[string]map[string]memEntry // scope key -> metric name -> entry
	alerts    map[string]map[uuid.UUID]alertEntry
	metricTTL time.Duration
	alertTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type memEntry struct {
	metric    *models.RealtimeMetric
	expiresAt time.Time
}

type alertEntry struct {
	alert     *models.RealtimeAlert
	expiresAt time.Time
}

func NewMemoryStore(metricTTL, alertTTL time.Duration, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		metrics:   make(map[string]map[string]memEntry),
		alerts:    make(map[string]map[uuid.UUID]alertEntry),
		metricTTL: metricTTL,
		alertTTL:  alertTTL,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, m *models.RealtimeMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.Scope.Key()
	byName, ok := s.metrics[key]
	if !ok {
		byName = make(map[string]memEntry)
		s.metrics[key] = byName
	}
	if existing, ok := byName[m.Name]; ok && existing.expiresAt.After(s.now()) {
		if existing.metric.Timestamp.After(m.Timestamp) {
			s.logger.Debug("stale metric write rejected",
				zap.String("scope", key),
				zap.String("metric", m.Name),
				zap.Time("timestamp", m.Timestamp))
			return ErrStaleWrite
		}
	}
	byName[m.Name] = memEntry{metric: m, expiresAt: s.now().Add(s.metricTTL)}
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context, scope models.TenantScope) (map[string]*models.RealtimeMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.RealtimeMetric)
	for name, entry := range s.metrics[scope.Key()] {
		if entry.expiresAt.After(s.now()) {
			out[name] = entry.metric
		}
	}
	return out, nil
}

func (s *MemoryStore) PutAlert(ctx context.Context, a *models.RealtimeAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.alerts[a.Scope.OrganizationID]
	if !ok {
		byID = make(map[uuid.UUID]alertEntry)
		s.alerts[a.Scope.OrganizationID] = byID
	}
	cp := *a
	byID[a.ID] = alertEntry{alert: &cp, expiresAt: s.now().Add(s.alertTTL)}
	return nil
}

func (s *MemoryStore) GetAlerts(ctx context.Context, organizationID string) ([]*models.RealtimeAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RealtimeAlert
	for _, entry := range s.alerts[organizationID] {
		if entry.expiresAt.After(s.now()) {
			out = append(out, entry.alert)
		}
	}
	return out, nil
}

func (s *MemoryStore) AckAlert(ctx context.Context, organizationID string, alertID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.alerts[organizationID][alertID]
	if !ok || !entry.expiresAt.After(s.now()) {
		return ErrAlertNotFound
	}
	entry.alert.Acknowledged = true
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
