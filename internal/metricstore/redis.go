package metricstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/models"
)

// putMetricScript writes a metric only if its timestamp is not older than
// the stored one. Keys hold a hash of {data, ts}; ts is unix nanoseconds.
var putMetricScript = redis.NewScript(`
local ts = redis.call('HGET', KEYS[1], 'ts')
if ts and tonumber(ts) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'ts', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisStore implements Store on a Redis instance.
type RedisStore struct {
	client    *redis.Client
	metricTTL time.Duration
	alertTTL  time.Duration
	logger    *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, metricTTL, alertTTL time.Duration, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{
		client:    client,
		metricTTL: metricTTL,
		alertTTL:  alertTTL,
		logger:    logger,
	}, nil
}

func metricKey(scope models.TenantScope, name string) string {
	return "metrics:" + scope.Key() + ":" + name
}

func alertKey(organizationID string, id uuid.UUID) string {
	return "alerts:" + organizationID + ":" + id.String()
}

func (s *RedisStore) Put(ctx context.Context, m *models.RealtimeMetric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	res, err := putMetricScript.Run(ctx, s.client,
		[]string{metricKey(m.Scope, m.Name)},
		data, m.Timestamp.UnixNano(), s.metricTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("put metric %s: %w", m.Name, err)
	}
	if res == 0 {
		s.logger.Debug("stale metric write rejected",
			zap.String("scope", m.Scope.Key()),
			zap.String("metric", m.Name),
			zap.Time("timestamp", m.Timestamp))
		return ErrStaleWrite
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context, scope models.TenantScope) (map[string]*models.RealtimeMetric, error) {
	out := make(map[string]*models.RealtimeMetric)
	pattern := "metrics:" + scope.Key() + ":*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.HGet(ctx, iter.Val(), "data").Bytes()
		if err == redis.Nil {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("read metric %s: %w", iter.Val(), err)
		}
		var m models.RealtimeMetric
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("unmarshal metric %s: %w", iter.Val(), err)
		}
		// A scan for scope "org" also matches "org:client" keys; keep exact
		// scope matches only.
		if m.Scope != scope {
			continue
		}
		out[m.Name] = &m
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan metrics: %w", err)
	}
	return out, nil
}

func (s *RedisStore) PutAlert(ctx context.Context, a *models.RealtimeAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.Set(ctx, alertKey(a.Scope.OrganizationID, a.ID), data, s.alertTTL).Err(); err != nil {
		return fmt.Errorf("put alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *RedisStore) GetAlerts(ctx context.Context, organizationID string) ([]*models.RealtimeAlert, error) {
	var out []*models.RealtimeAlert
	pattern := "alerts:" + organizationID + ":*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read alert %s: %w", iter.Val(), err)
		}
		var a models.RealtimeAlert
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal alert %s: %w", iter.Val(), err)
		}
		out = append(out, &a)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan alerts: %w", err)
	}
	return out, nil
}

func (s *RedisStore) AckAlert(ctx context.Context, organizationID string, alertID uuid.UUID) error {
	key := alertKey(organizationID, alertID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("read alert %s: %w", alertID, err)
	}
	var a models.RealtimeAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("unmarshal alert %s: %w", alertID, err)
	}
	if a.Acknowledged {
		return nil
	}
	a.Acknowledged = true
	updated, err := json.Marshal(&a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alertID, err)
	}
	if err := s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("ack alert %s: %w", alertID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
