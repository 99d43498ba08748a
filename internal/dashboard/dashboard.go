// Package dashboard tracks pull-based metric aggregations for callers that
// do not want push delivery over the transport.
package dashboard

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/advisoros/pulse/pkg/models"
)

// Dashboard is a named view over a scope's metrics. It holds a stream
// subscription (through the engine) so its metrics stay warm.
type Dashboard struct {
	ID          uuid.UUID          `json:"id"`
	Scope       models.TenantScope `json:"scope"`
	MetricNames []string           `json:"metricNames"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// SubscriberID is the dashboard's identity in stream subscriber sets.
func (d *Dashboard) SubscriberID() string {
	return "dashboard:" + d.ID.String()
}

// Registry is the in-process dashboard index.
type Registry struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Dashboard
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[uuid.UUID]*Dashboard)}
}

func (r *Registry) Create(scope models.TenantScope, metricNames []string) *Dashboard {
	d := &Dashboard{
		ID:          uuid.New(),
		Scope:       scope,
		MetricNames: metricNames,
		CreatedAt:   time.Now(),
	}
	r.mu.Lock()
	r.items[d.ID] = d
	r.mu.Unlock()
	return d
}

func (r *Registry) Get(id uuid.UUID) (*Dashboard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	return d, ok
}

func (r *Registry) Remove(id uuid.UUID) (*Dashboard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return d, ok
}
