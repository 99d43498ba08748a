package stream

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/models"
)

// Manager owns stream lifecycle, reference-counted by subscriber set size:
// the first subscription for a scope creates and starts a stream, the last
// unsubscribe stops and discards it. A later subscription for the same
// scope gets a brand-new stream.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	tick        time.Duration
	coalesce    time.Duration
	calcTimeout time.Duration
	calc        Calculator
	sink        Sink
	logger      *zap.Logger
}

type entry struct {
	stream *Stream
	subs   map[string]struct{} // subscriber ids (connections, dashboards)
}

func NewManager(tick, coalesce, calcTimeout time.Duration, calc Calculator, sink Sink, logger *zap.Logger) *Manager {
	return &Manager{
		entries:     make(map[string]*entry),
		tick:        tick,
		coalesce:    coalesce,
		calcTimeout: calcTimeout,
		calc:        calc,
		sink:        sink,
		logger:      logger,
	}
}

// Subscribe registers subID against the scope's stream, creating and
// starting the stream if this is the first subscriber.
func (m *Manager) Subscribe(subID string, scope models.TenantScope, metricNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scope.Key()
	e, ok := m.entries[key]
	if !ok {
		s := New(scope, m.tick, m.coalesce, m.calcTimeout, m.calc, m.sink, m.logger)
		s.AddMetricNames(metricNames)
		if err := s.Start(); err != nil {
			return fmt.Errorf("start stream for %s: %w", key, err)
		}
		e = &entry{stream: s, subs: make(map[string]struct{})}
		m.entries[key] = e
	} else {
		e.stream.AddMetricNames(metricNames)
	}
	e.subs[subID] = struct{}{}
	return nil
}

// Unsubscribe drops subID from the scope's stream and stops the stream
// when its subscriber set becomes empty.
func (m *Manager) Unsubscribe(subID string, scope models.TenantScope) {
	m.mu.Lock()
	s := m.unsubscribeLocked(subID, scope.Key())
	m.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// DropSubscriber removes subID from every stream it subscribes to. Called
// on connection disconnect; cleanup is an obligation, not garbage-collected.
func (m *Manager) DropSubscriber(subID string) {
	m.mu.Lock()
	var stopped []*Stream
	for key := range m.entries {
		if s := m.unsubscribeLocked(subID, key); s != nil {
			stopped = append(stopped, s)
		}
	}
	m.mu.Unlock()
	for _, s := range stopped {
		s.Stop()
	}
}

// unsubscribeLocked removes the subscription and returns the stream to
// stop once it became subscriber-less. Stop blocks on an in-flight
// recompute, so the caller must release the lock first; one tenant's
// teardown must never stall another's subscription path.
func (m *Manager) unsubscribeLocked(subID, key string) *Stream {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if _, ok := e.subs[subID]; !ok {
		return nil
	}
	delete(e.subs, subID)
	if len(e.subs) == 0 {
		delete(m.entries, key)
		return e.stream
	}
	return nil
}

// Poke triggers an out-of-band recomputation for the scope's stream, if
// one is running.
func (m *Manager) Poke(scope models.TenantScope) {
	m.mu.Lock()
	e, ok := m.entries[scope.Key()]
	m.mu.Unlock()
	if ok {
		e.stream.Poke()
	}
}

// Running reports whether a stream exists for the scope.
func (m *Manager) Running(scope models.TenantScope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[scope.Key()]
	return ok
}

// StopAll stops every stream. Part of process shutdown, before the store
// closes so no stream writes afterwards.
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.stream.Stop()
	}
}
