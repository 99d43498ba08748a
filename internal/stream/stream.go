// Package stream runs one long-lived computation per tenant scope: a
// periodic loop recomputing a fixed metric set, with coalesced out-of-band
// recomputation when relevant financial events arrive.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/metrics"
	"github.com/advisoros/pulse/pkg/models"
)

// Calculator is the external business-logic collaborator that computes a
// single metric value from the tenant's financial state.
type Calculator interface {
	Calculate(ctx context.Context, scope models.TenantScope, name string) (decimal.Decimal, error)
}

// ErrUnknownMetric lets a calculator decline a metric name it does not
// implement; the stream skips it without logging an error.
var ErrUnknownMetric = errors.New("stream: unknown metric")

// ErrStreamStopped is returned when starting a stream whose lifecycle has
// already ended. Stopped is terminal; callers create a fresh stream.
var ErrStreamStopped = errors.New("stream: stream is stopped")

// Sink receives every computed metric for persistence, alert evaluation
// and broadcast.
type Sink interface {
	EmitMetric(ctx context.Context, m *models.RealtimeMetric)
}

// State is the stream lifecycle: Created -> Running -> Stopped.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

// Stream is the runtime computation for one tenant scope.
type Stream struct {
	scope models.TenantScope

	mu    sync.Mutex
	state State
	names map[string]struct{}

	tick        time.Duration
	coalesce    time.Duration
	calcTimeout time.Duration

	calc   Calculator
	sink   Sink
	logger *zap.Logger

	pokeCh chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func New(scope models.TenantScope, tick, coalesce, calcTimeout time.Duration, calc Calculator, sink Sink, logger *zap.Logger) *Stream {
	return &Stream{
		scope:       scope,
		state:       StateCreated,
		names:       make(map[string]struct{}),
		tick:        tick,
		coalesce:    coalesce,
		calcTimeout: calcTimeout,
		calc:        calc,
		sink:        sink,
		logger:      logger,
		pokeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// AddMetricNames extends the set of metrics recomputed each tick.
func (s *Stream) AddMetricNames(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.names[n] = struct{}{}
	}
}

// MetricNames returns the requested metric set.
func (s *Stream) MetricNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	return out
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions Created -> Running and launches the periodic loop.
func (s *Stream) Start() error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return errors.New("stream: already running")
	case StateStopped:
		s.mu.Unlock()
		return ErrStreamStopped
	}
	s.state = StateRunning
	s.mu.Unlock()

	metrics.StreamsRunning.Inc()
	go s.run()
	s.logger.Info("metric stream started",
		zap.String("scope", s.scope.Key()),
		zap.Duration("tick", s.tick))
	return nil
}

// Poke requests an immediate out-of-band recomputation, coalesced to at
// most one per coalesce window. Safe to call from any goroutine; a poke
// racing a stop is dropped.
func (s *Stream) Poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

// Stop ends the stream. Terminal: a stopped stream is never restarted.
// Blocks until the loop exits so no write happens after Stop returns.
func (s *Stream) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	s.mu.Unlock()

	switch prev {
	case StateRunning:
		close(s.stopCh)
		<-s.done
		metrics.StreamsRunning.Dec()
		s.logger.Info("metric stream stopped", zap.String("scope", s.scope.Key()))
	case StateCreated:
		close(s.done)
	}
}

func (s *Stream) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Seed the store right away so subscribers see data before the first tick.
	s.recompute()

	var gate <-chan time.Time
	pending := false
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.recompute()
		case <-s.pokeCh:
			if gate == nil {
				s.recompute()
				gate = time.After(s.coalesce)
			} else {
				pending = true
			}
		case <-gate:
			gate = nil
			if pending {
				pending = false
				s.recompute()
				gate = time.After(s.coalesce)
			}
		}
	}
}

// recompute evaluates every requested metric. A calculator failure skips
// that metric only; the rest of the tick still emits.
func (s *Stream) recompute() {
	for _, name := range s.MetricNames() {
		ctx, cancel := context.WithTimeout(context.Background(), s.calcTimeout)
		value, err := s.calc.Calculate(ctx, s.scope, name)
		cancel()
		if errors.Is(err, ErrUnknownMetric) {
			continue
		}
		if err != nil {
			s.logger.Warn("metric computation failed",
				zap.String("scope", s.scope.Key()),
				zap.String("metric", name),
				zap.Error(err))
			continue
		}
		m := &models.RealtimeMetric{
			ID:        uuid.New(),
			Name:      name,
			Value:     value,
			Timestamp: time.Now(),
			Scope:     s.scope,
		}
		emitCtx, cancelEmit := context.WithTimeout(context.Background(), s.calcTimeout)
		s.sink.EmitMetric(emitCtx, m)
		cancelEmit()
	}
}
