package stream_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/stream"
	"github.com/advisoros/pulse/pkg/models"
)

type countingCalc struct {
	calls int64
}

func (c *countingCalc) Calculate(ctx context.Context, scope models.TenantScope, name string) (decimal.Decimal, error) {
	atomic.AddInt64(&c.calls, 1)
	return decimal.NewFromInt(42), nil
}

func (c *countingCalc) count() int64 { return atomic.LoadInt64(&c.calls) }

type countingSink struct {
	emits int64
}

func (s *countingSink) EmitMetric(ctx context.Context, m *models.RealtimeMetric) {
	atomic.AddInt64(&s.emits, 1)
}

func (s *countingSink) count() int64 { return atomic.LoadInt64(&s.emits) }

func testScope() models.TenantScope {
	return models.TenantScope{OrganizationID: "org1"}
}

func TestStreamEmitsOnTick(t *testing.T) {
	calc := &countingCalc{}
	sink := &countingSink{}
	s := stream.New(testScope(), 20*time.Millisecond, 5*time.Millisecond, time.Second, calc, sink, zap.NewNop())
	s.AddMetricNames([]string{"revenue"})

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStoppedStreamStopsEmitting(t *testing.T) {
	calc := &countingCalc{}
	sink := &countingSink{}
	s := stream.New(testScope(), 10*time.Millisecond, 5*time.Millisecond, time.Second, calc, sink, zap.NewNop())
	s.AddMetricNames([]string{"revenue"})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, time.Millisecond)

	s.Stop()
	assert.Equal(t, stream.StateStopped, s.State())

	after := sink.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, sink.count())

	// Stopped is terminal.
	assert.ErrorIs(t, s.Start(), stream.ErrStreamStopped)
}

func TestPokeCoalesced(t *testing.T) {
	calc := &countingCalc{}
	sink := &countingSink{}
	// A very long tick isolates poke-driven recomputation.
	s := stream.New(testScope(), time.Hour, 50*time.Millisecond, time.Second, calc, sink, zap.NewNop())
	s.AddMetricNames([]string{"revenue"})

	require.NoError(t, s.Start())
	defer s.Stop()

	// Seed recompute happens on start.
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		s.Poke()
		time.Sleep(2 * time.Millisecond)
	}

	// One immediate recompute plus one coalesced flush, never ten.
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.EqualValues(t, 3, sink.count())
}

func TestComputationErrorSkipsOnlyThatMetric(t *testing.T) {
	calc := &partialCalc{}
	sink := &namedSink{names: make(map[string]int)}
	s := stream.New(testScope(), 10*time.Millisecond, 5*time.Millisecond, time.Second, calc, sink, zap.NewNop())
	s.AddMetricNames([]string{"revenue", "broken", "expenses"})

	require.NoError(t, s.Start())
	defer s.Stop()

	// Two of the three metrics emit each pass.
	require.Eventually(t, func() bool {
		return sink.seen("revenue") >= 2 && sink.seen("expenses") >= 2
	}, time.Second, time.Millisecond)
	assert.Zero(t, sink.seen("broken"))
}

type partialCalc struct{}

func (c *partialCalc) Calculate(ctx context.Context, scope models.TenantScope, name string) (decimal.Decimal, error) {
	if name == "broken" {
		return decimal.Zero, assert.AnError
	}
	return decimal.NewFromInt(1), nil
}

type namedSink struct {
	mu    sync.Mutex
	names map[string]int
}

func (s *namedSink) EmitMetric(ctx context.Context, m *models.RealtimeMetric) {
	s.mu.Lock()
	s.names[m.Name]++
	s.mu.Unlock()
}

func (s *namedSink) seen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[name]
}

func TestManagerRefcountsStreamLifecycle(t *testing.T) {
	calc := &countingCalc{}
	sink := &countingSink{}
	mgr := stream.NewManager(10*time.Millisecond, 5*time.Millisecond, time.Second, calc, sink, zap.NewNop())
	scope := testScope()

	require.NoError(t, mgr.Subscribe("conn-1", scope, []string{"revenue"}))
	require.NoError(t, mgr.Subscribe("conn-2", scope, []string{"expenses"}))
	assert.True(t, mgr.Running(scope))

	mgr.Unsubscribe("conn-1", scope)
	assert.True(t, mgr.Running(scope), "stream survives while subscribers remain")

	mgr.Unsubscribe("conn-2", scope)
	assert.False(t, mgr.Running(scope), "last unsubscribe stops the stream")

	emitted := sink.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, emitted, sink.count())

	// A new subscription restarts computation from scratch.
	require.NoError(t, mgr.Subscribe("conn-3", scope, []string{"revenue"}))
	require.Eventually(t, func() bool { return sink.count() > emitted }, time.Second, time.Millisecond)
	mgr.StopAll()
}

type slowCalc struct {
	delay time.Duration
}

func (c *slowCalc) Calculate(ctx context.Context, scope models.TenantScope, name string) (decimal.Decimal, error) {
	time.Sleep(c.delay)
	return decimal.NewFromInt(1), nil
}

func TestSlowStreamStopDoesNotBlockOtherTenants(t *testing.T) {
	calc := &slowCalc{delay: 500 * time.Millisecond}
	sink := &countingSink{}
	mgr := stream.NewManager(10*time.Millisecond, 5*time.Millisecond, time.Second, calc, sink, zap.NewNop())

	orgA := models.TenantScope{OrganizationID: "orgA"}
	orgB := models.TenantScope{OrganizationID: "orgB"}
	require.NoError(t, mgr.Subscribe("conn-1", orgA, []string{"revenue"}))

	// Tear orgA down while its seed recompute is still in flight; the
	// blocking part of the stop must happen outside the manager lock.
	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		mgr.Unsubscribe("conn-1", orgA)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, mgr.Subscribe("conn-2", orgB, []string{"revenue"}))
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"subscription for an unrelated tenant waited on another tenant's teardown")

	<-done
	mgr.StopAll()
}

func TestManagerDropSubscriberCleansEverything(t *testing.T) {
	calc := &countingCalc{}
	sink := &countingSink{}
	mgr := stream.NewManager(10*time.Millisecond, 5*time.Millisecond, time.Second, calc, sink, zap.NewNop())

	scopeA := models.TenantScope{OrganizationID: "orgA"}
	scopeB := models.TenantScope{OrganizationID: "orgB"}
	require.NoError(t, mgr.Subscribe("conn-1", scopeA, []string{"revenue"}))
	require.NoError(t, mgr.Subscribe("conn-1", scopeB, []string{"revenue"}))

	mgr.DropSubscriber("conn-1")
	assert.False(t, mgr.Running(scopeA))
	assert.False(t, mgr.Running(scopeB))
}
