package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advisoros/pulse/internal/ingest"
)

func newTestQueue(t *testing.T) *ingest.Queue {
	t.Helper()
	q, err := ingest.NewQueue(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueAcknowledge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := ingest.Job{ID: "a", Kind: ingest.JobCalculateMetrics, CreatedAt: time.Now(), Payload: json.RawMessage(`{}`)}
	second := ingest.Job{ID: "b", Kind: ingest.JobCheckAlerts, CreatedAt: time.Now().Add(time.Millisecond), Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	job, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID, "FIFO by enqueue time")

	require.NoError(t, q.Acknowledge(ctx, job.ID))

	job, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", job.ID)
	require.NoError(t, q.Acknowledge(ctx, job.ID))

	pending, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan ingest.Job, 1)
	go func() {
		job, err := q.Next(ctx)
		if err == nil {
			done <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, ingest.Job{ID: "x", Kind: ingest.JobCalculateMetrics, Payload: json.RawMessage(`{}`)}))

	select {
	case job := <-done:
		assert.Equal(t, "x", job.ID)
	case <-time.After(time.Second):
		t.Fatal("worker never woke up")
	}
}

func TestReplayInflightRecoversClaimedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ingest.Job{ID: "crash", Kind: ingest.JobCalculateMetrics, Payload: json.RawMessage(`{}`)}))
	_, err := q.Next(ctx)
	require.NoError(t, err)

	pending, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending, "claimed job left the pending set")

	// Simulate restart recovery: the unacknowledged job comes back.
	replayed, err := q.ReplayInflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	pending, err = q.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDeadLetterKeepsJobVisible(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := ingest.Job{ID: "bad", Kind: ingest.JobCheckAlerts, Attempts: 3, Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, job))
	claimed, err := q.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, claimed, errors.New("handler kept failing")))

	dead, err := q.DeadCount()
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
	pending, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestWorkersRetryThenDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int64
	w := ingest.NewWorkers(q, 2, 3, time.Millisecond, zap.NewNop())
	w.Register(ingest.JobCheckAlerts, func(ctx context.Context, job ingest.Job) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("always fails")
	})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, q.Enqueue(ctx, ingest.Job{Kind: ingest.JobCheckAlerts, Payload: json.RawMessage(`{}`)}))

	require.Eventually(t, func() bool {
		dead, err := q.DeadCount()
		return err == nil && dead == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt64(&attempts))
}

func TestWorkersProcessAndAcknowledge(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int64
	w := ingest.NewWorkers(q, 2, 3, time.Millisecond, zap.NewNop())
	w.Register(ingest.JobCalculateMetrics, func(ctx context.Context, job ingest.Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, ingest.Job{Kind: ingest.JobCalculateMetrics, Payload: json.RawMessage(`{}`)}))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == 10
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := q.PendingCount()
		return err == nil && pending == 0
	}, 5*time.Second, 10*time.Millisecond)
}
