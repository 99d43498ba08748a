package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/advisoros/pulse/pkg/metrics"
)

// Handler processes one job. Must be idempotent under redelivery.
type Handler func(ctx context.Context, job Job) error

// Workers is a small fixed pool draining the queue concurrently. A failing
// job is retried with linear backoff up to RetryMax attempts, then
// dead-lettered.
type Workers struct {
	queue    *Queue
	handlers map[JobKind]Handler
	count    int
	retryMax int
	backoff  time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkers(queue *Queue, count, retryMax int, backoff time.Duration, logger *zap.Logger) *Workers {
	return &Workers{
		queue:    queue,
		handlers: make(map[JobKind]Handler),
		count:    count,
		retryMax: retryMax,
		backoff:  backoff,
		logger:   logger,
	}
}

// Register binds a handler to a job kind. Called before Start.
func (w *Workers) Register(kind JobKind, h Handler) {
	w.handlers[kind] = h
}

// Start recovers jobs left inflight by a previous run and launches the pool.
func (w *Workers) Start(ctx context.Context) error {
	replayed, err := w.queue.ReplayInflight(ctx)
	if err != nil {
		return err
	}
	if replayed > 0 {
		w.logger.Info("recovered inflight jobs", zap.Int("count", replayed))
	}

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.logger.Info("ingestion workers started", zap.Int("workers", w.count))
	return nil
}

func (w *Workers) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		job, err := w.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.dispatch(ctx, job)
	}
}

func (w *Workers) dispatch(ctx context.Context, job Job) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		w.queue.DeadLetter(ctx, job, errors.New("no handler registered"))
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), "dead").Inc()
		return
	}

	if err := h(ctx, job); err != nil {
		// A failure local to one job never affects other jobs or scopes.
		job.Attempts++
		w.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
		if job.Attempts >= w.retryMax {
			w.queue.DeadLetter(ctx, job, err)
			metrics.JobsProcessed.WithLabelValues(string(job.Kind), "dead").Inc()
			return
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff * time.Duration(job.Attempts)):
		}
		if err := w.queue.Requeue(ctx, job); err != nil && !errors.Is(err, ErrQueueClosed) {
			w.logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	if err := w.queue.Acknowledge(ctx, job.ID); err != nil && !errors.Is(err, ErrQueueClosed) {
		w.logger.Error("acknowledge failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "ok").Inc()
}

// Stop halts the pool. In-flight handlers finish; unclaimed jobs remain on
// disk for the next start.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
