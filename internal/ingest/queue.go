// Package ingest decouples the event-ingestion hot path from recomputation
// and alert-checking work via a disk-backed, at-least-once work queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobKind names the work a queued job carries.
type JobKind string

const (
	JobProcessFinancialData JobKind = "process_financial_data"
	JobCalculateMetrics     JobKind = "calculate_metrics"
	JobCheckAlerts          JobKind = "check_alerts"
)

// Job is one unit of queued work. Handlers must be idempotent: at-least-once
// delivery means a job can be processed more than once.
type Job struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrQueueClosed is returned once Close has been called.
var ErrQueueClosed = errors.New("ingest: queue closed")

var errEmpty = errors.New("ingest: queue empty")

const (
	pendingPrefix  = "pending:"
	inflightPrefix = "inflight:"
	deadPrefix     = "dead:"
)

// Queue is a disk-backed work queue on BadgerDB. A dequeued job moves to an
// inflight key and is removed only on Acknowledge, so a crash mid-job leaves
// it recoverable via ReplayInflight.
type Queue struct {
	db     *badger.DB
	logger *zap.Logger
	notify chan struct{}
}

func NewQueue(path string, logger *zap.Logger) (*Queue, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &Queue{db: db, logger: logger, notify: make(chan struct{}, 1)}, nil
}

// key format: pending:<createdAtNanos>:<id>, FIFO by enqueue time.
func pendingKey(j Job) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", pendingPrefix, j.CreatedAt.UnixNano(), j.ID))
}

// Enqueue persists a job and wakes one waiting worker.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(job), val)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrQueueClosed
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// dequeue claims the oldest pending job by moving it to an inflight key.
func (q *Queue) dequeue() (Job, error) {
	var job Job
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(pendingPrefix)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return errEmpty
		}
		item := it.Item()
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &job) }); err != nil {
			return err
		}
		if err := txn.Delete(item.KeyCopy(nil)); err != nil {
			return err
		}
		val, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set([]byte(inflightPrefix+job.ID), val)
	})
	return job, err
}

// Next blocks until a job is available or the context ends.
func (q *Queue) Next(ctx context.Context) (Job, error) {
	for {
		job, err := q.dequeue()
		switch {
		case err == nil:
			return job, nil
		case errors.Is(err, badger.ErrConflict):
			continue // another worker claimed it first
		case errors.Is(err, badger.ErrDBClosed):
			return Job{}, ErrQueueClosed
		case errors.Is(err, errEmpty):
			select {
			case <-ctx.Done():
				return Job{}, ctx.Err()
			case <-q.notify:
			case <-time.After(250 * time.Millisecond):
			}
		default:
			return Job{}, fmt.Errorf("dequeue job: %w", err)
		}
	}
}

// Acknowledge removes a processed job. Idempotent.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(inflightPrefix + id))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrQueueClosed
	}
	return err
}

// Requeue returns a failed job to the pending set for another attempt.
func (q *Queue) Requeue(ctx context.Context, job Job) error {
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(inflightPrefix + job.ID)); err != nil {
			return err
		}
		return txn.Set(pendingKey(job), val)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrQueueClosed
		}
		return fmt.Errorf("requeue job: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// DeadLetter moves a job aside after exhausting retries; never silently
// dropped, always operator-visible in the log.
func (q *Queue) DeadLetter(ctx context.Context, job Job, cause error) error {
	q.logger.Error("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(inflightPrefix + job.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(deadPrefix+job.ID), val)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrQueueClosed
	}
	return err
}

// ReplayInflight moves jobs claimed but never acknowledged (crash recovery)
// back to the pending set. Called once on startup.
func (q *Queue) ReplayInflight(ctx context.Context) (int, error) {
	var jobs []Job
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(inflightPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var j Job
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &j) }); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan inflight jobs: %w", err)
	}
	for _, j := range jobs {
		if err := q.Requeue(ctx, j); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// counts returns pending and dead-letter sizes, for health checks and tests.
func (q *Queue) counts(prefix string) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (q *Queue) PendingCount() (int, error) { return q.counts(pendingPrefix) }
func (q *Queue) DeadCount() (int, error)    { return q.counts(deadPrefix) }

// Close shuts the queue down. Pending jobs stay on disk for the next start.
func (q *Queue) Close() error {
	if n, err := q.PendingCount(); err == nil && n > 0 {
		q.logger.Warn("closing queue with pending jobs", zap.Int("pending", n))
	}
	return q.db.Close()
}
