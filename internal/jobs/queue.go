// Package jobs implements a Postgres-backed durable job queue for
// asynchronous work (the server runs a "reindex" queue) that must survive
// a server restart.
// Workers dequeue with FOR UPDATE SKIP LOCKED so multiple server
// instances can share one queue table without double-processing a job.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/platform/db"
)

// queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Status values for the jobs.status column.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is one row of the jobs table.
type Job struct {
	ID          int64
	Queue       string
	Payload     map[string]interface{}
	Status      string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
}

// Queue provides durable enqueue/dequeue over the jobs table.
type Queue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

func (q *Queue) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return q.pool
}

// Enqueue inserts a new pending job, runnable immediately.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload map[string]interface{}) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fhirerr.InvalidResource("invalid job payload: " + err.Error())
	}
	var id int64
	err = q.conn(ctx).QueryRow(ctx,
		`INSERT INTO jobs (queue, payload) VALUES ($1, $2) RETURNING id`,
		queueName, body,
	).Scan(&id)
	if err != nil {
		return 0, fhirerr.Database(err)
	}
	return id, nil
}

// EnqueueAt inserts a job that only becomes eligible for dequeue at runAt.
func (q *Queue) EnqueueAt(ctx context.Context, queueName string, payload map[string]interface{}, runAt time.Time) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fhirerr.InvalidResource("invalid job payload: " + err.Error())
	}
	var id int64
	err = q.conn(ctx).QueryRow(ctx,
		`INSERT INTO jobs (queue, payload, run_at) VALUES ($1, $2, $3) RETURNING id`,
		queueName, body, runAt,
	).Scan(&id)
	if err != nil {
		return 0, fhirerr.Database(err)
	}
	return id, nil
}

// ErrNoJob is returned by Dequeue when no eligible job is currently
// available.
var ErrNoJob = errors.New("no job available")

// Dequeue claims and returns the oldest eligible pending job in queueName,
// marking it running. It must run inside a transaction the caller commits
// once the job's side effects are durable; SKIP LOCKED means concurrent
// workers never block on, or double-claim, the same row.
func (q *Queue) Dequeue(ctx context.Context, tx pgx.Tx, queueName string) (*Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, queue, payload, status, attempts, max_attempts, run_at, coalesce(last_error, '')
		FROM jobs
		WHERE queue = $1 AND status = 'pending' AND run_at <= now()
		ORDER BY run_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, queueName)

	var j Job
	var payload []byte
	if err := row.Scan(&j.ID, &j.Queue, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fhirerr.Database(err)
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fhirerr.Internal("corrupt job payload for job " + strconv.FormatInt(j.ID, 10))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = now() WHERE id = $1`, j.ID,
	); err != nil {
		return nil, fhirerr.Database(err)
	}
	j.Status = StatusRunning
	j.Attempts++
	return &j, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fhirerr.Database(err)
	}
	return nil
}

// Fail records a job failure. If the job has attempts remaining it is
// rescheduled with exponential backoff plus jitter so a thundering herd of
// retries doesn't all land on the same tick; once attempts are exhausted it
// is marked failed for good.
func (q *Queue) Fail(ctx context.Context, tx pgx.Tx, j *Job, cause error) error {
	if j.Attempts >= j.MaxAttempts {
		_, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`,
			j.ID, cause.Error())
		if err != nil {
			return fhirerr.Database(err)
		}
		return nil
	}
	delay := backoff(j.Attempts)
	_, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'pending', last_error = $2, run_at = now() + $3, updated_at = now() WHERE id = $1`,
		j.ID, cause.Error(), delay)
	if err != nil {
		return fhirerr.Database(err)
	}
	return nil
}

// backoff returns an exponential delay with +/-20% jitter, capped at 5
// minutes, for the given (1-indexed) attempt number.
func backoff(attempt int) time.Duration {
	base := time.Second * time.Duration(1<<uint(attempt))
	if base > 5*time.Minute {
		base = 5 * time.Minute
	}
	jitter := time.Duration(float64(base) * (rand.Float64()*0.4 - 0.2))
	return base + jitter
}

// Handler processes one job's payload; returning an error fails the job
// (subject to retry/backoff), nil marks it done.
type Handler func(ctx context.Context, payload map[string]interface{}) error

// RunOne dequeues and processes a single job from queueName using handler,
// within its own transaction. Returns ErrNoJob when the queue is empty.
func (q *Queue) RunOne(ctx context.Context, queueName string, handler Handler) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return fhirerr.Database(err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fhirerr.Database(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	job, err := q.Dequeue(ctx, tx, queueName)
	if err != nil {
		return err
	}

	if runErr := handler(ctx, job.Payload); runErr != nil {
		if err := q.Fail(ctx, tx, job, runErr); err != nil {
			return err
		}
	} else if err := q.Complete(ctx, tx, job.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fhirerr.Database(err)
	}
	committed = true
	return nil
}

// Worker polls a single queue at a fixed interval, running RunOne until ctx
// is cancelled. Idle ticks (ErrNoJob) are silent; any other dequeue/handler
// error is reported to onError, if set, and the worker keeps polling.
type Worker struct {
	Queue    *Queue
	Name     string
	Interval time.Duration
	Handler  Handler
	OnError  func(error)
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.RunOne(ctx, w.Name, w.Handler); err != nil && !errors.Is(err, ErrNoJob) {
				if w.OnError != nil {
					w.OnError(err)
				}
			}
		}
	}
}
