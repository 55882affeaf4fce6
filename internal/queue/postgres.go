package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/db"
	"github.com/sells-group/eb-copilot/internal/model"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	verification_id TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	error           TEXT,
	enqueued_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks (enqueued_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_verification ON tasks (verification_id);
`

// DefaultStaleAfter is how long a task may stay in processing before
// ReclaimStale hands it to another worker.
const DefaultStaleAfter = 15 * time.Minute

// Postgres is a task queue backed by the tasks table. Workers claim rows
// with FOR UPDATE SKIP LOCKED so any number of processes can share it.
type Postgres struct {
	pool         db.Pool
	concurrency  int
	pollInterval time.Duration
	staleAfter   time.Duration
}

// NewPostgres creates a Postgres queue on pool.
func NewPostgres(pool db.Pool, cfg config.QueueConfig) *Postgres {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Postgres{
		pool:         pool,
		concurrency:  concurrency,
		pollInterval: pollInterval(cfg),
		staleAfter:   DefaultStaleAfter,
	}
}

// Migrate creates the tasks table.
func (q *Postgres) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "queue: migrate")
}

func (q *Postgres) Enqueue(ctx context.Context, kind model.TaskKind, verificationID string) (model.Task, error) {
	task, err := NewTask(kind, verificationID)
	if err != nil {
		return model.Task{}, err
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, verification_id, status, attempts, enqueued_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $4)`,
		task.ID, string(task.Kind), task.VerificationID, task.EnqueuedAt,
	)
	if err != nil {
		return model.Task{}, eris.Wrapf(err, "queue: enqueue %s for %s", kind, verificationID)
	}
	return task, nil
}

// Claim takes up to limit pending tasks, oldest first, and marks them
// processing.
func (q *Postgres) Claim(ctx context.Context, limit int) ([]model.Task, error) {
	var claimed []model.Task
	err := db.InTx(ctx, q.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, kind, verification_id, attempts, enqueued_at
			FROM tasks
			WHERE status = 'pending'
			ORDER BY enqueued_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			limit,
		)
		if err != nil {
			return eris.Wrap(err, "queue: claim rows")
		}

		for rows.Next() {
			var t model.Task
			var kind string
			if err := rows.Scan(&t.ID, &kind, &t.VerificationID, &t.Attempts, &t.EnqueuedAt); err != nil {
				rows.Close()
				return eris.Wrap(err, "queue: scan task")
			}
			t.Kind = model.TaskKind(kind)
			t.Attempts++
			claimed = append(claimed, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "queue: iterate tasks")
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, len(claimed))
		for i, t := range claimed {
			ids[i] = t.ID
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'processing', attempts = attempts + 1, updated_at = now()
			WHERE id = ANY($1)`,
			ids,
		)
		return eris.Wrap(err, "queue: mark processing")
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReclaimStale returns tasks stuck in processing longer than the stale
// window to pending. It returns the number of tasks reclaimed.
func (q *Postgres) ReclaimStale(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < $1`,
		time.Now().UTC().Add(-q.staleAfter),
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: reclaim stale")
	}
	return tag.RowsAffected(), nil
}

func (q *Postgres) Consume(ctx context.Context, h Handler) error {
	reclaimOnce(ctx, q.ReclaimStale)
	go reclaimEvery(ctx, q.staleAfter, q.ReclaimStale)

	return runWorkers(ctx, q.concurrency, func(ctx context.Context, _ int) error {
		for ctx.Err() == nil {
			tasks, err := q.Claim(ctx, 1)
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("queue: claim failed", zap.Error(err))
				}
				wait(ctx, q.pollInterval)
				continue
			}
			if len(tasks) == 0 {
				wait(ctx, q.pollInterval)
				continue
			}

			// Acks run on a context that survives shutdown.
			ackCtx := context.WithoutCancel(ctx)
			for _, task := range tasks {
				if err := deliver(ctx, h, task); err != nil {
					q.markFailed(ackCtx, task.ID, err.Error())
					continue
				}
				q.markComplete(ackCtx, task.ID)
			}
		}
		return nil
	})
}

func (q *Postgres) markComplete(ctx context.Context, id string) {
	_, err := q.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'complete', error = NULL, updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		zap.L().Error("queue: mark complete", zap.String("task_id", id), zap.Error(err))
	}
}

func (q *Postgres) markFailed(ctx context.Context, id, errMsg string) {
	_, err := q.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1`,
		id, errMsg,
	)
	if err != nil {
		zap.L().Error("queue: mark failed", zap.String("task_id", id), zap.Error(err))
	}
}

// Close is a no-op; the pool belongs to the store.
func (q *Postgres) Close() error {
	return nil
}
