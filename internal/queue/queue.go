// Package queue dispatches pipeline tasks to workers. Every backend delivers
// a task at least once; retries of the task body happen inside the handler.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/db"
	"github.com/sells-group/eb-copilot/internal/model"
)

// Handler processes one task. A returned error marks the delivery failed.
type Handler func(ctx context.Context, task model.Task) error

// Enqueuer submits tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind model.TaskKind, verificationID string) (model.Task, error)
}

// Queue is a task queue with a consumer side.
type Queue interface {
	Enqueuer

	// Consume delivers tasks to h until ctx is done, then returns nil.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// NewTask validates kind and stamps a new task.
func NewTask(kind model.TaskKind, verificationID string) (model.Task, error) {
	if !kind.Valid() {
		return model.Task{}, eris.Wrapf(model.ErrInvalid, "queue: unknown task kind %q", kind)
	}
	if verificationID == "" {
		return model.Task{}, eris.Wrap(model.ErrInvalid, "queue: verification id is required")
	}
	return model.Task{
		ID:             uuid.NewString(),
		Kind:           kind,
		VerificationID: verificationID,
		EnqueuedAt:     time.Now().UTC(),
	}, nil
}

// New builds the queue selected by cfg.Driver. pool is required for the
// postgres driver and ignored otherwise.
func New(ctx context.Context, cfg config.QueueConfig, pool db.Pool) (Queue, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(cfg.Concurrency, 0), nil
	case "postgres":
		if pool == nil {
			return nil, eris.New("queue: postgres driver requires a database pool")
		}
		return NewPostgres(pool, cfg), nil
	case "redis":
		return NewRedis(ctx, cfg)
	case "temporal":
		return NewTemporal(ctx, cfg)
	default:
		return nil, eris.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}

// runWorkers runs n copies of loop and waits for all of them.
func runWorkers(ctx context.Context, n int, loop func(ctx context.Context, worker int) error) error {
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			return loop(gctx, i)
		})
	}
	return g.Wait()
}

// deliver runs h for task and logs a failed delivery.
func deliver(ctx context.Context, h Handler, task model.Task) error {
	err := h(ctx, task)
	if err != nil && ctx.Err() == nil {
		zap.L().Error("queue: task failed",
			zap.String("task", string(task.Kind)),
			zap.String("task_id", task.ID),
			zap.String("verification_id", task.VerificationID),
			zap.Error(err),
		)
	}
	return err
}

// wait sleeps for d or until ctx is done.
// reclaimOnce runs one reclaim pass and logs its result.
func reclaimOnce(ctx context.Context, reclaim func(context.Context) (int64, error)) {
	n, err := reclaim(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		zap.L().Warn("queue: reclaim stale tasks", zap.Error(err))
	case n > 0:
		zap.L().Info("queue: reclaimed stale tasks", zap.Int64("count", n))
	}
}

// reclaimEvery runs reclaim every interval until ctx is done.
func reclaimEvery(ctx context.Context, interval time.Duration, reclaim func(context.Context) (int64, error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			reclaimOnce(ctx, reclaim)
		}
	}
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func pollInterval(cfg config.QueueConfig) time.Duration {
	if cfg.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(cfg.PollIntervalMs) * time.Millisecond
}
