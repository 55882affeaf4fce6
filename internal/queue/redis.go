package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/model"
)

// reclaimScript moves one processing entry back onto the ready list. The
// LREM guard keeps a concurrent reclaim or ack from duplicating the entry.
var reclaimScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

// Redis is a list-backed queue. Producers LPUSH onto key; consumers BLMOVE
// each task onto key:processing, stamp the claim time in key:claims and
// remove both once handled. Entries left in processing by a crashed
// consumer are pushed back onto key by ReclaimStale.
type Redis struct {
	client        *redis.Client
	key           string
	processingKey string
	claimsKey     string
	concurrency   int
	blockTimeout  time.Duration
	staleAfter    time.Duration
}

// NewRedis connects to cfg.RedisURL and pings it.
func NewRedis(ctx context.Context, cfg config.QueueConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "queue: redis ping")
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg config.QueueConfig) *Redis {
	key := cfg.RedisKey
	if key == "" {
		key = "ebc:tasks"
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Redis{
		client:        client,
		key:           key,
		processingKey: key + ":processing",
		claimsKey:     key + ":claims",
		concurrency:   concurrency,
		blockTimeout:  pollInterval(cfg),
		staleAfter:    DefaultStaleAfter,
	}
}

func (q *Redis) Enqueue(ctx context.Context, kind model.TaskKind, verificationID string) (model.Task, error) {
	task, err := NewTask(kind, verificationID)
	if err != nil {
		return model.Task{}, err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return model.Task{}, eris.Wrap(err, "queue: marshal task")
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return model.Task{}, eris.Wrapf(err, "queue: enqueue %s for %s", kind, verificationID)
	}
	return task, nil
}

// ReclaimStale pushes processing entries claimed longer ago than the stale
// window back onto the ready list. An entry without a claim time gets one
// now and is reconsidered on the next pass. It returns the number of tasks
// reclaimed.
func (q *Redis) ReclaimStale(ctx context.Context) (int64, error) {
	entries, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: list processing")
	}
	now := time.Now()
	cutoff := now.Add(-q.staleAfter).UnixMilli()

	var n int64
	for _, payload := range entries {
		claimed, err := q.client.HGet(ctx, q.claimsKey, payload).Int64()
		if errors.Is(err, redis.Nil) {
			if err := q.client.HSetNX(ctx, q.claimsKey, payload, now.UnixMilli()).Err(); err != nil {
				return n, eris.Wrap(err, "queue: stamp claim")
			}
			continue
		}
		if err != nil {
			return n, eris.Wrap(err, "queue: read claim")
		}
		if claimed > cutoff {
			continue
		}
		moved, err := reclaimScript.Run(ctx, q.client, []string{q.processingKey, q.key, q.claimsKey}, payload).Int64()
		if err != nil {
			return n, eris.Wrap(err, "queue: reclaim task")
		}
		n += moved
	}
	return n, nil
}

func (q *Redis) Consume(ctx context.Context, h Handler) error {
	reclaimOnce(ctx, q.ReclaimStale)
	go reclaimEvery(ctx, q.staleAfter, q.ReclaimStale)

	return runWorkers(ctx, q.concurrency, func(ctx context.Context, _ int) error {
		for ctx.Err() == nil {
			payload, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.blockTimeout).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("queue: redis pop failed", zap.Error(err))
					wait(ctx, q.blockTimeout)
				}
				continue
			}
			if err := q.client.HSet(ctx, q.claimsKey, payload, time.Now().UnixMilli()).Err(); err != nil {
				zap.L().Warn("queue: stamp claim", zap.Error(err))
			}
			q.handle(ctx, h, payload)
		}
		return nil
	})
}

func (q *Redis) handle(ctx context.Context, h Handler, payload string) {
	var task model.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		zap.L().Error("queue: drop malformed task", zap.String("payload", payload), zap.Error(err))
	} else {
		task.Attempts++
		_ = deliver(ctx, h, task)
	}

	// Use a fresh context so shutdown does not strand the entry.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ackCtx, q.processingKey, 1, payload)
		pipe.HDel(ackCtx, q.claimsKey, payload)
		return nil
	})
	if err != nil {
		zap.L().Error("queue: ack task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Pending returns the number of tasks waiting to be consumed.
func (q *Redis) Pending(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return n, eris.Wrap(err, "queue: pending length")
}

func (q *Redis) Close() error {
	return q.client.Close()
}
