package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/model"
)

// Registered names of the task workflow and its single activity.
const (
	WorkflowName       = "eb_task"
	ActivityHandleTask = "eb_handle_task"
)

// TaskTimeout bounds one task activity.
const TaskTimeout = 10 * time.Minute

// Temporal dispatches each task as a workflow execution. The workflow runs
// one activity with a single attempt; the handler owns retries.
type Temporal struct {
	client      client.Client
	taskQueue   string
	concurrency int
}

// NewTemporal dials the Temporal frontend.
func NewTemporal(ctx context.Context, cfg config.QueueConfig) (*Temporal, error) {
	c, err := client.DialContext(ctx, client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: temporal dial %s", cfg.TemporalHost)
	}
	return newTemporal(c, cfg), nil
}

func newTemporal(c client.Client, cfg config.QueueConfig) *Temporal {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Temporal{client: c, taskQueue: cfg.TemporalTaskQueue, concurrency: concurrency}
}

func (q *Temporal) Enqueue(ctx context.Context, kind model.TaskKind, verificationID string) (model.Task, error) {
	task, err := NewTask(kind, verificationID)
	if err != nil {
		return model.Task{}, err
	}
	opts := client.StartWorkflowOptions{
		ID:        "task-" + task.ID,
		TaskQueue: q.taskQueue,
	}
	if _, err := q.client.ExecuteWorkflow(ctx, opts, WorkflowName, task); err != nil {
		return model.Task{}, eris.Wrapf(err, "queue: start workflow %s for %s", kind, verificationID)
	}
	return task, nil
}

// Consume runs a Temporal worker on the task queue until ctx is done.
func (q *Temporal) Consume(ctx context.Context, h Handler) error {
	w := worker.New(q.client, q.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     q.concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: q.concurrency,
	})
	Register(w, &Activities{Handler: h})

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	zap.L().Info("queue: temporal worker started", zap.String("task_queue", q.taskQueue))

	<-ctx.Done()
	w.Stop()
	return nil
}

func (q *Temporal) Close() error {
	q.client.Close()
	return nil
}

// Registrar is the registration surface shared by worker.Worker and the
// test workflow environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the task workflow and activity to r.
func Register(r Registrar, acts *Activities) {
	r.RegisterWorkflowWithOptions(TaskWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions(acts.HandleTask, activity.RegisterOptions{Name: ActivityHandleTask})
}

// TaskWorkflow executes one task.
func TaskWorkflow(ctx workflow.Context, task model.Task) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: TaskTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	return workflow.ExecuteActivity(ctx, ActivityHandleTask, task).Get(ctx, nil)
}

// Activities adapts a Handler to a Temporal activity.
type Activities struct {
	Handler Handler
}

// HandleTask runs the handler for task.
func (a *Activities) HandleTask(ctx context.Context, task model.Task) error {
	if a == nil || a.Handler == nil {
		return eris.New("queue: activity handler not configured")
	}
	task.Attempts = int(activity.GetInfo(ctx).Attempt)
	return deliver(ctx, a.Handler, task)
}
