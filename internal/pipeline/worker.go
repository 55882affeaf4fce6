package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/queue"
)

// Worker consumes tasks from a queue and executes them.
type Worker struct {
	queue    queue.Queue
	pipeline *Pipeline
}

// NewWorker binds a pipeline to a queue.
func NewWorker(q queue.Queue, p *Pipeline) *Worker {
	return &Worker{queue: q, pipeline: p}
}

// Run consumes until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("pipeline: worker started")
	defer zap.L().Info("pipeline: worker stopped")

	if err := w.queue.Consume(ctx, w.pipeline.Handle); err != nil {
		return eris.Wrap(err, "pipeline: consume")
	}
	return nil
}
