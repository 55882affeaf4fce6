// Package pipeline runs the asynchronous verification tasks: connector run,
// extraction and report generation. Each task body is idempotent, reads
// everything it needs from the store and is retried with backoff by Execute.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/connector"
	"github.com/sells-group/eb-copilot/internal/evidence"
	"github.com/sells-group/eb-copilot/internal/extract"
	"github.com/sells-group/eb-copilot/internal/lifecycle"
	"github.com/sells-group/eb-copilot/internal/metrics"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/queue"
	"github.com/sells-group/eb-copilot/internal/report"
	"github.com/sells-group/eb-copilot/internal/resilience"
	"github.com/sells-group/eb-copilot/internal/store"
)

// Connectors picks the connector for a payer.
type Connectors interface {
	ForPayer(payerName string) connector.Connector
}

// TextReader turns stored evidence bytes into text.
type TextReader interface {
	PDFToText(ctx context.Context, data []byte) (string, error)
	ImageToText(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Renderer renders the report document of a finalized verification.
type Renderer interface {
	Render(verificationID string, fields []report.Field) ([]byte, string, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store      store.Store
	Blobs      evidence.Store
	Queue      queue.Enqueuer
	Connectors Connectors
	Text       TextReader
	Engine     *extract.Engine
	Renderer   Renderer
	Metrics    *metrics.Metrics
}

// Pipeline executes verification tasks.
type Pipeline struct {
	store      store.Store
	blobs      evidence.Store
	queue      queue.Enqueuer
	connectors Connectors
	text       TextReader
	engine     *extract.Engine
	renderer   Renderer
	metrics    *metrics.Metrics
	retry      resilience.RetryConfig
}

// New creates a Pipeline. Missing engine and renderer fall back to the
// defaults; every other dependency is required.
func New(deps Deps, cfg config.RetryConfig) *Pipeline {
	if deps.Engine == nil {
		deps.Engine = extract.NewEngine("")
	}
	if deps.Renderer == nil {
		deps.Renderer = report.NewRenderer()
	}
	if deps.Text == nil {
		deps.Text = noText{}
	}
	return &Pipeline{
		store:      deps.Store,
		blobs:      deps.Blobs,
		queue:      deps.Queue,
		connectors: deps.Connectors,
		text:       deps.Text,
		engine:     deps.Engine,
		renderer:   deps.Renderer,
		metrics:    deps.Metrics,
		retry:      resilience.FromRetryConfig(cfg),
	}
}

// Handle is the queue.Handler for pipeline tasks.
func (p *Pipeline) Handle(ctx context.Context, task model.Task) error {
	_, err := p.Execute(ctx, task)
	return err
}

// Execute runs one task with bounded retries. Domain errors and
// cancellation are not retried. When retries run out the failure is written
// as a terminal verification_failed audit event and the last error returned.
func (p *Pipeline) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	step, err := p.step(task.Kind)
	if err != nil {
		return model.OutcomeFailed, err
	}
	log := zap.L().With(
		zap.String("task", string(task.Kind)),
		zap.String("task_id", task.ID),
		zap.String("verification_id", task.VerificationID),
	)
	start := time.Now()

	cfg := p.retry
	cfg.ShouldRetry = resilience.Retryable
	cfg.OnRetry = resilience.RetryLogger("pipeline", string(task.Kind), zap.String("verification_id", task.VerificationID))

	attempts := 0
	outcome, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.Outcome, error) {
		attempts++
		p.metrics.IncrementAttempt(string(task.Kind))
		return step(ctx, task.VerificationID)
	})
	if err != nil {
		p.metrics.ObserveTask(string(task.Kind), string(model.OutcomeFailed), start)
		log.Error("pipeline: task failed", zap.Int("attempts", attempts), zap.Error(err))
		if !errors.Is(err, context.Canceled) {
			p.recordFailure(ctx, task, attempts, err)
		}
		return model.OutcomeFailed, eris.Wrapf(err, "pipeline: %s %s", task.Kind, task.VerificationID)
	}

	p.metrics.ObserveTask(string(task.Kind), string(outcome), start)
	log.Info("pipeline: task complete",
		zap.String("outcome", string(outcome)),
		zap.Int("attempts", attempts),
		zap.Duration("duration", time.Since(start)),
	)
	return outcome, nil
}

func (p *Pipeline) step(kind model.TaskKind) (func(context.Context, string) (model.Outcome, error), error) {
	switch kind {
	case model.TaskRun:
		return p.Run, nil
	case model.TaskExtract:
		return p.Extract, nil
	case model.TaskReport:
		return p.GenerateReport, nil
	default:
		return nil, eris.Wrapf(model.ErrInvalid, "pipeline: unknown task kind %q", kind)
	}
}

// recordFailure writes the terminal audit event of an exhausted task. The
// write runs detached from ctx so a deadline on the task does not lose it.
func (p *Pipeline) recordFailure(ctx context.Context, task model.Task, attempts int, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	v, err := p.store.GetVerification(ctx, task.VerificationID)
	if err != nil {
		zap.L().Warn("pipeline: cannot record task failure",
			zap.String("verification_id", task.VerificationID), zap.Error(err))
		return
	}
	event := lifecycle.Event(model.SystemActor(v.TenantID), model.EventVerificationFailed,
		model.EntityVerification, v.ID, v.ID, map[string]any{
			"task":       task.Kind,
			"task_id":    task.ID,
			"attempts":   attempts,
			"error":      cause.Error(),
			"error_type": resilience.ClassifyError(cause),
		})
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, event)
	})
	if err != nil {
		zap.L().Error("pipeline: record task failure", zap.String("verification_id", v.ID), zap.Error(err))
	}
}

// notFound maps a missing verification to the no-op outcome.
func notFound(err error) (model.Outcome, error) {
	if errors.Is(err, model.ErrNotFound) {
		return model.OutcomeVerificationNotFound, nil
	}
	return "", err
}

type noText struct{}

func (noText) PDFToText(context.Context, []byte) (string, error)           { return "", nil }
func (noText) ImageToText(context.Context, []byte, string) (string, error) { return "", nil }
