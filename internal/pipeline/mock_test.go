package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/eb-copilot/internal/connector"
	"github.com/sells-group/eb-copilot/internal/model"
)

// --- Connector Mock ---

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Variant() connector.Variant { return connector.VariantMock }

func (m *mockConnector) GetEligibility(ctx context.Context, q connector.Query) (connector.Result, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(connector.Result), args.Error(1)
}

// singleConnector routes every payer to one connector.
type singleConnector struct {
	conn connector.Connector
}

func (s singleConnector) ForPayer(string) connector.Connector { return s.conn }

// --- Text Reader Mock ---

type mockText struct {
	mock.Mock
}

func (m *mockText) PDFToText(ctx context.Context, data []byte) (string, error) {
	args := m.Called(ctx, data)
	return args.String(0), args.Error(1)
}

func (m *mockText) ImageToText(ctx context.Context, data []byte, mimeType string) (string, error) {
	args := m.Called(ctx, data, mimeType)
	return args.String(0), args.Error(1)
}

// --- Enqueuer ---

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []model.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, kind model.TaskKind, verificationID string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return model.Task{}, r.err
	}
	t := model.Task{ID: "t" + string(rune('0'+len(r.tasks))), Kind: kind, VerificationID: verificationID}
	r.tasks = append(r.tasks, t)
	return t, nil
}

func (r *recordingEnqueuer) kinds() []model.TaskKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TaskKind, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Kind)
	}
	return out
}

// --- Gated Text Reader ---

// gatedText blocks the first PDFToText call until release is closed.
type gatedText struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedText() *gatedText {
	return &gatedText{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedText) PDFToText(ctx context.Context, _ []byte) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "Plan: Gold PPO", nil
}

func (g *gatedText) ImageToText(context.Context, []byte, string) (string, error) {
	return "", nil
}
