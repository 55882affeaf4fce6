package verification

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/eb-copilot/internal/model"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, kind model.TaskKind, verificationID string) (model.Task, error) {
	args := m.Called(ctx, kind, verificationID)
	return args.Get(0).(model.Task), args.Error(1)
}

// expect registers a successful enqueue of kind for id.
func (m *mockEnqueuer) expect(kind model.TaskKind, id string) *mock.Call {
	return m.On("Enqueue", mock.Anything, kind, id).
		Return(model.Task{ID: "task-" + string(kind), Kind: kind, VerificationID: id}, nil)
}
