package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/eb-copilot/internal/model"
)

type taskWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
}

func TestTaskWorkflow(t *testing.T) {
	suite.Run(t, new(taskWorkflowSuite))
}

func (s *taskWorkflowSuite) TestRunsHandlerOnce() {
	env := s.NewTestWorkflowEnvironment()
	var got []model.Task
	Register(env, &Activities{Handler: func(_ context.Context, task model.Task) error {
		got = append(got, task)
		return nil
	}})

	task, err := NewTask(model.TaskRun, "v-1")
	s.Require().NoError(err)
	env.ExecuteWorkflow(TaskWorkflow, task)

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())
	s.Require().Len(got, 1)
	s.Equal(task.ID, got[0].ID)
	s.Equal("v-1", got[0].VerificationID)
	s.Equal(1, got[0].Attempts)
}

func (s *taskWorkflowSuite) TestHandlerFailureIsNotRetried() {
	env := s.NewTestWorkflowEnvironment()
	calls := 0
	Register(env, &Activities{Handler: func(context.Context, model.Task) error {
		calls++
		return errors.New("storage unavailable")
	}})

	task, err := NewTask(model.TaskExtract, "v-2")
	s.Require().NoError(err)
	env.ExecuteWorkflow(TaskWorkflow, task)

	s.True(env.IsWorkflowCompleted())
	s.Error(env.GetWorkflowError())
	s.Equal(1, calls)
}

func TestActivities_NotConfigured(t *testing.T) {
	var a *Activities
	err := a.HandleTask(context.Background(), model.Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
