package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
)

func newTestTask(name string) *domain.Task {
	return &domain.Task{
		Name:   name,
		Status: domain.StatusPending,
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 5,
		},
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	task := newTestTask("greet-py")
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)

	got, err := s.GetTaskByName(ctx, "greet-py")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.False(t, got.UserInputPending)
}

func TestCreateTaskDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	require.NoError(t, s.CreateTask(ctx, newTestTask("dup")))
	err := s.CreateTask(ctx, newTestTask("dup"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestMutateUpdatesUserInputPending(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	task := newTestTask("queue-task")
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.Mutate(ctx, task.ID, func(t *domain.Task) error {
		t.UserInputQueue = append(t.UserInputQueue, domain.InputEntry{
			ID: "e1", Text: "hello", Processed: false,
		})
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.UserInputPending)

	_, err = s.Mutate(ctx, task.ID, func(t *domain.Task) error {
		t.UserInputQueue[0].Processed = true
		return nil
	})
	require.NoError(t, err)

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.UserInputPending)
}

func TestMutateConflictOnConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	task := newTestTask("conflict-task")
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.Mutate(ctx, task.ID, func(t *domain.Task) error {
		// Simulate another writer landing a change mid-mutation by bumping
		// the generation counter directly on the store. Mutate already holds
		// s.mu while fn runs, so the counter is written without relocking.
		s.generations[task.ID]++
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeConflict))
}

func TestAppendInteractionIsListed(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	task := newTestTask("interactions-task")
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.AppendInteraction(ctx, &domain.Interaction{
		TaskID:  task.ID,
		Kind:    domain.KindUserRequest,
		Content: "write greet.py",
	})
	require.NoError(t, err)

	list, err := s.ListInteractions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.KindUserRequest, list[0].Kind)
}

func TestIncrementTokens(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	task := newTestTask("tokens-task")
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.IncrementTokens(ctx, task.ID, 40))
	require.NoError(t, s.IncrementTokens(ctx, task.ID, 10))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, got.TotalTokensUsed)
}

func TestDeleteTaskAndInteractions(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	task := newTestTask("delete-task")
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.AppendInteraction(ctx, &domain.Interaction{TaskID: task.ID, Kind: domain.KindUserRequest})
	require.NoError(t, err)

	require.NoError(t, s.DeleteInteractions(ctx, task.ID))
	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err = s.GetTask(ctx, task.ID)
	require.Error(t, err)

	list, err := s.ListInteractions(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
