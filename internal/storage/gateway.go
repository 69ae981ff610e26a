// Package storage defines the persistence gateway (component B): CRUD on
// tasks and interactions, an atomic read-modify-write primitive for a
// task's JSON-valued columns, and an additive token counter.
package storage

import (
	"context"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
)

// MutateFunc mutates a Task in place. Returning an error aborts the write.
type MutateFunc func(task *domain.Task) error

// Gateway is the persistence contract the rest of the core depends on
// (spec §4.1). All JSON-valued columns (user_input_queue, criteria_config,
// projects) are read-modify-write through Mutate; callers never issue
// partial field patches.
type Gateway interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetTaskByName(ctx context.Context, name string) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListActiveTasks(ctx context.Context) ([]*domain.Task, error)

	// Mutate reads the task, applies fn, and writes it back, aborting with
	// apperr.Conflict on a concurrent write in between (spec §4.1). Callers
	// retry on kConflict up to three times (spec §4.1, §7).
	Mutate(ctx context.Context, id string, fn MutateFunc) (*domain.Task, error)

	// AppendInteraction is write-only and never conflicts with task
	// mutations; it returns the stored interaction's id.
	AppendInteraction(ctx context.Context, interaction *domain.Interaction) (string, error)
	ListInteractions(ctx context.Context, taskID string) ([]*domain.Interaction, error)
	DeleteInteractions(ctx context.Context, taskID string) error

	// IncrementTokens performs a commutative additive counter bump that
	// never conflicts with concurrent Mutate calls (spec §4.1, §5).
	IncrementTokens(ctx context.Context, taskID string, delta int64) error

	Close() error
}

// MutateWithRetry retries Mutate up to attempts times while the error is a
// conflict, per spec §4.1's "callers retry mutate up to three times".
func MutateWithRetry(ctx context.Context, gw Gateway, id string, attempts int, fn MutateFunc) (*domain.Task, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		task, err := gw.Mutate(ctx, id, fn)
		if err == nil {
			return task, nil
		}
		lastErr = err
		if !apperr.Is(err, apperr.CodeConflict) {
			return nil, err
		}
	}
	return nil, lastErr
}
