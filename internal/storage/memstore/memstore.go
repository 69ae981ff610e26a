// Package memstore implements storage.Gateway with in-memory maps, the
// default backend for tests and single-process development. Grounded on
// the teacher's MemoryRepository (map + sync.RWMutex, uuid id assignment,
// time.Now().UTC() timestamping).
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
)

// Store provides in-memory task and interaction storage.
type Store struct {
	mu           sync.RWMutex
	tasks        map[string]*domain.Task
	tasksByName  map[string]string
	interactions map[string][]*domain.Interaction
	generations  map[string]int64
	clock        clock.Clock
}

var _ storage.Gateway = (*Store)(nil)

// New creates a new in-memory store.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		tasks:        make(map[string]*domain.Task),
		tasksByName:  make(map[string]string),
		interactions: make(map[string][]*domain.Interaction),
		generations:  make(map[string]int64),
		clock:        clk,
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func clone(t *domain.Task) *domain.Task {
	c := *t
	c.Projects = append([]domain.ProjectAttachment(nil), t.Projects...)
	c.UserInputQueue = append([]domain.InputEntry(nil), t.UserInputQueue...)
	return &c
}

// CreateTask stores a new task, assigning an id/timestamps if unset.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = clock.NewID()
	}
	if _, exists := s.tasksByName[task.Name]; exists {
		return apperr.Validation(fmt.Sprintf("task name %q already exists", task.Name))
	}

	now := s.clock.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.RecomputeUserInputPending()

	s.tasks[task.ID] = clone(task)
	s.tasksByName[task.Name] = task.ID
	s.generations[task.ID] = 1
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("task %q not found", id))
	}
	out := clone(t)
	out.SetGeneration(s.generations[id])
	return out, nil
}

// GetTaskByName retrieves a task by its unique name.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*domain.Task, error) {
	s.mu.RLock()
	id, ok := s.tasksByName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("task %q not found", name))
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task and its index entries. Interactions are
// deleted separately via DeleteInteractions, per spec §3 ownership.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return apperr.Validation(fmt.Sprintf("task %q not found", id))
	}
	delete(s.tasks, id)
	delete(s.tasksByName, t.Name)
	delete(s.generations, id)
	return nil
}

// ListActiveTasks returns all tasks whose status is active (spec §3, §8.1).
func (s *Store) ListActiveTasks(ctx context.Context) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status.Active() {
			c := clone(t)
			c.SetGeneration(s.generations[t.ID])
			out = append(out, c)
		}
	}
	return out, nil
}

// Mutate reads the task, applies fn, and writes it back, aborting with a
// conflict error if the generation changed concurrently (spec §4.1).
func (s *Store) Mutate(ctx context.Context, id string, fn storage.MutateFunc) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("task %q not found", id))
	}

	working := clone(t)
	startGen := s.generations[id]
	if err := fn(working); err != nil {
		return nil, err
	}

	if s.generations[id] != startGen {
		return nil, apperr.Conflict(fmt.Sprintf("task %q was modified concurrently", id))
	}

	working.RecomputeUserInputPending()
	working.UpdatedAt = s.clock.Now()
	s.generations[id] = startGen + 1
	s.tasks[id] = clone(working)
	out := clone(working)
	out.SetGeneration(s.generations[id])
	return out, nil
}

// AppendInteraction stores an interaction, never conflicting with task
// mutations (spec §4.1). It does not touch interaction_count: that counter
// tracks completed main-loop turns (spec §4.8, §8 scenario S1), which may
// append any number of interaction rows (a user request, an assistant
// response, zero or more tool groups) — the executor bumps it once per turn.
func (s *Store) AppendInteraction(ctx context.Context, interaction *domain.Interaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if interaction.ID == "" {
		interaction.ID = clock.NewID()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = s.clock.Now()
	}
	cp := *interaction
	s.interactions[interaction.TaskID] = append(s.interactions[interaction.TaskID], &cp)

	return interaction.ID, nil
}

// ListInteractions returns a task's interactions in append order.
func (s *Store) ListInteractions(ctx context.Context, taskID string) ([]*domain.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.interactions[taskID]
	out := make([]*domain.Interaction, len(src))
	copy(out, src)
	return out, nil
}

// DeleteInteractions removes all interactions for a task.
func (s *Store) DeleteInteractions(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interactions, taskID)
	return nil
}

// IncrementTokens performs a commutative additive bump that never
// conflicts with concurrent Mutate calls (spec §4.1, §5).
func (s *Store) IncrementTokens(ctx context.Context, taskID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return apperr.Validation(fmt.Sprintf("task %q not found", taskID))
	}
	t.TotalTokensUsed += delta
	t.UpdatedAt = s.clock.Now()
	return nil
}

