// Package inputqueue implements component F, the per-task user input
// queue: push/pop_unprocessed/has_unprocessed/trigger_immediate, wired
// through storage.Gateway.Mutate so the queue and the task's
// user_input_pending summary flag always move together (spec §4.4).
package inputqueue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
	"go.uber.org/zap"
)

// Dispatcher is a best-effort hook into a task's live loop, used by
// trigger_immediate to wake a suspended executor iteration rather than
// waiting for the next scheduled poll (spec §4.4).
type Dispatcher interface {
	// Notify signals the task's live loop, if one is running. It is a
	// non-blocking, best-effort send — there is no guarantee a loop is
	// listening.
	Notify(taskID string)
}

// Queue implements component F's four operations on top of a
// storage.Gateway, mirroring the teacher's mutex-guarded-map concurrency
// idiom (queue.go) and its `mutate`-shaped atomic update (repository/memory.go).
type Queue struct {
	gateway storage.Gateway
	clock   clock.Clock
	logger  *logger.Logger

	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// New creates a Queue backed by the given persistence gateway.
func New(gateway storage.Gateway, clk clock.Clock, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Queue{
		gateway:     gateway,
		clock:       clk,
		logger:      log.WithFields(zap.String("component", "inputqueue")),
		dispatchers: make(map[string]Dispatcher),
	}
}

// RegisterDispatcher associates a task's live loop with the queue so
// trigger_immediate can reach it. The executor registers a task's loop when
// the loop first suspends waiting for chat_mode input and deregisters it
// when the loop exits or the task is deleted.
func (q *Queue) RegisterDispatcher(taskID string, d Dispatcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatchers[taskID] = d
}

// UnregisterDispatcher removes a task's live-loop hook.
func (q *Queue) UnregisterDispatcher(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dispatchers, taskID)
}

// Push appends a new entry and sets user_input_pending=true (spec §4.4).
func (q *Queue) Push(ctx context.Context, taskID, text string, images []string) (domain.InputEntry, error) {
	entry := domain.InputEntry{
		ID:        uuid.New().String(),
		Text:      text,
		Images:    images,
		Timestamp: q.clock.Now(),
		Processed: false,
	}

	_, err := storage.MutateWithRetry(ctx, q.gateway, taskID, 3, func(t *domain.Task) error {
		t.UserInputQueue = append(t.UserInputQueue, entry)
		t.RecomputeUserInputPending()
		return nil
	})
	return entry, err
}

// PopUnprocessed returns the oldest unprocessed entry, atomically marking
// it processed, and updates user_input_pending to reflect whether any
// unprocessed entries remain (spec §4.4).
func (q *Queue) PopUnprocessed(ctx context.Context, taskID string) (*domain.InputEntry, error) {
	var popped *domain.InputEntry
	_, err := storage.MutateWithRetry(ctx, q.gateway, taskID, 3, func(t *domain.Task) error {
		for i := range t.UserInputQueue {
			if t.UserInputQueue[i].Processed {
				continue
			}
			t.UserInputQueue[i].Processed = true
			e := t.UserInputQueue[i]
			popped = &e
			break
		}
		t.RecomputeUserInputPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// HasUnprocessed is the fast path reading only the task's summary flag,
// without loading or scanning the full queue (spec §4.4).
func (q *Queue) HasUnprocessed(ctx context.Context, taskID string) (bool, error) {
	task, err := q.gateway.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.UserInputPending, nil
}

// TriggerImmediate pushes an entry and makes a best-effort attempt to wake
// the task's live loop rather than waiting for its next scheduled
// iteration. The ImmediateProcessingActive guard on the task row prevents
// the scheduled iteration from also consuming the entry: it is set before
// the out-of-band dispatch and cleared after it lands (spec §4.4).
func (q *Queue) TriggerImmediate(ctx context.Context, taskID, text string, images []string) (domain.InputEntry, error) {
	entry := domain.InputEntry{
		ID:        uuid.New().String(),
		Text:      text,
		Images:    images,
		Timestamp: q.clock.Now(),
		Processed: false,
	}

	_, err := storage.MutateWithRetry(ctx, q.gateway, taskID, 3, func(t *domain.Task) error {
		t.UserInputQueue = append(t.UserInputQueue, entry)
		t.RecomputeUserInputPending()
		t.ImmediateProcessingActive = true
		return nil
	})
	if err != nil {
		return entry, err
	}

	q.mu.RLock()
	dispatcher := q.dispatchers[taskID]
	q.mu.RUnlock()

	if dispatcher != nil {
		dispatcher.Notify(taskID)
	} else {
		q.logger.Debug("trigger_immediate: no live dispatcher registered", zap.String("task_id", taskID))
	}

	_, clearErr := storage.MutateWithRetry(ctx, q.gateway, taskID, 3, func(t *domain.Task) error {
		t.ImmediateProcessingActive = false
		return nil
	})
	if clearErr != nil {
		q.logger.Warn("failed to clear immediate_processing_active", zap.String("task_id", taskID), zap.Error(clearErr))
	}

	return entry, nil
}
