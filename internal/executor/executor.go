// Package executor implements component J: the per-task main loop and
// state machine (spec §4.8) that wires together B (persistence), C
// (workspace), E (assistant), F (input queue), G (auto-responder), H
// (criteria), and I (event fan-out). Grounded on two teacher files: the
// state-machine/loop-with-cancellation shape of
// agent/lifecycle/manager.go (Launch, StopAgent, resume-vs-fresh branch on
// session metadata) and the simpler executions-map bookkeeping shape of
// orchestrator/executor/executor.go (Executor{executions map, mu},
// defensive struct copies on read). The 8-step main loop and the
// PENDING/RUNNING/PAUSED/STOPPED/TESTING/terminal state table are spec
// §4.8's own content — no teacher file defines this exact machine.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/autoresponder"
	"github.com/phillipcheng/claude-task-automation-server/internal/criteria"
	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/eventbus"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
	"github.com/phillipcheng/claude-task-automation-server/internal/worktree"
)

// JudgeConfidenceThreshold mirrors criteria.CompletionThreshold; kept as a
// separate name here since the executor's decision (spec §4.8 step 5) is a
// property of the loop, not of the analyzer.
const JudgeConfidenceThreshold = criteria.CompletionThreshold

// storageRetries is how many times Mutate is retried on kConflict (spec
// §4.1, §7: "retried internally up to 3x").
const storageRetries = 3

// CreateRequest is the input to Create (spec §6 create(task)).
type CreateRequest struct {
	Name           string
	Owner          string
	Description    string
	ProjectContext string
	Projects       []domain.ProjectAttachment
	RootPath       string
	BaseBranch     string
	Branch         string
	CriteriaConfig domain.CriteriaConfig
	ChatMode       bool
}

// run tracks one task's live loop goroutine so Stop/Delete can reach it
// (spec §4.8's `stop` and "any → delete" rows).
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor implements component J.
type Executor struct {
	gateway    storage.Gateway
	worktrees  *worktree.Manager
	sender     assistant.Sender
	queue      *inputqueue.Queue
	analyzer   *criteria.Analyzer
	bus        eventbus.Bus
	clock      clock.Clock
	logger     *logger.Logger

	mu   sync.Mutex
	runs map[string]*run // taskID -> live loop
}

// New creates a task executor.
func New(gateway storage.Gateway, worktrees *worktree.Manager, sender assistant.Sender, queue *inputqueue.Queue, analyzer *criteria.Analyzer, bus eventbus.Bus, clk clock.Clock, log *logger.Logger) *Executor {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		gateway:   gateway,
		worktrees: worktrees,
		sender:    sender,
		queue:     queue,
		analyzer:  analyzer,
		bus:       bus,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "executor")),
		runs:      make(map[string]*run),
	}
}

// Create provisions a task's workspace and persists it in PENDING (spec
// §4.8's `create` transition, spec §6 create(task)).
func (ex *Executor) Create(ctx context.Context, req CreateRequest) (*domain.Task, error) {
	task := &domain.Task{
		ID:             clock.NewID(),
		Name:           req.Name,
		Owner:          req.Owner,
		Description:    req.Description,
		ProjectContext: req.ProjectContext,
		Projects:       req.Projects,
		RootPath:       req.RootPath,
		BaseBranch:     req.BaseBranch,
		Branch:         req.Branch,
		Status:         domain.StatusPending,
		CriteriaConfig: req.CriteriaConfig,
		ChatMode:       req.ChatMode,
	}
	if task.CriteriaConfig.Criteria == "" && task.CriteriaConfig.Warning == "" && task.Description == "" {
		task.CriteriaConfig.Warning = "no task description supplied; no success criterion could be extracted"
	}

	wt, err := ex.worktrees.Provision(ctx, task.ID, task.Name, task.RootPath, task.BaseBranch, task.Branch)
	if err != nil {
		return nil, err
	}
	task.Branch = wt.Branch
	task.WorktreePath = wt.Path

	if len(task.Projects) > 0 {
		if _, err := ex.worktrees.MultiProvision(ctx, task.ID, task.Name, task.Projects); err != nil {
			_ = ex.worktrees.Reclaim(ctx, wt)
			return nil, err
		}
	}

	if err := ex.gateway.CreateTask(ctx, task); err != nil {
		_ = ex.worktrees.Reclaim(ctx, wt)
		return nil, err
	}

	// max_iterations = 0 transitions straight to EXHAUSTED before the first
	// assistant call (spec §8 boundary behavior).
	if task.CriteriaConfig.MaxIterations == 0 {
		return ex.transitionTerminal(ctx, task.ID, domain.StatusExhausted, "max_iterations is 0: no assistant turns permitted")
	}

	return task, nil
}

// Start transitions a PENDING task to RUNNING and spawns its loop (spec §4.8).
func (ex *Executor) Start(ctx context.Context, name string) error {
	task, err := ex.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusPending {
		return apperr.Validation(fmt.Sprintf("task %q is %s, not PENDING", name, task.Status))
	}
	return ex.transitionAndSpawn(ctx, task.ID)
}

// Stop cooperatively terminates a running task's in-flight turn (spec §4.8,
// §5: bounded to E's drain window). The row is marked STOPPED immediately;
// the loop goroutine observes it at its next decision point and exits.
func (ex *Executor) Stop(ctx context.Context, name string) error {
	task, err := ex.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.StatusRunning, domain.StatusPaused, domain.StatusTesting:
	default:
		return apperr.Validation(fmt.Sprintf("task %q is %s, cannot stop", name, task.Status))
	}

	if _, err := storage.MutateWithRetry(ctx, ex.gateway, task.ID, storageRetries, func(t *domain.Task) error {
		t.Status = domain.StatusStopped
		return nil
	}); err != nil {
		return err
	}
	ex.bus.PublishStatusChange(task.ID, domain.StatusStopped)

	_ = ex.sender.Cancel(task.ID)
	ex.waitForRun(task.ID)
	return nil
}

// Resume respawns a STOPPED task's loop, resuming its existing
// assistant_session_id (spec §4.8).
func (ex *Executor) Resume(ctx context.Context, name string) error {
	task, err := ex.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if task.Status != domain.StatusStopped {
		return apperr.Validation(fmt.Sprintf("task %q is %s, not STOPPED", name, task.Status))
	}
	return ex.transitionAndSpawn(ctx, task.ID)
}

// Recover clears a task's session id while preserving its interaction log
// and returns it to RUNNING, optionally raising its resource caps (spec §6
// recover(name)). Only a terminal or STOPPED task can be recovered.
func (ex *Executor) Recover(ctx context.Context, name string, raiseMaxIterations int, raiseMaxTokens *int64) error {
	task, err := ex.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() && task.Status != domain.StatusStopped {
		return apperr.Validation(fmt.Sprintf("task %q is %s, recover requires a terminal or STOPPED task", name, task.Status))
	}

	if _, err := storage.MutateWithRetry(ctx, ex.gateway, task.ID, storageRetries, func(t *domain.Task) error {
		t.AssistantSessionID = ""
		t.Status = domain.StatusRunning
		t.ErrorMessage = ""
		if raiseMaxIterations > t.CriteriaConfig.MaxIterations {
			t.CriteriaConfig.MaxIterations = raiseMaxIterations
		}
		if raiseMaxTokens != nil {
			t.CriteriaConfig.MaxTokens = raiseMaxTokens
		}
		return nil
	}); err != nil {
		return err
	}
	ex.bus.PublishStatusChange(task.ID, domain.StatusRunning)
	ex.spawn(task.ID)
	return nil
}

// SendInput enqueues a user turn regardless of status; a PENDING task is
// implicitly started (spec §4.8, §6 send_input).
func (ex *Executor) SendInput(ctx context.Context, name, text string, images []string) error {
	task, err := ex.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return apperr.Validation(fmt.Sprintf("task %q is %s, a terminal task cannot accept input", name, task.Status))
	}

	if _, err := ex.queue.TriggerImmediate(ctx, task.ID, text, images); err != nil {
		return err
	}

	if task.Status == domain.StatusPending {
		return ex.transitionAndSpawn(ctx, task.ID)
	}
	return nil
}

// Delete unconditionally stops the subprocess, reclaims the workspace, and
// deletes all rows (spec §4.8 `delete`, §6 delete(name)). A second delete on
// the same name is idempotent via kValidation (spec §8 round-trip law).
func (ex *Executor) Delete(ctx context.Context, name string) error {
	task, err := ex.gateway.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}

	if task.Status.Active() {
		_, _ = storage.MutateWithRetry(ctx, ex.gateway, task.ID, storageRetries, func(t *domain.Task) error {
			t.Status = domain.StatusStopped
			return nil
		})
		_ = ex.sender.Cancel(task.ID)
		ex.waitForRunTimeout(task.ID, 5*time.Second)
	}

	ex.queue.UnregisterDispatcher(task.ID)

	if wt, ok := ex.worktrees.GetByTaskID(task.ID); ok {
		_ = ex.worktrees.Reclaim(ctx, wt)
	}

	if err := ex.gateway.DeleteInteractions(ctx, task.ID); err != nil {
		ex.logger.Warn("failed to delete interactions", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := ex.gateway.DeleteTask(ctx, task.ID); err != nil {
		return err
	}

	ex.bus.CloseTask(task.ID)
	return nil
}

// Subscribe returns a live event stream for a task (spec §4.8, §6
// subscribe(name)); delegates directly to I.
func (ex *Executor) Subscribe(taskID string) eventbus.Subscription {
	return ex.bus.Subscribe(taskID)
}

// FetchTranscript returns a task's ordered interaction log (spec §6
// fetch_transcript(name)).
func (ex *Executor) FetchTranscript(ctx context.Context, taskID string) ([]*domain.Interaction, error) {
	return ex.gateway.ListInteractions(ctx, taskID)
}

func (ex *Executor) transitionAndSpawn(ctx context.Context, taskID string) error {
	if _, err := storage.MutateWithRetry(ctx, ex.gateway, taskID, storageRetries, func(t *domain.Task) error {
		t.Status = domain.StatusRunning
		return nil
	}); err != nil {
		return err
	}
	ex.bus.PublishStatusChange(taskID, domain.StatusRunning)
	ex.spawn(taskID)
	return nil
}

// spawn starts a task's loop goroutine and tracks it so Stop/Delete can
// reach it. The loop registers its own trigger_immediate dispatch target
// (component F) when it first suspends waiting on chat_mode input (see
// suspendForInput) and the registration is removed when the loop exits; a
// notification only wakes that wait. Cancelling the whole run on every queued message
// would abort an in-flight assistant turn, which spec §4.4's
// trigger_immediate never asks for.
func (ex *Executor) spawn(taskID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	ex.mu.Lock()
	ex.runs[taskID] = r
	ex.mu.Unlock()

	go func() {
		defer close(r.done)
		defer func() {
			ex.mu.Lock()
			delete(ex.runs, taskID)
			ex.mu.Unlock()
			ex.queue.UnregisterDispatcher(taskID)
		}()
		ex.runLoop(ctx, taskID)
	}()
}

type dispatcherFunc func(taskID string)

func (f dispatcherFunc) Notify(taskID string) { f(taskID) }

func (ex *Executor) waitForRun(taskID string) {
	ex.mu.Lock()
	r, ok := ex.runs[taskID]
	ex.mu.Unlock()
	if !ok {
		return
	}
	<-r.done
}

func (ex *Executor) waitForRunTimeout(taskID string, timeout time.Duration) {
	ex.mu.Lock()
	r, ok := ex.runs[taskID]
	ex.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.cancel()
		<-r.done
	}
}

// transitionTerminal moves a task to a terminal status with an optional
// error message, publishes the change, and returns the updated task.
func (ex *Executor) transitionTerminal(ctx context.Context, taskID string, status domain.Status, errMessage string) (*domain.Task, error) {
	now := ex.clock.Now()
	task, err := storage.MutateWithRetry(ctx, ex.gateway, taskID, storageRetries, func(t *domain.Task) error {
		t.Status = status
		t.ErrorMessage = errMessage
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	ex.bus.PublishStatusChange(taskID, status)
	return task, nil
}

// buildInitialPrompt assembles the first user turn (spec §4.9): task
// description, multi-project context blocks, task-level project_context,
// and an abstract workspace reference that never discloses the absolute
// worktree path (leaking it would let the assistant address the main tree
// directly and break the isolation contract).
func buildInitialPrompt(task *domain.Task) string {
	var b strings.Builder
	b.WriteString(task.Description)

	if len(task.Projects) > 0 {
		parts := make([]string, 0, len(task.Projects))
		for _, p := range task.Projects {
			parts = append(parts, fmt.Sprintf("Project: %s\nPath: %s\n%s", p.Name, p.Path, p.Context))
		}
		b.WriteString("\n\n")
		b.WriteString(strings.Join(parts, "\n---\n"))
	}

	if task.ProjectContext != "" {
		b.WriteString("\n\n")
		b.WriteString(task.ProjectContext)
	}

	b.WriteString("\n\nWorking directory: current directory (isolated branch)")
	return b.String()
}

// transcriptTail returns the text of the last n interactions, oldest first,
// for the criteria judge's "transcript_tail" argument (spec §4.10).
func transcriptTail(interactions []*domain.Interaction, n int) string {
	if len(interactions) > n {
		interactions = interactions[len(interactions)-n:]
	}
	lines := make([]string, 0, len(interactions))
	for _, ia := range interactions {
		lines = append(lines, fmt.Sprintf("[%s] %s", ia.Kind, ia.Content))
	}
	return strings.Join(lines, "\n")
}

// runLoop is the task's main loop (spec §4.8's 8-step algorithm). It runs
// once per spawn (Start/Resume/Recover each call spawn) and returns when
// the task reaches a terminal state, is cooperatively stopped, or ctx is
// cancelled out from under it (Delete's bounded grace window).
func (ex *Executor) runLoop(ctx context.Context, taskID string) {
	firstTurnOfExecution := true

	for {
		task, err := ex.gateway.GetTask(ctx, taskID)
		if err != nil {
			ex.logger.Error("runLoop: failed to load task, aborting", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if !task.Status.Active() {
			return
		}

		// Step 1: choose the next user turn.
		prompt, attachments, ok := ex.chooseNextTurn(ctx, task, firstTurnOfExecution)
		if !ok {
			// Stop fired while suspended waiting for chat_mode input, or the
			// task transitioned away under us; either way, exit quietly.
			return
		}

		isFirstEver := firstTurnOfExecution && task.AssistantSessionID == ""
		firstTurnOfExecution = false

		// Step 2: persist the chosen user turn and publish it.
		userInteraction := &domain.Interaction{
			TaskID:      taskID,
			Kind:        domain.KindUserRequest,
			Content:     prompt,
			Timestamp:   ex.clock.Now(),
			Attachments: attachments,
		}
		if _, err := ex.gateway.AppendInteraction(ctx, userInteraction); err != nil {
			ex.logger.Error("runLoop: failed to persist user turn", zap.String("task_id", taskID), zap.Error(err))
			ex.failTask(ctx, taskID, "failed to persist user turn: "+err.Error())
			return
		}
		ex.bus.PublishInteraction(taskID, userInteraction)

		// Step 3: invoke E, persisting and publishing every derived
		// Interaction synchronously as it is parsed from the stream.
		turnPrompt := prompt
		if isFirstEver {
			turnPrompt = buildInitialPrompt(task)
		}
		result, sendErr := ex.sender.Send(ctx, task, turnPrompt, attachments, func(ia *domain.Interaction) {
			ia.TaskID = taskID
			if ia.Timestamp.IsZero() {
				ia.Timestamp = ex.clock.Now()
			}
			if _, err := ex.gateway.AppendInteraction(ctx, ia); err != nil {
				ex.logger.Warn("runLoop: failed to persist assistant-derived interaction",
					zap.String("task_id", taskID), zap.Error(err))
				return
			}
			ex.bus.PublishInteraction(taskID, ia)
		})

		if isFirstEver && result != nil && result.SessionID != "" {
			if _, err := storage.MutateWithRetry(ctx, ex.gateway, taskID, storageRetries, func(t *domain.Task) error {
				if t.AssistantSessionID == "" {
					t.AssistantSessionID = result.SessionID
				}
				return nil
			}); err != nil {
				ex.logger.Warn("runLoop: failed to persist session id", zap.String("task_id", taskID), zap.Error(err))
			}
		}

		if sendErr != nil {
			if stopRequested(ex.gateway, ctx, taskID) {
				return
			}
			ex.logger.Error("runLoop: assistant turn failed", zap.String("task_id", taskID), zap.Error(sendErr))
			ex.failForSendError(ctx, taskID, sendErr)
			return
		}

		// Step 4: bump the cumulative token counter and the completed-turn
		// counter (interaction_count tracks main-loop turns, not raw
		// Interaction rows — one bump per user+assistant cycle).
		if result.Usage.OutputTokens > 0 {
			if err := ex.gateway.IncrementTokens(ctx, taskID, result.Usage.OutputTokens); err != nil {
				ex.logger.Warn("runLoop: failed to increment tokens", zap.String("task_id", taskID), zap.Error(err))
			}
		}
		if _, err := storage.MutateWithRetry(ctx, ex.gateway, taskID, storageRetries, func(t *domain.Task) error {
			t.InteractionCount++
			return nil
		}); err != nil {
			ex.logger.Warn("runLoop: failed to increment interaction count", zap.String("task_id", taskID), zap.Error(err))
		}

		task, err = ex.gateway.GetTask(ctx, taskID)
		if err != nil {
			ex.logger.Error("runLoop: failed to reload task", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if !task.Status.Active() {
			return
		}

		latestText := result.FullText

		// Step 5: completion check.
		if ex.checkCompletion(ctx, task, latestText) {
			return
		}

		// Step 6: resource caps.
		if ex.checkCaps(ctx, task) {
			return
		}

		// Step 7: cooperative stop mid-turn.
		if stopRequested(ex.gateway, ctx, taskID) {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		// Step 8: loop.
	}
}

// chooseNextTurn implements spec §4.8 step 1's priority contract: a pending
// user-input entry always wins over the auto-responder; when chat_mode is
// set and the queue is empty, the loop suspends until input arrives or stop
// is requested. The first-ever turn, which has no "latest assistant text"
// to react to, returns the task description; runLoop replaces it with
// buildInitialPrompt. The bool return is false only when the loop should
// exit without a turn (stop or cancellation while suspended or waiting).
func (ex *Executor) chooseNextTurn(ctx context.Context, task *domain.Task, firstTurnOfExecution bool) (string, []domain.Attachment, bool) {
	if entry, err := ex.queue.PopUnprocessed(ctx, task.ID); err == nil && entry != nil {
		return entry.Text, imagesToAttachments(entry.Images), true
	}

	if firstTurnOfExecution && task.AssistantSessionID == "" {
		// The initial turn has no prior assistant text to react to;
		// buildInitialPrompt supplies the actual content in runLoop.
		return task.Description, nil, true
	}

	if task.ChatMode {
		return ex.suspendForInput(ctx, task.ID)
	}

	// task.ImmediateProcessingActive guards the scheduled iteration from
	// racing a trigger_immediate push that is still landing (spec §3, §4.4):
	// the entry was appended but the flag has not yet cleared, so the
	// PopUnprocessed above may have run just before it became visible. Wait
	// for the flag to clear and take that entry instead of dispatching an
	// auto-responder turn concurrently with it.
	if task.ImmediateProcessingActive {
		entry, ok := ex.waitForImmediateProcessing(ctx, task.ID)
		if !ok {
			return "", nil, false
		}
		if entry != nil {
			return entry.Text, imagesToAttachments(entry.Images), true
		}
	}

	latest, err := ex.lastAssistantText(ctx, task.ID)
	if err != nil {
		ex.logger.Warn("runLoop: failed to load last assistant text", zap.String("task_id", task.ID), zap.Error(err))
	}
	return autoresponder.Generate(latest, task.Description, task.InteractionCount), nil, true
}

// waitForImmediateProcessing blocks while task.ImmediateProcessingActive is
// set, then consumes whatever trigger_immediate delivered. Bounded so a
// flag left set by a crashed dispatch can never wedge the loop; after the
// bound it gives the queue one last look before yielding to the caller's
// auto-responder fallback. The bool return is false only when the task was
// stopped or the context was cancelled while waiting.
func (ex *Executor) waitForImmediateProcessing(ctx context.Context, taskID string) (*domain.InputEntry, bool) {
	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}

		task, err := ex.gateway.GetTask(ctx, taskID)
		if err != nil {
			return nil, true
		}
		if !task.ImmediateProcessingActive {
			entry, _ := ex.queue.PopUnprocessed(ctx, taskID)
			return entry, true
		}
		if stopRequested(ex.gateway, ctx, taskID) {
			return nil, false
		}
		if time.Now().After(deadline) {
			entry, _ := ex.queue.PopUnprocessed(ctx, taskID)
			return entry, true
		}
	}
}

// suspendForInput blocks until F.Push delivers an entry for this task or the
// task is stopped/cancelled (spec §5 suspension point (b)).
func (ex *Executor) suspendForInput(ctx context.Context, taskID string) (string, []domain.Attachment, bool) {
	wake := make(chan struct{}, 1)
	ex.queue.RegisterDispatcher(taskID, dispatcherFunc(func(string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", nil, false
		case <-wake:
		case <-ticker.C:
		}

		if entry, err := ex.queue.PopUnprocessed(ctx, taskID); err == nil && entry != nil {
			return entry.Text, imagesToAttachments(entry.Images), true
		}
		if stopRequested(ex.gateway, ctx, taskID) {
			return "", nil, false
		}
	}
}

// checkCompletion implements spec §4.8 step 5. Returns true if the task
// reached FINISHED and the loop should exit. "Otherwise apply heuristic"
// qualifies every non-complete judge outcome, not just a missing judge: a
// judge error and a judge verdict of is_complete=false both fall through to
// the heuristic below rather than short-circuiting the turn.
func (ex *Executor) checkCompletion(ctx context.Context, task *domain.Task, latestText string) bool {
	if task.CriteriaConfig.Criteria != "" && ex.analyzer != nil {
		interactions, err := ex.gateway.ListInteractions(ctx, task.ID)
		if err != nil {
			ex.logger.Warn("runLoop: failed to load transcript for criteria judge", zap.Error(err))
		}
		verdict, err := ex.analyzer.Judge(ctx, task.CriteriaConfig.Criteria, transcriptTail(interactions, 3), latestText, task.WorktreePath)
		if err != nil {
			ex.logger.Warn("runLoop: criteria judge failed, falling back to heuristic", zap.Error(err))
		} else if verdict.Complete() {
			_, _ = ex.transitionTerminal(ctx, task.ID, domain.StatusFinished, "")
			return true
		}
		// verdict.Complete() == false, or the judge call itself errored:
		// fall through to the heuristic below instead of returning early.
	}

	if autoresponder.HeuristicComplete(latestText) {
		_, _ = ex.transitionTerminal(ctx, task.ID, domain.StatusFinished, "")
		return true
	}
	return false
}

// checkCaps implements spec §4.8 step 6. Returns true if the task tripped a
// resource cap and transitioned to EXHAUSTED.
func (ex *Executor) checkCaps(ctx context.Context, task *domain.Task) bool {
	task, err := ex.gateway.GetTask(ctx, task.ID)
	if err != nil {
		return false
	}
	if task.CriteriaConfig.MaxIterations > 0 && task.InteractionCount >= task.CriteriaConfig.MaxIterations {
		_, _ = ex.transitionTerminal(ctx, task.ID, domain.StatusExhausted, "max_iterations cap reached")
		return true
	}
	if task.CriteriaConfig.MaxTokens != nil && task.TotalTokensUsed >= *task.CriteriaConfig.MaxTokens {
		_, _ = ex.transitionTerminal(ctx, task.ID, domain.StatusExhausted, "max_tokens cap reached")
		return true
	}
	return false
}

// failTask transitions a task straight to FAILED with the given message.
func (ex *Executor) failTask(ctx context.Context, taskID, message string) {
	_, _ = ex.transitionTerminal(ctx, taskID, domain.StatusFailed, message)
}

// failForSendError maps an E.Send error to FAILED: an idle timeout gets a
// fixed message, any other error its own text. Resource caps are checked
// separately by checkCaps after each completed turn.
func (ex *Executor) failForSendError(ctx context.Context, taskID string, sendErr error) {
	if apperr.Is(sendErr, apperr.CodeAssistantTimeout) {
		ex.failTask(ctx, taskID, "assistant produced no output within the idle window")
		return
	}
	ex.failTask(ctx, taskID, sendErr.Error())
}

// lastAssistantText returns the content of the most recent
// ASSISTANT_RESPONSE interaction, or "" if none exists yet.
func (ex *Executor) lastAssistantText(ctx context.Context, taskID string) (string, error) {
	interactions, err := ex.gateway.ListInteractions(ctx, taskID)
	if err != nil {
		return "", err
	}
	for i := len(interactions) - 1; i >= 0; i-- {
		if interactions[i].Kind == domain.KindAssistantResponse {
			return interactions[i].Content, nil
		}
	}
	return "", nil
}

// stopRequested reports whether the task row has moved to STOPPED out from
// under the loop (spec §4.8 step 7, §5's stop-observed-at-decision-points
// contract).
func stopRequested(gw storage.Gateway, ctx context.Context, taskID string) bool {
	task, err := gw.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status == domain.StatusStopped
}

func imagesToAttachments(images []string) []domain.Attachment {
	if len(images) == 0 {
		return nil
	}
	out := make([]domain.Attachment, 0, len(images))
	for _, img := range images {
		out = append(out, domain.Attachment{Base64: img, MediaType: "image/png"})
	}
	return out
}
