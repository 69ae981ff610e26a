package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/eventbus"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage/memstore"
	"github.com/phillipcheng/claude-task-automation-server/internal/worktree"
)

// initRepo mirrors the worktree package's own test helper: a throwaway git
// repo to provision real worktrees against, skipped when git is unavailable.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func testLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// scriptedSender is a deterministic assistant.Sender: each Send call
// consumes the next scripted turn, feeding one ASSISTANT_RESPONSE event
// through onEvent before returning. Tests drive the executor's loop by
// scripting exactly the turns they expect it to take.
type scriptedSender struct {
	mu        sync.Mutex
	turns     []string
	sessionID string
	prompts   []string
	calls     int
	cancelled []string
	blockCh   chan struct{} // when set, Send blocks on it before returning the next scripted turn
}

func (s *scriptedSender) Send(ctx context.Context, task *domain.Task, prompt string, attachments []domain.Attachment, onEvent func(*domain.Interaction)) (*assistant.Result, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if s.blockCh != nil {
		select {
		case <-s.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if idx >= len(s.turns) {
		return nil, fmt.Errorf("scriptedSender: no turn scripted for call %d", idx)
	}
	text := s.turns[idx]
	onEvent(&domain.Interaction{Kind: domain.KindAssistantResponse, Content: text})
	return &assistant.Result{FullText: text, SessionID: s.sessionID, Usage: domain.Usage{OutputTokens: 10}}, nil
}

func (s *scriptedSender) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, taskID)
	return nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// harness wires a real memstore, inputqueue, eventbus, and worktree.Manager
// (against a real throwaway git repo) together with a scripted sender, the
// same collaborator shapes cmd/agent-manager/main.go wires in production.
type harness struct {
	ex      *Executor
	gateway *memstore.Store
	sender  *scriptedSender
	bus     *eventbus.MemoryBus
	repo    string
}

func newHarness(t *testing.T, turns ...string) *harness {
	t.Helper()
	repo := initRepo(t)
	clk := clock.System{}
	gw := memstore.New(clk)
	bus := eventbus.NewMemoryBus(16)
	sender := &scriptedSender{turns: turns}
	queue := inputqueue.New(gw, clk, testLogger())
	workspaces := worktree.NewManager(worktree.DefaultConfig(), testLogger())

	ex := New(gw, workspaces, sender, queue, nil, bus, clk, testLogger())
	return &harness{ex: ex, gateway: gw, sender: sender, bus: bus, repo: repo}
}

func waitForStatus(t *testing.T, h *harness, name string, want domain.Status, timeout time.Duration) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task, err := h.gateway.GetTaskByName(context.Background(), name)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %q did not reach status %s within %s (last status %s)", name, want, timeout, task.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// S1: happy path — a task with completion-cue assistant text finishes after
// one turn without ever touching the criteria judge (spec §8 S1, §4.8 step 5
// fallback heuristic).
func TestRunLoop_HappyPathFinishesOnCompletionCue(t *testing.T) {
	h := newHarness(t, "All done, implemented and all tests pass.")

	task, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "s1-happy",
		Owner:       "alice",
		Description: "add a feature",
		RootPath:    h.repo,
		BaseBranch:  "main",
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 100,
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, task.Status)

	require.NoError(t, h.ex.Start(context.Background(), "s1-happy"))

	final := waitForStatus(t, h, "s1-happy", domain.StatusFinished, 2*time.Second)
	assert.Equal(t, 1, final.InteractionCount)
	assert.Equal(t, int64(10), final.TotalTokensUsed)

	interactions, err := h.gateway.ListInteractions(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, interactions, 2)
	assert.Equal(t, domain.KindUserRequest, interactions[0].Kind)
	assert.Equal(t, domain.KindAssistantResponse, interactions[1].Kind)
}

// S2: a queued human message always wins over the auto-responder, even when
// the prior assistant turn reads as a question the auto-responder would
// otherwise answer (spec §8 S2, §4.8 step 1 priority contract).
func TestRunLoop_QueuedInputBeatsAutoResponder(t *testing.T) {
	h := newHarness(t, "Should I use approach A or B?", "Using your answer, all done and tests pass.")
	// Gate the first Send call so the human answer is pushed and landed
	// before the loop ever reaches its second chooseNextTurn, eliminating
	// any race between the auto-responder path and the queued input.
	h.sender.blockCh = make(chan struct{})

	_, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "s2-priority",
		Owner:       "alice",
		Description: "pick an approach",
		RootPath:    h.repo,
		BaseBranch:  "main",
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 100,
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.Start(context.Background(), "s2-priority"))

	// Wait for the first turn to be in flight, enqueue the human answer
	// while it is still blocked, then let it complete — the push is
	// guaranteed to have landed before the loop chooses its second turn.
	require.Eventually(t, func() bool { return h.sender.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.ex.SendInput(context.Background(), "s2-priority", "Use approach B.", nil))
	close(h.sender.blockCh)

	final := waitForStatus(t, h, "s2-priority", domain.StatusFinished, 2*time.Second)
	assert.Equal(t, 2, final.InteractionCount)

	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	require.Len(t, h.sender.prompts, 2)
	assert.Equal(t, "Use approach B.", h.sender.prompts[1])
}

// S3: resuming a stopped task reuses the same assistant_session_id instead
// of starting a fresh session (spec §8 S3).
func TestRunLoop_ResumePreservesSessionID(t *testing.T) {
	h := newHarness(t, "Still working on it.")
	h.sender.sessionID = "sess-abc"

	_, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "s3-resume",
		Owner:       "alice",
		Description: "long task",
		RootPath:    h.repo,
		BaseBranch:  "main",
		ChatMode:    true,
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 100,
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.Start(context.Background(), "s3-resume"))

	// chat_mode with no queued input suspends after the first turn; stop it
	// mid-suspension.
	require.Eventually(t, func() bool { return h.sender.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.ex.Stop(context.Background(), "s3-resume"))

	stopped, err := h.gateway.GetTaskByName(context.Background(), "s3-resume")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.Equal(t, "sess-abc", stopped.AssistantSessionID)

	h.sender.turns = append(h.sender.turns, "Now done, all tests pass.")
	// SendInput on a STOPPED task only enqueues (it auto-spawns only from
	// PENDING); Resume is what respawns the loop, which then picks the
	// queued entry up via the priority contract on its first iteration.
	require.NoError(t, h.ex.SendInput(context.Background(), "s3-resume", "keep going", nil))
	require.NoError(t, h.ex.Resume(context.Background(), "s3-resume"))

	final := waitForStatus(t, h, "s3-resume", domain.StatusFinished, 2*time.Second)
	assert.Equal(t, "sess-abc", final.AssistantSessionID)

	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	require.GreaterOrEqual(t, len(h.sender.prompts), 2)
	assert.NotContains(t, h.sender.prompts[1], "long task", "resumed turn should carry the queued text, not the initial prompt again")
}

// S4: a task hits its iteration cap and moves to EXHAUSTED rather than
// FINISHED, even though nothing ever signalled completion (spec §8 S4).
func TestRunLoop_IterationCapExhausts(t *testing.T) {
	h := newHarness(t, "Working on step 1.", "Working on step 2.", "Working on step 3.")

	_, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "s4-cap",
		Owner:       "alice",
		Description: "iterate forever",
		RootPath:    h.repo,
		BaseBranch:  "main",
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 2,
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.Start(context.Background(), "s4-cap"))

	final := waitForStatus(t, h, "s4-cap", domain.StatusExhausted, 2*time.Second)
	assert.Equal(t, 2, final.InteractionCount)
	assert.Contains(t, final.ErrorMessage, "max_iterations")
}

// Create with max_iterations=0 short-circuits straight to EXHAUSTED before
// any assistant turn is ever sent (spec §8 boundary behavior).
func TestCreate_ZeroMaxIterationsExhaustsImmediately(t *testing.T) {
	h := newHarness(t)

	task, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "zero-iterations",
		Owner:       "alice",
		Description: "should never run",
		RootPath:    h.repo,
		BaseBranch:  "main",
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 0,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExhausted, task.Status)
	assert.Equal(t, 0, h.sender.callCount())
}

// S5: creating a second task on a branch name already in use by another
// active task surfaces kBranchInUse instead of silently colliding (spec §8
// S5, worktree.Manager.Provision).
func TestCreate_WorkspaceCollisionSurfacesBranchInUse(t *testing.T) {
	h := newHarness(t)

	_, err := h.ex.Create(context.Background(), CreateRequest{
		Name:       "s5-first",
		Owner:      "alice",
		RootPath:   h.repo,
		BaseBranch: "main",
		Branch:     "shared-branch",
	})
	require.NoError(t, err)

	_, err = h.ex.Create(context.Background(), CreateRequest{
		Name:       "s5-second",
		Owner:      "alice",
		RootPath:   h.repo,
		BaseBranch: "main",
		Branch:     "shared-branch",
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeBranchInUse))
}

// S6: recovering a failed task clears its session id and resumes as
// RUNNING while preserving the existing transcript (spec §8 S6).
func TestRecover_ClearsSessionAndPreservesTranscript(t *testing.T) {
	h := newHarness(t, "boom turn")

	_, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "s6-recover",
		Owner:       "alice",
		Description: "will fail",
		RootPath:    h.repo,
		BaseBranch:  "main",
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 100,
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.Start(context.Background(), "s6-recover"))

	// "boom turn" matches neither the completion nor the error heuristic, so
	// the loop keeps going; force a failure by exhausting the scripted sender
	// and letting the second call return its "no turn scripted" error.
	waitForStatus(t, h, "s6-recover", domain.StatusFailed, 2*time.Second)

	before, err := h.gateway.ListInteractions(context.Background(), (func() string {
		task, _ := h.gateway.GetTaskByName(context.Background(), "s6-recover")
		return task.ID
	})())
	require.NoError(t, err)
	// turn 1's user+assistant pair, plus turn 2's user entry (the
	// auto-responder's fallback turn) persisted before Send failed on the
	// exhausted script.
	require.Len(t, before, 3)

	// scriptedSender.calls advances on every Send attempt including the
	// failed out-of-range one above, so the next real turn lands at index
	// 2: pad index 1 (already consumed by the failed call, never read) and
	// set index 2 to the text the recovered run should actually produce.
	h.sender.turns = append(h.sender.turns, "unused", "Now done, all tests pass.")
	require.NoError(t, h.ex.Recover(context.Background(), "s6-recover", 0, nil))

	final := waitForStatus(t, h, "s6-recover", domain.StatusFinished, 2*time.Second)
	assert.Equal(t, "", final.AssistantSessionID)

	after, err := h.gateway.ListInteractions(context.Background(), final.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(after), len(before)+2, "recover should append, not replace, the transcript")
}

// Deleting an unknown task is idempotent via kValidation (spec §8 round-trip
// law, spec §6 delete(name)).
func TestDelete_UnknownTaskIsValidationError(t *testing.T) {
	h := newHarness(t)
	err := h.ex.Delete(context.Background(), "never-existed")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

// Stop is cooperative: it marks the row STOPPED and waits for the loop to
// observe it at its next decision point rather than hard-killing the run.
func TestStop_WaitsForLoopToObserveBeforeReturning(t *testing.T) {
	h := newHarness(t)
	h.sender.blockCh = make(chan struct{})

	_, err := h.ex.Create(context.Background(), CreateRequest{
		Name:        "stop-cooperative",
		Owner:       "alice",
		Description: "long turn",
		RootPath:    h.repo,
		BaseBranch:  "main",
		CriteriaConfig: domain.CriteriaConfig{
			MaxIterations: 100,
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.ex.Start(context.Background(), "stop-cooperative"))

	require.Eventually(t, func() bool { return h.sender.callCount() >= 1 }, time.Second, 5*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		_ = h.ex.Stop(context.Background(), "stop-cooperative")
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight turn was cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.sender.blockCh)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the turn unblocked")
	}

	h.sender.mu.Lock()
	cancelled := append([]string(nil), h.sender.cancelled...)
	h.sender.mu.Unlock()
	assert.NotEmpty(t, cancelled, "Stop should call sender.Cancel for the in-flight turn")
}
