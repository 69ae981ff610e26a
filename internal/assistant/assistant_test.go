package assistant

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/runner"
)

type fakeProcess struct {
	stdout      io.Reader
	killed      bool
	interrupted bool
	waitCh      chan error
}

func (p *fakeProcess) PID() string      { return "fake-1" }
func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Interrupt() error { p.interrupted = true; return nil }

// Kill simulates the subprocess actually exiting once killed, so the
// caller's blocking Wait() unblocks instead of hanging in these tests.
func (p *fakeProcess) Kill() error {
	p.killed = true
	select {
	case p.waitCh <- errors.New("killed"):
	default:
	}
	return nil
}
func (p *fakeProcess) Wait() error { return <-p.waitCh }

type fakeBackend struct {
	mu       sync.Mutex
	lastSpec runner.Spec
	proc     *fakeProcess
}

func (b *fakeBackend) Start(ctx context.Context, spec runner.Spec) (runner.Process, error) {
	b.mu.Lock()
	b.lastSpec = spec
	b.mu.Unlock()
	return b.proc, nil
}

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func testConfig() config.AssistantConfig {
	return config.AssistantConfig{
		Command:            "assistant",
		Runner:             "exec",
		IdleTimeoutSeconds: 1,
		DrainWindowSeconds: 1,
		MaxRecordBytes:     256 * 1024,
	}
}

func newProcessWithStream(stream string) *fakeProcess {
	p := &fakeProcess{stdout: strings.NewReader(stream), waitCh: make(chan error, 1)}
	p.waitCh <- nil
	return p
}

func TestSend_FirstTurnUsesVerboseFlagsNotResume(t *testing.T) {
	stream := `{"type":"system","session_id":"sess-1"}` + "\n" +
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}` + "\n" +
		`{"type":"result","result":"done"}` + "\n"
	proc := newProcessWithStream(stream)
	backend := &fakeBackend{proc: proc}
	client := New(backend, testConfig(), newTestLogger())

	task := &domain.Task{ID: "t1", WorktreePath: t.TempDir()}
	var events []*domain.Interaction
	result, err := client.Send(context.Background(), task, "do the thing", nil, func(i *domain.Interaction) {
		events = append(events, i)
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, "hello", result.FullText)
	assert.Equal(t, []string{"-p", "do the thing", "--output-format", "stream-json", "--verbose"}, backend.lastSpec.Args)

	require.Len(t, events, 1)
	assert.Equal(t, domain.KindAssistantResponse, events[0].Kind)
}

func TestSend_ResumedTurnUsesSessionFlag(t *testing.T) {
	proc := newProcessWithStream(`{"type":"result","result":"ok"}` + "\n")
	backend := &fakeBackend{proc: proc}
	client := New(backend, testConfig(), newTestLogger())

	task := &domain.Task{ID: "t2", WorktreePath: t.TempDir(), AssistantSessionID: "sess-prior"}
	_, err := client.Send(context.Background(), task, "next turn", nil, func(*domain.Interaction) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"-r", "sess-prior", "-p", "next turn", "--output-format", "stream-json"}, backend.lastSpec.Args)
}

func TestSend_GroupsContiguousToolCalls(t *testing.T) {
	stream := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"tool_use","id":"a","name":"Bash","input":{"command":"ls"}},` +
		`{"type":"tool_use","id":"b","name":"Read","input":{"file_path":"x.go"}}` +
		`]}}` + "\n" +
		`{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"a","content":"file1\nfile2"},` +
		`{"type":"tool_result","tool_use_id":"b","content":"package main"}` +
		`]}}` + "\n" +
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}` + "\n" +
		`{"type":"result","result":"ok"}` + "\n"
	proc := newProcessWithStream(stream)
	backend := &fakeBackend{proc: proc}
	client := New(backend, testConfig(), newTestLogger())

	task := &domain.Task{ID: "t3", WorktreePath: t.TempDir()}
	var events []*domain.Interaction
	_, err := client.Send(context.Background(), task, "go", nil, func(i *domain.Interaction) {
		events = append(events, i)
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, domain.KindToolGroup, events[0].Kind)
	require.Len(t, events[0].Tools, 2)
	assert.Equal(t, "Bash", events[0].Tools[0].Name)
	assert.Equal(t, "file1\nfile2", events[0].Tools[0].Result)
	assert.Equal(t, domain.KindAssistantResponse, events[1].Kind)
}

func TestSend_OversizedRecordDoesNotAbortTurn(t *testing.T) {
	huge := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"` + strings.Repeat("x", 300*1024) + `"}]}}`
	stream := huge + "\n" + `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}` + "\n"
	proc := newProcessWithStream(stream)
	backend := &fakeBackend{proc: proc}
	client := New(backend, testConfig(), newTestLogger())

	task := &domain.Task{ID: "t4", WorktreePath: t.TempDir()}
	var events []*domain.Interaction
	result, err := client.Send(context.Background(), task, "go", nil, func(i *domain.Interaction) {
		events = append(events, i)
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.FullText)
	require.Len(t, events, 1)
}

func TestSend_ContextCancelDrainsThenKills(t *testing.T) {
	proc := &fakeProcess{stdout: strings.NewReader(""), waitCh: make(chan error, 1)}
	backend := &fakeBackend{proc: proc}
	cfg := testConfig()
	cfg.DrainWindowSeconds = 1
	cfg.IdleTimeoutSeconds = 5
	client := New(backend, cfg, newTestLogger())

	task := &domain.Task{ID: "t5", WorktreePath: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = client.Send(ctx, task, "go", nil, func(*domain.Interaction) {})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
	assert.True(t, proc.interrupted)
	assert.True(t, proc.killed, "expected force-kill after drain window elapsed")
}

func TestSend_IdleTimeoutKillsProcess(t *testing.T) {
	proc := &fakeProcess{stdout: strings.NewReader(""), waitCh: make(chan error, 1)}
	backend := &fakeBackend{proc: proc}
	cfg := testConfig()
	cfg.IdleTimeoutSeconds = 1
	client := New(backend, cfg, newTestLogger())

	task := &domain.Task{ID: "t6", WorktreePath: t.TempDir()}
	_, err := client.Send(context.Background(), task, "go", nil, func(*domain.Interaction) {})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAssistantTimeout))
	assert.True(t, proc.killed)
}

func TestCancel_NoRunningTaskIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	client := New(backend, testConfig(), newTestLogger())
	require.NoError(t, client.Cancel("unknown-task"))
}

func TestSend_SpawnFailureWrapsSubprocessError(t *testing.T) {
	client := New(failingBackend{}, testConfig(), newTestLogger())
	task := &domain.Task{ID: "t7", WorktreePath: t.TempDir()}
	_, err := client.Send(context.Background(), task, "go", nil, func(*domain.Interaction) {})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeSubprocessSpawnFailed))
}

type failingBackend struct{}

func (failingBackend) Start(ctx context.Context, spec runner.Spec) (runner.Process, error) {
	return nil, errors.New("boom")
}
