// Package assistant implements component E, the streaming assistant client:
// it drives D's subprocess handle through one assistant turn, parses the
// NDJSON event stream via pkg/claudecode, maps records to Interactions per
// spec §4.6, and accumulates a usage tally. Grounded on the teacher's
// streamjson.Adapter (handleMessage/handleAssistantMessage/handleUserMessage/
// handleResultMessage), adapted for a one-shot `-p "<prompt>"` invocation
// instead of a persistent bidirectional control channel.
package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/runner"
	"github.com/phillipcheng/claude-task-automation-server/pkg/claudecode"
)

// Result is what one E.Send call returns (spec §4.3).
type Result struct {
	FullText     string
	SubprocessID string
	SessionID    string
	Usage        domain.Usage
}

// Sender is the narrow collaborator interface the rest of the system takes
// a dependency on, so component H (criteria) and component J (executor) can
// be tested against a fake without depending on a concrete Client — the
// teacher treats "the assistant" the same way via its ACPManager interface
// in agent/lifecycle/manager.go.
type Sender interface {
	Send(ctx context.Context, task *domain.Task, prompt string, attachments []domain.Attachment, onEvent func(*domain.Interaction)) (*Result, error)
	Cancel(taskID string) error
}

// Client implements Sender on top of a runner.Backend and the claudecode
// NDJSON wire protocol.
type Client struct {
	backend runner.Backend
	cfg     config.AssistantConfig
	logger  *logger.Logger

	mu      sync.Mutex
	running map[string]runner.Process // taskID -> live subprocess, for Cancel
}

// New creates an assistant Client.
func New(backend runner.Backend, cfg config.AssistantConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "assistant")),
		running: make(map[string]runner.Process),
	}
}

// Send invokes the assistant for one turn (spec §4.3). onEvent is called
// synchronously for every Interaction E derives from the stream, in order,
// before Send returns.
func (c *Client) Send(ctx context.Context, task *domain.Task, prompt string, attachments []domain.Attachment, onEvent func(*domain.Interaction)) (*Result, error) {
	imagePaths, err := c.saveAttachments(task.WorktreePath, attachments)
	if err != nil {
		c.logger.Warn("failed to save attachments, continuing without images", zap.Error(err))
	}

	args := c.buildArgs(task.AssistantSessionID, prompt, imagePaths)

	proc, err := c.backend.Start(ctx, runner.Spec{
		Command: c.cfg.Command,
		Args:    args,
		Dir:     task.WorktreePath,
		Env:     os.Environ(),
	})
	if err != nil {
		return nil, apperr.SubprocessSpawnFailed(c.cfg.Command, err)
	}

	c.mu.Lock()
	c.running[task.ID] = proc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, task.ID)
		c.mu.Unlock()
	}()

	state := &turnState{onEvent: onEvent}
	client := claudecode.NewClient(io.Discard, proc.Stdout(), c.logger)
	client.SetMaxLineBytes(c.recordLimit())
	client.SetOversizedHandler(func(size int) {
		c.logger.Warn("dropped oversized assistant record", zap.String("task_id", task.ID), zap.Int("size", size))
	})
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		state.handle(msg)
	})

	idle := c.idleTimeout()
	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	timedOut := make(chan struct{})
	go c.watchIdle(watchdogCtx, state, idle, timedOut, proc)

	readyCh := client.Start(ctx)
	select {
	case <-readyCh:
	case <-ctx.Done():
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- proc.Wait() }()

	var procErr error
	select {
	case <-ctx.Done():
		procErr = c.cancelGracefully(proc, waitErr)
	case procErr = <-waitErr:
	case <-timedOut:
		procErr = apperr.AssistantTimeout(task.ID)
		_ = proc.Kill()
		<-waitErr
	}

	client.Stop()
	state.flush()

	result := &Result{
		FullText:     state.fullText.String(),
		SubprocessID: proc.PID(),
		SessionID:    state.sessionID,
		Usage:        state.usage,
	}
	if procErr != nil {
		return result, procErr
	}
	return result, nil
}

// Cancel requests graceful termination of a task's in-flight turn (spec
// §4.3): it interrupts the tracked process and force-kills it if it is
// still the task's running process once the drain window has elapsed.
// Send runs the same interrupt/drain/kill sequence itself when its ctx is
// cancelled; Cancel covers the out-of-band `stop` control-surface path.
func (c *Client) Cancel(taskID string) error {
	c.mu.Lock()
	proc, ok := c.running[taskID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := proc.Interrupt()
	time.AfterFunc(c.drainWindow(), func() {
		c.mu.Lock()
		still := c.running[taskID] == proc
		c.mu.Unlock()
		if still {
			_ = proc.Kill()
		}
	})
	return err
}

func (c *Client) cancelGracefully(proc runner.Process, waitErr <-chan error) error {
	_ = proc.Interrupt()
	select {
	case err := <-waitErr:
		return err
	case <-time.After(c.drainWindow()):
		_ = proc.Kill()
		return <-waitErr
	}
}

func (c *Client) watchIdle(ctx context.Context, state *turnState, idle time.Duration, timedOut chan<- struct{}, proc runner.Process) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-state.activity():
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
		case <-timer.C:
			close(timedOut)
			return
		}
	}
}

func (c *Client) idleTimeout() time.Duration {
	if c.cfg.IdleTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.cfg.IdleTimeoutSeconds) * time.Second
}

func (c *Client) drainWindow() time.Duration {
	if c.cfg.DrainWindowSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.cfg.DrainWindowSeconds) * time.Second
}

func (c *Client) recordLimit() int {
	if c.cfg.MaxRecordBytes <= 0 {
		return claudecode.DefaultMaxLineBytes
	}
	return c.cfg.MaxRecordBytes
}

// buildArgs follows the two invocation shapes in spec §4.3.
func (c *Client) buildArgs(sessionID, prompt string, imagePaths []string) []string {
	if sessionID != "" {
		return []string{"-r", sessionID, "-p", prompt, "--output-format", "stream-json"}
	}
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	for _, p := range imagePaths {
		args = append(args, "--image", p)
	}
	return args
}

// saveAttachments writes inline base64 image attachments to temp files under
// the task's worktree so they can be referenced by path (spec §4.3's
// `--image <path>` flag), the same approach as the teacher's
// saveImageAttachments in streamjson/adapter.go.
func (c *Client) saveAttachments(workDir string, attachments []domain.Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	tempDir := filepath.Join(workDir, ".taskengine", "tmp", "images")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image temp dir: %w", err)
	}

	var paths []string
	for _, att := range attachments {
		data, err := base64.StdEncoding.DecodeString(att.Base64)
		if err != nil {
			c.logger.Warn("skipping attachment with invalid base64", zap.Error(err))
			continue
		}
		ext := extensionForMediaType(att.MediaType)
		name := fmt.Sprintf("image-%s%s", uuid.New().String()[:8], ext)
		path := filepath.Join(tempDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write attachment: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func extensionForMediaType(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// turnState accumulates per-turn mapping state across the NDJSON stream
// (spec §4.6): session-id capture-once, text concatenation, usage tallies,
// and tool_use/tool_result grouping.
type turnState struct {
	onEvent func(*domain.Interaction)

	mu          sync.Mutex
	sessionID   string
	fullText    bytes.Buffer
	usage       domain.Usage
	pendingTool map[string]*domain.ToolCall
	groupOrder  []*domain.ToolCall
	activityCh  chan struct{}
}

func (s *turnState) activity() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityCh == nil {
		s.activityCh = make(chan struct{}, 1)
	}
	return s.activityCh
}

func (s *turnState) pulse() {
	s.mu.Lock()
	ch := s.activityCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *turnState) emit(kind domain.InteractionKind, content string, usage *domain.Usage, tools []domain.ToolCall) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(&domain.Interaction{
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Usage:     usage,
		Tools:     tools,
	})
}

func (s *turnState) handle(msg *claudecode.CLIMessage) {
	s.pulse()
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		s.handleSystem(msg)
	case claudecode.MessageTypeAssistant:
		s.handleAssistant(msg)
	case claudecode.MessageTypeUser:
		s.handleUser(msg)
	case claudecode.MessageTypeResult:
		s.handleResult(msg)
	}
}

// handleSystem captures the session id from the first system.init record
// only; later records never overwrite it (spec §4.3).
func (s *turnState) handleSystem(msg *claudecode.CLIMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" && msg.SessionID != "" {
		s.sessionID = msg.SessionID
	}
}

func (s *turnState) handleAssistant(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			s.flushToolGroup()
			s.mu.Lock()
			s.fullText.WriteString(block.Text)
			s.mu.Unlock()
			var usage *domain.Usage
			if msg.Message.Usage != nil {
				u := usageFromWire(msg.Message.Usage)
				s.addUsage(u)
				usage = &u
			}
			s.emit(domain.KindAssistantResponse, block.Text, usage, nil)
		case "tool_use":
			s.mu.Lock()
			if s.pendingTool == nil {
				s.pendingTool = make(map[string]*domain.ToolCall)
			}
			tc := &domain.ToolCall{Name: block.Name, Input: block.Input}
			s.pendingTool[block.ID] = tc
			s.groupOrder = append(s.groupOrder, tc)
			s.mu.Unlock()
		}
	}
}

// handleUser processes tool_result content blocks; plain string content
// (slash-command echo) is dropped per spec §4.6.
func (s *turnState) handleUser(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	if text := msg.Message.GetContentString(); text != "" {
		return
	}
	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != "tool_result" {
			continue
		}
		s.mu.Lock()
		tc, ok := s.pendingTool[block.ToolUseID]
		if ok {
			tc.Result = block.Content
			tc.IsError = block.IsError
			delete(s.pendingTool, block.ToolUseID)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		// A tool_result with no matching tool_use in this run stands alone.
		s.emit(domain.KindToolResult, block.Content, nil, []domain.ToolCall{{
			Result: block.Content, IsError: block.IsError,
		}})
	}
}

func (s *turnState) handleResult(msg *claudecode.CLIMessage) {
	s.flushToolGroup()

	s.mu.Lock()
	if s.sessionID == "" {
		if data := msg.GetResultData(); data != nil && data.SessionID != "" {
			s.sessionID = data.SessionID
		}
	}
	s.usage.Cost += msg.CostUSD
	s.usage.DurationMS += msg.DurationMS
	s.mu.Unlock()
}

// flushToolGroup emits the accumulated contiguous tool_use run as a single
// TOOL_GROUP interaction (spec §4.6); a no-op if nothing is pending.
func (s *turnState) flushToolGroup() {
	s.mu.Lock()
	if len(s.groupOrder) == 0 {
		s.mu.Unlock()
		return
	}
	tools := make([]domain.ToolCall, len(s.groupOrder))
	for i, tc := range s.groupOrder {
		tools[i] = *tc
	}
	s.groupOrder = nil
	s.pendingTool = make(map[string]*domain.ToolCall)
	s.mu.Unlock()

	var names []string
	for _, t := range tools {
		names = append(names, t.Name)
	}
	s.emit(domain.KindToolGroup, strings.Join(names, ", "), nil, tools)
}

func (s *turnState) flush() {
	s.flushToolGroup()
}

func (s *turnState) addUsage(u domain.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
	s.usage.CacheCreationTokens += u.CacheCreationTokens
	s.usage.CacheReadTokens += u.CacheReadTokens
}

func usageFromWire(u *claudecode.Usage) domain.Usage {
	return domain.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}
