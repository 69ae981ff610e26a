// Package domain defines the Task, Interaction, and Project entities that
// the task engine's components operate on (spec §3).
package domain

import "time"

// Status is a task's lifecycle state (spec §3, §4.8).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusStopped   Status = "STOPPED"
	StatusTesting   Status = "TESTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusFinished  Status = "FINISHED"
	StatusExhausted Status = "EXHAUSTED"
)

// Active reports whether a status counts as an active task (spec §3, GLOSSARY).
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusTesting:
		return true
	default:
		return false
	}
}

// Terminal reports whether a status is terminal (spec §3, GLOSSARY).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFinished, StatusExhausted:
		return true
	default:
		return false
	}
}

// ProjectAccess is the access mode of a project attachment (spec §3).
type ProjectAccess string

const (
	AccessRead  ProjectAccess = "read"
	AccessWrite ProjectAccess = "write"
)

// ProjectAttachment is one entry of a task's ordered projects sequence.
type ProjectAttachment struct {
	Name    string        `json:"name"`
	Path    string        `json:"path"`
	Access  ProjectAccess `json:"access"`
	Context string        `json:"context,omitempty"`
}

// InputEntry is one entry of a task's user_input_queue (component F).
type InputEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Images    []string  `json:"images,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
}

// CriteriaConfig holds the resource envelope and optional success criterion
// for a task (spec §3).
type CriteriaConfig struct {
	Criteria      string `json:"criteria,omitempty"`
	MaxIterations int    `json:"max_iterations"`
	MaxTokens     *int64 `json:"max_tokens,omitempty"`
	Warning       string `json:"warning,omitempty"`
	// Extra preserves unknown fields for forward compatibility (spec §9
	// duck-typed configuration note); never interpreted by the core.
	Extra map[string]any `json:"extra,omitempty"`
}

// Task is a single automation unit (spec §3).
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`

	Description    string              `json:"description"`
	ProjectContext string              `json:"project_context"`
	Projects       []ProjectAttachment `json:"projects,omitempty"`

	RootPath           string `json:"root_path"`
	Branch             string `json:"branch"`
	BaseBranch         string `json:"base_branch"`
	WorktreePath       string `json:"worktree_path,omitempty"`
	AssistantSessionID string `json:"assistant_session_id,omitempty"`

	Status                     Status `json:"status"`
	SubprocessID               string `json:"subprocess_id,omitempty"`
	ImmediateProcessingActive  bool   `json:"immediate_processing_active"`

	CriteriaConfig  CriteriaConfig `json:"criteria_config"`
	TotalTokensUsed int64          `json:"total_tokens_used"`
	InteractionCount int           `json:"interaction_count"`

	UserInputQueue   []InputEntry `json:"user_input_queue"`
	UserInputPending bool         `json:"user_input_pending"`

	ChatMode bool `json:"chat_mode"`

	Summary      string     `json:"summary,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// generation is an internal optimistic-concurrency counter used by
	// storage.Gateway.Mutate to detect concurrent writers; not part of the
	// persisted JSON contract clients observe.
	generation int64
}

// Generation returns the task's internal optimistic-concurrency counter.
func (t *Task) Generation() int64 { return t.generation }

// SetGeneration sets the task's internal optimistic-concurrency counter.
// Storage backends call this after a successful write; callers never set it.
func (t *Task) SetGeneration(g int64) { t.generation = g }

// RecomputeUserInputPending recomputes UserInputPending from the queue
// (spec §3 invariant: user_input_pending = ∃ e : ¬e.processed).
func (t *Task) RecomputeUserInputPending() {
	for _, e := range t.UserInputQueue {
		if !e.Processed {
			t.UserInputPending = true
			return
		}
	}
	t.UserInputPending = false
}

// WorkspaceKey identifies the (root_path, branch) pair that must be unique
// across active tasks (spec §3 invariant, spec §8 property 1).
type WorkspaceKey struct {
	RootPath string
	Branch   string
}

// Key returns the task's workspace key.
func (t *Task) Key() WorkspaceKey {
	return WorkspaceKey{RootPath: t.RootPath, Branch: t.Branch}
}
