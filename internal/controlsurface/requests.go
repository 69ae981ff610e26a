// Package controlsurface implements component K: a thin gin-based facade
// over the task executor (spec §6). It owns no state of its own — every
// operation validates shape, then delegates to executor.Executor.
package controlsurface

import "github.com/phillipcheng/claude-task-automation-server/internal/domain"

// CreateTaskRequest is the body of POST /tasks (spec §6 create(task)).
type CreateTaskRequest struct {
	Name           string                     `json:"name" binding:"required"`
	Owner          string                     `json:"owner" binding:"required"`
	Description    string                     `json:"description"`
	ProjectContext string                     `json:"project_context,omitempty"`
	Projects       []domain.ProjectAttachment `json:"projects,omitempty"`
	RootPath       string                     `json:"root_path" binding:"required"`
	BaseBranch     string                     `json:"base_branch" binding:"required"`
	Branch         string                     `json:"branch,omitempty"`
	Criteria       string                     `json:"criteria,omitempty"`
	MaxIterations  int                        `json:"max_iterations"`
	MaxTokens      *int64                     `json:"max_tokens,omitempty"`
	ChatMode       bool                       `json:"chat_mode,omitempty"`
}

// SendInputRequest is the body of POST /tasks/:name/input (spec §6 send_input).
type SendInputRequest struct {
	Text   string   `json:"text" binding:"required"`
	Images []string `json:"images,omitempty"`
}

// RecoverRequest is the body of POST /tasks/:name/recover (spec §6 recover).
type RecoverRequest struct {
	MaxIterations int    `json:"max_iterations,omitempty"`
	MaxTokens     *int64 `json:"max_tokens,omitempty"`
}

// TaskResponse is the wire shape of a Task returned by control operations.
type TaskResponse struct {
	ID                 string                     `json:"id"`
	Name               string                     `json:"name"`
	Owner              string                     `json:"owner"`
	Description        string                     `json:"description"`
	Status             domain.Status              `json:"status"`
	RootPath           string                     `json:"root_path"`
	Branch             string                     `json:"branch"`
	BaseBranch         string                     `json:"base_branch"`
	WorktreePath       string                     `json:"worktree_path,omitempty"`
	AssistantSessionID string                     `json:"assistant_session_id,omitempty"`
	Projects           []domain.ProjectAttachment `json:"projects,omitempty"`
	CriteriaConfig     domain.CriteriaConfig      `json:"criteria_config"`
	TotalTokensUsed    int64                      `json:"total_tokens_used"`
	InteractionCount   int                        `json:"interaction_count"`
	UserInputPending   bool                       `json:"user_input_pending"`
	ChatMode           bool                       `json:"chat_mode"`
	Summary            string                     `json:"summary,omitempty"`
	ErrorMessage       string                     `json:"error_message,omitempty"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		Name:               t.Name,
		Owner:              t.Owner,
		Description:        t.Description,
		Status:             t.Status,
		RootPath:           t.RootPath,
		Branch:             t.Branch,
		BaseBranch:         t.BaseBranch,
		WorktreePath:       t.WorktreePath,
		AssistantSessionID: t.AssistantSessionID,
		Projects:           t.Projects,
		CriteriaConfig:     t.CriteriaConfig,
		TotalTokensUsed:    t.TotalTokensUsed,
		InteractionCount:   t.InteractionCount,
		UserInputPending:   t.UserInputPending,
		ChatMode:           t.ChatMode,
		Summary:            t.Summary,
		ErrorMessage:       t.ErrorMessage,
	}
}

// InteractionResponse is the wire shape of a transcript entry.
type InteractionResponse struct {
	ID        string                   `json:"id"`
	Kind      domain.InteractionKind   `json:"kind"`
	Content   string                   `json:"content"`
	Timestamp string                   `json:"timestamp"`
	Usage     *domain.Usage            `json:"usage,omitempty"`
	Tools     []domain.ToolCall        `json:"tools,omitempty"`
}

func interactionToResponse(ia *domain.Interaction) InteractionResponse {
	return InteractionResponse{
		ID:        ia.ID,
		Kind:      ia.Kind,
		Content:   ia.Content,
		Timestamp: ia.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Usage:     ia.Usage,
		Tools:     ia.Tools,
	}
}

// TranscriptResponse is the body of GET /tasks/:name/transcript.
type TranscriptResponse struct {
	Interactions []InteractionResponse `json:"interactions"`
	Total        int                   `json:"total"`
}
