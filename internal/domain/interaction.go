package domain

import "time"

// InteractionKind identifies the kind of a conversation turn (spec §3).
type InteractionKind string

const (
	KindUserRequest      InteractionKind = "USER_REQUEST"
	KindAssistantResponse InteractionKind = "ASSISTANT_RESPONSE"
	KindSimulatedHuman   InteractionKind = "SIMULATED_HUMAN"
	KindToolResult       InteractionKind = "TOOL_RESULT"
	KindToolGroup        InteractionKind = "TOOL_GROUP"
	KindSystemMessage    InteractionKind = "SYSTEM_MESSAGE"
)

// Attachment is an inline image attached to a turn.
type Attachment struct {
	Base64    string `json:"base64"`
	MediaType string `json:"media_type"`
}

// Usage holds token/cost accounting for an assistant turn (spec §3).
type Usage struct {
	InputTokens         int64   `json:"input_tokens,omitempty"`
	OutputTokens        int64   `json:"output_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	Cost                float64 `json:"cost,omitempty"`
	DurationMS          int64   `json:"duration_ms,omitempty"`
}

// ToolCall is one tool invocation grouped into a TOOL_GROUP interaction.
type ToolCall struct {
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Interaction is one turn in a task's conversation log (spec §3).
type Interaction struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Kind      InteractionKind `json:"kind"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`

	Usage *Usage `json:"usage,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Tools       []ToolCall   `json:"tools,omitempty"`
}
