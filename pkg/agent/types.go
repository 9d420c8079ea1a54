package agent

import (
	"time"

	"github.com/fikri/lumen/pkg/llm"
)

// State is the externally visible execution state of a conversation
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateExecutingTool State = "executing_tool"
	StateDone          State = "done"
	StateError         State = "error"
	StateCancelled     State = "cancelled"
)

// StateEvent is published to subscribers on every state transition
type StateEvent struct {
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	Tool           string    `json:"tool,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RunParams describes a single requested turn
type RunParams struct {
	ConversationID string
	Prompt         string
	SystemPrompt   string

	// Model falls back to the configured default when empty.
	Model       string
	Temperature float64
	MaxTokens   int

	// MaxIterations overrides the configured loop cap for this turn
	// when positive.
	MaxIterations int

	// Media holds attachment references forwarded with the prompt.
	Media []string

	// History seeds the turn's context directly instead of replaying
	// the store. Nil means load persisted history.
	History []llm.Message

	// AllowedTools restricts the tool view for this turn. Nil means no
	// restriction; an empty non-nil slice denies every tool.
	AllowedTools []string
}

// TurnResult is the outcome of a completed turn
type TurnResult struct {
	ConversationID string
	Content        string
	Usage          llm.Usage
	Iterations     int
	ToolCalls      []llm.ToolCall
	Aborted        bool
}
