// Package store persists conversation message records. The execution
// engine only ever appends through it; history replay is seeded by the
// caller before a turn begins.
package store

import (
	"context"
	"time"

	"github.com/fikri/lumen/pkg/llm"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MessageRecord is the durable form of a conversational message
type MessageRecord struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ToolCalls      []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store is a durable, append-only message sink
type Store interface {
	// Insert appends a record; the engine never reads back through this
	// interface.
	Insert(ctx context.Context, record MessageRecord) error
}

// NewRecord builds a record from a message, assigning an id and timestamp
func NewRecord(conversationID string, msg llm.Message) MessageRecord {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the system entropy source does;
		// fall back to a timestamp-derived id.
		id = time.Now().UTC().Format("20060102150405.000000000")
	}

	return MessageRecord{
		ID:             id,
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		ToolCalls:      msg.ToolCalls,
		ToolCallID:     msg.ToolCallID,
		ToolName:       msg.Name,
		CreatedAt:      time.Now().UTC(),
	}
}
