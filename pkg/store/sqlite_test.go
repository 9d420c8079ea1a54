package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fikri/lumen/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "messages.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_InsertAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := NewRecord("conv-1", llm.Message{Role: llm.RoleUser, Content: "hello"})
	second := NewRecord("conv-1", llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "echo", Arguments: `{"text":"hi"}`},
		}},
	})
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	third := NewRecord("conv-1", llm.Message{
		Role:       llm.RoleTool,
		Content:    "hi",
		ToolCallID: "c1",
		Name:       "echo",
	})
	third.CreatedAt = first.CreatedAt.Add(2 * time.Millisecond)

	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.Insert(ctx, second))
	require.NoError(t, s.Insert(ctx, third))

	records, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, llm.RoleUser, records[0].Role)
	assert.Equal(t, "hello", records[0].Content)

	require.Len(t, records[1].ToolCalls, 1)
	assert.Equal(t, "echo", records[1].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"text":"hi"}`, records[1].ToolCalls[0].Function.Arguments)

	assert.Equal(t, "c1", records[2].ToolCallID)
	assert.Equal(t, "echo", records[2].ToolName)
}

func TestSQLiteStore_Insert_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Insert(ctx, MessageRecord{ID: "x", ConversationID: "conv-1"})
	assert.Error(t, err)

	err = s.Insert(ctx, MessageRecord{ID: "x", Role: llm.RoleUser})
	assert.Error(t, err)
}

func TestSQLiteStore_Load_ConversationsIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, NewRecord("conv-1", llm.Message{Role: llm.RoleUser, Content: "one"})))
	require.NoError(t, s.Insert(ctx, NewRecord("conv-2", llm.Message{Role: llm.RoleUser, Content: "two"})))

	records, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "one", records[0].Content)

	records, err = s.Load(ctx, "conv-3")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNewRecord(t *testing.T) {
	record := NewRecord("conv-1", llm.Message{
		Role:       llm.RoleTool,
		Content:    "output",
		ToolCallID: "c1",
		Name:       "echo",
	})

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "conv-1", record.ConversationID)
	assert.Equal(t, llm.RoleTool, record.Role)
	assert.Equal(t, "c1", record.ToolCallID)
	assert.Equal(t, "echo", record.ToolName)
	assert.False(t, record.CreatedAt.IsZero())

	// Ids are unique across records
	other := NewRecord("conv-1", llm.Message{Role: llm.RoleUser})
	assert.NotEqual(t, record.ID, other.ID)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, NewRecord("conv-1", llm.Message{Role: llm.RoleUser, Content: "a"})))
	require.NoError(t, s.Insert(ctx, NewRecord("conv-1", llm.Message{Role: llm.RoleAssistant, Content: "b"})))

	assert.Equal(t, 2, s.Count("conv-1"))
	assert.Equal(t, 0, s.Count("conv-2"))

	records, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Content)
	assert.Equal(t, "b", records[1].Content)
}
