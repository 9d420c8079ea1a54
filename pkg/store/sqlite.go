package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/pkg/llm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists message records in a local SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) a message database at path
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			tool_name TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Message store opened")

	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Insert appends a message record
func (s *SQLiteStore) Insert(ctx context.Context, record MessageRecord) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreInsert(time.Since(start))
	}()

	if record.Role == "" {
		return fmt.Errorf("record role cannot be empty")
	}
	if record.ConversationID == "" {
		return fmt.Errorf("record conversation id cannot be empty")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var toolCalls any
	if len(record.ToolCalls) > 0 {
		data, err := json.Marshal(record.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ConversationID, record.Role, record.Content,
		toolCalls, nullable(record.ToolCallID), nullable(record.ToolName), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	s.logger.Debug().
		Str("conversation_id", record.ConversationID).
		Str("role", record.Role).
		Msg("Message persisted")

	return nil
}

// Load returns all records for a conversation in insertion order. It is
// not part of the engine's Store contract; callers use it to seed
// history before a turn.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var record MessageRecord
		var toolCalls, toolCallID, toolName sql.NullString

		if err := rows.Scan(&record.ID, &record.ConversationID, &record.Role, &record.Content,
			&toolCalls, &toolCallID, &toolName, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if toolCalls.Valid && toolCalls.String != "" {
			var calls []llm.ToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err != nil {
				s.logger.Warn().Err(err).Str("id", record.ID).Msg("Skipping malformed tool calls")
			} else {
				record.ToolCalls = calls
			}
		}
		record.ToolCallID = toolCallID.String
		record.ToolName = toolName.String

		records = append(records, record)
	}

	return records, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
