package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/internal/tracing"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/store"
)

// keepRecent is the number of trailing non-system messages preserved
// verbatim when the conversation is summarized.
const keepRecent = 10

const summaryPrompt = "Summarize the following conversation concisely. " +
	"Preserve facts, decisions, user preferences, and any unfinished tasks. " +
	"Respond with the summary only."

// summaryRecordName tags the meta record holding a persisted summary;
// context assembly replays history from the latest such record.
const summaryRecordName = "summary"

// summaryPreamble introduces a replayed summary to the model
const summaryPreamble = "Summary of the earlier conversation:\n\n"

// summarizeIfNeeded compacts the assembled context once its estimated
// token count crosses the configured fraction of the model's context
// window. The summary replaces the older span; the most recent messages
// survive verbatim.
func (c *Coordinator) summarizeIfNeeded(ctx context.Context, conversationID, model string, messages []llm.Message) []llm.Message {
	window := c.settings.Models.ContextWindow(model)
	threshold := int(float64(window) * c.settings.Models.SummarizeAt)

	tokens := llm.EstimateTokens(messages)
	if tokens < threshold {
		return messages
	}

	logger := tracing.LoggerFromContext(ctx, c.logger).With().
		Str("conversation_id", conversationID).
		Logger()
	logger.Info().
		Int("estimated_tokens", tokens).
		Int("threshold", threshold).
		Msg("Context window filling, summarizing conversation")

	var system, conversation []llm.Message
	for _, msg := range messages {
		// A summary replayed from an earlier compaction is folded into
		// the next one instead of surviving as a second system message.
		if msg.Role == llm.RoleSystem && !strings.HasPrefix(msg.Content, summaryPreamble) {
			system = append(system, msg)
		} else {
			conversation = append(conversation, msg)
		}
	}

	if len(conversation) <= keepRecent {
		return messages
	}

	recent := conversation[len(conversation)-keepRecent:]

	// The persisted record stands in for every record written before
	// it, so the summary covers the retained tail too; only the
	// triggering prompt, persisted after the record, is left out.
	covered := conversation[:len(conversation)-1]

	summary := c.summarize(ctx, model, covered)
	if summary == "" {
		// Model-backed summarization failed; a counting placeholder
		// still bounds the context.
		summary = fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", len(covered))
	}

	summaryMsg := llm.Message{
		Role:    llm.RoleSystem,
		Content: summaryPreamble + summary,
	}

	record := store.NewRecord(conversationID, llm.Message{
		Role:    llm.RoleMeta,
		Content: summary,
		Name:    summaryRecordName,
	})
	if err := c.store.Insert(ctx, record); err != nil {
		logger.Error().Err(err).Msg("Failed to persist summary record")
	}

	observability.RecordSummarization()

	compacted := append([]llm.Message{}, system...)
	compacted = append(compacted, summaryMsg)
	compacted = append(compacted, recent...)
	return compacted
}

// summarize asks the model for a summary of the older span. Returns ""
// on any failure; the caller falls back to a placeholder.
func (c *Coordinator) summarize(ctx context.Context, model string, older []llm.Message) string {
	transcript := ""
	for _, msg := range older {
		if msg.Content == "" {
			continue
		}
		transcript += fmt.Sprintf("%s: %s\n", msg.Role, msg.Content)
	}

	response, err := c.client.Complete(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryPrompt},
			{Role: llm.RoleUser, Content: transcript},
		},
		MaxTokens: 1024,
	})
	if err != nil || len(response.Choices) == 0 {
		c.logger.Warn().Err(err).Msg("Summarization call failed")
		return ""
	}

	return response.Choices[0].Message.Content
}
