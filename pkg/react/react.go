// Package react drives the reason-act-observe loop for a single turn:
// call the model, execute any requested tools, feed the observations
// back, repeat until the model stops or the iteration budget runs out.
package react

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/internal/tracing"
	"github.com/fikri/lumen/pkg/executor"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/store"
	"github.com/rs/zerolog"
)

// DefaultMaxIterations bounds reason-act cycles within one turn
const DefaultMaxIterations = 10

// Phase identifies where the loop is within an iteration
type Phase string

const (
	PhaseReasoning Phase = "reasoning"
	PhaseActing    Phase = "acting"
	PhaseObserving Phase = "observing"
)

// ToolRunner executes a batch of tool calls. Satisfied by
// *executor.Executor; the coordinator wraps it to intercept
// category activation.
type ToolRunner interface {
	ExecuteBatch(ctx context.Context, conversationID string, calls []llm.ToolCall) []executor.Result
}

// Listener observes phase transitions within a turn. Implementations
// must not block.
type Listener interface {
	OnPhase(phase Phase, detail string)
}

// Loop runs turns against an LLM client and a tool runner
type Loop struct {
	client        llm.Client
	runner        ToolRunner
	store         store.Store
	logger        zerolog.Logger
	maxIterations int
}

// Config holds loop configuration
type Config struct {
	Client llm.Client
	Runner ToolRunner
	Store  store.Store
	Logger zerolog.Logger

	// MaxIterations falls back to DefaultMaxIterations when zero or
	// negative.
	MaxIterations int
}

// Params describes a single turn
type Params struct {
	ConversationID string
	Model          string
	Temperature    float64
	MaxTokens      int

	// Messages is the assembled context for the turn: system prompt,
	// history, and the triggering user message.
	Messages []llm.Message

	// Tools is re-evaluated every iteration so that activation changes
	// made mid-turn become visible on the next reasoning step.
	Tools func() []llm.ToolSpec

	// Inject drains externally queued messages. It is called only at
	// iteration boundaries; messages arriving mid-iteration wait for
	// the next one.
	Inject func() []llm.Message

	// MaxIterations overrides the loop's configured cap for this turn
	// when positive.
	MaxIterations int

	Listener Listener
}

// Outcome is the result of a completed turn
type Outcome struct {
	Content    string
	Usage      llm.Usage
	Iterations int
	ToolCalls  []llm.ToolCall
}

// New creates a new loop
func New(cfg Config) (*Loop, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("message store is required")
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	return &Loop{
		client:        cfg.Client,
		runner:        cfg.Runner,
		store:         cfg.Store,
		logger:        cfg.Logger.With().Str("component", "react").Logger(),
		maxIterations: maxIterations,
	}, nil
}

// Run executes one turn to completion. A returned error is terminal for
// the turn: transport failures, protocol violations, the iteration
// limit, or cancellation. Tool-level failures never surface here; they
// are fed back to the model as observations.
func (l *Loop) Run(ctx context.Context, params Params) (Outcome, error) {
	logger := tracing.LoggerFromContext(ctx, l.logger).With().
		Str("conversation_id", params.ConversationID).
		Str("model", params.Model).
		Logger()

	maxIterations := l.maxIterations
	if params.MaxIterations > 0 {
		maxIterations = params.MaxIterations
	}

	start := time.Now()
	transcript := append([]llm.Message{}, params.Messages...)

	var usage llm.Usage
	var allToolCalls []llm.ToolCall

	for iteration := 1; iteration <= maxIterations; iteration++ {
		// Drain injected messages at the boundary, before reasoning,
		// so the model sees them on this iteration.
		if params.Inject != nil {
			for _, msg := range params.Inject() {
				transcript = append(transcript, msg)
				l.persist(ctx, logger, params.ConversationID, msg)
			}
		}

		select {
		case <-ctx.Done():
			observability.RecordTurn("cancelled", time.Since(start), iteration)
			return Outcome{}, ctx.Err()
		default:
		}

		l.notify(params.Listener, PhaseReasoning, "")
		logger.Debug().Int("iteration", iteration).Msg("Calling model")

		response, err := l.client.Complete(ctx, llm.Request{
			Model:       params.Model,
			Messages:    transcript,
			Tools:       params.Tools(),
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				observability.RecordTurn("cancelled", time.Since(start), iteration)
				return Outcome{}, ctx.Err()
			}
			observability.RecordTurn("transport_error", time.Since(start), iteration)
			return Outcome{}, &TransportError{Err: err}
		}

		usage.PromptTokens += response.Usage.PromptTokens
		usage.CompletionTokens += response.Usage.CompletionTokens
		usage.TotalTokens += response.Usage.TotalTokens

		if len(response.Choices) == 0 {
			observability.RecordTurn("protocol_violation", time.Since(start), iteration)
			return Outcome{}, &ProtocolError{Reason: "response contains no choices"}
		}

		choice := response.Choices[0]
		assistant := choice.Message

		if choice.FinishReason != llm.FinishToolCalls {
			// A stop with messages queued behind it is not terminal:
			// the answer becomes an intermediate assistant message and
			// the queued turns keep the loop going.
			if params.Inject != nil {
				if injected := params.Inject(); len(injected) > 0 {
					l.persist(ctx, logger, params.ConversationID, assistant)
					transcript = append(transcript, assistant)
					for _, msg := range injected {
						transcript = append(transcript, msg)
						l.persist(ctx, logger, params.ConversationID, msg)
					}
					logger.Debug().
						Int("iteration", iteration).
						Int("injected", len(injected)).
						Msg("Continuing past stop for injected messages")
					continue
				}
			}

			if strings.TrimSpace(assistant.Content) == "" {
				observability.RecordTurn("protocol_violation", time.Since(start), iteration)
				reason := "model stopped with blank content"
				if choice.FinishReason != llm.FinishStop {
					reason = fmt.Sprintf("unrecognized finish signal %q with no content", choice.FinishReason)
				}
				return Outcome{}, &ProtocolError{Reason: reason}
			}

			// Unknown finish reasons are treated as stop; the adapters
			// normalize everything else away.
			l.persist(ctx, logger, params.ConversationID, assistant)
			observability.RecordTurn("ok", time.Since(start), iteration)

			logger.Info().
				Int("iterations", iteration).
				Int("tool_calls", len(allToolCalls)).
				Int("total_tokens", usage.TotalTokens).
				Msg("Turn completed")

			return Outcome{
				Content:    assistant.Content,
				Usage:      usage,
				Iterations: iteration,
				ToolCalls:  allToolCalls,
			}, nil
		}

		if len(assistant.ToolCalls) == 0 {
			observability.RecordTurn("protocol_violation", time.Since(start), iteration)
			return Outcome{}, &ProtocolError{Reason: "finish signaled tool_calls but no tool_calls were supplied"}
		}

		l.persist(ctx, logger, params.ConversationID, assistant)
		transcript = append(transcript, assistant)

		l.notify(params.Listener, PhaseActing, toolNames(assistant.ToolCalls))

		// The runner persists one tool-role record per call; the
		// in-memory transcript carries the full observation.
		results := l.runner.ExecuteBatch(ctx, params.ConversationID, assistant.ToolCalls)

		l.notify(params.Listener, PhaseObserving, "")

		for _, result := range results {
			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    result.Observation(),
				ToolCallID: result.Call.ID,
				Name:       result.Call.Function.Name,
			})
		}

		allToolCalls = append(allToolCalls, assistant.ToolCalls...)
	}

	observability.RecordTurn("iteration_limit", time.Since(start), maxIterations)
	return Outcome{}, &IterationLimitError{Limit: maxIterations}
}

func (l *Loop) persist(ctx context.Context, logger zerolog.Logger, conversationID string, msg llm.Message) {
	if err := l.store.Insert(ctx, store.NewRecord(conversationID, msg)); err != nil {
		logger.Error().Err(err).Str("role", string(msg.Role)).Msg("Failed to persist message")
	}
}

func (l *Loop) notify(listener Listener, phase Phase, detail string) {
	if listener != nil {
		listener.OnPhase(phase, detail)
	}
}

func toolNames(calls []llm.ToolCall) string {
	names := ""
	for i, call := range calls {
		if i > 0 {
			names += ","
		}
		names += call.Function.Name
	}
	return names
}
