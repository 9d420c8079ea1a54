// Package agent coordinates turn execution for conversations: context
// assembly from persisted history, per-conversation tool category
// activation, state streaming, cooperative cancellation, and
// summarization when the context window fills up.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fikri/lumen/internal/config"
	"github.com/fikri/lumen/internal/observability"
	"github.com/fikri/lumen/internal/tracing"
	"github.com/fikri/lumen/pkg/commandqueue"
	"github.com/fikri/lumen/pkg/executor"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/react"
	"github.com/fikri/lumen/pkg/registry"
	"github.com/fikri/lumen/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// stateBufferSize bounds each subscriber channel; slow subscribers
// lose events rather than stall the run.
const stateBufferSize = 16

// ToolExecutor runs a single tool call. Satisfied by *executor.Executor.
type ToolExecutor interface {
	Execute(ctx context.Context, conversationID string, call llm.ToolCall) executor.Result
}

// History is the store contract the coordinator needs: appends plus
// history replay for context assembly.
type History interface {
	store.Store
	Load(ctx context.Context, conversationID string) ([]store.MessageRecord, error)
}

// Coordinator runs turns for conversations
type Coordinator struct {
	registry *registry.Registry
	executor ToolExecutor
	client   llm.Client
	store    History
	queue    *commandqueue.Queue
	logger   zerolog.Logger
	settings *config.Config

	loop *react.Loop

	// Per-conversation sticky category activations
	activations   map[string]map[string]bool
	activationsMu sync.RWMutex

	// Messages queued for injection at the next loop boundary
	injected   map[string][]llm.Message
	injectedMu sync.Mutex

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex

	// State subscribers per conversation
	subscribers map[string]map[int]chan StateEvent
	subSeq      int
	subMu       sync.RWMutex
}

// Config holds coordinator configuration
type Config struct {
	Registry *registry.Registry
	Executor ToolExecutor
	Client   llm.Client
	Store    History
	Queue    *commandqueue.Queue
	Logger   zerolog.Logger
	Settings *config.Config
}

// New creates a new coordinator
func New(cfg Config) (*Coordinator, error) {
	observability.EnsureRegistered()

	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultConfig()
	}

	c := &Coordinator{
		registry:    cfg.Registry,
		executor:    cfg.Executor,
		client:      cfg.Client,
		store:       cfg.Store,
		queue:       cfg.Queue,
		logger:      cfg.Logger.With().Str("component", "agent").Logger(),
		settings:    settings,
		activations: make(map[string]map[string]bool),
		injected:    make(map[string][]llm.Message),
		activeRuns:  make(map[string]context.CancelFunc),
		subscribers: make(map[string]map[int]chan StateEvent),
	}

	loop, err := react.New(react.Config{
		Client:        cfg.Client,
		Runner:        &categoryRunner{coord: c},
		Store:         cfg.Store,
		Logger:        cfg.Logger,
		MaxIterations: settings.Loop.MaxIterations,
	})
	if err != nil {
		return nil, err
	}
	c.loop = loop

	return c, nil
}

// Run executes one turn for a conversation. Turns for the same
// conversation are serialized on its lane; concurrent Run calls for
// one conversation queue up behind each other.
func (c *Coordinator) Run(ctx context.Context, params RunParams) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params.ConversationID == "" {
		return TurnResult{}, fmt.Errorf("conversation id is required")
	}
	if params.Prompt == "" {
		return TurnResult{}, fmt.Errorf("prompt is required")
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithConversationID(ctx, params.ConversationID)

	ctx, span := tracing.StartSpan(
		ctx,
		"lumen.agent",
		"agent.run",
		attribute.String("conversation_id", params.ConversationID),
	)
	defer span.End()

	if params.Model == "" {
		params.Model = c.settings.Models.Default
	}

	lane := commandqueue.ConversationLane(params.ConversationID)

	result, err := c.queue.Enqueue(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return c.executeTurn(taskCtx, params)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}

	return result.(TurnResult), nil
}

// Abort cancels the active run for a conversation, if any. The run
// winds down cooperatively; a stopped marker is persisted by the run
// itself once cancellation lands.
func (c *Coordinator) Abort(conversationID string) error {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()

	cancel, exists := c.activeRuns[conversationID]
	if !exists {
		c.logger.Debug().Str("conversation_id", conversationID).Msg("No active run to abort")
		return nil
	}

	c.logger.Info().Str("conversation_id", conversationID).Msg("Aborting run")
	cancel()
	delete(c.activeRuns, conversationID)

	return nil
}

// IsRunning reports whether a turn is executing for a conversation
func (c *Coordinator) IsRunning(conversationID string) bool {
	c.runsMu.RLock()
	defer c.runsMu.RUnlock()

	_, exists := c.activeRuns[conversationID]
	return exists
}

// Inject queues a message to be folded into the active turn at its next
// loop boundary. If no turn is active the message waits for the next one.
func (c *Coordinator) Inject(conversationID string, msg llm.Message) {
	c.injectedMu.Lock()
	defer c.injectedMu.Unlock()

	c.injected[conversationID] = append(c.injected[conversationID], msg)
}

// Subscribe returns a channel of state events for a conversation and a
// cancel function. Events are dropped rather than blocking when the
// subscriber falls behind.
func (c *Coordinator) Subscribe(conversationID string) (<-chan StateEvent, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscribers[conversationID] == nil {
		c.subscribers[conversationID] = make(map[int]chan StateEvent)
	}

	c.subSeq++
	id := c.subSeq
	ch := make(chan StateEvent, stateBufferSize)
	c.subscribers[conversationID][id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if subs := c.subscribers[conversationID]; subs != nil {
			if existing, ok := subs[id]; ok {
				delete(subs, id)
				close(existing)
			}
		}
	}

	return ch, cancel
}

// ActivatedCategories returns the sticky category activations for a
// conversation, sorted order not guaranteed.
func (c *Coordinator) ActivatedCategories(conversationID string) []string {
	c.activationsMu.RLock()
	defer c.activationsMu.RUnlock()

	cats := make([]string, 0, len(c.activations[conversationID]))
	for cat := range c.activations[conversationID] {
		cats = append(cats, cat)
	}
	return cats
}

// Cleanup releases all per-conversation state: activations, pending
// injections, subscribers, and the conversation's lane. Active runs
// are aborted first.
func (c *Coordinator) Cleanup(conversationID string) {
	_ = c.Abort(conversationID)

	c.activationsMu.Lock()
	delete(c.activations, conversationID)
	c.activationsMu.Unlock()

	c.injectedMu.Lock()
	delete(c.injected, conversationID)
	c.injectedMu.Unlock()

	c.subMu.Lock()
	for _, ch := range c.subscribers[conversationID] {
		close(ch)
	}
	delete(c.subscribers, conversationID)
	c.subMu.Unlock()

	c.queue.DropLane(commandqueue.ConversationLane(conversationID))

	c.logger.Debug().Str("conversation_id", conversationID).Msg("Conversation state cleaned up")
}

// executeTurn performs the actual turn execution on the lane
func (c *Coordinator) executeTurn(ctx context.Context, params RunParams) (TurnResult, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger).With().
		Str("conversation_id", params.ConversationID).
		Logger()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.runsMu.Lock()
	c.activeRuns[params.ConversationID] = cancel
	c.runsMu.Unlock()

	defer func() {
		c.runsMu.Lock()
		delete(c.activeRuns, params.ConversationID)
		c.runsMu.Unlock()
	}()

	c.publish(StateEvent{
		ConversationID: params.ConversationID,
		State:          StateThinking,
		Timestamp:      time.Now().UTC(),
	})

	messages, err := c.assembleContext(execCtx, params)
	if err != nil {
		c.publishTerminal(params.ConversationID, StateError, err.Error())
		return TurnResult{}, err
	}

	if err := c.store.Insert(execCtx, store.NewRecord(params.ConversationID, llm.Message{
		Role:    llm.RoleUser,
		Content: params.Prompt,
		Media:   params.Media,
	})); err != nil {
		logger.Error().Err(err).Msg("Failed to persist user message")
		c.publishTerminal(params.ConversationID, StateError, err.Error())
		return TurnResult{}, fmt.Errorf("failed to persist user message: %w", err)
	}

	outcome, err := c.loop.Run(execCtx, react.Params{
		ConversationID: params.ConversationID,
		Model:          params.Model,
		Temperature:    params.Temperature,
		MaxTokens:      params.MaxTokens,
		MaxIterations:  params.MaxIterations,
		Messages:       messages,
		Tools:          func() []llm.ToolSpec { return c.toolSpecs(params.ConversationID, params.AllowedTools) },
		Inject:         func() []llm.Message { return c.drainInjected(params.ConversationID) },
		Listener:       &stateListener{coord: c, conversationID: params.ConversationID},
	})

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Turn cancelled")
			c.persistStopped(params.ConversationID)
			c.publishTerminal(params.ConversationID, StateCancelled, "")
			return TurnResult{ConversationID: params.ConversationID, Aborted: true}, nil
		}

		logger.Error().Err(err).Msg("Turn failed")
		c.publishTerminal(params.ConversationID, StateError, err.Error())
		return TurnResult{}, err
	}

	c.publishTerminal(params.ConversationID, StateDone, "")

	return TurnResult{
		ConversationID: params.ConversationID,
		Content:        outcome.Content,
		Usage:          outcome.Usage,
		Iterations:     outcome.Iterations,
		ToolCalls:      outcome.ToolCalls,
	}, nil
}

// assembleContext builds the message list for a turn: system prompt,
// seeded or replayed history, and the triggering user message. Meta
// records are markers and never reach the model.
func (c *Coordinator) assembleContext(ctx context.Context, params RunParams) ([]llm.Message, error) {
	systemPrompt := params.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	if params.History != nil {
		for _, msg := range params.History {
			if msg.Role == llm.RoleMeta || msg.Role == llm.RoleSystem {
				continue
			}
			messages = append(messages, msg)
		}
	} else {
		records, err := c.store.Load(ctx, params.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}

		// The latest summary record stands in for everything before
		// it; only the records after it are replayed verbatim.
		lastSummary := -1
		for i, record := range records {
			if record.Role == llm.RoleMeta && record.ToolName == summaryRecordName {
				lastSummary = i
			}
		}
		if lastSummary >= 0 {
			messages = append(messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: summaryPreamble + records[lastSummary].Content,
			})
			records = records[lastSummary+1:]
		}

		for _, record := range records {
			if record.Role == llm.RoleMeta {
				continue
			}
			messages = append(messages, llm.Message{
				Role:       record.Role,
				Content:    record.Content,
				ToolCalls:  record.ToolCalls,
				ToolCallID: record.ToolCallID,
				Name:       record.ToolName,
			})
		}
	}

	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: params.Prompt,
		Media:   params.Media,
	})

	return c.summarizeIfNeeded(ctx, params.ConversationID, params.Model, messages), nil
}

func (c *Coordinator) drainInjected(conversationID string) []llm.Message {
	c.injectedMu.Lock()
	defer c.injectedMu.Unlock()

	pending := c.injected[conversationID]
	if len(pending) == 0 {
		return nil
	}
	delete(c.injected, conversationID)
	return pending
}

// persistStopped appends the marker recording that the turn was
// interrupted rather than completed.
func (c *Coordinator) persistStopped(conversationID string) {
	record := store.NewRecord(conversationID, llm.Message{
		Role:    llm.RoleMeta,
		Content: "stopped",
	})
	// The run context is already cancelled; persistence gets its own.
	if err := c.store.Insert(context.Background(), record); err != nil {
		c.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist stopped marker")
	}
}

func (c *Coordinator) publish(event StateEvent) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, ch := range c.subscribers[event.ConversationID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (c *Coordinator) publishTerminal(conversationID string, state State, detail string) {
	c.publish(StateEvent{
		ConversationID: conversationID,
		State:          state,
		Detail:         detail,
		Timestamp:      time.Now().UTC(),
	})
}

// stateListener maps loop phases to conversation states
type stateListener struct {
	coord          *Coordinator
	conversationID string
}

func (s *stateListener) OnPhase(phase react.Phase, detail string) {
	if phase != react.PhaseReasoning {
		return
	}
	s.coord.publish(StateEvent{
		ConversationID: s.conversationID,
		State:          StateThinking,
		Timestamp:      time.Now().UTC(),
	})
}
