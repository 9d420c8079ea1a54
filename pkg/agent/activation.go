package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fikri/lumen/pkg/executor"
	"github.com/fikri/lumen/pkg/llm"
	"github.com/fikri/lumen/pkg/registry"
	"github.com/fikri/lumen/pkg/store"
)

// ActivateCategoryTool is the reserved tool name the coordinator
// intercepts. It never reaches the executor; the registry refuses
// plugin tools under this name.
const ActivateCategoryTool = registry.ReservedToolName

// toolSpecs builds the tool view for an iteration: always-visible tools
// plus activated categories, intersected with the turn's allow-list,
// with the activation tool appended whenever hidden categories remain.
func (c *Coordinator) toolSpecs(conversationID string, allowList []string) []llm.ToolSpec {
	activated := c.ActivatedCategories(conversationID)
	visible := c.registry.Visible(activated, allowList)
	specs := registry.Specs(visible)

	if spec, ok := c.activationSpec(activated); ok {
		specs = append(specs, spec)
	}
	return specs
}

// activationSpec describes the activation tool, enumerating the
// categories still hidden. Absent when nothing is left to activate.
func (c *Coordinator) activationSpec(activated []string) (llm.ToolSpec, bool) {
	activatedSet := make(map[string]bool, len(activated))
	for _, cat := range activated {
		activatedSet[cat] = true
	}

	var hidden []string
	for _, cat := range c.registry.Categories() {
		if !activatedSet[cat] {
			hidden = append(hidden, cat)
		}
	}
	if len(hidden) == 0 {
		return llm.ToolSpec{}, false
	}
	sort.Strings(hidden)

	return llm.ToolSpec{
		Type: "function",
		Function: llm.FunctionSpec{
			Name: ActivateCategoryTool,
			Description: fmt.Sprintf(
				"Activate a tool category to make its tools available for the rest of this conversation. Available categories: %s",
				strings.Join(hidden, ", ")),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{
						"type":        "string",
						"description": "The category to activate",
						"enum":        hidden,
					},
				},
				"required": []string{"category"},
			},
		},
	}, true
}

// categoryRunner is the tool runner the loop executes against. It
// intercepts the reserved activation tool and delegates everything else
// to the real executor, preserving call order.
type categoryRunner struct {
	coord *Coordinator
}

func (r *categoryRunner) ExecuteBatch(ctx context.Context, conversationID string, calls []llm.ToolCall) []executor.Result {
	results := make([]executor.Result, 0, len(calls))
	for _, call := range calls {
		r.coord.publish(StateEvent{
			ConversationID: conversationID,
			State:          StateExecutingTool,
			Tool:           call.Function.Name,
			Timestamp:      time.Now().UTC(),
		})

		if call.Function.Name == ActivateCategoryTool {
			results = append(results, r.coord.activateCategory(ctx, conversationID, call))
			continue
		}
		results = append(results, r.coord.executor.Execute(ctx, conversationID, call))
	}
	return results
}

// activateCategory handles an intercepted activation call. Activation
// is sticky: the category stays active for the conversation until
// Cleanup. Like any tool call it persists exactly one tool-role record.
func (c *Coordinator) activateCategory(ctx context.Context, conversationID string, call llm.ToolCall) executor.Result {
	result := c.applyActivation(conversationID, call)

	content := result.Observation()
	record := store.NewRecord(conversationID, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	})
	if err := c.store.Insert(ctx, record); err != nil {
		c.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist activation record")
	}

	return result
}

func (c *Coordinator) applyActivation(conversationID string, call llm.ToolCall) executor.Result {
	var args struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return executor.Result{Call: call, Err: fmt.Errorf("Invalid JSON arguments: %v", err)}
	}
	if args.Category == "" {
		return executor.Result{Call: call, Err: fmt.Errorf("category is required")}
	}

	known := false
	for _, cat := range c.registry.Categories() {
		if cat == args.Category {
			known = true
			break
		}
	}
	if !known {
		return executor.Result{Call: call, Err: fmt.Errorf("unknown category: %s", args.Category)}
	}

	c.activationsMu.Lock()
	if c.activations[conversationID] == nil {
		c.activations[conversationID] = make(map[string]bool)
	}
	alreadyActive := c.activations[conversationID][args.Category]
	c.activations[conversationID][args.Category] = true
	c.activationsMu.Unlock()

	c.logger.Info().
		Str("conversation_id", conversationID).
		Str("category", args.Category).
		Msg("Category activated")

	if alreadyActive {
		return executor.Result{Call: call, Output: fmt.Sprintf("Category %q is already active.", args.Category)}
	}
	return executor.Result{
		Call:   call,
		Output: fmt.Sprintf("Activated category %q. Its tools are now available.", args.Category),
	}
}
