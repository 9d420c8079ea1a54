package react

import "fmt"

// TransportError wraps a failure to reach the model provider. The turn
// ends; nothing is fed back to the model.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a model response that violates the tool-calling
// contract, such as a tool_calls finish with no tool calls attached.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// IterationLimitError reports a turn that never produced a stop finish
// within the iteration budget.
type IterationLimitError struct {
	Limit int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("Max iterations (%d) reached without completion", e.Limit)
}
