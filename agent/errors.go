package agent

import "fmt"

// TokenDimension identifies which token counter tripped a budget check.
type TokenDimension string

const (
	DimensionPrompt     TokenDimension = "prompt"
	DimensionCompletion TokenDimension = "completion"
	DimensionTotal      TokenDimension = "total"
)

// DuplicateToolError reports a tool name registered twice, either among the
// local tools or when remote listings are merged into the registry.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("duplicate tool %q", e.Name)
}

// UnsupportedToolTypeError reports a model tool call whose type is not
// "function".
type UnsupportedToolTypeError struct {
	Type string
}

func (e *UnsupportedToolTypeError) Error() string {
	return fmt.Sprintf("unsupported tool call type %q", e.Type)
}

// ToolNotAvailableError reports a model tool call naming a tool absent from
// the registry.
type ToolNotAvailableError struct {
	Name string
}

func (e *ToolNotAvailableError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

// ToolExecutionError wraps a failure raised while running a tool: the
// callable itself, a hook, an argument schema violation, or a remote call.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// InvalidPromptInputError reports run input the agent's prompt configuration
// cannot render into a conversation.
type InvalidPromptInputError struct {
	Reason string
}

func (e *InvalidPromptInputError) Error() string {
	return fmt.Sprintf("invalid prompt input: %s", e.Reason)
}

// MaxTurnsExceededError reports a run that exhausted its turn budget before
// reaching a final response.
type MaxTurnsExceededError struct {
	Limit int
}

func (e *MaxTurnsExceededError) Error() string {
	return fmt.Sprintf("exceeded maximum of %d turns", e.Limit)
}

// MaxTokensExceededError reports a cumulative token counter over its limit.
type MaxTokensExceededError struct {
	Dimension TokenDimension
	Limit     int
	Observed  int
}

func (e *MaxTokensExceededError) Error() string {
	return fmt.Sprintf("%s tokens exceeded limit: %d > %d", e.Dimension, e.Observed, e.Limit)
}

// NextPromptOverLimitError reports a backend call that was skipped because
// the pending prompt would overflow the remaining token budget.
type NextPromptOverLimitError struct {
	Dimension TokenDimension
	Limit     int
	Consumed  int
	Next      int
}

func (e *NextPromptOverLimitError) Error() string {
	return fmt.Sprintf("next prompt of %d tokens would exceed the %s limit of %d (%d already consumed)",
		e.Next, e.Dimension, e.Limit, e.Consumed)
}

// InvalidPostProcessorError reports a post-processor that cannot run in the
// requested mode.
type InvalidPostProcessorError struct {
	Reason string
}

func (e *InvalidPostProcessorError) Error() string {
	return fmt.Sprintf("invalid post-processor: %s", e.Reason)
}
