package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentcore/chat"
)

// DecisionKind classifies a pre-hook verdict.
type DecisionKind string

const (
	// DecisionAllow lets the invocation proceed, optionally with replaced
	// arguments.
	DecisionAllow DecisionKind = "allow"

	// DecisionDeny blocks the invocation. The reason becomes a synthetic
	// error result the model can read on its next turn.
	DecisionDeny DecisionKind = "deny"

	// DecisionAsk routes the invocation through the confirmation protocol,
	// as if the tool required confirmation.
	DecisionAsk DecisionKind = "ask"
)

// Decision is a pre-hook verdict on a pending tool call. The zero value
// allows the call unchanged.
type Decision struct {
	Kind      DecisionKind
	Reason    string         // deny explanation
	Arguments map[string]any // replacement arguments for allow; nil keeps current
}

// Allow lets the call proceed unchanged.
func Allow() Decision { return Decision{Kind: DecisionAllow} }

// AllowWith lets the call proceed with replaced arguments.
func AllowWith(args map[string]any) Decision {
	return Decision{Kind: DecisionAllow, Arguments: args}
}

// Deny blocks the call with an explanation.
func Deny(reason string) Decision { return Decision{Kind: DecisionDeny, Reason: reason} }

// Ask defers the call to the confirmation protocol.
func Ask() Decision { return Decision{Kind: DecisionAsk} }

// PreToolHook inspects a tool call before it runs. The call's arguments
// already reflect mutations from earlier hooks in the chain.
type PreToolHook func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error)

// PostToolHook observes a tool outcome and may replace it. When the call
// failed, result is nil and callErr carries the failure; the failure still
// propagates after the chain runs.
type PostToolHook func(ctx context.Context, rc *RunContext, call *chat.ToolCall, result any, callErr error) (any, error)

// Hook pairs optional pre and post callbacks under one name for logging and
// error attribution.
type Hook struct {
	Name string
	Pre  PreToolHook
	Post PostToolHook
}

func (h Hook) name() string {
	if h.Name != "" {
		return h.Name
	}
	return "anonymous"
}

// runPreHooks folds the pre chain left to right, applying argument mutations
// as it goes. Deny and ask short-circuit the remainder.
func runPreHooks(ctx context.Context, rc *RunContext, hooks []Hook, call *chat.ToolCall) (Decision, error) {
	for _, h := range hooks {
		if h.Pre == nil {
			continue
		}
		d, err := h.Pre(ctx, rc, call)
		if err != nil {
			return Decision{}, fmt.Errorf("pre-hook %s: %w", h.name(), err)
		}
		switch d.Kind {
		case DecisionDeny, DecisionAsk:
			return d, nil
		case DecisionAllow, "":
			if d.Arguments != nil {
				call.Arguments = d.Arguments
			}
		default:
			return Decision{}, fmt.Errorf("pre-hook %s returned unknown decision %q", h.name(), d.Kind)
		}
	}
	return Allow(), nil
}

// runPostHooks folds the post chain left to right over the result.
func runPostHooks(ctx context.Context, rc *RunContext, hooks []Hook, call *chat.ToolCall, result any, callErr error) (any, error) {
	for _, h := range hooks {
		if h.Post == nil {
			continue
		}
		out, err := h.Post(ctx, rc, call, result, callErr)
		if err != nil {
			return result, fmt.Errorf("post-hook %s: %w", h.name(), err)
		}
		result = out
	}
	return result, nil
}
