package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/agentcore/chat"
)

func TestRunPreHooks_FoldsAndMutates(t *testing.T) {
	var order []string
	hooks := []Hook{
		{
			Name: "tag",
			Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
				order = append(order, "tag")
				args := cloneArgs(call.Arguments)
				args["tagged"] = true
				return AllowWith(args), nil
			},
		},
		{
			Name: "observe",
			Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
				order = append(order, "observe")
				if call.Arguments["tagged"] != true {
					t.Error("second hook did not see first hook's mutation")
				}
				return Decision{}, nil // zero value allows
			},
		},
	}

	call := &chat.ToolCall{Name: "t", Arguments: map[string]any{"x": 1}}
	d, err := runPreHooks(context.Background(), NewRunContext(), hooks, call)
	if err != nil {
		t.Fatalf("runPreHooks: %v", err)
	}
	if d.Kind != DecisionAllow {
		t.Errorf("decision = %q, want allow", d.Kind)
	}
	if len(order) != 2 || order[0] != "tag" || order[1] != "observe" {
		t.Errorf("hook order = %v, want [tag observe]", order)
	}
	if call.Arguments["tagged"] != true || call.Arguments["x"] != 1 {
		t.Errorf("final arguments = %v, want mutation applied over originals", call.Arguments)
	}
}

func TestRunPreHooks_DenyShortCircuits(t *testing.T) {
	ran := false
	hooks := []Hook{
		{Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
			return Deny("not on my watch"), nil
		}},
		{Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
			ran = true
			return Allow(), nil
		}},
	}

	d, err := runPreHooks(context.Background(), NewRunContext(), hooks, &chat.ToolCall{Name: "t"})
	if err != nil {
		t.Fatalf("runPreHooks: %v", err)
	}
	if d.Kind != DecisionDeny || d.Reason != "not on my watch" {
		t.Errorf("decision = %+v, want deny with reason", d)
	}
	if ran {
		t.Error("hook after deny still ran")
	}
}

func TestRunPreHooks_AskShortCircuits(t *testing.T) {
	hooks := []Hook{
		{Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
			return Ask(), nil
		}},
		{Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
			t.Error("hook after ask ran")
			return Allow(), nil
		}},
	}

	d, err := runPreHooks(context.Background(), NewRunContext(), hooks, &chat.ToolCall{Name: "t"})
	if err != nil {
		t.Fatalf("runPreHooks: %v", err)
	}
	if d.Kind != DecisionAsk {
		t.Errorf("decision = %q, want ask", d.Kind)
	}
}

func TestRunPreHooks_Errors(t *testing.T) {
	boom := errors.New("boom")
	hooks := []Hook{{Name: "audit", Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
		return Decision{}, boom
	}}}

	_, err := runPreHooks(context.Background(), NewRunContext(), hooks, &chat.ToolCall{Name: "t"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "audit") {
		t.Errorf("err = %v, want hook name attributed", err)
	}

	bad := []Hook{{Pre: func(ctx context.Context, rc *RunContext, call *chat.ToolCall) (Decision, error) {
		return Decision{Kind: "maybe"}, nil
	}}}
	if _, err := runPreHooks(context.Background(), NewRunContext(), bad, &chat.ToolCall{Name: "t"}); err == nil {
		t.Error("unknown decision kind accepted")
	}
}

func TestRunPostHooks_FoldsResult(t *testing.T) {
	hooks := []Hook{
		{Post: func(ctx context.Context, rc *RunContext, call *chat.ToolCall, result any, callErr error) (any, error) {
			return result.(string) + "-a", nil
		}},
		{Post: func(ctx context.Context, rc *RunContext, call *chat.ToolCall, result any, callErr error) (any, error) {
			return result.(string) + "-b", nil
		}},
	}

	out, err := runPostHooks(context.Background(), NewRunContext(), hooks, &chat.ToolCall{Name: "t"}, "r", nil)
	if err != nil {
		t.Fatalf("runPostHooks: %v", err)
	}
	if out != "r-a-b" {
		t.Errorf("result = %v, want r-a-b", out)
	}
}

func TestRunPostHooks_SeesCallError(t *testing.T) {
	callErr := errors.New("tool blew up")
	var seen error
	hooks := []Hook{{Post: func(ctx context.Context, rc *RunContext, call *chat.ToolCall, result any, err error) (any, error) {
		seen = err
		return result, nil
	}}}

	if _, err := runPostHooks(context.Background(), NewRunContext(), hooks, &chat.ToolCall{Name: "t"}, nil, callErr); err != nil {
		t.Fatalf("runPostHooks: %v", err)
	}
	if !errors.Is(seen, callErr) {
		t.Errorf("post hook saw %v, want the call error", seen)
	}
}
