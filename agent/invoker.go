package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/agentcore/chat"
)

// pendingConfirmation is the stand-in result recorded for a gated tool so
// the model can see the call is awaiting approval.
const pendingConfirmation = "pending confirmation"

// declinedResult is recorded when the caller refused a confirmation.
const declinedResult = "declined by user"

// callOutcome is what one invocation contributes back to the loop. A fatal
// err aborts the run; everything else becomes a transcript entry.
type callOutcome struct {
	call          chat.ToolCall // arguments as invoked
	result        any
	isError       bool
	metadata      map[string]any
	confirm       *ConfirmationRequest  // confirmation request to emit
	reEncounter   bool                  // gated id already requested; no new request
	childConfirms []ConfirmationRequest // requests raised inside a downstream run
	err           error
}

// dispatchMsg flows from invocation goroutines to the loop: either an event
// to forward as-is (downstream envelopes) or a completed outcome.
type dispatchMsg struct {
	event   *Event
	outcome *callOutcome
}

// dispatch runs one turn's tool calls and applies their outcomes: in
// emission order sequentially, in completion order when parallel dispatch is
// on. It reports how many confirmation requests the turn raised and whether
// a gated call was re-encountered while still pending.
func (r *runner) dispatch(ctx context.Context, reg *registry, calls []chat.ToolCall) (requested int, reEncounter bool, err error) {
	apply := func(out *callOutcome) {
		if out.confirm != nil {
			requested++
		}
		if out.reEncounter {
			reEncounter = true
		}
		r.applyOutcome(ctx, out)
	}

	if !r.parallel || len(calls) < 2 {
		for i := range calls {
			out := r.invokeOne(ctx, reg, calls[i], func(ev *Event) { r.send(ctx, ev) })
			if out.err != nil {
				return requested, reEncounter, out.err
			}
			apply(&out)
			if ctx.Err() != nil {
				return requested, reEncounter, ctx.Err()
			}
		}
		return requested, reEncounter, nil
	}

	// Parallel mode: one goroutine per call behind a fan-out limit. Events
	// and outcomes funnel through a bounded queue drained here, keeping
	// emission single-producer.
	msgs := make(chan dispatchMsg, r.a.toolParallelism)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.a.toolParallelism)
	go func() {
		defer close(msgs)
		for i := range calls {
			call := calls[i]
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				forward := func(ev *Event) {
					select {
					case msgs <- dispatchMsg{event: ev}:
					case <-gctx.Done():
					}
				}
				out := r.invokeOne(gctx, reg, call, forward)
				select {
				case msgs <- dispatchMsg{outcome: &out}:
				case <-gctx.Done():
					return gctx.Err()
				}
				return out.err
			})
		}
		g.Wait()
	}()

	for msg := range msgs {
		switch {
		case msg.event != nil:
			r.send(ctx, msg.event)
		case msg.outcome.err != nil:
			// Fatal; surfaces through g.Wait once the queue drains.
		default:
			apply(msg.outcome)
		}
	}
	if werr := g.Wait(); werr != nil {
		return requested, reEncounter, werr
	}
	return requested, reEncounter, ctx.Err()
}

// applyOutcome records one completed invocation: the transcript entry, the
// result event, and any confirmation request.
func (r *runner) applyOutcome(ctx context.Context, out *callOutcome) {
	result := out.result
	if out.confirm != nil || out.reEncounter {
		result = pendingConfirmation
	}
	r.buf.AppendToolResult(out.call.ID, out.call.Name, out.call.Arguments, result, out.isError)

	tcr := &ToolCallResult{
		ID:        out.call.ID,
		Name:      out.call.Name,
		Arguments: out.call.Arguments,
		Result:    result,
		IsError:   out.isError,
		Metadata:  out.metadata,
	}
	r.toolResults = append(r.toolResults, *tcr)
	r.confirmations = append(r.confirmations, out.childConfirms...)
	if !r.send(ctx, &Event{Type: EventToolCallResult, ToolResult: tcr}) {
		return
	}
	if out.confirm != nil {
		r.confirmations = append(r.confirmations, *out.confirm)
		r.send(ctx, &Event{Type: EventConfirmationRequest, Confirmation: out.confirm})
	}
}

// invokeOne runs the full pipeline for a single tool call: type and registry
// checks, the pre-hook chain, confirmation gating, argument validation, the
// call itself, then the post-hook chain.
func (r *runner) invokeOne(ctx context.Context, reg *registry, call chat.ToolCall, forward func(*Event)) callOutcome {
	if call.Type != "" && call.Type != "function" {
		return callOutcome{call: call, err: &UnsupportedToolTypeError{Type: call.Type}}
	}
	bound, ok := reg.lookup(call.Name)
	if !ok {
		return callOutcome{call: call, err: &ToolNotAvailableError{Name: call.Name}}
	}

	// Hooks mutate a copy; the assistant message keeps the model's original
	// arguments.
	local := call
	local.Arguments = cloneArgs(call.Arguments)

	decision, err := runPreHooks(ctx, r.rc, r.a.hooks, &local)
	if err != nil {
		return callOutcome{call: local, err: &ToolExecutionError{Tool: call.Name, Err: err}}
	}
	if decision.Kind == DecisionDeny {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by hook"
		}
		r.log.Debug("tool call denied", "tool", call.Name, "call_id", call.ID, "reason", reason)
		return callOutcome{call: local, result: reason, isError: true}
	}

	if bound.RequiresConfirmation || decision.Kind == DecisionAsk {
		id := ConfirmationID(local.Name, local.Arguments)
		approved, have := r.rc.takeDecision(id)
		switch {
		case !have && r.rc.wasRequested(id):
			r.log.Debug("confirmation still pending", "tool", call.Name, "confirmation_id", id)
			return callOutcome{call: local, reEncounter: true}
		case !have:
			r.rc.markRequested(id)
			r.log.Debug("confirmation requested", "tool", call.Name, "confirmation_id", id)
			return callOutcome{call: local, confirm: &ConfirmationRequest{
				ID:              id,
				ToolName:        local.Name,
				ToolDescription: bound.Description,
				Arguments:       local.Arguments,
			}}
		case !approved:
			r.log.Debug("confirmation declined", "tool", call.Name, "confirmation_id", id)
			return callOutcome{call: local, result: declinedResult, isError: true}
		}
	}

	if err := bound.validateArgs(local.Arguments); err != nil {
		return callOutcome{call: local, err: &ToolExecutionError{Tool: call.Name, Err: err}}
	}

	started := time.Now()
	var (
		result        any
		metadata      map[string]any
		childConfirms []ConfirmationRequest
		callErr       error
	)
	switch {
	case bound.agent != nil:
		result, metadata, childConfirms, callErr = r.invokeDownstream(ctx, bound, local.Arguments, forward)
	case bound.server != "":
		result, callErr = r.invokeRemote(ctx, bound, local.Arguments)
	default:
		result, callErr = r.invokeFunc(ctx, bound, local.Arguments)
	}
	r.log.Debug("tool call finished", "tool", call.Name, "call_id", call.ID,
		"duration", time.Since(started), "failed", callErr != nil)

	result, postErr := runPostHooks(ctx, r.rc, r.a.hooks, &local, result, callErr)
	if callErr != nil {
		return callOutcome{call: local, err: &ToolExecutionError{Tool: call.Name, Err: callErr}}
	}
	if postErr != nil {
		return callOutcome{call: local, err: &ToolExecutionError{Tool: call.Name, Err: postErr}}
	}
	return callOutcome{call: local, result: result, metadata: metadata, childConfirms: childConfirms}
}

// invokeFunc runs a local callable on its own goroutine so a blocked tool
// never wedges event emission, with panic recovery and the agent's optional
// per-call timeout.
func (r *runner) invokeFunc(ctx context.Context, bound *boundTool, args map[string]any) (any, error) {
	callArgs := args
	if bound.ContextVar != "" {
		callArgs = cloneArgs(args)
		callArgs[bound.ContextVar] = r.rc
	}

	if r.a.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.a.toolTimeout)
		defer cancel()
	}

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: fmt.Errorf("tool panicked: %v\n%s", rec, debug.Stack())}
			}
		}()
		value, err := bound.Func(ctx, callArgs)
		done <- callResult{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		// The callable may still be running; its result is discarded.
		return nil, ctx.Err()
	}
}

// invokeRemote forwards the call to the owning MCP server.
func (r *runner) invokeRemote(ctx context.Context, bound *boundTool, args map[string]any) (any, error) {
	res, err := r.a.mcp.CallTool(ctx, bound.server, bound.Name, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("remote tool reported an error: %s", res.Text)
	}
	return res.Text, nil
}

// invokeDownstream runs a nested agent to completion on a child context,
// forwarding its events as downstream envelopes when the run context asks
// for them, and folds the nested usage into the parent.
func (r *runner) invokeDownstream(ctx context.Context, bound *boundTool, args map[string]any, forward func(*Event)) (any, map[string]any, []ConfirmationRequest, error) {
	child := bound.agent
	input, _ := args["input"].(string)

	crc := r.rc.child()
	ch, err := child.RunStream(ctx, input, WithRunContext(crc))
	if err != nil {
		return nil, nil, nil, err
	}

	var out DownstreamResult
	var confirms []ConfirmationRequest
	var runErr error
	for ev := range ch {
		if ev.Type == EventError {
			runErr = ev.Err
		}
		if r.rc.StreamDownstreamEvents {
			forward(&Event{Type: EventDownstreamResult, Downstream: &Downstream{AgentID: child.ID(), Event: ev}})
		}
		switch ev.Type {
		case EventToolCallResult:
			out.ToolResults = append(out.ToolResults, *ev.ToolResult)
		case EventConfirmationRequest:
			confirms = append(confirms, *ev.Confirmation)
		case EventConversation:
			for i := len(ev.Conversation) - 1; i >= 0; i-- {
				if ev.Conversation[i].Role == chat.RoleAssistant {
					out.Content = ev.Conversation[i].Content
					break
				}
			}
		}
	}
	out.Usage = crc.Usage()
	r.rc.addUsage(out.Usage)
	if runErr != nil {
		return nil, nil, nil, runErr
	}
	return out, map[string]any{"agent_id": child.ID()}, confirms, nil
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
