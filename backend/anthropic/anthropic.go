// Package anthropic implements the backend.Client contract on the official
// Anthropic Go SDK. It supports streaming and non-streaming generation, tool
// calling with fragmented argument assembly, extended thinking as reasoning
// chunks, and retries with exponential backoff on transient failures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
	"github.com/haasonsaas/agentcore/internal/backoff"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that produce no output
	// before the stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// Config holds construction parameters. Only APIKey is required.
type Config struct {
	APIKey     string
	BaseURL    string // optional endpoint override
	Model      string // default model when a request does not name one
	MaxRetries int    // default 3
	Backoff    backoff.Policy
}

// Client is a backend.Client backed by the Anthropic Messages API. It is
// safe for concurrent use.
type Client struct {
	api        sdk.Client
	model      string
	maxRetries int
	policy     backoff.Policy
}

// New creates an Anthropic-backed client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		api:        sdk.NewClient(opts...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		policy:     cfg.Backoff,
	}, nil
}

// Name returns "anthropic".
func (c *Client) Name() string { return "anthropic" }

// Models returns the served model catalog with context sizes and pricing.
func (c *Client) Models() []backend.ModelInfo {
	return []backend.ModelInfo{
		{
			ID:             "claude-sonnet-4-20250514",
			Name:           "Claude Sonnet 4",
			ContextSize:    200000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 3, OutputPerMillion: 15},
		},
		{
			ID:             "claude-opus-4-20250514",
			Name:           "Claude Opus 4",
			ContextSize:    200000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 15, OutputPerMillion: 75},
		},
		{
			ID:             "claude-3-5-sonnet-20241022",
			Name:           "Claude 3.5 Sonnet",
			ContextSize:    200000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 3, OutputPerMillion: 15},
		},
		{
			ID:             "claude-3-5-haiku-20241022",
			Name:           "Claude 3.5 Haiku",
			ContextSize:    200000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.8, OutputPerMillion: 4},
		},
	}
}

// Generate performs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	var msg *sdk.Message
	err = backoff.Retry(ctx, c.policy, c.maxRetries, backend.IsRetryable, func() error {
		var callErr error
		msg, callErr = c.api.Messages.New(ctx, params)
		if callErr != nil {
			return c.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &backend.Response{
		Usage: c.usageFor(model, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
		Metadata: map[string]any{
			"stop_reason": string(msg.StopReason),
			"message_id":  msg.ID,
		},
	}
	var text strings.Builder
	var reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			tu := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Type:      "function",
				Arguments: decodeArguments(tu.Input),
			})
		}
	}
	resp.Content = text.String()
	resp.Reasoning = reasoning.String()

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, backend.NewError("anthropic", model, errors.New("response carried no content")).
			WithKind(backend.KindEmptyResponse)
	}
	return resp, nil
}

// GenerateStream performs a streaming completion. The stream is retried only
// until the first chunk has been emitted; afterwards failures terminate it.
func (c *Client) GenerateStream(ctx context.Context, req *backend.Request) (<-chan *backend.Chunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)
	chunks := make(chan *backend.Chunk)

	go func() {
		defer close(chunks)

		emitted := false
		retryable := func(err error) bool {
			return !emitted && backend.IsRetryable(err)
		}
		err := backoff.Retry(ctx, c.policy, c.maxRetries, retryable, func() error {
			stream := c.api.Messages.NewStreaming(ctx, params)
			return c.processStream(ctx, stream, chunks, model, &emitted)
		})
		if err != nil {
			select {
			case chunks <- &backend.Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// processStream assembles SSE events into chunks. Tool-call argument JSON
// arrives as input_json_delta fragments; they are buffered per content block
// and the completed call is emitted on content_block_stop.
func (c *Client) processStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], chunks chan<- *backend.Chunk, model string, emitted *bool) error {
	var currentTool *chat.ToolCall
	var toolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEvents := 0

	emit := func(ch *backend.Chunk) bool {
		select {
		case chunks <- ch:
			*emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentTool = &chat.ToolCall{ID: tu.ID, Name: tu.Name, Type: "function"}
				toolInput.Reset()
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(&backend.Chunk{Text: delta.Text}) {
						return ctx.Err()
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !emit(&backend.Chunk{Reasoning: delta.Thinking}) {
						return ctx.Err()
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = parseArguments(toolInput.String())
				if !emit(&backend.Chunk{ToolCall: currentTool}) {
					return ctx.Err()
				}
				currentTool = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			usage := c.usageFor(model, inputTokens, outputTokens)
			emit(&backend.Chunk{Usage: &usage})
			return nil

		case "error":
			return backend.NewError("anthropic", model, errors.New("server emitted a stream error"))
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return backend.NewError("anthropic", model,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents)).
					WithKind(backend.KindResponseValidation)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return c.wrapError(err, model)
	}
	// Stream ended without message_stop and without yielding anything.
	if !*emitted {
		return backend.NewError("anthropic", model, errors.New("stream produced no content")).
			WithKind(backend.KindEmptyResponse)
	}
	usage := c.usageFor(model, inputTokens, outputTokens)
	emit(&backend.Chunk{Usage: &usage})
	return nil
}

// CountTokens estimates with ~4 characters per token. The estimate is
// monotonic in conversation growth.
func (c *Client) CountTokens(msgs []chat.Message) int {
	return estimateTokens(msgs)
}

func (c *Client) buildParams(req *backend.Request) (sdk.MessageNewParams, error) {
	messages, system := convertMessages(req.Messages)

	model := req.Options.Model
	if model == "" {
		model = c.model
	}
	maxTokens := defaultMaxTokens
	if req.Options.MaxTokens != nil && *req.Options.MaxTokens > 0 {
		maxTokens = *req.Options.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Options.Temperature != nil {
		params.Temperature = sdk.Float(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		params.TopP = sdk.Float(*req.Options.TopP)
	}
	if len(req.Options.StopSequences) > 0 {
		params.StopSequences = req.Options.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		params.ToolChoice = convertToolChoice(*req.ToolChoice)
	}
	return params, nil
}

func (c *Client) usageFor(model string, inputTokens, outputTokens int) backend.Usage {
	pricing := backend.PriceFor(c.Models(), model)
	return backend.Usage{
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		TotalTokens:      inputTokens + outputTokens,
		Requests:         1,
		Cost:             pricing.Estimate(inputTokens, outputTokens),
	}
}

// wrapError lifts an SDK failure into a backend.Error, extracting status,
// error code, and request id when the cause is an API error.
func (c *Client) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := backend.AsError(err); ok {
		return err
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		be := backend.NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		if apiErr.RequestID != "" {
			be = be.WithRequestID(apiErr.RequestID)
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload struct {
				RequestID string `json:"request_id"`
				Error     struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Type != "" {
					be = be.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" && be.RequestID == "" {
					be = be.WithRequestID(payload.RequestID)
				}
			}
		}
		return be
	}
	return backend.NewError("anthropic", model, err)
}

// convertMessages maps the transcript into Anthropic message params. System
// messages are hoisted into the dedicated system blocks; tool results become
// user-role tool_result blocks per the Messages API shape.
func convertMessages(msgs []chat.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var out []sdk.MessageParam
	var system []sdk.TextBlockParam

	for _, msg := range msgs {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: msg.Content})

		case chat.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))

		case chat.RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}

		case chat.RoleTool:
			out = append(out, sdk.NewUserMessage(
				sdk.NewToolResultBlock(msg.ToolCallID, msg.ResultText(), msg.IsError)))
		}
	}
	return out, system
}

func convertTools(tools []backend.ToolSchema) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", tool.Name, err)
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", tool.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func convertToolChoice(choice backend.ToolChoice) sdk.ToolChoiceUnionParam {
	switch choice.Kind {
	case backend.ToolChoiceNone:
		return sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}
	case backend.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case backend.ToolChoiceTool:
		return sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: choice.Name}}
	default:
		return sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
	}
}

// parseArguments decodes accumulated tool-argument JSON. Partial or empty
// payloads degrade to an empty map rather than failing the stream.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func decodeArguments(input any) map[string]any {
	raw, err := json.Marshal(input)
	if err != nil {
		return map[string]any{}
	}
	return parseArguments(string(raw))
}

func estimateTokens(msgs []chat.Message) int {
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content) / 4
		total += len(msg.Role) / 4
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) / 4
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				total += len(raw) / 4
			}
		}
		if msg.Role == chat.RoleTool {
			total += len(msg.ToolName) / 4
			total += len(msg.ResultText()) / 4
		}
	}
	return total
}
