// Package bedrock implements the backend.Client contract on the AWS Bedrock
// Converse API. Authentication follows the AWS default credential chain
// unless static keys are configured, and tool-use input arrives as JSON
// fragments that are assembled per content block.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
	"github.com/haasonsaas/agentcore/internal/backoff"
)

const (
	defaultRegion = "us-east-1"
	defaultModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"
)

// Config holds construction parameters. All fields are optional; with no
// explicit keys the AWS default credential chain applies.
type Config struct {
	Region          string // default us-east-1
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Model           string // default model when a request does not name one
	MaxRetries      int    // default 3
	Backoff         backoff.Policy
}

// Client is a backend.Client backed by Bedrock foundation models. Safe for
// concurrent use.
type Client struct {
	api        *bedrockruntime.Client
	model      string
	maxRetries int
	policy     backoff.Policy
}

// New creates a Bedrock-backed client.
func New(cfg Config) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = defaultRegion
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

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Client{
		api:        bedrockruntime.NewFromConfig(awsCfg),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		policy:     cfg.Backoff,
	}, nil
}

// Name returns "bedrock".
func (c *Client) Name() string { return "bedrock" }

// Models returns the served model catalog. Actual availability depends on
// the AWS account's model access grants.
func (c *Client) Models() []backend.ModelInfo {
	return []backend.ModelInfo{
		{
			ID:             "anthropic.claude-3-5-sonnet-20241022-v2:0",
			Name:           "Claude 3.5 Sonnet v2 (Bedrock)",
			ContextSize:    200000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 3, OutputPerMillion: 15},
		},
		{
			ID:             "anthropic.claude-3-5-haiku-20241022-v1:0",
			Name:           "Claude 3.5 Haiku (Bedrock)",
			ContextSize:    200000,
			SupportsVision: false,
			Pricing:        backend.Pricing{InputPerMillion: 0.8, OutputPerMillion: 4},
		},
		{
			ID:             "anthropic.claude-3-opus-20240229-v1:0",
			Name:           "Claude 3 Opus (Bedrock)",
			ContextSize:    200000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 15, OutputPerMillion: 75},
		},
		{
			ID:             "amazon.nova-pro-v1:0",
			Name:           "Amazon Nova Pro",
			ContextSize:    300000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.8, OutputPerMillion: 3.2},
		},
		{
			ID:             "amazon.nova-lite-v1:0",
			Name:           "Amazon Nova Lite",
			ContextSize:    300000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.06, OutputPerMillion: 0.24},
		},
		{
			ID:             "meta.llama3-3-70b-instruct-v1:0",
			Name:           "Llama 3.3 70B (Bedrock)",
			ContextSize:    128000,
			SupportsVision: false,
			Pricing:        backend.Pricing{InputPerMillion: 0.72, OutputPerMillion: 0.72},
		},
	}
}

// Generate performs a single non-streaming completion via Converse.
func (c *Client) Generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	model := c.modelFor(req)
	messages, system, infCfg, toolCfg := c.convertRequest(req)
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: infCfg,
		ToolConfig:      toolCfg,
	}

	var out *bedrockruntime.ConverseOutput
	err := backoff.Retry(ctx, c.policy, c.maxRetries, backend.IsRetryable, func() error {
		var callErr error
		out, callErr = c.api.Converse(ctx, input)
		if callErr != nil {
			return c.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, backend.NewError("bedrock", model, errors.New("response carried no message")).
			WithKind(backend.KindEmptyResponse)
	}

	resp := &backend.Response{
		Usage: usageFromTokens(c.Models(), model, out.Usage),
		Metadata: map[string]any{
			"stop_reason": string(out.StopReason),
		},
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			args := map[string]any{}
			if b.Value.Input != nil {
				if err := b.Value.Input.UnmarshalSmithyDocument(&args); err != nil {
					args = map[string]any{}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Type:      "function",
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, backend.NewError("bedrock", model, errors.New("response carried no content")).
			WithKind(backend.KindEmptyResponse)
	}
	return resp, nil
}

// GenerateStream performs a streaming completion via ConverseStream. Tool-use
// input deltas are accumulated per content block and emitted as one assembled
// call at the block stop; the metadata event after message stop carries usage.
func (c *Client) GenerateStream(ctx context.Context, req *backend.Request) (<-chan *backend.Chunk, error) {
	model := c.modelFor(req)
	messages, system, infCfg, toolCfg := c.convertRequest(req)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: infCfg,
		ToolConfig:      toolCfg,
	}
	chunks := make(chan *backend.Chunk)

	go func() {
		defer close(chunks)

		emitted := false
		retryable := func(err error) bool {
			return !emitted && backend.IsRetryable(err)
		}
		err := backoff.Retry(ctx, c.policy, c.maxRetries, retryable, func() error {
			out, err := c.api.ConverseStream(ctx, input)
			if err != nil {
				return c.wrapError(err, model)
			}
			return c.processStream(ctx, out, chunks, model, &emitted)
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

func (c *Client) processStream(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, chunks chan<- *backend.Chunk, model string, emitted *bool) error {
	eventStream := out.GetStream()
	defer eventStream.Close()

	emit := func(ch *backend.Chunk) bool {
		select {
		case chunks <- ch:
			*emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	var pending *chat.ToolCall
	var pendingInput strings.Builder
	var usage *types.TokenUsage

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					return c.wrapError(err, model)
				}
				if !*emitted && usage == nil {
					return backend.NewError("bedrock", model, errors.New("stream ended without content")).
						WithKind(backend.KindEmptyResponse)
				}
				final := usageFromTokens(c.Models(), model, usage)
				emit(&backend.Chunk{Usage: &final})
				return nil
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					pending = &chat.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
						Type: "function",
					}
					pendingInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if !emit(&backend.Chunk{Text: delta.Value}) {
							return ctx.Err()
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						pendingInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if pending != nil && pending.ID != "" {
					pending.Arguments = parseArguments(pendingInput.String())
					if !emit(&backend.Chunk{ToolCall: pending}) {
						return ctx.Err()
					}
					pending = nil
					pendingInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage = ev.Value.Usage
				}
			}
		}
	}
}

// CountTokens estimates with a ~4 chars/token heuristic. Bedrock exposes no
// local tokenizer and the served models do not share one.
func (c *Client) CountTokens(msgs []chat.Message) int {
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content) / 4
		total += len(msg.Role) / 4
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) / 4
			total += len(fmt.Sprintf("%v", tc.Arguments)) / 4
		}
		if msg.Role == chat.RoleTool {
			total += len(msg.ResultText()) / 4
		}
	}
	return total
}

func (c *Client) modelFor(req *backend.Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return c.model
}

// convertRequest assembles the Converse building blocks shared by the
// streaming and non-streaming paths.
func (c *Client) convertRequest(req *backend.Request) ([]types.Message, []types.SystemContentBlock, *types.InferenceConfiguration, *types.ToolConfiguration) {
	messages, systemText := convertMessages(req.Messages)

	var system []types.SystemContentBlock
	if systemText != "" {
		system = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemText},
		}
	}

	var infCfg *types.InferenceConfiguration
	opts := req.Options
	if opts.MaxTokens != nil || opts.Temperature != nil || opts.TopP != nil || len(opts.StopSequences) > 0 {
		infCfg = &types.InferenceConfiguration{}
		if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
			maxTokens := min(*opts.MaxTokens, math.MaxInt32)
			infCfg.MaxTokens = aws.Int32(int32(maxTokens))
		}
		if opts.Temperature != nil {
			infCfg.Temperature = aws.Float32(float32(*opts.Temperature))
		}
		if opts.TopP != nil {
			infCfg.TopP = aws.Float32(float32(*opts.TopP))
		}
		if len(opts.StopSequences) > 0 {
			infCfg.StopSequences = opts.StopSequences
		}
	}

	// Converse has no way to offer tools and forbid their use, so a "none"
	// choice withholds the tool config entirely.
	var toolCfg *types.ToolConfiguration
	if len(req.Tools) > 0 && (req.ToolChoice == nil || req.ToolChoice.Kind != backend.ToolChoiceNone) {
		toolCfg = convertTools(req.Tools)
		if req.ToolChoice != nil {
			toolCfg.ToolChoice = convertToolChoice(*req.ToolChoice)
		}
	}

	return messages, system, infCfg, toolCfg
}

func (c *Client) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := backend.AsError(err); ok {
		return err
	}

	be := backend.NewError("bedrock", model, err)

	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "TooManyRequestsException"):
		be = be.WithStatus(429)
	case strings.Contains(msg, "ValidationException"):
		be = be.WithStatus(400)
	case strings.Contains(msg, "AccessDeniedException"):
		be = be.WithStatus(403)
	case strings.Contains(msg, "ResourceNotFoundException"):
		be = be.WithStatus(404)
	case strings.Contains(msg, "ServiceUnavailableException"):
		be = be.WithStatus(503)
	case strings.Contains(msg, "InternalServerException"):
		be = be.WithStatus(500)
	}
	return be
}

// convertMessages translates the conversation into Converse messages. System
// messages are collected and returned separately; tool results ride as
// tool-result blocks on the user side.
func convertMessages(msgs []chat.Message) ([]types.Message, string) {
	result := make([]types.Message, 0, len(msgs))
	var system strings.Builder

	for _, msg := range msgs {
		if msg.Role == chat.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var input any = tc.Arguments
			if tc.Arguments == nil {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if msg.Role == chat.RoleTool {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: msg.ResultText()},
				},
			}
			if msg.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}

		role := types.ConversationRoleUser
		if msg.Role == chat.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if len(content) > 0 {
			result = append(result, types.Message{Role: role, Content: content})
		}
	}

	return result, system.String()
}

func convertTools(tools []backend.ToolSchema) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, t := range tools {
		var schema any = t.Parameters
		if t.Parameters == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func convertToolChoice(choice backend.ToolChoice) types.ToolChoice {
	switch choice.Kind {
	case backend.ToolChoiceRequired:
		return &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	case backend.ToolChoiceTool:
		return &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(choice.Name)}}
	default:
		return &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	}
}

func usageFromTokens(models []backend.ModelInfo, model string, u *types.TokenUsage) backend.Usage {
	if u == nil {
		return backend.Usage{Requests: 1}
	}
	prompt := int(aws.ToInt32(u.InputTokens))
	completion := int(aws.ToInt32(u.OutputTokens))
	total := int(aws.ToInt32(u.TotalTokens))
	if total == 0 {
		total = prompt + completion
	}
	pricing := backend.PriceFor(models, model)
	return backend.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Requests:         1,
		Cost:             pricing.Estimate(prompt, completion),
	}
}

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
