// Package gemini implements the backend.Client contract on the Google Gen AI
// SDK (google.golang.org/genai). System messages are hoisted into the system
// instruction, function calls arrive fully assembled, and tool-call IDs are
// generated locally because the Gemini API does not issue them.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
	"github.com/haasonsaas/agentcore/internal/backoff"
)

const (
	defaultModel      = "gemini-2.0-flash"
	defaultEmbedModel = "gemini-embedding-001"
)

// Config holds construction parameters. Only APIKey is required.
type Config struct {
	APIKey         string
	Model          string // default model when a request does not name one
	EmbeddingModel string // default gemini-embedding-001
	MaxRetries     int    // default 3
	Backoff        backoff.Policy
}

// Client is a backend.Client backed by the Gemini API. It also implements
// backend.Embedder. Safe for concurrent use.
type Client struct {
	api        *genai.Client
	model      string
	embedModel string
	maxRetries int
	policy     backoff.Policy
}

// New creates a Gemini-backed client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbedModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}

	api, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Client{
		api:        api,
		model:      cfg.Model,
		embedModel: cfg.EmbeddingModel,
		maxRetries: cfg.MaxRetries,
		policy:     cfg.Backoff,
	}, nil
}

// Name returns "gemini".
func (c *Client) Name() string { return "gemini" }

// Models returns the served model catalog.
func (c *Client) Models() []backend.ModelInfo {
	return []backend.ModelInfo{
		{
			ID:             "gemini-2.5-pro",
			Name:           "Gemini 2.5 Pro",
			ContextSize:    1000000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 1.25, OutputPerMillion: 10},
		},
		{
			ID:             "gemini-2.5-flash",
			Name:           "Gemini 2.5 Flash",
			ContextSize:    1000000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.3, OutputPerMillion: 2.5},
		},
		{
			ID:             "gemini-2.0-flash",
			Name:           "Gemini 2.0 Flash",
			ContextSize:    1000000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.1, OutputPerMillion: 0.4},
		},
		{
			ID:             "gemini-2.0-flash-lite",
			Name:           "Gemini 2.0 Flash Lite",
			ContextSize:    1000000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.075, OutputPerMillion: 0.3},
		},
	}
}

// Generate performs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	model := c.modelFor(req)
	contents, system := convertMessages(req.Messages)
	config := c.buildConfig(req, system)

	var resp *genai.GenerateContentResponse
	err := backoff.Retry(ctx, c.policy, c.maxRetries, backend.IsRetryable, func() error {
		var callErr error
		resp, callErr = c.api.Models.GenerateContent(ctx, model, contents, config)
		if callErr != nil {
			return c.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, backend.NewError("gemini", model, errors.New("response carried no candidates")).
			WithKind(backend.KindEmptyResponse)
	}

	candidate := resp.Candidates[0]
	out := &backend.Response{
		Usage: usageFromMetadata(c.Models(), model, resp.UsageMetadata),
		Metadata: map[string]any{
			"finish_reason": string(candidate.FinishReason),
		},
	}
	var text, reasoning strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			if part.Thought {
				reasoning.WriteString(part.Text)
			} else {
				text.WriteString(part.Text)
			}
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
				ID:        newToolCallID(part.FunctionCall.Name),
				Name:      part.FunctionCall.Name,
				Type:      "function",
				Arguments: argsOrEmpty(part.FunctionCall.Args),
			})
		}
	}
	out.Content = text.String()
	out.Reasoning = reasoning.String()
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, backend.NewError("gemini", model, errors.New("response carried no content")).
			WithKind(backend.KindEmptyResponse)
	}
	return out, nil
}

// GenerateStream performs a streaming completion. Gemini delivers function
// calls whole, so each becomes a single ToolCall chunk; cumulative usage
// metadata is tracked and emitted once the stream ends.
func (c *Client) GenerateStream(ctx context.Context, req *backend.Request) (<-chan *backend.Chunk, error) {
	model := c.modelFor(req)
	contents, system := convertMessages(req.Messages)
	config := c.buildConfig(req, system)
	chunks := make(chan *backend.Chunk)

	go func() {
		defer close(chunks)

		emitted := false
		retryable := func(err error) bool {
			return !emitted && backend.IsRetryable(err)
		}
		err := backoff.Retry(ctx, c.policy, c.maxRetries, retryable, func() error {
			stream := c.api.Models.GenerateContentStream(ctx, model, contents, config)
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

func (c *Client) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *backend.Chunk, model string, emitted *bool) error {
	var usage *genai.GenerateContentResponseUsageMetadata

	emit := func(ch *backend.Chunk) bool {
		select {
		case chunks <- ch:
			*emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	for resp, err := range stream {
		if err != nil {
			return c.wrapError(err, model)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					ch := &backend.Chunk{Text: part.Text}
					if part.Thought {
						ch = &backend.Chunk{Reasoning: part.Text}
					}
					if !emit(ch) {
						return ctx.Err()
					}
				}
				if part.FunctionCall != nil {
					call := &chat.ToolCall{
						ID:        newToolCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Type:      "function",
						Arguments: argsOrEmpty(part.FunctionCall.Args),
					}
					if !emit(&backend.Chunk{ToolCall: call}) {
						return ctx.Err()
					}
				}
			}
		}
	}

	if !*emitted && usage == nil {
		return backend.NewError("gemini", model, errors.New("stream ended without content")).
			WithKind(backend.KindEmptyResponse)
	}
	final := usageFromMetadata(c.Models(), model, usage)
	emit(&backend.Chunk{Usage: &final})
	return nil
}

// CountTokens estimates with a ~4 chars/token heuristic. The Gemini tokenizer
// is server-side only, so an exact local count is not available.
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

// Embed implements backend.Embedder.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(inputs))
	for i, input := range inputs {
		contents[i] = &genai.Content{
			Parts: []*genai.Part{{Text: input}},
		}
	}

	var resp *genai.EmbedContentResponse
	err := backoff.Retry(ctx, c.policy, c.maxRetries, backend.IsRetryable, func() error {
		var callErr error
		resp, callErr = c.api.Models.EmbedContent(ctx, c.embedModel, contents, nil)
		if callErr != nil {
			return c.wrapError(callErr, c.embedModel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) != len(inputs) {
		return nil, backend.NewError("gemini", c.embedModel, errors.New("embedding count does not match input count")).
			WithKind(backend.KindResponseValidation)
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb != nil {
			out[i] = emb.Values
		}
	}
	return out, nil
}

func (c *Client) modelFor(req *backend.Request) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return c.model
}

func (c *Client) buildConfig(req *backend.Request, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Options.MaxTokens != nil && *req.Options.MaxTokens > 0 {
		maxTokens := min(*req.Options.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Options.Temperature != nil {
		t := float32(*req.Options.Temperature)
		config.Temperature = &t
	}
	if req.Options.TopP != nil {
		p := float32(*req.Options.TopP)
		config.TopP = &p
	}
	if len(req.Options.StopSequences) > 0 {
		config.StopSequences = req.Options.StopSequences
	}
	if len(req.Tools) > 0 {
		config.Tools = convertTools(req.Tools)
	}
	if req.ToolChoice != nil {
		config.ToolConfig = convertToolChoice(*req.ToolChoice)
	}
	if req.JSONMode || len(req.OutputSchema) > 0 {
		config.ResponseMIMEType = "application/json"
		if len(req.OutputSchema) > 0 {
			config.ResponseSchema = convertSchema(req.OutputSchema)
		}
	}

	return config
}

func (c *Client) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := backend.AsError(err); ok {
		return err
	}

	be := backend.NewError("gemini", model, err)

	// The SDK folds HTTP failures into error text, so status is recovered
	// from the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		be = be.WithStatus(401)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		be = be.WithStatus(403)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		be = be.WithStatus(404)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "quota"):
		be = be.WithStatus(429)
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server error"):
		be = be.WithStatus(500)
	case strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable"):
		be = be.WithStatus(503)
	}
	return be
}

// convertMessages translates the conversation into Gemini contents. System
// messages are collected and returned separately for the system instruction.
// Tool results ride as function-response parts on the user side.
func convertMessages(msgs []chat.Message) ([]*genai.Content, string) {
	var result []*genai.Content
	var system strings.Builder

	for _, msg := range msgs {
		if msg.Role == chat.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case chat.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: argsOrEmpty(tc.Arguments),
				},
			})
		}
		if msg.Role == chat.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFor(msg, msgs),
					Response: responseMap(msg),
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, system.String()
}

// toolNameFor resolves the function name for a tool-result message. The
// message usually carries it; otherwise the originating call is looked up by
// ID, falling back to the "call_<name>_<nano>" ID format.
func toolNameFor(msg chat.Message, msgs []chat.Message) string {
	if msg.ToolName != "" {
		return msg.ToolName
	}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == msg.ToolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(msg.ToolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// responseMap shapes a tool result as the object Gemini requires. JSON object
// results pass through; everything else is wrapped in a result field.
func responseMap(msg chat.Message) map[string]any {
	text := msg.ResultText()
	var response map[string]any
	if err := json.Unmarshal([]byte(text), &response); err != nil || response == nil {
		response = map[string]any{
			"result": text,
			"error":  msg.IsError,
		}
	}
	return response
}

func convertTools(tools []backend.ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Parameters),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts a JSON Schema map to Gemini's Schema type,
// recursing through properties and array items.
func convertSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = convertSchema(items)
	}

	return schema
}

func convertToolChoice(choice backend.ToolChoice) *genai.ToolConfig {
	fc := &genai.FunctionCallingConfig{}
	switch choice.Kind {
	case backend.ToolChoiceNone:
		fc.Mode = genai.FunctionCallingConfigModeNone
	case backend.ToolChoiceRequired:
		fc.Mode = genai.FunctionCallingConfigModeAny
	case backend.ToolChoiceTool:
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{choice.Name}
	default:
		fc.Mode = genai.FunctionCallingConfigModeAuto
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}
}

func usageFromMetadata(models []backend.ModelInfo, model string, meta *genai.GenerateContentResponseUsageMetadata) backend.Usage {
	if meta == nil {
		return backend.Usage{Requests: 1}
	}
	prompt := int(meta.PromptTokenCount)
	completion := int(meta.CandidatesTokenCount) + int(meta.ThoughtsTokenCount)
	total := int(meta.TotalTokenCount)
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

// newToolCallID generates an ID for a function call. Gemini does not issue
// tool call IDs, so they are minted locally.
func newToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

func argsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
