// Package openai implements the backend.Client contract on
// sashabaranov/go-openai: chat completions in both modes, tool-call delta
// assembly keyed by stream index, embeddings, and BPE token counting via
// tiktoken with a heuristic fallback.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	sdk "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
	"github.com/haasonsaas/agentcore/internal/backoff"
)

const defaultModel = "gpt-4o"

// Config holds construction parameters. Only APIKey is required.
type Config struct {
	APIKey         string
	BaseURL        string // optional, for OpenAI-compatible endpoints
	OrgID          string
	Model          string // default model when a request does not name one
	EmbeddingModel string // default text-embedding-3-small
	MaxRetries     int    // default 3
	Backoff        backoff.Policy
}

// Client is a backend.Client backed by the OpenAI chat completions API. It
// also implements backend.Embedder. Safe for concurrent use.
type Client struct {
	api        *sdk.Client
	model      string
	embedModel sdk.EmbeddingModel
	maxRetries int
	policy     backoff.Policy

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// New creates an OpenAI-backed client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(sdk.SmallEmbedding3)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}

	clientCfg := sdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientCfg.OrgID = cfg.OrgID
	}

	return &Client{
		api:        sdk.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		embedModel: sdk.EmbeddingModel(cfg.EmbeddingModel),
		maxRetries: cfg.MaxRetries,
		policy:     cfg.Backoff,
	}, nil
}

// Name returns "openai".
func (c *Client) Name() string { return "openai" }

// Models returns the served model catalog.
func (c *Client) Models() []backend.ModelInfo {
	return []backend.ModelInfo{
		{
			ID:             "gpt-4o",
			Name:           "GPT-4o",
			ContextSize:    128000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 2.5, OutputPerMillion: 10},
		},
		{
			ID:             "gpt-4o-mini",
			Name:           "GPT-4o Mini",
			ContextSize:    128000,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.15, OutputPerMillion: 0.6},
		},
		{
			ID:             "gpt-4.1",
			Name:           "GPT-4.1",
			ContextSize:    1047576,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 2, OutputPerMillion: 8},
		},
		{
			ID:             "gpt-4.1-mini",
			Name:           "GPT-4.1 Mini",
			ContextSize:    1047576,
			SupportsVision: true,
			Pricing:        backend.Pricing{InputPerMillion: 0.4, OutputPerMillion: 1.6},
		},
	}
}

// Generate performs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	oreq := c.buildRequest(req, false)

	var resp sdk.ChatCompletionResponse
	err := backoff.Retry(ctx, c.policy, c.maxRetries, backend.IsRetryable, func() error {
		var callErr error
		resp, callErr = c.api.CreateChatCompletion(ctx, oreq)
		if callErr != nil {
			return c.wrapError(callErr, oreq.Model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, backend.NewError("openai", oreq.Model, errors.New("response carried no choices")).
			WithKind(backend.KindEmptyResponse)
	}

	choice := resp.Choices[0]
	out := &backend.Response{
		Content: choice.Message.Content,
		Usage:   c.usageFromAPI(oreq.Model, resp.Usage),
		Metadata: map[string]any{
			"finish_reason": string(choice.FinishReason),
			"response_id":   resp.ID,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Type:      "function",
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, backend.NewError("openai", oreq.Model, errors.New("response carried no content")).
			WithKind(backend.KindEmptyResponse)
	}
	return out, nil
}

// GenerateStream performs a streaming completion. Tool-call arguments arrive
// as fragments keyed by index; each call is emitted once assembled, in index
// order, after the text that preceded it.
func (c *Client) GenerateStream(ctx context.Context, req *backend.Request) (<-chan *backend.Chunk, error) {
	oreq := c.buildRequest(req, true)
	chunks := make(chan *backend.Chunk)

	go func() {
		defer close(chunks)

		emitted := false
		retryable := func(err error) bool {
			return !emitted && backend.IsRetryable(err)
		}
		err := backoff.Retry(ctx, c.policy, c.maxRetries, retryable, func() error {
			stream, err := c.api.CreateChatCompletionStream(ctx, oreq)
			if err != nil {
				return c.wrapError(err, oreq.Model)
			}
			defer stream.Close()
			return c.processStream(ctx, stream, chunks, oreq.Model, &emitted)
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

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *Client) processStream(ctx context.Context, stream *sdk.ChatCompletionStream, chunks chan<- *backend.Chunk, model string, emitted *bool) error {
	pending := make(map[int]*pendingCall)
	var usage *backend.Usage

	emit := func(ch *backend.Chunk) bool {
		select {
		case chunks <- ch:
			*emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}
	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		idxs := make([]int, 0, len(pending))
		for i := range pending {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			p := pending[i]
			if !emit(&backend.Chunk{ToolCall: &chat.ToolCall{
				ID:        p.id,
				Name:      p.name,
				Type:      "function",
				Arguments: parseArguments(p.args.String()),
			}}) {
				return false
			}
		}
		pending = make(map[int]*pendingCall)
		return true
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flush() {
				return ctx.Err()
			}
			if usage == nil {
				u := backend.Usage{Requests: 1}
				usage = &u
			}
			emit(&backend.Chunk{Usage: usage})
			return nil
		}
		if err != nil {
			return c.wrapError(err, model)
		}

		if resp.Usage != nil {
			u := c.usageFromAPI(model, *resp.Usage)
			usage = &u
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(&backend.Chunk{Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			p := pending[idx]
			if p == nil {
				p = &pendingCall{}
				pending[idx] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == sdk.FinishReasonToolCalls {
			if !flush() {
				return ctx.Err()
			}
		}
	}
}

// CountTokens counts with the model's BPE encoding when available and falls
// back to a ~4 chars/token heuristic otherwise. Monotonic either way.
func (c *Client) CountTokens(msgs []chat.Message) int {
	enc := c.encoding()
	if enc == nil {
		total := 0
		for _, msg := range msgs {
			total += len(msg.Content)/4 + len(msg.Role)/4
			for _, tc := range msg.ToolCalls {
				total += len(tc.Name) / 4
				if raw, err := json.Marshal(tc.Arguments); err == nil {
					total += len(raw) / 4
				}
			}
			if msg.Role == chat.RoleTool {
				total += len(msg.ResultText()) / 4
			}
		}
		return total
	}

	// Per-message framing overhead plus reply priming, per the OpenAI
	// token-counting cookbook.
	const perMessage = 3
	total := 3
	for _, msg := range msgs {
		total += perMessage
		total += len(enc.Encode(string(msg.Role), nil, nil))
		total += len(enc.Encode(msg.Content, nil, nil))
		for _, tc := range msg.ToolCalls {
			total += len(enc.Encode(tc.Name, nil, nil))
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				total += len(enc.Encode(string(raw), nil, nil))
			}
		}
		if msg.Role == chat.RoleTool {
			total += len(enc.Encode(msg.ResultText(), nil, nil))
		}
	}
	return total
}

// Embed implements backend.Embedder.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var resp sdk.EmbeddingResponse
	err := backoff.Retry(ctx, c.policy, c.maxRetries, backend.IsRetryable, func() error {
		var callErr error
		resp, callErr = c.api.CreateEmbeddings(ctx, sdk.EmbeddingRequest{
			Input: inputs,
			Model: c.embedModel,
		})
		if callErr != nil {
			return c.wrapError(callErr, string(c.embedModel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *Client) buildRequest(req *backend.Request, stream bool) sdk.ChatCompletionRequest {
	model := req.Options.Model
	if model == "" {
		model = c.model
	}
	oreq := sdk.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
	}
	if req.Options.MaxTokens != nil && *req.Options.MaxTokens > 0 {
		oreq.MaxTokens = *req.Options.MaxTokens
	}
	if req.Options.Temperature != nil {
		oreq.Temperature = float32(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		oreq.TopP = float32(*req.Options.TopP)
	}
	if len(req.Options.StopSequences) > 0 {
		oreq.Stop = req.Options.StopSequences
	}
	if len(req.Tools) > 0 {
		oreq.Tools = convertTools(req.Tools)
	}
	if req.ToolChoice != nil {
		oreq.ToolChoice = convertToolChoice(*req.ToolChoice)
	}
	switch {
	case len(req.OutputSchema) > 0:
		if raw, err := json.Marshal(req.OutputSchema); err == nil {
			oreq.ResponseFormat = &sdk.ChatCompletionResponseFormat{
				Type: sdk.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &sdk.ChatCompletionResponseFormatJSONSchema{
					Name:   "response",
					Schema: json.RawMessage(raw),
					Strict: true,
				},
			}
		}
	case req.JSONMode:
		oreq.ResponseFormat = &sdk.ChatCompletionResponseFormat{
			Type: sdk.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if stream {
		oreq.StreamOptions = &sdk.StreamOptions{IncludeUsage: true}
	}
	return oreq
}

func (c *Client) usageFromAPI(model string, u sdk.Usage) backend.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	pricing := backend.PriceFor(c.Models(), model)
	return backend.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
		Requests:         1,
		Cost:             pricing.Estimate(u.PromptTokens, u.CompletionTokens),
	}
}

func (c *Client) encoding() *tiktoken.Tiktoken {
	c.encOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

func (c *Client) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := backend.AsError(err); ok {
		return err
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		be := backend.NewError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			be = be.WithCode(code)
		}
		return be
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return backend.NewError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return backend.NewError("openai", model, err)
}

func convertMessages(msgs []chat.Message) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case chat.RoleSystem:
			out = append(out, sdk.ChatCompletionMessage{
				Role:    sdk.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case chat.RoleUser:
			out = append(out, sdk.ChatCompletionMessage{
				Role:    sdk.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case chat.RoleAssistant:
			m := sdk.ChatCompletionMessage{
				Role:    sdk.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				raw, err := json.Marshal(tc.Arguments)
				if err != nil {
					raw = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, sdk.ToolCall{
					ID:   tc.ID,
					Type: sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{
						Name:      tc.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, m)
		case chat.RoleTool:
			out = append(out, sdk.ChatCompletionMessage{
				Role:       sdk.ChatMessageRoleTool,
				Content:    msg.ResultText(),
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func convertTools(tools []backend.ToolSchema) []sdk.Tool {
	out := make([]sdk.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func convertToolChoice(choice backend.ToolChoice) any {
	switch choice.Kind {
	case backend.ToolChoiceNone:
		return "none"
	case backend.ToolChoiceRequired:
		return "required"
	case backend.ToolChoiceTool:
		return sdk.ToolChoice{
			Type:     sdk.ToolTypeFunction,
			Function: sdk.ToolFunction{Name: choice.Name},
		}
	default:
		return "auto"
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
