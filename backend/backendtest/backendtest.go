// Package backendtest provides a scripted backend.Client for tests. Each
// call consumes the next Turn from the script; requests are recorded so tests
// can assert on what the run loop sent.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
)

// Turn scripts one backend call. Err takes precedence; otherwise streaming
// calls play Chunks (derived from Response when empty) and non-streaming
// calls return Response.
type Turn struct {
	Response *backend.Response
	Chunks   []backend.Chunk
	Err      error
}

// Client is a scripted backend.Client and backend.Embedder. The zero value
// with a Script is ready to use; all methods are safe for concurrent use.
type Client struct {
	BackendName string // default "test"
	Script      []Turn

	// CountFunc overrides CountTokens when set. The default charges
	// len(content)/4 per message.
	CountFunc func(msgs []chat.Message) int

	// Embeddings is returned from Embed when set; otherwise small
	// deterministic vectors are generated.
	Embeddings [][]float32

	// Catalog overrides Models when set.
	Catalog []backend.ModelInfo

	mu       sync.Mutex
	calls    int
	requests []*backend.Request
}

// Name returns the configured backend name, default "test".
func (c *Client) Name() string {
	if c.BackendName != "" {
		return c.BackendName
	}
	return "test"
}

// Models returns the configured catalog or a single test model.
func (c *Client) Models() []backend.ModelInfo {
	if c.Catalog != nil {
		return c.Catalog
	}
	return []backend.ModelInfo{
		{ID: "test-model", Name: "Test Model", ContextSize: 8192},
	}
}

// Calls reports how many generate calls the client has served.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Requests returns the recorded requests in call order.
func (c *Client) Requests() []*backend.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*backend.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Request returns the i-th recorded request, or nil when out of range.
func (c *Client) Request(i int) *backend.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.requests) {
		return nil
	}
	return c.requests[i]
}

func (c *Client) next(req *backend.Request) (Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recorded := *req
	c.requests = append(c.requests, &recorded)

	if c.calls >= len(c.Script) {
		return Turn{}, fmt.Errorf("backendtest: script exhausted after %d calls", len(c.Script))
	}
	turn := c.Script[c.calls]
	c.calls++
	return turn, nil
}

// Generate returns the next scripted turn's response.
func (c *Client) Generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	turn, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	if turn.Response != nil {
		return turn.Response, nil
	}
	return responseFromChunks(turn.Chunks), nil
}

// GenerateStream plays the next scripted turn as a chunk stream.
func (c *Client) GenerateStream(ctx context.Context, req *backend.Request) (<-chan *backend.Chunk, error) {
	turn, err := c.next(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *backend.Chunk)
	go func() {
		defer close(chunks)

		if turn.Err != nil {
			select {
			case chunks <- &backend.Chunk{Err: turn.Err}:
			case <-ctx.Done():
			}
			return
		}

		script := turn.Chunks
		if len(script) == 0 && turn.Response != nil {
			script = chunksFromResponse(turn.Response)
		}
		for i := range script {
			ch := script[i]
			select {
			case chunks <- &ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

// CountTokens charges len(content)/4 per message unless CountFunc overrides.
func (c *Client) CountTokens(msgs []chat.Message) int {
	if c.CountFunc != nil {
		return c.CountFunc(msgs)
	}
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content) / 4
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
	if c.Embeddings != nil {
		if len(c.Embeddings) != len(inputs) {
			return nil, errors.New("backendtest: configured embeddings do not match input count")
		}
		return c.Embeddings, nil
	}
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		out[i] = []float32{float32(len(input)), float32(i)}
	}
	return out, nil
}

// TextTurn scripts a turn that streams text and the given usage.
func TextTurn(text string, usage backend.Usage) Turn {
	return Turn{Chunks: []backend.Chunk{
		{Text: text},
		{Usage: &usage},
	}}
}

// ToolCallTurn scripts a turn that streams the given calls and usage.
func ToolCallTurn(usage backend.Usage, calls ...chat.ToolCall) Turn {
	chunks := make([]backend.Chunk, 0, len(calls)+1)
	for i := range calls {
		call := calls[i]
		chunks = append(chunks, backend.Chunk{ToolCall: &call})
	}
	chunks = append(chunks, backend.Chunk{Usage: &usage})
	return Turn{Chunks: chunks}
}

// ErrTurn scripts a failing turn.
func ErrTurn(err error) Turn {
	return Turn{Err: err}
}

// Usage1 is a convenience usage record charging prompt and completion tokens
// for a single request.
func Usage1(prompt, completion int) backend.Usage {
	return backend.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Requests:         1,
	}
}

func responseFromChunks(chunks []backend.Chunk) *backend.Response {
	resp := &backend.Response{}
	for _, ch := range chunks {
		switch {
		case ch.Text != "":
			resp.Content += ch.Text
		case ch.Reasoning != "":
			resp.Reasoning += ch.Reasoning
		case ch.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *ch.ToolCall)
		case ch.Usage != nil:
			resp.Usage = *ch.Usage
		}
	}
	return resp
}

func chunksFromResponse(resp *backend.Response) []backend.Chunk {
	var chunks []backend.Chunk
	if resp.Reasoning != "" {
		chunks = append(chunks, backend.Chunk{Reasoning: resp.Reasoning})
	}
	if resp.Content != "" {
		chunks = append(chunks, backend.Chunk{Text: resp.Content})
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		chunks = append(chunks, backend.Chunk{ToolCall: &call})
	}
	usage := resp.Usage
	chunks = append(chunks, backend.Chunk{Usage: &usage})
	return chunks
}
