package gemini

import (
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
)

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	c, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Name() != "gemini" {
		t.Errorf("Name() = %q, want %q", c.Name(), "gemini")
	}
	if c.model != defaultModel {
		t.Errorf("model = %q, want %q", c.model, defaultModel)
	}
	if c.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", c.maxRetries)
	}
}

func TestConvertMessages(t *testing.T) {
	msgs := []chat.Message{
		{Role: chat.RoleSystem, Content: "be terse"},
		{Role: chat.RoleUser, Content: "run the tool"},
		{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{
			{ID: "call_echo_1", Name: "echo", Arguments: map[string]any{"x": "hi"}},
		}},
		{Role: chat.RoleTool, ToolCallID: "call_echo_1", ToolName: "echo", Result: "hi"},
	}

	contents, system := convertMessages(msgs)
	if system != "be terse" {
		t.Errorf("system = %q, want %q", system, "be terse")
	}
	if len(contents) != 3 {
		t.Fatalf("len(contents) = %d, want 3", len(contents))
	}
	if contents[0].Role != genai.RoleUser {
		t.Errorf("contents[0].Role = %q, want user", contents[0].Role)
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("contents[1].Role = %q, want model", contents[1].Role)
	}
	if contents[1].Parts[0].FunctionCall == nil || contents[1].Parts[0].FunctionCall.Name != "echo" {
		t.Errorf("assistant part = %+v, want echo function call", contents[1].Parts[0])
	}

	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatal("tool message did not produce a function response part")
	}
	if fr.Name != "echo" {
		t.Errorf("FunctionResponse.Name = %q, want echo", fr.Name)
	}
	if fr.Response["result"] != "hi" {
		t.Errorf("FunctionResponse.Response = %v", fr.Response)
	}
}

func TestToolNameFor(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{{ID: "abc123", Name: "search"}}},
	}

	tests := []struct {
		name string
		msg  chat.Message
		want string
	}{
		{"explicit name", chat.Message{ToolName: "echo", ToolCallID: "x"}, "echo"},
		{"lookup by id", chat.Message{ToolCallID: "abc123"}, "search"},
		{"parsed from id", chat.Message{ToolCallID: "call_fetch_17"}, "fetch"},
		{"unknown", chat.Message{ToolCallID: "nope"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolNameFor(tt.msg, history); got != tt.want {
				t.Errorf("toolNameFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseMap(t *testing.T) {
	got := responseMap(chat.Message{Result: `{"count":2}`})
	if got["count"] != float64(2) {
		t.Errorf("JSON object result not passed through: %v", got)
	}

	got = responseMap(chat.Message{Result: "plain text", IsError: true})
	if got["result"] != "plain text" || got["error"] != true {
		t.Errorf("plain result not wrapped: %v", got)
	}
}

func TestConvertSchema(t *testing.T) {
	schema := convertSchema(map[string]any{
		"type":        "object",
		"description": "query input",
		"properties": map[string]any{
			"q":    map[string]any{"type": "string", "enum": []any{"a", "b"}},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"q"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %q, want OBJECT", schema.Type)
	}
	if schema.Description != "query input" {
		t.Errorf("Description = %q", schema.Description)
	}
	q := schema.Properties["q"]
	if q == nil || q.Type != genai.TypeString {
		t.Fatalf("properties.q = %+v", q)
	}
	if len(q.Enum) != 2 {
		t.Errorf("enum = %v, want 2 values", q.Enum)
	}
	tags := schema.Properties["tags"]
	if tags == nil || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("array items not converted: %+v", tags)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Errorf("Required = %v", schema.Required)
	}

	if convertSchema(nil) != nil {
		t.Error("convertSchema(nil) != nil")
	}
}

func TestConvertTools(t *testing.T) {
	tools := convertTools([]backend.ToolSchema{
		{Name: "echo", Description: "echoes", Parameters: map[string]any{"type": "object"}},
	})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "echo" || decl.Description != "echoes" {
		t.Errorf("declaration = %+v", decl)
	}

	if convertTools(nil) != nil {
		t.Error("convertTools(nil) != nil")
	}
}

func TestConvertToolChoice(t *testing.T) {
	tests := []struct {
		name     string
		choice   backend.ToolChoice
		wantMode genai.FunctionCallingConfigMode
		wantFns  int
	}{
		{"auto", backend.ToolChoice{Kind: backend.ToolChoiceAuto}, genai.FunctionCallingConfigModeAuto, 0},
		{"none", backend.ToolChoice{Kind: backend.ToolChoiceNone}, genai.FunctionCallingConfigModeNone, 0},
		{"required", backend.ToolChoice{Kind: backend.ToolChoiceRequired}, genai.FunctionCallingConfigModeAny, 0},
		{"specific", backend.ToolChoice{Kind: backend.ToolChoiceTool, Name: "echo"}, genai.FunctionCallingConfigModeAny, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := convertToolChoice(tt.choice)
			if cfg.FunctionCallingConfig.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", cfg.FunctionCallingConfig.Mode, tt.wantMode)
			}
			if len(cfg.FunctionCallingConfig.AllowedFunctionNames) != tt.wantFns {
				t.Errorf("AllowedFunctionNames = %v", cfg.FunctionCallingConfig.AllowedFunctionNames)
			}
		})
	}
}

func TestBuildConfig(t *testing.T) {
	c, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}

	req := &backend.Request{
		Options: backend.Options{
			MaxTokens:     backend.Int(256),
			Temperature:   backend.Float(0.5),
			StopSequences: []string{"END"},
		},
		JSONMode: true,
	}
	cfg := c.buildConfig(req, "system prompt")

	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "system prompt" {
		t.Errorf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != 256 {
		t.Errorf("MaxOutputTokens = %d, want 256", cfg.MaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", cfg.Temperature)
	}
	if len(cfg.StopSequences) != 1 {
		t.Errorf("StopSequences = %v", cfg.StopSequences)
	}
	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("ResponseMIMEType = %q", cfg.ResponseMIMEType)
	}
}

func TestUsageFromMetadata(t *testing.T) {
	c, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}

	u := usageFromMetadata(c.Models(), "gemini-2.0-flash", nil)
	if u.Requests != 1 || u.TotalTokens != 0 {
		t.Errorf("nil metadata usage = %+v", u)
	}

	u = usageFromMetadata(c.Models(), "gemini-2.0-flash", &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     100,
		CandidatesTokenCount: 40,
		ThoughtsTokenCount:   10,
		TotalTokenCount:      150,
	})
	if u.PromptTokens != 100 || u.CompletionTokens != 50 || u.TotalTokens != 150 {
		t.Errorf("usage = %+v", u)
	}
	if u.Cost <= 0 {
		t.Errorf("Cost = %v, want > 0 for cataloged model", u.Cost)
	}
}

func TestNewToolCallID(t *testing.T) {
	id := newToolCallID("echo")
	if !strings.HasPrefix(id, "call_echo_") {
		t.Errorf("id = %q, want call_echo_ prefix", id)
	}
	if another := newToolCallID("echo"); another == id {
		t.Errorf("consecutive IDs collided: %q", id)
	}
}

func TestCountTokensMonotonic(t *testing.T) {
	c, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}

	msgs := []chat.Message{{Role: chat.RoleUser, Content: "hello world, this is a prompt"}}
	base := c.CountTokens(msgs)

	msgs = append(msgs, chat.Message{Role: chat.RoleAssistant, Content: "and this is a longer reply"})
	if grown := c.CountTokens(msgs); grown < base {
		t.Errorf("CountTokens shrank after append: %d -> %d", base, grown)
	}
}
