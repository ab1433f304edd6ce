package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fixerlabs/fixer/internal/agent"
	"github.com/fixerlabs/fixer/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

type schemaTool struct {
	name   string
	schema string
}

func (t schemaTool) Name() string        { return t.name }
func (t schemaTool) Description() string { return "test tool" }
func (t schemaTool) Schema() json.RawMessage {
	return json.RawMessage(t.schema)
}
func (t schemaTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestOpenAIConvertMessagesInjectsSystem(t *testing.T) {
	p := NewOpenAIProvider("test-key")

	msgs, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
	}, "be terse")
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be terse" {
		t.Errorf("first message = %+v, want system prompt", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Errorf("second message = %+v, want user message", msgs[1])
	}
}

func TestOpenAIConvertMessagesToolResultsFanOut(t *testing.T) {
	p := NewOpenAIProvider("test-key")

	msgs, err := p.convertMessages([]agent.CompletionMessage{
		{
			Role: "tool",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "first"},
				{ToolCallID: "call_2", Content: "second"},
			},
		},
	}, "")
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want one per tool result", len(msgs))
	}
	for i, want := range []string{"call_1", "call_2"} {
		if msgs[i].Role != openai.ChatMessageRoleTool {
			t.Errorf("message %d role = %q, want tool", i, msgs[i].Role)
		}
		if msgs[i].ToolCallID != want {
			t.Errorf("message %d ToolCallID = %q, want %q", i, msgs[i].ToolCallID, want)
		}
	}
}

func TestOpenAIConvertMessagesAssistantToolCalls(t *testing.T) {
	p := NewOpenAIProvider("test-key")

	msgs, err := p.convertMessages([]agent.CompletionMessage{
		{
			Role:    "assistant",
			Content: "let me check",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "web_search", Input: json.RawMessage(`{"query":"go"}`)},
			},
		},
	}, "")
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(msgs[0].ToolCalls))
	}
	tc := msgs[0].ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "web_search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"query":"go"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestOpenAIConvertToolsBadSchemaDegrades(t *testing.T) {
	p := NewOpenAIProvider("test-key")

	tools := p.convertTools([]agent.Tool{
		schemaTool{name: "good", schema: `{"type":"object","properties":{}}`},
		schemaTool{name: "bad", schema: `{not json`},
	})

	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("bad tool parameters type %T", tools[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("bad schema should degrade to empty object schema, got %v", params)
	}
}

func TestOpenAICompleteWithoutKey(t *testing.T) {
	p := NewOpenAIProvider("")

	_, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestOpenAIIsRetryableError(t *testing.T) {
	p := NewOpenAIProvider("test-key")

	if !p.isRetryableError(errors.New("rate limit reached")) {
		t.Error("rate limit should be retryable")
	}
	if !p.isRetryableError(errors.New("status 503 from upstream")) {
		t.Error("503 should be retryable")
	}
	if p.isRetryableError(errors.New("invalid api key")) {
		t.Error("auth errors should not be retryable")
	}
	if p.isRetryableError(nil) {
		t.Error("nil should not be retryable")
	}
}
