package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fixerlabs/fixer/internal/observability"
	"github.com/fixerlabs/fixer/internal/sessions"
	"github.com/fixerlabs/fixer/pkg/models"
)

// loopTestProvider replays canned chunk sequences, one per Complete call.
// The last sequence is repeated if called more times than scripted.
type loopTestProvider struct {
	responses [][]CompletionChunk
	calls     atomic.Int32

	mu   sync.Mutex
	reqs []*CompletionRequest
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := int(p.calls.Add(1)) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}

	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	chunks := p.responses[idx]
	out := make(chan *CompletionChunk, len(chunks)+1)
	go func() {
		defer close(out)
		for i := range chunks {
			out <- &chunks[i]
		}
		out <- &CompletionChunk{Done: true}
	}()
	return out, nil
}

func (p *loopTestProvider) Name() string        { return "test" }
func (p *loopTestProvider) Models() []Model     { return nil }
func (p *loopTestProvider) SupportsTools() bool { return true }

func (p *loopTestProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.reqs) {
		return nil
	}
	return p.reqs[i]
}

// echoTool returns its input back as text.
type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes the input" }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "echo: " + string(params)}, nil
}

// failingTool always returns a Go error.
type failingTool struct{}

func (t *failingTool) Name() string            { return "broken" }
func (t *failingTool) Description() string     { return "Always fails" }
func (t *failingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *failingTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return nil, errors.New("backend exploded")
}

func collect(t *testing.T, chunks <-chan *ResponseChunk) []*ResponseChunk {
	t.Helper()
	var out []*ResponseChunk
	for chunk := range chunks {
		out = append(out, chunk)
	}
	return out
}

func textOf(chunks []*ResponseChunk) string {
	s := ""
	for _, c := range chunks {
		s += c.Text
	}
	return s
}

func TestRunDirectAnswer(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{Text: "Hel"}, {Text: "lo"}},
	}}
	store := sessions.NewMemoryStore()
	loop := NewLoop(provider, NewToolRegistry(), store, nil)

	chunks, err := loop.Run(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	if text := textOf(got); text != "Hello" {
		t.Errorf("streamed text = %q, want %q", text, "Hello")
	}
	for _, c := range got {
		if c.Error != nil {
			t.Errorf("unexpected error chunk: %v", c.Error)
		}
	}

	history, err := store.History(context.Background(), "t1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "hi" {
		t.Errorf("user message = %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "Hello" {
		t.Errorf("assistant message = %+v", history[1])
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)}}},
		{{Text: "done"}},
	}}
	store := sessions.NewMemoryStore()
	registry := NewToolRegistry()
	registry.Register(&echoTool{})
	loop := NewLoop(provider, registry, store, nil)

	chunks, err := loop.Run(context.Background(), "t1", "use the tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	if len(got) != 3 {
		t.Fatalf("chunk count = %d, want 3 (call, result, text): %+v", len(got), got)
	}
	if got[0].ToolCall == nil || got[0].ToolCall.Name != "echo" {
		t.Errorf("first chunk = %+v, want tool call", got[0])
	}
	if got[1].ToolResult == nil || got[1].ToolResult.IsError {
		t.Errorf("second chunk = %+v, want tool result", got[1])
	}
	if got[1].ToolName != "echo" {
		t.Errorf("tool result name = %q, want echo", got[1].ToolName)
	}
	if got[2].Text != "done" {
		t.Errorf("third chunk = %+v, want text", got[2])
	}

	// Second model call must see the tool results.
	req := provider.request(1)
	if req == nil {
		t.Fatal("provider not called a second time")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 {
		t.Errorf("final request message = %+v, want tool results", last)
	}

	history, _ := store.History(context.Background(), "t1", 0)
	roles := make([]models.Role, 0, len(history))
	for _, m := range history {
		roles = append(roles, m.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if fmt.Sprint(roles) != fmt.Sprint(want) {
		t.Errorf("history roles = %v, want %v", roles, want)
	}
}

func TestRunSuppressesTextBeforeToolCalls(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{Text: "Let me look that up."}, {ToolCall: &models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}}},
		{{Text: "answer"}},
	}}
	registry := NewToolRegistry()
	registry.Register(&echoTool{})
	loop := NewLoop(provider, registry, sessions.NewMemoryStore(), nil)

	chunks, err := loop.Run(context.Background(), "t1", "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	if text := textOf(got); text != "answer" {
		t.Errorf("streamed text = %q, want only final round text", text)
	}
}

func TestRunForcesFinalRoundAtBound(t *testing.T) {
	toolRound := []CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "c", Name: "echo", Input: json.RawMessage(`{}`)}},
	}
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		toolRound, toolRound, {{Text: "best effort answer"}},
	}}
	registry := NewToolRegistry()
	registry.Register(&echoTool{})
	loop := NewLoop(provider, registry, sessions.NewMemoryStore(), &LoopConfig{MaxIterations: 2})

	chunks, err := loop.Run(context.Background(), "t1", "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
	}
	if text := textOf(got); text != "best effort answer" {
		t.Errorf("streamed text = %q", text)
	}
	if n := provider.calls.Load(); n != 3 {
		t.Errorf("provider calls = %d, want 3 (2 bounded + 1 final)", n)
	}

	// The forced round must not offer tools.
	final := provider.request(2)
	if final == nil {
		t.Fatal("no final request recorded")
	}
	if len(final.Tools) != 0 {
		t.Errorf("final request offered %d tools, want 0", len(final.Tools))
	}
}

func TestRunUnknownToolContinues(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "c1", Name: "nope", Input: json.RawMessage(`{}`)}}},
		{{Text: "recovered"}},
	}}
	loop := NewLoop(provider, NewToolRegistry(), sessions.NewMemoryStore(), nil)

	chunks, err := loop.Run(context.Background(), "t1", "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	var result *models.ToolResult
	for _, c := range got {
		if c.ToolResult != nil {
			result = c.ToolResult
		}
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
	}
	if result == nil {
		t.Fatal("no tool result chunk")
	}
	if !result.IsError || result.Content != `Tool "nope" not found.` {
		t.Errorf("tool result = %+v", result)
	}
	if text := textOf(got); text != "recovered" {
		t.Errorf("streamed text = %q", text)
	}
}

func TestRunToolErrorBecomesResult(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "c1", Name: "broken", Input: json.RawMessage(`{}`)}}},
		{{Text: "ok"}},
	}}
	registry := NewToolRegistry()
	registry.Register(&failingTool{})
	loop := NewLoop(provider, registry, sessions.NewMemoryStore(), nil)

	chunks, err := loop.Run(context.Background(), "t1", "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	var result *models.ToolResult
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("tool failure escalated to loop error: %v", c.Error)
		}
		if c.ToolResult != nil {
			result = c.ToolResult
		}
	}
	if result == nil || !result.IsError {
		t.Fatalf("tool result = %+v, want error result", result)
	}
}

func TestRunProviderErrorTerminates(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{Text: "partial"}, {Error: errors.New("upstream failure")}},
	}}
	loop := NewLoop(provider, NewToolRegistry(), sessions.NewMemoryStore(), nil)

	chunks, err := loop.Run(context.Background(), "t1", "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, chunks)

	last := got[len(got)-1]
	if last.Error == nil {
		t.Fatal("no error chunk emitted")
	}
	var loopErr *LoopError
	if !errors.As(last.Error, &loopErr) {
		t.Fatalf("error = %T, want *LoopError", last.Error)
	}
	if loopErr.Phase != PhaseStream {
		t.Errorf("phase = %q, want stream", loopErr.Phase)
	}
	// Nothing after the error chunk.
	for _, c := range got[:len(got)-1] {
		if c.Error != nil {
			t.Error("error chunk emitted before the last chunk")
		}
	}
	// Text from the failed round must not leak.
	if text := textOf(got); text != "" {
		t.Errorf("streamed text = %q, want none", text)
	}
}

func TestRunEmptyThreadID(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{{{Text: "x"}}}}
	loop := NewLoop(provider, NewToolRegistry(), sessions.NewMemoryStore(), nil)

	if _, err := loop.Run(context.Background(), "  ", "q"); err == nil {
		t.Error("Run with blank thread id succeeded, want error")
	}
}

func TestRunNoProvider(t *testing.T) {
	loop := NewLoop(nil, NewToolRegistry(), sessions.NewMemoryStore(), nil)
	if _, err := loop.Run(context.Background(), "t1", "q"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestRunClientGoneReleasesThread(t *testing.T) {
	deltas := make([]CompletionChunk, 100)
	for i := range deltas {
		deltas[i] = CompletionChunk{Text: "x"}
	}
	provider := &loopTestProvider{responses: [][]CompletionChunk{deltas}}
	loop := NewLoop(provider, NewToolRegistry(), sessions.NewMemoryStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := loop.Run(ctx, "t-gone", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Read a single chunk, then walk away mid-stream without draining.
	<-chunks
	cancel()

	// The producer must observe the cancellation, close the channel, and
	// release the thread lock instead of blocking on the full buffer.
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-chunks:
		case <-deadline:
			t.Fatal("chunk channel never closed after cancellation")
		}
	}

	next, err := loop.Run(context.Background(), "t-gone", "again")
	if err != nil {
		t.Fatalf("Run after disconnect: %v", err)
	}
	for chunk := range next {
		if chunk.Error != nil {
			t.Fatalf("second turn on the thread failed: %v", chunk.Error)
		}
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)}}},
		{{Text: "done", InputTokens: 3, OutputTokens: 7}},
	}}
	m := observability.NewMetrics(prometheus.NewRegistry())
	loop := NewLoop(provider, NewToolRegistry(), sessions.NewMemoryStore(), &LoopConfig{Metrics: m})
	loop.SetDefaultModel("m1")
	loop.RegisterTool(&echoTool{})

	chunks, err := loop.Run(context.Background(), "t-metrics", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("turn failed: %v", chunk.Error)
		}
	}

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("test", "m1", "success")); got != 2 {
		t.Errorf("llm success requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("echo", "success")); got != 1 {
		t.Errorf("echo executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("test", "m1", "prompt")); got != 3 {
		t.Errorf("prompt tokens = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("test", "m1", "completion")); got != 7 {
		t.Errorf("completion tokens = %v, want 7", got)
	}
}
