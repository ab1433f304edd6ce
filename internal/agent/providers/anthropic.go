// Package providers contains LLMProvider implementations for the upstream
// model APIs fixer can drive: Anthropic, OpenAI, and AWS Bedrock. Each
// provider converts between the agent's message format and the vendor SDK,
// streams completion chunks over a channel, and retries transient failures.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/fixerlabs/fixer/internal/agent"
	"github.com/fixerlabs/fixer/pkg/models"
)

// maxEmptyStreamEvents bounds how many consecutive no-op stream events we
// tolerate before treating the stream as stalled.
const maxEmptyStreamEvents = 300

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. May be empty for
	// delayed configuration; Complete errors until a key is set.
	APIKey string

	// BaseURL overrides the API endpoint (optional, for proxies).
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string

	// MaxRetries for transient failures (default: 3).
	MaxRetries int

	// RetryDelay is the base delay; actual delay doubles per attempt.
	RetryDelay time.Duration
}

// AnthropicProvider implements agent.LLMProvider for Anthropic's Claude
// models. It is safe for concurrent use; each Complete call owns an
// independent stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	hasKey       bool
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		hasKey:       cfg.APIKey != "",
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

// Name returns the provider identifier used for routing and logging.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the Claude models this provider knows about.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools reports tool-use capability. Always true for Claude.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request and returns a channel of streamed
// chunks. Errors returned here are immediate failures; streaming errors
// arrive on the channel via chunk.Error.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if !p.hasKey {
		return nil, errors.New("anthropic: API key not configured")
	}

	var stream *streamHandle
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: delay doubles per attempt.
			delay := p.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		stream, lastErr = p.createStream(ctx, req)
		if lastErr == nil {
			break
		}
		if !p.isRetryableError(lastErr) {
			return nil, p.wrapError(lastErr, p.getModel(req))
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(lastErr, p.getModel(req)))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, p.getModel(req))

	return chunks, nil
}

type streamHandle = ssestream.Stream[anthropic.MessageStreamEventUnion]

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*streamHandle, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req)),
		MaxTokens: int64(p.getMaxTokens(req)),
		Messages:  p.convertMessages(req.Messages),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		params.Tools = p.convertTools(req.Tools)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *streamHandle, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var currentToolCall *models.ToolCall
	var toolInputBuilder strings.Builder
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		event := stream.Current()
		progressed := true

		switch eventVariant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			inputTokens = int(eventVariant.Message.Usage.InputTokens)

		case anthropic.ContentBlockStartEvent:
			if toolUse, ok := eventVariant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				toolInputBuilder.Reset()
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case anthropic.InputJSONDelta:
				toolInputBuilder.WriteString(delta.PartialJSON)
			default:
				progressed = false
			}

		case anthropic.ContentBlockStopEvent:
			if currentToolCall != nil {
				input := toolInputBuilder.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				toolInputBuilder.Reset()
			}

		case anthropic.MessageDeltaEvent:
			outputTokens = int(eventVariant.Usage.OutputTokens)

		case anthropic.MessageStopEvent:
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		default:
			progressed = false
		}

		if progressed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{
					Error: fmt.Errorf("anthropic: stream stalled after %d empty events", emptyEvents),
					Done:  true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model), Done: true}
		return
	}

	chunks <- &agent.CompletionChunk{
		Done:         true,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

// convertMessages maps the agent message format onto Anthropic content
// blocks. System messages are skipped; they travel in the System field.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(blocks) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			// Tool results ride in user-role messages on this API.
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}

	return result
}

func (p *AnthropicProvider) convertTools(tools []agent.Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{
				Properties: map[string]any{},
			}
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if desc := tool.Description(); desc != "" && param.OfTool != nil {
			param.OfTool.Description = anthropic.String(desc)
		}
		result = append(result, param)
	}

	return result
}

func (p *AnthropicProvider) getModel(req *agent.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) getMaxTokens(req *agent.CompletionRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 4096
}

func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	retryable := []string{"overloaded_error", "rate limit", "429", "500", "502", "503", "529", "timeout", "deadline exceeded"}
	for _, s := range retryable {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	pe := NewProviderError("anthropic", model, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.StatusCode)
		var payload anthropicErrorPayload
		if jsonErr := json.Unmarshal([]byte(apiErr.RawJSON()), &payload); jsonErr == nil {
			if payload.Error.Type != "" {
				pe.WithCode(payload.Error.Type)
			}
			if payload.Error.Message != "" {
				pe.WithMessage(payload.Error.Message)
			}
			if payload.RequestID != "" {
				pe.WithRequestID(payload.RequestID)
			}
		}
	}

	return pe
}

// CountTokens gives a rough token estimate for budgeting. Roughly four
// characters per token for English text.
func (p *AnthropicProvider) CountTokens(text string) int {
	return len(text) / 4
}
