package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fixerlabs/fixer/internal/observability"
	"github.com/fixerlabs/fixer/internal/sessions"
	"github.com/fixerlabs/fixer/pkg/models"
)

const (
	// processBufferSize is the capacity of the response chunk channel.
	processBufferSize = 32

	// MaxResponseTextSize caps accumulated response text per round (1MB).
	MaxResponseTextSize = 1 << 20

	// MaxToolCallsPerIteration caps tool calls collected in one round.
	MaxToolCallsPerIteration = 16
)

// LoopConfig configures loop behavior including the iteration bound and
// token budget.
type LoopConfig struct {
	// MaxIterations bounds the number of tool-use rounds per turn.
	// When the bound is reached the loop forces one last tool-free
	// round so the turn always produces a streamed answer.
	// Default: 5
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// HistoryLimit is how many prior messages are loaded per turn
	// Default: 50
	HistoryLimit int

	// Logger receives loop diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records LLM and tool instrumentation. May be nil.
	Metrics *observability.Metrics
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations: 5,
		MaxTokens:     4096,
		HistoryLimit:  50,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		config = DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// Loop implements a multi-turn tool-use conversation loop.
//
// The loop operates as a state machine:
//
//	Init ──▶ Stream ──▶ Execute Tools ──▶ Stream ... (bounded)
//	           │
//	           ▼ (no tool calls)
//	        Complete
//
// Each turn runs at most MaxIterations tool-use rounds. If the model is
// still requesting tools when the bound is hit, the loop runs one final
// round with no tools offered so the model must answer in text. Turns on
// the same thread are serialized by a per-thread lock; turns on distinct
// threads run concurrently.
type Loop struct {
	provider LLMProvider
	registry *ToolRegistry
	sessions sessions.Store
	locker   *sessions.Locker
	config   *LoopConfig

	defaultModel  string
	defaultSystem string
}

// NewLoop creates a loop with the given provider, tool registry, and
// thread store. If config is nil, DefaultLoopConfig is used.
func NewLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *Loop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		sessions: store,
		locker:   sessions.NewLocker(),
		config:   sanitizeLoopConfig(config),
	}
}

// SetDefaultModel sets the model used when requests do not specify one.
func (l *Loop) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the system prompt applied to every turn.
func (l *Loop) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// RegisterTool adds a tool to the loop's registry.
func (l *Loop) RegisterTool(tool Tool) {
	l.registry.Register(tool)
}

// Registry returns the loop's tool registry.
func (l *Loop) Registry() *ToolRegistry {
	return l.registry
}

// LoopState tracks one turn's execution: phase, iteration count, and the
// accumulated completion messages.
type LoopState struct {
	Phase           LoopPhase
	Iteration       int
	Messages        []CompletionMessage
	AccumulatedText string
}

// Run executes one turn on the given thread and streams results through
// a channel. The channel is closed when the turn completes or an error
// chunk is emitted; an error chunk is always the last chunk.
func (l *Loop) Run(ctx context.Context, threadID string, content string) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.sessions == nil {
		return nil, errors.New("no thread store configured")
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("thread id is required")
	}

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)

		unlock, err := l.locker.Lock(ctx, threadID)
		if err != nil {
			emit(ctx, chunks, &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}})
			return
		}
		defer unlock()

		state := &LoopState{Phase: PhaseInit}

		if err := l.initializeState(ctx, threadID, content, state); err != nil {
			emit(ctx, chunks, &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}})
			return
		}

		for state.Iteration < l.config.MaxIterations {
			select {
			case <-ctx.Done():
				emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
					Phase:     state.Phase,
					Iteration: state.Iteration,
					Cause:     ctx.Err(),
				}})
				return
			default:
			}

			// Stream phase: call the LLM with tools offered. Text is
			// buffered, not emitted; only a round that ends without
			// tool calls may surface text to the client.
			state.Phase = PhaseStream
			toolCalls, deltas, err := l.streamPhase(ctx, state, l.registry.AsLLMTools(), nil)
			if err != nil {
				emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}})
				return
			}

			if len(toolCalls) == 0 {
				// Final round: replay the buffered deltas in order.
				for _, delta := range deltas {
					if !emit(ctx, chunks, &ResponseChunk{Text: delta}) {
						return
					}
				}
				if err := l.persistAssistantMessage(ctx, threadID, state, nil); err != nil {
					emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
						Phase:     PhaseStream,
						Iteration: state.Iteration,
						Cause:     err,
					}})
					return
				}
				state.Phase = PhaseComplete
				return
			}

			if err := l.persistAssistantMessage(ctx, threadID, state, toolCalls); err != nil {
				emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}})
				return
			}

			// Execute tools phase: announce, run in call order, report.
			state.Phase = PhaseExecuteTools
			toolResults, err := l.executeToolsPhase(ctx, threadID, toolCalls, chunks)
			if err != nil {
				emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}})
				return
			}

			l.continueState(state, toolCalls, toolResults)
			state.Iteration++
		}

		// Bound exhausted: force one tool-free round so the turn still
		// ends with a streamed answer.
		l.config.Logger.Debug("iteration bound reached, forcing final round",
			"thread_id", threadID,
			"max_iterations", l.config.MaxIterations)

		state.Phase = PhaseFinal
		if _, _, err := l.streamPhase(ctx, state, nil, chunks); err != nil {
			emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
				Phase:     PhaseFinal,
				Iteration: state.Iteration,
				Cause:     err,
			}})
			return
		}
		if err := l.persistAssistantMessage(ctx, threadID, state, nil); err != nil {
			emit(ctx, chunks, &ResponseChunk{Error: &LoopError{
				Phase:     PhaseFinal,
				Iteration: state.Iteration,
				Cause:     err,
			}})
			return
		}
		state.Phase = PhaseComplete
	}()

	return chunks, nil
}

// emit delivers a chunk unless ctx is cancelled first. A false return
// means the consumer is gone; the turn must wind down without blocking
// on the channel again.
func emit(ctx context.Context, ch chan<- *ResponseChunk, chunk *ResponseChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// initializeState loads conversation history, appends the new user
// message, and persists it.
func (l *Loop) initializeState(ctx context.Context, threadID, content string, state *LoopState) error {
	if _, err := l.sessions.GetOrCreate(ctx, threadID); err != nil {
		return fmt.Errorf("get or create thread: %w", err)
	}

	history, err := l.sessions.History(ctx, threadID, l.config.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		state.Messages = append(state.Messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	state.Messages = append(state.Messages, CompletionMessage{
		Role:    string(models.RoleUser),
		Content: content,
	})

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := l.sessions.AppendMessage(ctx, threadID, userMsg); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	return nil
}

// streamPhase streams one model round. Text deltas are collected; when
// live is non-nil each delta is also emitted immediately, which is how
// the forced final round streams. Returns collected tool calls and the
// ordered deltas.
func (l *Loop) streamPhase(ctx context.Context, state *LoopState, tools []Tool, live chan<- *ResponseChunk) ([]models.ToolCall, []string, error) {
	req := &CompletionRequest{
		Model:     l.defaultModel,
		System:    l.defaultSystem,
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}

	started := time.Now()
	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.observeLLMRequest(req.Model, "error", started)
		return nil, nil, err
	}

	var toolCalls []models.ToolCall
	var deltas []string
	var textBuilder strings.Builder
	var inputTokens, outputTokens int

	for chunk := range completion {
		if chunk.Error != nil {
			l.observeLLMRequest(req.Model, "error", started)
			return nil, nil, chunk.Error
		}

		inputTokens += chunk.InputTokens
		outputTokens += chunk.OutputTokens

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				l.observeLLMRequest(req.Model, "error", started)
				return nil, nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			deltas = append(deltas, chunk.Text)
			if live != nil {
				if !emit(ctx, live, &ResponseChunk{Text: chunk.Text}) {
					return nil, nil, ctx.Err()
				}
			}
		}

		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				l.observeLLMRequest(req.Model, "error", started)
				return nil, nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	l.observeLLMRequest(req.Model, "success", started)
	l.observeLLMTokens(req.Model, inputTokens, outputTokens)

	state.AccumulatedText = textBuilder.String()
	return toolCalls, deltas, nil
}

// observeLLMRequest records one provider call. No-op without metrics.
func (l *Loop) observeLLMRequest(model, status string, started time.Time) {
	if l.config.Metrics == nil {
		return
	}
	provider := l.provider.Name()
	l.config.Metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	l.config.Metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(started).Seconds())
}

func (l *Loop) observeLLMTokens(model string, input, output int) {
	if l.config.Metrics == nil {
		return
	}
	provider := l.provider.Name()
	if input > 0 {
		l.config.Metrics.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(input))
	}
	if output > 0 {
		l.config.Metrics.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(output))
	}
}

// executeToolsPhase announces and executes tool calls in order, emitting
// a call and result chunk for each.
func (l *Loop) executeToolsPhase(ctx context.Context, threadID string, toolCalls []models.ToolCall, chunks chan<- *ResponseChunk) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(toolCalls))

	for i := range toolCalls {
		tc := toolCalls[i]
		if !emit(ctx, chunks, &ResponseChunk{ToolCall: &tc}) {
			return nil, ctx.Err()
		}

		started := time.Now()
		res := l.registry.ExecuteCall(ctx, tc)
		l.config.Logger.Debug("tool executed",
			"tool", tc.Name,
			"thread_id", threadID,
			"is_error", res.IsError,
			"duration", time.Since(started))

		if l.config.Metrics != nil {
			status := "success"
			if res.IsError {
				status = "error"
			}
			l.config.Metrics.ToolExecutionCounter.WithLabelValues(tc.Name, status).Inc()
			l.config.Metrics.ToolExecutionDuration.WithLabelValues(tc.Name).Observe(time.Since(started).Seconds())
		}

		results = append(results, res)
		if !emit(ctx, chunks, &ResponseChunk{ToolResult: &results[len(results)-1], ToolName: tc.Name}) {
			return nil, ctx.Err()
		}
	}

	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	if err := l.sessions.AppendMessage(ctx, threadID, toolMsg); err != nil {
		return nil, fmt.Errorf("persist tool results: %w", err)
	}
	return results, nil
}

// continueState appends the assistant round and its tool results to the
// in-flight conversation.
func (l *Loop) continueState(state *LoopState, toolCalls []models.ToolCall, toolResults []models.ToolResult) {
	state.Messages = append(state.Messages, CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
	})
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        string(models.RoleTool),
		ToolResults: toolResults,
	})
	state.AccumulatedText = ""
}

func (l *Loop) persistAssistantMessage(ctx context.Context, threadID string, state *LoopState, toolCalls []models.ToolCall) error {
	msg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      models.RoleAssistant,
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	if err := l.sessions.AppendMessage(ctx, threadID, msg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}
