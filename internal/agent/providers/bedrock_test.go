package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/fixerlabs/fixer/internal/agent"
)

func retryTestProvider() *BedrockProvider {
	return &BedrockProvider{maxRetries: 3, retryDelay: time.Millisecond}
}

func TestBedrockRetrySucceedsAfterTransientFailure(t *testing.T) {
	p := retryTestProvider()

	calls := 0
	err := p.retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("ThrottlingException: slow down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBedrockRetryStopsOnTerminalError(t *testing.T) {
	p := retryTestProvider()

	terminal := errors.New("ValidationException: bad request")
	calls := 0
	err := p.retry(context.Background(), func() error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("err = %v, want terminal error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBedrockRetryExhaustsAttempts(t *testing.T) {
	p := retryTestProvider()

	calls := 0
	err := p.retry(context.Background(), func() error {
		calls++
		return errors.New("ServiceUnavailableException: busy")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBedrockRetryHonorsContext(t *testing.T) {
	p := &BedrockProvider{maxRetries: 5, retryDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.retry(ctx, func() error {
		return errors.New("ThrottlingException: slow down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func collectChunks(p *BedrockProvider, events []types.ConverseStreamOutput) []*agent.CompletionChunk {
	eventCh := make(chan types.ConverseStreamOutput, len(events))
	for _, ev := range events {
		eventCh <- ev
	}
	close(eventCh)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		p.consumeEvents(context.Background(), eventCh, func() error { return nil }, chunks, "test-model")
	}()

	var out []*agent.CompletionChunk
	for c := range chunks {
		out = append(out, c)
	}
	return out
}

func TestBedrockUsageSurvivesMessageStop(t *testing.T) {
	p := retryTestProvider()

	chunks := collectChunks(p, []types.ConverseStreamOutput{
		&types.ConverseStreamOutputMemberContentBlockDelta{
			Value: types.ContentBlockDeltaEvent{
				Delta: &types.ContentBlockDeltaMemberText{Value: "Hello"},
			},
		},
		&types.ConverseStreamOutputMemberMessageStop{
			Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn},
		},
		&types.ConverseStreamOutputMemberMetadata{
			Value: types.ConverseStreamMetadataEvent{
				Usage: &types.TokenUsage{
					InputTokens:  aws.Int32(11),
					OutputTokens: aws.Int32(5),
				},
			},
		},
	})

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Text != "Hello" {
		t.Errorf("text = %q, want %q", chunks[0].Text, "Hello")
	}
	final := chunks[1]
	if !final.Done {
		t.Fatal("final chunk is not Done")
	}
	if final.InputTokens != 11 || final.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 11/5", final.InputTokens, final.OutputTokens)
	}
}

func TestBedrockToolCallAccumulation(t *testing.T) {
	p := retryTestProvider()

	chunks := collectChunks(p, []types.ConverseStreamOutput{
		&types.ConverseStreamOutputMemberContentBlockStart{
			Value: types.ContentBlockStartEvent{
				Start: &types.ContentBlockStartMemberToolUse{
					Value: types.ToolUseBlockStart{
						ToolUseId: aws.String("call-1"),
						Name:      aws.String("web_search"),
					},
				},
			},
		},
		&types.ConverseStreamOutputMemberContentBlockDelta{
			Value: types.ContentBlockDeltaEvent{
				Delta: &types.ContentBlockDeltaMemberToolUse{
					Value: types.ToolUseBlockDelta{Input: aws.String(`{"query":"go"}`)},
				},
			},
		},
		&types.ConverseStreamOutputMemberContentBlockStop{
			Value: types.ContentBlockStopEvent{},
		},
		&types.ConverseStreamOutputMemberMessageStop{
			Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse},
		},
	})

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	tc := chunks[0].ToolCall
	if tc == nil {
		t.Fatal("first chunk has no tool call")
	}
	if tc.ID != "call-1" || tc.Name != "web_search" {
		t.Errorf("tool call = %s/%s, want call-1/web_search", tc.ID, tc.Name)
	}
	if got := string(tc.Input); got != `{"query":"go"}` {
		t.Errorf("input = %s", got)
	}
	if !chunks[1].Done {
		t.Error("final chunk is not Done")
	}
}

func TestBedrockRetryableErrorClassification(t *testing.T) {
	p := retryTestProvider()

	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("ThrottlingException: rate exceeded"), true},
		{errors.New("TooManyRequestsException"), true},
		{errors.New("ServiceUnavailableException"), true},
		{errors.New("operation timeout"), true},
		{errors.New("ValidationException: bad input"), false},
		{errors.New("AccessDeniedException"), false},
	}
	for _, tc := range cases {
		if got := p.isRetryableError(tc.err); got != tc.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestBedrockWrapErrorAddsSmithyCode(t *testing.T) {
	p := retryTestProvider()

	err := p.wrapError(&smithyAPIError{code: "ThrottlingException", message: "rate exceeded"}, "m1")
	pe, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("wrapError did not produce a ProviderError: %v", err)
	}
	if pe.Code != "ThrottlingException" {
		t.Errorf("code = %q, want ThrottlingException", pe.Code)
	}
	if pe.Reason != ReasonRateLimit {
		t.Errorf("reason = %q, want %q", pe.Reason, ReasonRateLimit)
	}
	if !strings.Contains(pe.Message, "rate exceeded") {
		t.Errorf("message = %q, want it to carry the API message", pe.Message)
	}
}

// smithyAPIError is a minimal smithy.APIError for classification tests.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string                 { return e.code + ": " + e.message }
func (e *smithyAPIError) ErrorCode() string             { return e.code }
func (e *smithyAPIError) ErrorMessage() string          { return e.message }
func (e *smithyAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
