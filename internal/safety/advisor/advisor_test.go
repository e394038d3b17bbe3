package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	oaioption "github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/safety"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	calls      int
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	s.calls++
	return s.resp, s.err
}

type stubChatClient struct {
	lastParams openai.ChatCompletionNewParams
	resp       *openai.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...oaioption.RequestOption) (*openai.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

type stubAdvisor struct {
	calls int
	reply safety.AdvisorReply
	err   error
}

func (s *stubAdvisor) Query(context.Context, string, string) (safety.AdvisorReply, error) {
	s.calls++
	return s.reply, s.err
}

func TestAnthropicQueryConcatenatesTextBlocks(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: `{"safe":true,`},
				{Type: "tool_use", Name: "ignored"},
				{Type: "text", Text: `"score":1.0}`},
			},
		},
	}
	adv, err := NewAnthropic(stub, AnthropicOptions{})
	require.NoError(t, err)

	reply, err := adv.Query(context.Background(), "review this", "be strict")
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, `{"safe":true,"score":1.0}`, reply.Content)

	require.Equal(t, sdk.Model(sdk.ModelClaude3_5HaikuLatest), stub.lastParams.Model)
	require.Equal(t, int64(defaultAnthropicMaxTokens), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.Messages, 1)
	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "be strict", stub.lastParams.System[0].Text)
}

func TestAnthropicQueryOmitsEmptySystemPrompt(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	adv, err := NewAnthropic(stub, AnthropicOptions{Model: "claude-test", MaxTokens: 64})
	require.NoError(t, err)

	_, err = adv.Query(context.Background(), "prompt", "")
	require.NoError(t, err)
	require.Empty(t, stub.lastParams.System)
	require.Equal(t, sdk.Model("claude-test"), stub.lastParams.Model)
	require.Equal(t, int64(64), stub.lastParams.MaxTokens)
}

func TestAnthropicQueryError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("boom")}
	adv, err := NewAnthropic(stub, AnthropicOptions{})
	require.NoError(t, err)

	reply, err := adv.Query(context.Background(), "prompt", "")
	require.Error(t, err)
	require.False(t, reply.Success)
	require.Contains(t, reply.Err, "boom")
}

func TestNewAnthropicRequiresClient(t *testing.T) {
	_, err := NewAnthropic(nil, AnthropicOptions{})
	require.Error(t, err)
}

func TestOpenAIQueryReturnsFirstChoice(t *testing.T) {
	stub := &stubChatClient{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: `{"safe":false}`}},
			},
		},
	}
	adv, err := NewOpenAI(stub, OpenAIOptions{})
	require.NoError(t, err)

	reply, err := adv.Query(context.Background(), "review this", "be strict")
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, `{"safe":false}`, reply.Content)

	require.Equal(t, openai.ChatModel(openai.ChatModelGPT4oMini), stub.lastParams.Model)
	// System prompt plus user prompt.
	require.Len(t, stub.lastParams.Messages, 2)
}

func TestOpenAIQueryNoChoices(t *testing.T) {
	stub := &stubChatClient{resp: &openai.ChatCompletion{}}
	adv, err := NewOpenAI(stub, OpenAIOptions{})
	require.NoError(t, err)

	reply, err := adv.Query(context.Background(), "prompt", "")
	require.Error(t, err)
	require.False(t, reply.Success)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestLimitBlocksWhenBucketExhausted(t *testing.T) {
	inner := &stubAdvisor{reply: safety.AdvisorReply{Content: "ok", Success: true}}
	limited := Limit(inner, 1, 1) // one query per minute, burst of one

	_, err := limited.Query(context.Background(), "p", "")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Query(ctx, "p", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "advisor rate limit")
	require.Equal(t, 1, inner.calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubAdvisor{reply: safety.AdvisorReply{Err: "down"}, err: errors.New("down")}
	br := Break(inner, "test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := br.Query(context.Background(), "p", "")
		require.Error(t, err)
	}
	require.Equal(t, 3, inner.calls)

	_, err := br.Query(context.Background(), "p", "")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, 3, inner.calls, "open breaker must not touch the provider")
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &stubAdvisor{reply: safety.AdvisorReply{Content: "verdict", Success: true}}
	br := Break(inner, "test", 0, 0)

	reply, err := br.Query(context.Background(), "p", "")
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, "verdict", reply.Content)
}

func TestHardenComposes(t *testing.T) {
	inner := &stubAdvisor{reply: safety.AdvisorReply{Content: "ok", Success: true}}
	adv := Harden(inner, "test", HardenOptions{})

	reply, err := adv.Query(context.Background(), "p", "")
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, 1, inner.calls)
}
