package advisor

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	oaioption "github.com/openai/openai-go/option"

	"github.com/coderwave/wave/internal/safety"
)

// defaultOpenAIMaxTokens caps advisory replies from the OpenAI adapter.
const defaultOpenAIMaxTokens = 1024

type (
	// ChatClient captures the subset of the OpenAI SDK used by the advisor.
	// It is satisfied by the Chat.Completions service of an openai.Client so
	// tests can substitute a stub.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...oaioption.RequestOption) (*openai.ChatCompletion, error)
	}

	// OpenAIOptions configures the OpenAI-backed advisor.
	OpenAIOptions struct {
		// Model is the chat model identifier. Defaults to gpt-4o-mini.
		Model string

		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int64
	}

	// OpenAI implements safety.Advisor on top of the Chat Completions API.
	OpenAI struct {
		chat      ChatClient
		model     string
		maxTokens int64
	}
)

// NewOpenAI builds an OpenAI-backed advisor from the provided chat client and
// options.
func NewOpenAI(chat ChatClient, opts OpenAIOptions) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	model := opts.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	return &OpenAI{chat: chat, model: model, maxTokens: maxTokens}, nil
}

// NewOpenAIFromAPIKey constructs an advisor using the default OpenAI HTTP
// client.
func NewOpenAIFromAPIKey(apiKey string, opts OpenAIOptions) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(oaioption.WithAPIKey(apiKey))
	return NewOpenAI(&oc.Chat.Completions, opts)
}

// Query issues a chat completion and returns the first choice's content.
func (o *OpenAI) Query(ctx context.Context, prompt, systemPrompt string) (safety.AdvisorReply, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := o.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return safety.AdvisorReply{Err: err.Error()}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return safety.AdvisorReply{Err: "empty response"}, errors.New("openai: response has no choices")
	}
	return safety.AdvisorReply{Content: resp.Choices[0].Message.Content, Success: true}, nil
}
