// Package advisor provides advisory-model implementations of the safety
// scorer's second-opinion hook. Adapters translate safety.Advisor queries
// into Anthropic Messages or OpenAI Chat Completions calls; Limit and Break
// add rate limiting and circuit breaking at the provider boundary.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/coderwave/wave/internal/safety"
)

// defaultAnthropicMaxTokens caps advisory replies. Verdicts are a short JSON
// object, so the cap exists only to bound runaway generations.
const defaultAnthropicMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the advisor. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// AnthropicOptions configures the Claude-backed advisor.
	AnthropicOptions struct {
		// Model is the Claude model identifier. Defaults to
		// claude-3-5-haiku-latest: advisory verdicts are short and frequent,
		// which is what the small models are for.
		Model string

		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int64
	}

	// Anthropic implements safety.Advisor on top of the Claude Messages API.
	Anthropic struct {
		msg       MessagesClient
		model     string
		maxTokens int64
	}
)

// NewAnthropic builds a Claude-backed advisor from the provided Messages
// client and options.
func NewAnthropic(msg MessagesClient, opts AnthropicOptions) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	model := opts.Model
	if model == "" {
		model = string(sdk.ModelClaude3_5HaikuLatest)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewAnthropicFromAPIKey constructs an advisor using the default Anthropic
// HTTP client.
func NewAnthropicFromAPIKey(apiKey string, opts AnthropicOptions) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, opts)
}

// Query issues a non-streaming Messages.New request and returns the
// concatenated text blocks of the reply.
func (a *Anthropic) Query(ctx context.Context, prompt, systemPrompt string) (safety.AdvisorReply, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return safety.AdvisorReply{Err: err.Error()}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return safety.AdvisorReply{Err: "empty response"}, errors.New("anthropic: response message is nil")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return safety.AdvisorReply{Content: b.String(), Success: true}, nil
}
