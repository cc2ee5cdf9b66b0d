package genai

import (
	"context"
	"fmt"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderHuggingFace = "huggingface"
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
)

// Model is the surface shared by every provider client.
type Model interface {
	Ask(ctx context.Context, req QuestionRequest) (string, error)
	DescribeImage(ctx context.Context, imageURL, instruction string) (string, error)
}

var (
	_ Model = (*Client)(nil)
	_ Model = (*AnthropicClient)(nil)
)

// New creates the model client for provider. Options are applied after the
// provider's defaults, so explicit values win.
func New(provider string, opts ...Option) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderHuggingFace:
		base := []Option{WithBaseURL(DefaultBaseURL)}
		return NewClient(append(base, opts...)...)
	case ProviderOpenAI:
		base := []Option{WithBaseURL(""), WithTextModel("gpt-4o-mini"), WithVisionModel("gpt-4o-mini")}
		return NewClient(append(base, opts...)...)
	case ProviderAnthropic:
		return NewAnthropicClient(opts...)
	default:
		return nil, fmt.Errorf("unknown model provider: %s (supported: huggingface, openai, anthropic)", provider)
	}
}
