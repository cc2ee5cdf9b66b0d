// Package genai provides model calls for PromptRelay using an OpenAI-compatible chat completion API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default model configuration. The defaults target the Hugging Face router,
// which exposes Llama models behind the OpenAI chat completion contract.
const (
	DefaultBaseURL            = "https://router.huggingface.co/v1"
	DefaultTextModel          = "meta-llama/Llama-3.2-3B-Instruct"
	DefaultVisionModel        = "meta-llama/Llama-3.2-11B-Vision-Instruct"
	DefaultMaxTokens          = 500
	DefaultTemperature        = 0.7
	DefaultContextTokenBudget = 3000
)

// Error variables for model calls
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrMissingAPIKey     = errors.New("model API key not set")
	ErrEmptyImageURL     = errors.New("image URL is required")
)

// QuestionRequest carries the conversation context for a text question.
type QuestionRequest struct {
	// History holds the trailing user utterances, oldest first; the last entry is the new question.
	History []string
	// ImageContext is the description of the last image the user sent, if any.
	ImageContext string
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK completion service to chatService.
type completionsService struct {
	svc openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey             string
	BaseURL            string
	TextModel          string
	VisionModel        string
	MaxTokens          int
	Temperature        float64
	SystemPrompt       string
	ContextTokenBudget int
	MaxRetries         int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key used for model calls.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTextModel sets the model answering questions.
func WithTextModel(model string) Option {
	return func(o *Opts) { o.TextModel = model }
}

// WithVisionModel sets the model describing images.
func WithVisionModel(model string) Option {
	return func(o *Opts) { o.VisionModel = model }
}

// WithMaxTokens sets the completion token budget per reply.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithSystemPrompt sets an optional system prompt prepended to questions.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithContextTokenBudget caps the prompt tokens spent on conversation history.
func WithContextTokenBudget(n int) Option {
	return func(o *Opts) { o.ContextTokenBudget = n }
}

// WithMaxRetries sets the SDK-level retry count. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

func defaultOpts() Opts {
	return Opts{
		BaseURL:            DefaultBaseURL,
		TextModel:          DefaultTextModel,
		VisionModel:        DefaultVisionModel,
		MaxTokens:          DefaultMaxTokens,
		Temperature:        DefaultTemperature,
		ContextTokenBudget: DefaultContextTokenBudget,
	}
}

// Client wraps the chat completion service for questions and image descriptions.
type Client struct {
	chat         chatService
	model        string
	visionModel  string
	maxTokens    int
	temperature  float64
	systemPrompt string
	budget       *tokenBudget
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided.
func NewClient(opts ...Option) (*Client, error) {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client created", "base_url", cfg.BaseURL, "text_model", cfg.TextModel, "vision_model", cfg.VisionModel, "max_tokens", cfg.MaxTokens)
	return newClientWithService(completionsService{svc: cli.Chat.Completions}, cfg), nil
}

func newClientWithService(chat chatService, cfg Opts) *Client {
	return &Client{
		chat:         chat,
		model:        cfg.TextModel,
		visionModel:  cfg.VisionModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		budget:       newTokenBudget(cfg.ContextTokenBudget),
	}
}

// Ask sends the trailing conversation history to the text model and returns its answer.
// An empty answer is returned as "" with a nil error.
func (c *Client) Ask(ctx context.Context, req QuestionRequest) (string, error) {
	history := c.budget.Trim(req.History)
	if len(history) < len(req.History) {
		slog.Debug("GenAI.Ask: history trimmed to token budget", "kept", len(history), "total", len(req.History))
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if c.systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(c.systemPrompt))
	}
	if req.ImageContext != "" {
		messages = append(messages, openai.SystemMessage("The user earlier shared an image described as: "+req.ImageContext))
	}
	for _, utterance := range history {
		messages = append(messages, openai.UserMessage(utterance))
	}

	return c.complete(ctx, "Ask", c.model, messages)
}

// DescribeImage asks the vision model to describe the image at imageURL following instruction.
func (c *Client) DescribeImage(ctx context.Context, imageURL, instruction string) (string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return "", ErrEmptyImageURL
	}
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
		openai.TextContentPart(instruction),
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)}

	return c.complete(ctx, "DescribeImage", c.visionModel, messages)
}

func (c *Client) complete(ctx context.Context, method, model string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	slog.Debug("GenAI."+method+": calling model", "model", model, "messages", len(messages))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI."+method+": chat completion failed", "model", model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI."+method+": no choices returned", "model", model)
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI."+method+": model replied", "model", model, "length", len(content))
	return content, nil
}
