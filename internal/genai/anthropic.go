package genai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// Anthropic defaults
const (
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	// maxImageBytes bounds the image download forwarded to the vision call.
	maxImageBytes = 5 << 20
)

// messagesService defines the minimal Anthropic API surface used here.
type messagesService interface {
	CreateMessages(ctx context.Context, req anthropic.MessagesRequest) (anthropic.MessagesResponse, error)
}

// AnthropicClient answers questions and describes images through the Anthropic Messages API.
// Images are downloaded and sent inline as base64.
type AnthropicClient struct {
	client       messagesService
	httpClient   *http.Client
	model        string
	visionModel  string
	maxTokens    int
	temperature  float32
	systemPrompt string
	budget       *tokenBudget
}

// NewAnthropicClient creates an Anthropic-backed model client. The API key falls
// back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(opts ...Option) (*AnthropicClient, error) {
	cfg := defaultOpts()
	cfg.TextModel = DefaultAnthropicModel
	cfg.VisionModel = DefaultAnthropicModel
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	slog.Debug("Anthropic client created", "text_model", cfg.TextModel, "vision_model", cfg.VisionModel, "max_tokens", cfg.MaxTokens)
	return newAnthropicClientWithService(anthropic.NewClient(cfg.APIKey), cfg), nil
}

func newAnthropicClientWithService(svc messagesService, cfg Opts) *AnthropicClient {
	return &AnthropicClient{
		client:       svc,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		model:        cfg.TextModel,
		visionModel:  cfg.VisionModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  float32(cfg.Temperature),
		systemPrompt: cfg.SystemPrompt,
		budget:       newTokenBudget(cfg.ContextTokenBudget),
	}
}

// Ask sends the trailing conversation history to the text model.
func (c *AnthropicClient) Ask(ctx context.Context, req QuestionRequest) (string, error) {
	history := c.budget.Trim(req.History)
	if len(history) == 0 {
		return "", nil
	}

	// The Messages API requires alternating roles, so the history is folded into
	// a single user turn with the newest utterance last.
	var b strings.Builder
	if len(history) > 1 {
		b.WriteString("Earlier messages from the user:\n")
		for _, utterance := range history[:len(history)-1] {
			b.WriteString("- ")
			b.WriteString(utterance)
			b.WriteString("\n")
		}
		b.WriteString("\nCurrent message:\n")
	}
	b.WriteString(history[len(history)-1])

	var system []string
	if c.systemPrompt != "" {
		system = append(system, c.systemPrompt)
	}
	if req.ImageContext != "" {
		system = append(system, "The user earlier shared an image described as: "+req.ImageContext)
	}

	msgs := []anthropic.Message{{
		Role:    anthropic.RoleUser,
		Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(b.String())},
	}}
	return c.create(ctx, "Ask", c.model, strings.Join(system, "\n\n"), msgs)
}

// DescribeImage downloads the image at imageURL and asks the model to describe it.
func (c *AnthropicClient) DescribeImage(ctx context.Context, imageURL, instruction string) (string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return "", ErrEmptyImageURL
	}
	mediaType, data, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}

	msgs := []anthropic.Message{{
		Role: anthropic.RoleUser,
		Content: []anthropic.MessageContent{
			anthropic.NewImageMessageContent(anthropic.NewMessageContentSource(
				anthropic.MessagesContentSourceTypeBase64, mediaType, data,
			)),
			anthropic.NewTextMessageContent(instruction),
		},
	}}
	return c.create(ctx, "DescribeImage", c.visionModel, "", msgs)
}

func (c *AnthropicClient) create(ctx context.Context, method, model, system string, msgs []anthropic.Message) (string, error) {
	temperature := c.temperature
	req := anthropic.MessagesRequest{
		Model:       anthropic.Model(model),
		Messages:    msgs,
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	}
	if system != "" {
		req.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: system}}
	}

	slog.Debug("Anthropic."+method+": calling model", "model", model)
	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		slog.Error("Anthropic."+method+": create messages failed", "model", model, "error", err)
		return "", fmt.Errorf("anthropic messages failed: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", ErrNoChoicesReturned
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	slog.Debug("Anthropic."+method+": model replied", "model", model, "length", text.Len(), "stop_reason", resp.StopReason)
	return text.String(), nil
}

func (c *AnthropicClient) fetchImage(ctx context.Context, imageURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid image URL: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(body) > maxImageBytes {
		return "", "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	mediaType := resp.Header.Get("Content-Type")
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(body)
	}
	return mediaType, base64.StdEncoding.EncodeToString(body), nil
}
