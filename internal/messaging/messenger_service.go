package messaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/goccy/go-json"
)

// Messenger Send API defaults
const (
	DefaultGraphAPIBaseURL = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v19.0"
	// MessengerTextLimit is the Send API limit on message text.
	MessengerTextLimit = 2000
	// DefaultSendAttempts bounds delivery attempts on transient failures.
	DefaultSendAttempts = 3
	DefaultRetryBackoff = 500 * time.Millisecond

	maxQuickReplies     = 13
	maxQuickReplyTitle  = 20
	maxErrorBodyLogSize = 512
)

// SendError reports a non-2xx answer from the Send API.
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send API returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying.
func (e *SendError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// MessengerOpts holds configuration options for the Messenger service.
type MessengerOpts struct {
	PageAccessToken string
	GraphAPIVersion string
	BaseURL         string
	MaxAttempts     int
	RetryBackoff    time.Duration
}

// MessengerOption defines a configuration option for the Messenger service.
type MessengerOption func(*MessengerOpts)

// WithPageAccessToken sets the page token used to call the Send API.
func WithPageAccessToken(token string) MessengerOption {
	return func(o *MessengerOpts) { o.PageAccessToken = token }
}

// WithGraphAPIVersion sets the Graph API version path segment, e.g. "v19.0".
func WithGraphAPIVersion(version string) MessengerOption {
	return func(o *MessengerOpts) { o.GraphAPIVersion = version }
}

// WithGraphAPIBaseURL overrides the Graph API host.
func WithGraphAPIBaseURL(base string) MessengerOption {
	return func(o *MessengerOpts) { o.BaseURL = base }
}

// WithRetry sets the attempt count and linear backoff step for transient failures.
func WithRetry(attempts int, backoff time.Duration) MessengerOption {
	return func(o *MessengerOpts) {
		o.MaxAttempts = attempts
		o.RetryBackoff = backoff
	}
}

// MessengerService delivers replies through the Messenger Send API.
type MessengerService struct {
	endpoint     string
	token        string
	httpClient   *http.Client
	maxAttempts  int
	retryBackoff time.Duration
}

type sendRecipient struct {
	ID string `json:"id"`
}

type sendQuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type sendMessage struct {
	Text         string           `json:"text"`
	QuickReplies []sendQuickReply `json:"quick_replies,omitempty"`
}

type sendRequest struct {
	Recipient     sendRecipient `json:"recipient"`
	MessagingType string        `json:"messaging_type,omitempty"`
	Message       *sendMessage  `json:"message,omitempty"`
	SenderAction  string        `json:"sender_action,omitempty"`
}

// NewMessengerService creates a Messenger delivery service.
func NewMessengerService(opts ...MessengerOption) (*MessengerService, error) {
	cfg := MessengerOpts{
		GraphAPIVersion: DefaultGraphAPIVersion,
		BaseURL:         DefaultGraphAPIBaseURL,
		MaxAttempts:     DefaultSendAttempts,
		RetryBackoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PageAccessToken == "" {
		return nil, fmt.Errorf("page access token must be provided")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	// The token travels in the Authorization header so transport errors, which
	// quote the request URL, never carry it.
	endpoint := fmt.Sprintf("%s/%s/me/messages", cfg.BaseURL, cfg.GraphAPIVersion)

	slog.Debug("MessengerService created", "graph_api_version", cfg.GraphAPIVersion, "max_attempts", cfg.MaxAttempts)
	return &MessengerService{
		endpoint:     endpoint,
		token:        cfg.PageAccessToken,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

// Channel returns models.ChannelMessenger.
func (s *MessengerService) Channel() models.Channel {
	return models.ChannelMessenger
}

// SendMessage delivers reply as one or more text messages. Quick replies ride on the last part.
func (s *MessengerService) SendMessage(ctx context.Context, to string, reply models.Reply) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	parts := SplitMessage(reply.Text, MessengerTextLimit)
	if len(parts) == 0 || parts[0] == "" {
		return ErrEmptyReply
	}

	for i, part := range parts {
		msg := &sendMessage{Text: part}
		if i == len(parts)-1 {
			msg.QuickReplies = messengerQuickReplies(reply.QuickReplies)
		}
		req := sendRequest{
			Recipient:     sendRecipient{ID: to},
			MessagingType: "RESPONSE",
			Message:       msg,
		}
		if err := s.post(ctx, req); err != nil {
			slog.Error("MessengerService.SendMessage: delivery failed", "to", to, "part", i+1, "parts", len(parts), "error", err)
			return err
		}
	}
	slog.Debug("MessengerService.SendMessage: delivered", "to", to, "parts", len(parts))
	return nil
}

// SendTypingIndicator sends the typing_on or typing_off sender action.
func (s *MessengerService) SendTypingIndicator(ctx context.Context, to string, on bool) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	action := "typing_off"
	if on {
		action = "typing_on"
	}
	return s.post(ctx, sendRequest{Recipient: sendRecipient{ID: to}, SenderAction: action})
}

func messengerQuickReplies(options []models.QuickReply) []sendQuickReply {
	if len(options) > maxQuickReplies {
		options = options[:maxQuickReplies]
	}
	out := make([]sendQuickReply, 0, len(options))
	for _, o := range options {
		title := []rune(o.Title)
		if len(title) > maxQuickReplyTitle {
			title = title[:maxQuickReplyTitle]
		}
		out = append(out, sendQuickReply{ContentType: "text", Title: string(title), Payload: o.Payload})
	}
	return out
}

// post sends one Send API request, retrying transient failures with linear backoff.
func (s *MessengerService) post(ctx context.Context, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode send request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * s.retryBackoff
			slog.Warn("MessengerService: retrying send", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		var retry bool
		retry, lastErr = s.do(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (s *MessengerService) do(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLogSize))
	sendErr := &SendError{StatusCode: resp.StatusCode, Body: string(respBody)}
	return sendErr.Temporary(), sendErr
}
