package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/twiliowhatsapp"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioService delivers replies to WhatsApp users through Twilio.
type TwilioService struct {
	client twiliowhatsapp.Sender // real Twilio client or MockClient
}

// NewTwilioService creates a TwilioService over client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// Channel returns models.ChannelWhatsApp.
func (s *TwilioService) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp address to "+<digits>".
// It accepts "whatsapp:+1 555 123", "+1555123" and bare digits, and requires at least 6 digits.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(strings.TrimPrefix(recipient, "whatsapp:"), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return "+" + canonical, nil
}

// SendMessage sends reply as one or more WhatsApp messages. Quick replies
// not already named in the text are appended as a numbered list.
func (s *TwilioService) SendMessage(ctx context.Context, to string, reply models.Reply) error {
	canonicalTo, err := ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation error", "error", err, "to", to)
		return err
	}

	parts := SplitMessage(renderOptions(reply), twiliowhatsapp.MaxBodyLength)
	if len(parts) == 0 || parts[0] == "" {
		return ErrEmptyReply
	}
	for i, part := range parts {
		if err := s.client.SendMessage(ctx, canonicalTo, part); err != nil {
			slog.Error("TwilioService.SendMessage: delivery failed", "to", canonicalTo, "part", i+1, "parts", len(parts), "error", err)
			return err
		}
	}
	slog.Debug("TwilioService.SendMessage: delivered", "to", canonicalTo, "parts", len(parts))
	return nil
}

// SendTypingIndicator is a no-op; Twilio has no WhatsApp typing indicator.
func (s *TwilioService) SendTypingIndicator(ctx context.Context, to string, on bool) error {
	return nil
}

func renderOptions(reply models.Reply) string {
	var missing []string
	for _, o := range reply.QuickReplies {
		if !strings.Contains(strings.ToLower(reply.Text), strings.ToLower(o.Title)) {
			missing = append(missing, o.Title)
		}
	}
	if len(missing) == 0 {
		return reply.Text
	}
	var b strings.Builder
	b.WriteString(reply.Text)
	b.WriteString("\n")
	for i, title := range missing {
		fmt.Fprintf(&b, "\n%d. %s", i+1, title)
	}
	return b.String()
}
